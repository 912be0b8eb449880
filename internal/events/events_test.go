package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

type recordingPublisher struct {
	events []Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e Event) error {
	p.events = append(p.events, e)
	return p.err
}

func TestKafkaPublisher_KeysByAccount(t *testing.T) {
	w := &recordingWriter{}
	p := &KafkaPublisher{writer: w, topic: "paper-trading.events"}

	e := New(StockTradeExecuted, "acct-1", "alice", "AAPL", map[string]string{"side": "buy"})
	require.NoError(t, p.Publish(context.Background(), e))

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "acct-1", string(msg.Key))
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "stock_trade_executed", string(msg.Headers[0].Value))

	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, e.ID, decoded.ID)
	assert.Equal(t, StockTradeExecuted, decoded.Type)
	assert.Equal(t, "AAPL", decoded.Symbol)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisher_WrapsWriteError(t *testing.T) {
	boom := errors.New("broker down")
	p := &KafkaPublisher{writer: &recordingWriter{err: boom}, topic: "t"}

	err := p.Publish(context.Background(), New(AccountReset, "a", "u", "", nil))
	assert.ErrorIs(t, err, boom)
}

func TestMulti_AttemptsEverySink(t *testing.T) {
	boom := errors.New("sink failed")
	first := &recordingPublisher{err: boom}
	second := &recordingPublisher{}

	err := Multi{first, second}.Publish(context.Background(), New(OptionTradeExecuted, "a", "u", "AAPL", nil))
	assert.ErrorIs(t, err, boom)
	assert.Len(t, first.events, 1)
	assert.Len(t, second.events, 1)
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop{}.Publish(context.Background(), Event{}))
}
