// Package events publishes ledger events (fills, settlements, resets) to
// downstream consumers after the owning transaction has committed.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of ledger event.
type Type string

const (
	StockTradeExecuted    Type = "stock_trade_executed"
	OptionTradeExecuted   Type = "option_trade_executed"
	OptionPositionSettled Type = "option_position_settled"
	AccountReset          Type = "account_reset"
)

// Event is the envelope published for every ledger change. Payload is the
// committed record (trade, settlement result or account).
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	AccountID  string    `json:"account_id"`
	UserID     string    `json:"user_id"`
	Symbol     string    `json:"symbol,omitempty"`
	Payload    any       `json:"payload"`
	OccurredAt time.Time `json:"occurred_at"`
}

// New builds an event stamped with a fresh id and the current time.
func New(t Type, accountID, userID, symbol string, payload any) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       t,
		AccountID:  accountID,
		UserID:     userID,
		Symbol:     symbol,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}
}

// Publisher delivers events to a sink. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to every publisher. All sinks are attempted even
// when one fails; the returned error joins every failure.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
