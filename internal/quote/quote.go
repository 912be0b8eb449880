// Package quote supplies market prices to the ledger. The ledger only
// depends on the Source interface; concrete sources wrap a REST quote
// provider, a Redis cache, or a static in-memory table.
package quote

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// ErrUnavailable is returned when no usable price exists for a symbol.
var ErrUnavailable = errors.New("quote: unavailable")

var two = decimal.NewFromInt(2)

// OptionQuote is the top of book for one option contract, per share.
type OptionQuote struct {
	Bid  decimal.Decimal `json:"bid"`
	Ask  decimal.Decimal `json:"ask"`
	Last decimal.Decimal `json:"last"`
}

// Mark returns the mid price when both sides are quoted, else the last
// trade. ok is false when neither is positive.
func (q OptionQuote) Mark() (decimal.Decimal, bool) {
	if q.Bid.IsPositive() && q.Ask.IsPositive() {
		return q.Bid.Add(q.Ask).Div(two), true
	}
	if q.Last.IsPositive() {
		return q.Last, true
	}
	return decimal.Zero, false
}

// Source is the market data capability consumed by the ledger. Freshness
// is not guaranteed.
type Source interface {
	// LastPrice returns the last traded price of an underlying.
	LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	// OptionQuote returns bid/ask/last for an OCC contract symbol.
	OptionQuote(ctx context.Context, contractSymbol string) (OptionQuote, error)
}

// StaticSource serves prices from an in-memory table.
type StaticSource struct {
	mu      sync.RWMutex
	prices  map[string]decimal.Decimal
	options map[string]OptionQuote
}

// NewStaticSource creates an empty static source.
func NewStaticSource() *StaticSource {
	return &StaticSource{
		prices:  make(map[string]decimal.Decimal),
		options: make(map[string]OptionQuote),
	}
}

// SetPrice sets the last price for symbol.
func (s *StaticSource) SetPrice(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
}

// SetOptionQuote sets the quote for a contract symbol.
func (s *StaticSource) SetOptionQuote(contractSymbol string, q OptionQuote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.options[contractSymbol] = q
}

func (s *StaticSource) LastPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[symbol]
	if !ok || !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnavailable, symbol)
	}
	return p, nil
}

func (s *StaticSource) OptionQuote(_ context.Context, contractSymbol string) (OptionQuote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.options[contractSymbol]
	if !ok {
		return OptionQuote{}, fmt.Errorf("%w: %s", ErrUnavailable, contractSymbol)
	}
	return q, nil
}
