// Package trade implements the paper-trading ledger: stock and option trade
// processing, expiration settlement, mark refresh and portfolio queries,
// plus the HTTP handlers that expose them.
//
// All monetary values use shopspring/decimal, never float64 for money.
package trade

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pivotal/paper-trading/internal/events"
	"github.com/pivotal/paper-trading/internal/exposure"
	"github.com/pivotal/paper-trading/internal/metrics"
	"github.com/pivotal/paper-trading/internal/model"
	"github.com/pivotal/paper-trading/internal/quote"
	"github.com/pivotal/paper-trading/internal/store"
)

// DefaultSettlementQuoteTimeout bounds the underlying price lookup during
// expiration settlement.
const DefaultSettlementQuoteTimeout = 5 * time.Second

// Service is the ledger engine. Same-account operations are serialized by
// store.InAccountTx; different accounts proceed in parallel.
type Service struct {
	store    store.Store
	quotes   quote.Source
	limiter  *exposure.Limiter
	events   events.Publisher
	initial  decimal.Decimal
	loc      *time.Location
	now      func() time.Time
	quoteTTL time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithInitialBalance sets the starting cash of new accounts.
func WithInitialBalance(b decimal.Decimal) Option {
	return func(s *Service) { s.initial = b }
}

// WithLocation sets the market time zone whose calendar date decides
// contract expiry.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) { s.loc = loc }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithSettlementQuoteTimeout bounds the settlement quote lookup.
func WithSettlementQuoteTimeout(d time.Duration) Option {
	return func(s *Service) { s.quoteTTL = d }
}

// NewService creates a ledger service. quotes, limiter and pub may be nil:
// a nil source reports every quote as unavailable, a nil limiter allows all
// short sales, and a nil publisher drops events.
func NewService(st store.Store, quotes quote.Source, limiter *exposure.Limiter, pub events.Publisher, opts ...Option) *Service {
	s := &Service{
		store:    st,
		quotes:   quotes,
		limiter:  limiter,
		events:   pub,
		initial:  model.DefaultInitialBalance,
		loc:      time.UTC,
		now:      time.Now,
		quoteTTL: DefaultSettlementQuoteTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.quotes == nil {
		s.quotes = quote.NewStaticSource()
	}
	if s.events == nil {
		s.events = events.Nop{}
	}
	return s
}

// today is the current calendar date in the market time zone.
func (s *Service) today() time.Time {
	return model.CivilDate(s.now().In(s.loc))
}

func (s *Service) timestamp() time.Time {
	return s.now().UTC()
}

// --- Account ledger ---

// GetOrCreateAccount returns the user's account, creating it with the
// configured initial balance on first access.
func (s *Service) GetOrCreateAccount(ctx context.Context, userID string) (*model.Account, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, validationError("user id is required")
	}
	return s.store.GetOrCreateAccount(ctx, userID, s.initial)
}

// ResetAccount wipes the user's account, positions and history and opens a
// fresh account. A malformed or non-positive initialBalance falls back to
// the default of 100000.00 rather than failing.
func (s *Service) ResetAccount(ctx context.Context, userID, initialBalance string) (*model.Account, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, validationError("user id is required")
	}

	initial := model.DefaultInitialBalance
	if b, err := decimal.NewFromString(strings.TrimSpace(initialBalance)); err == nil && b.Round(model.CurrencyScale).IsPositive() {
		initial = b.Round(model.CurrencyScale)
	} else if initialBalance != "" {
		slog.Warn("invalid reset balance, using default",
			"user", userID,
			"input", initialBalance,
			"default", initial.String(),
		)
	}

	a, err := s.store.ResetAccount(ctx, userID, initial)
	if err != nil {
		return nil, err
	}

	slog.Info("account reset", "user", userID, "account_id", a.ID, "initial_balance", initial.String())
	s.publish(ctx, events.New(events.AccountReset, a.ID, userID, "", a))
	return a, nil
}

// publish delivers an event after commit. Failures are logged and counted
// but never undo the committed trade.
func (s *Service) publish(ctx context.Context, e events.Event) {
	if err := s.events.Publish(context.WithoutCancel(ctx), e); err != nil {
		metrics.EventPublishFailures.WithLabelValues(string(e.Type)).Inc()
		slog.Error("event publish failed", "type", e.Type, "account_id", e.AccountID, "err", err)
	}
}

// reject records a business-rule rejection metric and passes err through.
func reject(err error) error {
	var e *Error
	if errors.As(err, &e) {
		metrics.TradeRejections.WithLabelValues(string(e.Kind)).Inc()
	}
	return err
}
