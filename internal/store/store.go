// Package store defines the persistence interface for the paper-trading
// ledger. Implementations include PostgreSQL (source of truth), Redis (read-
// through contract cache), and in-memory (for testing and development).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pivotal/paper-trading/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// DefaultPageSize is applied to history queries that do not set a limit.
const DefaultPageSize = 50

// TradeFilter narrows stock trade history queries.
type TradeFilter struct {
	Symbol string
	Limit  int
	Offset int
}

// OptionTradeFilter narrows option trade history queries.
type OptionTradeFilter struct {
	Underlying string
	Limit      int
	Offset     int
}

// ContractFilter narrows contract registry queries. Zero fields match all.
type ContractFilter struct {
	Underlying string
	OptionType model.OptionType
	Expiration time.Time
	Limit      int
}

// Store is the persistence interface. All ledger mutations go through
// InAccountTx; everything else is a read or an idempotent registry write.
type Store interface {
	// --- Accounts ---

	// GetOrCreateAccount returns the user's account, creating it with the
	// given initial balance when absent.
	GetOrCreateAccount(ctx context.Context, userID string, initial decimal.Decimal) (*model.Account, error)

	// ResetAccount deletes the user's account with all positions and trades
	// and creates a fresh one. This is a hard wipe; no history is kept.
	ResetAccount(ctx context.Context, userID string, initial decimal.Decimal) (*model.Account, error)

	// InAccountTx runs fn with exclusive access to one account's ledger and
	// position state. Concurrent calls for the same account are serialized.
	// Writes made through tx become visible only if fn returns nil.
	InAccountTx(ctx context.Context, accountID string, fn func(tx Tx) error) error

	// --- Position and history reads ---

	ListStockPositions(ctx context.Context, accountID string) ([]model.StockPosition, error)
	ListOptionPositions(ctx context.Context, accountID string) ([]model.OptionPosition, error)

	// ListTrades returns a page of stock trades, newest first, and the
	// total number of trades matching the filter.
	ListTrades(ctx context.Context, accountID string, f TradeFilter) ([]model.Trade, int, error)

	// ListOptionTrades returns a page of option trades, newest first, and
	// the total number matching the filter.
	ListOptionTrades(ctx context.Context, accountID string, f OptionTradeFilter) ([]model.OptionTrade, int, error)

	// --- Option contract registry ---

	// GetContract retrieves a contract by its OCC symbol.
	GetContract(ctx context.Context, symbol string) (*model.OptionContract, error)

	// EnsureContract returns the existing contract with the same symbol or
	// the same terms, or persists c. The bool reports whether c was created.
	EnsureContract(ctx context.Context, c *model.OptionContract) (*model.OptionContract, bool, error)

	// ListContracts returns registry entries ordered by underlying,
	// expiration and strike.
	ListContracts(ctx context.Context, f ContractFilter) ([]model.OptionContract, error)
}

// Tx is the account-scoped view handed to InAccountTx callbacks. Positions
// returned by Tx are copies; persist changes with the Save methods.
type Tx interface {
	// Account returns the locked account. Persist balance changes with
	// UpdateAccount.
	Account() *model.Account
	UpdateAccount(ctx context.Context, a *model.Account) error

	GetStockPosition(ctx context.Context, symbol string) (*model.StockPosition, error)
	ListStockPositions(ctx context.Context) ([]model.StockPosition, error)
	SaveStockPosition(ctx context.Context, p *model.StockPosition) error
	DeleteStockPosition(ctx context.Context, id string) error
	InsertTrade(ctx context.Context, t *model.Trade) error

	GetOptionPosition(ctx context.Context, contractID string, posType model.PositionType) (*model.OptionPosition, error)
	GetOptionPositionByID(ctx context.Context, id string) (*model.OptionPosition, error)
	ListOptionPositions(ctx context.Context) ([]model.OptionPosition, error)
	SaveOptionPosition(ctx context.Context, p *model.OptionPosition) error
	DeleteOptionPosition(ctx context.Context, id string) error
	InsertOptionTrade(ctx context.Context, t *model.OptionTrade) error
}

func pageLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	return limit
}
