package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/pivotal/paper-trading/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the contract registry. Contracts never change once created, so
// entries are only populated, never invalidated. Ledger state always goes to
// the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Pass-through (ledger state is never cached) ---

func (s *CachedStore) GetOrCreateAccount(ctx context.Context, userID string, initial decimal.Decimal) (*model.Account, error) {
	return s.primary.GetOrCreateAccount(ctx, userID, initial)
}

func (s *CachedStore) ResetAccount(ctx context.Context, userID string, initial decimal.Decimal) (*model.Account, error) {
	return s.primary.ResetAccount(ctx, userID, initial)
}

func (s *CachedStore) InAccountTx(ctx context.Context, accountID string, fn func(tx Tx) error) error {
	return s.primary.InAccountTx(ctx, accountID, fn)
}

func (s *CachedStore) ListStockPositions(ctx context.Context, accountID string) ([]model.StockPosition, error) {
	return s.primary.ListStockPositions(ctx, accountID)
}

func (s *CachedStore) ListOptionPositions(ctx context.Context, accountID string) ([]model.OptionPosition, error) {
	return s.primary.ListOptionPositions(ctx, accountID)
}

func (s *CachedStore) ListTrades(ctx context.Context, accountID string, f TradeFilter) ([]model.Trade, int, error) {
	return s.primary.ListTrades(ctx, accountID, f)
}

func (s *CachedStore) ListOptionTrades(ctx context.Context, accountID string, f OptionTradeFilter) ([]model.OptionTrade, int, error) {
	return s.primary.ListOptionTrades(ctx, accountID, f)
}

func (s *CachedStore) ListContracts(ctx context.Context, f ContractFilter) ([]model.OptionContract, error) {
	return s.primary.ListContracts(ctx, f)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetContract(ctx context.Context, symbol string) (*model.OptionContract, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, contractKey(symbol)).Bytes()
	if err == nil {
		var c model.OptionContract
		if json.Unmarshal(data, &c) == nil {
			return &c, nil
		}
	}

	// Cache miss: read from primary.
	c, err := s.primary.GetContract(ctx, symbol)
	if err != nil {
		return nil, err
	}

	s.cacheContract(ctx, c)
	return c, nil
}

// --- Write-through (write to primary, then populate cache) ---

func (s *CachedStore) EnsureContract(ctx context.Context, c *model.OptionContract) (*model.OptionContract, bool, error) {
	out, created, err := s.primary.EnsureContract(ctx, c)
	if err != nil {
		return nil, false, err
	}
	s.cacheContract(ctx, out)
	return out, created, nil
}

func (s *CachedStore) cacheContract(ctx context.Context, c *model.OptionContract) {
	if data, err := json.Marshal(c); err == nil {
		s.rdb.Set(ctx, contractKey(c.ContractSymbol), data, s.ttl)
	}
}

func contractKey(symbol string) string { return fmt.Sprintf("papertrade:contract:%s", symbol) }
