package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pivotal/paper-trading/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]*accountState // account ID → state
	byUser    map[string]string        // user ID → account ID
	contracts map[string]*model.OptionContract
	locks     map[string]*sync.Mutex // per-account transaction locks
}

// accountState is everything an account owns. Reset drops it wholesale.
type accountState struct {
	account      model.Account
	stocks       map[string]model.StockPosition  // position ID → position
	options      map[string]model.OptionPosition // position ID → position
	trades       []model.Trade
	optionTrades []model.OptionTrade
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*accountState),
		byUser:    make(map[string]string),
		contracts: make(map[string]*model.OptionContract),
		locks:     make(map[string]*sync.Mutex),
	}
}

func newAccountState(userID string, initial decimal.Decimal) *accountState {
	now := time.Now().UTC()
	return &accountState{
		account: model.Account{
			ID:             uuid.New().String(),
			UserID:         userID,
			Balance:        initial,
			InitialBalance: initial,
			CreatedAt:      now,
			UpdatedAt:      now,
		},
		stocks:  make(map[string]model.StockPosition),
		options: make(map[string]model.OptionPosition),
	}
}

func (s *MemoryStore) lockFor(accountID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[accountID] = l
	}
	return l
}

func (s *MemoryStore) GetOrCreateAccount(_ context.Context, userID string, initial decimal.Decimal) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byUser[userID]; ok {
		a := s.accounts[id].account
		return &a, nil
	}

	st := newAccountState(userID, initial)
	s.accounts[st.account.ID] = st
	s.byUser[userID] = st.account.ID
	a := st.account
	return &a, nil
}

func (s *MemoryStore) ResetAccount(_ context.Context, userID string, initial decimal.Decimal) (*model.Account, error) {
	s.mu.RLock()
	oldID, exists := s.byUser[userID]
	s.mu.RUnlock()

	// Wait for in-flight trades on the old account before wiping it.
	if exists {
		l := s.lockFor(oldID)
		l.Lock()
		defer l.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if exists {
		delete(s.accounts, oldID)
	}
	st := newAccountState(userID, initial)
	s.accounts[st.account.ID] = st
	s.byUser[userID] = st.account.ID
	a := st.account
	return &a, nil
}

func (s *MemoryStore) InAccountTx(ctx context.Context, accountID string, fn func(tx Tx) error) error {
	l := s.lockFor(accountID)
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	st, ok := s.accounts[accountID]
	if !ok {
		s.mu.RUnlock()
		return fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	tx := &memoryTx{
		store:   s,
		account: st.account,
		stocks:  make(map[string]model.StockPosition, len(st.stocks)),
		options: make(map[string]model.OptionPosition, len(st.options)),
	}
	for id, p := range st.stocks {
		tx.stocks[id] = p
	}
	for id, p := range st.options {
		tx.options[id] = p
	}
	s.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Commit: swap in the staged copy and append new history.
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok = s.accounts[accountID]
	if !ok {
		return fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	st.account = tx.account
	st.stocks = tx.stocks
	st.options = tx.options
	st.trades = append(st.trades, tx.trades...)
	st.optionTrades = append(st.optionTrades, tx.optionTrades...)
	return nil
}

func (s *MemoryStore) ListStockPositions(_ context.Context, accountID string) ([]model.StockPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.accounts[accountID]
	if !ok {
		return nil, nil
	}
	return sortedStocks(st.stocks), nil
}

func (s *MemoryStore) ListOptionPositions(_ context.Context, accountID string) ([]model.OptionPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.accounts[accountID]
	if !ok {
		return nil, nil
	}
	return sortedOptions(st.options), nil
}

func (s *MemoryStore) ListTrades(_ context.Context, accountID string, f TradeFilter) ([]model.Trade, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.accounts[accountID]
	if !ok {
		return nil, 0, nil
	}

	// Newest first.
	var matched []model.Trade
	for i := len(st.trades) - 1; i >= 0; i-- {
		t := st.trades[i]
		if f.Symbol != "" && t.Symbol != f.Symbol {
			continue
		}
		matched = append(matched, t)
	}
	return page(matched, f.Offset, f.Limit), len(matched), nil
}

func (s *MemoryStore) ListOptionTrades(_ context.Context, accountID string, f OptionTradeFilter) ([]model.OptionTrade, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.accounts[accountID]
	if !ok {
		return nil, 0, nil
	}

	var matched []model.OptionTrade
	for i := len(st.optionTrades) - 1; i >= 0; i-- {
		t := st.optionTrades[i]
		if f.Underlying != "" && t.UnderlyingSymbol != f.Underlying {
			continue
		}
		matched = append(matched, t)
	}
	return page(matched, f.Offset, f.Limit), len(matched), nil
}

func (s *MemoryStore) GetContract(_ context.Context, symbol string) (*model.OptionContract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.contracts {
		if c.ContractSymbol == symbol {
			cp := *c
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("contract %s: %w", symbol, ErrNotFound)
}

func (s *MemoryStore) EnsureContract(_ context.Context, c *model.OptionContract) (*model.OptionContract, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.contracts {
		if existing.ContractSymbol == c.ContractSymbol || existing.SameTerms(*c) {
			cp := *existing
			return &cp, false, nil
		}
	}

	stored := *c
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.contracts[stored.ID] = &stored
	out := stored
	return &out, true, nil
}

func (s *MemoryStore) ListContracts(_ context.Context, f ContractFilter) ([]model.OptionContract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.OptionContract
	for _, c := range s.contracts {
		if f.Underlying != "" && c.UnderlyingSymbol != f.Underlying {
			continue
		}
		if f.OptionType != "" && c.OptionType != f.OptionType {
			continue
		}
		if !f.Expiration.IsZero() && !model.CivilDate(c.ExpirationDate).Equal(model.CivilDate(f.Expiration)) {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.UnderlyingSymbol != b.UnderlyingSymbol {
			return a.UnderlyingSymbol < b.UnderlyingSymbol
		}
		if !a.ExpirationDate.Equal(b.ExpirationDate) {
			return a.ExpirationDate.Before(b.ExpirationDate)
		}
		return a.StrikePrice.LessThan(b.StrikePrice)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) contractByID(id string) (model.OptionContract, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contracts[id]
	if !ok {
		return model.OptionContract{}, false
	}
	return *c, true
}

// memoryTx stages all writes on private copies; InAccountTx publishes them
// only after the callback succeeds.
type memoryTx struct {
	store        *MemoryStore
	account      model.Account
	stocks       map[string]model.StockPosition
	options      map[string]model.OptionPosition
	trades       []model.Trade
	optionTrades []model.OptionTrade
}

func (tx *memoryTx) Account() *model.Account {
	a := tx.account
	return &a
}

func (tx *memoryTx) UpdateAccount(_ context.Context, a *model.Account) error {
	if a.ID != tx.account.ID {
		return fmt.Errorf("update account %s outside transaction scope", a.ID)
	}
	a.UpdatedAt = time.Now().UTC()
	tx.account = *a
	return nil
}

func (tx *memoryTx) GetStockPosition(_ context.Context, symbol string) (*model.StockPosition, error) {
	for _, p := range tx.stocks {
		if p.Symbol == symbol {
			cp := p
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("position %s: %w", symbol, ErrNotFound)
}

func (tx *memoryTx) ListStockPositions(_ context.Context) ([]model.StockPosition, error) {
	return sortedStocks(tx.stocks), nil
}

func (tx *memoryTx) SaveStockPosition(_ context.Context, p *model.StockPosition) error {
	if p.ID == "" {
		return fmt.Errorf("save stock position: missing id")
	}
	p.AccountID = tx.account.ID
	p.UpdatedAt = time.Now().UTC()
	tx.stocks[p.ID] = *p
	return nil
}

func (tx *memoryTx) DeleteStockPosition(_ context.Context, id string) error {
	delete(tx.stocks, id)
	return nil
}

func (tx *memoryTx) InsertTrade(_ context.Context, t *model.Trade) error {
	t.AccountID = tx.account.ID
	tx.trades = append(tx.trades, *t)
	return nil
}

func (tx *memoryTx) GetOptionPosition(_ context.Context, contractID string, posType model.PositionType) (*model.OptionPosition, error) {
	for _, p := range tx.options {
		if p.ContractID == contractID && p.PositionType == posType {
			cp := p
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%s position in contract %s: %w", posType, contractID, ErrNotFound)
}

func (tx *memoryTx) GetOptionPositionByID(_ context.Context, id string) (*model.OptionPosition, error) {
	p, ok := tx.options[id]
	if !ok {
		return nil, fmt.Errorf("option position %s: %w", id, ErrNotFound)
	}
	return &p, nil
}

func (tx *memoryTx) ListOptionPositions(_ context.Context) ([]model.OptionPosition, error) {
	return sortedOptions(tx.options), nil
}

func (tx *memoryTx) SaveOptionPosition(_ context.Context, p *model.OptionPosition) error {
	if p.ID == "" {
		return fmt.Errorf("save option position: missing id")
	}
	c, ok := tx.store.contractByID(p.ContractID)
	if !ok {
		return fmt.Errorf("contract %s: %w", p.ContractID, ErrNotFound)
	}
	p.Contract = c
	p.AccountID = tx.account.ID
	p.UpdatedAt = time.Now().UTC()
	tx.options[p.ID] = *p
	return nil
}

func (tx *memoryTx) DeleteOptionPosition(_ context.Context, id string) error {
	delete(tx.options, id)
	return nil
}

func (tx *memoryTx) InsertOptionTrade(_ context.Context, t *model.OptionTrade) error {
	t.AccountID = tx.account.ID
	tx.optionTrades = append(tx.optionTrades, *t)
	return nil
}

func sortedStocks(m map[string]model.StockPosition) []model.StockPosition {
	out := make([]model.StockPosition, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func sortedOptions(m map[string]model.OptionPosition) []model.OptionPosition {
	out := make([]model.OptionPosition, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Contract.ContractSymbol != out[j].Contract.ContractSymbol {
			return out[i].Contract.ContractSymbol < out[j].Contract.ContractSymbol
		}
		return out[i].PositionType < out[j].PositionType
	})
	return out
}

func page[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	end := offset + pageLimit(limit)
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
