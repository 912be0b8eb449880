package trade

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pivotal/paper-trading/internal/contract"
	"github.com/pivotal/paper-trading/internal/model"
	"github.com/pivotal/paper-trading/internal/store"
	"github.com/pivotal/paper-trading/internal/valuation"
)

// RecentTradesLimit is the number of trades included in summaries.
const RecentTradesLimit = 10

// GetPortfolioSnapshot values the account at its stored marks. It reads
// state only.
func (s *Service) GetPortfolioSnapshot(ctx context.Context, userID string) (*valuation.Snapshot, error) {
	acct, err := s.GetOrCreateAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	stocks, err := s.store.ListStockPositions(ctx, acct.ID)
	if err != nil {
		return nil, err
	}
	options, err := s.store.ListOptionPositions(ctx, acct.ID)
	if err != nil {
		return nil, err
	}
	snap := valuation.Compute(*acct, stocks, options, s.today())
	return &snap, nil
}

// PortfolioSummary is the snapshot plus the most recent stock fills.
type PortfolioSummary struct {
	valuation.Snapshot
	RecentTrades []model.Trade `json:"recent_trades"`
}

// GetPortfolioSummary returns the snapshot with the latest trades.
func (s *Service) GetPortfolioSummary(ctx context.Context, userID string) (*PortfolioSummary, error) {
	snap, err := s.GetPortfolioSnapshot(ctx, userID)
	if err != nil {
		return nil, err
	}
	trades, _, err := s.store.ListTrades(ctx, snap.Account.ID, store.TradeFilter{Limit: RecentTradesLimit})
	if err != nil {
		return nil, err
	}
	return &PortfolioSummary{Snapshot: *snap, RecentTrades: trades}, nil
}

// OptionsSummary is the options dashboard view.
type OptionsSummary struct {
	valuation.OptionsSummary
	RecentTrades []model.OptionTrade `json:"recent_trades"`
}

// GetOptionsSummary groups the account's option positions by underlying.
func (s *Service) GetOptionsSummary(ctx context.Context, userID string) (*OptionsSummary, error) {
	acct, err := s.GetOrCreateAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	options, err := s.store.ListOptionPositions(ctx, acct.ID)
	if err != nil {
		return nil, err
	}
	trades, _, err := s.store.ListOptionTrades(ctx, acct.ID, store.OptionTradeFilter{Limit: RecentTradesLimit})
	if err != nil {
		return nil, err
	}
	return &OptionsSummary{
		OptionsSummary: valuation.SummarizeOptions(options, s.today()),
		RecentTrades:   trades,
	}, nil
}

// ListStockPositions returns the account's stock positions with derived
// values.
func (s *Service) ListStockPositions(ctx context.Context, userID string) ([]valuation.StockLine, error) {
	snap, err := s.GetPortfolioSnapshot(ctx, userID)
	if err != nil {
		return nil, err
	}
	return snap.Positions, nil
}

// ListOptionPositions returns the account's option positions with signed
// derived values.
func (s *Service) ListOptionPositions(ctx context.Context, userID string) ([]valuation.OptionLine, error) {
	acct, err := s.GetOrCreateAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	options, err := s.store.ListOptionPositions(ctx, acct.ID)
	if err != nil {
		return nil, err
	}
	today := s.today()
	lines := make([]valuation.OptionLine, 0, len(options))
	for _, p := range options {
		lines = append(lines, valuation.NewOptionLine(p, today))
	}
	return lines, nil
}

// TradePage is one page of stock trade history.
type TradePage struct {
	Trades []model.Trade `json:"trades"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// ListTrades returns stock trade history, newest first.
func (s *Service) ListTrades(ctx context.Context, userID string, f store.TradeFilter) (*TradePage, error) {
	acct, err := s.GetOrCreateAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	f.Symbol = strings.ToUpper(strings.TrimSpace(f.Symbol))
	if f.Limit <= 0 {
		f.Limit = store.DefaultPageSize
	}
	trades, total, err := s.store.ListTrades(ctx, acct.ID, f)
	if err != nil {
		return nil, err
	}
	return &TradePage{Trades: trades, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

// OptionTradePage is one page of option trade history.
type OptionTradePage struct {
	Trades []model.OptionTrade `json:"trades"`
	Total  int                 `json:"total"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
}

// ListOptionTrades returns option trade history, newest first.
func (s *Service) ListOptionTrades(ctx context.Context, userID string, f store.OptionTradeFilter) (*OptionTradePage, error) {
	acct, err := s.GetOrCreateAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	f.Underlying = strings.ToUpper(strings.TrimSpace(f.Underlying))
	if f.Limit <= 0 {
		f.Limit = store.DefaultPageSize
	}
	trades, total, err := s.store.ListOptionTrades(ctx, acct.ID, f)
	if err != nil {
		return nil, err
	}
	return &OptionTradePage{Trades: trades, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

// --- Marks ---

// RefreshResult reports how many marks RefreshMarks changed.
type RefreshResult struct {
	StocksUpdated  int `json:"stocks_updated"`
	OptionsUpdated int `json:"options_updated"`
	Skipped        int `json:"skipped"`
}

// RefreshMarks re-marks every position from the quote source. Stocks take
// the last price. Live options take the quote mark (mid when both sides are
// quoted, else last); expired options take intrinsic value from the
// underlying. Positions without a usable quote keep their mark. The balance
// is never touched.
func (s *Service) RefreshMarks(ctx context.Context, userID string) (*RefreshResult, error) {
	acct, err := s.GetOrCreateAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	stocks, err := s.store.ListStockPositions(ctx, acct.ID)
	if err != nil {
		return nil, err
	}
	options, err := s.store.ListOptionPositions(ctx, acct.ID)
	if err != nil {
		return nil, err
	}

	var res RefreshResult
	today := s.today()
	underlying := make(map[string]decimal.Decimal)
	lastPrice := func(symbol string) (decimal.Decimal, bool) {
		if p, ok := underlying[symbol]; ok {
			return p, p.IsPositive()
		}
		p, err := s.quotes.LastPrice(ctx, symbol)
		if err != nil || !p.IsPositive() {
			slog.Debug("quote unavailable", "symbol", symbol, "err", err)
			p = decimal.Zero
		}
		underlying[symbol] = p
		return p, p.IsPositive()
	}

	stockMarks := make(map[string]decimal.Decimal, len(stocks))
	for _, p := range stocks {
		if price, ok := lastPrice(p.Symbol); ok {
			stockMarks[p.ID] = price.Round(model.PriceScale)
		} else {
			res.Skipped++
		}
	}

	optionMarks := make(map[string]decimal.Decimal, len(options))
	for _, p := range options {
		c := p.Contract
		if c.IsExpired(today) {
			if price, ok := lastPrice(c.UnderlyingSymbol); ok {
				optionMarks[p.ID] = c.IntrinsicValue(price).Round(model.PriceScale)
			} else {
				res.Skipped++
			}
			continue
		}
		q, err := s.quotes.OptionQuote(ctx, c.ContractSymbol)
		if err != nil {
			slog.Debug("option quote unavailable", "contract", c.ContractSymbol, "err", err)
			res.Skipped++
			continue
		}
		if mark, ok := q.Mark(); ok {
			optionMarks[p.ID] = mark.Round(model.PriceScale)
		} else {
			res.Skipped++
		}
	}

	if len(stockMarks) == 0 && len(optionMarks) == 0 {
		return &res, nil
	}

	err = s.store.InAccountTx(ctx, acct.ID, func(tx store.Tx) error {
		res.StocksUpdated, res.OptionsUpdated = 0, 0
		current, err := tx.ListStockPositions(ctx)
		if err != nil {
			return err
		}
		for i := range current {
			mark, ok := stockMarks[current[i].ID]
			if !ok {
				continue
			}
			current[i].CurrentPrice = mark
			if err := tx.SaveStockPosition(ctx, &current[i]); err != nil {
				return err
			}
			res.StocksUpdated++
		}

		currentOptions, err := tx.ListOptionPositions(ctx)
		if err != nil {
			return err
		}
		for i := range currentOptions {
			mark, ok := optionMarks[currentOptions[i].ID]
			if !ok {
				continue
			}
			currentOptions[i].CurrentPrice = mark
			if err := tx.SaveOptionPosition(ctx, &currentOptions[i]); err != nil {
				return err
			}
			res.OptionsUpdated++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Debug("marks refreshed",
		"user", userID,
		"stocks", res.StocksUpdated,
		"options", res.OptionsUpdated,
		"skipped", res.Skipped,
	)
	return &res, nil
}

// --- Contract registry ---

// RegisterContract validates the terms and returns the canonical contract,
// creating it when no contract with the same symbol or terms exists. A spec
// carrying only a contract symbol is decoded from the OCC symbol.
func (s *Service) RegisterContract(ctx context.Context, spec contract.Spec) (*model.OptionContract, bool, error) {
	var (
		c   model.OptionContract
		err error
	)
	if spec.UnderlyingSymbol == "" && spec.OptionType == "" && spec.ExpirationDate == "" {
		if strings.TrimSpace(spec.ContractSymbol) == "" {
			return nil, false, validationError("contract_symbol or contract terms are required")
		}
		c, err = contract.FromSymbol(strings.ToUpper(strings.TrimSpace(spec.ContractSymbol)))
		if err == nil && spec.Multiplier > 0 {
			c.Multiplier = spec.Multiplier
		}
	} else {
		c, err = spec.Contract()
	}
	if err != nil {
		return nil, false, &Error{Kind: KindValidation, Message: err.Error(), Cause: err}
	}
	c.ID = uuid.New().String()

	stored, created, err := s.store.EnsureContract(ctx, &c)
	if err != nil {
		return nil, false, err
	}
	if created {
		slog.Info("option contract registered", "contract", stored.ContractSymbol, "underlying", stored.UnderlyingSymbol)
	}
	return stored, created, nil
}

// ListContracts queries the contract registry.
func (s *Service) ListContracts(ctx context.Context, f store.ContractFilter) ([]model.OptionContract, error) {
	f.Underlying = strings.ToUpper(strings.TrimSpace(f.Underlying))
	if f.OptionType != "" && !f.OptionType.Valid() {
		return nil, validationError("type must be call or put, got %q", f.OptionType)
	}
	return s.store.ListContracts(ctx, f)
}

// GetContract looks a contract up by OCC symbol.
func (s *Service) GetContract(ctx context.Context, symbol string) (*model.OptionContract, error) {
	c, err := s.store.GetContract(ctx, strings.ToUpper(strings.TrimSpace(symbol)))
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(KindContractNotFound, "contract %s not found", symbol)
	}
	return c, err
}

// parseExpiration parses a YYYY-MM-DD filter value.
func parseExpiration(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, validationError("expiration must be YYYY-MM-DD, got %q", v)
	}
	return t, nil
}
