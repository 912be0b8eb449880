// Package valuation derives read-only portfolio figures from an account and
// its position books. Nothing here mutates state or performs I/O.
package valuation

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pivotal/paper-trading/internal/model"
)

var hundred = decimal.NewFromInt(100)

// StockLine is a stock position with its derived values.
type StockLine struct {
	model.StockPosition
	MarketValue         decimal.Decimal `json:"market_value"`
	CostBasis           decimal.Decimal `json:"cost_basis"`
	UnrealizedPL        decimal.Decimal `json:"unrealized_pl"`
	UnrealizedPLPercent decimal.Decimal `json:"unrealized_pl_percent"`
	Weight              decimal.Decimal `json:"weight"`
}

// OptionLine is an option position with its signed derived values.
type OptionLine struct {
	model.OptionPosition
	model.OptionValuation
	DaysToExpiration int             `json:"days_to_expiration"`
	IsExpired        bool            `json:"is_expired"`
	Weight           decimal.Decimal `json:"weight"`
}

// Snapshot is the full portfolio view of one account.
type Snapshot struct {
	Account         model.Account   `json:"account"`
	CashBalance     decimal.Decimal `json:"cash_balance"`
	StocksValue     decimal.Decimal `json:"stocks_value"`
	OptionsValue    decimal.Decimal `json:"options_value"`
	TotalValue      decimal.Decimal `json:"total_value"`
	TotalPL         decimal.Decimal `json:"total_pl"`
	TotalPLPercent  decimal.Decimal `json:"total_pl_percent"`
	Positions       []StockLine     `json:"positions"`
	OptionPositions []OptionLine    `json:"option_positions"`
}

// Percent returns part/whole*100, or 0 when whole is not positive.
func Percent(part, whole decimal.Decimal) decimal.Decimal {
	if !whole.IsPositive() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(hundred)
}

// NewOptionLine derives the signed values of p as of today.
func NewOptionLine(p model.OptionPosition, today time.Time) OptionLine {
	return OptionLine{
		OptionPosition:   p,
		OptionValuation:  p.Valuation(),
		DaysToExpiration: p.Contract.DaysToExpiration(today),
		IsExpired:        p.Contract.IsExpired(today),
	}
}

// Compute builds a snapshot:
//
//	total_value = balance + Σ stock mv + Σ option mv (short mv negative)
//	total_pl    = total_value - initial_balance
//	weight      = mv / total_value * 100, 0 when total_value <= 0
func Compute(a model.Account, stocks []model.StockPosition, options []model.OptionPosition, today time.Time) Snapshot {
	s := Snapshot{
		Account:         a,
		CashBalance:     a.Balance,
		Positions:       make([]StockLine, 0, len(stocks)),
		OptionPositions: make([]OptionLine, 0, len(options)),
	}

	for _, p := range stocks {
		line := StockLine{
			StockPosition:       p,
			MarketValue:         p.MarketValue(),
			CostBasis:           p.CostBasis(),
			UnrealizedPL:        p.UnrealizedPL(),
			UnrealizedPLPercent: p.UnrealizedPLPercent(),
		}
		s.StocksValue = s.StocksValue.Add(line.MarketValue)
		s.Positions = append(s.Positions, line)
	}
	for _, p := range options {
		line := NewOptionLine(p, today)
		s.OptionsValue = s.OptionsValue.Add(line.MarketValue)
		s.OptionPositions = append(s.OptionPositions, line)
	}

	s.TotalValue = a.Balance.Add(s.StocksValue).Add(s.OptionsValue)
	s.TotalPL = s.TotalValue.Sub(a.InitialBalance)
	if !a.InitialBalance.IsZero() {
		s.TotalPLPercent = s.TotalPL.Div(a.InitialBalance).Mul(hundred)
	}

	for i := range s.Positions {
		s.Positions[i].Weight = Percent(s.Positions[i].MarketValue, s.TotalValue)
	}
	for i := range s.OptionPositions {
		s.OptionPositions[i].Weight = Percent(s.OptionPositions[i].MarketValue, s.TotalValue)
	}
	return s
}

// UnderlyingGroup collects the option positions on one underlying, split by
// direction.
type UnderlyingGroup struct {
	Underlying string       `json:"underlying"`
	Long       []OptionLine `json:"long"`
	Short      []OptionLine `json:"short"`
}

// OptionsSummary aggregates option positions for the options dashboard.
type OptionsSummary struct {
	TotalPositions    int               `json:"total_positions"`
	LongPositions     int               `json:"long_positions"`
	ShortPositions    int               `json:"short_positions"`
	TotalMarketValue  decimal.Decimal   `json:"total_market_value"`
	LongValue         decimal.Decimal   `json:"long_value"`
	ShortValue        decimal.Decimal   `json:"short_value"`
	TotalUnrealizedPL decimal.Decimal   `json:"total_unrealized_pl"`
	ByUnderlying      []UnderlyingGroup `json:"positions_by_underlying"`
}

// SummarizeOptions groups positions by underlying, ordered by symbol.
func SummarizeOptions(options []model.OptionPosition, today time.Time) OptionsSummary {
	sum := OptionsSummary{TotalPositions: len(options)}
	groups := make(map[string]*UnderlyingGroup)

	for _, p := range options {
		line := NewOptionLine(p, today)
		sym := p.Contract.UnderlyingSymbol
		g, ok := groups[sym]
		if !ok {
			g = &UnderlyingGroup{Underlying: sym, Long: []OptionLine{}, Short: []OptionLine{}}
			groups[sym] = g
		}

		sum.TotalMarketValue = sum.TotalMarketValue.Add(line.MarketValue)
		sum.TotalUnrealizedPL = sum.TotalUnrealizedPL.Add(line.UnrealizedPL)
		if p.PositionType == model.Short {
			sum.ShortPositions++
			sum.ShortValue = sum.ShortValue.Add(line.MarketValue)
			g.Short = append(g.Short, line)
		} else {
			sum.LongPositions++
			sum.LongValue = sum.LongValue.Add(line.MarketValue)
			g.Long = append(g.Long, line)
		}
	}

	sum.ByUnderlying = make([]UnderlyingGroup, 0, len(groups))
	for _, g := range groups {
		sum.ByUnderlying = append(sum.ByUnderlying, *g)
	}
	sort.Slice(sum.ByUnderlying, func(i, j int) bool {
		return sum.ByUnderlying[i].Underlying < sum.ByUnderlying[j].Underlying
	})
	return sum
}
