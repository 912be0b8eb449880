// Package model defines the core domain types of the paper-trading ledger.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Rounding scales applied when values are persisted.
const (
	CurrencyScale int32 = 2 // balances, total amounts, strikes
	PriceScale    int32 = 4 // per-share prices, premiums, average costs
	QuantityScale int32 = 6 // fractional stock quantities
)

// DefaultMultiplier is the number of shares one option contract controls.
const DefaultMultiplier = 100

// DefaultInitialBalance is the starting cash of a new account.
var DefaultInitialBalance = decimal.RequireFromString("100000.00")

var hundred = decimal.NewFromInt(100)

// Side is the direction of a stock order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// OrderType is informational only: every order fills immediately.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// TradeStatus is the lifecycle state of a trade record. Only StatusFilled
// is produced by the ledger; the others are reserved.
type TradeStatus string

const (
	StatusPending   TradeStatus = "pending"
	StatusFilled    TradeStatus = "filled"
	StatusCancelled TradeStatus = "cancelled"
	StatusFailed    TradeStatus = "failed"
	StatusExpired   TradeStatus = "expired"
	StatusAssigned  TradeStatus = "assigned"
	StatusExercised TradeStatus = "exercised"
)

// OptionType is call or put.
type OptionType string

const (
	OptionCall OptionType = "call"
	OptionPut  OptionType = "put"
)

// Valid reports whether t is a known option type.
func (t OptionType) Valid() bool { return t == OptionCall || t == OptionPut }

// PositionType is the direction of an option position. Long and short
// aggregates of the same contract are tracked independently.
type PositionType string

const (
	Long  PositionType = "long"
	Short PositionType = "short"
)

// Valid reports whether t is long or short.
func (t PositionType) Valid() bool { return t == Long || t == Short }

// OptionAction is one of the four option order actions.
type OptionAction string

const (
	BuyToOpen   OptionAction = "buy_to_open"
	SellToClose OptionAction = "sell_to_close"
	SellToOpen  OptionAction = "sell_to_open"
	BuyToClose  OptionAction = "buy_to_close"
)

// Valid reports whether a is a known action.
func (a OptionAction) Valid() bool {
	switch a {
	case BuyToOpen, SellToClose, SellToOpen, BuyToClose:
		return true
	}
	return false
}

// PositionType returns the position side an action operates on.
func (a OptionAction) PositionType() PositionType {
	if a == SellToOpen || a == BuyToClose {
		return Short
	}
	return Long
}

// IsOpening reports whether the action opens or increases a position.
func (a OptionAction) IsOpening() bool { return a == BuyToOpen || a == SellToOpen }

// IsClosing reports whether the action reduces or closes a position.
func (a OptionAction) IsClosing() bool { return a == SellToClose || a == BuyToClose }

// Account is one paper-trading cash account per user.
type Account struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	Balance        decimal.Decimal `json:"balance"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Debit subtracts amount from the balance. There is no floor at zero;
// callers check available balance before debiting.
func (a *Account) Debit(amount decimal.Decimal) {
	a.Balance = a.Balance.Sub(amount)
}

// Credit adds amount to the balance.
func (a *Account) Credit(amount decimal.Decimal) {
	a.Balance = a.Balance.Add(amount)
}

// StockPosition is the open lot aggregate for one symbol in one account.
// Quantity is always positive while the record exists.
type StockPosition struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"account_id"`
	Symbol       string          `json:"symbol"`
	Name         string          `json:"name"`
	Quantity     decimal.Decimal `json:"quantity"`
	AverageCost  decimal.Decimal `json:"average_cost"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	OpenedAt     time.Time       `json:"opened_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// MarketValue is quantity * current price.
func (p StockPosition) MarketValue() decimal.Decimal {
	return p.Quantity.Mul(p.CurrentPrice)
}

// CostBasis is quantity * average cost.
func (p StockPosition) CostBasis() decimal.Decimal {
	return p.Quantity.Mul(p.AverageCost)
}

// UnrealizedPL is market value minus cost basis.
func (p StockPosition) UnrealizedPL() decimal.Decimal {
	return p.MarketValue().Sub(p.CostBasis())
}

// UnrealizedPLPercent is unrealized P&L relative to cost basis, 0 when the
// basis is 0.
func (p StockPosition) UnrealizedPLPercent() decimal.Decimal {
	basis := p.CostBasis()
	if basis.IsZero() {
		return decimal.Zero
	}
	return p.UnrealizedPL().Div(basis).Mul(hundred)
}

// Trade is an immutable stock fill.
type Trade struct {
	ID          string          `json:"id"`
	AccountID   string          `json:"account_id"`
	Symbol      string          `json:"symbol"`
	Name        string          `json:"name"`
	Side        Side            `json:"side"`
	OrderType   OrderType       `json:"order_type"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Status      TradeStatus     `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	ExecutedAt  time.Time       `json:"executed_at"`
}

// OptionContract is a canonical tradable option. Contracts are shared by
// all accounts and never deleted.
type OptionContract struct {
	ID               string          `json:"id"`
	ContractSymbol   string          `json:"contract_symbol"`
	UnderlyingSymbol string          `json:"underlying_symbol"`
	OptionType       OptionType      `json:"option_type"`
	StrikePrice      decimal.Decimal `json:"strike_price"`
	ExpirationDate   time.Time       `json:"expiration_date"`
	Multiplier       int             `json:"multiplier"`
	CreatedAt        time.Time       `json:"created_at"`
}

// IsExpired reports whether today (a civil date) is past the expiration
// date. A contract is still tradable on its expiration day.
func (c OptionContract) IsExpired(today time.Time) bool {
	return CivilDate(today).After(CivilDate(c.ExpirationDate))
}

// DaysToExpiration returns whole days until expiration, never negative.
func (c OptionContract) DaysToExpiration(today time.Time) int {
	days := int(CivilDate(c.ExpirationDate).Sub(CivilDate(today)).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// IntrinsicValue returns the per-share exercise value of the contract at
// the given underlying price: max(0, S-K) for calls, max(0, K-S) for puts.
func (c OptionContract) IntrinsicValue(underlying decimal.Decimal) decimal.Decimal {
	var v decimal.Decimal
	if c.OptionType == OptionCall {
		v = underlying.Sub(c.StrikePrice)
	} else {
		v = c.StrikePrice.Sub(underlying)
	}
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}

// SameTerms reports whether two contracts describe the same instrument.
func (c OptionContract) SameTerms(o OptionContract) bool {
	return c.UnderlyingSymbol == o.UnderlyingSymbol &&
		c.OptionType == o.OptionType &&
		c.StrikePrice.Equal(o.StrikePrice) &&
		CivilDate(c.ExpirationDate).Equal(CivilDate(o.ExpirationDate))
}

// OptionPosition is the open aggregate for one (account, contract,
// direction). Quantity, AverageCost and CurrentPrice are stored as
// non-negative magnitudes; signed values come only from Valuation.
type OptionPosition struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"account_id"`
	ContractID   string          `json:"contract_id"`
	Contract     OptionContract  `json:"contract"`
	PositionType PositionType    `json:"position_type"`
	Quantity     int64           `json:"quantity"`
	AverageCost  decimal.Decimal `json:"average_cost"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	OpenedAt     time.Time       `json:"opened_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// OptionValuation holds the signed, direction-adjusted values of an
// option position.
type OptionValuation struct {
	MarketValue         decimal.Decimal `json:"market_value"`
	CostBasis           decimal.Decimal `json:"cost_basis"`
	UnrealizedPL        decimal.Decimal `json:"unrealized_pl"`
	UnrealizedPLPercent decimal.Decimal `json:"unrealized_pl_percent"`
}

// Valuation derives the signed values of the position. This is the only
// place where short-side sign conventions are applied:
//
//	long:  mv = q*mark*m,  basis = q*avg*m,  pl = mv - basis
//	short: mv = -q*mark*m, basis = -q*avg*m, pl = -basis - |mv|
//
// A short position is a liability and its basis is the credit received, so
// a short profits when the liability is smaller than the premium collected.
func (p OptionPosition) Valuation() OptionValuation {
	size := decimal.NewFromInt(p.Quantity).Mul(decimal.NewFromInt(int64(p.multiplier())))
	mv := size.Mul(p.CurrentPrice)
	basis := size.Mul(p.AverageCost)

	var v OptionValuation
	if p.PositionType == Short {
		v.MarketValue = mv.Neg()
		v.CostBasis = basis.Neg()
		v.UnrealizedPL = basis.Sub(mv)
	} else {
		v.MarketValue = mv
		v.CostBasis = basis
		v.UnrealizedPL = mv.Sub(basis)
	}
	if !basis.IsZero() {
		v.UnrealizedPLPercent = v.UnrealizedPL.Div(basis).Mul(hundred)
	}
	return v
}

// CostMagnitude is the unsigned premium paid or received for the position.
func (p OptionPosition) CostMagnitude() decimal.Decimal {
	return decimal.NewFromInt(p.Quantity).
		Mul(decimal.NewFromInt(int64(p.multiplier()))).
		Mul(p.AverageCost)
}

func (p OptionPosition) multiplier() int {
	if p.Contract.Multiplier <= 0 {
		return DefaultMultiplier
	}
	return p.Contract.Multiplier
}

// OptionTrade is an immutable option fill. AssignedShares and
// AssignmentPrice are reserved for exercise/assignment and never set.
type OptionTrade struct {
	ID               string           `json:"id"`
	AccountID        string           `json:"account_id"`
	ContractID       string           `json:"contract_id"`
	ContractSymbol   string           `json:"contract_symbol"`
	UnderlyingSymbol string           `json:"underlying_symbol"`
	Action           OptionAction     `json:"action"`
	OrderType        OrderType        `json:"order_type"`
	Quantity         int64            `json:"quantity"`
	Premium          decimal.Decimal  `json:"premium"`
	Commission       decimal.Decimal  `json:"commission"`
	TotalAmount      decimal.Decimal  `json:"total_amount"`
	Status           TradeStatus      `json:"status"`
	AssignedShares   *int64           `json:"assigned_shares"`
	AssignmentPrice  *decimal.Decimal `json:"assignment_price"`
	CreatedAt        time.Time        `json:"created_at"`
	ExecutedAt       time.Time        `json:"executed_at"`
}

// IsOpening reports whether the trade opened a position.
func (t OptionTrade) IsOpening() bool { return t.Action.IsOpening() }

// IsClosing reports whether the trade closed a position.
func (t OptionTrade) IsClosing() bool { return t.Action.IsClosing() }

// CivilDate truncates t to midnight UTC of its calendar date in t's own
// location, so dates from different zones compare by calendar day.
func CivilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
