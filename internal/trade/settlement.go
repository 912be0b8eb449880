package trade

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pivotal/paper-trading/internal/events"
	"github.com/pivotal/paper-trading/internal/metrics"
	"github.com/pivotal/paper-trading/internal/model"
	"github.com/pivotal/paper-trading/internal/store"
)

// PositionRef identifies the option position to settle: by PositionID, or
// by ContractSymbol with an optional PositionType when the account holds
// both directions of the contract.
type PositionRef struct {
	PositionID     string             `json:"position_id,omitempty"`
	ContractSymbol string             `json:"contract_symbol,omitempty"`
	PositionType   model.PositionType `json:"position_type,omitempty"`
}

// SettlementResult describes a completed expiration settlement.
type SettlementResult struct {
	ContractSymbol   string             `json:"contract_symbol"`
	UnderlyingSymbol string             `json:"underlying_symbol"`
	OptionType       model.OptionType   `json:"option_type"`
	StrikePrice      decimal.Decimal    `json:"strike_price"`
	PositionType     model.PositionType `json:"position_type"`
	Quantity         int64              `json:"quantity"`
	UnderlyingPrice  decimal.Decimal    `json:"underlying_price"`
	PriceAvailable   bool               `json:"price_available"`
	SettlementPrice  decimal.Decimal    `json:"settlement_price"`
	SettlementAmount decimal.Decimal    `json:"settlement_amount"`
	CostBasis        decimal.Decimal    `json:"cost_basis"`
	RealizedPL       decimal.Decimal    `json:"realized_pl"`
	Trade            model.OptionTrade  `json:"trade"`
	Balance          decimal.Decimal    `json:"balance"`
}

// findPosition resolves ref against the account's current positions.
func (s *Service) findPosition(ctx context.Context, accountID string, ref PositionRef) (*model.OptionPosition, error) {
	ref.ContractSymbol = strings.ToUpper(strings.TrimSpace(ref.ContractSymbol))
	ref.PositionType = model.PositionType(strings.ToLower(string(ref.PositionType)))
	if ref.PositionID == "" && ref.ContractSymbol == "" {
		return nil, validationError("position_id or contract_symbol is required")
	}
	if ref.PositionType != "" && !ref.PositionType.Valid() {
		return nil, validationError("position_type must be long or short, got %q", ref.PositionType)
	}

	positions, err := s.store.ListOptionPositions(ctx, accountID)
	if err != nil {
		return nil, err
	}

	var matches []model.OptionPosition
	for _, p := range positions {
		switch {
		case ref.PositionID != "":
			if p.ID != ref.PositionID {
				continue
			}
		case p.Contract.ContractSymbol != ref.ContractSymbol:
			continue
		}
		if ref.PositionType != "" && p.PositionType != ref.PositionType {
			continue
		}
		matches = append(matches, p)
	}

	switch len(matches) {
	case 0:
		key := ref.PositionID
		if key == "" {
			key = ref.ContractSymbol
		}
		return nil, newError(KindNoPosition, "no option position %s", key)
	case 1:
		return &matches[0], nil
	default:
		return nil, validationError("account holds both long and short %s; position_type is required", ref.ContractSymbol)
	}
}

// underlyingPrice looks up the settlement price of the underlying under a
// bounded timeout. ok is false when no usable price was obtained.
func (s *Service) underlyingPrice(ctx context.Context, symbol string) (decimal.Decimal, bool) {
	qctx, cancel := context.WithTimeout(ctx, s.quoteTTL)
	defer cancel()

	price, err := s.quotes.LastPrice(qctx, symbol)
	if err != nil || !price.IsPositive() {
		metrics.SettlementQuoteFallbacks.Inc()
		slog.Warn("settlement quote unavailable, settling at zero",
			"underlying", symbol,
			"err", err,
		)
		return decimal.Zero, false
	}
	return price, true
}

// SettleExpiredOption closes an expired option position at intrinsic value.
//
//	amount = quantity * intrinsic * multiplier
//	long:  balance += amount; realized_pl = amount - |basis|
//	short: balance -= amount; realized_pl = |basis| - amount
//
// When the underlying price is unavailable the contract settles as
// worthless. A synthetic closing trade is recorded at the intrinsic value
// with zero commission and the position is always deleted.
func (s *Service) SettleExpiredOption(ctx context.Context, userID string, ref PositionRef) (*SettlementResult, error) {
	acct, err := s.GetOrCreateAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	target, err := s.findPosition(ctx, acct.ID, ref)
	if err != nil {
		return nil, reject(err)
	}
	c := target.Contract
	if !c.IsExpired(s.today()) {
		return nil, reject(newError(KindNotExpired, "contract %s has not expired (expires %s)",
			c.ContractSymbol, c.ExpirationDate.Format("2006-01-02")))
	}

	// The account lock is never held across the quote lookup.
	underlying, available := s.underlyingPrice(ctx, c.UnderlyingSymbol)
	intrinsic := decimal.Zero
	if available {
		intrinsic = c.IntrinsicValue(underlying)
	}

	var result SettlementResult
	err = s.store.InAccountTx(ctx, acct.ID, func(tx store.Tx) error {
		pos, err := tx.GetOptionPositionByID(ctx, target.ID)
		if errors.Is(err, store.ErrNotFound) {
			return newError(KindNoPosition, "option position %s was already closed", target.ID)
		}
		if err != nil {
			return err
		}

		a := tx.Account()
		now := s.timestamp()
		multiplier := decimal.NewFromInt(int64(pos.Contract.Multiplier))
		amount := decimal.NewFromInt(pos.Quantity).Mul(intrinsic).Mul(multiplier).Round(model.CurrencyScale)
		basis := pos.CostMagnitude()

		var pl decimal.Decimal
		action := model.SellToClose
		if pos.PositionType == model.Short {
			action = model.BuyToClose
			a.Debit(amount)
			pl = basis.Sub(amount)
		} else {
			a.Credit(amount)
			pl = amount.Sub(basis)
		}
		if err := tx.UpdateAccount(ctx, a); err != nil {
			return err
		}

		t := model.OptionTrade{
			ID:               uuid.New().String(),
			ContractID:       pos.ContractID,
			ContractSymbol:   pos.Contract.ContractSymbol,
			UnderlyingSymbol: pos.Contract.UnderlyingSymbol,
			Action:           action,
			OrderType:        model.OrderTypeMarket,
			Quantity:         pos.Quantity,
			Premium:          intrinsic.Round(model.PriceScale),
			Commission:       decimal.Zero,
			TotalAmount:      amount,
			Status:           model.StatusFilled,
			CreatedAt:        now,
			ExecutedAt:       now,
		}
		if err := tx.InsertOptionTrade(ctx, &t); err != nil {
			return err
		}
		if err := tx.DeleteOptionPosition(ctx, pos.ID); err != nil {
			return err
		}

		result = SettlementResult{
			ContractSymbol:   pos.Contract.ContractSymbol,
			UnderlyingSymbol: pos.Contract.UnderlyingSymbol,
			OptionType:       pos.Contract.OptionType,
			StrikePrice:      pos.Contract.StrikePrice,
			PositionType:     pos.PositionType,
			Quantity:         pos.Quantity,
			UnderlyingPrice:  underlying,
			PriceAvailable:   available,
			SettlementPrice:  intrinsic,
			SettlementAmount: amount,
			CostBasis:        basis.Round(model.CurrencyScale),
			RealizedPL:       pl.Round(model.CurrencyScale),
			Trade:            t,
			Balance:          a.Balance,
		}
		return nil
	})
	if err != nil {
		return nil, reject(err)
	}

	outcome := "worthless"
	if intrinsic.IsPositive() {
		outcome = "in_the_money"
	}
	metrics.SettlementsTotal.WithLabelValues(string(result.PositionType), outcome).Inc()

	slog.Info("option position settled",
		"user", userID,
		"contract", result.ContractSymbol,
		"position_type", result.PositionType,
		"qty", result.Quantity,
		"underlying_price", underlying.String(),
		"settlement_price", intrinsic.String(),
		"amount", result.SettlementAmount.String(),
		"realized_pl", result.RealizedPL.String(),
	)

	s.publish(ctx, events.New(events.OptionPositionSettled, acct.ID, userID, result.UnderlyingSymbol, result))
	return &result, nil
}
