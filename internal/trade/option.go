package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pivotal/paper-trading/internal/contract"
	"github.com/pivotal/paper-trading/internal/events"
	"github.com/pivotal/paper-trading/internal/exposure"
	"github.com/pivotal/paper-trading/internal/metrics"
	"github.com/pivotal/paper-trading/internal/model"
	"github.com/pivotal/paper-trading/internal/store"
)

// OptionOrder is an option order. The contract is identified by
// ContractSymbol; when it is not yet registered, Contract supplies the terms
// used to register it.
type OptionOrder struct {
	ContractSymbol string             `json:"contract_symbol"`
	Contract       *contract.Spec     `json:"contract,omitempty"`
	Action         model.OptionAction `json:"action"`
	Quantity       int64              `json:"quantity"`
	Premium        decimal.Decimal    `json:"premium"`
	Commission     decimal.Decimal    `json:"commission"`
	OrderType      model.OrderType    `json:"order_type,omitempty"`
}

// OptionTradeResult is the committed option fill with the resulting account
// and position. Position is nil when a closing trade flattened it.
type OptionTradeResult struct {
	Trade    model.OptionTrade     `json:"trade"`
	Contract model.OptionContract  `json:"contract"`
	Account  model.Account         `json:"account"`
	Position *model.OptionPosition `json:"position"`
}

func (o *OptionOrder) normalize() error {
	o.ContractSymbol = strings.ToUpper(strings.TrimSpace(o.ContractSymbol))
	o.Action = model.OptionAction(strings.ToLower(strings.TrimSpace(string(o.Action))))
	if o.OrderType == "" {
		o.OrderType = model.OrderTypeMarket
	}

	if o.ContractSymbol == "" && o.Contract == nil {
		return validationError("contract_symbol is required")
	}
	if !o.Action.Valid() {
		return validationError("action must be one of buy_to_open, sell_to_close, sell_to_open, buy_to_close, got %q", o.Action)
	}
	if o.OrderType != model.OrderTypeMarket && o.OrderType != model.OrderTypeLimit {
		return validationError("order_type must be market or limit, got %q", o.OrderType)
	}
	if o.Quantity <= 0 {
		return validationError("quantity must be a positive whole number of contracts")
	}

	o.Premium = o.Premium.Round(model.PriceScale)
	o.Commission = o.Commission.Round(model.CurrencyScale)
	if o.Premium.IsNegative() {
		return validationError("premium must not be negative")
	}
	if o.Commission.IsNegative() {
		return validationError("commission must not be negative")
	}
	return nil
}

// resolveContract finds the order's contract in the registry, registering
// it from the inline terms when it is unknown. Inline terms always decide
// the registry key, so a symbol that disagrees with them is rejected.
func (s *Service) resolveContract(ctx context.Context, o OptionOrder) (*model.OptionContract, error) {
	if o.Contract == nil {
		c, err := s.store.GetContract(ctx, o.ContractSymbol)
		if errors.Is(err, store.ErrNotFound) {
			return nil, newError(KindContractNotFound, "contract %s not found", o.ContractSymbol)
		}
		return c, err
	}

	spec := *o.Contract
	if spec.ContractSymbol == "" {
		spec.ContractSymbol = o.ContractSymbol
	}
	c, err := spec.Contract()
	if err != nil {
		return nil, &Error{Kind: KindValidation, Message: err.Error(), Cause: err}
	}
	if o.ContractSymbol != "" && o.ContractSymbol != c.ContractSymbol {
		err := fmt.Errorf("%w: %s does not match contract terms (%s)", contract.ErrInvalidSymbol, o.ContractSymbol, c.ContractSymbol)
		return nil, &Error{Kind: KindValidation, Message: err.Error(), Cause: err}
	}

	existing, err := s.store.GetContract(ctx, c.ContractSymbol)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	c.ID = uuid.New().String()

	stored, created, err := s.store.EnsureContract(ctx, &c)
	if err != nil {
		return nil, err
	}
	if created {
		slog.Info("option contract registered", "contract", stored.ContractSymbol, "underlying", stored.UnderlyingSymbol)
	}
	return stored, nil
}

// ExecuteOptionTrade applies an option order to the cash ledger and the
// option position book and appends the fill, as one atomic unit.
//
//	gross = quantity * premium * multiplier
//	buy_to_open:   balance -= round(gross + commission, 2); long  += q
//	sell_to_close: balance += round(gross - commission, 2); long  -= q
//	sell_to_open:  balance += round(gross - commission, 2); short += q
//	buy_to_close:  balance -= round(gross + commission, 2); short -= q
//
// Opening trades fold into the weighted average premium; closing trades
// leave it unchanged and remove the position at zero. The trade premium
// becomes the position's mark.
func (s *Service) ExecuteOptionTrade(ctx context.Context, userID string, order OptionOrder) (*OptionTradeResult, error) {
	start := time.Now()
	if err := order.normalize(); err != nil {
		return nil, reject(err)
	}

	acct, err := s.GetOrCreateAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	c, err := s.resolveContract(ctx, order)
	if err != nil {
		return nil, reject(err)
	}
	if c.IsExpired(s.today()) {
		return nil, reject(newError(KindExpiredContract, "contract %s expired on %s",
			c.ContractSymbol, c.ExpirationDate.Format("2006-01-02")))
	}

	multiplier := decimal.NewFromInt(int64(c.Multiplier))
	qty := decimal.NewFromInt(order.Quantity)
	gross := qty.Mul(order.Premium).Mul(multiplier)
	debit := gross.Add(order.Commission).Round(model.CurrencyScale)
	credit := gross.Sub(order.Commission).Round(model.CurrencyScale)
	posType := order.Action.PositionType()

	var result OptionTradeResult
	err = s.store.InAccountTx(ctx, acct.ID, func(tx store.Tx) error {
		a := tx.Account()
		now := s.timestamp()

		pos, err := tx.GetOptionPosition(ctx, c.ID, posType)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}

		if order.Action.IsClosing() {
			if pos == nil {
				return newError(KindNoPosition, "no %s position in %s", posType, c.ContractSymbol)
			}
			if pos.Quantity < order.Quantity {
				return insufficient(KindInsufficientContracts, "insufficient contracts",
					qty, decimal.NewFromInt(pos.Quantity))
			}
		}

		switch order.Action {
		case model.BuyToOpen, model.BuyToClose:
			if a.Balance.LessThan(debit) {
				return insufficient(KindInsufficientBalance, "insufficient balance", debit, a.Balance)
			}
		case model.SellToOpen:
			positions, err := tx.ListOptionPositions(ctx)
			if err != nil {
				return err
			}
			if err := s.limiter.CheckShortOpen(*c, order.Quantity, positions); err != nil {
				var v *exposure.Violation
				if errors.As(err, &v) {
					metrics.ExposureLimitRejections.Inc()
					return &Error{Kind: KindExposureLimit, Message: v.Error(), Cause: err}
				}
				return err
			}
		}

		total := debit
		if order.Action == model.SellToClose || order.Action == model.SellToOpen {
			total = credit
			a.Credit(credit)
		} else {
			a.Debit(debit)
		}

		if order.Action.IsOpening() {
			if pos == nil {
				pos = &model.OptionPosition{
					ID:           uuid.New().String(),
					ContractID:   c.ID,
					Contract:     *c,
					PositionType: posType,
					Quantity:     order.Quantity,
					AverageCost:  order.Premium,
					OpenedAt:     now,
				}
			} else {
				oldQty := decimal.NewFromInt(pos.Quantity)
				newQty := pos.Quantity + order.Quantity
				pos.AverageCost = oldQty.Mul(pos.AverageCost).Add(qty.Mul(order.Premium)).
					Div(decimal.NewFromInt(newQty)).Round(model.PriceScale)
				pos.Quantity = newQty
			}
			pos.CurrentPrice = order.Premium
			if err := tx.SaveOptionPosition(ctx, pos); err != nil {
				return err
			}
		} else {
			pos.Quantity -= order.Quantity
			pos.CurrentPrice = order.Premium
			if pos.Quantity == 0 {
				if err := tx.DeleteOptionPosition(ctx, pos.ID); err != nil {
					return err
				}
				pos = nil
			} else if err := tx.SaveOptionPosition(ctx, pos); err != nil {
				return err
			}
		}

		if err := tx.UpdateAccount(ctx, a); err != nil {
			return err
		}

		t := model.OptionTrade{
			ID:               uuid.New().String(),
			ContractID:       c.ID,
			ContractSymbol:   c.ContractSymbol,
			UnderlyingSymbol: c.UnderlyingSymbol,
			Action:           order.Action,
			OrderType:        order.OrderType,
			Quantity:         order.Quantity,
			Premium:          order.Premium,
			Commission:       order.Commission,
			TotalAmount:      total,
			Status:           model.StatusFilled,
			CreatedAt:        now,
			ExecutedAt:       now,
		}
		if err := tx.InsertOptionTrade(ctx, &t); err != nil {
			return err
		}

		result = OptionTradeResult{Trade: t, Contract: *c, Account: *a, Position: pos}
		return nil
	})
	if err != nil {
		return nil, reject(err)
	}

	metrics.TradesTotal.WithLabelValues("option", string(order.Action)).Inc()
	metrics.TradeLatency.WithLabelValues("option").Observe(time.Since(start).Seconds())

	slog.Info("option trade executed",
		"trade_id", result.Trade.ID,
		"user", userID,
		"contract", c.ContractSymbol,
		"action", order.Action,
		"qty", order.Quantity,
		"premium", order.Premium.String(),
		"total", result.Trade.TotalAmount.String(),
		"balance", result.Account.Balance.String(),
	)

	s.publish(ctx, events.New(events.OptionTradeExecuted, acct.ID, userID, c.UnderlyingSymbol, result.Trade))
	return &result, nil
}

// UpdateOptionPrices overwrites the mark of every option position whose
// contract symbol appears in premiums. Non-positive premiums are ignored.
// Returns the number of positions updated.
func (s *Service) UpdateOptionPrices(ctx context.Context, userID string, premiums map[string]decimal.Decimal) (int, error) {
	acct, err := s.GetOrCreateAccount(ctx, userID)
	if err != nil {
		return 0, err
	}

	normalized := make(map[string]decimal.Decimal, len(premiums))
	for sym, p := range premiums {
		if p.IsPositive() {
			normalized[strings.ToUpper(strings.TrimSpace(sym))] = p.Round(model.PriceScale)
		}
	}

	updated := 0
	err = s.store.InAccountTx(ctx, acct.ID, func(tx store.Tx) error {
		positions, err := tx.ListOptionPositions(ctx)
		if err != nil {
			return err
		}
		for i := range positions {
			p := &positions[i]
			premium, ok := normalized[p.Contract.ContractSymbol]
			if !ok {
				continue
			}
			p.CurrentPrice = premium
			if err := tx.SaveOptionPosition(ctx, p); err != nil {
				return err
			}
			updated++
		}
		return nil
	})
	return updated, err
}
