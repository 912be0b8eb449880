package trade

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pivotal/paper-trading/internal/events"
	"github.com/pivotal/paper-trading/internal/metrics"
	"github.com/pivotal/paper-trading/internal/model"
	"github.com/pivotal/paper-trading/internal/store"
)

// StockOrder is a validated-at-the-boundary stock order. Every order fills
// immediately and in full at Price.
type StockOrder struct {
	Symbol    string          `json:"symbol"`
	Name      string          `json:"name,omitempty"`
	Side      model.Side      `json:"side"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	OrderType model.OrderType `json:"order_type,omitempty"`
}

// StockTradeResult is the committed fill with the resulting account and
// position. Position is nil when the sell closed it.
type StockTradeResult struct {
	Trade    model.Trade          `json:"trade"`
	Account  model.Account        `json:"account"`
	Position *model.StockPosition `json:"position"`
}

func (o *StockOrder) normalize() error {
	o.Symbol = strings.ToUpper(strings.TrimSpace(o.Symbol))
	o.Side = model.Side(strings.ToLower(string(o.Side)))
	if o.OrderType == "" {
		o.OrderType = model.OrderTypeMarket
	}

	if o.Symbol == "" {
		return validationError("symbol is required")
	}
	if !o.Side.Valid() {
		return validationError("side must be buy or sell, got %q", o.Side)
	}
	if o.OrderType != model.OrderTypeMarket && o.OrderType != model.OrderTypeLimit {
		return validationError("order_type must be market or limit, got %q", o.OrderType)
	}

	o.Quantity = o.Quantity.Round(model.QuantityScale)
	o.Price = o.Price.Round(model.PriceScale)
	if !o.Quantity.IsPositive() {
		return validationError("quantity must be positive")
	}
	if !o.Price.IsPositive() {
		return validationError("price must be positive")
	}
	return nil
}

// ExecuteStockTrade applies a buy or sell to the user's cash ledger and
// stock position book and appends the fill, as one atomic unit.
//
//	total = round(quantity * price, 2)
//	buy:  balance -= total; avg = (oldQ*oldAvg + total) / (oldQ + q)
//	sell: balance += total; quantity -= q; position removed at zero
//
// The fill price becomes the position's mark in both directions.
func (s *Service) ExecuteStockTrade(ctx context.Context, userID string, order StockOrder) (*StockTradeResult, error) {
	start := time.Now()
	if err := order.normalize(); err != nil {
		return nil, reject(err)
	}

	acct, err := s.GetOrCreateAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	total := order.Quantity.Mul(order.Price).Round(model.CurrencyScale)
	var result StockTradeResult

	err = s.store.InAccountTx(ctx, acct.ID, func(tx store.Tx) error {
		a := tx.Account()
		now := s.timestamp()

		pos, err := tx.GetStockPosition(ctx, order.Symbol)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}

		switch order.Side {
		case model.SideBuy:
			if a.Balance.LessThan(total) {
				return insufficient(KindInsufficientBalance, "insufficient balance", total, a.Balance)
			}
			a.Debit(total)

			if pos == nil {
				pos = &model.StockPosition{
					ID:          uuid.New().String(),
					Symbol:      order.Symbol,
					Name:        order.Name,
					Quantity:    order.Quantity,
					AverageCost: order.Price,
					OpenedAt:    now,
				}
			} else {
				newQty := pos.Quantity.Add(order.Quantity)
				pos.AverageCost = pos.Quantity.Mul(pos.AverageCost).Add(total).
					Div(newQty).Round(model.PriceScale)
				pos.Quantity = newQty
				if order.Name != "" {
					pos.Name = order.Name
				}
			}
			pos.CurrentPrice = order.Price
			if err := tx.SaveStockPosition(ctx, pos); err != nil {
				return err
			}

		case model.SideSell:
			if pos == nil {
				return newError(KindNoPosition, "no position in %s", order.Symbol)
			}
			if pos.Quantity.LessThan(order.Quantity) {
				return insufficient(KindInsufficientShares, "insufficient shares", order.Quantity, pos.Quantity)
			}
			a.Credit(total)

			pos.Quantity = pos.Quantity.Sub(order.Quantity)
			pos.CurrentPrice = order.Price
			if pos.Quantity.IsZero() {
				if err := tx.DeleteStockPosition(ctx, pos.ID); err != nil {
					return err
				}
				pos = nil
			} else if err := tx.SaveStockPosition(ctx, pos); err != nil {
				return err
			}
		}

		if err := tx.UpdateAccount(ctx, a); err != nil {
			return err
		}

		name := order.Name
		if name == "" && pos != nil {
			name = pos.Name
		}
		t := model.Trade{
			ID:          uuid.New().String(),
			Symbol:      order.Symbol,
			Name:        name,
			Side:        order.Side,
			OrderType:   order.OrderType,
			Quantity:    order.Quantity,
			Price:       order.Price,
			TotalAmount: total,
			Status:      model.StatusFilled,
			CreatedAt:   now,
			ExecutedAt:  now,
		}
		if err := tx.InsertTrade(ctx, &t); err != nil {
			return err
		}

		result = StockTradeResult{Trade: t, Account: *a, Position: pos}
		return nil
	})
	if err != nil {
		return nil, reject(err)
	}

	metrics.TradesTotal.WithLabelValues("stock", string(order.Side)).Inc()
	metrics.TradeLatency.WithLabelValues("stock").Observe(time.Since(start).Seconds())

	slog.Info("stock trade executed",
		"trade_id", result.Trade.ID,
		"user", userID,
		"symbol", order.Symbol,
		"side", order.Side,
		"qty", order.Quantity.String(),
		"price", order.Price.String(),
		"total", total.String(),
		"balance", result.Account.Balance.String(),
	)

	s.publish(ctx, events.New(events.StockTradeExecuted, acct.ID, userID, order.Symbol, result.Trade))
	return &result, nil
}

// UpdateStockPrices overwrites the mark of every held position whose symbol
// appears in prices. Non-positive prices and unheld symbols are ignored.
// Returns the number of positions updated.
func (s *Service) UpdateStockPrices(ctx context.Context, userID string, prices map[string]decimal.Decimal) (int, error) {
	acct, err := s.GetOrCreateAccount(ctx, userID)
	if err != nil {
		return 0, err
	}

	normalized := make(map[string]decimal.Decimal, len(prices))
	for sym, p := range prices {
		if p.IsPositive() {
			normalized[strings.ToUpper(strings.TrimSpace(sym))] = p.Round(model.PriceScale)
		}
	}

	updated := 0
	err = s.store.InAccountTx(ctx, acct.ID, func(tx store.Tx) error {
		positions, err := tx.ListStockPositions(ctx)
		if err != nil {
			return err
		}
		for i := range positions {
			p := &positions[i]
			price, ok := normalized[p.Symbol]
			if !ok {
				continue
			}
			p.CurrentPrice = price
			if err := tx.SaveStockPosition(ctx, p); err != nil {
				return err
			}
			updated++
		}
		return nil
	})
	return updated, err
}
