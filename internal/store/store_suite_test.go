package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pivotal/paper-trading/internal/model"
)

var errAbort = errors.New("abort")

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testContract(symbol, underlying string, strike string) *model.OptionContract {
	return &model.OptionContract{
		ContractSymbol:   symbol,
		UnderlyingSymbol: underlying,
		OptionType:       model.OptionCall,
		StrikePrice:      d(strike),
		ExpirationDate:   time.Date(2030, 1, 18, 0, 0, 0, 0, time.UTC),
		Multiplier:       100,
	}
}

// runStoreSuite exercises the behaviour every Store implementation must
// share. newStore returns a fresh, empty store per subtest.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("GetOrCreateAccount is idempotent", func(t *testing.T) {
		s := newStore(t)

		a1, err := s.GetOrCreateAccount(ctx, "alice", model.DefaultInitialBalance)
		require.NoError(t, err)
		a2, err := s.GetOrCreateAccount(ctx, "alice", d("5"))
		require.NoError(t, err)

		assert.Equal(t, a1.ID, a2.ID)
		assert.True(t, a2.Balance.Equal(model.DefaultInitialBalance))
		assert.True(t, a2.InitialBalance.Equal(model.DefaultInitialBalance))
	})

	t.Run("InAccountTx commits on success", func(t *testing.T) {
		s := newStore(t)
		a, err := s.GetOrCreateAccount(ctx, "bob", d("1000"))
		require.NoError(t, err)

		now := time.Now().UTC()
		err = s.InAccountTx(ctx, a.ID, func(tx Tx) error {
			acct := tx.Account()
			acct.Debit(d("150.00"))
			if err := tx.UpdateAccount(ctx, acct); err != nil {
				return err
			}
			if err := tx.SaveStockPosition(ctx, &model.StockPosition{
				ID: uuid.New().String(), Symbol: "AAPL", Quantity: d("1"),
				AverageCost: d("150"), CurrentPrice: d("150"), OpenedAt: now,
			}); err != nil {
				return err
			}
			return tx.InsertTrade(ctx, &model.Trade{
				ID: uuid.New().String(), Symbol: "AAPL", Side: model.SideBuy,
				OrderType: model.OrderTypeMarket, Quantity: d("1"), Price: d("150"),
				TotalAmount: d("150"), Status: model.StatusFilled, CreatedAt: now, ExecutedAt: now,
			})
		})
		require.NoError(t, err)

		got, err := s.GetOrCreateAccount(ctx, "bob", d("1000"))
		require.NoError(t, err)
		assert.True(t, got.Balance.Equal(d("850")), "balance = %s", got.Balance)

		positions, err := s.ListStockPositions(ctx, a.ID)
		require.NoError(t, err)
		require.Len(t, positions, 1)
		assert.Equal(t, "AAPL", positions[0].Symbol)

		trades, total, err := s.ListTrades(ctx, a.ID, TradeFilter{})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		require.Len(t, trades, 1)
		assert.True(t, trades[0].TotalAmount.Equal(d("150")))
	})

	t.Run("InAccountTx rolls back on error", func(t *testing.T) {
		s := newStore(t)
		a, err := s.GetOrCreateAccount(ctx, "carol", d("1000"))
		require.NoError(t, err)

		err = s.InAccountTx(ctx, a.ID, func(tx Tx) error {
			acct := tx.Account()
			acct.Debit(d("999"))
			require.NoError(t, tx.UpdateAccount(ctx, acct))
			require.NoError(t, tx.SaveStockPosition(ctx, &model.StockPosition{
				ID: uuid.New().String(), Symbol: "MSFT", Quantity: d("2"),
				AverageCost: d("10"), CurrentPrice: d("10"), OpenedAt: time.Now().UTC(),
			}))
			return errAbort
		})
		require.ErrorIs(t, err, errAbort)

		got, err := s.GetOrCreateAccount(ctx, "carol", d("1000"))
		require.NoError(t, err)
		assert.True(t, got.Balance.Equal(d("1000")))

		positions, err := s.ListStockPositions(ctx, a.ID)
		require.NoError(t, err)
		assert.Empty(t, positions)
	})

	t.Run("InAccountTx unknown account", func(t *testing.T) {
		s := newStore(t)
		err := s.InAccountTx(ctx, uuid.New().String(), func(tx Tx) error { return nil })
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("concurrent transactions are serialized", func(t *testing.T) {
		s := newStore(t)
		a, err := s.GetOrCreateAccount(ctx, "dave", d("100"))
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = s.InAccountTx(ctx, a.ID, func(tx Tx) error {
					acct := tx.Account()
					acct.Debit(d("1"))
					return tx.UpdateAccount(ctx, acct)
				})
			}()
		}
		wg.Wait()

		got, err := s.GetOrCreateAccount(ctx, "dave", d("100"))
		require.NoError(t, err)
		assert.True(t, got.Balance.Equal(d("80")), "balance = %s", got.Balance)
	})

	t.Run("EnsureContract deduplicates by symbol and terms", func(t *testing.T) {
		s := newStore(t)

		c1, created, err := s.EnsureContract(ctx, testContract("AAPL300118C00150000", "AAPL", "150"))
		require.NoError(t, err)
		assert.True(t, created)
		assert.NotEmpty(t, c1.ID)

		c2, created, err := s.EnsureContract(ctx, testContract("AAPL300118C00150000", "AAPL", "150"))
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, c1.ID, c2.ID)

		// Same terms under a different symbol resolve to the original.
		c3, created, err := s.EnsureContract(ctx, testContract("ALT-SYMBOL", "AAPL", "150"))
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, c1.ID, c3.ID)

		got, err := s.GetContract(ctx, "AAPL300118C00150000")
		require.NoError(t, err)
		assert.Equal(t, c1.ID, got.ID)
		assert.True(t, got.StrikePrice.Equal(d("150")))

		_, err = s.GetContract(ctx, "NOPE300118C00150000")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ListContracts filters and orders", func(t *testing.T) {
		s := newStore(t)
		for _, c := range []*model.OptionContract{
			testContract("MSFT300118C00400000", "MSFT", "400"),
			testContract("AAPL300118C00200000", "AAPL", "200"),
			testContract("AAPL300118C00150000", "AAPL", "150"),
		} {
			_, _, err := s.EnsureContract(ctx, c)
			require.NoError(t, err)
		}

		all, err := s.ListContracts(ctx, ContractFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "AAPL300118C00150000", all[0].ContractSymbol)
		assert.Equal(t, "AAPL300118C00200000", all[1].ContractSymbol)
		assert.Equal(t, "MSFT300118C00400000", all[2].ContractSymbol)

		aapl, err := s.ListContracts(ctx, ContractFilter{Underlying: "AAPL", Limit: 1})
		require.NoError(t, err)
		require.Len(t, aapl, 1)
		assert.Equal(t, "AAPL", aapl[0].UnderlyingSymbol)
	})

	t.Run("option positions embed their contract", func(t *testing.T) {
		s := newStore(t)
		a, err := s.GetOrCreateAccount(ctx, "erin", d("10000"))
		require.NoError(t, err)
		c, _, err := s.EnsureContract(ctx, testContract("SPY300118P00500000", "SPY", "500"))
		require.NoError(t, err)

		posID := uuid.New().String()
		saved := &model.OptionPosition{
			ID: posID, ContractID: c.ID, PositionType: model.Short, Quantity: 2,
			AverageCost: d("3.5"), CurrentPrice: d("3.5"), OpenedAt: time.Now().UTC(),
		}
		err = s.InAccountTx(ctx, a.ID, func(tx Tx) error {
			return tx.SaveOptionPosition(ctx, saved)
		})
		require.NoError(t, err)
		assert.Equal(t, c.ID, saved.Contract.ID)
		assert.Equal(t, "SPY300118P00500000", saved.Contract.ContractSymbol)

		positions, err := s.ListOptionPositions(ctx, a.ID)
		require.NoError(t, err)
		require.Len(t, positions, 1)
		assert.Equal(t, "SPY300118P00500000", positions[0].Contract.ContractSymbol)
		assert.Equal(t, model.Short, positions[0].PositionType)

		err = s.InAccountTx(ctx, a.ID, func(tx Tx) error {
			p, err := tx.GetOptionPosition(ctx, c.ID, model.Short)
			require.NoError(t, err)
			assert.Equal(t, posID, p.ID)

			_, err = tx.GetOptionPosition(ctx, c.ID, model.Long)
			assert.ErrorIs(t, err, ErrNotFound)

			return tx.DeleteOptionPosition(ctx, posID)
		})
		require.NoError(t, err)

		positions, err = s.ListOptionPositions(ctx, a.ID)
		require.NoError(t, err)
		assert.Empty(t, positions)
	})

	t.Run("ListTrades pages newest first", func(t *testing.T) {
		s := newStore(t)
		a, err := s.GetOrCreateAccount(ctx, "frank", d("10000"))
		require.NoError(t, err)

		base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		symbols := []string{"AAPL", "MSFT", "AAPL", "TSLA", "AAPL"}
		for i, sym := range symbols {
			at := base.Add(time.Duration(i) * time.Minute)
			err := s.InAccountTx(ctx, a.ID, func(tx Tx) error {
				return tx.InsertTrade(ctx, &model.Trade{
					ID: uuid.New().String(), Symbol: sym, Side: model.SideBuy,
					OrderType: model.OrderTypeMarket, Quantity: d("1"), Price: d("1"),
					TotalAmount: d("1"), Status: model.StatusFilled, CreatedAt: at, ExecutedAt: at,
				})
			})
			require.NoError(t, err)
		}

		page1, total, err := s.ListTrades(ctx, a.ID, TradeFilter{Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		require.Len(t, page1, 2)
		assert.Equal(t, "AAPL", page1[0].Symbol)
		assert.Equal(t, "TSLA", page1[1].Symbol)

		aapl, total, err := s.ListTrades(ctx, a.ID, TradeFilter{Symbol: "AAPL", Offset: 1})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		assert.Len(t, aapl, 2)
	})

	t.Run("ResetAccount wipes state", func(t *testing.T) {
		s := newStore(t)
		a, err := s.GetOrCreateAccount(ctx, "gina", d("500"))
		require.NoError(t, err)
		err = s.InAccountTx(ctx, a.ID, func(tx Tx) error {
			acct := tx.Account()
			acct.Debit(d("100"))
			if err := tx.UpdateAccount(ctx, acct); err != nil {
				return err
			}
			return tx.SaveStockPosition(ctx, &model.StockPosition{
				ID: uuid.New().String(), Symbol: "AMD", Quantity: d("1"),
				AverageCost: d("100"), CurrentPrice: d("100"), OpenedAt: time.Now().UTC(),
			})
		})
		require.NoError(t, err)

		fresh, err := s.ResetAccount(ctx, "gina", d("2000"))
		require.NoError(t, err)
		assert.NotEqual(t, a.ID, fresh.ID)
		assert.True(t, fresh.Balance.Equal(d("2000")))

		positions, err := s.ListStockPositions(ctx, fresh.ID)
		require.NoError(t, err)
		assert.Empty(t, positions)
		old, err := s.ListStockPositions(ctx, a.ID)
		require.NoError(t, err)
		assert.Empty(t, old)
	})
}
