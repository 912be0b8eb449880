package valuation

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pivotal/paper-trading/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var today = time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)

func option(underlying string, pt model.PositionType, qty int64, avg, mark string) model.OptionPosition {
	return model.OptionPosition{
		Contract: model.OptionContract{
			UnderlyingSymbol: underlying,
			OptionType:       model.OptionCall,
			StrikePrice:      d("100"),
			ExpirationDate:   today.AddDate(0, 0, 10),
			Multiplier:       100,
		},
		PositionType: pt,
		Quantity:     qty,
		AverageCost:  d(avg),
		CurrentPrice: d(mark),
	}
}

func TestCompute(t *testing.T) {
	acct := model.Account{Balance: d("90000"), InitialBalance: d("100000")}
	stocks := []model.StockPosition{
		{Symbol: "AAPL", Quantity: d("10"), AverageCost: d("150"), CurrentPrice: d("160")},
	}
	options := []model.OptionPosition{
		option("AAPL", model.Long, 2, "2.50", "3.00"),  // +600
		option("MSFT", model.Short, 1, "4.00", "1.00"), // -100
	}

	s := Compute(acct, stocks, options, today)

	if !s.StocksValue.Equal(d("1600")) {
		t.Errorf("stocks value = %s", s.StocksValue)
	}
	if !s.OptionsValue.Equal(d("500")) {
		t.Errorf("options value = %s", s.OptionsValue)
	}
	if !s.TotalValue.Equal(d("92100")) {
		t.Errorf("total value = %s", s.TotalValue)
	}
	if !s.TotalPL.Equal(d("-7900")) {
		t.Errorf("total pl = %s", s.TotalPL)
	}
	if !s.TotalPLPercent.Equal(d("-7.9")) {
		t.Errorf("total pl percent = %s", s.TotalPLPercent)
	}

	wantWeight := d("1600").Div(d("92100")).Mul(d("100"))
	if !s.Positions[0].Weight.Equal(wantWeight) {
		t.Errorf("stock weight = %s, want %s", s.Positions[0].Weight, wantWeight)
	}
	if !s.Positions[0].UnrealizedPL.Equal(d("100")) {
		t.Errorf("stock pl = %s", s.Positions[0].UnrealizedPL)
	}
	if !s.OptionPositions[1].MarketValue.Equal(d("-100")) || !s.OptionPositions[1].UnrealizedPL.Equal(d("300")) {
		t.Errorf("short line = %+v", s.OptionPositions[1].OptionValuation)
	}
	if s.OptionPositions[0].DaysToExpiration != 10 || s.OptionPositions[0].IsExpired {
		t.Errorf("unexpected expiry fields: %+v", s.OptionPositions[0])
	}
}

func TestCompute_ZeroGuards(t *testing.T) {
	acct := model.Account{Balance: d("0"), InitialBalance: d("0")}
	stocks := []model.StockPosition{
		{Symbol: "XYZ", Quantity: d("1"), AverageCost: d("0"), CurrentPrice: d("0")},
	}

	s := Compute(acct, stocks, nil, today)

	if !s.TotalPLPercent.IsZero() {
		t.Errorf("expected 0 pl percent, got %s", s.TotalPLPercent)
	}
	if !s.Positions[0].Weight.IsZero() {
		t.Errorf("expected 0 weight, got %s", s.Positions[0].Weight)
	}
	if !s.Positions[0].UnrealizedPLPercent.IsZero() {
		t.Errorf("expected 0 position pl percent, got %s", s.Positions[0].UnrealizedPLPercent)
	}
	if s.OptionPositions == nil {
		t.Error("expected empty, non-nil option lines")
	}
}

func TestCompute_NegativeTotalValueZeroesWeights(t *testing.T) {
	acct := model.Account{Balance: d("100"), InitialBalance: d("1000")}
	options := []model.OptionPosition{option("AAPL", model.Short, 5, "1.00", "4.00")} // -2000

	s := Compute(acct, nil, options, today)

	if !s.TotalValue.Equal(d("-1900")) {
		t.Fatalf("total value = %s", s.TotalValue)
	}
	if !s.OptionPositions[0].Weight.IsZero() {
		t.Errorf("expected 0 weight, got %s", s.OptionPositions[0].Weight)
	}
}

func TestSummarizeOptions(t *testing.T) {
	options := []model.OptionPosition{
		option("TSLA", model.Long, 1, "5.00", "6.00"),
		option("AAPL", model.Short, 2, "3.00", "2.00"),
		option("AAPL", model.Long, 3, "1.00", "1.50"),
	}

	sum := SummarizeOptions(options, today)

	if sum.TotalPositions != 3 || sum.LongPositions != 2 || sum.ShortPositions != 1 {
		t.Errorf("counts = %d/%d/%d", sum.TotalPositions, sum.LongPositions, sum.ShortPositions)
	}
	if !sum.LongValue.Equal(d("1050")) {
		t.Errorf("long value = %s", sum.LongValue)
	}
	if !sum.ShortValue.Equal(d("-400")) {
		t.Errorf("short value = %s", sum.ShortValue)
	}
	// 100 + 200 + 150
	if !sum.TotalUnrealizedPL.Equal(d("450")) {
		t.Errorf("total pl = %s", sum.TotalUnrealizedPL)
	}
	if len(sum.ByUnderlying) != 2 || sum.ByUnderlying[0].Underlying != "AAPL" {
		t.Fatalf("unexpected grouping: %+v", sum.ByUnderlying)
	}
	if len(sum.ByUnderlying[0].Long) != 1 || len(sum.ByUnderlying[0].Short) != 1 {
		t.Errorf("AAPL split = %d long / %d short", len(sum.ByUnderlying[0].Long), len(sum.ByUnderlying[0].Short))
	}
}
