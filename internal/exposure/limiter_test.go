package exposure

import (
	"errors"
	"testing"

	"github.com/pivotal/paper-trading/internal/model"
)

func contract(id, underlying string) model.OptionContract {
	return model.OptionContract{ID: id, UnderlyingSymbol: underlying}
}

func short(c model.OptionContract, qty int64) model.OptionPosition {
	return model.OptionPosition{ContractID: c.ID, Contract: c, PositionType: model.Short, Quantity: qty}
}

func long(c model.OptionContract, qty int64) model.OptionPosition {
	return model.OptionPosition{ContractID: c.ID, Contract: c, PositionType: model.Long, Quantity: qty}
}

func TestCheckShortOpen_Disabled(t *testing.T) {
	var nilLimiter *Limiter
	c := contract("c1", "AAPL")

	if err := nilLimiter.CheckShortOpen(c, 1000, nil); err != nil {
		t.Errorf("nil limiter should allow, got %v", err)
	}
	if err := NewLimiter(0, -5).CheckShortOpen(c, 1000, nil); err != nil {
		t.Errorf("zero limiter should allow, got %v", err)
	}
}

func TestCheckShortOpen_WithinLimits(t *testing.T) {
	limiter := NewLimiter(10, 20)
	c := contract("c1", "AAPL")

	err := limiter.CheckShortOpen(c, 4, []model.OptionPosition{short(c, 6)})
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckShortOpen_PerContractExceeded(t *testing.T) {
	limiter := NewLimiter(10, 100)
	c := contract("c1", "AAPL")

	// Existing 8 + new 3 = 11 > 10.
	err := limiter.CheckShortOpen(c, 3, []model.OptionPosition{short(c, 8)})
	if !errors.Is(err, ErrPerContractLimitExceeded) {
		t.Fatalf("expected ErrPerContractLimitExceeded, got %v", err)
	}
	var v *Violation
	if !errors.As(err, &v) || v.Resulting != 11 || v.Limit != 10 {
		t.Errorf("unexpected violation: %+v", v)
	}
}

func TestCheckShortOpen_UnderlyingExceeded(t *testing.T) {
	limiter := NewLimiter(0, 15)
	c1 := contract("c1", "AAPL")
	c2 := contract("c2", "AAPL")
	c3 := contract("c3", "MSFT")

	positions := []model.OptionPosition{
		short(c1, 8),
		short(c3, 50), // different underlying
		long(c2, 40),  // long side is not exposure
	}

	if err := limiter.CheckShortOpen(c2, 7, positions); err != nil {
		t.Errorf("8+7=15 should be allowed, got %v", err)
	}
	if err := limiter.CheckShortOpen(c2, 8, positions); !errors.Is(err, ErrShortLimitExceeded) {
		t.Errorf("expected ErrShortLimitExceeded, got %v", err)
	}
}
