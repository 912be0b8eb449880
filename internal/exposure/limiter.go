// Package exposure implements optional caps on short option exposure.
//
// Writing options requires no cash up front in the paper ledger, so an
// account could otherwise sell an unbounded number of contracts. The limiter
// bounds open short contracts per contract and in aggregate across every
// contract on the same underlying. A zero limit disables that check.
package exposure

import (
	"errors"
	"fmt"

	"github.com/pivotal/paper-trading/internal/model"
)

var (
	// ErrPerContractLimitExceeded is returned when a sell-to-open would push
	// the short quantity in one contract beyond the per-contract maximum.
	ErrPerContractLimitExceeded = errors.New("exposure: per-contract short limit exceeded")

	// ErrShortLimitExceeded is returned when a sell-to-open would push the
	// aggregate short contracts on one underlying beyond the maximum.
	ErrShortLimitExceeded = errors.New("exposure: short contracts per underlying limit exceeded")
)

// Limiter enforces short exposure limits. The zero value allows everything.
type Limiter struct {
	// MaxShortPerContract is the maximum open short quantity in any single
	// contract. 0 means unlimited.
	MaxShortPerContract int64

	// MaxShortPerUnderlying is the maximum aggregate open short quantity
	// across all contracts sharing an underlying. 0 means unlimited.
	MaxShortPerUnderlying int64
}

// NewLimiter creates a limiter. Negative limits are treated as unlimited.
func NewLimiter(maxPerContract, maxPerUnderlying int64) *Limiter {
	return &Limiter{
		MaxShortPerContract:   max(maxPerContract, 0),
		MaxShortPerUnderlying: max(maxPerUnderlying, 0),
	}
}

// Enabled reports whether any limit is active.
func (l *Limiter) Enabled() bool {
	return l != nil && (l.MaxShortPerContract > 0 || l.MaxShortPerUnderlying > 0)
}

// Violation describes a rejected sell-to-open.
type Violation struct {
	Err       error
	Limit     int64
	Resulting int64
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%v: %d contracts would exceed limit of %d", v.Err, v.Resulting, v.Limit)
}

func (v *Violation) Unwrap() error { return v.Err }

// CheckShortOpen validates whether opening quantity more short contracts of
// target respects the limits.
//
// Parameters:
//   - target: the contract being sold to open
//   - quantity: contracts being added to the short position
//   - positions: the account's current option positions (long positions are
//     ignored)
//
// Returns nil if within limits, or a *Violation wrapping one of the
// package sentinels.
func (l *Limiter) CheckShortOpen(target model.OptionContract, quantity int64, positions []model.OptionPosition) error {
	if !l.Enabled() {
		return nil
	}

	var inContract, onUnderlying int64
	for _, p := range positions {
		if p.PositionType != model.Short {
			continue
		}
		if p.ContractID == target.ID {
			inContract += p.Quantity
		}
		if p.Contract.UnderlyingSymbol == target.UnderlyingSymbol {
			onUnderlying += p.Quantity
		}
	}

	// 1. Per-contract limit.
	if l.MaxShortPerContract > 0 && inContract+quantity > l.MaxShortPerContract {
		return &Violation{Err: ErrPerContractLimitExceeded, Limit: l.MaxShortPerContract, Resulting: inContract + quantity}
	}

	// 2. Aggregate across the underlying.
	if l.MaxShortPerUnderlying > 0 && onUnderlying+quantity > l.MaxShortPerUnderlying {
		return &Violation{Err: ErrShortLimitExceeded, Limit: l.MaxShortPerUnderlying, Resulting: onUnderlying + quantity}
	}

	return nil
}
