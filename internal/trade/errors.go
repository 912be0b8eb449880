package trade

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Kind classifies a rejected ledger operation.
type Kind string

const (
	KindValidation            Kind = "validation_error"
	KindInsufficientBalance   Kind = "insufficient_balance"
	KindInsufficientShares    Kind = "insufficient_shares"
	KindInsufficientContracts Kind = "insufficient_contracts"
	KindNoPosition            Kind = "no_position"
	KindContractNotFound      Kind = "contract_not_found"
	KindExpiredContract       Kind = "expired_contract"
	KindNotExpired            Kind = "not_expired"
	KindExposureLimit         Kind = "exposure_limit"
)

// Error is a structured business-rule rejection. It is always returned
// before any state is mutated. Required and Available are set for the
// insufficient-* kinds.
type Error struct {
	Kind      Kind
	Message   string
	Required  *decimal.Decimal
	Available *decimal.Decimal
	Cause     error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error of the same kind, so callers can test
// errors.Is(err, trade.ErrInsufficientBalance).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrValidation            = &Error{Kind: KindValidation, Message: "validation error"}
	ErrInsufficientBalance   = &Error{Kind: KindInsufficientBalance, Message: "insufficient balance"}
	ErrInsufficientShares    = &Error{Kind: KindInsufficientShares, Message: "insufficient shares"}
	ErrInsufficientContracts = &Error{Kind: KindInsufficientContracts, Message: "insufficient contracts"}
	ErrNoPosition            = &Error{Kind: KindNoPosition, Message: "no position"}
	ErrContractNotFound      = &Error{Kind: KindContractNotFound, Message: "contract not found"}
	ErrExpiredContract       = &Error{Kind: KindExpiredContract, Message: "contract expired"}
	ErrNotExpired            = &Error{Kind: KindNotExpired, Message: "contract not expired"}
	ErrExposureLimit         = &Error{Kind: KindExposureLimit, Message: "exposure limit exceeded"}
)

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func validationError(format string, args ...any) *Error {
	return newError(KindValidation, format, args...)
}

func insufficient(kind Kind, message string, required, available decimal.Decimal) *Error {
	return &Error{Kind: kind, Message: message, Required: &required, Available: &available}
}
