// Package contract handles OCC option symbol parsing and formatting, and
// validation of inline contract specifications submitted with orders.
package contract

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pivotal/paper-trading/internal/model"
)

// symbolRegex matches: {root}{YYMMDD}{C|P}{strike*1000, 8 digits}
// Example: AAPL240119C00150000
var symbolRegex = regexp.MustCompile(`^([A-Z]{1,6})(\d{6})([CP])(\d{8})$`)

var underlyingRegex = regexp.MustCompile(`^[A-Z]{1,6}$`)

// strikeScale converts between the OCC integer strike field and dollars.
var strikeScale = decimal.NewFromInt(1000)

// maxStrike is the largest strike representable in eight digits.
var maxStrike = decimal.RequireFromString("99999.999")

var (
	ErrInvalidSymbol     = errors.New("contract: invalid OCC symbol")
	ErrInvalidType       = errors.New("contract: option type must be call or put")
	ErrInvalidStrike     = errors.New("contract: strike must be positive with at most 3 decimals")
	ErrInvalidExpiration = errors.New("contract: invalid expiration date")
	ErrInvalidUnderlying = errors.New("contract: invalid underlying symbol")
	ErrInvalidMultiplier = errors.New("contract: multiplier must be positive")
)

// Parsed is the decoded content of an OCC option symbol.
type Parsed struct {
	Symbol         string           `json:"symbol"`
	Underlying     string           `json:"underlying"`
	OptionType     model.OptionType `json:"option_type"`
	Strike         decimal.Decimal  `json:"strike"`
	ExpirationDate time.Time        `json:"expiration_date"`
}

// ParseSymbol parses and validates an OCC option symbol.
// Format: {underlying}{YYMMDD}{C|P}{strike*1000 zero-padded to 8 digits}
func ParseSymbol(symbol string) (*Parsed, error) {
	matches := symbolRegex.FindStringSubmatch(symbol)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected {root}{YYMMDD}{C|P}{strike*1000})",
			ErrInvalidSymbol, symbol)
	}

	expiry, err := time.Parse("060102", matches[2])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid date %s", ErrInvalidSymbol, matches[2])
	}

	strikeInt, err := decimal.NewFromString(matches[4])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid strike %s", ErrInvalidSymbol, matches[4])
	}
	strike := strikeInt.Div(strikeScale)
	if !strike.IsPositive() {
		return nil, fmt.Errorf("%w: zero strike", ErrInvalidSymbol)
	}

	optType := model.OptionCall
	if matches[3] == "P" {
		optType = model.OptionPut
	}

	return &Parsed{
		Symbol:         symbol,
		Underlying:     matches[1],
		OptionType:     optType,
		Strike:         strike,
		ExpirationDate: expiry,
	}, nil
}

// FormatSymbol builds the OCC symbol for the given terms.
func FormatSymbol(underlying string, optType model.OptionType, strike decimal.Decimal, expiration time.Time) (string, error) {
	underlying = strings.ToUpper(strings.TrimSpace(underlying))
	if !underlyingRegex.MatchString(underlying) {
		return "", fmt.Errorf("%w: %q", ErrInvalidUnderlying, underlying)
	}
	if !optType.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidType, optType)
	}
	if err := validateStrike(strike); err != nil {
		return "", err
	}
	if expiration.IsZero() {
		return "", ErrInvalidExpiration
	}

	cp := "C"
	if optType == model.OptionPut {
		cp = "P"
	}
	strikeField := strike.Mul(strikeScale).IntPart()
	return fmt.Sprintf("%s%s%s%08d", underlying, expiration.Format("060102"), cp, strikeField), nil
}

func validateStrike(strike decimal.Decimal) error {
	if !strike.IsPositive() || strike.GreaterThan(maxStrike) {
		return fmt.Errorf("%w: %s", ErrInvalidStrike, strike)
	}
	if !strike.Mul(strikeScale).Equal(strike.Mul(strikeScale).Truncate(0)) {
		return fmt.Errorf("%w: %s", ErrInvalidStrike, strike)
	}
	return nil
}

// Spec is an inline contract description supplied with an order or a
// registration request.
type Spec struct {
	ContractSymbol   string          `json:"contract_symbol,omitempty"`
	UnderlyingSymbol string          `json:"underlying_symbol"`
	OptionType       string          `json:"option_type"`
	StrikePrice      decimal.Decimal `json:"strike_price"`
	ExpirationDate   string          `json:"expiration_date"` // YYYY-MM-DD
	Multiplier       int             `json:"multiplier,omitempty"`
}

// Contract validates the spec and returns the canonical contract record
// (without an ID). The OCC symbol is always derived from the terms; a
// supplied symbol must be a valid OCC symbol naming the same terms.
func (s Spec) Contract() (model.OptionContract, error) {
	optType := model.OptionType(strings.ToLower(strings.TrimSpace(s.OptionType)))
	if !optType.Valid() {
		return model.OptionContract{}, fmt.Errorf("%w: %q", ErrInvalidType, s.OptionType)
	}

	expiry, err := time.Parse("2006-01-02", strings.TrimSpace(s.ExpirationDate))
	if err != nil {
		return model.OptionContract{}, fmt.Errorf("%w: %q", ErrInvalidExpiration, s.ExpirationDate)
	}

	multiplier := s.Multiplier
	if multiplier == 0 {
		multiplier = model.DefaultMultiplier
	}
	if multiplier < 0 {
		return model.OptionContract{}, ErrInvalidMultiplier
	}

	underlying := strings.ToUpper(strings.TrimSpace(s.UnderlyingSymbol))
	symbol, err := FormatSymbol(underlying, optType, s.StrikePrice, expiry)
	if err != nil {
		return model.OptionContract{}, err
	}
	if supplied := strings.ToUpper(strings.TrimSpace(s.ContractSymbol)); supplied != "" {
		if _, err := ParseSymbol(supplied); err != nil {
			return model.OptionContract{}, err
		}
		if supplied != symbol {
			return model.OptionContract{}, fmt.Errorf("%w: %s does not match contract terms (%s)",
				ErrInvalidSymbol, supplied, symbol)
		}
	}

	return model.OptionContract{
		ContractSymbol:   symbol,
		UnderlyingSymbol: underlying,
		OptionType:       optType,
		StrikePrice:      s.StrikePrice,
		ExpirationDate:   expiry,
		Multiplier:       multiplier,
	}, nil
}

// FromSymbol builds a contract record from an OCC symbol alone, using the
// standard multiplier.
func FromSymbol(symbol string) (model.OptionContract, error) {
	p, err := ParseSymbol(symbol)
	if err != nil {
		return model.OptionContract{}, err
	}
	return model.OptionContract{
		ContractSymbol:   p.Symbol,
		UnderlyingSymbol: p.Underlying,
		OptionType:       p.OptionType,
		StrikePrice:      p.Strike,
		ExpirationDate:   p.ExpirationDate,
		Multiplier:       model.DefaultMultiplier,
	}, nil
}
