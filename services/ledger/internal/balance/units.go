package balance

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

const DefaultScale int32 = 8

var ErrInvalidAmount = errors.New("invalid amount")

var maxUnits = decimal.NewFromInt(math.MaxInt64)

// ToUnits converts a positive decimal into integer minor units at scale.
// Amounts carrying more fractional digits than scale are rejected rather
// than rounded.
func ToUnits(amount decimal.Decimal, scale int32) (int64, error) {
	if !amount.IsPositive() {
		return 0, fmt.Errorf("%w: must be positive", ErrInvalidAmount)
	}
	shifted := amount.Shift(scale)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("%w: more than %d decimal places", ErrInvalidAmount, scale)
	}
	if shifted.GreaterThan(maxUnits) {
		return 0, fmt.Errorf("%w: out of range", ErrInvalidAmount)
	}
	return shifted.IntPart(), nil
}

// FromUnits parses an integer string in minor units back into a decimal.
func FromUnits(units string, scale int32) (decimal.Decimal, error) {
	n, ok := new(big.Int).SetString(units, 10)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %q is not an integer", ErrInvalidAmount, units)
	}
	return decimal.NewFromBigInt(n, -scale), nil
}
