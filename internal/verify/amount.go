package verify

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrInvalidAmount = errors.New("verify: amount must be a positive decimal")

// ToBaseUnits scales a decimal price (for example "25.00") to integer token base units.
// Precision finer than the token supports is rounded up, so the requirement is never lowered.
func ToBaseUnits(amount string, decimals uint8) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if !d.IsPositive() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	return d.Shift(int32(decimals)).Ceil().BigInt(), nil
}

// FormatBaseUnits renders base units as a decimal string with the token's precision.
func FormatBaseUnits(v *big.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -int32(decimals)).String()
}
