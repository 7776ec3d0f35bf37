package domain

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// DefaultDecimals is the number of fractional digits of one display unit
// (1 display unit = 10^9 native units).
const DefaultDecimals = 9

// FormatAmount renders a native amount in display units, e.g. 299900000 with
// 9 decimals renders as "0.2999".
func FormatAmount(native uint64, decimals int32) string {
	return fromNative(native).Shift(-decimals).String()
}

// ParseAmount converts a display-unit string into native units. It rejects
// negative values, values with more precision than decimals, and values that
// overflow uint64.
func ParseAmount(display string, decimals int32) (uint64, error) {
	d, err := decimal.NewFromString(display)
	if err != nil {
		return 0, fmt.Errorf("domain: parse amount %q: %w", display, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("domain: parse amount %q: negative", display)
	}
	native := d.Shift(decimals)
	if !native.Equal(native.Truncate(0)) {
		return 0, fmt.Errorf("domain: parse amount %q: more than %d decimals", display, decimals)
	}
	if native.GreaterThan(fromNative(^uint64(0))) {
		return 0, fmt.Errorf("domain: parse amount %q: %w", display, ErrMathOverflow)
	}
	return native.BigInt().Uint64(), nil
}

func fromNative(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}
