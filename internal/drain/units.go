package drain

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

var usdcScale = decimal.New(1, USDCDecimals)

// ParseUSDC converts a human amount ("1.50") into token base units.
// Amounts with more than six fractional digits are rejected rather than rounded.
func ParseUSDC(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("amount %q is negative", s)
	}
	base := d.Mul(usdcScale)
	if !base.Equal(base.Truncate(0)) {
		return nil, fmt.Errorf("amount %q has more than %d decimals", s, USDCDecimals)
	}
	return base.BigInt(), nil
}

// FormatUSDC renders base units as a fixed six-decimal string.
func FormatUSDC(units *big.Int) string {
	return ToUSDC(units).StringFixed(USDCDecimals)
}

// ToUSDC converts base units to a decimal amount.
func ToUSDC(units *big.Int) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -USDCDecimals)
}
