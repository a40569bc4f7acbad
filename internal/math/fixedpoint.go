package math

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int32 // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

// NewDecimalConfig builds a config for the given number of decimals.
func NewDecimalConfig(precision int32) DecimalConfig {
	scale := int64(1)
	for i := int32(0); i < precision; i++ {
		scale *= 10
	}
	return DecimalConfig{DecimalPrecision: precision, Scale: scale}
}

var (
	// Standard configs
	USDTConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}   // 0.000001 USDT
	RateConfig = DecimalConfig{DecimalPrecision: 8, Scale: 100_000_000} // 0.00000001 (commission/royalty)
)

// RateScale is the fixed-point denominator of a rate: 1.0 == RateScale.
const RateScale = 100_000_000

// MaxPrecision bounds the decimals a currency may declare so Scale fits int64.
const MaxPrecision = 18

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// MultiplyInt128 performs a * b using int128 to prevent overflow
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// FloorMulRate returns floor(amount * rate / RateScale).
// amount and rate must be non-negative; the result never exceeds amount when rate <= RateScale.
func FloorMulRate(amount, rate int64) int64 {
	if amount <= 0 || rate <= 0 {
		return 0
	}
	product := MultiplyInt128(amount, rate)
	// Quo truncates toward zero, which is floor for non-negative operands.
	product.Quo(product, big.NewInt(RateScale))
	result := product.Int64()
	putInt128(product)
	return result
}

// ParseAmount converts a decimal string ("100.00") to minor units at cfg's precision.
// More fractional digits than the precision allows is an error, never a silent rounding.
func ParseAmount(s string, cfg DecimalConfig) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return FromDecimal(d, cfg)
}

// FromDecimal converts d to minor units at cfg's precision.
func FromDecimal(d decimal.Decimal, cfg DecimalConfig) (int64, error) {
	scaled := d.Shift(cfg.DecimalPrecision)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("amount %s exceeds %d decimal places", d.String(), cfg.DecimalPrecision)
	}
	bi := scaled.BigInt()
	if !bi.IsInt64() {
		return 0, fmt.Errorf("amount %s overflows int64 minor units", d.String())
	}
	return bi.Int64(), nil
}

// FormatAmount renders minor units as a fixed decimal string ("93.000000").
func FormatAmount(amount int64, cfg DecimalConfig) string {
	return decimal.New(amount, -cfg.DecimalPrecision).StringFixed(cfg.DecimalPrecision)
}

// ToDecimal returns amount as a decimal at cfg's precision.
func ToDecimal(amount int64, cfg DecimalConfig) decimal.Decimal {
	return decimal.New(amount, -cfg.DecimalPrecision)
}

// ParseRate converts a fractional rate ("0.02") to RateScale fixed point.
// Negative rates and rates above 1 are rejected.
func ParseRate(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse rate %q: %w", s, err)
	}
	if d.IsNegative() || d.GreaterThan(decimal.NewFromInt(1)) {
		return 0, fmt.Errorf("rate %s out of range [0, 1]", d.String())
	}
	return FromDecimal(d, RateConfig)
}

// FormatRate renders a RateScale fixed-point rate without trailing zeros.
func FormatRate(rate int64) string {
	return decimal.New(rate, -RateConfig.DecimalPrecision).String()
}
