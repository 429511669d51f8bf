package math

import (
	"math/big"
	"sync"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// AmountConfig covers token amounts and USD values (micro-units)
	AmountConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}

	// PriceConfig matches the oracle feed precision
	PriceConfig = DecimalConfig{DecimalPrecision: 8, Scale: 100_000_000}

	// RewardIndexConfig scales the reward-per-weight accumulator
	RewardIndexConfig = DecimalConfig{DecimalPrecision: 18, Scale: 1_000_000_000_000_000_000}
)

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

// Saturation bounds for DivideInt128 results.
const (
	maxInt64 = int64(1<<63 - 1)
	minInt64 = int64(-1 << 63)
)

// DivideInt128 performs numerator / denominator with rounding. A quotient
// outside the int64 range saturates at MaxInt64/MinInt64 rather than
// wrapping: callers clamp to their domain bound (e.g. a penalty clamps to
// stake), and a wrapped negative would slip under every such clamp.
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) int64 {
	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()

	quotient.DivMod(numerator, denom, remainder)

	var result int64
	switch {
	case quotient.IsInt64():
		result = quotient.Int64()
	case quotient.Sign() > 0:
		result = maxInt64
	default:
		result = minInt64
	}

	if roundingMode == RoundHalfEven && result != maxInt64 {
		// Banker's rounding: if remainder == denominator/2, round to even
		half := big.NewInt(denominator / 2)
		cmp := remainder.Cmp(half)

		if cmp > 0 {
			// remainder > half: round up
			result++
		} else if cmp == 0 && denominator%2 == 0 {
			// remainder == half and even denominator: round to even
			if result%2 != 0 {
				result++
			}
		}
	}

	putInt128(quotient)
	putInt128(remainder)

	return result
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown
	RoundUp
)

// ComputeUSDValue converts a token amount to its USD value using an oracle
// price. Floor rounding: a stake check must never pass on rounded-up value.
// Returns USD at amount scale (6 decimals).
func ComputeUSDValue(amount int64, price int64) int64 {
	// raw = amount * price
	// intermediate scale = A_s * P_s = 1_000_000 * 100_000_000 = 10^14
	// target scale = 1_000_000 → divide by P_s
	raw := MultiplyInt128(amount, price)

	result := DivideInt128(raw, PriceConfig.Scale, RoundDown)

	putInt128(raw)

	return result
}
