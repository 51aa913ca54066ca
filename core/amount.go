package core

import (
	"math/big"

	"github.com/pkg/errors"
)

// DBPSMultiplier is the denominator of the decibasis-point slippage envelope:
// 1 bp = 10 dbps, 100% = 1_000_000 dbps.
const DBPSMultiplier = 1_000_000

// CanonicalDecimals is the fixed-point scale used for all cross-chain
// balance accounting.
const CanonicalDecimals = 18

// ParseAmount parses a non-negative decimal-string amount. Monetary
// quantities never travel as floats.
func ParseAmount(s string) (*big.Int, error) {
	if s == "" {
		return nil, errors.New("empty amount")
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, errors.Errorf("invalid amount %q", s)
	}
	if v.Sign() < 0 {
		return nil, errors.Errorf("negative amount %q", s)
	}
	return v, nil
}

// FormatAmount renders an amount as a decimal string; nil renders as "0".
func FormatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// ScaleDecimals converts between decimal scales without loss in the widening
// direction; narrowing truncates toward zero, which is the safe side for
// amounts mark is about to spend.
func ScaleDecimals(v *big.Int, from, to int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	out := new(big.Int).Set(v)
	switch {
	case from < to:
		out.Mul(out, pow10(to-from))
	case from > to:
		out.Quo(out, pow10(from-to))
	}
	return out
}

// ToCanonical converts a native-decimal amount to 18-decimal canonical units.
func ToCanonical(v *big.Int, nativeDecimals int) *big.Int {
	return ScaleDecimals(v, nativeDecimals, CanonicalDecimals)
}

// FromCanonical converts an 18-decimal canonical amount to native units.
func FromCanonical(v *big.Int, nativeDecimals int) *big.Int {
	return ScaleDecimals(v, CanonicalDecimals, nativeDecimals)
}

// MinReceived applies the slippage envelope: amount * (1 - dbps/1e6).
func MinReceived(amount *big.Int, slippageDbps int64) *big.Int {
	if amount == nil {
		return new(big.Int)
	}
	num := big.NewInt(DBPSMultiplier - slippageDbps)
	out := new(big.Int).Mul(amount, num)
	return out.Quo(out, big.NewInt(DBPSMultiplier))
}

// MinBig returns the smaller of a and b.
func MinBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
