package utils

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// amountWidth is the number of decimal digits an amount occupies on disk.
// Zero-padding to a fixed width keeps the lexicographic order of the
// stored strings equal to the numeric order, so the database can sort
// and compare balances without parsing them.
const amountWidth = 38

var errNegativeAmount = errors.New("amount must be non-negative")

// EncodeAmount renders a non-negative big integer as a fixed-width
// decimal string.
func EncodeAmount(x *big.Int) string {
	if x == nil || x.Sign() <= 0 {
		return strings.Repeat("0", amountWidth)
	}
	s := x.String()
	if len(s) >= amountWidth {
		return s
	}
	return strings.Repeat("0", amountWidth-len(s)) + s
}

// DecodeAmount parses a decimal string produced by EncodeAmount.
func DecodeAmount(s string) (*big.Int, error) {
	s = strings.TrimLeft(s, "0")
	if s == "" {
		return new(big.Int), nil
	}
	x, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("malformed amount %q", s)
	}
	if x.Sign() < 0 {
		return nil, errNegativeAmount
	}
	return x, nil
}

// ParseAmount parses a signed decimal amount from the wire.
func ParseAmount(s string) (*big.Int, error) {
	x, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("malformed amount %q", s)
	}
	return x, nil
}

// RatFloat returns a/b as a float64. b must be positive.
func RatFloat(a, b *big.Int) float64 {
	f, _ := new(big.Rat).SetFrac(a, b).Float64()
	return f
}

// TokensFromFloat converts a UI token amount to raw units given the
// mint's decimal count.
func TokensFromFloat(f float64, decimals int) *big.Int {
	r := new(big.Rat).SetFloat64(f)
	if r == nil {
		return new(big.Int)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	r.Mul(r, new(big.Rat).SetInt(scale))
	x := new(big.Int).Quo(r.Num(), r.Denom())
	return x
}

// Max returns the larger of two big integers.
func Max(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}
