package math

import (
	"errors"
	"fmt"
	"math/big"
)

// Rounding selects the direction a truncated quotient is pushed.
type Rounding int

const (
	// RoundDown truncates toward zero.
	RoundDown Rounding = iota
	// RoundUp rounds away from zero when a remainder exists.
	RoundUp
)

var (
	ErrDivisionByZero = errors.New("math: division by zero")
	ErrNegativeInput  = errors.New("math: negative input")
)

// MulDiv computes a * b / denominator at full precision, applying the
// requested rounding to the final quotient. Inputs must be non-negative;
// amounts in this engine never carry sign.
func MulDiv(a, b, denominator *big.Int, rounding Rounding) (*big.Int, error) {
	if a == nil || b == nil || denominator == nil {
		return nil, fmt.Errorf("math: nil operand")
	}
	if a.Sign() < 0 || b.Sign() < 0 || denominator.Sign() < 0 {
		return nil, ErrNegativeInput
	}
	if denominator.Sign() == 0 {
		return nil, ErrDivisionByZero
	}

	product := new(big.Int).Mul(a, b)
	quotient, remainder := new(big.Int).QuoRem(product, denominator, new(big.Int))
	if rounding == RoundUp && remainder.Sign() != 0 {
		quotient.Add(quotient, big.NewInt(1))
	}
	return quotient, nil
}

// Div divides a by denominator with the requested rounding. Convenience
// wrapper over MulDiv with a unit multiplier.
func Div(a, denominator *big.Int, rounding Rounding) (*big.Int, error) {
	return MulDiv(a, big.NewInt(1), denominator, rounding)
}

// PowTen returns 10^exp as a fresh big.Int. Used for token decimal scaling.
func PowTen(exp uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)
}

// AbsDiff returns |a - b| as a fresh big.Int.
func AbsDiff(a, b *big.Int) *big.Int {
	diff := new(big.Int).Sub(a, b)
	return diff.Abs(diff)
}

// Min returns the smaller of a and b without mutating either.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
