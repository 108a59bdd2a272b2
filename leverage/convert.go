package leverage

import (
	"errors"
	"math/big"

	bigmath "github.com/dloop-labs/dloop-engine/utils/math"
)

// ErrZeroPrice rejects conversions against a missing or zeroed oracle
// price. A zero price is never a real market; fail closed.
var ErrZeroPrice = errors.New("leverage: zero oracle price")

// AmountInBase converts a token amount to base-currency units:
// tokenAmount * price / 10^decimals. The caller picks the rounding side
// matching the direction money owes: obligations round up, entitlements
// round down.
func AmountInBase(tokenAmount, price *big.Int, decimals uint8, rounding bigmath.Rounding) (*big.Int, error) {
	if tokenAmount == nil || tokenAmount.Sign() < 0 {
		return nil, ErrNegativeAmount
	}
	if price == nil || price.Sign() <= 0 {
		return nil, ErrZeroPrice
	}
	return bigmath.MulDiv(tokenAmount, price, bigmath.PowTen(decimals), rounding)
}

// AmountFromBase converts base-currency units to a token amount:
// baseAmount * 10^decimals / price.
func AmountFromBase(baseAmount, price *big.Int, decimals uint8, rounding bigmath.Rounding) (*big.Int, error) {
	if baseAmount == nil || baseAmount.Sign() < 0 {
		return nil, ErrNegativeAmount
	}
	if price == nil || price.Sign() <= 0 {
		return nil, ErrZeroPrice
	}
	return bigmath.MulDiv(baseAmount, bigmath.PowTen(decimals), price, rounding)
}
