package leverage

import (
	"math/big"

	bigmath "github.com/dloop-labs/dloop-engine/utils/math"
)

// GrossFromNet converts a desired net amount into the gross amount that
// must be moved so that net survives a feeBps charge:
// gross = net * 10000 / (10000 - feeBps), rounded up so the net side is
// never short.
func GrossFromNet(net *big.Int, feeBps uint64) (*big.Int, error) {
	if feeBps >= OneHundredPercentBps {
		return nil, ErrInvalidFee
	}
	if net == nil || net.Sign() < 0 {
		return nil, ErrNegativeAmount
	}
	keep := new(big.Int).SetUint64(OneHundredPercentBps - feeBps)
	return bigmath.MulDiv(net, oneHundredPercent, keep, bigmath.RoundUp)
}

// NetFromGross converts a gross amount into what remains after a feeBps
// charge: net = gross * (10000 - feeBps) / 10000, rounded down.
func NetFromGross(gross *big.Int, feeBps uint64) (*big.Int, error) {
	if feeBps >= OneHundredPercentBps {
		return nil, ErrInvalidFee
	}
	if gross == nil || gross.Sign() < 0 {
		return nil, ErrNegativeAmount
	}
	keep := new(big.Int).SetUint64(OneHundredPercentBps - feeBps)
	return bigmath.MulDiv(gross, keep, oneHundredPercent, bigmath.RoundDown)
}
