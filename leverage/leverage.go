// Package leverage implements the accounting math for leveraged lending
// vaults. All ratios are basis points (10000 = 100% = 1x leverage), all
// amounts are base-currency units, and every multiply-then-divide runs at
// full precision with an explicit rounding direction.
package leverage

import (
	"errors"
	"math/big"

	ethmath "github.com/ethereum/go-ethereum/common/math"

	bigmath "github.com/dloop-labs/dloop-engine/utils/math"
)

// OneHundredPercentBps is the basis-point unit: 10000 bps = 100% = 1x.
const OneHundredPercentBps uint64 = 10_000

var (
	// Invariant violations. These indicate impossible balance states or
	// arithmetic that broke a hard floor; callers must abort.
	ErrNegativeAmount      = errors.New("leverage: negative amount")
	ErrCollateralBelowDebt = errors.New("leverage: collateral below debt")
	ErrLeverageBelowFloor  = errors.New("leverage: leverage below 1x floor")

	// ErrInfiniteLeverage guards the zero-equity sentinel. Sizing math
	// must never consume it; deposit paths halt instead.
	ErrInfiniteLeverage = errors.New("leverage: position at infinite leverage")

	// Configuration errors.
	ErrInvalidTarget   = errors.New("leverage: target leverage must exceed 1x")
	ErrInvalidFee      = errors.New("leverage: fee must be below 100%")
	ErrSubsidyTooLarge = errors.New("leverage: subsidy incompatible with target")
)

var oneHundredPercent = new(big.Int).SetUint64(OneHundredPercentBps)

// MaxLeverageBps returns the sentinel reported when collateral equals debt
// and equity is zero. Matches the unsigned 256-bit ceiling used on-chain.
func MaxLeverageBps() *big.Int {
	return new(big.Int).Set(ethmath.MaxBig256)
}

// IsMaxLeverage reports whether leverageBps is the zero-equity sentinel.
func IsMaxLeverage(leverageBps *big.Int) bool {
	return leverageBps != nil && leverageBps.Cmp(ethmath.MaxBig256) == 0
}

// CurrentLeverageBps computes collateral / (collateral - debt) in bps,
// truncated toward zero.
//
// A zero-collateral position reports zero leverage. Equal collateral and
// debt reports the max sentinel. Debt exceeding collateral is an invariant
// violation: the pool would have liquidated long before.
func CurrentLeverageBps(collateral, debt *big.Int) (*big.Int, error) {
	if collateral == nil || debt == nil || collateral.Sign() < 0 || debt.Sign() < 0 {
		return nil, ErrNegativeAmount
	}
	if collateral.Sign() == 0 {
		if debt.Sign() != 0 {
			return nil, ErrCollateralBelowDebt
		}
		return big.NewInt(0), nil
	}

	switch collateral.Cmp(debt) {
	case -1:
		return nil, ErrCollateralBelowDebt
	case 0:
		return MaxLeverageBps(), nil
	}

	equity := new(big.Int).Sub(collateral, debt)
	lev, err := bigmath.MulDiv(collateral, oneHundredPercent, equity, bigmath.RoundDown)
	if err != nil {
		return nil, err
	}
	if lev.Cmp(oneHundredPercent) < 0 {
		return nil, ErrLeverageBelowFloor
	}
	return lev, nil
}

// SubsidyBps computes the rebalance incentive from the leverage deviation:
// |current - target| * 10000 / target, floored, zero below minDeviationBps
// and clamped to maxSubsidyBps.
func SubsidyBps(currentLeverageBps *big.Int, targetLeverageBps, maxSubsidyBps, minDeviationBps uint64) (uint64, error) {
	// The deviation ratio only needs a non-zero divisor. A target at or
	// below 1x is a registry misconfiguration and is rejected by
	// Vault.Validate before any quoting runs.
	if targetLeverageBps == 0 {
		return 0, ErrInvalidTarget
	}
	if currentLeverageBps == nil || currentLeverageBps.Sign() < 0 {
		return 0, ErrNegativeAmount
	}

	target := new(big.Int).SetUint64(targetLeverageBps)
	deviation := bigmath.AbsDiff(currentLeverageBps, target)
	deviationBps, err := bigmath.MulDiv(deviation, oneHundredPercent, target, bigmath.RoundDown)
	if err != nil {
		return 0, err
	}

	if deviationBps.Cmp(new(big.Int).SetUint64(minDeviationBps)) < 0 {
		return 0, nil
	}
	if deviationBps.Cmp(new(big.Int).SetUint64(maxSubsidyBps)) >= 0 {
		return maxSubsidyBps, nil
	}
	return deviationBps.Uint64(), nil
}

// BorrowToKeepLeverage sizes the borrow that keeps leverage unchanged after
// supplying suppliedBase of collateral: supplied * (L - 10000) / L, floored.
// With no prior position the target leverage stands in for L. The borrow
// rounds down; borrowing less than proportional is the safe side.
func BorrowToKeepLeverage(suppliedBase, currentLeverageBps *big.Int, targetLeverageBps uint64) (*big.Int, error) {
	if suppliedBase == nil || suppliedBase.Sign() < 0 {
		return nil, ErrNegativeAmount
	}
	if suppliedBase.Sign() == 0 {
		return big.NewInt(0), nil
	}
	if IsMaxLeverage(currentLeverageBps) {
		return nil, ErrInfiniteLeverage
	}

	lev := currentLeverageBps
	if lev == nil || lev.Sign() == 0 {
		if targetLeverageBps <= OneHundredPercentBps {
			return nil, ErrInvalidTarget
		}
		lev = new(big.Int).SetUint64(targetLeverageBps)
	}
	if lev.Cmp(oneHundredPercent) < 0 {
		return nil, ErrLeverageBelowFloor
	}

	num := new(big.Int).Sub(lev, oneHundredPercent)
	return bigmath.MulDiv(suppliedBase, num, lev, bigmath.RoundDown)
}

// RepayToKeepLeverage sizes the repay that keeps leverage unchanged after
// withdrawing withdrawnBase of collateral. Zero leverage means nothing is
// borrowed and nothing is owed. The repay rounds up; repaying more than
// proportional is the safe side.
func RepayToKeepLeverage(withdrawnBase, currentLeverageBps *big.Int) (*big.Int, error) {
	if withdrawnBase == nil || withdrawnBase.Sign() < 0 {
		return nil, ErrNegativeAmount
	}
	if currentLeverageBps == nil || currentLeverageBps.Sign() == 0 {
		return big.NewInt(0), nil
	}
	if IsMaxLeverage(currentLeverageBps) {
		return nil, ErrInfiniteLeverage
	}
	if currentLeverageBps.Cmp(oneHundredPercent) < 0 {
		return nil, ErrLeverageBelowFloor
	}

	num := new(big.Int).Sub(currentLeverageBps, oneHundredPercent)
	return bigmath.MulDiv(withdrawnBase, num, currentLeverageBps, bigmath.RoundUp)
}
