package leverage

import (
	"math/big"

	"github.com/dloop-labs/dloop-engine/types"
	bigmath "github.com/dloop-labs/dloop-engine/utils/math"
)

// DepositToReachTarget sizes the increase-leverage rebalance: deposit x
// collateral and borrow y = x * (1 + subsidy) debt so the position lands on
// target. Solving (C+x) * 10000 = T * ((C-D) - x*s/10000) for x:
//
//	x = (T*(C-D) - 10000*C) * 10000 / (10000*10000 + T*s)
//
// The deposit rounds up and the borrow rounds down, so the rebalancer can
// never extract more than the subsidy intends.
//
// Both amounts are zero when the position already sits at target; a
// position above target never reaches this path through QuoteRebalance.
func DepositToReachTarget(collateral, debt *big.Int, targetBps, subsidyBps uint64) (deposit, borrow *big.Int, err error) {
	if err := checkRebalanceInputs(collateral, debt, targetBps); err != nil {
		return nil, nil, err
	}

	target := new(big.Int).SetUint64(targetBps)
	subsidy := new(big.Int).SetUint64(subsidyBps)

	equity := new(big.Int).Sub(collateral, debt)
	num := new(big.Int).Mul(target, equity)
	num.Sub(num, new(big.Int).Mul(oneHundredPercent, collateral))
	if num.Sign() <= 0 {
		return big.NewInt(0), big.NewInt(0), nil
	}

	denom := new(big.Int).Mul(oneHundredPercent, oneHundredPercent)
	denom.Add(denom, new(big.Int).Mul(target, subsidy))

	deposit, err = bigmath.MulDiv(num, oneHundredPercent, denom, bigmath.RoundUp)
	if err != nil {
		return nil, nil, err
	}

	grossBps := new(big.Int).Add(oneHundredPercent, subsidy)
	borrow, err = bigmath.MulDiv(deposit, grossBps, oneHundredPercent, bigmath.RoundDown)
	if err != nil {
		return nil, nil, err
	}
	return deposit, borrow, nil
}

// RepayToReachTarget sizes the decrease-leverage rebalance: repay y debt
// and withdraw x = y * (1 + subsidy) collateral. Mirror derivation:
//
//	y = (10000*C - T*(C-D)) * 10000 / (10000*10000 - s*(T - 10000))
//
// The repay rounds down and the withdraw rounds up; the wei-level edge goes
// to the rebalancer, which is what the subsidy is for.
func RepayToReachTarget(collateral, debt *big.Int, targetBps, subsidyBps uint64) (repay, withdraw *big.Int, err error) {
	if err := checkRebalanceInputs(collateral, debt, targetBps); err != nil {
		return nil, nil, err
	}

	target := new(big.Int).SetUint64(targetBps)
	subsidy := new(big.Int).SetUint64(subsidyBps)

	equity := new(big.Int).Sub(collateral, debt)
	num := new(big.Int).Mul(oneHundredPercent, collateral)
	num.Sub(num, new(big.Int).Mul(target, equity))
	if num.Sign() <= 0 {
		return big.NewInt(0), big.NewInt(0), nil
	}

	overshoot := new(big.Int).Sub(target, oneHundredPercent)
	denom := new(big.Int).Mul(oneHundredPercent, oneHundredPercent)
	denom.Sub(denom, new(big.Int).Mul(subsidy, overshoot))
	if denom.Sign() <= 0 {
		return nil, nil, ErrSubsidyTooLarge
	}

	repay, err = bigmath.MulDiv(num, oneHundredPercent, denom, bigmath.RoundDown)
	if err != nil {
		return nil, nil, err
	}

	grossBps := new(big.Int).Add(oneHundredPercent, subsidy)
	withdraw, err = bigmath.MulDiv(repay, grossBps, oneHundredPercent, bigmath.RoundUp)
	if err != nil {
		return nil, nil, err
	}
	return repay, withdraw, nil
}

// QuoteRebalance decides the rebalance direction and sizes it. Positions
// with no collateral, or already on target, quote zero work. The subsidy
// feeding the sizing is deviation-derived and clamped.
func QuoteRebalance(collateral, debt *big.Int, targetBps, maxSubsidyBps, minDeviationBps uint64) (*types.RebalanceQuote, error) {
	if collateral == nil || debt == nil || collateral.Sign() < 0 || debt.Sign() < 0 {
		return nil, ErrNegativeAmount
	}
	if collateral.Sign() == 0 {
		if debt.Sign() != 0 {
			return nil, ErrCollateralBelowDebt
		}
		return zeroQuote(), nil
	}

	current, err := CurrentLeverageBps(collateral, debt)
	if err != nil {
		return nil, err
	}

	target := new(big.Int).SetUint64(targetBps)
	if current.Cmp(target) == 0 {
		return zeroQuote(), nil
	}

	subsidy, err := SubsidyBps(current, targetBps, maxSubsidyBps, minDeviationBps)
	if err != nil {
		return nil, err
	}

	// Zero-equity positions can only deleverage; the comparison below
	// routes the sentinel there since it exceeds any target.
	if current.Cmp(target) < 0 {
		deposit, borrow, err := DepositToReachTarget(collateral, debt, targetBps, subsidy)
		if err != nil {
			return nil, err
		}
		return &types.RebalanceQuote{
			Direction:           types.DirectionIncrease,
			CollateralDeltaBase: deposit,
			DebtDeltaBase:       borrow,
			SubsidyBps:          subsidy,
		}, nil
	}

	repay, withdraw, err := RepayToReachTarget(collateral, debt, targetBps, subsidy)
	if err != nil {
		return nil, err
	}
	return &types.RebalanceQuote{
		Direction:           types.DirectionDecrease,
		CollateralDeltaBase: withdraw,
		DebtDeltaBase:       repay,
		SubsidyBps:          subsidy,
	}, nil
}

func checkRebalanceInputs(collateral, debt *big.Int, targetBps uint64) error {
	if collateral == nil || debt == nil || collateral.Sign() < 0 || debt.Sign() < 0 {
		return ErrNegativeAmount
	}
	if collateral.Cmp(debt) < 0 {
		return ErrCollateralBelowDebt
	}
	if targetBps <= OneHundredPercentBps {
		return ErrInvalidTarget
	}
	return nil
}

func zeroQuote() *types.RebalanceQuote {
	return &types.RebalanceQuote{
		Direction:           types.DirectionNone,
		CollateralDeltaBase: big.NewInt(0),
		DebtDeltaBase:       big.NewInt(0),
	}
}
