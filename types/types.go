package types

import (
	"math/big"
)

// Direction indicates which way a rebalance moves leverage.
type Direction int8

const (
	// DirectionNone means the position is already at target.
	DirectionNone Direction = 0
	// DirectionIncrease means leverage is below target: deposit and borrow.
	DirectionIncrease Direction = 1
	// DirectionDecrease means leverage is above target: repay and withdraw.
	DirectionDecrease Direction = -1
)

func (d Direction) String() string {
	switch d {
	case DirectionIncrease:
		return "increase"
	case DirectionDecrease:
		return "decrease"
	default:
		return "none"
	}
}

// Position is a vault's lending-pool position denominated in the oracle
// base currency.
type Position struct {
	Collateral *big.Int
	Debt       *big.Int
}

// RebalanceQuote sizes the operations that bring a position back to its
// target leverage. Amounts are in base currency units.
//
// For DirectionIncrease, CollateralDeltaBase is the collateral to deposit
// and DebtDeltaBase the debt to borrow. For DirectionDecrease,
// DebtDeltaBase is the debt to repay and CollateralDeltaBase the
// collateral to withdraw.
type RebalanceQuote struct {
	Direction           Direction
	CollateralDeltaBase *big.Int
	DebtDeltaBase       *big.Int
	SubsidyBps          uint64
}

// IsZero reports whether the quote carries no work.
func (q *RebalanceQuote) IsZero() bool {
	return q == nil || q.Direction == DirectionNone
}
