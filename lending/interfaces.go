// Package lending defines the lending-market capability the engine runs
// against and wraps it with authoritative balance-delta verification.
package lending

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/dloop-labs/dloop-engine/types"
)

// Pool is the minimum lending-market surface the engine requires. Return
// values from implementations are advisory; the Manager confirms every
// mutation by measuring token balance deltas.
type Pool interface {
	// Supply deposits amount of asset as collateral for onBehalfOf.
	Supply(ctx context.Context, asset common.Address, amount *big.Int, onBehalfOf common.Address) error

	// Borrow draws amount of asset against onBehalfOf's collateral.
	Borrow(ctx context.Context, asset common.Address, amount *big.Int, onBehalfOf common.Address) error

	// Repay pays down onBehalfOf's debt in asset.
	Repay(ctx context.Context, asset common.Address, amount *big.Int, onBehalfOf common.Address) error

	// Withdraw removes amount of supplied asset to the caller.
	Withdraw(ctx context.Context, asset common.Address, amount *big.Int, to common.Address) error

	// AccountData reads the account's aggregate position in base currency.
	AccountData(ctx context.Context, account common.Address) (*AccountData, error)

	// String names the pool for logs and metrics.
	String() string
}

// AccountData mirrors the aggregate account view an Aave-compatible pool
// reports. Ratios are bps, the health factor is an 18-decimal fixed point.
type AccountData struct {
	TotalCollateralBase         *big.Int
	TotalDebtBase               *big.Int
	AvailableBorrowsBase        *big.Int
	CurrentLiquidationThreshold *big.Int
	LTV                         *big.Int
	HealthFactor                *big.Int
}

// Position projects the account data onto the engine's position type.
func (a *AccountData) Position() *types.Position {
	return &types.Position{
		Collateral: new(big.Int).Set(a.TotalCollateralBase),
		Debt:       new(big.Int).Set(a.TotalDebtBase),
	}
}
