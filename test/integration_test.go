package test

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gopkg.in/yaml.v2"

	"github.com/dloop-labs/dloop-engine/leverage"
	"github.com/dloop-labs/dloop-engine/swap"
	"github.com/dloop-labs/dloop-engine/types"
	"github.com/dloop-labs/dloop-engine/utils/testutils"
	"github.com/dloop-labs/dloop-engine/vault"
)

// The scenarios drive the whole planning and execution path: leverage
// math sizes the rebalance, the rebalancer converts it to token legs,
// the keeper executes them against a simulated pool, and the resulting
// position must land back inside the vault's leverage band. Prices are
// one base unit per token with zero decimals, so token and base amounts
// coincide and the arithmetic stays inspectable.
const scenariosYAML = `
vault:
  name: weth-3x
  target_leverage_bps: 30000
  lower_bound_bps: 25000
  upper_bound_bps: 35000
  max_subsidy_bps: 100
  min_deviation_bps: 10
scenarios:
  - name: underleveraged
    collateral: 200000
    debt: 100000
    direction: increase
  - name: overleveraged
    collateral: 300000
    debt: 220000
    direction: decrease
  - name: at_target
    collateral: 300000
    debt: 200000
    direction: none
  - name: just_inside_lower_bound
    collateral: 250000
    debt: 150000
    direction: none
  - name: just_outside_lower_bound
    collateral: 250000
    debt: 149000
    direction: increase
  - name: deeply_underleveraged
    collateral: 110000
    debt: 10000
    direction: increase
`

type scenarioFile struct {
	Vault struct {
		Name              string `yaml:"name"`
		TargetLeverageBps uint64 `yaml:"target_leverage_bps"`
		LowerBoundBps     uint64 `yaml:"lower_bound_bps"`
		UpperBoundBps     uint64 `yaml:"upper_bound_bps"`
		MaxSubsidyBps     uint64 `yaml:"max_subsidy_bps"`
		MinDeviationBps   uint64 `yaml:"min_deviation_bps"`
	} `yaml:"vault"`
	Scenarios []struct {
		Name       string `yaml:"name"`
		Collateral int64  `yaml:"collateral"`
		Debt       int64  `yaml:"debt"`
		Direction  string `yaml:"direction"`
	} `yaml:"scenarios"`
}

// simulatedPool applies pool legs to a live position the way a
// well-behaved lending market would.
type simulatedPool struct {
	collateral *big.Int
	debt       *big.Int
}

func (p *simulatedPool) Supply(_ context.Context, _ common.Address, amount *big.Int) error {
	p.collateral.Add(p.collateral, amount)
	return nil
}

func (p *simulatedPool) Borrow(_ context.Context, _ common.Address, amount *big.Int) error {
	p.debt.Add(p.debt, amount)
	return nil
}

func (p *simulatedPool) Repay(_ context.Context, _ common.Address, amount *big.Int) error {
	p.debt.Sub(p.debt, amount)
	return nil
}

func (p *simulatedPool) Withdraw(_ context.Context, _ common.Address, amount *big.Int) error {
	p.collateral.Sub(p.collateral, amount)
	return nil
}

func (p *simulatedPool) Position(_ context.Context) (*types.Position, error) {
	return &types.Position{
		Collateral: new(big.Int).Set(p.collateral),
		Debt:       new(big.Int).Set(p.debt),
	}, nil
}

type passthroughSwapper struct{}

func (passthroughSwapper) ExecuteSwap(_ context.Context, p swap.Params) (*swap.Result, error) {
	return &swap.Result{Type: swap.TypeRegular, AmountOut: new(big.Int).Set(p.MinAmountOut)}, nil
}

type parOracle struct{}

func (parOracle) ExpectedOutput(_ context.Context, _, _ common.Address, amountIn *big.Int) (*big.Int, error) {
	return new(big.Int).Set(amountIn), nil
}

func (parOracle) ToleranceBps() uint64 { return 500 }

type unitFeed struct{}

func (unitFeed) AssetPrice(_ context.Context, _ common.Address) (*big.Int, error) {
	return big.NewInt(1), nil
}

type zeroDecimals struct{}

func (zeroDecimals) Decimals(_ context.Context, _ common.Address) (uint8, error) { return 0, nil }

type flatGas struct{}

func (flatGas) EstimateRebalanceGas(_ types.Direction, _ int) (*big.Int, error) {
	return big.NewInt(1_000_000), nil
}

type staticSwapData struct{}

func (staticSwapData) BuildSwapData(_ context.Context, _, _ common.Address, _ *big.Int, _ common.Address) (swap.PTSwapData, error) {
	return swap.PTSwapData{OdosCalldata: []byte{0x01}}, nil
}

func TestKeeperRebalancesScenarios(t *testing.T) {
	var file scenarioFile
	require.NoError(t, yaml.Unmarshal([]byte(scenariosYAML), &file))
	require.NotEmpty(t, file.Scenarios)

	for _, sc := range file.Scenarios {
		t.Run(sc.Name, func(t *testing.T) {
			pool := &simulatedPool{
				collateral: big.NewInt(sc.Collateral),
				debt:       big.NewInt(sc.Debt),
			}
			v := vault.Vault{
				Name:              file.Vault.Name,
				CollateralAsset:   testutils.RandomAddress(t),
				DebtAsset:         testutils.RandomAddress(t),
				TargetLeverageBps: file.Vault.TargetLeverageBps,
				LowerBoundBps:     file.Vault.LowerBoundBps,
				UpperBoundBps:     file.Vault.UpperBoundBps,
				MaxSubsidyBps:     file.Vault.MaxSubsidyBps,
				MinDeviationBps:   file.Vault.MinDeviationBps,
			}
			r, err := vault.NewRebalancer(vault.RebalancerConfig{
				Vault:   v,
				Lending: pool,
				Swapper: passthroughSwapper{},
				Oracle:  parOracle{},
				Feed:    unitFeed{},
				Tokens:  zeroDecimals{},
				Gas:     flatGas{},
			}, zaptest.NewLogger(t))
			require.NoError(t, err)

			plan, err := r.PlanRebalance(context.Background())
			require.NoError(t, err)
			assert.Equal(t, sc.Direction, plan.Direction.String())

			k, err := vault.NewKeeper([]*vault.Rebalancer{r}, staticSwapData{}, testutils.RandomAddress(t), vault.KeeperConfig{}, zaptest.NewLogger(t))
			require.NoError(t, err)
			k.Tick(context.Background())
			require.True(t, k.Healthy())

			if sc.Direction == "none" {
				assert.Equal(t, sc.Collateral, pool.collateral.Int64())
				assert.Equal(t, sc.Debt, pool.debt.Int64())
				return
			}

			// The executed rebalance must land the position back inside
			// the leverage band.
			after, err := leverage.CurrentLeverageBps(pool.collateral, pool.debt)
			require.NoError(t, err)
			assert.True(t, after.Cmp(new(big.Int).SetUint64(v.LowerBoundBps)) >= 0,
				"leverage %s below lower bound after rebalance", after)
			assert.True(t, after.Cmp(new(big.Int).SetUint64(v.UpperBoundBps)) <= 0,
				"leverage %s above upper bound after rebalance", after)

			// A second sweep finds nothing left to do.
			replan, err := r.PlanRebalance(context.Background())
			require.NoError(t, err)
			assert.Equal(t, types.DirectionNone, replan.Direction)
		})
	}
}
