package vault_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dloop-labs/dloop-engine/swap"
	"github.com/dloop-labs/dloop-engine/types"
	"github.com/dloop-labs/dloop-engine/vault"
)

// fakeLending serves a fixed position and records every pool leg in call
// order.
type fakeLending struct {
	position *types.Position
	calls    []string
	amounts  map[string]*big.Int
	fail     map[string]error
}

func newFakeLending(collateral, debt int64) *fakeLending {
	return &fakeLending{
		position: &types.Position{
			Collateral: big.NewInt(collateral),
			Debt:       big.NewInt(debt),
		},
		amounts: make(map[string]*big.Int),
		fail:    make(map[string]error),
	}
}

func (l *fakeLending) leg(op string, amount *big.Int) error {
	if err := l.fail[op]; err != nil {
		return err
	}
	l.calls = append(l.calls, op)
	l.amounts[op] = new(big.Int).Set(amount)
	return nil
}

func (l *fakeLending) Supply(_ context.Context, _ common.Address, amount *big.Int) error {
	return l.leg("supply", amount)
}

func (l *fakeLending) Borrow(_ context.Context, _ common.Address, amount *big.Int) error {
	return l.leg("borrow", amount)
}

func (l *fakeLending) Repay(_ context.Context, _ common.Address, amount *big.Int) error {
	return l.leg("repay", amount)
}

func (l *fakeLending) Withdraw(_ context.Context, _ common.Address, amount *big.Int) error {
	return l.leg("withdraw", amount)
}

func (l *fakeLending) Position(_ context.Context) (*types.Position, error) {
	if err := l.fail["position"]; err != nil {
		return nil, err
	}
	return l.position, nil
}

// fakeSwapper records the swap it was asked to run and reports the
// minimum as the measured output.
type fakeSwapper struct {
	params *swap.Params
	fail   error
}

func (s *fakeSwapper) ExecuteSwap(_ context.Context, p swap.Params) (*swap.Result, error) {
	if s.fail != nil {
		return nil, s.fail
	}
	s.params = &p
	return &swap.Result{
		Type:      swap.TypeRegular,
		AmountOut: new(big.Int).Set(p.MinAmountOut),
	}, nil
}

// fakeOracle prices every pair at 2:1 with a 500 bps tolerance.
type fakeOracle struct{}

func (fakeOracle) ExpectedOutput(_ context.Context, _, _ common.Address, amountIn *big.Int) (*big.Int, error) {
	return new(big.Int).Mul(amountIn, big.NewInt(2)), nil
}

func (fakeOracle) ToleranceBps() uint64 { return 500 }

// fakeFeed prices every asset at one base unit per token; with zero
// decimals the token and base amounts coincide.
type fakeFeed struct{}

func (fakeFeed) AssetPrice(_ context.Context, _ common.Address) (*big.Int, error) {
	return big.NewInt(1), nil
}

type fakeMeta struct{}

func (fakeMeta) Decimals(_ context.Context, _ common.Address) (uint8, error) { return 0, nil }

type fakeGas struct{}

func (fakeGas) EstimateRebalanceGas(_ types.Direction, _ int) (*big.Int, error) {
	return big.NewInt(77_777), nil
}

type rebalancerHarness struct {
	rebalancer *vault.Rebalancer
	lending    *fakeLending
	swapper    *fakeSwapper
	vault      vault.Vault
}

func newRebalancerHarness(t *testing.T, collateral, debt int64) *rebalancerHarness {
	t.Helper()
	v := validVault()
	lending := newFakeLending(collateral, debt)
	swapper := &fakeSwapper{}
	r, err := vault.NewRebalancer(vault.RebalancerConfig{
		Vault:   v,
		Lending: lending,
		Swapper: swapper,
		Oracle:  fakeOracle{},
		Feed:    fakeFeed{},
		Tokens:  fakeMeta{},
		Gas:     fakeGas{},
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return &rebalancerHarness{rebalancer: r, lending: lending, swapper: swapper, vault: v}
}

func TestNewRebalancerValidation(t *testing.T) {
	logger := zaptest.NewLogger(t)

	_, err := vault.NewRebalancer(vault.RebalancerConfig{Vault: vault.Vault{}}, logger)
	assert.Error(t, err)

	cfg := vault.RebalancerConfig{
		Vault:   validVault(),
		Swapper: &fakeSwapper{},
		Oracle:  fakeOracle{},
		Feed:    fakeFeed{},
		Tokens:  fakeMeta{},
		Gas:     fakeGas{},
	}
	_, err = vault.NewRebalancer(cfg, logger)
	assert.ErrorContains(t, err, "lending manager")

	cfg.Lending = newFakeLending(0, 0)
	_, err = vault.NewRebalancer(cfg, nil)
	assert.ErrorContains(t, err, "logger")

	_, err = vault.NewRebalancer(cfg, logger)
	assert.NoError(t, err)
}

func TestPlanRebalanceInsideBounds(t *testing.T) {
	// 300/200 is exactly 3x: nothing to do.
	h := newRebalancerHarness(t, 300, 200)
	plan, err := h.rebalancer.PlanRebalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.DirectionNone, plan.Direction)
	assert.Equal(t, "30000", plan.CurrentLeverageBps.String())

	should, _, err := h.rebalancer.ShouldRebalance(context.Background())
	require.NoError(t, err)
	assert.False(t, should)
}

func TestPlanRebalanceEmptyPosition(t *testing.T) {
	h := newRebalancerHarness(t, 0, 0)
	plan, err := h.rebalancer.PlanRebalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.DirectionNone, plan.Direction)
}

func TestPlanRebalanceIncrease(t *testing.T) {
	// 200/100 is 2x, below the 2.5x lower bound.
	h := newRebalancerHarness(t, 200, 100)
	plan, err := h.rebalancer.PlanRebalance(context.Background())
	require.NoError(t, err)

	assert.Equal(t, types.DirectionIncrease, plan.Direction)
	assert.Equal(t, "20000", plan.CurrentLeverageBps.String())
	assert.Positive(t, plan.CollateralTokens.Sign())
	assert.Positive(t, plan.DebtTokens.Sign())

	// Increasing leverage swaps borrowed debt into collateral.
	assert.Equal(t, h.vault.DebtAsset, plan.SwapIn)
	assert.Equal(t, h.vault.CollateralAsset, plan.SwapOut)
	assert.Equal(t, plan.DebtTokens, plan.SwapAmountIn)

	// The floor is the oracle-implied output shaved by the tolerance:
	// amountIn * 2 * 9500 / 10000.
	wantMin := new(big.Int).Mul(plan.SwapAmountIn, big.NewInt(2))
	wantMin.Mul(wantMin, big.NewInt(9_500))
	wantMin.Div(wantMin, big.NewInt(10_000))
	assert.Equal(t, wantMin, plan.MinSwapOutput)
	assert.Equal(t, "77777", plan.GasCostWei.String())
}

func TestPlanRebalanceDecrease(t *testing.T) {
	// 300/220 is 3.75x, above the 3.5x upper bound.
	h := newRebalancerHarness(t, 300, 220)
	plan, err := h.rebalancer.PlanRebalance(context.Background())
	require.NoError(t, err)

	assert.Equal(t, types.DirectionDecrease, plan.Direction)
	assert.Equal(t, "37500", plan.CurrentLeverageBps.String())

	// Decreasing leverage swaps withdrawn collateral back into debt.
	assert.Equal(t, h.vault.CollateralAsset, plan.SwapIn)
	assert.Equal(t, h.vault.DebtAsset, plan.SwapOut)
	assert.Equal(t, plan.CollateralTokens, plan.SwapAmountIn)
}

func TestPlanRebalanceClampsToPosition(t *testing.T) {
	// Zero equity reports the infinite-leverage sentinel; the quote wants
	// to unwind more than exists and must be clamped to the live position.
	h := newRebalancerHarness(t, 100, 100)
	plan, err := h.rebalancer.PlanRebalance(context.Background())
	require.NoError(t, err)

	require.Equal(t, types.DirectionDecrease, plan.Direction)
	assert.True(t, plan.DebtTokens.Cmp(big.NewInt(100)) <= 0)
	assert.True(t, plan.CollateralTokens.Cmp(big.NewInt(100)) <= 0)
}

func TestPlanRebalancePositionError(t *testing.T) {
	h := newRebalancerHarness(t, 200, 100)
	h.lending.fail["position"] = errBoom
	_, err := h.rebalancer.PlanRebalance(context.Background())
	assert.ErrorIs(t, err, errBoom)
}

func TestExecuteIncreaseLegOrder(t *testing.T) {
	h := newRebalancerHarness(t, 200, 100)
	plan, err := h.rebalancer.PlanRebalance(context.Background())
	require.NoError(t, err)

	require.NoError(t, h.rebalancer.Execute(context.Background(), plan, swap.PTSwapData{}))
	assert.Equal(t, []string{"supply", "borrow"}, h.lending.calls)
	assert.Equal(t, plan.CollateralTokens, h.lending.amounts["supply"])
	assert.Equal(t, plan.DebtTokens, h.lending.amounts["borrow"])

	require.NotNil(t, h.swapper.params)
	assert.Equal(t, plan.SwapAmountIn, h.swapper.params.AmountIn)
	assert.Equal(t, plan.MinSwapOutput, h.swapper.params.MinAmountOut)
}

func TestExecuteDecreaseLegOrder(t *testing.T) {
	h := newRebalancerHarness(t, 300, 220)
	plan, err := h.rebalancer.PlanRebalance(context.Background())
	require.NoError(t, err)

	require.NoError(t, h.rebalancer.Execute(context.Background(), plan, swap.PTSwapData{}))
	assert.Equal(t, []string{"repay", "withdraw"}, h.lending.calls)
}

func TestExecuteRejectsEmptyPlan(t *testing.T) {
	h := newRebalancerHarness(t, 300, 200)
	err := h.rebalancer.Execute(context.Background(), nil, swap.PTSwapData{})
	assert.ErrorIs(t, err, vault.ErrNoRebalancePlanned)

	plan, err := h.rebalancer.PlanRebalance(context.Background())
	require.NoError(t, err)
	err = h.rebalancer.Execute(context.Background(), plan, swap.PTSwapData{})
	assert.ErrorIs(t, err, vault.ErrNoRebalancePlanned)
}

func TestExecuteAbortsOnFailedLeg(t *testing.T) {
	h := newRebalancerHarness(t, 200, 100)
	plan, err := h.rebalancer.PlanRebalance(context.Background())
	require.NoError(t, err)

	h.lending.fail["borrow"] = errBoom
	err = h.rebalancer.Execute(context.Background(), plan, swap.PTSwapData{})
	assert.ErrorIs(t, err, errBoom)
	// The supply leg ran, the borrow did not, and no swap was attempted.
	assert.Equal(t, []string{"supply"}, h.lending.calls)
	assert.Nil(t, h.swapper.params)
}

func TestExecuteSwapFailure(t *testing.T) {
	h := newRebalancerHarness(t, 200, 100)
	plan, err := h.rebalancer.PlanRebalance(context.Background())
	require.NoError(t, err)

	h.swapper.fail = errBoom
	err = h.rebalancer.Execute(context.Background(), plan, swap.PTSwapData{})
	assert.ErrorIs(t, err, errBoom)
}

func TestRebalancerRegisterMetrics(t *testing.T) {
	h := newRebalancerHarness(t, 300, 200)
	require.NoError(t, h.rebalancer.RegisterMetrics(prometheus.NewRegistry()))
}
