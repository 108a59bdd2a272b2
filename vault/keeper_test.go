package vault_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dloop-labs/dloop-engine/swap"
	"github.com/dloop-labs/dloop-engine/utils/testutils"
	"github.com/dloop-labs/dloop-engine/vault"
)

// fakeSwapData hands out empty aggregator calldata and counts requests.
type fakeSwapData struct {
	builds int
	fail   error
}

func (f *fakeSwapData) BuildSwapData(_ context.Context, _, _ common.Address, _ *big.Int, _ common.Address) (swap.PTSwapData, error) {
	if f.fail != nil {
		return swap.PTSwapData{}, f.fail
	}
	f.builds++
	return swap.PTSwapData{OdosCalldata: []byte{0x01}}, nil
}

type keeperHarness struct {
	keeper   *vault.Keeper
	lending  *fakeLending
	swapper  *fakeSwapper
	swapData *fakeSwapData
}

func newKeeperHarness(t *testing.T, collateral, debt int64, cfg vault.KeeperConfig) *keeperHarness {
	t.Helper()
	rh := newRebalancerHarness(t, collateral, debt)
	source := &fakeSwapData{}
	k, err := vault.NewKeeper([]*vault.Rebalancer{rh.rebalancer}, source, testutils.RandomAddress(t), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return &keeperHarness{keeper: k, lending: rh.lending, swapper: rh.swapper, swapData: source}
}

func TestNewKeeperValidation(t *testing.T) {
	logger := zaptest.NewLogger(t)
	rh := newRebalancerHarness(t, 300, 200)
	account := testutils.RandomAddress(t)

	_, err := vault.NewKeeper(nil, &fakeSwapData{}, account, vault.KeeperConfig{}, logger)
	assert.ErrorContains(t, err, "rebalancer")

	_, err = vault.NewKeeper([]*vault.Rebalancer{rh.rebalancer}, nil, account, vault.KeeperConfig{}, logger)
	assert.ErrorContains(t, err, "swap data source")

	// Dry-run mode never builds swap data, so the source is optional.
	_, err = vault.NewKeeper([]*vault.Rebalancer{rh.rebalancer}, nil, account, vault.KeeperConfig{DryRun: true}, logger)
	assert.NoError(t, err)

	_, err = vault.NewKeeper([]*vault.Rebalancer{rh.rebalancer}, &fakeSwapData{}, common.Address{}, vault.KeeperConfig{}, logger)
	assert.ErrorContains(t, err, "account")
}

func TestKeeperTickExecutes(t *testing.T) {
	h := newKeeperHarness(t, 200, 100, vault.KeeperConfig{})
	h.keeper.Tick(context.Background())

	assert.Equal(t, 1, h.swapData.builds)
	assert.Equal(t, []string{"supply", "borrow"}, h.lending.calls)
	require.NotNil(t, h.swapper.params)
	assert.Equal(t, []byte{0x01}, h.swapper.params.Data.OdosCalldata)
	assert.True(t, h.keeper.Healthy())
}

func TestKeeperTickSkipsBalancedVault(t *testing.T) {
	h := newKeeperHarness(t, 300, 200, vault.KeeperConfig{})
	h.keeper.Tick(context.Background())

	assert.Zero(t, h.swapData.builds)
	assert.Empty(t, h.lending.calls)
}

func TestKeeperDryRunWithholdsExecution(t *testing.T) {
	h := newKeeperHarness(t, 200, 100, vault.KeeperConfig{DryRun: true})
	h.keeper.Tick(context.Background())

	assert.Zero(t, h.swapData.builds)
	assert.Empty(t, h.lending.calls)
	assert.Nil(t, h.swapper.params)
}

func TestKeeperBreakerTripsOnFailureStreak(t *testing.T) {
	h := newKeeperHarness(t, 200, 100, vault.KeeperConfig{
		Breaker: vault.BreakerConfig{
			ErrorThreshold: 2,
			ResetInterval:  time.Minute,
			CooldownPeriod: time.Minute,
		},
	})
	h.lending.fail["position"] = errBoom

	h.keeper.Tick(context.Background())
	assert.True(t, h.keeper.Healthy())
	h.keeper.Tick(context.Background())
	assert.False(t, h.keeper.Healthy())

	// With the breaker open the vault is skipped entirely, even once the
	// underlying fault clears.
	delete(h.lending.fail, "position")
	h.keeper.Tick(context.Background())
	assert.Zero(t, h.swapData.builds)
}

func TestKeeperSwapDataFailureCountsAgainstBreaker(t *testing.T) {
	h := newKeeperHarness(t, 200, 100, vault.KeeperConfig{
		Breaker: vault.BreakerConfig{
			ErrorThreshold: 1,
			ResetInterval:  time.Minute,
			CooldownPeriod: time.Minute,
		},
	})
	h.swapData.fail = errBoom

	h.keeper.Tick(context.Background())
	assert.False(t, h.keeper.Healthy())
	assert.Empty(t, h.lending.calls)
}

func TestKeeperRunStopsOnCancel(t *testing.T) {
	h := newKeeperHarness(t, 300, 200, vault.KeeperConfig{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.keeper.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("keeper did not stop")
	}
}

func TestKeeperRegisterMetrics(t *testing.T) {
	h := newKeeperHarness(t, 300, 200, vault.KeeperConfig{})
	require.NoError(t, h.keeper.RegisterMetrics(prometheus.NewRegistry()))
}
