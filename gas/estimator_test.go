package gas

import (
	"context"
	"errors"
	"math/big"
	"testing"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dloop-labs/dloop-engine/types"
)

type fakeClient struct {
	baseFee *big.Int
	tip     *big.Int
	err     error
}

func (f *fakeClient) BlockByNumber(ctx context.Context, number *big.Int) (*ethtypes.Block, error) {
	if f.err != nil {
		return nil, f.err
	}
	header := &ethtypes.Header{
		Number:  big.NewInt(100),
		BaseFee: f.baseFee,
	}
	return ethtypes.NewBlockWithHeader(header), nil
}

func (f *fakeClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.tip, nil
}

func TestEstimator(t *testing.T) {
	client := &fakeClient{
		baseFee: big.NewInt(20_000_000_000), // 20 gwei
		tip:     big.NewInt(2_000_000_000),  // 2 gwei
	}
	e := NewEstimator(client, zaptest.NewLogger(t))
	defer e.Stop()

	t.Run("GasCost", func(t *testing.T) {
		cost, err := e.EstimateGasCost(21_000)
		require.NoError(t, err)
		// 22 gwei * 21000
		assert.Equal(t, "462000000000000", cost.String())
	})

	t.Run("RebalanceUnits", func(t *testing.T) {
		assert.Equal(t, uint64(0), e.RebalanceGasUnits(types.DirectionNone, 1))

		units := e.RebalanceGasUnits(types.DirectionIncrease, 1)
		assert.Equal(t, baseTxCost+2*costPerPoolOp+costPerSwapLeg, units)

		// Negative leg counts clamp to zero swap legs.
		assert.Equal(t, baseTxCost+2*costPerPoolOp, e.RebalanceGasUnits(types.DirectionDecrease, -1))
	})

	t.Run("RebalanceCost", func(t *testing.T) {
		cost, err := e.EstimateRebalanceGas(types.DirectionIncrease, 1)
		require.NoError(t, err)

		units := new(big.Int).SetUint64(baseTxCost + 2*costPerPoolOp + costPerSwapLeg)
		want := new(big.Int).Mul(big.NewInt(22_000_000_000), units)
		assert.Equal(t, want.String(), cost.String())

		cost, err = e.EstimateRebalanceGas(types.DirectionNone, 1)
		require.NoError(t, err)
		assert.Zero(t, cost.Sign())
	})
}

func TestEstimatorNoData(t *testing.T) {
	client := &fakeClient{err: errors.New("node down")}
	e := NewEstimator(client, zaptest.NewLogger(t))
	defer e.Stop()

	_, err := e.EstimateGasCost(21_000)
	assert.ErrorIs(t, err, ErrNoGasData)

	_, err = e.EstimateRebalanceGas(types.DirectionDecrease, 1)
	assert.ErrorIs(t, err, ErrNoGasData)
}

func TestEstimatorPreLondonBlock(t *testing.T) {
	// A chain without EIP-1559 reports no base fee; the refresh must
	// fail rather than cache a partial price.
	client := &fakeClient{tip: big.NewInt(1)}
	e := NewEstimator(client, zaptest.NewLogger(t))
	defer e.Stop()

	_, err := e.EstimateGasCost(21_000)
	assert.ErrorIs(t, err, ErrNoGasData)
}
