package gas

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/dloop-labs/dloop-engine/types"
)

const (
	// baseTxCost is the intrinsic cost of any transaction.
	baseTxCost = uint64(21_000)
	// costPerPoolOp approximates one lending pool operation (supply,
	// borrow, repay or withdraw): interest accrual, health check and
	// the token transfer.
	costPerPoolOp = uint64(250_000)
	// costPerSwapLeg approximates one routed swap leg through an
	// aggregator or PT market.
	costPerSwapLeg = uint64(400_000)
)

// ErrNoGasData is returned before the first successful price refresh.
var ErrNoGasData = errors.New("gas: no gas price data yet")

// Client is the node surface the estimator polls. *ethclient.Client
// satisfies it.
type Client interface {
	BlockByNumber(ctx context.Context, number *big.Int) (*ethtypes.Block, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
}

// Estimator tracks the chain's base fee and priority fee on a fixed
// cadence and prices planned rebalances from the cached values.
type Estimator struct {
	client       Client
	logger       *zap.Logger
	baseFee      *big.Int
	priorityFee  *big.Int
	mu           sync.RWMutex
	updateTicker *time.Ticker
	done         chan struct{}
}

// NewEstimator creates a gas estimator and starts its refresh loop. The
// first refresh runs synchronously; a failure there is logged and the
// estimator stays empty until the loop succeeds.
func NewEstimator(client Client, logger *zap.Logger) *Estimator {
	e := &Estimator{
		client:       client,
		logger:       logger,
		updateTicker: time.NewTicker(15 * time.Second),
		done:         make(chan struct{}),
	}
	if err := e.update(); err != nil {
		e.logger.Warn("Initial gas price refresh failed", zap.Error(err))
	}
	go e.updateLoop()
	return e
}

// updateLoop continuously updates gas prices
func (e *Estimator) updateLoop() {
	for {
		select {
		case <-e.done:
			return
		case <-e.updateTicker.C:
			if err := e.update(); err != nil {
				e.logger.Error("Failed to update gas prices", zap.Error(err))
			}
		}
	}
}

// update fetches latest gas prices
func (e *Estimator) update() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	block, err := e.client.BlockByNumber(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to get latest block: %w", err)
	}
	baseFee := block.BaseFee()
	if baseFee == nil {
		return fmt.Errorf("latest block %d carries no base fee", block.NumberU64())
	}

	priorityFee, err := e.client.SuggestGasTipCap(ctx)
	if err != nil {
		return fmt.Errorf("failed to get priority fee: %w", err)
	}

	e.mu.Lock()
	e.baseFee = baseFee
	e.priorityFee = priorityFee
	e.mu.Unlock()

	return nil
}

// gasPrice returns the cached base fee plus tip.
func (e *Estimator) gasPrice() (*big.Int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.baseFee == nil || e.priorityFee == nil {
		return nil, ErrNoGasData
	}
	return new(big.Int).Add(e.baseFee, e.priorityFee), nil
}

// EstimateGasCost prices a transaction of the given gas limit in wei.
func (e *Estimator) EstimateGasCost(gasLimit uint64) (*big.Int, error) {
	price, err := e.gasPrice()
	if err != nil {
		return nil, err
	}
	return price.Mul(price, new(big.Int).SetUint64(gasLimit)), nil
}

// RebalanceGasUnits sizes a rebalance in gas units: both directions pay
// for two pool legs (supply+borrow or repay+withdraw) plus the swap
// legs that close the loop.
func (e *Estimator) RebalanceGasUnits(direction types.Direction, swapLegs int) uint64 {
	if direction == types.DirectionNone {
		return 0
	}
	if swapLegs < 0 {
		swapLegs = 0
	}
	return baseTxCost + 2*costPerPoolOp + uint64(swapLegs)*costPerSwapLeg
}

// EstimateRebalanceGas prices a planned rebalance in wei from the cached
// gas prices.
func (e *Estimator) EstimateRebalanceGas(direction types.Direction, swapLegs int) (*big.Int, error) {
	units := e.RebalanceGasUnits(direction, swapLegs)
	if units == 0 {
		return big.NewInt(0), nil
	}
	return e.EstimateGasCost(units)
}

// Stop stops the gas price updates
func (e *Estimator) Stop() {
	e.updateTicker.Stop()
	close(e.done)
}
