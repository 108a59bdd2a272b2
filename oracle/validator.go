package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	bigmath "github.com/dloop-labs/dloop-engine/utils/math"
)

const (
	// DefaultToleranceBps is the deviation tolerance a fresh validator
	// starts with: 5%.
	DefaultToleranceBps uint64 = 500
	// MaxToleranceBps is the hard ceiling on the configurable tolerance.
	// Governance can loosen the gate, never remove it.
	MaxToleranceBps uint64 = 1000
)

var (
	// ErrDeviationExceeded rejects a swap whose declared minimum output
	// strays too far from the oracle-implied output. Policy rejection.
	ErrDeviationExceeded = errors.New("oracle: output deviates from oracle price")
	// ErrZeroExpectedOutput rejects swaps the oracle prices at zero;
	// there is nothing to validate against.
	ErrZeroExpectedOutput = errors.New("oracle: expected output is zero")
	// ErrToleranceOutOfRange rejects tolerance settings outside (0, max].
	ErrToleranceOutOfRange = errors.New("oracle: tolerance out of range")
)

// DecimalsReader resolves token decimals. *token.Reader satisfies it.
type DecimalsReader interface {
	Decimals(ctx context.Context, token common.Address) (uint8, error)
}

// Validator gates swaps on oracle prices. The check is symmetric: a
// minimum output far above the oracle-implied value is as suspect as one
// far below it, so both directions reject.
type Validator struct {
	feed     PriceFeed
	decimals DecimalsReader
	logger   *zap.Logger

	mu           sync.RWMutex
	toleranceBps uint64

	metrics struct {
		checks     prometheus.Counter
		rejections prometheus.Counter
	}
}

// NewValidator creates a validator with the default tolerance.
func NewValidator(feed PriceFeed, decimals DecimalsReader, logger *zap.Logger) (*Validator, error) {
	if feed == nil {
		return nil, fmt.Errorf("oracle: price feed is required")
	}
	if decimals == nil {
		return nil, fmt.Errorf("oracle: decimals reader is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("oracle: logger is required")
	}

	v := &Validator{
		feed:         feed,
		decimals:     decimals,
		logger:       logger,
		toleranceBps: DefaultToleranceBps,
	}
	v.metrics.checks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dloop",
		Subsystem: "oracle",
		Name:      "validation_checks_total",
		Help:      "Number of oracle deviation checks performed",
	})
	v.metrics.rejections = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dloop",
		Subsystem: "oracle",
		Name:      "validation_rejections_total",
		Help:      "Number of swaps rejected by the oracle deviation gate",
	})
	return v, nil
}

// RegisterMetrics attaches the validator's metrics to a registry.
func (v *Validator) RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{v.metrics.checks, v.metrics.rejections} {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("oracle: failed to register metrics: %w", err)
		}
	}
	return nil
}

// ToleranceBps returns the active deviation tolerance.
func (v *Validator) ToleranceBps() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.toleranceBps
}

// SetToleranceBps updates the tolerance within (0, MaxToleranceBps].
func (v *Validator) SetToleranceBps(bps uint64) error {
	if bps == 0 || bps > MaxToleranceBps {
		return fmt.Errorf("%w: %d bps (max %d)", ErrToleranceOutOfRange, bps, MaxToleranceBps)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.toleranceBps = bps
	return nil
}

// ExpectedOutput computes the oracle-implied output of swapping amountIn:
// amountIn * priceIn * 10^decOut / (priceOut * 10^decIn), floored.
func (v *Validator) ExpectedOutput(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int) (*big.Int, error) {
	priceIn, err := v.feed.AssetPrice(ctx, tokenIn)
	if err != nil {
		return nil, err
	}
	priceOut, err := v.feed.AssetPrice(ctx, tokenOut)
	if err != nil {
		return nil, err
	}
	decIn, err := v.decimals.Decimals(ctx, tokenIn)
	if err != nil {
		return nil, err
	}
	decOut, err := v.decimals.Decimals(ctx, tokenOut)
	if err != nil {
		return nil, err
	}

	valueIn := new(big.Int).Mul(amountIn, priceIn)
	denom := new(big.Int).Mul(priceOut, bigmath.PowTen(decIn))
	return bigmath.MulDiv(valueIn, bigmath.PowTen(decOut), denom, bigmath.RoundDown)
}

// ValidateSwapOutput runs the deviation gate ahead of a swap. It compares
// the caller's declared minimum output against the oracle-implied output
// and rejects when |expected - minOut| exceeds the tolerance.
func (v *Validator) ValidateSwapOutput(ctx context.Context, tokenIn, tokenOut common.Address, amountIn, minAmountOut *big.Int) error {
	v.metrics.checks.Inc()

	if amountIn == nil || amountIn.Sign() <= 0 || minAmountOut == nil || minAmountOut.Sign() < 0 {
		v.metrics.rejections.Inc()
		return fmt.Errorf("%w: non-positive swap amounts", ErrDeviationExceeded)
	}

	expected, err := v.ExpectedOutput(ctx, tokenIn, tokenOut, amountIn)
	if err != nil {
		return err
	}
	if expected.Sign() == 0 {
		v.metrics.rejections.Inc()
		return ErrZeroExpectedOutput
	}

	deviation := bigmath.AbsDiff(expected, minAmountOut)
	deviationBps, err := bigmath.MulDiv(deviation, new(big.Int).SetUint64(10_000), expected, bigmath.RoundDown)
	if err != nil {
		return err
	}

	tolerance := v.ToleranceBps()
	if deviationBps.Cmp(new(big.Int).SetUint64(tolerance)) > 0 {
		v.metrics.rejections.Inc()
		v.logger.Warn("Swap rejected by oracle deviation gate",
			zap.String("token_in", tokenIn.Hex()),
			zap.String("token_out", tokenOut.Hex()),
			zap.String("expected_out", expected.String()),
			zap.String("min_out", minAmountOut.String()),
			zap.String("deviation_bps", deviationBps.String()),
			zap.Uint64("tolerance_bps", tolerance))
		return fmt.Errorf("%w: %s bps exceeds %d bps tolerance", ErrDeviationExceeded, deviationBps.String(), tolerance)
	}
	return nil
}
