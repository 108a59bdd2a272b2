package swap

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dloop-labs/dloop-engine/token"
)

// ErrInvalidAmount rejects zero or negative swap amounts.
var ErrInvalidAmount = errors.New("swap: amounts must be positive")

// Venue executes opaque pre-computed calldata against its router.
// swap/odos and swap/pendle provide the two implementations.
type Venue interface {
	Name() string
	RouterAddress() common.Address
	Execute(ctx context.Context, calldata []byte) error
}

// OracleGate validates declared swap amounts against oracle prices. It
// runs strictly before any venue is called.
type OracleGate interface {
	ValidateSwapOutput(ctx context.Context, tokenIn, tokenOut common.Address, amountIn, minAmountOut *big.Int) error
}

// ExecutorConfig lists the executor's collaborators.
type ExecutorConfig struct {
	Classifier *Classifier
	Oracle     OracleGate
	Tokens     *token.Reader
	Aggregator Venue
	PTMarket   Venue
	// Account is the operating account whose balances settle every leg.
	Account common.Address
}

// Executor runs the per-swap state machine: classify, validate, gate on
// the oracle, dispatch legs, measure deltas, enforce the caller minimum.
// Each call is single-pass; any failed stage fails the whole swap.
type Executor struct {
	classifier *Classifier
	gate       OracleGate
	tokens     *token.Reader
	aggregator Venue
	ptMarket   Venue
	account    common.Address
	logger     *zap.Logger

	metrics struct {
		swaps    *prometheus.CounterVec
		failures *prometheus.CounterVec
		latency  prometheus.Histogram
	}
}

// NewExecutor creates a swap executor.
func NewExecutor(cfg ExecutorConfig, logger *zap.Logger) (*Executor, error) {
	if cfg.Classifier == nil {
		return nil, fmt.Errorf("swap: classifier is required")
	}
	if cfg.Oracle == nil {
		return nil, fmt.Errorf("swap: oracle gate is required")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("swap: token reader is required")
	}
	if cfg.Aggregator == nil || cfg.PTMarket == nil {
		return nil, fmt.Errorf("swap: both venues are required")
	}
	if cfg.Account == (common.Address{}) {
		return nil, fmt.Errorf("swap: operating account is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("swap: logger is required")
	}

	e := &Executor{
		classifier: cfg.Classifier,
		gate:       cfg.Oracle,
		tokens:     cfg.Tokens,
		aggregator: cfg.Aggregator,
		ptMarket:   cfg.PTMarket,
		account:    cfg.Account,
		logger:     logger,
	}

	e.metrics.swaps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dloop",
		Subsystem: "swap",
		Name:      "swaps_total",
		Help:      "Completed swaps, by type",
	}, []string{"type"})
	e.metrics.failures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dloop",
		Subsystem: "swap",
		Name:      "failures_total",
		Help:      "Failed swaps, by stage",
	}, []string{"stage"})
	e.metrics.latency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dloop",
		Subsystem: "swap",
		Name:      "latency_seconds",
		Help:      "End-to-end swap latency",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	return e, nil
}

// RegisterMetrics attaches the executor's metrics to a registry.
func (e *Executor) RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{e.metrics.swaps, e.metrics.failures, e.metrics.latency} {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("swap: failed to register metrics: %w", err)
		}
	}
	return nil
}

// ExecuteSwap runs one exact-input swap. AmountOut in the result is the
// measured balance delta of TokenOut and is guaranteed to meet the
// caller's minimum.
func (e *Executor) ExecuteSwap(ctx context.Context, p Params) (*Result, error) {
	start := time.Now()

	if p.TokenIn == p.TokenOut {
		return nil, ErrSameToken
	}
	if p.AmountIn == nil || p.AmountIn.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if p.MinAmountOut == nil || p.MinAmountOut.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	swapType, err := e.classifier.DetermineSwapType(ctx, p.TokenIn, p.TokenOut)
	if err != nil {
		return nil, err
	}

	if err := p.Data.Validate(swapType); err != nil {
		e.metrics.failures.WithLabelValues("validate").Inc()
		return nil, err
	}

	if err := e.gate.ValidateSwapOutput(ctx, p.TokenIn, p.TokenOut, p.AmountIn, p.MinAmountOut); err != nil {
		e.metrics.failures.WithLabelValues("oracle").Inc()
		return nil, err
	}

	var (
		out      *big.Int
		strategy Strategy
	)
	switch swapType {
	case TypeRegular:
		out, err = e.regularSwap(ctx, p)
	case TypePTToRegular:
		out, err = e.ptToRegular(ctx, p)
	case TypeRegularToPT:
		out, err = e.regularToPT(ctx, p)
	case TypePTToPT:
		out, strategy, err = e.ptToPT(ctx, p)
	default:
		err = fmt.Errorf("swap: unhandled swap type %s", swapType)
	}
	if err != nil {
		e.metrics.failures.WithLabelValues("execute").Inc()
		return nil, err
	}

	if out.Cmp(p.MinAmountOut) < 0 {
		e.metrics.failures.WithLabelValues("min_out").Inc()
		return nil, fmt.Errorf("%w: received %s, minimum %s", ErrInsufficientOutput, out.String(), p.MinAmountOut.String())
	}

	e.metrics.swaps.WithLabelValues(swapType.String()).Inc()
	e.metrics.latency.Observe(time.Since(start).Seconds())
	e.logger.Info("Swap executed",
		zap.String("type", swapType.String()),
		zap.String("strategy", strategy.String()),
		zap.String("token_in", p.TokenIn.Hex()),
		zap.String("token_out", p.TokenOut.Hex()),
		zap.String("amount_in", p.AmountIn.String()),
		zap.String("amount_out", out.String()))

	return &Result{Type: swapType, Strategy: strategy, AmountOut: out}, nil
}

// executeLeg dispatches calldata to a venue and returns how much of asset
// the operating account actually received. A balance that moved down
// instead surfaces as token.ErrBalanceDecreased.
func (e *Executor) executeLeg(ctx context.Context, venue Venue, calldata []byte, asset common.Address) (*big.Int, error) {
	snap, err := token.Capture(ctx, e.tokens, token.Pair{Token: asset, Holder: e.account})
	if err != nil {
		return nil, err
	}

	if err := venue.Execute(ctx, calldata); err != nil {
		return nil, err
	}

	received, err := snap.Received(ctx, asset, e.account)
	if err != nil {
		return nil, err
	}

	e.logger.Debug("Swap leg measured",
		zap.String("venue", venue.Name()),
		zap.String("asset", asset.Hex()),
		zap.String("received", received.String()))
	return received, nil
}

func (e *Executor) regularSwap(ctx context.Context, p Params) (*big.Int, error) {
	return e.executeLeg(ctx, e.aggregator, p.Data.OdosCalldata, p.TokenOut)
}

func (e *Executor) ptToRegular(ctx context.Context, p Params) (*big.Int, error) {
	if p.Data.Underlying == (common.Address{}) {
		return nil, ErrMissingUnderlying
	}

	intermediate, err := e.executeLeg(ctx, e.ptMarket, p.Data.PendleCalldata, p.Data.Underlying)
	if err != nil {
		return nil, err
	}

	// The PT market already delivered the target token.
	if p.Data.Underlying == p.TokenOut {
		return intermediate, nil
	}

	if len(p.Data.OdosCalldata) == 0 {
		return nil, fmt.Errorf("%w: pt-to-regular bridge without aggregator calldata", ErrMalformedSwapData)
	}
	return e.executeLeg(ctx, e.aggregator, p.Data.OdosCalldata, p.TokenOut)
}

func (e *Executor) regularToPT(ctx context.Context, p Params) (*big.Int, error) {
	if p.Data.Underlying == (common.Address{}) {
		return nil, ErrMissingUnderlying
	}

	// Source already is the underlying; no aggregator stage.
	if p.TokenIn != p.Data.Underlying {
		if len(p.Data.OdosCalldata) == 0 {
			return nil, fmt.Errorf("%w: regular-to-pt bridge without aggregator calldata", ErrMalformedSwapData)
		}
		intermediate, err := e.executeLeg(ctx, e.aggregator, p.Data.OdosCalldata, p.Data.Underlying)
		if err != nil {
			return nil, err
		}
		e.logger.Debug("Bridged to underlying",
			zap.String("underlying", p.Data.Underlying.Hex()),
			zap.String("amount", intermediate.String()))
	}

	return e.executeLeg(ctx, e.ptMarket, p.Data.PendleCalldata, p.TokenOut)
}

func (e *Executor) ptToPT(ctx context.Context, p Params) (*big.Int, Strategy, error) {
	// Without aggregator calldata the route is a single PT-market call.
	if len(p.Data.OdosCalldata) == 0 {
		out, err := e.executeLeg(ctx, e.ptMarket, p.Data.PendleCalldata, p.TokenOut)
		return out, StrategyDirect, err
	}

	if p.Data.Underlying == (common.Address{}) {
		return nil, StrategyHybrid, ErrMissingUnderlying
	}

	intermediate, err := e.executeLeg(ctx, e.aggregator, p.Data.OdosCalldata, p.Data.Underlying)
	if err != nil {
		return nil, StrategyHybrid, err
	}
	e.logger.Debug("Bridged to underlying",
		zap.String("underlying", p.Data.Underlying.Hex()),
		zap.String("amount", intermediate.String()))

	out, err := e.executeLeg(ctx, e.ptMarket, p.Data.PendleCalldata, p.TokenOut)
	return out, StrategyHybrid, err
}
