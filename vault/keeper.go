package vault

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"

	"github.com/dloop-labs/dloop-engine/swap"
	"github.com/dloop-labs/dloop-engine/types"
)

// DefaultKeeperInterval is the pause between keeper sweeps.
const DefaultKeeperInterval = 30 * time.Second

// SwapDataSource builds venue calldata for a planned swap leg. The odos
// quote client satisfies it for aggregator routes.
type SwapDataSource interface {
	BuildSwapData(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int, receiver common.Address) (swap.PTSwapData, error)
}

// KeeperConfig tunes the rebalance loop.
type KeeperConfig struct {
	Interval time.Duration
	DryRun   bool
	Breaker  BreakerConfig
}

// Keeper sweeps the registered vaults on an interval, planning and
// executing rebalances. A shared circuit breaker halts execution across
// all vaults after a failure streak; dry-run mode plans and logs without
// sending transactions.
type Keeper struct {
	rebalancers []*Rebalancer
	swapData    SwapDataSource
	account     common.Address
	interval    time.Duration
	dryRun      bool
	breaker     *CircuitBreaker
	logger      *zap.Logger

	metrics struct {
		ticks        prometheus.Counter
		dryRuns      prometheus.Counter
		successCount prometheus.Counter
		totalCount   prometheus.Counter
		successRate  prometheus.Gauge
	}
}

// NewKeeper creates the rebalance loop over the given vaults. A swap
// data source is required unless the keeper runs dry.
func NewKeeper(rebalancers []*Rebalancer, source SwapDataSource, account common.Address, cfg KeeperConfig, logger *zap.Logger) (*Keeper, error) {
	if len(rebalancers) == 0 {
		return nil, fmt.Errorf("vault: at least one rebalancer is required")
	}
	if source == nil && !cfg.DryRun {
		return nil, fmt.Errorf("vault: swap data source is required outside dry-run mode")
	}
	if account == (common.Address{}) {
		return nil, fmt.Errorf("vault: keeper account is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("vault: logger is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultKeeperInterval
	}

	k := &Keeper{
		rebalancers: rebalancers,
		swapData:    source,
		account:     account,
		interval:    cfg.Interval,
		dryRun:      cfg.DryRun,
		breaker:     NewCircuitBreaker(cfg.Breaker, logger),
		logger:      logger,
	}

	k.metrics.ticks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dloop",
		Subsystem: "keeper",
		Name:      "ticks_total",
		Help:      "Keeper sweeps over the vault registry",
	})
	k.metrics.dryRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dloop",
		Subsystem: "keeper",
		Name:      "dry_runs_total",
		Help:      "Rebalances planned but withheld in dry-run mode",
	})
	k.metrics.successCount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dloop",
		Subsystem: "keeper",
		Name:      "rebalance_success_total",
		Help:      "Rebalances executed successfully",
	})
	k.metrics.totalCount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dloop",
		Subsystem: "keeper",
		Name:      "rebalance_total",
		Help:      "Rebalance executions attempted",
	})
	k.metrics.successRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dloop",
		Subsystem: "keeper",
		Name:      "success_rate",
		Help:      "Rolling rebalance success rate",
	})

	return k, nil
}

// RegisterMetrics attaches the keeper's and its breaker's metrics to a
// registry.
func (k *Keeper) RegisterMetrics(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		k.metrics.ticks, k.metrics.dryRuns,
		k.metrics.successCount, k.metrics.totalCount, k.metrics.successRate,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("vault: failed to register keeper metrics: %w", err)
		}
	}
	return k.breaker.RegisterMetrics(reg)
}

// Healthy reports whether the circuit breaker is closed.
func (k *Keeper) Healthy() bool {
	return k.breaker.IsHealthy()
}

// Rebalancers returns the managed rebalancers.
func (k *Keeper) Rebalancers() []*Rebalancer {
	return k.rebalancers
}

// Run sweeps immediately, then on every interval tick until the context
// is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	k.logger.Info("Keeper started",
		zap.Duration("interval", k.interval),
		zap.Int("vaults", len(k.rebalancers)),
		zap.Bool("dry_run", k.dryRun))

	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	k.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			k.logger.Info("Keeper stopped")
			return ctx.Err()
		case <-ticker.C:
			k.Tick(ctx)
		}
	}
}

// Tick runs one sweep over every vault.
func (k *Keeper) Tick(ctx context.Context) {
	k.metrics.ticks.Inc()
	for _, r := range k.rebalancers {
		if ctx.Err() != nil {
			return
		}
		k.process(ctx, r)
	}
}

func (k *Keeper) process(ctx context.Context, r *Rebalancer) {
	name := r.Vault().Name
	if !k.breaker.Allow() {
		k.logger.Warn("Circuit breaker open, skipping vault", zap.String("vault", name))
		return
	}

	plan, err := r.PlanRebalance(ctx)
	if err != nil {
		k.fail(name, "plan", err)
		return
	}
	if plan.Direction == types.DirectionNone {
		return
	}

	if k.dryRun {
		k.metrics.dryRuns.Inc()
		k.logger.Info("Dry run, rebalance withheld",
			zap.String("vault", name),
			zap.String("direction", plan.Direction.String()),
			zap.String("current_leverage_bps", plan.CurrentLeverageBps.String()),
			zap.String("swap_amount_in", plan.SwapAmountIn.String()),
			zap.String("min_swap_output", plan.MinSwapOutput.String()),
			zap.String("gas_cost_wei", plan.GasCostWei.String()))
		return
	}

	data, err := k.swapData.BuildSwapData(ctx, plan.SwapIn, plan.SwapOut, plan.SwapAmountIn, k.account)
	if err != nil {
		k.fail(name, "swap_data", err)
		return
	}
	if err := r.Execute(ctx, plan, data); err != nil {
		k.fail(name, "execute", err)
		return
	}

	k.breaker.RecordSuccess()
	k.metrics.successCount.Inc()
	k.metrics.totalCount.Inc()
	k.updateSuccessRate()
}

func (k *Keeper) fail(vaultName, stage string, err error) {
	tripped := k.breaker.RecordError(err)
	k.metrics.totalCount.Inc()
	k.updateSuccessRate()
	k.logger.Error("Rebalance failed",
		zap.String("vault", vaultName),
		zap.String("stage", stage),
		zap.Bool("breaker_tripped", tripped),
		zap.Error(err))
}

// updateSuccessRate recomputes the success-rate gauge from the keeper's
// own counters.
func (k *Keeper) updateSuccessRate() {
	var successCount, totalCount float64

	pb := &dto.Metric{}
	if err := k.metrics.successCount.Write(pb); err == nil {
		successCount = pb.GetCounter().GetValue()
	}
	pb = &dto.Metric{}
	if err := k.metrics.totalCount.Write(pb); err == nil {
		totalCount = pb.GetCounter().GetValue()
	}

	if totalCount > 0 {
		k.metrics.successRate.Set(successCount / totalCount)
	}
}
