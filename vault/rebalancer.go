package vault

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dloop-labs/dloop-engine/leverage"
	"github.com/dloop-labs/dloop-engine/swap"
	"github.com/dloop-labs/dloop-engine/types"
	bigmath "github.com/dloop-labs/dloop-engine/utils/math"
)

var (
	// ErrDepositsHalted is a fatal invariant guard: a position at the
	// infinite-leverage sentinel must never size a deposit.
	ErrDepositsHalted = errors.New("vault: deposits halted at infinite leverage")
	// ErrNoRebalancePlanned rejects execution of an empty plan.
	ErrNoRebalancePlanned = errors.New("vault: no rebalance planned")
)

// LendingManager is the delta-verified pool surface the rebalancer uses.
// *lending.Manager satisfies it.
type LendingManager interface {
	Supply(ctx context.Context, asset common.Address, amount *big.Int) error
	Borrow(ctx context.Context, asset common.Address, amount *big.Int) error
	Repay(ctx context.Context, asset common.Address, amount *big.Int) error
	Withdraw(ctx context.Context, asset common.Address, amount *big.Int) error
	Position(ctx context.Context) (*types.Position, error)
}

// SwapExecutor runs verified swaps. *swap.Executor satisfies it.
type SwapExecutor interface {
	ExecuteSwap(ctx context.Context, p swap.Params) (*swap.Result, error)
}

// OracleQuoter prices swap legs. *oracle.Validator satisfies it.
type OracleQuoter interface {
	ExpectedOutput(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int) (*big.Int, error)
	ToleranceBps() uint64
}

// PriceFeed reports asset prices in base currency units.
type PriceFeed interface {
	AssetPrice(ctx context.Context, asset common.Address) (*big.Int, error)
}

// TokenMeta resolves token metadata. *token.Reader satisfies it.
type TokenMeta interface {
	Decimals(ctx context.Context, tokenAddr common.Address) (uint8, error)
}

// GasEstimator prices a planned rebalance in wei.
type GasEstimator interface {
	EstimateRebalanceGas(direction types.Direction, swapLegs int) (*big.Int, error)
}

// Plan is a fully sized rebalance: base-currency deltas from the
// leverage engine plus their token-denominated equivalents and the swap
// leg that closes the loop.
type Plan struct {
	Vault              string
	Direction          types.Direction
	CurrentLeverageBps *big.Int
	Quote              types.RebalanceQuote

	// CollateralTokens is supplied (increase) or withdrawn (decrease);
	// DebtTokens is borrowed (increase) or repaid (decrease).
	CollateralTokens *big.Int
	DebtTokens       *big.Int

	// SwapIn/SwapOut describe the closing swap leg; MinSwapOutput is its
	// oracle-derived floor.
	SwapIn        common.Address
	SwapOut       common.Address
	SwapAmountIn  *big.Int
	MinSwapOutput *big.Int

	GasCostWei *big.Int
}

// RebalancerConfig lists the rebalancer's collaborators.
type RebalancerConfig struct {
	Vault   Vault
	Lending LendingManager
	Swapper SwapExecutor
	Oracle  OracleQuoter
	Feed    PriceFeed
	Tokens  TokenMeta
	Gas     GasEstimator
}

// Rebalancer plans and executes rebalances for one vault. Planning is
// read-only and safe to call concurrently; execution mutates the
// position and is driven by the keeper.
type Rebalancer struct {
	vault   Vault
	lending LendingManager
	swapper SwapExecutor
	oracle  OracleQuoter
	feed    PriceFeed
	tokens  TokenMeta
	gas     GasEstimator
	logger  *zap.Logger

	metrics struct {
		plans    *prometheus.CounterVec
		executed *prometheus.CounterVec
		failures *prometheus.CounterVec
	}
}

// NewRebalancer creates a rebalancer for one vault.
func NewRebalancer(cfg RebalancerConfig, logger *zap.Logger) (*Rebalancer, error) {
	if err := cfg.Vault.Validate(); err != nil {
		return nil, err
	}
	if cfg.Lending == nil {
		return nil, fmt.Errorf("vault: lending manager is required")
	}
	if cfg.Swapper == nil {
		return nil, fmt.Errorf("vault: swap executor is required")
	}
	if cfg.Oracle == nil || cfg.Feed == nil {
		return nil, fmt.Errorf("vault: oracle quoter and feed are required")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("vault: token metadata reader is required")
	}
	if cfg.Gas == nil {
		return nil, fmt.Errorf("vault: gas estimator is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("vault: logger is required")
	}

	r := &Rebalancer{
		vault:   cfg.Vault,
		lending: cfg.Lending,
		swapper: cfg.Swapper,
		oracle:  cfg.Oracle,
		feed:    cfg.Feed,
		tokens:  cfg.Tokens,
		gas:     cfg.Gas,
		logger:  logger.With(zap.String("vault", cfg.Vault.Name)),
	}

	r.metrics.plans = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dloop",
		Subsystem: "vault",
		Name:      "plans_total",
		Help:      "Rebalance plans produced, by direction",
	}, []string{"direction"})
	r.metrics.executed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dloop",
		Subsystem: "vault",
		Name:      "rebalances_total",
		Help:      "Rebalances executed, by direction",
	}, []string{"direction"})
	r.metrics.failures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dloop",
		Subsystem: "vault",
		Name:      "failures_total",
		Help:      "Rebalance failures, by leg",
	}, []string{"leg"})

	return r, nil
}

// RegisterMetrics attaches the rebalancer's metrics to a registry.
func (r *Rebalancer) RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{r.metrics.plans, r.metrics.executed, r.metrics.failures} {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("vault: failed to register metrics: %w", err)
		}
	}
	return nil
}

// Vault returns the managed vault descriptor.
func (r *Rebalancer) Vault() Vault {
	return r.vault
}

// Position reads the vault's current position.
func (r *Rebalancer) Position(ctx context.Context) (*types.Position, error) {
	return r.lending.Position(ctx)
}

// ShouldRebalance reports whether the position sits outside the vault's
// leverage bounds with a non-empty plan to correct it.
func (r *Rebalancer) ShouldRebalance(ctx context.Context) (bool, *Plan, error) {
	plan, err := r.PlanRebalance(ctx)
	if err != nil {
		return false, nil, err
	}
	return plan.Direction != types.DirectionNone, plan, nil
}

// PlanRebalance reads the position fresh and sizes the rebalance that
// returns leverage to target. A position inside the bounds, or one whose
// deltas round to dust, yields a plan with DirectionNone.
func (r *Rebalancer) PlanRebalance(ctx context.Context) (*Plan, error) {
	pos, err := r.lending.Position(ctx)
	if err != nil {
		return nil, err
	}

	current, err := leverage.CurrentLeverageBps(pos.Collateral, pos.Debt)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Vault:              r.vault.Name,
		Direction:          types.DirectionNone,
		CurrentLeverageBps: current,
	}

	if !r.outsideBounds(current) {
		return plan, nil
	}

	quote, err := leverage.QuoteRebalance(
		pos.Collateral, pos.Debt,
		r.vault.TargetLeverageBps, r.vault.MaxSubsidyBps, r.vault.MinDeviationBps,
	)
	if err != nil {
		return nil, err
	}
	if quote.IsZero() {
		return plan, nil
	}
	if quote.Direction == types.DirectionIncrease && leverage.IsMaxLeverage(current) {
		return nil, ErrDepositsHalted
	}

	collDelta := quote.CollateralDeltaBase
	debtDelta := quote.DebtDeltaBase
	if quote.Direction == types.DirectionDecrease {
		// The raw quote can exceed the live position when equity is near
		// zero; never repay or withdraw more than exists.
		debtDelta = bigmath.Min(debtDelta, pos.Debt)
		collDelta = bigmath.Min(collDelta, pos.Collateral)
	}

	collTokens, err := r.toTokens(ctx, r.vault.CollateralAsset, collDelta, bigmath.RoundUp)
	if err != nil {
		return nil, err
	}
	debtTokens, err := r.toTokens(ctx, r.vault.DebtAsset, debtDelta, bigmath.RoundDown)
	if err != nil {
		return nil, err
	}
	if collTokens.Sign() == 0 || debtTokens.Sign() == 0 {
		return plan, nil
	}

	plan.Direction = quote.Direction
	plan.Quote = *quote
	plan.CollateralTokens = collTokens
	plan.DebtTokens = debtTokens

	if quote.Direction == types.DirectionIncrease {
		plan.SwapIn, plan.SwapOut = r.vault.DebtAsset, r.vault.CollateralAsset
		plan.SwapAmountIn = debtTokens
	} else {
		plan.SwapIn, plan.SwapOut = r.vault.CollateralAsset, r.vault.DebtAsset
		plan.SwapAmountIn = collTokens
	}

	expected, err := r.oracle.ExpectedOutput(ctx, plan.SwapIn, plan.SwapOut, plan.SwapAmountIn)
	if err != nil {
		return nil, err
	}
	minOut, err := bigmath.MulDiv(expected,
		new(big.Int).SetUint64(leverage.OneHundredPercentBps-r.oracle.ToleranceBps()),
		new(big.Int).SetUint64(leverage.OneHundredPercentBps), bigmath.RoundDown)
	if err != nil {
		return nil, err
	}
	plan.MinSwapOutput = minOut

	gasCost, err := r.gas.EstimateRebalanceGas(plan.Direction, 1)
	if err != nil {
		return nil, err
	}
	plan.GasCostWei = gasCost

	r.metrics.plans.WithLabelValues(plan.Direction.String()).Inc()
	r.logger.Debug("Planned rebalance",
		zap.String("direction", plan.Direction.String()),
		zap.String("current_leverage_bps", current.String()),
		zap.Uint64("subsidy_bps", quote.SubsidyBps),
		zap.String("collateral_tokens", collTokens.String()),
		zap.String("debt_tokens", debtTokens.String()))
	return plan, nil
}

// Execute runs the planned rebalance: pool legs first, then the swap leg
// that converts the freed asset back. Legs are separate transactions; a
// failed leg aborts and the next keeper tick re-plans from fresh state.
func (r *Rebalancer) Execute(ctx context.Context, plan *Plan, swapData swap.PTSwapData) error {
	if plan == nil || plan.Direction == types.DirectionNone {
		return ErrNoRebalancePlanned
	}

	switch plan.Direction {
	case types.DirectionIncrease:
		if err := r.lending.Supply(ctx, r.vault.CollateralAsset, plan.CollateralTokens); err != nil {
			r.metrics.failures.WithLabelValues("supply").Inc()
			return fmt.Errorf("vault: supply leg failed: %w", err)
		}
		if err := r.lending.Borrow(ctx, r.vault.DebtAsset, plan.DebtTokens); err != nil {
			r.metrics.failures.WithLabelValues("borrow").Inc()
			return fmt.Errorf("vault: borrow leg failed: %w", err)
		}
	case types.DirectionDecrease:
		if err := r.lending.Repay(ctx, r.vault.DebtAsset, plan.DebtTokens); err != nil {
			r.metrics.failures.WithLabelValues("repay").Inc()
			return fmt.Errorf("vault: repay leg failed: %w", err)
		}
		if err := r.lending.Withdraw(ctx, r.vault.CollateralAsset, plan.CollateralTokens); err != nil {
			r.metrics.failures.WithLabelValues("withdraw").Inc()
			return fmt.Errorf("vault: withdraw leg failed: %w", err)
		}
	default:
		return fmt.Errorf("vault: unhandled direction %s", plan.Direction)
	}

	result, err := r.swapper.ExecuteSwap(ctx, swap.Params{
		TokenIn:      plan.SwapIn,
		TokenOut:     plan.SwapOut,
		AmountIn:     plan.SwapAmountIn,
		MinAmountOut: plan.MinSwapOutput,
		Data:         swapData,
	})
	if err != nil {
		r.metrics.failures.WithLabelValues("swap").Inc()
		return fmt.Errorf("vault: swap leg failed: %w", err)
	}

	r.metrics.executed.WithLabelValues(plan.Direction.String()).Inc()
	r.logger.Info("Rebalance executed",
		zap.String("direction", plan.Direction.String()),
		zap.String("swap_type", result.Type.String()),
		zap.String("swap_out", result.AmountOut.String()))
	return nil
}

func (r *Rebalancer) outsideBounds(current *big.Int) bool {
	if current.Sign() == 0 {
		return false
	}
	lower := new(big.Int).SetUint64(r.vault.LowerBoundBps)
	upper := new(big.Int).SetUint64(r.vault.UpperBoundBps)
	return current.Cmp(lower) < 0 || current.Cmp(upper) > 0
}

func (r *Rebalancer) toTokens(ctx context.Context, asset common.Address, amountBase *big.Int, rounding bigmath.Rounding) (*big.Int, error) {
	if amountBase.Sign() == 0 {
		return big.NewInt(0), nil
	}
	price, err := r.feed.AssetPrice(ctx, asset)
	if err != nil {
		return nil, err
	}
	decimals, err := r.tokens.Decimals(ctx, asset)
	if err != nil {
		return nil, err
	}
	return leverage.AmountFromBase(amountBase, price, decimals, rounding)
}
