package lending

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"

	"github.com/dloop-labs/dloop-engine/token"
	"github.com/dloop-labs/dloop-engine/types"
	bigmath "github.com/dloop-labs/dloop-engine/utils/math"
)

// BalanceToleranceUnits is the permitted wei-level slack between a
// requested amount and the observed balance delta. Rebasing dust and
// rounding inside the pool account for at most one unit.
const BalanceToleranceUnits = 1

var (
	// ErrDeltaMismatch is a fatal invariant violation: the pool reported
	// success but token balances moved by the wrong amount.
	ErrDeltaMismatch = errors.New("lending: balance delta outside tolerance")
	// ErrInvalidAmount rejects zero or negative operation amounts.
	ErrInvalidAmount = errors.New("lending: amount must be positive")
)

type deltaDirection int

const (
	deltaDebit  deltaDirection = iota // balance must shrink by amount
	deltaCredit                       // balance must grow by amount
)

// Manager executes pool operations and confirms each one against measured
// token balance deltas. What the pool claims happened is advisory; what
// the balances say happened is authoritative.
type Manager struct {
	pool    Pool
	tokens  *token.Reader
	account common.Address
	logger  *zap.Logger

	metrics struct {
		operations      *prometheus.CounterVec
		failures        *prometheus.CounterVec
		latency         prometheus.Histogram
		deltaMismatches prometheus.Counter
		successCount    prometheus.Counter
		totalCount      prometheus.Counter
		successRate     prometheus.Gauge
	}
}

// NewManager creates a delta-verifying manager operating as account.
func NewManager(pool Pool, tokens *token.Reader, account common.Address, logger *zap.Logger) (*Manager, error) {
	if pool == nil {
		return nil, fmt.Errorf("lending: pool is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("lending: token reader is required")
	}
	if account == (common.Address{}) {
		return nil, fmt.Errorf("lending: operating account is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("lending: logger is required")
	}

	m := &Manager{
		pool:    pool,
		tokens:  tokens,
		account: account,
		logger:  logger,
	}

	m.metrics.operations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dloop",
		Subsystem: "lending",
		Name:      "operations_total",
		Help:      "Pool operations attempted, by operation",
	}, []string{"operation"})
	m.metrics.failures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dloop",
		Subsystem: "lending",
		Name:      "failures_total",
		Help:      "Pool operations failed, by operation",
	}, []string{"operation"})
	m.metrics.latency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dloop",
		Subsystem: "lending",
		Name:      "operation_latency_seconds",
		Help:      "Latency of verified pool operations",
		Buckets:   prometheus.DefBuckets,
	})
	m.metrics.deltaMismatches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dloop",
		Subsystem: "lending",
		Name:      "delta_mismatches_total",
		Help:      "Operations whose balance delta broke the tolerance",
	})
	m.metrics.successCount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dloop",
		Subsystem: "lending",
		Name:      "success_count",
		Help:      "Verified pool operations that succeeded",
	})
	m.metrics.totalCount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dloop",
		Subsystem: "lending",
		Name:      "total_count",
		Help:      "Verified pool operations attempted",
	})
	m.metrics.successRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dloop",
		Subsystem: "lending",
		Name:      "success_rate",
		Help:      "Success rate of verified pool operations",
	})

	return m, nil
}

// RegisterMetrics attaches the manager's metrics to a registry.
func (m *Manager) RegisterMetrics(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.metrics.operations,
		m.metrics.failures,
		m.metrics.latency,
		m.metrics.deltaMismatches,
		m.metrics.successCount,
		m.metrics.totalCount,
		m.metrics.successRate,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("lending: failed to register metrics: %w", err)
		}
	}
	return nil
}

// Account returns the operating account.
func (m *Manager) Account() common.Address {
	return m.account
}

// Pool exposes the wrapped pool.
func (m *Manager) Pool() Pool {
	return m.pool
}

// Supply deposits collateral and confirms the account was debited.
func (m *Manager) Supply(ctx context.Context, asset common.Address, amount *big.Int) error {
	return m.execVerified(ctx, "supply", asset, amount, deltaDebit, func(ctx context.Context) error {
		return m.pool.Supply(ctx, asset, amount, m.account)
	})
}

// Borrow draws debt and confirms the account was credited.
func (m *Manager) Borrow(ctx context.Context, asset common.Address, amount *big.Int) error {
	return m.execVerified(ctx, "borrow", asset, amount, deltaCredit, func(ctx context.Context) error {
		return m.pool.Borrow(ctx, asset, amount, m.account)
	})
}

// Repay pays down debt and confirms the account was debited. Callers must
// size repayments at or below the outstanding debt; a short debit reads
// as a delta mismatch here.
func (m *Manager) Repay(ctx context.Context, asset common.Address, amount *big.Int) error {
	return m.execVerified(ctx, "repay", asset, amount, deltaDebit, func(ctx context.Context) error {
		return m.pool.Repay(ctx, asset, amount, m.account)
	})
}

// Withdraw removes collateral and confirms the account was credited.
func (m *Manager) Withdraw(ctx context.Context, asset common.Address, amount *big.Int) error {
	return m.execVerified(ctx, "withdraw", asset, amount, deltaCredit, func(ctx context.Context) error {
		return m.pool.Withdraw(ctx, asset, amount, m.account)
	})
}

// AccountData reads the operating account's aggregate position.
func (m *Manager) AccountData(ctx context.Context) (*AccountData, error) {
	return m.pool.AccountData(ctx, m.account)
}

// Position reads the operating account's position in base currency.
func (m *Manager) Position(ctx context.Context) (*types.Position, error) {
	data, err := m.pool.AccountData(ctx, m.account)
	if err != nil {
		return nil, err
	}
	return data.Position(), nil
}

func (m *Manager) execVerified(ctx context.Context, op string, asset common.Address, amount *big.Int, dir deltaDirection, call func(context.Context) error) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	start := time.Now()
	m.metrics.totalCount.Inc()
	m.metrics.operations.WithLabelValues(op).Inc()

	snap, err := token.Capture(ctx, m.tokens, token.Pair{Token: asset, Holder: m.account})
	if err != nil {
		m.fail(op)
		return err
	}

	if err := call(ctx); err != nil {
		m.fail(op)
		return fmt.Errorf("lending: %s on %s failed: %w", op, m.pool.String(), err)
	}

	var observed *big.Int
	if dir == deltaCredit {
		observed, err = snap.Received(ctx, asset, m.account)
	} else {
		observed, err = snap.Spent(ctx, asset, m.account)
	}
	if err != nil {
		m.fail(op)
		return err
	}

	if diff := bigmath.AbsDiff(observed, amount); diff.Cmp(big.NewInt(BalanceToleranceUnits)) > 0 {
		m.metrics.deltaMismatches.Inc()
		m.fail(op)
		return fmt.Errorf("%w: %s requested %s, balances moved %s", ErrDeltaMismatch, op, amount.String(), observed.String())
	}

	m.metrics.latency.Observe(time.Since(start).Seconds())
	m.metrics.successCount.Inc()
	m.updateSuccessRate()

	m.logger.Debug("Verified pool operation",
		zap.String("operation", op),
		zap.String("pool", m.pool.String()),
		zap.String("asset", asset.Hex()),
		zap.String("amount", amount.String()),
		zap.String("observed_delta", observed.String()))
	return nil
}

func (m *Manager) fail(op string) {
	m.metrics.failures.WithLabelValues(op).Inc()
	m.updateSuccessRate()
}

// updateSuccessRate recomputes the success-rate gauge from the manager's
// own counters.
func (m *Manager) updateSuccessRate() {
	var successCount, totalCount float64

	pb := &dto.Metric{}
	if err := m.metrics.successCount.Write(pb); err == nil {
		successCount = pb.GetCounter().GetValue()
	}
	pb = &dto.Metric{}
	if err := m.metrics.totalCount.Write(pb); err == nil {
		totalCount = pb.GetCounter().GetValue()
	}

	if totalCount > 0 {
		m.metrics.successRate.Set(successCount / totalCount)
	}
}
