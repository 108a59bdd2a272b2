package vault

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	// DefaultErrorThreshold is the consecutive-failure count that trips
	// the breaker.
	DefaultErrorThreshold = 5
	// DefaultResetInterval is how long an error streak survives without
	// new failures before the count starts over.
	DefaultResetInterval = 5 * time.Minute
	// DefaultCooldownPeriod is how long a tripped breaker stays open.
	DefaultCooldownPeriod = 10 * time.Minute
)

// BreakerConfig tunes the keeper's circuit breaker.
type BreakerConfig struct {
	ErrorThreshold int
	ResetInterval  time.Duration
	CooldownPeriod time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = DefaultErrorThreshold
	}
	if c.ResetInterval <= 0 {
		c.ResetInterval = DefaultResetInterval
	}
	if c.CooldownPeriod <= 0 {
		c.CooldownPeriod = DefaultCooldownPeriod
	}
	return c
}

// CircuitBreaker halts execution after a streak of failures and lets it
// resume once a cooldown has passed. State transitions happen on the
// calling goroutine: Allow performs the cooldown check, so no background
// monitor is needed.
type CircuitBreaker struct {
	cfg    BreakerConfig
	logger *zap.Logger

	errorCount atomic.Uint64
	open       atomic.Bool

	mu          sync.Mutex
	lastReset   time.Time
	lastTripped time.Time

	metrics struct {
		trips  prometheus.Counter
		errors prometheus.Counter
	}
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig, logger *zap.Logger) *CircuitBreaker {
	cb := &CircuitBreaker{
		cfg:       cfg.withDefaults(),
		logger:    logger,
		lastReset: time.Now(),
	}

	cb.metrics.trips = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dloop",
		Subsystem: "keeper",
		Name:      "breaker_trips_total",
		Help:      "Circuit breaker trips",
	})
	cb.metrics.errors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dloop",
		Subsystem: "keeper",
		Name:      "breaker_errors_total",
		Help:      "Errors recorded by the circuit breaker",
	})

	return cb
}

// RegisterMetrics attaches the breaker's metrics to a registry.
func (cb *CircuitBreaker) RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{cb.metrics.trips, cb.metrics.errors} {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("vault: failed to register breaker metrics: %w", err)
		}
	}
	return nil
}

// Allow reports whether execution may proceed. An open breaker whose
// cooldown has elapsed closes here; a closed breaker whose error streak
// has gone stale resets its count here.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	if cb.open.Load() {
		if now.Sub(cb.lastTripped) < cb.cfg.CooldownPeriod {
			return false
		}
		cb.open.Store(false)
		cb.errorCount.Store(0)
		cb.lastReset = now
		cb.logger.Info("Circuit breaker reset",
			zap.Duration("cooldown_period", cb.cfg.CooldownPeriod))
		return true
	}

	if now.Sub(cb.lastReset) >= cb.cfg.ResetInterval {
		cb.errorCount.Store(0)
		cb.lastReset = now
	}
	return true
}

// RecordError counts a failure and reports whether it tripped the
// breaker.
func (cb *CircuitBreaker) RecordError(err error) bool {
	cb.metrics.errors.Inc()
	count := cb.errorCount.Add(1)
	if int(count) < cb.cfg.ErrorThreshold {
		return false
	}

	cb.mu.Lock()
	cb.lastTripped = time.Now()
	cb.mu.Unlock()
	cb.open.Store(true)
	cb.metrics.trips.Inc()
	cb.logger.Warn("Circuit breaker tripped",
		zap.Uint64("error_count", count),
		zap.Error(err))
	return true
}

// RecordSuccess clears the failure streak.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.errorCount.Store(0)
}

// IsHealthy reports whether the breaker is closed.
func (cb *CircuitBreaker) IsHealthy() bool {
	return !cb.open.Load()
}
