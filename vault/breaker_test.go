package vault_test

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dloop-labs/dloop-engine/vault"
)

var errBoom = errors.New("boom")

func TestBreakerTripsAfterThreshold(t *testing.T) {
	cb := vault.NewCircuitBreaker(vault.BreakerConfig{
		ErrorThreshold: 3,
		ResetInterval:  time.Minute,
		CooldownPeriod: time.Minute,
	}, zaptest.NewLogger(t))

	require.True(t, cb.Allow())
	assert.False(t, cb.RecordError(errBoom))
	assert.False(t, cb.RecordError(errBoom))
	assert.True(t, cb.IsHealthy())

	assert.True(t, cb.RecordError(errBoom))
	assert.False(t, cb.IsHealthy())
	assert.False(t, cb.Allow())
}

func TestBreakerClosesAfterCooldown(t *testing.T) {
	cb := vault.NewCircuitBreaker(vault.BreakerConfig{
		ErrorThreshold: 1,
		ResetInterval:  time.Minute,
		CooldownPeriod: 10 * time.Millisecond,
	}, zaptest.NewLogger(t))

	require.True(t, cb.RecordError(errBoom))
	require.False(t, cb.Allow())

	time.Sleep(20 * time.Millisecond)
	assert.True(t, cb.Allow())
	assert.True(t, cb.IsHealthy())
}

func TestBreakerSuccessClearsStreak(t *testing.T) {
	cb := vault.NewCircuitBreaker(vault.BreakerConfig{
		ErrorThreshold: 2,
		ResetInterval:  time.Minute,
		CooldownPeriod: time.Minute,
	}, zaptest.NewLogger(t))

	require.False(t, cb.RecordError(errBoom))
	cb.RecordSuccess()
	assert.False(t, cb.RecordError(errBoom))
	assert.True(t, cb.IsHealthy())
}

func TestBreakerStaleStreakResets(t *testing.T) {
	cb := vault.NewCircuitBreaker(vault.BreakerConfig{
		ErrorThreshold: 2,
		ResetInterval:  10 * time.Millisecond,
		CooldownPeriod: time.Minute,
	}, zaptest.NewLogger(t))

	require.False(t, cb.RecordError(errBoom))
	time.Sleep(20 * time.Millisecond)
	// Allow notices the stale streak and starts the count over.
	require.True(t, cb.Allow())
	assert.False(t, cb.RecordError(errBoom))
}

func TestBreakerDefaults(t *testing.T) {
	cb := vault.NewCircuitBreaker(vault.BreakerConfig{}, zaptest.NewLogger(t))
	assert.True(t, cb.Allow())
	assert.True(t, cb.IsHealthy())
}

func TestBreakerRegisterMetrics(t *testing.T) {
	cb := vault.NewCircuitBreaker(vault.BreakerConfig{}, zaptest.NewLogger(t))
	require.NoError(t, cb.RegisterMetrics(prometheus.NewRegistry()))
}
