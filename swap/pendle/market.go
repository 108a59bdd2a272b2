// Package pendle submits pre-computed swap calldata to the Pendle router
// for principal-token market legs. Like the aggregator, the router is a
// black box; callers measure outcomes by balance delta.
package pendle

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// DefaultRouter is the canonical mainnet router deployment.
var DefaultRouter = common.HexToAddress("0x888888888889758F76e7103c6CbF23ABbF58F946")

// ErrEmptyCalldata rejects dispatches with nothing to execute.
var ErrEmptyCalldata = errors.New("pendle: empty calldata")

// TxSender submits state-changing calldata to a contract and waits for
// inclusion.
type TxSender interface {
	Send(ctx context.Context, to common.Address, data []byte) error
}

// Market dispatches PT-market swaps.
type Market struct {
	sender TxSender
	router common.Address
	logger *zap.Logger

	metrics struct {
		swaps  prometheus.Counter
		errors prometheus.Counter
	}
}

// NewMarket creates a Pendle adapter. A zero router address selects the
// canonical mainnet deployment.
func NewMarket(sender TxSender, router common.Address, logger *zap.Logger) (*Market, error) {
	if sender == nil {
		return nil, fmt.Errorf("pendle: tx sender is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("pendle: logger is required")
	}
	if router == (common.Address{}) {
		router = DefaultRouter
	}

	m := &Market{sender: sender, router: router, logger: logger}
	m.metrics.swaps = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dloop",
		Subsystem: "pendle",
		Name:      "swaps_total",
		Help:      "PT-market swap dispatches",
	})
	m.metrics.errors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dloop",
		Subsystem: "pendle",
		Name:      "errors_total",
		Help:      "PT-market swap dispatches that reverted",
	})
	return m, nil
}

// RegisterMetrics attaches the market's metrics to a registry.
func (m *Market) RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.metrics.swaps, m.metrics.errors} {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("pendle: failed to register metrics: %w", err)
		}
	}
	return nil
}

// Name returns the venue name.
func (m *Market) Name() string {
	return "pendle"
}

// RouterAddress returns the router contract address.
func (m *Market) RouterAddress() common.Address {
	return m.router
}

// Execute dispatches one opaque PT-market call.
func (m *Market) Execute(ctx context.Context, calldata []byte) error {
	if len(calldata) == 0 {
		return ErrEmptyCalldata
	}

	m.metrics.swaps.Inc()
	if err := m.sender.Send(ctx, m.router, calldata); err != nil {
		m.metrics.errors.Inc()
		return fmt.Errorf("pendle: swap reverted: %w", err)
	}

	m.logger.Debug("PT-market call confirmed",
		zap.String("router", m.router.Hex()),
		zap.Int("calldata_bytes", len(calldata)))
	return nil
}
