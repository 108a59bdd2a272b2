// Package odos submits pre-computed routing calldata to the Odos
// aggregator router. The calldata is built off-engine by the Odos API and
// is opaque here; callers measure outcomes by balance delta.
package odos

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// DefaultRouter is the canonical mainnet router deployment.
var DefaultRouter = common.HexToAddress("0xCf5540fFFCdC3d510B18bFcA6d2b9987b0772559")

// ErrEmptyCalldata rejects dispatches with nothing to execute.
var ErrEmptyCalldata = errors.New("odos: empty calldata")

// TxSender submits state-changing calldata to a contract and waits for
// inclusion.
type TxSender interface {
	Send(ctx context.Context, to common.Address, data []byte) error
}

// Router dispatches aggregator swaps.
type Router struct {
	sender TxSender
	router common.Address
	logger *zap.Logger

	metrics struct {
		swaps  prometheus.Counter
		errors prometheus.Counter
	}
}

// NewRouter creates an Odos adapter. A zero router address selects the
// canonical mainnet deployment.
func NewRouter(sender TxSender, router common.Address, logger *zap.Logger) (*Router, error) {
	if sender == nil {
		return nil, fmt.Errorf("odos: tx sender is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("odos: logger is required")
	}
	if router == (common.Address{}) {
		router = DefaultRouter
	}

	r := &Router{sender: sender, router: router, logger: logger}
	r.metrics.swaps = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dloop",
		Subsystem: "odos",
		Name:      "swaps_total",
		Help:      "Aggregator swap dispatches",
	})
	r.metrics.errors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dloop",
		Subsystem: "odos",
		Name:      "errors_total",
		Help:      "Aggregator swap dispatches that reverted",
	})
	return r, nil
}

// RegisterMetrics attaches the router's metrics to a registry.
func (r *Router) RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{r.metrics.swaps, r.metrics.errors} {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("odos: failed to register metrics: %w", err)
		}
	}
	return nil
}

// Name returns the venue name.
func (r *Router) Name() string {
	return "odos"
}

// RouterAddress returns the router contract address.
func (r *Router) RouterAddress() common.Address {
	return r.router
}

// Execute dispatches one opaque aggregator call.
func (r *Router) Execute(ctx context.Context, calldata []byte) error {
	if len(calldata) == 0 {
		return ErrEmptyCalldata
	}

	r.metrics.swaps.Inc()
	if err := r.sender.Send(ctx, r.router, calldata); err != nil {
		r.metrics.errors.Inc()
		return fmt.Errorf("odos: swap reverted: %w", err)
	}

	r.logger.Debug("Aggregator call confirmed",
		zap.String("router", r.router.Hex()),
		zap.Int("calldata_bytes", len(calldata)))
	return nil
}
