package vault

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	// DefaultGasLimitMarginPct pads the node's gas estimate.
	DefaultGasLimitMarginPct = 20
	// DefaultReceiptTimeout bounds how long a confirmation is awaited.
	DefaultReceiptTimeout = 2 * time.Minute
	// DefaultReceiptPollInterval is the receipt polling cadence.
	DefaultReceiptPollInterval = 2 * time.Second
)

var (
	// ErrGasPriceTooHigh rejects sends while the suggested gas price sits
	// above the configured ceiling. Callers retry on a later tick.
	ErrGasPriceTooHigh = errors.New("vault: gas price above ceiling")
	// ErrTxReverted reports an included but failed transaction.
	ErrTxReverted = errors.New("vault: transaction reverted")
)

// Client is the node surface the sender needs. *ethclient.Client
// satisfies it.
type Client interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Preflighter dry-runs a call before it is broadcast. The simulator
// satisfies it.
type Preflighter interface {
	Preflight(ctx context.Context, from, to common.Address, data []byte) error
}

// SenderConfig tunes transaction submission.
type SenderConfig struct {
	ChainID             int64
	MaxGasPrice         *big.Int
	GasLimitMarginPct   uint64
	ReceiptTimeout      time.Duration
	ReceiptPollInterval time.Duration
}

// Sender builds, signs, submits and confirms transactions from the
// engine's operating key. Sends are serialized; the nonce is read fresh
// per transaction.
type Sender struct {
	client    Client
	key       *ecdsa.PrivateKey
	from      common.Address
	signer    types.Signer
	cfg       SenderConfig
	preflight Preflighter
	logger    *zap.Logger
	mu        sync.Mutex

	metrics struct {
		sent     prometheus.Counter
		failures prometheus.Counter
		reverted prometheus.Counter
		gasUsed  prometheus.Counter
		latency  prometheus.Histogram
	}
}

// NewSender creates a transaction sender for the given key.
func NewSender(client Client, key *ecdsa.PrivateKey, cfg SenderConfig, logger *zap.Logger) (*Sender, error) {
	if client == nil {
		return nil, fmt.Errorf("vault: client is required")
	}
	if key == nil {
		return nil, fmt.Errorf("vault: signing key is required")
	}
	if cfg.ChainID <= 0 {
		return nil, fmt.Errorf("vault: chain id must be positive")
	}
	if logger == nil {
		return nil, fmt.Errorf("vault: logger is required")
	}

	if cfg.GasLimitMarginPct == 0 {
		cfg.GasLimitMarginPct = DefaultGasLimitMarginPct
	}
	if cfg.ReceiptTimeout == 0 {
		cfg.ReceiptTimeout = DefaultReceiptTimeout
	}
	if cfg.ReceiptPollInterval == 0 {
		cfg.ReceiptPollInterval = DefaultReceiptPollInterval
	}

	s := &Sender{
		client: client,
		key:    key,
		from:   crypto.PubkeyToAddress(key.PublicKey),
		signer: types.LatestSignerForChainID(big.NewInt(cfg.ChainID)),
		cfg:    cfg,
		logger: logger,
	}

	s.metrics.sent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dloop",
		Subsystem: "sender",
		Name:      "txs_total",
		Help:      "Transactions submitted",
	})
	s.metrics.failures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dloop",
		Subsystem: "sender",
		Name:      "failures_total",
		Help:      "Transactions that failed before inclusion",
	})
	s.metrics.reverted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dloop",
		Subsystem: "sender",
		Name:      "reverted_total",
		Help:      "Transactions included with a failed status",
	})
	s.metrics.gasUsed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dloop",
		Subsystem: "sender",
		Name:      "gas_used_total",
		Help:      "Gas consumed by confirmed transactions",
	})
	s.metrics.latency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dloop",
		Subsystem: "sender",
		Name:      "confirm_latency_seconds",
		Help:      "Submit-to-confirmation latency",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	return s, nil
}

// RegisterMetrics attaches the sender's metrics to a registry.
func (s *Sender) RegisterMetrics(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		s.metrics.sent, s.metrics.failures, s.metrics.reverted,
		s.metrics.gasUsed, s.metrics.latency,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("vault: failed to register metrics: %w", err)
		}
	}
	return nil
}

// Address returns the sending account.
func (s *Sender) Address() common.Address {
	return s.from
}

// SetPreflight installs a pre-broadcast dry run. Every subsequent Send
// is simulated first and rejected if the simulation reverts.
func (s *Sender) SetPreflight(p Preflighter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preflight = p
}

// Send submits calldata to the target contract and blocks until the
// transaction confirms. An included-but-reverted transaction is an error.
func (s *Sender) Send(ctx context.Context, to common.Address, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()

	nonce, err := s.client.PendingNonceAt(ctx, s.from)
	if err != nil {
		s.metrics.failures.Inc()
		return fmt.Errorf("vault: failed to get nonce: %w", err)
	}

	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		s.metrics.failures.Inc()
		return fmt.Errorf("vault: failed to get gas price: %w", err)
	}
	if s.cfg.MaxGasPrice != nil && gasPrice.Cmp(s.cfg.MaxGasPrice) > 0 {
		s.metrics.failures.Inc()
		return fmt.Errorf("%w: suggested %s, ceiling %s", ErrGasPriceTooHigh, gasPrice.String(), s.cfg.MaxGasPrice.String())
	}

	if s.preflight != nil {
		if err := s.preflight.Preflight(ctx, s.from, to, data); err != nil {
			s.metrics.failures.Inc()
			return fmt.Errorf("vault: preflight rejected transaction: %w", err)
		}
	}

	gasLimit, err := s.client.EstimateGas(ctx, ethereum.CallMsg{From: s.from, To: &to, Data: data})
	if err != nil {
		s.metrics.failures.Inc()
		return fmt.Errorf("vault: gas estimation failed: %w", err)
	}
	gasLimit += gasLimit * s.cfg.GasLimitMarginPct / 100

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, s.signer, s.key)
	if err != nil {
		s.metrics.failures.Inc()
		return fmt.Errorf("vault: failed to sign transaction: %w", err)
	}

	if err := s.client.SendTransaction(ctx, signed); err != nil {
		s.metrics.failures.Inc()
		return fmt.Errorf("vault: failed to send transaction: %w", err)
	}
	s.metrics.sent.Inc()

	receipt, err := s.waitReceipt(ctx, signed.Hash())
	if err != nil {
		s.metrics.failures.Inc()
		return err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		s.metrics.reverted.Inc()
		return fmt.Errorf("%w: %s", ErrTxReverted, signed.Hash().Hex())
	}

	s.metrics.gasUsed.Add(float64(receipt.GasUsed))
	s.metrics.latency.Observe(time.Since(start).Seconds())
	s.logger.Info("Transaction confirmed",
		zap.String("hash", signed.Hash().Hex()),
		zap.String("to", to.Hex()),
		zap.Uint64("gas_used", receipt.GasUsed),
		zap.String("gas_price", gasPrice.String()))
	return nil
}

func (s *Sender) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(s.cfg.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := s.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("vault: confirmation wait for %s failed: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}
