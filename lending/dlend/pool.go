// Package dlend is the Aave-v3-compatible client for the dLEND lending
// market. It packs calldata for the pool's mutating entrypoints, hands it
// to the engine's transaction sender and reads account state over
// JSON-RPC. It never inspects outcomes itself; the lending.Manager owns
// verification.
package dlend

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dloop-labs/dloop-engine/lending"
)

const poolABI = `[
{"inputs":[{"internalType":"address","name":"asset","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"},{"internalType":"address","name":"onBehalfOf","type":"address"},{"internalType":"uint16","name":"referralCode","type":"uint16"}],"name":"supply","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"address","name":"asset","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"},{"internalType":"uint256","name":"interestRateMode","type":"uint256"},{"internalType":"uint16","name":"referralCode","type":"uint16"},{"internalType":"address","name":"onBehalfOf","type":"address"}],"name":"borrow","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"address","name":"asset","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"},{"internalType":"uint256","name":"interestRateMode","type":"uint256"},{"internalType":"address","name":"onBehalfOf","type":"address"}],"name":"repay","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"address","name":"asset","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"},{"internalType":"address","name":"to","type":"address"}],"name":"withdraw","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"address","name":"user","type":"address"}],"name":"getUserAccountData","outputs":[{"internalType":"uint256","name":"totalCollateralBase","type":"uint256"},{"internalType":"uint256","name":"totalDebtBase","type":"uint256"},{"internalType":"uint256","name":"availableBorrowsBase","type":"uint256"},{"internalType":"uint256","name":"currentLiquidationThreshold","type":"uint256"},{"internalType":"uint256","name":"ltv","type":"uint256"},{"internalType":"uint256","name":"healthFactor","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

const (
	// VariableRateMode selects variable-rate debt on borrow and repay.
	// The engine never opens stable-rate positions.
	VariableRateMode = 2

	// referralCode is unused by dLEND but required by the ABI.
	referralCode = uint16(0)

	// DefaultRateLimit and DefaultRateBurst bound pool RPC traffic when
	// the config leaves them unset.
	DefaultRateLimit = 10
	DefaultRateBurst = 20
)

// DefaultPoolAddress is the canonical mainnet deployment.
var DefaultPoolAddress = common.HexToAddress("0x87870Bca3F3fD6335C3F4ce8392D69350B4fA4E2")

// ContractCaller is the read-only client subset the pool needs.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// TxSender submits state-changing calldata to a contract and waits for
// inclusion. The engine's transaction gateway implements it.
type TxSender interface {
	Send(ctx context.Context, to common.Address, data []byte) error
}

// Config tunes the pool client.
type Config struct {
	Address   common.Address
	RateLimit float64
	RateBurst int
}

// Pool talks to a deployed dLEND pool. It implements lending.Pool.
type Pool struct {
	caller  ContractCaller
	sender  TxSender
	address common.Address
	logger  *zap.Logger
	abi     abi.ABI
	limiter *rate.Limiter

	metrics struct {
		calls   *prometheus.CounterVec
		errors  prometheus.Counter
		latency prometheus.Histogram
	}
}

var _ lending.Pool = (*Pool)(nil)

// NewPool creates a pool client. A zero config address selects the
// canonical mainnet deployment.
func NewPool(caller ContractCaller, sender TxSender, cfg Config, logger *zap.Logger) (*Pool, error) {
	if caller == nil {
		return nil, fmt.Errorf("dlend: contract caller is required")
	}
	if sender == nil {
		return nil, fmt.Errorf("dlend: tx sender is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("dlend: logger is required")
	}

	parsed, err := abi.JSON(strings.NewReader(poolABI))
	if err != nil {
		return nil, fmt.Errorf("dlend: failed to parse pool ABI: %w", err)
	}

	if cfg.Address == (common.Address{}) {
		cfg.Address = DefaultPoolAddress
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = DefaultRateBurst
	}

	p := &Pool{
		caller:  caller,
		sender:  sender,
		address: cfg.Address,
		logger:  logger,
		abi:     parsed,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
	}

	p.metrics.calls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dloop",
		Subsystem: "dlend",
		Name:      "calls_total",
		Help:      "Pool contract calls, by method",
	}, []string{"method"})
	p.metrics.errors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dloop",
		Subsystem: "dlend",
		Name:      "errors_total",
		Help:      "Pool contract calls that failed",
	})
	p.metrics.latency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dloop",
		Subsystem: "dlend",
		Name:      "call_latency_seconds",
		Help:      "Latency of pool contract calls",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	return p, nil
}

// RegisterMetrics attaches the pool's metrics to a registry.
func (p *Pool) RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{p.metrics.calls, p.metrics.errors, p.metrics.latency} {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("dlend: failed to register metrics: %w", err)
		}
	}
	return nil
}

// Address returns the pool contract address.
func (p *Pool) Address() common.Address {
	return p.address
}

// Supply deposits amount of asset as collateral for onBehalfOf.
func (p *Pool) Supply(ctx context.Context, asset common.Address, amount *big.Int, onBehalfOf common.Address) error {
	return p.send(ctx, "supply", asset, amount, onBehalfOf, referralCode)
}

// Borrow draws variable-rate debt against onBehalfOf's collateral.
func (p *Pool) Borrow(ctx context.Context, asset common.Address, amount *big.Int, onBehalfOf common.Address) error {
	return p.send(ctx, "borrow", asset, amount, big.NewInt(VariableRateMode), referralCode, onBehalfOf)
}

// Repay pays down onBehalfOf's variable-rate debt in asset.
func (p *Pool) Repay(ctx context.Context, asset common.Address, amount *big.Int, onBehalfOf common.Address) error {
	return p.send(ctx, "repay", asset, amount, big.NewInt(VariableRateMode), onBehalfOf)
}

// Withdraw removes amount of supplied asset to the given recipient.
func (p *Pool) Withdraw(ctx context.Context, asset common.Address, amount *big.Int, to common.Address) error {
	return p.send(ctx, "withdraw", asset, amount, to)
}

// AccountData reads the account's aggregate position in base currency.
func (p *Pool) AccountData(ctx context.Context, account common.Address) (*lending.AccountData, error) {
	p.metrics.calls.WithLabelValues("getUserAccountData").Inc()

	data, err := p.abi.Pack("getUserAccountData", account)
	if err != nil {
		p.metrics.errors.Inc()
		return nil, fmt.Errorf("dlend: failed to pack getUserAccountData: %w", err)
	}

	if err := p.limiter.Wait(ctx); err != nil {
		p.metrics.errors.Inc()
		return nil, fmt.Errorf("dlend: rate limiter error: %w", err)
	}

	result, err := p.caller.CallContract(ctx, ethereum.CallMsg{To: &p.address, Data: data}, nil)
	if err != nil {
		p.metrics.errors.Inc()
		return nil, fmt.Errorf("dlend: getUserAccountData failed: %w", err)
	}

	values, err := p.abi.Unpack("getUserAccountData", result)
	if err != nil || len(values) != 6 {
		p.metrics.errors.Inc()
		return nil, fmt.Errorf("dlend: failed to decode account data: %w", err)
	}

	fields := make([]*big.Int, 6)
	for i, v := range values {
		field, ok := v.(*big.Int)
		if !ok {
			p.metrics.errors.Inc()
			return nil, fmt.Errorf("dlend: unexpected account data field %d", i)
		}
		fields[i] = field
	}

	return &lending.AccountData{
		TotalCollateralBase:         fields[0],
		TotalDebtBase:               fields[1],
		AvailableBorrowsBase:        fields[2],
		CurrentLiquidationThreshold: fields[3],
		LTV:                         fields[4],
		HealthFactor:                fields[5],
	}, nil
}

// String names the pool for logs and metrics.
func (p *Pool) String() string {
	return "dlend"
}

func (p *Pool) send(ctx context.Context, method string, args ...interface{}) error {
	start := time.Now()
	p.metrics.calls.WithLabelValues(method).Inc()

	data, err := p.abi.Pack(method, args...)
	if err != nil {
		p.metrics.errors.Inc()
		return fmt.Errorf("dlend: failed to pack %s: %w", method, err)
	}

	if err := p.limiter.Wait(ctx); err != nil {
		p.metrics.errors.Inc()
		return fmt.Errorf("dlend: rate limiter error: %w", err)
	}

	if err := p.sender.Send(ctx, p.address, data); err != nil {
		p.metrics.errors.Inc()
		return fmt.Errorf("dlend: %s reverted: %w", method, err)
	}

	p.metrics.latency.Observe(time.Since(start).Seconds())
	p.logger.Debug("Pool call confirmed",
		zap.String("method", method),
		zap.String("pool", p.address.Hex()))
	return nil
}
