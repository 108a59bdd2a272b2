package swap

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Principal tokens expose their standardized-yield source through this
// accessor. Anything that answers it with a non-zero address is a PT.
const syAccessorABI = `[{"inputs":[],"name":"SY","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"}]`

const probeCacheSize = 4096

// ContractCaller is the read-only client subset the classifier needs.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

type probeResult struct {
	pt bool
	sy common.Address
}

// Classifier decides whether tokens carry the principal-token capability
// by probing the SY accessor on-chain. Outcomes are cached; token
// capabilities do not change after deployment.
type Classifier struct {
	caller ContractCaller
	logger *zap.Logger
	abi    abi.ABI
	cache  *lru.Cache

	metrics struct {
		probes    *prometheus.CounterVec
		cacheHits prometheus.Counter
	}
}

// NewClassifier creates a classifier with an empty probe cache.
func NewClassifier(caller ContractCaller, logger *zap.Logger) (*Classifier, error) {
	if caller == nil {
		return nil, fmt.Errorf("swap: contract caller is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("swap: logger is required")
	}

	parsed, err := abi.JSON(strings.NewReader(syAccessorABI))
	if err != nil {
		return nil, fmt.Errorf("swap: failed to parse SY accessor ABI: %w", err)
	}

	cache, err := lru.New(probeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("swap: failed to create probe cache: %w", err)
	}

	c := &Classifier{
		caller: caller,
		logger: logger,
		abi:    parsed,
		cache:  cache,
	}

	c.metrics.probes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dloop",
		Subsystem: "swap",
		Name:      "pt_probes_total",
		Help:      "PT capability probes, by outcome",
	}, []string{"outcome"})
	c.metrics.cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dloop",
		Subsystem: "swap",
		Name:      "pt_probe_cache_hits_total",
		Help:      "PT probes answered from cache",
	})

	return c, nil
}

// RegisterMetrics attaches the classifier's metrics to a registry.
func (c *Classifier) RegisterMetrics(reg prometheus.Registerer) error {
	for _, col := range []prometheus.Collector{c.metrics.probes, c.metrics.cacheHits} {
		if err := reg.Register(col); err != nil {
			return fmt.Errorf("swap: failed to register metrics: %w", err)
		}
	}
	return nil
}

// IsPTToken probes token for the principal-token capability and returns
// its SY reference when present. A reverting probe reads as not-a-PT;
// only a definitive answer is cached.
func (c *Classifier) IsPTToken(ctx context.Context, token common.Address) (bool, common.Address, error) {
	if cached, ok := c.cache.Get(token); ok {
		c.metrics.cacheHits.Inc()
		res := cached.(probeResult)
		return res.pt, res.sy, nil
	}

	data, err := c.abi.Pack("SY")
	if err != nil {
		return false, common.Address{}, fmt.Errorf("swap: failed to pack SY probe: %w", err)
	}

	out, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		// Reverts are the normal answer for regular tokens. Anything
		// else is a transport failure and must not be cached.
		if !isRevert(err) {
			return false, common.Address{}, fmt.Errorf("swap: pt probe failed: %w", err)
		}
		c.metrics.probes.WithLabelValues("regular").Inc()
		c.cache.Add(token, probeResult{})
		return false, common.Address{}, nil
	}

	values, err := c.abi.Unpack("SY", out)
	if err != nil || len(values) != 1 {
		c.metrics.probes.WithLabelValues("regular").Inc()
		c.cache.Add(token, probeResult{})
		return false, common.Address{}, nil
	}

	sy, ok := values[0].(common.Address)
	if !ok || sy == (common.Address{}) {
		c.metrics.probes.WithLabelValues("regular").Inc()
		c.cache.Add(token, probeResult{})
		return false, common.Address{}, nil
	}

	c.metrics.probes.WithLabelValues("pt").Inc()
	c.cache.Add(token, probeResult{pt: true, sy: sy})
	c.logger.Debug("Classified principal token",
		zap.String("token", token.Hex()),
		zap.String("sy", sy.Hex()))
	return true, sy, nil
}

func isRevert(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "execution reverted") || strings.Contains(msg, "revert")
}

// DetermineSwapType applies the PT truth table over both endpoints.
func (c *Classifier) DetermineSwapType(ctx context.Context, tokenIn, tokenOut common.Address) (Type, error) {
	inPT, _, err := c.IsPTToken(ctx, tokenIn)
	if err != nil {
		return TypeRegular, err
	}
	outPT, _, err := c.IsPTToken(ctx, tokenOut)
	if err != nil {
		return TypeRegular, err
	}

	switch {
	case inPT && outPT:
		return TypePTToPT, nil
	case inPT:
		return TypePTToRegular, nil
	case outPT:
		return TypeRegularToPT, nil
	default:
		return TypeRegular, nil
	}
}
