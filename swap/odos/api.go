package odos

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dloop-labs/dloop-engine/swap"
)

const (
	// DefaultAPIBaseURL is the hosted Odos smart order router.
	DefaultAPIBaseURL = "https://api.odos.xyz"
	// DefaultAPITimeout bounds a single API round trip.
	DefaultAPITimeout = 10 * time.Second
	// DefaultSlippageLimitPct is passed to the router's pathfinder. The
	// executor still enforces its own min-output floor on-chain.
	DefaultSlippageLimitPct = 0.3

	apiRateLimit = 4
	apiRateBurst = 8

	contentTypeJSON = "application/json"
)

// QuoteClient fetches swap calldata from the Odos SOR API: a quote call
// resolves a path, an assemble call renders it into transaction data.
// It satisfies the keeper's SwapDataSource.
type QuoteClient struct {
	httpClient  *http.Client
	baseURL     string
	chainID     int64
	router      common.Address
	slippagePct float64
	limiter     *rate.Limiter
	logger      *zap.Logger

	metrics struct {
		quotes  prometheus.Counter
		errors  prometheus.Counter
		latency prometheus.Histogram
	}
}

// NewQuoteClient creates an Odos API client. An empty baseURL selects
// the hosted API; a zero router address selects the mainnet router.
func NewQuoteClient(baseURL string, chainID int64, router common.Address, logger *zap.Logger) (*QuoteClient, error) {
	if chainID <= 0 {
		return nil, fmt.Errorf("odos: chain id is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("odos: logger is required")
	}
	if baseURL == "" {
		baseURL = DefaultAPIBaseURL
	}
	if router == (common.Address{}) {
		router = DefaultRouter
	}

	c := &QuoteClient{
		httpClient:  &http.Client{Timeout: DefaultAPITimeout},
		baseURL:     strings.TrimRight(baseURL, "/"),
		chainID:     chainID,
		router:      router,
		slippagePct: DefaultSlippageLimitPct,
		limiter:     rate.NewLimiter(rate.Limit(apiRateLimit), apiRateBurst),
		logger:      logger,
	}

	c.metrics.quotes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dloop",
		Subsystem: "odos_api",
		Name:      "quotes_total",
		Help:      "Calldata quotes assembled via the Odos API",
	})
	c.metrics.errors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dloop",
		Subsystem: "odos_api",
		Name:      "errors_total",
		Help:      "Odos API failures",
	})
	c.metrics.latency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dloop",
		Subsystem: "odos_api",
		Name:      "latency_seconds",
		Help:      "End-to-end quote and assemble latency",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	return c, nil
}

// RegisterMetrics attaches the client's metrics to a registry.
func (c *QuoteClient) RegisterMetrics(reg prometheus.Registerer) error {
	for _, col := range []prometheus.Collector{c.metrics.quotes, c.metrics.errors, c.metrics.latency} {
		if err := reg.Register(col); err != nil {
			return fmt.Errorf("odos: failed to register metrics: %w", err)
		}
	}
	return nil
}

type quoteTokenIn struct {
	TokenAddress string `json:"tokenAddress"`
	Amount       string `json:"amount"`
}

type quoteTokenOut struct {
	TokenAddress string  `json:"tokenAddress"`
	Proportion   float64 `json:"proportion"`
}

type quoteRequest struct {
	ChainID              int64           `json:"chainId"`
	InputTokens          []quoteTokenIn  `json:"inputTokens"`
	OutputTokens         []quoteTokenOut `json:"outputTokens"`
	UserAddr             string          `json:"userAddr"`
	SlippageLimitPercent float64         `json:"slippageLimitPercent"`
	Compact              bool            `json:"compact"`
}

type quoteResponse struct {
	PathID     string   `json:"pathId"`
	OutAmounts []string `json:"outAmounts"`
}

type assembleRequest struct {
	UserAddr string `json:"userAddr"`
	PathID   string `json:"pathId"`
	Simulate bool   `json:"simulate"`
}

type assembleResponse struct {
	Transaction struct {
		To   string `json:"to"`
		Data string `json:"data"`
	} `json:"transaction"`
}

// BuildSwapData quotes and assembles an aggregator route, returning the
// opaque calldata wrapped as non-composed swap data. The assembled
// transaction must target the configured router.
func (c *QuoteClient) BuildSwapData(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int, receiver common.Address) (swap.PTSwapData, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return swap.PTSwapData{}, fmt.Errorf("odos: swap amount must be positive")
	}
	start := time.Now()

	var quote quoteResponse
	err := c.postJSON(ctx, "/sor/quote/v2", quoteRequest{
		ChainID:              c.chainID,
		InputTokens:          []quoteTokenIn{{TokenAddress: tokenIn.Hex(), Amount: amountIn.String()}},
		OutputTokens:         []quoteTokenOut{{TokenAddress: tokenOut.Hex(), Proportion: 1}},
		UserAddr:             receiver.Hex(),
		SlippageLimitPercent: c.slippagePct,
		Compact:              true,
	}, &quote)
	if err != nil {
		c.metrics.errors.Inc()
		return swap.PTSwapData{}, fmt.Errorf("odos: quote request failed: %w", err)
	}
	if quote.PathID == "" {
		c.metrics.errors.Inc()
		return swap.PTSwapData{}, fmt.Errorf("odos: quote returned no path")
	}

	var assembled assembleResponse
	err = c.postJSON(ctx, "/sor/assemble", assembleRequest{
		UserAddr: receiver.Hex(),
		PathID:   quote.PathID,
		Simulate: false,
	}, &assembled)
	if err != nil {
		c.metrics.errors.Inc()
		return swap.PTSwapData{}, fmt.Errorf("odos: assemble request failed: %w", err)
	}

	if !strings.EqualFold(assembled.Transaction.To, c.router.Hex()) {
		c.metrics.errors.Inc()
		return swap.PTSwapData{}, fmt.Errorf("odos: assembled transaction targets %s, expected router %s",
			assembled.Transaction.To, c.router.Hex())
	}
	calldata, err := hexutil.Decode(assembled.Transaction.Data)
	if err != nil {
		c.metrics.errors.Inc()
		return swap.PTSwapData{}, fmt.Errorf("odos: malformed calldata in assemble response: %w", err)
	}
	if len(calldata) == 0 {
		c.metrics.errors.Inc()
		return swap.PTSwapData{}, fmt.Errorf("odos: assemble returned empty calldata")
	}

	c.metrics.quotes.Inc()
	c.metrics.latency.Observe(time.Since(start).Seconds())
	c.logger.Debug("Assembled aggregator calldata",
		zap.String("token_in", tokenIn.Hex()),
		zap.String("token_out", tokenOut.Hex()),
		zap.String("amount_in", amountIn.String()),
		zap.String("path_id", quote.PathID),
		zap.Int("calldata_bytes", len(calldata)))

	return swap.PTSwapData{OdosCalldata: calldata}, nil
}

func (c *QuoteClient) postJSON(ctx context.Context, path string, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter error: %w", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Add("Content-Type", contentTypeJSON)
	req.Header.Add("Accept", contentTypeJSON)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("api returned status %d: %s", resp.StatusCode, string(msg))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
