// Package server exposes the engine's read side over HTTP: vault
// listings, live positions, rebalance quotes and swap classification.
// The API never mutates anything; execution stays with the keeper.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dloop-labs/dloop-engine/quoter"
	"github.com/dloop-labs/dloop-engine/types"
	"github.com/dloop-labs/dloop-engine/utils/metrics"
	"github.com/dloop-labs/dloop-engine/vault"
)

const (
	// DefaultListenAddr is used when the config leaves the address empty.
	DefaultListenAddr = ":8080"
	// shutdownGrace bounds how long in-flight requests may finish.
	shutdownGrace = 10 * time.Second

	requestIDHeader = "X-Request-Id"
)

// QuoteService is the read-side surface the API serves. *quoter.Quoter
// satisfies it.
type QuoteService interface {
	Vaults() []vault.Vault
	Position(ctx context.Context, vaultName string) (*types.Position, error)
	Quote(ctx context.Context, vaultName string) (*quoter.Quote, error)
}

// SwapClassifier answers swap-type queries. *swap.Classifier satisfies it
// through a thin adapter in cmd/engine.
type SwapClassifier interface {
	ClassifySwap(ctx context.Context, tokenIn, tokenOut common.Address) (string, error)
}

// Config tunes the HTTP server.
type Config struct {
	ListenAddr        string
	RequestsPerSecond float64
	Burst             int
	// MetricsEnabled exposes the prometheus registry on /metrics.
	MetricsEnabled bool
}

// Server is the engine's HTTP quote API.
type Server struct {
	cfg        Config
	quotes     QuoteService
	classifier SwapClassifier
	healthy    func() bool
	limiter    *rate.Limiter
	logger     *zap.Logger
	metrics    *metrics.HTTPMetrics
}

// New creates the API server. healthy may be nil, in which case the
// server always reports healthy.
func New(cfg Config, quotes QuoteService, classifier SwapClassifier, healthy func() bool, logger *zap.Logger) (*Server, error) {
	if quotes == nil {
		return nil, fmt.Errorf("server: quote service is required")
	}
	if classifier == nil {
		return nil, fmt.Errorf("server: swap classifier is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("server: logger is required")
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 50
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 100
	}
	if healthy == nil {
		healthy = func() bool { return true }
	}

	return &Server{
		cfg:        cfg,
		quotes:     quotes,
		classifier: classifier,
		healthy:    healthy,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:     logger,
		metrics:    metrics.NewHTTPMetrics("dloop_http"),
	}, nil
}

// Router builds the chi router with the full middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(s.rateLimit)
	r.Use(s.instrument)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.cfg.MetricsEnabled {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/vaults", s.handleVaults)
		r.Get("/vaults/{name}/position", s.handlePosition)
		r.Get("/vaults/{name}/quote", s.handleQuote)
		r.Post("/swaps/classify", s.handleClassify)
	})
	return r
}

// Run serves until the context is cancelled, then drains in-flight
// requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Quote API listening", zap.String("addr", s.cfg.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: shutdown failed: %w", err)
		}
		s.logger.Info("Quote API stopped")
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: listen failed: %w", err)
	}
}

// requestID tags every request with a uuid, honoring one supplied by the
// caller.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(withRequestID(r.Context(), id)))
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			s.metrics.RateLimited.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		s.metrics.InFlight.Inc()
		defer s.metrics.InFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		s.metrics.Requests.WithLabelValues(route, fmt.Sprintf("%d", ww.Status())).Inc()
		s.metrics.Duration.Observe(time.Since(start).Seconds())

		s.logger.Debug("Request served",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.healthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVaults(w http.ResponseWriter, r *http.Request) {
	vaults := s.quotes.Vaults()
	out := make([]vaultResponse, 0, len(vaults))
	for _, v := range vaults {
		out = append(out, newVaultResponse(v))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	pos, err := s.quotes.Position(r.Context(), name)
	if err != nil {
		s.writeServiceError(w, r, name, err)
		return
	}
	writeJSON(w, http.StatusOK, newPositionResponse(pos))
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	quote, err := s.quotes.Quote(r.Context(), name)
	if err != nil {
		s.writeServiceError(w, r, name, err)
		return
	}
	writeJSON(w, http.StatusOK, newQuoteResponse(quote))
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req classifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tokenIn, err := parseAddress(req.TokenIn)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("token_in: %v", err))
		return
	}
	tokenOut, err := parseAddress(req.TokenOut)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("token_out: %v", err))
		return
	}

	swapType, err := s.classifier.ClassifySwap(r.Context(), tokenIn, tokenOut)
	if err != nil {
		s.logger.Error("Swap classification failed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.Error(err))
		writeError(w, http.StatusBadGateway, "classification failed")
		return
	}
	writeJSON(w, http.StatusOK, classifyResponse{
		TokenIn:  tokenIn.Hex(),
		TokenOut: tokenOut.Hex(),
		SwapType: swapType,
	})
}

// writeServiceError maps service failures onto status codes: unknown
// vaults are the caller's mistake, everything else is upstream trouble.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, vaultName string, err error) {
	if strings.Contains(err.Error(), "unknown vault") {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown vault %q", vaultName))
		return
	}
	s.logger.Error("Quote request failed",
		zap.String("request_id", requestIDFrom(r.Context())),
		zap.String("vault", vaultName),
		zap.Error(err))
	writeError(w, http.StatusBadGateway, "upstream error")
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%q is not a hex address", s)
	}
	return common.HexToAddress(s), nil
}
