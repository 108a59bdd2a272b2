package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	registry = prometheus.NewRegistry()
	logger   *zap.Logger
	initOnce sync.Once
)

// Initialize points the default registerer at the engine's private
// registry and attaches the standard Go runtime collectors. Components
// created afterwards with the promauto constructors land in that
// registry, which the HTTP server exposes on /metrics.
func Initialize(log *zap.Logger) {
	initOnce.Do(func() {
		logger = log
		prometheus.DefaultRegisterer = registry
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Registry returns the engine's metric registry.
func Registry() *prometheus.Registry {
	return registry
}

// HTTPMetrics instruments the quote API server.
type HTTPMetrics struct {
	Requests    *prometheus.CounterVec
	Duration    prometheus.Histogram
	InFlight    prometheus.Gauge
	RateLimited prometheus.Counter
}

func NewHTTPMetrics(namespace string) *HTTPMetrics {
	return &HTTPMetrics{
		Requests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "HTTP requests served, by route and status code",
		}, []string{"route", "code"}),
		Duration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		InFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_in_flight",
			Help:      "HTTP requests currently being served",
		}),
		RateLimited: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "HTTP requests rejected by the rate limiter",
		}),
	}
}

// QuoteMetrics instruments the read-side quoter.
type QuoteMetrics struct {
	Quotes      prometheus.Counter
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
	Errors      prometheus.Counter
	Latency     prometheus.Histogram
}

func NewQuoteMetrics(namespace string) *QuoteMetrics {
	return &QuoteMetrics{
		Quotes: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quotes_total",
			Help:      "Quotes produced",
		}),
		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Quotes served from the per-block cache",
		}),
		CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Quotes computed fresh",
		}),
		Errors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Quote requests that failed",
		}),
		Latency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "latency_seconds",
			Help:      "Quote computation latency in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}
}
