package monitor

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// SystemMonitor samples process health (goroutines, heap, GC pauses)
// on a fixed cadence for the long-running keeper and serve modes.
type SystemMonitor struct {
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *zap.Logger
	started time.Time
	metrics struct {
		goroutines  prometheus.Gauge
		heapObjects prometheus.Gauge
		heapAlloc   prometheus.Gauge
		sysBytes    prometheus.Gauge
		gcPause     prometheus.Gauge
		uptime      prometheus.Gauge
	}
	wg sync.WaitGroup
}

// NewSystemMonitor creates a system monitor and starts its collection
// loop. Metrics are attached to a registry via RegisterMetrics.
func NewSystemMonitor(ctx context.Context, logger *zap.Logger) (*SystemMonitor, error) {
	ctx, cancel := context.WithCancel(ctx)
	m := &SystemMonitor{
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		started: time.Now(),
	}

	m.metrics.goroutines = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dloop_system_goroutines",
		Help: "Current number of goroutines",
	})
	m.metrics.heapObjects = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dloop_system_heap_objects",
		Help: "Current number of heap objects",
	})
	m.metrics.heapAlloc = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dloop_system_heap_alloc_bytes",
		Help: "Current heap allocation in bytes",
	})
	m.metrics.sysBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dloop_system_sys_bytes",
		Help: "Total bytes obtained from the OS",
	})
	m.metrics.gcPause = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dloop_system_gc_pause_ms",
		Help: "Most recent GC pause duration in milliseconds",
	})
	m.metrics.uptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dloop_system_uptime_seconds",
		Help: "Process uptime in seconds",
	})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.monitor()
	}()

	return m, nil
}

// RegisterMetrics attaches the monitor's gauges to a registry.
func (m *SystemMonitor) RegisterMetrics(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.metrics.goroutines, m.metrics.heapObjects, m.metrics.heapAlloc,
		m.metrics.sysBytes, m.metrics.gcPause, m.metrics.uptime,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("monitor: failed to register metrics: %w", err)
		}
	}
	return nil
}

// monitor periodically collects system metrics
func (m *SystemMonitor) monitor() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.collectMetrics()
		}
	}
}

// collectMetrics samples the runtime counters into the gauges.
func (m *SystemMonitor) collectMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.metrics.goroutines.Set(float64(runtime.NumGoroutine()))
	m.metrics.heapObjects.Set(float64(memStats.HeapObjects))
	m.metrics.heapAlloc.Set(float64(memStats.HeapAlloc))
	m.metrics.sysBytes.Set(float64(memStats.Sys))
	m.metrics.gcPause.Set(lastGCPauseMs(&memStats))
	m.metrics.uptime.Set(time.Since(m.started).Seconds())
}

// GetMetrics returns current system metrics
func (m *SystemMonitor) GetMetrics() map[string]interface{} {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return map[string]interface{}{
		"goroutines":   int64(runtime.NumGoroutine()),
		"heap_objects": int64(memStats.HeapObjects),
		"heap_alloc":   int64(memStats.HeapAlloc),
		"sys_bytes":    int64(memStats.Sys),
		"gc_pause_ms":  lastGCPauseMs(&memStats),
		"uptime_s":     time.Since(m.started).Seconds(),
	}
}

// Cleanup stops the collection loop.
func (m *SystemMonitor) Cleanup() error {
	m.cancel()
	m.wg.Wait()
	return nil
}

func lastGCPauseMs(memStats *runtime.MemStats) float64 {
	return float64(memStats.PauseNs[(memStats.NumGC+255)%256]) / float64(time.Millisecond)
}
