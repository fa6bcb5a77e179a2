package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector exposes Prometheus counters/gauges for the transfer worker's
// own domain: files delivered, bytes sent, duplicate-guard hits/misses,
// archive failures, and the active-transfer gauge a supervisor can poll
// per host (spec.md §9).
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	filesDelivered    *prometheus.CounterVec
	transferDuration  *prometheus.HistogramVec
	bytesSent         *prometheus.HistogramVec
	duplicateResults  *prometheus.CounterVec
	activeTransfers   prometheus.Gauge
	errorCounter      *prometheus.CounterVec

	operations map[string]*OperationMetrics
	lastReset  time.Time

	server *http.Server
}

// Config is the metrics endpoint's configuration.
type Config struct {
	Enabled        bool              `yaml:"enabled"`
	Port           int               `yaml:"port"`
	Path           string            `yaml:"path"`
	Labels         map[string]string `yaml:"labels"`
	Namespace      string            `yaml:"namespace"`
	Subsystem      string            `yaml:"subsystem"`
	UpdateInterval time.Duration     `yaml:"update_interval"`
}

// OperationMetrics tracks a single operation's running totals, queryable
// through GetMetrics without touching the Prometheus registry directly.
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalSize     int64         `json:"total_size"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
	AvgSize       float64       `json:"avg_size"`
}

// DefaultConfig matches spec.md §9's ambient metrics stance: enabled,
// scraped on :9090/metrics, namespaced under afdsend.
func DefaultConfig() *Config {
	return &Config{
		Enabled:        true,
		Port:           9090,
		Path:           "/metrics",
		Namespace:      "afdsend",
		Subsystem:      "twc",
		UpdateInterval: 30 * time.Second,
		Labels:         make(map[string]string),
	}
}

// NewCollector builds a Collector. A disabled config (or Enabled: false)
// yields a Collector whose Record*/Update* calls are all no-ops, so
// callers never need to nil-check before calling them — only before
// dereferencing the field itself.
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	registry := prometheus.NewRegistry()
	collector := &Collector{
		config:     config,
		registry:   registry,
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}

	if err := collector.initMetrics(); err != nil {
		return nil, fmt.Errorf("metrics: init: %w", err)
	}
	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("metrics: register: %w", err)
	}
	return collector, nil
}

// Start serves the Prometheus scrape endpoint and begins the periodic
// update loop; a no-op when metrics are disabled.
func (c *Collector) Start(ctx context.Context) error {
	if c.config == nil || !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/metrics", c.debugMetricsHandler)

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics: server error: %v\n", err)
		}
	}()
	go c.updateLoop(ctx)
	return nil
}

// Stop shuts down the metrics endpoint, if one was started.
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// RecordOperation records one completed transfer-worker operation
// (typically "file_delivery" from the per-file pipeline, spec.md
// §4.3.1) — its outcome, duration, and byte count.
func (c *Collector) RecordOperation(operation string, duration time.Duration, size int64, success bool) {
	if c.config == nil || !c.config.Enabled {
		return
	}

	c.mu.Lock()
	if m, exists := c.operations[operation]; exists {
		m.Count++
		m.TotalDuration += duration
		m.TotalSize += size
		if !success {
			m.Errors++
		}
		m.LastOperation = time.Now()
		m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
		m.AvgSize = float64(m.TotalSize) / float64(m.Count)
	} else {
		errs := int64(0)
		if !success {
			errs = 1
		}
		c.operations[operation] = &OperationMetrics{
			Count: 1, TotalDuration: duration, TotalSize: size, Errors: errs,
			LastOperation: time.Now(), AvgDuration: duration, AvgSize: float64(size),
		}
	}
	c.mu.Unlock()

	status := "success"
	if !success {
		status = "error"
	}
	c.filesDelivered.With(prometheus.Labels{"operation": operation, "status": status}).Inc()
	c.transferDuration.With(prometheus.Labels{"operation": operation}).Observe(duration.Seconds())
	if size > 0 {
		c.bytesSent.With(prometheus.Labels{"operation": operation}).Observe(float64(size))
	}
}

// RecordCacheHit records a duplicate-guard hit — key is the job's
// duplicate-check fingerprint, not used as a label to keep cardinality
// bounded, matching the per-type rollup already used for errors.
func (c *Collector) RecordCacheHit(key string, size int64) {
	if c.config == nil || !c.config.Enabled {
		return
	}
	c.duplicateResults.With(prometheus.Labels{"result": "hit"}).Inc()
}

// RecordCacheMiss records a duplicate-guard miss (the file proceeds to
// upload).
func (c *Collector) RecordCacheMiss(key string, size int64) {
	if c.config == nil || !c.config.Enabled {
		return
	}
	c.duplicateResults.With(prometheus.Labels{"result": "miss"}).Inc()
}

// RecordArchiveFailure records an AUF archive-then-unlink fallback
// (spec.md §4.6: archiving failed, the file was unlinked instead).
func (c *Collector) RecordArchiveFailure() {
	if c.config == nil || !c.config.Enabled {
		return
	}
	c.errorCounter.With(prometheus.Labels{"operation": "archive", "type": "archive_failure"}).Inc()
}

// RecordError records a failed operation by the AFD error taxonomy code
// it surfaced.
func (c *Collector) RecordError(operation string, err error) {
	if c.config == nil || !c.config.Enabled || err == nil {
		return
	}
	c.errorCounter.With(prometheus.Labels{"operation": operation, "type": errorTypeOf(err)}).Inc()
}

// UpdateActiveConnections sets the active-transfer gauge, one worker
// process's view of how many PER_FILE steps are in flight (always 0 or
// 1 per worker, but the gauge is scraped and summed per host by the
// supervisor across workers).
func (c *Collector) UpdateActiveConnections(count int) {
	if c.config == nil || !c.config.Enabled {
		return
	}
	c.activeTransfers.Set(float64(count))
}

// GetMetrics returns a snapshot of the internally tracked per-operation
// totals, independent of the Prometheus registry.
func (c *Collector) GetMetrics() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	operations := make(map[string]*OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		cp := *v
		operations[k] = &cp
	}
	return map[string]interface{}{
		"operations": operations,
		"last_reset": c.lastReset,
		"uptime":     time.Since(c.lastReset),
	}
}

// ResetMetrics clears the internally tracked per-operation totals
// (Prometheus counters themselves are cumulative and are not reset).
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) initMetrics() error {
	c.filesDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace, Subsystem: c.config.Subsystem,
			Name: "files_delivered_total", Help: "Total files processed by the per-file pipeline, by outcome",
		},
		[]string{"operation", "status"},
	)
	c.transferDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: c.config.Namespace, Subsystem: c.config.Subsystem,
			Name: "transfer_duration_seconds", Help: "Per-file transfer duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"operation"},
	)
	c.bytesSent = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: c.config.Namespace, Subsystem: c.config.Subsystem,
			Name: "bytes_sent", Help: "Bytes written to the remote peer per file",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 20),
		},
		[]string{"operation"},
	)
	c.duplicateResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace, Subsystem: c.config.Subsystem,
			Name: "duplicate_guard_results_total", Help: "Duplicate guard (DG) hit/miss counts",
		},
		[]string{"result"},
	)
	c.activeTransfers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: c.config.Namespace, Subsystem: c.config.Subsystem,
			Name: "active_transfers", Help: "Files currently in flight for this worker process",
		},
	)
	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace, Subsystem: c.config.Subsystem,
			Name: "errors_total", Help: "Errors by operation and classified type",
		},
		[]string{"operation", "type"},
	)
	return nil
}

func (c *Collector) registerMetrics() error {
	collectors := []prometheus.Collector{
		c.filesDelivered, c.transferDuration, c.bytesSent,
		c.duplicateResults, c.activeTransfers, c.errorCounter,
	}
	for _, m := range collectors {
		if err := c.registry.Register(m); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collector) updateLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.UpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// No periodic recomputation is currently needed: every
			// gauge here is set synchronously by the caller.
		}
	}
}

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"afdsend-metrics"}`))
}

func (c *Collector) debugMetricsHandler(w http.ResponseWriter, r *http.Request) {
	metrics := c.GetMetrics()
	w.Header().Set("Content-Type", "application/json")
	writef := func(format string, args ...interface{}) { _, _ = fmt.Fprintf(w, format, args...) }

	writef("{\n")
	writef("  \"uptime\": \"%v\",\n", metrics["uptime"])
	writef("  \"last_reset\": \"%v\",\n", metrics["last_reset"])
	writef("  \"operations\": {\n")
	if operations, ok := metrics["operations"].(map[string]*OperationMetrics); ok {
		first := true
		for name, op := range operations {
			if !first {
				writef(",\n")
			}
			writef("    \"%s\": {\n", name)
			writef("      \"count\": %d,\n", op.Count)
			writef("      \"errors\": %d,\n", op.Errors)
			writef("      \"avg_duration\": \"%v\",\n", op.AvgDuration)
			writef("      \"avg_size\": %.2f\n", op.AvgSize)
			writef("    }")
			first = false
		}
	}
	writef("\n  }\n")
	writef("}\n")
}

// errorTypeOf classifies an error string into a small, bounded label
// vocabulary for the errors_total counter.
func errorTypeOf(err error) string {
	s := err.Error()
	switch {
	case containsFold(s, "timeout"):
		return "timeout"
	case containsFold(s, "connection"), containsFold(s, "connect"):
		return "connection"
	case containsFold(s, "permission"), containsFold(s, "denied"):
		return "permission"
	case containsFold(s, "busy"):
		return "busy"
	default:
		return "other"
	}
}

func containsFold(s, substr string) bool {
	sl, subl := []rune(s), []rune(substr)
	if len(subl) == 0 || len(subl) > len(sl) {
		return len(subl) == 0
	}
	lower := func(r rune) rune {
		if r >= 'A' && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return r
	}
	for i := 0; i+len(subl) <= len(sl); i++ {
		match := true
		for j, r := range subl {
			if lower(sl[i+j]) != lower(r) {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
