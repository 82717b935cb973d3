package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the data manager and its
// backing stores.
type Metrics struct {
	FetchRequests   *prometheus.CounterVec // labels: data_type
	FetchDuration   prometheus.Histogram
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	GapsDetected    prometheus.Counter
	GapsFilled      prometheus.Counter
	GapFailures     *prometheus.CounterVec // labels: source
	SourceRequests  *prometheus.CounterVec // labels: source
	RecordsStored   *prometheus.CounterVec // labels: kind
	SQLiteCommitDur prometheus.Histogram
	PartialResults  prometheus.Counter
	SyncRuns        prometheus.Counter
	CoverageSpan    *prometheus.GaugeVec // labels: symbol, timeframe
}

// New registers all metrics on the given registerer and returns them.
// Passing a fresh prometheus.NewRegistry keeps tests isolated.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickvault_fetch_requests_total",
			Help: "Data requests served, by data type",
		}, []string{"data_type"}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tickvault_fetch_duration_seconds",
			Help:    "End-to-end request latency including gap fills",
			Buckets: prometheus.DefBuckets,
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickvault_cache_hits_total",
			Help: "Requests answered entirely from local coverage",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickvault_cache_misses_total",
			Help: "Requests that required at least one remote fetch",
		}),
		GapsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickvault_gaps_detected_total",
			Help: "Coverage gaps computed across all requests",
		}),
		GapsFilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickvault_gaps_filled_total",
			Help: "Coverage gaps fetched and persisted successfully",
		}),
		GapFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickvault_gap_failures_total",
			Help: "Gap fills that failed after retries, by source",
		}, []string{"source"}),
		SourceRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickvault_source_requests_total",
			Help: "Upstream fetches issued, by source",
		}, []string{"source"}),
		RecordsStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickvault_records_stored_total",
			Help: "Ticks and bars written to the store, by kind",
		}, []string{"kind"}),
		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tickvault_sqlite_commit_duration_seconds",
			Help:    "SQLite batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
		PartialResults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickvault_partial_results_total",
			Help: "Requests that returned with unresolved ranges",
		}),
		SyncRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickvault_sync_runs_total",
			Help: "Scheduled sync passes executed",
		}),
		CoverageSpan: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tickvault_coverage_span_seconds",
			Help: "Total covered time per series",
		}, []string{"symbol", "timeframe"}),
	}

	reg.MustRegister(
		m.FetchRequests,
		m.FetchDuration,
		m.CacheHits,
		m.CacheMisses,
		m.GapsDetected,
		m.GapsFilled,
		m.GapFailures,
		m.SourceRequests,
		m.RecordsStored,
		m.SQLiteCommitDur,
		m.PartialResults,
		m.SyncRuns,
		m.CoverageSpan,
	)

	return m
}

// HealthStatus tracks liveness of the store dependencies.
type HealthStatus struct {
	mu sync.RWMutex

	SQLiteOK        bool      `json:"sqlite_ok"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now()}
}

// CheckSQLite runs a trivial query and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, db *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				h.CheckSQLite(probeCtx, db)
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "healthy"
	httpCode := http.StatusOK
	if !h.SQLiteOK {
		status = "unhealthy"
		httpCode = http.StatusServiceUnavailable
	}

	resp := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          status,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(resp)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
	log  *slog.Logger
}

// NewServer creates a metrics and health server backed by the given
// registry.
func NewServer(addr string, reg *prometheus.Registry, health *HealthStatus, log *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: mux},
		log:  log,
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info("metrics server listening", slog.String("addr", s.addr))
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			s.log.Error("metrics server error", slog.Any("error", err))
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
