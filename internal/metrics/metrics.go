package metrics

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mdrelay/internal/model"
)

// Metrics holds all Prometheus metrics for the relay.
type Metrics struct {
	MessagesTotal  *prometheus.CounterVec // labels: kind
	MalformedTotal *prometheus.CounterVec // labels: stage=message|tick
	SkippedTotal   *prometheus.CounterVec // labels: period
	TicksTotal     prometheus.Counter
	BarsTotal      prometheus.Counter
	Tracked        prometheus.Gauge

	// Feed client
	WSFrames     prometheus.Counter
	WSReconnects prometheus.Counter
	WSDrops      prometheus.Counter

	// Batched storage
	FlushRows     prometheus.Counter
	FlushFailures prometheus.Counter
	FlushFailRows prometheus.Counter
	FlushDur      prometheus.Histogram
	BatchPending  prometheus.Gauge

	// Publish side
	Published     prometheus.Counter
	PublishErrors prometheus.Counter
	PublishDrops  prometheus.Counter

	// Circuit breaker
	BreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	BreakerTrips prometheus.Counter
}

// NewMetrics creates the metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in services and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdrelay_messages_total",
			Help: "Inbound feed messages by classification",
		}, []string{"kind"}),
		MalformedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdrelay_malformed_total",
			Help: "Messages or ticks dropped as malformed",
		}, []string{"stage"}),
		SkippedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdrelay_skipped_updates_total",
			Help: "Tick updates not aggregated because of their period",
		}, []string{"period"}),
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdrelay_ticks_total",
			Help: "Ticks observed by the bar tracker",
		}),
		BarsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdrelay_bars_finalized_total",
			Help: "Minute bars finalized",
		}),
		Tracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mdrelay_tracked_instruments",
			Help: "Instruments with open bar state",
		}),

		WSFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdrelay_ws_frames_total",
			Help: "Frames read from the feed WebSocket",
		}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdrelay_ws_reconnects_total",
			Help: "Total WebSocket reconnection attempts",
		}),
		WSDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdrelay_ws_dropped_total",
			Help: "Feed messages dropped because the pipeline input was full",
		}),

		FlushRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdrelay_flush_rows_total",
			Help: "Ticks persisted by batch flushes",
		}),
		FlushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdrelay_flush_failures_total",
			Help: "Batch flushes that failed and were discarded",
		}),
		FlushFailRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdrelay_flush_discarded_rows_total",
			Help: "Ticks discarded with failed batches",
		}),
		FlushDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mdrelay_flush_duration_seconds",
			Help:    "Batch upsert latency",
			Buckets: prometheus.DefBuckets,
		}),
		BatchPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mdrelay_batch_pending",
			Help: "Ticks buffered awaiting the next flush",
		}),

		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdrelay_published_total",
			Help: "Messages published to pub/sub",
		}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdrelay_publish_failed_total",
			Help: "Messages lost to publish failures",
		}),
		PublishDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdrelay_publish_dropped_total",
			Help: "Messages dropped on a full publish queue",
		}),

		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mdrelay_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		BreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdrelay_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
	}

	reg.MustRegister(
		m.MessagesTotal,
		m.MalformedTotal,
		m.SkippedTotal,
		m.TicksTotal,
		m.BarsTotal,
		m.Tracked,
		m.WSFrames,
		m.WSReconnects,
		m.WSDrops,
		m.FlushRows,
		m.FlushFailures,
		m.FlushFailRows,
		m.FlushDur,
		m.BatchPending,
		m.Published,
		m.PublishErrors,
		m.PublishDrops,
		m.BreakerState,
		m.BreakerTrips,
	)

	return m
}

// CheckResult is the outcome of one dependency probe.
type CheckResult struct {
	OK        bool    `json:"ok"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

// HealthStatus tracks dependency liveness for /healthz. A failed check
// marks the service degraded.
type HealthStatus struct {
	mu sync.RWMutex

	checks      map[string]model.Pinger
	results     map[string]CheckResult
	stats       map[string]int64
	lastMessage time.Time
	lastCheckAt time.Time
	startedAt   time.Time
}

// NewHealthStatus returns an empty health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		checks:    make(map[string]model.Pinger),
		results:   make(map[string]CheckResult),
		stats:     make(map[string]int64),
		startedAt: time.Now(),
	}
}

// Register adds a named dependency probe, e.g. "feed", "storage", "publisher".
func (h *HealthStatus) Register(name string, p model.Pinger) {
	h.mu.Lock()
	h.checks[name] = p
	h.mu.Unlock()
}

// SetLastMessageTime records when the pipeline last received a message.
func (h *HealthStatus) SetLastMessageTime(t time.Time) {
	h.mu.Lock()
	h.lastMessage = t
	h.mu.Unlock()
}

// SetStat records a named counter reported under "stats" in /healthz.
func (h *HealthStatus) SetStat(name string, v int64) {
	h.mu.Lock()
	h.stats[name] = v
	h.mu.Unlock()
}

// CheckAll pings every registered dependency and records the results.
func (h *HealthStatus) CheckAll(ctx context.Context) {
	h.mu.RLock()
	checks := make(map[string]model.Pinger, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	h.mu.RUnlock()

	results := make(map[string]CheckResult, len(checks))
	for name, p := range checks {
		start := time.Now()
		err := p.Ping(ctx)
		r := CheckResult{
			OK:        err == nil,
			LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0,
		}
		if err != nil {
			r.Error = err.Error()
		}
		results[name] = r
	}

	h.mu.Lock()
	h.results = results
	h.lastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs CheckAll immediately and then every interval.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			h.CheckAll(probeCtx)
			cancel()

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Healthy reports whether every dependency passed its last check. Before
// the first check nothing is known and the service counts as unhealthy.
func (h *HealthStatus) Healthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.healthyLocked()
}

func (h *HealthStatus) healthyLocked() bool {
	if h.lastCheckAt.IsZero() {
		return len(h.checks) == 0
	}
	for _, r := range h.results {
		if !r.OK {
			return false
		}
	}
	return true
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK
	if !h.healthyLocked() {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	msgAge := ""
	if !h.lastMessage.IsZero() {
		msgAge = time.Since(h.lastMessage).Round(time.Millisecond).String()
	}

	names := make([]string, 0, len(h.results))
	for n := range h.results {
		names = append(names, n)
	}
	sort.Strings(names)
	checks := make(map[string]CheckResult, len(names))
	for _, n := range names {
		checks[n] = h.results[n]
	}

	status := struct {
		Status      string                 `json:"status"`
		Uptime      string                 `json:"uptime"`
		LastMessage string                 `json:"last_message_time"`
		MessageAge  string                 `json:"message_age"`
		Checks      map[string]CheckResult `json:"checks"`
		Stats       map[string]int64       `json:"stats"`
		LastCheckAt string                 `json:"last_check_at"`
	}{
		Status:      overallStatus,
		Uptime:      time.Since(h.startedAt).Round(time.Second).String(),
		LastMessage: h.lastMessage.Format(time.RFC3339),
		MessageAge:  msgAge,
		Checks:      checks,
		Stats:       h.stats,
		LastCheckAt: h.lastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server. gatherer is usually
// prometheus.DefaultGatherer.
func NewServer(addr string, health *HealthStatus, gatherer prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the server's mux.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
