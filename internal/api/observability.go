package api

import (
	"bufio"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"flock-sim/internal/sim"
	"flock-sim/internal/spatial"
)

// Labels are bounded: index kinds, HTTP methods, route patterns and a fixed
// set of rejection reasons.
var (
	tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flock_tick_duration_seconds",
		Help:    "Time spent in one simulation tick.",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05},
	})

	renderDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flock_render_duration_seconds",
		Help:    "Time spent rendering a PNG frame.",
		Buckets: []float64{0.005, 0.01, 0.02, 0.033, 0.05, 0.1},
	})

	boidCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flock_boids",
		Help: "Current number of boids.",
	})

	neighborCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flock_neighbors_last_tick",
		Help: "Neighbors considered during the last tick.",
	})

	activeKind = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flock_index_active",
		Help: "1 for the active spatial index kind.",
	}, []string{"kind"})

	indexNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flock_index_nodes",
		Help: "Nodes or cells in the active index.",
	})

	rebuildsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flock_index_rebuilds_total",
		Help: "Periodic index rebuilds.",
	})

	modeSwitchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flock_index_switches_total",
		Help: "Index variant switches.",
	})

	colliderUpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flock_collider_updates_total",
		Help: "Periodic collider re-tagging passes.",
	})

	batchedTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flock_batched_ticks_total",
		Help: "Ticks steered through cell batching.",
	})

	eventLogTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flock_event_log_total",
		Help: "Events recorded.",
	})

	eventLogDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flock_event_log_dropped_total",
		Help: "Events dropped by rate limits or ring overflow.",
	})

	connectionRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flock_connection_rejected_total",
		Help: "Requests or connections rejected.",
	}, []string{"reason"}) // rate_limit, origin, ws_total_limit, ws_ip_limit, unauthorized

	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flock_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint"})

	requestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flock_http_requests_total",
		Help: "HTTP requests.",
	}, []string{"method", "endpoint", "status"})

	wsConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flock_websocket_connections_active",
		Help: "Active WebSocket connections.",
	})

	wsMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flock_websocket_messages_total",
		Help: "WebSocket frames broadcast.",
	})
)

var kindLabels = []spatial.Kind{spatial.KindOctree, spatial.KindGrid, spatial.KindBVH}

// RecordTick folds one tick into the metrics. It is meant to be registered
// with Simulator.OnTick.
func RecordTick(stats sim.TickStats) {
	tickDuration.Observe(stats.Duration.Seconds())
	boidCount.Set(float64(stats.Boids))
	neighborCount.Set(float64(stats.Neighbors))
	for _, k := range kindLabels {
		v := 0.0
		if k.String() == stats.Kind {
			v = 1
		}
		activeKind.WithLabelValues(k.String()).Set(v)
	}
	if stats.Rebuilt {
		rebuildsTotal.Inc()
	}
	if stats.Switched {
		modeSwitchesTotal.Inc()
	}
	if stats.CollidersUpdated {
		colliderUpdatesTotal.Inc()
	}
	if stats.Batched {
		batchedTicksTotal.Inc()
	}
}

// RecordIndex publishes the shape of the active index.
func RecordIndex(stats spatial.Stats) {
	indexNodes.Set(float64(stats.Nodes))
}

func RecordRender(d time.Duration) {
	renderDuration.Observe(d.Seconds())
}

// EventLogMetrics turns event log totals into counter increments.
type EventLogMetrics struct {
	mu      sync.Mutex
	total   uint64
	dropped uint64
}

// Update adds the growth since the previous call.
func (m *EventLogMetrics) Update(stats sim.EventLogStats) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if stats.Total > m.total {
		eventLogTotal.Add(float64(stats.Total - m.total))
		m.total = stats.Total
	}
	if stats.Dropped > m.dropped {
		eventLogDropped.Add(float64(stats.Dropped - m.dropped))
		m.dropped = stats.Dropped
	}
}

func RecordConnectionRejected(reason string) {
	connectionRejected.WithLabelValues(reason).Inc()
}

func RecordRequest(method, endpoint string, status int, d time.Duration) {
	requestLatency.WithLabelValues(method, endpoint).Observe(d.Seconds())
	requestTotal.WithLabelValues(method, endpoint, http.StatusText(status)).Inc()
}

func UpdateWSConnections(count int) {
	wsConnectionsActive.Set(float64(count))
}

func IncrementWSMessages() {
	wsMessagesTotal.Inc()
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack lets WebSocket upgrades pass through.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// metricsMiddleware records latency by chi route pattern. Unmatched paths
// share one label.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		endpoint := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				endpoint = pattern
			}
		}
		RecordRequest(r.Method, endpoint, rec.status, time.Since(start))
	})
}

// ObservabilityConfig configures the debug server.
type ObservabilityConfig struct {
	Enabled       bool   `json:"enabled" toml:"enabled"`
	ListenAddr    string `json:"listenAddr" toml:"listen_addr"`
	AllowExternal bool   `json:"allowExternal" toml:"allow_external"`
	BasicAuthUser string `json:"-" toml:"basic_auth_user"`
	BasicAuthPass string `json:"-" toml:"basic_auth_pass"`
}

func DefaultObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		Enabled:    true,
		ListenAddr: "127.0.0.1:6060",
	}
}

// DebugHandler serves pprof, Prometheus metrics and a health check.
func DebugHandler(cfg ObservabilityConfig) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if cfg.BasicAuthUser != "" {
		return basicAuthMiddleware(cfg.BasicAuthUser, cfg.BasicAuthPass, mux)
	}
	return mux
}

// NewDebugServer returns the debug server, or nil when it is disabled.
// Non-loopback addresses are replaced by 127.0.0.1:6060 unless
// AllowExternal is set.
func NewDebugServer(cfg ObservabilityConfig) *http.Server {
	if !cfg.Enabled {
		logs.WithTag("addr", cfg.ListenAddr).Debug("debug server disabled")
		return nil
	}

	addr := cfg.ListenAddr
	if !cfg.AllowExternal && !isLoopback(addr) {
		logs.Warn(errors.New("debug server forced to localhost").WithTag("addr", addr))
		addr = "127.0.0.1:6060"
	}
	return &http.Server{
		Addr:              addr,
		Handler:           DebugHandler(cfg),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func basicAuthMiddleware(user, pass string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="debug"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
