// Package ops serves the operator sidecar listener: prometheus metrics,
// a JSON health snapshot, and a live log tail over websocket. It observes
// the JSON-RPC plane without participating in it, so losing the ops
// listener never affects tool traffic.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/driftsec/dshield-mcp/internal/circuit"
	"github.com/driftsec/dshield-mcp/internal/config"
	"github.com/driftsec/dshield-mcp/internal/health"
	"github.com/driftsec/dshield-mcp/internal/logging"
	"github.com/driftsec/dshield-mcp/internal/ratelimit"
)

const metricsNamespace = "dshield"

// Stats wires the dynamic gauges to live server state. Every field is a
// snapshot function so ops holds no reference to the components it reports
// on; nil fields simply omit their metrics.
type Stats struct {
	Health      func(ctx context.Context) health.Snapshot
	Breakers    func() []circuit.Status
	RateLimiter func() ratelimit.Stats
	Sessions    func() int
	Connections func() int
}

// Server is the optional ops HTTP listener.
type Server struct {
	cfg    config.OpsConfig
	stats  Stats
	logger zerolog.Logger

	registry  *prometheus.Registry
	requests  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	toolCalls *prometheus.CounterVec

	stream *logStream

	mu       sync.Mutex
	listener net.Listener
	httpSrv  *http.Server
}

// New builds the ops server. The broadcaster feeds /logz/stream; pass
// logging.GetBroadcaster() for the process-wide log tail.
func New(cfg config.OpsConfig, stats Stats, broadcaster *logging.Broadcaster, logger zerolog.Logger) *Server {
	log := logger.With().Str("component", "ops").Logger()

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "rpc",
		Name:      "requests_total",
		Help:      "JSON-RPC requests handled, labeled by method and result code (0 = success).",
	}, []string{"method", "code"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "rpc",
		Name:      "request_duration_seconds",
		Help:      "JSON-RPC request latency in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"method"})

	toolCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "tools",
		Name:      "calls_total",
		Help:      "Tool invocations, labeled by tool name and result code (0 = success).",
	}, []string{"tool", "code"})

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		requests,
		duration,
		toolCalls,
		newStateCollector(stats, broadcaster),
	)

	return &Server{
		cfg:       cfg,
		stats:     stats,
		logger:    log,
		registry:  registry,
		requests:  requests,
		duration:  duration,
		toolCalls: toolCalls,
		stream:    newLogStream(broadcaster, log),
	}
}

// ObserveRequest records one finished JSON-RPC request.
func (s *Server) ObserveRequest(method string, code int, elapsed time.Duration) {
	s.requests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	s.duration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// ObserveCall implements mcp.CallObserver for per-tool counters.
func (s *Server) ObserveCall(tool string, code int, elapsed time.Duration) {
	s.toolCalls.WithLabelValues(tool, strconv.Itoa(code)).Inc()
}

// Start binds the listener and serves in the background. Port 0 picks a
// free port; Addr reports the bound address.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/logz/stream", s.stream.handle)

	addr := net.JoinHostPort(s.cfg.Bind, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("ops listen on %s: %w", addr, err)
	}

	// Only the header read gets a server-level deadline: the log stream
	// holds its connection open and manages its own deadlines.
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	s.mu.Lock()
	s.listener = ln
	s.httpSrv = srv
	s.mu.Unlock()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Ops listener started")
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Ops listener failed")
		}
	}()
	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops the listener and disconnects log stream clients.
// http.Server.Shutdown leaves hijacked connections alone, so the stream
// closes its own.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.stream.closeAll()
	return srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.stats.Health == nil {
		http.Error(w, "health snapshot unavailable", http.StatusServiceUnavailable)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	snap := s.stats.Health(ctx)
	status := http.StatusOK
	if snap.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.logger.Debug().Err(err).Msg("Health snapshot write failed")
	}
}

// stateCollector renders breaker, rate limiter, session, and connection
// state as metrics at scrape time instead of mirroring it into gauges.
type stateCollector struct {
	stats       Stats
	broadcaster *logging.Broadcaster

	breakerState    *prometheus.Desc
	breakerTrips    *prometheus.Desc
	limiterAdmitted *prometheus.Desc
	limiterRejected *prometheus.Desc
	sessions        *prometheus.Desc
	connections     *prometheus.Desc
	logDropped      *prometheus.Desc
}

func newStateCollector(stats Stats, broadcaster *logging.Broadcaster) *stateCollector {
	return &stateCollector{
		stats:       stats,
		broadcaster: broadcaster,
		breakerState: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "breaker", "state"),
			"Breaker state per dependency: 0 closed, 1 half-open, 2 open.",
			[]string{"name"}, nil),
		breakerTrips: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "breaker", "trips_total"),
			"Times the breaker opened.",
			[]string{"name"}, nil),
		limiterAdmitted: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "ratelimit", "admitted_total"),
			"Requests admitted by the rate limiter.",
			nil, nil),
		limiterRejected: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "ratelimit", "rejected_total"),
			"Requests rejected by the rate limiter.",
			nil, nil),
		sessions: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "active_sessions"),
			"Authenticated sessions currently alive.",
			nil, nil),
		connections: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "active_connections"),
			"Transport connections currently open.",
			nil, nil),
		logDropped: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "logstream", "dropped_total"),
			"Log lines dropped because a stream subscriber was too slow.",
			nil, nil),
	}
}

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.breakerState
	ch <- c.breakerTrips
	ch <- c.limiterAdmitted
	ch <- c.limiterRejected
	ch <- c.sessions
	ch <- c.connections
	ch <- c.logDropped
}

func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	if c.stats.Breakers != nil {
		for _, st := range c.stats.Breakers() {
			ch <- prometheus.MustNewConstMetric(c.breakerState, prometheus.GaugeValue, breakerStateValue(st.State), st.Name)
			ch <- prometheus.MustNewConstMetric(c.breakerTrips, prometheus.CounterValue, float64(st.TotalTrips), st.Name)
		}
	}
	if c.stats.RateLimiter != nil {
		rl := c.stats.RateLimiter()
		ch <- prometheus.MustNewConstMetric(c.limiterAdmitted, prometheus.CounterValue, float64(rl.Admitted))
		ch <- prometheus.MustNewConstMetric(c.limiterRejected, prometheus.CounterValue, float64(rl.Rejected))
	}
	if c.stats.Sessions != nil {
		ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, float64(c.stats.Sessions()))
	}
	if c.stats.Connections != nil {
		ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(c.stats.Connections()))
	}
	if c.broadcaster != nil {
		ch <- prometheus.MustNewConstMetric(c.logDropped, prometheus.CounterValue, float64(c.broadcaster.Dropped()))
	}
}

func breakerStateValue(state string) float64 {
	switch state {
	case circuit.StateOpen.String():
		return 2
	case circuit.StateHalfOpen.String():
		return 1
	default:
		return 0
	}
}
