// Package server is the facade: it constructs every component in
// dependency order, runs the transports, routes frames through the
// dispatcher, and owns graceful shutdown. Nothing below this package
// knows the whole wiring; nothing above it exists except main.
package server

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftsec/dshield-mcp/internal/anomaly"
	"github.com/driftsec/dshield-mcp/internal/auth"
	"github.com/driftsec/dshield-mcp/internal/campaign"
	"github.com/driftsec/dshield-mcp/internal/circuit"
	"github.com/driftsec/dshield-mcp/internal/config"
	"github.com/driftsec/dshield-mcp/internal/elastic"
	"github.com/driftsec/dshield-mcp/internal/errs"
	"github.com/driftsec/dshield-mcp/internal/health"
	"github.com/driftsec/dshield-mcp/internal/logging"
	"github.com/driftsec/dshield-mcp/internal/mcp"
	"github.com/driftsec/dshield-mcp/internal/ops"
	"github.com/driftsec/dshield-mcp/internal/query"
	"github.com/driftsec/dshield-mcp/internal/ratelimit"
	"github.com/driftsec/dshield-mcp/internal/report"
	"github.com/driftsec/dshield-mcp/internal/threatintel"
	"github.com/driftsec/dshield-mcp/internal/tools"
	"github.com/driftsec/dshield-mcp/internal/transport"
)

// ServerName identifies this server in the initialize handshake.
const ServerName = "dshield-mcp"

// Server owns the assembled component graph and the request loop.
type Server struct {
	cfg     *config.Config
	version string
	logger  zerolog.Logger

	limiter    *ratelimit.Limiter
	authn      *auth.Authenticator
	breakers   *circuit.Group
	es         *elastic.Client
	intel      *threatintel.Client
	reports    report.Engine
	health     *health.Manager
	engine     *query.Engine
	correlator *campaign.Correlator
	detector   *anomaly.Detector
	analytics  *errs.Analytics
	registry   *mcp.Registry
	dispatcher *mcp.Dispatcher
	resources  *mcp.ResourceSet
	trans      transport.Transport
	ops        *ops.Server

	// baseCtx bounds pre-auth request work; session-bound requests derive
	// from the session context instead.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	draining atomic.Bool
	inflight sync.WaitGroup
	started  time.Time
}

// New wires the full component graph from a validated config. Nothing
// touches the network here; listeners open in Run.
func New(cfg *config.Config, version string, logger zerolog.Logger) (*Server, error) {
	log := logger.With().Str("component", "server").Logger()

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		DefaultPerMinute: cfg.Auth.Defaults.RateLimitPerMinute,
		Burst:            cfg.Auth.Burst,
		PerConnPerMinute: cfg.Auth.PerConnPerMinute,
		GlobalPerMinute:  cfg.Auth.GlobalPerMinute,
	})
	authn := auth.New(cfg.Auth, limiter)

	breakerCfg := circuit.Config{
		FailureThreshold: cfg.ErrorHandling.CircuitBreaker.FailureThreshold,
		RecoveryTimeout:  cfg.RecoveryTimeout(),
		SuccessThreshold: cfg.ErrorHandling.CircuitBreaker.SuccessThreshold,
		IsFailure:        errs.IsMatchedFailure,
	}
	breakers := circuit.NewGroup()
	esBreaker := circuit.NewBreaker(elastic.ServiceName, breakerCfg)
	tiBreaker := circuit.NewBreaker(threatintel.ServiceName, breakerCfg)
	breakers.Add(esBreaker)
	breakers.Add(tiBreaker)

	es, err := elastic.NewClient(cfg.Elasticsearch, cfg.ErrorHandling.Retry, esBreaker)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch client: %w", err)
	}
	intel, err := threatintel.NewClient(cfg.ThreatIntel, tiBreaker, logger)
	if err != nil {
		return nil, fmt.Errorf("threat intel client: %w", err)
	}
	reports, err := report.NewRenderer(cfg.Report, logger)
	if err != nil {
		return nil, fmt.Errorf("report renderer: %w", err)
	}

	healthMgr := health.NewManager(cfg.Health, health.DefaultFeatures(), logger)
	healthMgr.Register(es)
	healthMgr.Register(intel)
	healthMgr.Register(health.NewProbe(health.DepReportRenderer, reports.Health))
	healthMgr.Register(health.NewDirProber(health.DepOutputDir, cfg.OutputDirectory))

	engine := query.NewEngine(es, cfg.Query, cfg.Streaming, logger)
	correlator := campaign.NewCorrelator(engine, cfg.Correlation, logger)
	detector := anomaly.NewDetector(engine, logger)

	agg := cfg.ErrorHandling.ErrorAggregation
	analytics := errs.NewAnalytics(agg.HistorySize, time.Duration(agg.WindowSeconds)*time.Second)

	registry, err := mcp.NewRegistry(tools.Definitions(tools.Deps{
		Engine:     engine,
		Correlator: correlator,
		Detector:   detector,
		Intel:      intel,
		Reports:    reports,
		Health:     healthMgr,
		Breakers:   breakers,
		Analytics:  analytics,
		OutputDir:  cfg.OutputDirectory,
		Logger:     logger,
	}))
	if err != nil {
		return nil, fmt.Errorf("tool registry: %w", err)
	}
	dispatcher := mcp.NewDispatcher(registry, healthMgr, analytics, cfg.ToolDefaultTimeout(), logger)

	baseCtx, baseCancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		version:    version,
		logger:     log,
		limiter:    limiter,
		authn:      authn,
		breakers:   breakers,
		es:         es,
		intel:      intel,
		reports:    reports,
		health:     healthMgr,
		engine:     engine,
		correlator: correlator,
		detector:   detector,
		analytics:  analytics,
		registry:   registry,
		dispatcher: dispatcher,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}

	s.resources, err = mcp.NewResourceSet(s.resourceCatalog())
	if err != nil {
		baseCancel()
		return nil, fmt.Errorf("resource catalog: %w", err)
	}

	switch cfg.Transport.Mode {
	case config.TransportTCP:
		s.trans = transport.NewTCP(cfg.Transport, logger)
	default:
		s.trans = transport.NewStdio(cfg.Transport, logger)
	}

	if cfg.Ops.Enabled {
		s.ops = ops.New(cfg.Ops, ops.Stats{
			Health:      healthMgr.Snapshot,
			Breakers:    breakers.Statuses,
			RateLimiter: limiter.Snapshot,
			Sessions:    authn.Sessions().Count,
			Connections: func() int { return s.trans.ConnCount() },
		}, logging.GetBroadcaster(), logger)
		dispatcher.SetObserver(s.ops)
	}
	return s, nil
}

// SetTransport replaces the transport before Run. Tests drive the server
// over in-memory pipes or loopback listeners through this.
func (s *Server) SetTransport(t transport.Transport) {
	s.trans = t
}

// Dispatcher exposes the dispatcher for resource closures and tests.
func (s *Server) Dispatcher() *mcp.Dispatcher {
	return s.dispatcher
}

// ApplyReload applies the runtime-updatable config subset: log level and
// the api key set. Everything else requires a restart; the watcher already
// validated the new tree.
func (s *Server) ApplyReload(next *config.Config) {
	logging.SetGlobalLevel(next.Logging.Level)
	s.authn.ReplaceKeys(next.Auth.Keys)
	s.logger.Info().Msg("runtime config applied")
}

// Run starts every component and serves until ctx is canceled or the
// transport's inbound channel closes. The returned error is a startup
// failure; a clean shutdown returns nil.
func (s *Server) Run(ctx context.Context) error {
	s.started = time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.health.Start(runCtx)

	if s.ops != nil {
		if err := s.ops.Start(); err != nil {
			s.health.Stop()
			return fmt.Errorf("ops listener: %w", err)
		}
	}

	s.trans.SetConnCloseHandler(s.onConnClose)
	if err := s.trans.Start(runCtx); err != nil {
		s.health.Stop()
		return fmt.Errorf("transport: %w", err)
	}

	s.logger.Info().
		Str("version", s.version).
		Str("transport", s.cfg.Transport.Mode).
		Int("tools", s.registry.Len()).
		Msg("server started")

	inbound := s.trans.Inbound()
	for {
		select {
		case in, ok := <-inbound:
			if !ok {
				// Transport drained itself (stdio EOF). Shut down cleanly.
				s.shutdown(context.Background())
				return nil
			}
			s.accept(runCtx, in)
		case <-ctx.Done():
			s.shutdown(context.Background())
			return nil
		}
	}
}

// accept launches one request goroutine, or refuses the frame when the
// server is draining.
func (s *Server) accept(ctx context.Context, in transport.Inbound) {
	if s.draining.Load() {
		s.refuse(in)
		return
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer in.Done()
		s.handleFrame(ctx, in)
	}()
}

// refuse answers a frame that arrived after drain began. The peer gets a
// response rather than silence so it can reconnect elsewhere.
func (s *Server) refuse(in transport.Inbound) {
	defer in.Done()
	id := mcp.RecoverID(in.Frame)
	e := errs.InvalidRequest("server is shutting down")
	s.send(in.ConnID, mcp.NewError(id, e))
}

// onConnClose tears down per-connection state on any close path.
func (s *Server) onConnClose(connID string) {
	s.authn.Sessions().DropConn(connID)
	s.limiter.ReleaseConn(connID)
}

// shutdown runs the drain protocol: stop new work, wait for in-flight
// requests up to the deadline, cancel stragglers, then close transports
// and adapters.
func (s *Server) shutdown(ctx context.Context) {
	deadline := s.cfg.ShutdownTimeout()
	s.logger.Info().Dur("deadline", deadline).Msg("shutting down")
	s.draining.Store(true)

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	drainCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	select {
	case <-done:
	case <-drainCtx.Done():
		s.logger.Warn().Msg("drain deadline reached, canceling in-flight requests")
	}

	// Cancel whatever is still running, sessions and pre-auth work alike.
	s.authn.Sessions().Shutdown()
	s.baseCancel()
	<-done

	if err := s.trans.Shutdown(drainCtx); err != nil {
		s.logger.Warn().Err(err).Msg("transport shutdown incomplete")
	}
	if s.ops != nil {
		if err := s.ops.Shutdown(drainCtx); err != nil {
			s.logger.Warn().Err(err).Msg("ops shutdown incomplete")
		}
	}
	s.health.Stop()
	s.limiter.Stop()
	if err := s.intel.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("threat intel close failed")
	}
	s.logger.Info().Msg("shutdown complete")
}
