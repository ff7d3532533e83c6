// Package health probes backend dependencies and derives feature
// availability from them. Tools are hidden rather than broken: when a
// dependency goes down, every feature that requires it flips to
// unavailable and the registry stops advertising the affected tools.
package health

import (
	"context"
	"fmt"
	"math"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	gocpu "github.com/shirou/gopsutil/v4/cpu"
	gohost "github.com/shirou/gopsutil/v4/host"
	gomem "github.com/shirou/gopsutil/v4/mem"
	"golang.org/x/sync/errgroup"

	"github.com/driftsec/dshield-mcp/internal/config"
	"github.com/driftsec/dshield-mcp/internal/errs"
)

// Dependency names, matching the ServiceName constants of the backend
// adapters that implement Prober.
const (
	DepElasticsearch  = "elasticsearch"
	DepThreatIntelAPI = "threat_intel_api"
	DepReportRenderer = "report_renderer"
	DepOutputDir      = "output_dir_writable"
)

// Feature names referenced by tool definitions.
const (
	FeatureElasticsearchQueries = "elasticsearch_queries"
	FeatureCampaignAnalysis     = "campaign_analysis"
	FeatureStreaming            = "streaming"
	FeatureStatisticalAnalysis  = "statistical_analysis"
	FeatureThreatEnrichment     = "threat_enrichment"
	FeaturePDFReports           = "pdf_reports"
)

// DefaultFeatures maps each feature to the dependencies it requires,
// in the order missing dependencies should be reported.
func DefaultFeatures() map[string][]string {
	return map[string][]string{
		FeatureElasticsearchQueries: {DepElasticsearch},
		FeatureCampaignAnalysis:     {DepElasticsearch},
		FeatureStreaming:            {DepElasticsearch},
		FeatureStatisticalAnalysis:  {DepElasticsearch},
		FeatureThreatEnrichment:     {DepThreatIntelAPI},
		FeaturePDFReports:           {DepReportRenderer, DepOutputDir},
	}
}

// Prober is implemented by every backend adapter the manager watches.
type Prober interface {
	Name() string
	Health(ctx context.Context) error
}

type probeFunc struct {
	name string
	fn   func(context.Context) error
}

// NewProbe adapts a bare function to the Prober interface.
func NewProbe(name string, fn func(context.Context) error) Prober {
	return &probeFunc{name: name, fn: fn}
}

func (p *probeFunc) Name() string { return p.name }

func (p *probeFunc) Health(ctx context.Context) error { return p.fn(ctx) }

// DirProber reports healthy while its directory exists and accepts writes.
type DirProber struct {
	name string
	dir  string
}

// NewDirProber watches dir under the given dependency name.
func NewDirProber(name, dir string) *DirProber {
	return &DirProber{name: name, dir: dir}
}

func (p *DirProber) Name() string { return p.name }

// Health creates and removes a scratch file to prove the directory is
// writable, creating the directory first if it does not exist yet.
func (p *DirProber) Health(_ context.Context) error {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	f, err := os.CreateTemp(p.dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("output directory not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return nil
}

// DependencyStatus is the probe outcome for a single backend.
type DependencyStatus struct {
	Name                string    `json:"name"`
	Healthy             bool      `json:"healthy"`
	Probed              bool      `json:"probed"`
	LastError           string    `json:"last_error,omitempty"`
	LastChecked         time.Time `json:"last_checked"`
	LastHealthy         time.Time `json:"last_healthy"`
	LatencyMS           int64     `json:"latency_ms"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// FeatureStatus reports one feature and the dependencies it is missing.
type FeatureStatus struct {
	Name      string   `json:"name"`
	Available bool     `json:"available"`
	Requires  []string `json:"requires"`
	Missing   []string `json:"missing,omitempty"`
}

// SystemStats carries process and host resource usage for the snapshot.
type SystemStats struct {
	Hostname          string  `json:"hostname,omitempty"`
	Platform          string  `json:"platform,omitempty"`
	CPUPercent        float64 `json:"cpu_percent"`
	MemoryUsedPercent float64 `json:"memory_used_percent"`
	MemoryTotalBytes  uint64  `json:"memory_total_bytes"`
	MemoryUsedBytes   uint64  `json:"memory_used_bytes"`
	Goroutines        int     `json:"goroutines"`
}

// Snapshot is a point-in-time view of dependency health, feature
// availability, and server resource usage.
type Snapshot struct {
	Status        string             `json:"status"`
	GeneratedAt   time.Time          `json:"generated_at"`
	UptimeSeconds int64              `json:"uptime_seconds"`
	Dependencies  []DependencyStatus `json:"dependencies"`
	Features      []FeatureStatus    `json:"features"`
	System        SystemStats        `json:"system"`
}

// System call wrappers for testing.
var (
	hostInfo      = gohost.InfoWithContext
	cpuPercent    = gocpu.PercentWithContext
	virtualMemory = gomem.VirtualMemoryWithContext
)

// Manager owns the probe scheduler and the feature table.
type Manager struct {
	interval time.Duration
	timeout  time.Duration
	features map[string][]string
	logger   zerolog.Logger

	mu        sync.Mutex
	probers   []Prober
	deps      map[string]*DependencyStatus
	featureUp map[string]bool
	running   bool
	cancel    context.CancelFunc

	wg      sync.WaitGroup
	started time.Time
	now     func() time.Time
}

// NewManager builds a manager for the given feature table. Probers are
// added with Register before Start.
func NewManager(cfg config.HealthConfig, features map[string][]string, log zerolog.Logger) *Manager {
	interval := time.Duration(cfg.ProbeIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timeout := time.Duration(cfg.ProbeTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if features == nil {
		features = DefaultFeatures()
	}
	m := &Manager{
		interval:  interval,
		timeout:   timeout,
		features:  features,
		logger:    log.With().Str("component", "health").Logger(),
		deps:      make(map[string]*DependencyStatus),
		featureUp: make(map[string]bool),
		now:       time.Now,
	}
	m.started = m.now()
	return m
}

// Register adds a prober. Its dependency shows up in snapshots
// immediately, unprobed and unhealthy until the first run completes.
func (m *Manager) Register(p Prober) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probers = append(m.probers, p)
	if _, ok := m.deps[p.Name()]; !ok {
		m.deps[p.Name()] = &DependencyStatus{Name: p.Name()}
	}
}

// Start launches the probe loop. The first round runs immediately;
// startup never waits for it.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.loop(ctx)
	}()
}

// Stop halts the probe loop and waits for in-flight probes.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.running = false
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

func (m *Manager) loop(ctx context.Context) {
	m.RunProbes(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunProbes(ctx)
		}
	}
}

// RunProbes executes every registered prober in parallel and recomputes
// feature availability once all results are in.
func (m *Manager) RunProbes(ctx context.Context) {
	m.mu.Lock()
	probers := make([]Prober, len(m.probers))
	copy(probers, m.probers)
	m.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, p := range probers {
		g.Go(func() error {
			m.probeOne(ctx, p)
			return nil
		})
	}
	g.Wait()

	m.logFeatureTransitions()
}

// probeOne runs a single probe under the per-probe timeout. A prober
// that ignores cancellation is abandoned rather than waited on.
func (m *Manager) probeOne(ctx context.Context, p Prober) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := m.now()
	done := make(chan error, 1)
	go func() { done <- p.Health(ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("health probe timed out after %s", m.timeout)
	}
	m.record(p.Name(), err, m.now().Sub(start))
}

func (m *Manager) record(name string, err error, elapsed time.Duration) {
	m.mu.Lock()
	st, ok := m.deps[name]
	if !ok {
		st = &DependencyStatus{Name: name}
		m.deps[name] = st
	}
	wasProbed, wasHealthy := st.Probed, st.Healthy
	st.Probed = true
	st.LastChecked = m.now()
	st.LatencyMS = elapsed.Milliseconds()
	if err != nil {
		st.Healthy = false
		st.LastError = err.Error()
		st.ConsecutiveFailures++
	} else {
		st.Healthy = true
		st.LastError = ""
		st.ConsecutiveFailures = 0
		st.LastHealthy = st.LastChecked
	}
	healthy, failures := st.Healthy, st.ConsecutiveFailures
	m.mu.Unlock()

	switch {
	case !wasProbed && healthy:
		m.logger.Info().Str("dependency", name).Msg("dependency healthy")
	case !wasProbed && !healthy:
		m.logger.Warn().Str("dependency", name).Err(err).Msg("dependency unhealthy")
	case wasHealthy && !healthy:
		m.logger.Warn().Str("dependency", name).Err(err).Msg("dependency became unhealthy")
	case !wasHealthy && healthy:
		m.logger.Info().Str("dependency", name).Msg("dependency recovered")
	case !healthy:
		m.logger.Debug().Str("dependency", name).Int("consecutive_failures", failures).Err(err).Msg("dependency still unhealthy")
	}
}

func (m *Manager) logFeatureTransitions() {
	m.mu.Lock()
	type change struct {
		name      string
		available bool
		missing   []string
	}
	var changes []change
	for feature := range m.features {
		available, missing := m.availableLocked(feature)
		if prev, seen := m.featureUp[feature]; !seen || prev != available {
			m.featureUp[feature] = available
			changes = append(changes, change{feature, available, missing})
		}
	}
	m.mu.Unlock()

	sort.Slice(changes, func(i, j int) bool { return changes[i].name < changes[j].name })
	for _, c := range changes {
		if c.available {
			m.logger.Info().Str("feature", c.name).Msg("feature available")
		} else {
			m.logger.Warn().Str("feature", c.name).Strs("missing", c.missing).Msg("feature unavailable")
		}
	}
}

// IsAvailable reports whether every dependency of the feature is
// healthy, along with the dependencies currently missing.
func (m *Manager) IsAvailable(feature string) (bool, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.availableLocked(feature)
}

func (m *Manager) availableLocked(feature string) (bool, []string) {
	deps, ok := m.features[feature]
	if !ok {
		return false, []string{feature}
	}
	var missing []string
	for _, d := range deps {
		st, ok := m.deps[d]
		if !ok || !st.Probed || !st.Healthy {
			missing = append(missing, d)
		}
	}
	return len(missing) == 0, missing
}

// Guard returns nil when the feature is available, otherwise a
// FEATURE_UNAVAILABLE error naming the first missing dependency.
func (m *Manager) Guard(feature string) error {
	ok, missing := m.IsAvailable(feature)
	if ok {
		return nil
	}
	service := feature
	if len(missing) > 0 {
		service = missing[0]
	}
	return errs.FeatureUnavailable(feature, service)
}

// Snapshot renders the full health view, including host resource usage.
func (m *Manager) Snapshot(ctx context.Context) Snapshot {
	m.mu.Lock()
	snap := Snapshot{
		Status:        "healthy",
		GeneratedAt:   m.now(),
		UptimeSeconds: int64(m.now().Sub(m.started).Seconds()),
	}
	for _, st := range m.deps {
		snap.Dependencies = append(snap.Dependencies, *st)
		if !st.Healthy {
			snap.Status = "degraded"
		}
	}
	for feature := range m.features {
		available, missing := m.availableLocked(feature)
		snap.Features = append(snap.Features, FeatureStatus{
			Name:      feature,
			Available: available,
			Requires:  m.features[feature],
			Missing:   missing,
		})
	}
	m.mu.Unlock()

	sort.Slice(snap.Dependencies, func(i, j int) bool { return snap.Dependencies[i].Name < snap.Dependencies[j].Name })
	sort.Slice(snap.Features, func(i, j int) bool { return snap.Features[i].Name < snap.Features[j].Name })
	snap.System = collectSystem(ctx)
	return snap
}

// collectSystem gathers best-effort host stats; failures leave fields zero.
func collectSystem(ctx context.Context) SystemStats {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	stats := SystemStats{Goroutines: runtime.NumGoroutine()}
	if info, err := hostInfo(ctx); err == nil && info != nil {
		stats.Hostname = info.Hostname
		stats.Platform = fmt.Sprintf("%s %s", info.Platform, info.PlatformVersion)
	}
	if pct, err := cpuPercent(ctx, 0, false); err == nil && len(pct) > 0 {
		stats.CPUPercent = round1(pct[0])
	}
	if mem, err := virtualMemory(ctx); err == nil && mem != nil {
		stats.MemoryUsedPercent = round1(mem.UsedPercent)
		stats.MemoryTotalBytes = mem.Total
		stats.MemoryUsedBytes = mem.Used
	}
	return stats
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
