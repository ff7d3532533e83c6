// Package campaign turns seed indicators into scored attack campaigns.
// A staged pipeline fetches the events each indicator touches, correlates
// them along IP, infrastructure, behavioral, temporal, geospatial, and
// network axes, and combines the per-method evidence into a confidence
// score and tier.
package campaign

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftsec/dshield-mcp/internal/config"
	"github.com/driftsec/dshield-mcp/internal/elastic"
	"github.com/driftsec/dshield-mcp/internal/errs"
	"github.com/driftsec/dshield-mcp/internal/query"
)

// Correlation methods, in pipeline order. Earlier methods carry more
// scoring weight, which is also the tie-break rule.
const (
	MethodIP             = "ip_correlation"
	MethodInfrastructure = "infrastructure_correlation"
	MethodBehavioral     = "behavioral_correlation"
	MethodTemporal       = "temporal_correlation"
	MethodGeospatial     = "geospatial_correlation"
	MethodNetwork        = "network_correlation"
)

var methodOrder = []string{
	MethodIP,
	MethodInfrastructure,
	MethodBehavioral,
	MethodTemporal,
	MethodGeospatial,
	MethodNetwork,
}

// Confidence tiers.
const (
	TierLow      = "low"
	TierMedium   = "medium"
	TierHigh     = "high"
	TierCritical = "critical"
)

// DefaultAnalysisWindow applies when the caller gives no time range.
const DefaultAnalysisWindow = 7 * 24 * time.Hour

// Campaign is the immutable result of one correlation run. The id is a
// content hash of the inputs, so the same seeds over the same window with
// the same methods always name the same campaign.
type Campaign struct {
	ID           string    `json:"id"`
	Seeds        []string  `json:"seed_indicators"`
	Score        float64   `json:"confidence_score"`
	Tier         string    `json:"confidence_tier"`
	WindowStart  time.Time `json:"window_start"`
	WindowEnd    time.Time `json:"window_end"`
	FirstSeen    time.Time `json:"first_seen,omitempty"`
	LastSeen     time.Time `json:"last_seen,omitempty"`
	Indicators   []string  `json:"related_indicators"`
	EventIDs     []string  `json:"event_ids"`
	MethodsFired []string  `json:"correlation_methods_fired"`
	EventCount   int       `json:"event_count"`
	SourceCount  int       `json:"source_count"`
}

// Analysis is a Campaign plus its timeline and per-method evidence.
type Analysis struct {
	Campaign       Campaign           `json:"campaign"`
	Timeline       []TimelineBucket   `json:"timeline"`
	MethodScores   map[string]float64 `json:"method_scores"`
	MeetsThreshold bool               `json:"meets_threshold"`
}

// EventSource is the slice of the query engine the correlator needs.
type EventSource interface {
	Collect(ctx context.Context, p query.Params, limit int) ([]elastic.Event, error)
}

// AnalyzeParams drives one correlation run.
type AnalyzeParams struct {
	Seeds         []string
	Window        query.TimeRange
	Methods       []string
	MinConfidence float64
	Granularity   string
}

// Correlator owns the pipeline configuration and the behavioral
// signature library.
type Correlator struct {
	source EventSource
	cfg    config.CorrelationConfig
	logger zerolog.Logger

	signatures []signature
	now        func() time.Time
}

// NewCorrelator wires the pipeline over an event source.
func NewCorrelator(source EventSource, cfg config.CorrelationConfig, log zerolog.Logger) *Correlator {
	if cfg.SubnetPrefixBits <= 0 {
		cfg.SubnetPrefixBits = 24
	}
	if cfg.MinGroupSize < 2 {
		cfg.MinGroupSize = 2
	}
	if cfg.TemporalBucketMinutes <= 0 {
		cfg.TemporalBucketMinutes = 60
	}
	if cfg.TemporalOverlap <= 0 || cfg.TemporalOverlap > 1 {
		cfg.TemporalOverlap = 0.5
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 10000
	}
	if cfg.MaxIndicators <= 0 {
		cfg.MaxIndicators = 500
	}
	return &Correlator{
		source:     source,
		cfg:        cfg,
		logger:     log.With().Str("component", "campaign").Logger(),
		signatures: defaultSignatures,
		now:        time.Now,
	}
}

// Analyze runs the full pipeline for one seed set.
func (c *Correlator) Analyze(ctx context.Context, p AnalyzeParams) (*Analysis, error) {
	seeds, err := normalizeSeeds(p.Seeds)
	if err != nil {
		return nil, err
	}
	methods, err := normalizeMethods(p.Methods)
	if err != nil {
		return nil, err
	}
	window, err := c.resolveWindow(p.Window)
	if err != nil {
		return nil, err
	}

	events, err := c.gatherEvents(ctx, seeds, window)
	if err != nil {
		return nil, err
	}

	ws := &workspace{
		cfg:          c.cfg,
		events:       events,
		signatures:   c.signatures,
		seedPrefixes: seedPrefixes(seeds, c.cfg.SubnetPrefixBits),
		window:       window,
	}

	results := make([]stageResult, 0, len(methods))
	for _, method := range methodOrder {
		if !containsString(methods, method) {
			continue
		}
		results = append(results, runStage(method, ws))
	}

	score, fired := combine(results)
	first, last := eventSpan(events)

	campaign := Campaign{
		ID:           contentHash(seeds, window, methods),
		Seeds:        seeds,
		Score:        score,
		Tier:         tierFor(score),
		WindowStart:  window.Start,
		WindowEnd:    window.End,
		FirstSeen:    first,
		LastSeen:     last,
		Indicators:   mergeIndicators(seeds, results, c.cfg.MaxIndicators),
		EventIDs:     eventIDs(events),
		MethodsFired: fired,
		EventCount:   len(events),
		SourceCount:  countSources(events),
	}

	timeline, err := buildTimeline(events, p.Granularity)
	if err != nil {
		return nil, err
	}

	analysis := &Analysis{
		Campaign:       campaign,
		Timeline:       timeline,
		MethodScores:   methodScores(results),
		MeetsThreshold: score >= p.MinConfidence,
	}

	c.logger.Info().
		Str("campaign_id", campaign.ID).
		Int("events", campaign.EventCount).
		Float64("score", campaign.Score).
		Str("tier", campaign.Tier).
		Strs("methods_fired", campaign.MethodsFired).
		Msg("campaign analysis complete")
	return analysis, nil
}

// Timeline rebuilds just the timeline for a known seed set, at a caller
// chosen granularity.
func (c *Correlator) Timeline(ctx context.Context, seeds []string, window query.TimeRange, granularity string) ([]TimelineBucket, error) {
	normalized, err := normalizeSeeds(seeds)
	if err != nil {
		return nil, err
	}
	resolved, err := c.resolveWindow(window)
	if err != nil {
		return nil, err
	}
	events, err := c.gatherEvents(ctx, normalized, resolved)
	if err != nil {
		return nil, err
	}
	return buildTimeline(events, granularity)
}

func (c *Correlator) resolveWindow(w query.TimeRange) (query.TimeRange, error) {
	if w.Start.IsZero() && w.End.IsZero() {
		now := c.now().UTC()
		return query.TimeRange{Start: now.Add(-DefaultAnalysisWindow), End: now}, nil
	}
	if !w.Start.Before(w.End) {
		return query.TimeRange{}, errs.Validation("invalid time range", map[string]string{
			"time_range": "start must be before end",
		})
	}
	return w, nil
}

// gatherEvents is the seed-expansion stage: every event any seed touches
// inside the window, deduplicated, newest first.
func (c *Correlator) gatherEvents(ctx context.Context, seeds []string, window query.TimeRange) ([]elastic.Event, error) {
	seen := make(map[string]bool)
	var out []elastic.Event

	for _, seed := range seeds {
		for _, field := range indicatorFields(seed) {
			budget := c.cfg.MaxEvents - len(out)
			if budget <= 0 {
				c.logger.Warn().
					Int("max_events", c.cfg.MaxEvents).
					Msg("campaign event budget exhausted during seed expansion")
				return sortEvents(out), nil
			}
			events, err := c.source.Collect(ctx, query.Params{
				Filters:   map[string]interface{}{field: seed},
				TimeRange: window,
			}, budget)
			if err != nil {
				return nil, err
			}
			for _, ev := range events {
				if !seen[ev.ID] {
					seen[ev.ID] = true
					out = append(out, ev)
				}
			}
		}
	}
	return sortEvents(out), nil
}

// indicatorFields classifies a seed and picks the fields it can appear in.
func indicatorFields(seed string) []string {
	if _, err := netip.ParseAddr(seed); err == nil {
		return []string{"source_ip", "destination_ip"}
	}
	if _, err := netip.ParsePrefix(seed); err == nil {
		return []string{"source_ip"}
	}
	if isHex(seed) {
		switch len(seed) {
		case 32:
			// MD5-sized: could be a JA3 fingerprint or a legacy hash.
			return []string{"tls_fingerprint", "file_hash"}
		case 40, 64:
			return []string{"file_hash"}
		}
	}
	if strings.Contains(seed, ".") && !strings.ContainsAny(seed, " /") {
		return []string{"domain"}
	}
	return []string{"username"}
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

func normalizeSeeds(seeds []string) ([]string, error) {
	seen := make(map[string]bool)
	out := make([]string, 0, len(seeds))
	for _, s := range seeds {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, errs.Validation("empty seed set", map[string]string{
			"seed_indicators": "at least one indicator is required",
		})
	}
	sort.Strings(out)
	return out, nil
}

func normalizeMethods(methods []string) ([]string, error) {
	if len(methods) == 0 {
		return append([]string(nil), methodOrder...), nil
	}
	seen := make(map[string]bool)
	for _, m := range methods {
		m = strings.ToLower(strings.TrimSpace(m))
		if !containsString(methodOrder, m) {
			return nil, errs.Validation("unknown correlation method", map[string]string{
				"methods": fmt.Sprintf("%q is not one of %s", m, strings.Join(methodOrder, ", ")),
			})
		}
		seen[m] = true
	}
	// Canonical pipeline order regardless of request order.
	out := make([]string, 0, len(seen))
	for _, m := range methodOrder {
		if seen[m] {
			out = append(out, m)
		}
	}
	return out, nil
}

func seedPrefixes(seeds []string, bits int) []netip.Prefix {
	var out []netip.Prefix
	for _, seed := range seeds {
		if addr, err := netip.ParseAddr(seed); err == nil {
			b := bits
			if addr.Is6() {
				b = 64
			}
			if prefix, err := addr.Prefix(b); err == nil {
				out = append(out, prefix)
			}
			continue
		}
		if prefix, err := netip.ParsePrefix(seed); err == nil {
			out = append(out, prefix.Masked())
		}
	}
	return out
}

// contentHash names a campaign by its inputs, not its results.
func contentHash(seeds []string, window query.TimeRange, methods []string) string {
	h := sha256.New()
	fmt.Fprintf(h, "seeds=%s\n", strings.Join(seeds, ","))
	fmt.Fprintf(h, "window=%s/%s\n",
		window.Start.UTC().Format(time.RFC3339),
		window.End.UTC().Format(time.RFC3339))
	fmt.Fprintf(h, "methods=%s\n", strings.Join(methods, ","))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

func sortEvents(events []elastic.Event) []elastic.Event {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.After(events[j].Timestamp)
		}
		return events[i].ID > events[j].ID
	})
	return events
}

func eventSpan(events []elastic.Event) (first, last time.Time) {
	for _, ev := range events {
		if ev.Timestamp.IsZero() {
			continue
		}
		if first.IsZero() || ev.Timestamp.Before(first) {
			first = ev.Timestamp
		}
		if last.IsZero() || ev.Timestamp.After(last) {
			last = ev.Timestamp
		}
	}
	return first, last
}

func eventIDs(events []elastic.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.ID
	}
	return out
}

func countSources(events []elastic.Event) int {
	seen := make(map[string]bool)
	for _, ev := range events {
		if ev.SourceIP != "" {
			seen[ev.SourceIP] = true
		}
	}
	return len(seen)
}

// mergeIndicators folds seeds and per-stage findings into one bounded,
// sorted indicator set.
func mergeIndicators(seeds []string, results []stageResult, max int) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(seeds))
	add := func(s string) {
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}
	for _, s := range seeds {
		add(s)
	}
	for _, r := range results {
		for _, ind := range r.indicators {
			add(ind)
		}
	}
	sort.Strings(out)
	if len(out) > max {
		out = out[:max]
	}
	return out
}

func methodScores(results []stageResult) map[string]float64 {
	out := make(map[string]float64, len(results))
	for _, r := range results {
		out[r.method] = round4(r.contribution)
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func round4(f float64) float64 {
	return float64(int(f*10000+0.5)) / 10000
}
