package campaign

import (
	"context"
	"net/netip"
	"sort"
	"time"

	"github.com/driftsec/dshield-mcp/internal/elastic"
	"github.com/driftsec/dshield-mcp/internal/errs"
	"github.com/driftsec/dshield-mcp/internal/query"
)

// Expansion strategies.
const (
	StrategyIP             = "ip"
	StrategyInfrastructure = "infrastructure"
	StrategyAll            = "all"
)

// Expansion reports what ExpandIndicators discovered.
type Expansion struct {
	CampaignID string   `json:"campaign_id"`
	Strategy   string   `json:"strategy"`
	Depth      int      `json:"depth"`
	Added      []string `json:"added_indicators"`
	Indicators []string `json:"indicators"`
	Visited    int      `json:"visited"`
}

// ExpandIndicators walks outward from a campaign's indicator set: fetch
// the events each frontier indicator touches, harvest new indicators from
// them, repeat. A visited set prevents cycles; depth is clamped to the
// configured cap and the indicator set to the configured maximum.
func (c *Correlator) ExpandIndicators(ctx context.Context, camp Campaign, strategy string, depth int) (*Expansion, error) {
	switch strategy {
	case "":
		strategy = StrategyAll
	case StrategyIP, StrategyInfrastructure, StrategyAll:
	default:
		return nil, errs.Validation("unknown expansion strategy", map[string]string{
			"strategy": "must be one of ip, infrastructure, all",
		})
	}
	if depth <= 0 {
		depth = 1
	}
	if limit := c.cfg.ExpansionDepthCap; limit > 0 && depth > limit {
		depth = limit
	}

	window := query.TimeRange{Start: camp.WindowStart, End: camp.WindowEnd}
	if window.Start.IsZero() || window.End.IsZero() {
		now := c.now().UTC()
		window = query.TimeRange{Start: now.Add(-DefaultAnalysisWindow), End: now}
	}

	visited := make(map[string]bool)
	var frontier []string
	for _, ind := range camp.Indicators {
		if !visited[ind] {
			visited[ind] = true
			frontier = append(frontier, ind)
		}
	}
	for _, seed := range camp.Seeds {
		if !visited[seed] {
			visited[seed] = true
			frontier = append(frontier, seed)
		}
	}
	sort.Strings(frontier)

	var added []string
	budget := c.cfg.MaxEvents
	for level := 0; level < depth && len(frontier) > 0; level++ {
		var next []string
		for _, indicator := range frontier {
			if budget <= 0 || len(visited) >= c.cfg.MaxIndicators {
				break
			}
			if !queryable(indicator) {
				continue
			}
			events, err := c.fetchIndicator(ctx, indicator, window, budget)
			if err != nil {
				return nil, err
			}
			budget -= len(events)
			for _, found := range harvestIndicators(events, strategy, c.cfg.SubnetPrefixBits) {
				if visited[found] {
					continue
				}
				if len(visited) >= c.cfg.MaxIndicators {
					break
				}
				visited[found] = true
				next = append(next, found)
				added = append(added, found)
			}
		}
		sort.Strings(next)
		frontier = next
	}

	all := make([]string, 0, len(visited))
	for ind := range visited {
		all = append(all, ind)
	}
	sort.Strings(all)
	sort.Strings(added)
	if added == nil {
		added = []string{}
	}

	c.logger.Info().
		Str("campaign_id", camp.ID).
		Str("strategy", strategy).
		Int("depth", depth).
		Int("added", len(added)).
		Msg("indicator expansion complete")
	return &Expansion{
		CampaignID: camp.ID,
		Strategy:   strategy,
		Depth:      depth,
		Added:      added,
		Indicators: all,
		Visited:    len(visited),
	}, nil
}

func (c *Correlator) fetchIndicator(ctx context.Context, indicator string, window query.TimeRange, budget int) ([]elastic.Event, error) {
	var out []elastic.Event
	seen := make(map[string]bool)
	for _, field := range indicatorFields(indicator) {
		if budget-len(out) <= 0 {
			break
		}
		events, err := c.source.Collect(ctx, query.Params{
			Filters:   map[string]interface{}{field: indicator},
			TimeRange: window,
		}, budget-len(out))
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
	return out, nil
}

// queryable filters out derived indicators (behavior:, geo: prefixes)
// that have no document field to pivot on.
func queryable(indicator string) bool {
	for _, prefix := range []string{"behavior:", "geo:"} {
		if len(indicator) > len(prefix) && indicator[:len(prefix)] == prefix {
			return false
		}
	}
	return true
}

func harvestIndicators(events []elastic.Event, strategy string, bits int) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, ev := range events {
		if strategy == StrategyIP || strategy == StrategyAll {
			add(ev.SourceIP)
			if prefix, ok := subnetOf(ev.SourceIP, bits); ok {
				add(prefix)
			}
		}
		if strategy == StrategyInfrastructure || strategy == StrategyAll {
			add(ev.Domain)
			add(ev.TLSFingerprint)
			add(ev.FileHash)
		}
	}
	sort.Strings(out)
	return out
}

// Similarity is the result of comparing two campaigns.
type Similarity struct {
	CampaignA         string  `json:"campaign_a"`
	CampaignB         string  `json:"campaign_b"`
	IndicatorOverlap  float64 `json:"indicator_overlap"`
	TTPOverlap        float64 `json:"ttp_overlap"`
	TemporalProximity float64 `json:"temporal_proximity"`
	Score             float64 `json:"similarity_score"`
}

// Compare scores how alike two campaigns are: Jaccard overlap of their
// indicator sets, Jaccard overlap of their fired methods, and how close
// their activity spans sit. Weighted 0.5/0.3/0.2.
func Compare(a, b Campaign) Similarity {
	io := jaccard(a.Indicators, b.Indicators)
	ttp := jaccard(a.MethodsFired, b.MethodsFired)
	tp := temporalProximity(a, b)
	return Similarity{
		CampaignA:         a.ID,
		CampaignB:         b.ID,
		IndicatorOverlap:  round4(io),
		TTPOverlap:        round4(ttp),
		TemporalProximity: round4(tp),
		Score:             round4(0.5*io + 0.3*ttp + 0.2*tp),
	}
}

func jaccard(a, b []string) float64 {
	setA := make(map[string]bool, len(a))
	for _, s := range a {
		setA[s] = true
	}
	union := make(map[string]bool, len(a)+len(b))
	for s := range setA {
		union[s] = true
	}
	shared := 0
	for _, s := range b {
		if setA[s] {
			shared++
			delete(setA, s)
		}
		union[s] = true
	}
	if len(union) == 0 {
		return 0
	}
	return float64(shared) / float64(len(union))
}

// temporalProximity is 1.0 when one span fully covers the other, scaling
// down with partial overlap, and decaying with the gap when disjoint.
func temporalProximity(a, b Campaign) float64 {
	if a.FirstSeen.IsZero() || b.FirstSeen.IsZero() {
		return 0
	}
	start := a.FirstSeen
	if b.FirstSeen.After(start) {
		start = b.FirstSeen
	}
	end := a.LastSeen
	if b.LastSeen.Before(end) {
		end = b.LastSeen
	}
	if overlap := end.Sub(start); overlap >= 0 {
		shorter := a.LastSeen.Sub(a.FirstSeen)
		if s := b.LastSeen.Sub(b.FirstSeen); s < shorter {
			shorter = s
		}
		if shorter <= 0 {
			return 1
		}
		return clamp01(float64(overlap) / float64(shorter))
	}
	gap := start.Sub(end)
	return 1 / (1 + gap.Hours()/24)
}

// OngoingParams drives DetectOngoing.
type OngoingParams struct {
	Window        query.TimeRange
	MinConfidence float64
	MinEvents     int
	MaxCampaigns  int
}

// DefaultDetectionWindow applies when DetectOngoing gets no time range.
const DefaultDetectionWindow = 24 * time.Hour

// DetectOngoing sweeps the window for sources busy enough to seed a
// campaign, analyzes each candidate, and returns the campaigns that clear
// the confidence threshold. Candidates whose address already falls inside
// an accepted campaign's subnets are skipped, so one botnet does not
// surface as many campaigns. Deterministic for a fixed window and event
// set.
func (c *Correlator) DetectOngoing(ctx context.Context, p OngoingParams) ([]Analysis, error) {
	window := p.Window
	if window.Start.IsZero() && window.End.IsZero() {
		now := c.now().UTC()
		window = query.TimeRange{Start: now.Add(-DefaultDetectionWindow), End: now}
	} else if !window.Start.Before(window.End) {
		return nil, errs.Validation("invalid time range", map[string]string{
			"time_range": "start must be before end",
		})
	}
	minEvents := p.MinEvents
	if minEvents <= 0 {
		minEvents = c.cfg.MinGroupSize
	}
	maxCampaigns := p.MaxCampaigns
	if maxCampaigns <= 0 {
		maxCampaigns = 10
	}
	if maxCampaigns > 50 {
		maxCampaigns = 50
	}
	minConfidence := p.MinConfidence
	if minConfidence <= 0 {
		minConfidence = 0.5
	}

	sweep, err := c.source.Collect(ctx, query.Params{TimeRange: window}, c.cfg.MaxEvents)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	for _, ev := range sweep {
		if ev.SourceIP != "" {
			counts[ev.SourceIP]++
		}
	}
	type candidate struct {
		ip string
		n  int
	}
	candidates := make([]candidate, 0, len(counts))
	for ip, n := range counts {
		if n >= minEvents {
			candidates = append(candidates, candidate{ip: ip, n: n})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].n != candidates[j].n {
			return candidates[i].n > candidates[j].n
		}
		return candidates[i].ip < candidates[j].ip
	})
	if limit := maxCampaigns * 2; len(candidates) > limit {
		candidates = candidates[:limit]
	}

	var out []Analysis
	var claimed []netip.Prefix
	for _, cand := range candidates {
		if len(out) >= maxCampaigns {
			break
		}
		if _, ok := containedBy(cand.ip, claimed); ok {
			continue
		}
		analysis, err := c.Analyze(ctx, AnalyzeParams{
			Seeds:         []string{cand.ip},
			Window:        window,
			MinConfidence: minConfidence,
		})
		if err != nil {
			c.logger.Warn().Err(err).Str("seed", cand.ip).Msg("candidate analysis failed")
			continue
		}
		if analysis.Campaign.Score < minConfidence {
			continue
		}
		out = append(out, *analysis)
		for _, ind := range analysis.Campaign.Indicators {
			if prefix, err := netip.ParsePrefix(ind); err == nil {
				claimed = append(claimed, prefix)
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Campaign.Score != out[j].Campaign.Score {
			return out[i].Campaign.Score > out[j].Campaign.Score
		}
		return out[i].Campaign.ID < out[j].Campaign.ID
	})
	if out == nil {
		out = []Analysis{}
	}
	c.logger.Info().
		Int("candidates", len(candidates)).
		Int("campaigns", len(out)).
		Msg("ongoing campaign sweep complete")
	return out, nil
}
