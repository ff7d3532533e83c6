package campaign

import (
	"net/netip"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/driftsec/dshield-mcp/internal/config"
	"github.com/driftsec/dshield-mcp/internal/elastic"
	"github.com/driftsec/dshield-mcp/internal/query"
)

// workspace is the shared state one pipeline run operates on.
type workspace struct {
	cfg          config.CorrelationConfig
	events       []elastic.Event
	signatures   []signature
	seedPrefixes []netip.Prefix
	window       query.TimeRange
}

// stageResult is one method's verdict. contribution is the share of the
// event set the method's strongest group explains, in [0,1]. fired means
// the group cleared the minimum size, so the method counts toward the
// score and appears in the campaign's method list.
type stageResult struct {
	method       string
	fired        bool
	contribution float64
	indicators   []string
}

func runStage(method string, ws *workspace) stageResult {
	switch method {
	case MethodIP:
		return stageIP(ws)
	case MethodInfrastructure:
		return stageInfrastructure(ws)
	case MethodBehavioral:
		return stageBehavioral(ws)
	case MethodTemporal:
		return stageTemporal(ws)
	case MethodGeospatial:
		return stageGeospatial(ws)
	case MethodNetwork:
		return stageNetwork(ws)
	}
	return stageResult{method: method}
}

func (ws *workspace) minGroup() int {
	if ws.cfg.MinGroupSize < 2 {
		return 2
	}
	return ws.cfg.MinGroupSize
}

// stageIP groups events by source address, source subnet, and ASN, and
// scores the dominance of the largest group.
func stageIP(ws *workspace) stageResult {
	res := stageResult{method: MethodIP}
	if len(ws.events) == 0 {
		return res
	}
	bySource := make(map[string]int)
	bySubnet := make(map[string]int)
	byASN := make(map[string]int)
	for _, ev := range ws.events {
		if ev.SourceIP != "" {
			bySource[ev.SourceIP]++
			if prefix, ok := subnetOf(ev.SourceIP, ws.cfg.SubnetPrefixBits); ok {
				bySubnet[prefix]++
			}
		}
		if ev.ASN != "" {
			byASN[ev.ASN]++
		}
	}
	dominant := maxGroup(bySource)
	if n := maxGroup(bySubnet); n > dominant {
		dominant = n
	}
	if n := maxGroup(byASN); n > dominant {
		dominant = n
	}
	res.contribution = clamp01(float64(dominant) / float64(len(ws.events)))
	res.fired = dominant >= ws.minGroup()
	res.indicators = append(res.indicators, groupKeys(bySource, ws.minGroup())...)
	res.indicators = append(res.indicators, groupKeys(bySubnet, ws.minGroup())...)
	sort.Strings(res.indicators)
	return res
}

// stageInfrastructure looks for shared hosting and tooling fingerprints:
// domains, TLS (JA3) fingerprints, and user agents.
func stageInfrastructure(ws *workspace) stageResult {
	res := stageResult{method: MethodInfrastructure}
	if len(ws.events) == 0 {
		return res
	}
	byDomain := make(map[string]int)
	byFingerprint := make(map[string]int)
	byAgent := make(map[string]int)
	for _, ev := range ws.events {
		if ev.Domain != "" {
			byDomain[ev.Domain]++
		}
		if ev.TLSFingerprint != "" {
			byFingerprint[ev.TLSFingerprint]++
		}
		if ev.UserAgent != "" {
			byAgent[ev.UserAgent]++
		}
	}
	dominant := maxGroup(byDomain)
	if n := maxGroup(byFingerprint); n > dominant {
		dominant = n
	}
	if n := maxGroup(byAgent); n > dominant {
		dominant = n
	}
	res.contribution = clamp01(float64(dominant) / float64(len(ws.events)))
	res.fired = dominant >= ws.minGroup()
	res.indicators = append(res.indicators, groupKeys(byDomain, ws.minGroup())...)
	res.indicators = append(res.indicators, groupKeys(byFingerprint, ws.minGroup())...)
	sort.Strings(res.indicators)
	return res
}

// stageBehavioral matches per-source event sequences and command lines
// against the signature library.
func stageBehavioral(ws *workspace) stageResult {
	res := stageResult{method: MethodBehavioral}
	if len(ws.events) == 0 {
		return res
	}
	bySource := make(map[string][]elastic.Event)
	for _, ev := range ws.events {
		if ev.SourceIP == "" {
			continue
		}
		bySource[ev.SourceIP] = append(bySource[ev.SourceIP], ev)
	}
	matched := make(map[string]bool)
	sigNames := make(map[string]bool)
	for _, seq := range bySource {
		sort.SliceStable(seq, func(i, j int) bool {
			return seq[i].Timestamp.Before(seq[j].Timestamp)
		})
		for _, sig := range ws.signatures {
			ids := sig.match(seq)
			if len(ids) == 0 {
				continue
			}
			sigNames[sig.name] = true
			for _, id := range ids {
				matched[id] = true
			}
		}
	}
	res.contribution = clamp01(float64(len(matched)) / float64(len(ws.events)))
	res.fired = len(matched) >= ws.minGroup()
	for name := range sigNames {
		res.indicators = append(res.indicators, "behavior:"+name)
	}
	sort.Strings(res.indicators)
	return res
}

// stageTemporal slices the analysis window into fixed buckets and
// measures how much of the activity lands in the densest contiguous run
// of roughly a tenth of the window. Coordinated bursts concentrate there;
// background noise spreads out.
func stageTemporal(ws *workspace) stageResult {
	res := stageResult{method: MethodTemporal}
	width := ws.cfg.TemporalBucket()
	if width <= 0 {
		width = time.Hour
	}

	var stamps []time.Time
	for _, ev := range ws.events {
		if !ev.Timestamp.IsZero() {
			stamps = append(stamps, ev.Timestamp)
		}
	}
	if len(stamps) == 0 {
		return res
	}
	min, max := ws.window.Start, ws.window.End
	if min.IsZero() || max.IsZero() || !min.Before(max) {
		min, max = stamps[0], stamps[0]
		for _, ts := range stamps[1:] {
			if ts.Before(min) {
				min = ts
			}
			if ts.After(max) {
				max = ts
			}
		}
	}

	buckets := int(max.Sub(min)/width) + 1
	if buckets > 100000 {
		buckets = 100000
	}
	counts := make([]int, buckets)
	for _, ts := range stamps {
		idx := int(ts.Sub(min) / width)
		if idx < 0 {
			idx = 0
		}
		if idx >= buckets {
			idx = buckets - 1
		}
		counts[idx]++
	}

	run := buckets / 10
	if run < 1 {
		run = 1
	}
	sum := 0
	for i := 0; i < run; i++ {
		sum += counts[i]
	}
	densest := sum
	for i := run; i < buckets; i++ {
		sum += counts[i] - counts[i-run]
		if sum > densest {
			densest = sum
		}
	}

	res.contribution = clamp01(float64(densest) / float64(len(stamps)))
	res.fired = res.contribution >= ws.cfg.TemporalOverlap && len(stamps) >= ws.minGroup()
	return res
}

// stageGeospatial scores dominance of origin country and country+ASN pairs.
func stageGeospatial(ws *workspace) stageResult {
	res := stageResult{method: MethodGeospatial}
	if len(ws.events) == 0 {
		return res
	}
	byCountry := make(map[string]int)
	byCountryASN := make(map[string]int)
	for _, ev := range ws.events {
		if ev.Country == "" {
			continue
		}
		byCountry[ev.Country]++
		if ev.ASN != "" {
			byCountryASN[ev.Country+"/"+ev.ASN]++
		}
	}
	dominant := maxGroup(byCountry)
	if n := maxGroup(byCountryASN); n > dominant {
		dominant = n
	}
	res.contribution = clamp01(float64(dominant) / float64(len(ws.events)))
	res.fired = dominant >= ws.minGroup()
	for _, country := range groupKeys(byCountry, ws.minGroup()) {
		res.indicators = append(res.indicators, "geo:"+country)
	}
	sort.Strings(res.indicators)
	return res
}

// stageNetwork checks how much of the event set falls inside the seed
// subnets. It only applies when at least one seed names an address or CIDR.
func stageNetwork(ws *workspace) stageResult {
	res := stageResult{method: MethodNetwork}
	if len(ws.events) == 0 || len(ws.seedPrefixes) == 0 {
		return res
	}
	hits := make(map[string]int)
	total := 0
	for _, ev := range ws.events {
		prefix, ok := containedBy(ev.SourceIP, ws.seedPrefixes)
		if !ok {
			prefix, ok = containedBy(ev.DestinationIP, ws.seedPrefixes)
		}
		if ok {
			hits[prefix]++
			total++
		}
	}
	res.contribution = clamp01(float64(total) / float64(len(ws.events)))
	res.fired = total >= ws.minGroup()
	res.indicators = groupKeys(hits, ws.minGroup())
	sort.Strings(res.indicators)
	return res
}

func containedBy(ip string, prefixes []netip.Prefix) (string, bool) {
	if ip == "" {
		return "", false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "", false
	}
	for _, prefix := range prefixes {
		if prefix.Contains(addr) {
			return prefix.String(), true
		}
	}
	return "", false
}

func subnetOf(ip string, bits int) (string, bool) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "", false
	}
	if addr.Is6() {
		bits = 64
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return "", false
	}
	return prefix.String(), true
}

func maxGroup(groups map[string]int) int {
	max := 0
	for _, n := range groups {
		if n > max {
			max = n
		}
	}
	return max
}

func groupKeys(groups map[string]int, min int) []string {
	var out []string
	for key, n := range groups {
		if n >= min {
			out = append(out, key)
		}
	}
	return out
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// signature describes one behavioral pattern. Exactly one matching mode
// applies: a payload regexp over command lines, a repeated token with a
// minimum count, or an ordered token sequence over event types.
type signature struct {
	name     string
	sequence []string
	minCount int
	payload  *regexp.Regexp
}

// match reports the ids of the events in one source's time-ordered
// sequence that complete the signature, or nil.
func (s signature) match(events []elastic.Event) []string {
	if s.payload != nil {
		var ids []string
		for _, ev := range events {
			if ev.Command != "" && s.payload.MatchString(ev.Command) {
				ids = append(ids, ev.ID)
			}
		}
		return ids
	}
	if s.minCount > 1 && len(s.sequence) == 1 {
		var ids []string
		for _, ev := range events {
			if containsFold(ev.EventType, s.sequence[0]) {
				ids = append(ids, ev.ID)
			}
		}
		if len(ids) >= s.minCount {
			return ids
		}
		return nil
	}
	var ids []string
	idx := 0
	for _, ev := range events {
		if idx >= len(s.sequence) {
			break
		}
		if containsFold(ev.EventType, s.sequence[idx]) {
			ids = append(ids, ev.ID)
			idx++
		}
	}
	if idx == len(s.sequence) {
		return ids
	}
	return nil
}

func containsFold(s, token string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(token))
}

// defaultSignatures covers the attack flows the honeypots see most:
// credential brute forcing, post-login command execution, payload
// retrieval, and persistence attempts.
var defaultSignatures = []signature{
	{name: "credential_brute_force", sequence: []string{"login"}, minCount: 3},
	{name: "login_then_command", sequence: []string{"login", "command"}},
	{name: "download_and_execute", payload: regexp.MustCompile(`(?i)\b(wget|curl|tftp|ftpget)\b|chmod\s+\+?x`)},
	{name: "persistence_attempt", payload: regexp.MustCompile(`(?i)crontab|authorized_keys|/etc/rc\.local|systemctl\s+enable`)},
}
