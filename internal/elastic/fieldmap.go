package elastic

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/driftsec/dshield-mcp/internal/errs"
)

// FieldMap translates user-facing field names into ordered candidate lists of
// storage fields. Honeypot indices mix ECS dotted names, nested objects, and
// legacy flat keys; the map is the single source of truth for all of them.
// Unknown names surface as typed validation errors instead of silent misses.
type FieldMap struct {
	entries   map[string][]string
	canonical []string
}

// DefaultFieldMap covers the DShield Cowrie and Zeek index layouts.
func DefaultFieldMap() *FieldMap {
	m := map[string][]string{
		"timestamp":        {"@timestamp", "timestamp", "ts"},
		"source_ip":        {"source.ip", "related.ip", "src_ip", "id.orig_h"},
		"destination_ip":   {"destination.ip", "dest_ip", "id.resp_h"},
		"source_port":      {"source.port", "src_port", "id.orig_p"},
		"destination_port": {"destination.port", "dest_port", "id.resp_p"},
		"protocol":         {"network.protocol", "network.transport", "proto"},
		"event_type":       {"event.type", "eventid", "event.dataset"},
		"event_category":   {"event.category", "category"},
		"username":         {"user.name", "username", "related.user"},
		"password":         {"user.password", "password"},
		"session_id":       {"session.id", "session", "event.session"},
		"command":          {"process.command_line", "input", "command"},
		"domain":           {"destination.domain", "dns.question.name", "domain", "query"},
		"url":              {"url.original", "url.full", "url"},
		"user_agent":       {"user_agent.original", "http.user_agent", "user_agent"},
		"tls_fingerprint":  {"tls.client.ja3", "ja3", "tls.fingerprint"},
		"country":          {"source.geo.country_iso_code", "geoip.country_code2", "country"},
		"asn":              {"source.as.number", "asn"},
		"as_organization":  {"source.as.organization.name", "as_org"},
		"file_hash":        {"file.hash.sha256", "shasum", "hashes.sha256"},
		"message":          {"message", "event.original"},
	}

	canonical := make([]string, 0, len(m))
	for name := range m {
		canonical = append(canonical, name)
	}
	sort.Strings(canonical)

	return &FieldMap{entries: m, canonical: canonical}
}

// Resolve returns the storage candidates for a user-facing field name, or a
// validation error carrying the closest canonical suggestion.
func (fm *FieldMap) Resolve(userField string) ([]string, error) {
	name := strings.ToLower(strings.TrimSpace(userField))
	if candidates, ok := fm.entries[name]; ok {
		return candidates, nil
	}

	suggestion := fm.closest(name)
	err := errs.Validation(
		fmt.Sprintf("unknown field %q", userField),
		map[string]string{userField: fmt.Sprintf("did you mean %q?", suggestion)},
	)
	return nil, err.WithData("suggested_field", suggestion)
}

// Fields returns the canonical user-facing names, sorted.
func (fm *FieldMap) Fields() []string {
	return append([]string(nil), fm.canonical...)
}

// Candidates returns the mapping table for the field-mappings resource.
func (fm *FieldMap) Candidates() map[string][]string {
	out := make(map[string][]string, len(fm.entries))
	for name, candidates := range fm.entries {
		out[name] = append([]string(nil), candidates...)
	}
	return out
}

// SourceFields expands a user-facing field list into the flat union of all
// storage candidates, for _source filtering. Unknown names error.
func (fm *FieldMap) SourceFields(userFields []string) ([]string, error) {
	seen := make(map[string]bool)
	out := make([]string, 0, len(userFields)*2)
	for _, f := range userFields {
		candidates, err := fm.Resolve(f)
		if err != nil {
			return nil, err
		}
		for _, c := range candidates {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out, nil
}

// Extract pulls a field's value out of a raw document, trying each candidate
// first as a nested path and then as a flat key containing literal dots.
func (fm *FieldMap) Extract(source []byte, userField string) gjson.Result {
	candidates, ok := fm.entries[strings.ToLower(userField)]
	if !ok {
		return gjson.Result{}
	}
	for _, candidate := range candidates {
		if r := gjson.GetBytes(source, candidate); r.Exists() {
			return r
		}
		if strings.Contains(candidate, ".") {
			flat := strings.ReplaceAll(candidate, ".", `\.`)
			if r := gjson.GetBytes(source, flat); r.Exists() {
				return r
			}
		}
	}
	return gjson.Result{}
}

// closest finds the canonical name with the smallest edit distance.
func (fm *FieldMap) closest(name string) string {
	best := fm.canonical[0]
	bestDist := editDistance(name, best)
	for _, candidate := range fm.canonical[1:] {
		if d := editDistance(name, candidate); d < bestDist {
			best, bestDist = candidate, d
		}
	}
	return best
}

// editDistance is the Levenshtein distance with two rolling rows.
func editDistance(a, b string) int {
	if a == b {
		return 0
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
