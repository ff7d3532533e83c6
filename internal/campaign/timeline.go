package campaign

import (
	"sort"
	"strings"
	"time"

	"github.com/driftsec/dshield-mcp/internal/elastic"
	"github.com/driftsec/dshield-mcp/internal/errs"
)

// TimelineBucket is one slice of campaign activity.
type TimelineBucket struct {
	Start         time.Time      `json:"start"`
	End           time.Time      `json:"end"`
	Count         int            `json:"count"`
	UniqueSources int            `json:"unique_sources"`
	EventTypes    map[string]int `json:"event_types,omitempty"`
}

// granularityWidth picks the bucket width. An empty granularity adapts to
// the span the same way the query engine sizes its histograms.
func granularityWidth(granularity string, span time.Duration) (time.Duration, error) {
	switch strings.ToLower(strings.TrimSpace(granularity)) {
	case "":
		switch {
		case span <= 6*time.Hour:
			return 10 * time.Minute, nil
		case span <= 48*time.Hour:
			return time.Hour, nil
		case span <= 14*24*time.Hour:
			return 6 * time.Hour, nil
		default:
			return 24 * time.Hour, nil
		}
	case "minute":
		return time.Minute, nil
	case "hour":
		return time.Hour, nil
	case "day":
		return 24 * time.Hour, nil
	default:
		return 0, errs.Validation("unknown timeline granularity", map[string]string{
			"granularity": "must be one of minute, hour, day",
		})
	}
}

// buildTimeline buckets events by time. Only non-empty buckets are
// returned, oldest first. Events without a parseable timestamp are
// skipped.
func buildTimeline(events []elastic.Event, granularity string) ([]TimelineBucket, error) {
	var first, last time.Time
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
	if first.IsZero() {
		// Still validate the granularity so a bad request fails the same
		// way on an empty result.
		if _, err := granularityWidth(granularity, 0); err != nil {
			return nil, err
		}
		return []TimelineBucket{}, nil
	}

	width, err := granularityWidth(granularity, last.Sub(first))
	if err != nil {
		return nil, err
	}

	origin := first.Truncate(width)
	type acc struct {
		count   int
		sources map[string]bool
		types   map[string]int
	}
	buckets := make(map[int64]*acc)
	for _, ev := range events {
		if ev.Timestamp.IsZero() {
			continue
		}
		idx := int64(ev.Timestamp.Sub(origin) / width)
		a := buckets[idx]
		if a == nil {
			a = &acc{sources: make(map[string]bool), types: make(map[string]int)}
			buckets[idx] = a
		}
		a.count++
		if ev.SourceIP != "" {
			a.sources[ev.SourceIP] = true
		}
		if ev.EventType != "" {
			a.types[ev.EventType]++
		}
	}

	indices := make([]int64, 0, len(buckets))
	for idx := range buckets {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	out := make([]TimelineBucket, 0, len(indices))
	for _, idx := range indices {
		a := buckets[idx]
		start := origin.Add(time.Duration(idx) * width)
		bucket := TimelineBucket{
			Start:         start,
			End:           start.Add(width),
			Count:         a.count,
			UniqueSources: len(a.sources),
		}
		if len(a.types) > 0 {
			bucket.EventTypes = a.types
		}
		out = append(out, bucket)
	}
	return out, nil
}
