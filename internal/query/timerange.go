package query

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/driftsec/dshield-mcp/internal/errs"
)

// DefaultWindow applies when a query names no time range at all.
const DefaultWindow = 24 * time.Hour

// DefaultEventDelta is the half-width of a window around a single event.
const DefaultEventDelta = 30 * time.Minute

// TimeRange is a UTC half-open interval [Start, End).
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// TimeSpec is the wire form of a time range argument. Exactly one of the
// three shapes may be used: absolute start/end, relative, or event window.
type TimeSpec struct {
	Start        string `json:"start,omitempty"`
	End          string `json:"end,omitempty"`
	Relative     string `json:"relative,omitempty"`
	EventID      string `json:"event_id,omitempty"`
	DeltaMinutes int    `json:"delta_minutes,omitempty"`
}

var relativePattern = regexp.MustCompile(`^last_(\d+)_(minute|minutes|hour|hours|day|days|week|weeks)$`)

// ParseRelative turns `last_<n>_<unit>` into [now-n*unit, now).
func ParseRelative(s string, now time.Time) (TimeRange, error) {
	m := relativePattern.FindStringSubmatch(strings.ToLower(strings.TrimSpace(s)))
	if m == nil {
		return TimeRange{}, errs.Validation("invalid relative time range", map[string]string{
			"relative": fmt.Sprintf("%q does not match last_<n>_<unit> (units: minutes, hours, days, weeks)", s),
		})
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return TimeRange{}, errs.Validation("invalid relative time range", map[string]string{
			"relative": fmt.Sprintf("window count %q must be a positive integer", m[1]),
		})
	}

	var unit time.Duration
	switch strings.TrimSuffix(m[2], "s") {
	case "minute":
		unit = time.Minute
	case "hour":
		unit = time.Hour
	case "day":
		unit = 24 * time.Hour
	case "week":
		unit = 7 * 24 * time.Hour
	}

	end := now.UTC()
	return TimeRange{Start: end.Add(-time.Duration(n) * unit), End: end}, nil
}

// AroundEvent builds a window of ±delta around an event timestamp.
func AroundEvent(ts time.Time, delta time.Duration) TimeRange {
	if delta <= 0 {
		delta = DefaultEventDelta
	}
	ts = ts.UTC()
	return TimeRange{Start: ts.Add(-delta), End: ts.Add(delta)}
}

// parseAbsolute accepts RFC3339 and date-only forms.
func parseAbsolute(field, value string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errs.Validation("invalid timestamp", map[string]string{
		field: fmt.Sprintf("%q is not RFC3339 or YYYY-MM-DD", value),
	})
}

// resolveStatic handles every TimeSpec shape that needs no backend lookup.
// Event windows return needsEvent=true for the engine to resolve.
func resolveStatic(spec TimeSpec, now time.Time) (tr TimeRange, needsEvent bool, err error) {
	switch {
	case spec.EventID != "":
		if spec.Start != "" || spec.End != "" || spec.Relative != "" {
			return TimeRange{}, false, errs.Validation("conflicting time range", map[string]string{
				"time_range": "event_id cannot be combined with start/end or relative",
			})
		}
		return TimeRange{}, true, nil

	case spec.Relative != "":
		if spec.Start != "" || spec.End != "" {
			return TimeRange{}, false, errs.Validation("conflicting time range", map[string]string{
				"time_range": "relative cannot be combined with start/end",
			})
		}
		tr, err = ParseRelative(spec.Relative, now)
		return tr, false, err

	case spec.Start != "" || spec.End != "":
		var start, end time.Time
		if spec.Start != "" {
			if start, err = parseAbsolute("start", spec.Start); err != nil {
				return TimeRange{}, false, err
			}
		}
		if spec.End != "" {
			if end, err = parseAbsolute("end", spec.End); err != nil {
				return TimeRange{}, false, err
			}
		} else {
			end = now.UTC()
		}
		if spec.Start == "" {
			start = end.Add(-DefaultWindow)
		}
		tr = TimeRange{Start: start, End: end}
		return tr, false, tr.validate()

	default:
		end := now.UTC()
		return TimeRange{Start: end.Add(-DefaultWindow), End: end}, false, nil
	}
}

func (r TimeRange) validate() error {
	if !r.Start.Before(r.End) {
		return errs.Validation("invalid time range", map[string]string{
			"time_range": "start must be before end",
		})
	}
	return nil
}

// Duration is End - Start.
func (r TimeRange) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

// Contains reports whether ts falls inside [Start, End).
func (r TimeRange) Contains(ts time.Time) bool {
	return !ts.Before(r.Start) && ts.Before(r.End)
}

// histogramInterval picks a date_histogram bucket width that keeps the
// bucket count readable across very different window sizes.
func (r TimeRange) histogramInterval() string {
	switch d := r.Duration(); {
	case d <= 6*time.Hour:
		return "10m"
	case d <= 48*time.Hour:
		return "1h"
	case d <= 14*24*time.Hour:
		return "6h"
	default:
		return "1d"
	}
}
