// Package anomaly finds statistical outliers in honeypot activity. Events
// are bucketed into a fixed-interval series over the analysis window and
// one of three detection methods runs over the series: zscore (mean and
// standard deviation), iqr (quartile fences), or isolation_forest (an
// in-process forest over value and first-difference features). The method
// is an explicit enum on every call; there is no default and no toggle
// matrix.
package anomaly

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftsec/dshield-mcp/internal/elastic"
	"github.com/driftsec/dshield-mcp/internal/errs"
	"github.com/driftsec/dshield-mcp/internal/query"
)

// Detection methods.
const (
	MethodZScore          = "zscore"
	MethodIQR             = "iqr"
	MethodIsolationForest = "isolation_forest"
)

// Series dimensions.
const (
	DimensionVolume    = "event_volume"
	DimensionSources   = "unique_sources"
	DimensionUsernames = "unique_usernames"
)

const (
	defaultSensitivity = 0.5
	defaultWindow      = 24 * time.Hour
	defaultMaxEvents   = 20000
	maxBuckets         = 10000

	// Method minimums: fences and forests are meaningless on a handful
	// of points.
	minBucketsBasic  = 4
	minBucketsForest = 8
)

// EventSource is the slice of the query engine the detector needs.
type EventSource interface {
	Collect(ctx context.Context, p query.Params, limit int) ([]elastic.Event, error)
}

// Params drives one detection run. Method is required; everything else
// has a documented default.
type Params struct {
	Filters     map[string]interface{}
	TimeRange   query.TimeRange
	Method      string
	Dimension   string
	Interval    string
	Sensitivity float64
}

// Anomaly is one flagged bucket.
type Anomaly struct {
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Value     float64   `json:"value"`
	Expected  float64   `json:"expected"`
	Score     float64   `json:"score"`
	Direction string    `json:"direction"`
}

// Baseline describes the series the anomalies were judged against.
type Baseline struct {
	Mean   float64 `json:"mean"`
	Stddev float64 `json:"stddev"`
	Median float64 `json:"median"`
	Q1     float64 `json:"q1"`
	Q3     float64 `json:"q3"`
}

// Report is the full detection result.
type Report struct {
	Method         string    `json:"method"`
	Dimension      string    `json:"dimension"`
	Interval       string    `json:"interval"`
	Sensitivity    float64   `json:"sensitivity"`
	WindowStart    time.Time `json:"window_start"`
	WindowEnd      time.Time `json:"window_end"`
	Buckets        int       `json:"buckets"`
	EventsExamined int       `json:"events_examined"`
	Baseline       Baseline  `json:"baseline"`
	Anomalies      []Anomaly `json:"anomalies"`
}

// Detector runs detection over events pulled from the query engine.
type Detector struct {
	source    EventSource
	logger    zerolog.Logger
	maxEvents int

	now func() time.Time
	// seed keeps isolation forests reproducible; the tool is idempotent
	// for a fixed window and event set.
	seed int64
}

// NewDetector wires a detector over an event source.
func NewDetector(source EventSource, log zerolog.Logger) *Detector {
	return &Detector{
		source:    source,
		logger:    log.With().Str("component", "anomaly").Logger(),
		maxEvents: defaultMaxEvents,
		now:       time.Now,
		seed:      1,
	}
}

// Detect validates the request, builds the series, and applies the method.
func (d *Detector) Detect(ctx context.Context, p Params) (*Report, error) {
	method := strings.ToLower(strings.TrimSpace(p.Method))
	switch method {
	case MethodZScore, MethodIQR, MethodIsolationForest:
	case "":
		return nil, errs.Validation("method is required", map[string]string{
			"method": "must be one of zscore, iqr, isolation_forest",
		})
	default:
		return nil, errs.Validation("unknown detection method", map[string]string{
			"method": "must be one of zscore, iqr, isolation_forest",
		})
	}

	dimension := strings.ToLower(strings.TrimSpace(p.Dimension))
	if dimension == "" {
		dimension = DimensionVolume
	}
	switch dimension {
	case DimensionVolume, DimensionSources, DimensionUsernames:
	default:
		return nil, errs.Validation("unknown dimension", map[string]string{
			"dimension": "must be one of event_volume, unique_sources, unique_usernames",
		})
	}

	width, err := intervalWidth(p.Interval)
	if err != nil {
		return nil, err
	}

	sensitivity := p.Sensitivity
	if sensitivity == 0 {
		sensitivity = defaultSensitivity
	}
	if sensitivity < 0 || sensitivity > 1 {
		return nil, errs.Validation("sensitivity out of range", map[string]string{
			"sensitivity": "must be between 0 and 1",
		})
	}

	window := p.TimeRange
	if window.Start.IsZero() && window.End.IsZero() {
		now := d.now().UTC()
		window = query.TimeRange{Start: now.Add(-defaultWindow), End: now}
	} else if !window.Start.Before(window.End) {
		return nil, errs.Validation("invalid time range", map[string]string{
			"time_range": "start must be before end",
		})
	}

	buckets := int(math.Ceil(float64(window.End.Sub(window.Start)) / float64(width)))
	if buckets > maxBuckets {
		return nil, errs.Validation("interval too fine for the window", map[string]string{
			"interval": "produces too many buckets; widen the interval or narrow the window",
		})
	}
	min := minBucketsBasic
	if method == MethodIsolationForest {
		min = minBucketsForest
	}
	if buckets < min {
		return nil, errs.Validation("window too small for the method", map[string]string{
			"time_range": "widen the window or use a finer interval",
		})
	}

	events, err := d.source.Collect(ctx, query.Params{
		Filters:   p.Filters,
		TimeRange: window,
	}, d.maxEvents)
	if err != nil {
		return nil, err
	}

	series := buildSeries(events, window, width, buckets, dimension)

	var anomalies []Anomaly
	baseline := describe(series)
	switch method {
	case MethodZScore:
		anomalies = detectZScore(series, window, width, baseline, sensitivity)
	case MethodIQR:
		anomalies = detectIQR(series, window, width, baseline, sensitivity)
	case MethodIsolationForest:
		anomalies = detectForest(series, window, width, baseline, sensitivity, d.seed)
	}
	if anomalies == nil {
		anomalies = []Anomaly{}
	}

	d.logger.Info().
		Str("method", method).
		Str("dimension", dimension).
		Int("buckets", buckets).
		Int("events", len(events)).
		Int("anomalies", len(anomalies)).
		Msg("anomaly detection complete")
	return &Report{
		Method:         method,
		Dimension:      dimension,
		Interval:       intervalName(width),
		Sensitivity:    sensitivity,
		WindowStart:    window.Start,
		WindowEnd:      window.End,
		Buckets:        buckets,
		EventsExamined: len(events),
		Baseline:       baseline,
		Anomalies:      anomalies,
	}, nil
}

func intervalWidth(interval string) (time.Duration, error) {
	switch strings.ToLower(strings.TrimSpace(interval)) {
	case "", "hour":
		return time.Hour, nil
	case "minute":
		return time.Minute, nil
	case "day":
		return 24 * time.Hour, nil
	default:
		return 0, errs.Validation("unknown interval", map[string]string{
			"interval": "must be one of minute, hour, day",
		})
	}
}

func intervalName(width time.Duration) string {
	switch width {
	case time.Minute:
		return "minute"
	case 24 * time.Hour:
		return "day"
	default:
		return "hour"
	}
}

// buildSeries fills every bucket in the window, including empty ones, so
// drops register as anomalies too.
func buildSeries(events []elastic.Event, window query.TimeRange, width time.Duration, buckets int, dimension string) []float64 {
	volume := make([]float64, buckets)
	var sources, users []map[string]bool
	if dimension == DimensionSources {
		sources = make([]map[string]bool, buckets)
	}
	if dimension == DimensionUsernames {
		users = make([]map[string]bool, buckets)
	}
	for _, ev := range events {
		if ev.Timestamp.IsZero() {
			continue
		}
		idx := int(ev.Timestamp.Sub(window.Start) / width)
		if idx < 0 || idx >= buckets {
			continue
		}
		volume[idx]++
		if sources != nil && ev.SourceIP != "" {
			if sources[idx] == nil {
				sources[idx] = make(map[string]bool)
			}
			sources[idx][ev.SourceIP] = true
		}
		if users != nil && ev.Username != "" {
			if users[idx] == nil {
				users[idx] = make(map[string]bool)
			}
			users[idx][ev.Username] = true
		}
	}
	switch dimension {
	case DimensionSources:
		out := make([]float64, buckets)
		for i, set := range sources {
			out[i] = float64(len(set))
		}
		return out
	case DimensionUsernames:
		out := make([]float64, buckets)
		for i, set := range users {
			out[i] = float64(len(set))
		}
		return out
	default:
		return volume
	}
}

func describe(series []float64) Baseline {
	n := len(series)
	if n == 0 {
		return Baseline{}
	}
	sum := 0.0
	for _, v := range series {
		sum += v
	}
	mean := sum / float64(n)
	variance := 0.0
	for _, v := range series {
		variance += (v - mean) * (v - mean)
	}
	stddev := math.Sqrt(variance / float64(n))

	sorted := append([]float64(nil), series...)
	sort.Float64s(sorted)
	return Baseline{
		Mean:   round4(mean),
		Stddev: round4(stddev),
		Median: round4(quantile(sorted, 0.5)),
		Q1:     round4(quantile(sorted, 0.25)),
		Q3:     round4(quantile(sorted, 0.75)),
	}
}

// quantile interpolates linearly over a sorted series.
func quantile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	pos := q * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// detectZScore flags buckets whose distance from the mean exceeds the
// sensitivity-scaled threshold: 3.0 standard deviations at the default
// sensitivity of 0.5, tighter as sensitivity rises.
func detectZScore(series []float64, window query.TimeRange, width time.Duration, base Baseline, sensitivity float64) []Anomaly {
	if base.Stddev == 0 {
		return nil
	}
	threshold := 4.5 - 3*sensitivity
	var out []Anomaly
	for i, v := range series {
		z := (v - base.Mean) / base.Stddev
		if math.Abs(z) < threshold {
			continue
		}
		out = append(out, anomalyAt(window, width, i, v, base.Mean, round4(math.Abs(z))))
	}
	return out
}

// detectIQR flags buckets outside the quartile fences. The fence factor is
// the textbook 1.5 at the default sensitivity of 0.5.
func detectIQR(series []float64, window query.TimeRange, width time.Duration, base Baseline, sensitivity float64) []Anomaly {
	iqr := base.Q3 - base.Q1
	if iqr == 0 {
		return nil
	}
	k := 2.25 - 1.5*sensitivity
	lower := base.Q1 - k*iqr
	upper := base.Q3 + k*iqr
	var out []Anomaly
	for i, v := range series {
		var distance float64
		switch {
		case v > upper:
			distance = (v - upper) / iqr
		case v < lower:
			distance = (lower - v) / iqr
		default:
			continue
		}
		out = append(out, anomalyAt(window, width, i, v, base.Median, round4(distance)))
	}
	return out
}

// detectForest scores each bucket with an isolation forest over the value
// and its first difference, flagging scores above the sensitivity-scaled
// cutoff (0.65 at the default sensitivity of 0.5).
func detectForest(series []float64, window query.TimeRange, width time.Duration, base Baseline, sensitivity float64, seed int64) []Anomaly {
	points := make([][]float64, len(series))
	for i, v := range series {
		delta := 0.0
		if i > 0 {
			delta = v - series[i-1]
		}
		points[i] = []float64{v, delta}
	}
	scores := forestScores(points, seed)
	cutoff := 0.75 - 0.2*sensitivity
	var out []Anomaly
	for i, score := range scores {
		if score < cutoff {
			continue
		}
		out = append(out, anomalyAt(window, width, i, series[i], base.Median, round4(score)))
	}
	return out
}

func anomalyAt(window query.TimeRange, width time.Duration, idx int, value, expected, score float64) Anomaly {
	direction := "spike"
	if value < expected {
		direction = "drop"
	}
	start := window.Start.Add(time.Duration(idx) * width)
	return Anomaly{
		Start:     start,
		End:       start.Add(width),
		Value:     value,
		Expected:  round4(expected),
		Score:     score,
		Direction: direction,
	}
}

func round4(f float64) float64 {
	return math.Round(f*10000) / 10000
}
