package anomaly

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/driftsec/dshield-mcp/internal/elastic"
	"github.com/driftsec/dshield-mcp/internal/errs"
	"github.com/driftsec/dshield-mcp/internal/query"
)

var testNow = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	events []elastic.Event
	calls  []query.Params
	err    error
}

func (f *fakeSource) Collect(_ context.Context, p query.Params, limit int) ([]elastic.Event, error) {
	f.calls = append(f.calls, p)
	if f.err != nil {
		return nil, f.err
	}
	var out []elastic.Event
	for _, ev := range f.events {
		if !p.TimeRange.Start.IsZero() && !p.TimeRange.Contains(ev.Timestamp) {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func newTestDetector(src EventSource) *Detector {
	d := NewDetector(src, zerolog.Nop())
	d.now = func() time.Time { return testNow }
	return d
}

// bucketEvents places `counts[i]` events into hourly bucket i of a window
// starting at `start`, each from its own source.
func bucketEvents(start time.Time, counts []int) []elastic.Event {
	var out []elastic.Event
	for bucket, n := range counts {
		for i := 0; i < n; i++ {
			out = append(out, elastic.Event{
				ID:        fmt.Sprintf("ev-%02d-%03d", bucket, i),
				Timestamp: start.Add(time.Duration(bucket)*time.Hour + time.Duration(i)*time.Second),
				SourceIP:  fmt.Sprintf("203.0.113.%d", i%250+1),
				Username:  fmt.Sprintf("user-%d", i%7),
				EventType: "login_failed",
			})
		}
	}
	return out
}

func flatCounts(n, value int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = value
	}
	return out
}

func TestDetectZScoreFlagsSpike(t *testing.T) {
	window := query.TimeRange{Start: testNow.Add(-24 * time.Hour), End: testNow}
	counts := flatCounts(24, 10)
	counts[23] = 200
	src := &fakeSource{events: bucketEvents(window.Start, counts)}
	d := newTestDetector(src)

	report, err := d.Detect(context.Background(), Params{
		Method:    MethodZScore,
		TimeRange: window,
	})
	require.NoError(t, err)
	require.Equal(t, MethodZScore, report.Method)
	require.Equal(t, DimensionVolume, report.Dimension)
	require.Equal(t, 24, report.Buckets)
	require.Len(t, report.Anomalies, 1)

	spike := report.Anomalies[0]
	require.Equal(t, float64(200), spike.Value)
	require.Equal(t, "spike", spike.Direction)
	require.True(t, spike.Start.Equal(window.Start.Add(23*time.Hour)))
	require.Greater(t, spike.Score, 3.0)
	require.InDelta(t, report.Baseline.Mean, spike.Expected, 0.0001)
}

func TestDetectZScoreFlagsDrop(t *testing.T) {
	window := query.TimeRange{Start: testNow.Add(-24 * time.Hour), End: testNow}
	counts := flatCounts(24, 100)
	counts[10] = 0
	src := &fakeSource{events: bucketEvents(window.Start, counts)}
	d := newTestDetector(src)

	report, err := d.Detect(context.Background(), Params{
		Method:    MethodZScore,
		TimeRange: window,
	})
	require.NoError(t, err)
	require.Len(t, report.Anomalies, 1)
	require.Equal(t, "drop", report.Anomalies[0].Direction)
	require.Zero(t, report.Anomalies[0].Value)
}

func TestDetectZScoreQuietOnFlatSeries(t *testing.T) {
	window := query.TimeRange{Start: testNow.Add(-24 * time.Hour), End: testNow}
	src := &fakeSource{events: bucketEvents(window.Start, flatCounts(24, 10))}
	d := newTestDetector(src)

	report, err := d.Detect(context.Background(), Params{
		Method:    MethodZScore,
		TimeRange: window,
	})
	require.NoError(t, err)
	require.NotNil(t, report.Anomalies)
	require.Empty(t, report.Anomalies)
	require.Equal(t, 240, report.EventsExamined)
}

func TestDetectIQRFlagsOutlier(t *testing.T) {
	window := query.TimeRange{Start: testNow.Add(-12 * time.Hour), End: testNow}
	counts := []int{8, 9, 10, 11, 12, 8, 9, 10, 11, 12, 9, 100}
	src := &fakeSource{events: bucketEvents(window.Start, counts)}
	d := newTestDetector(src)

	report, err := d.Detect(context.Background(), Params{
		Method:    MethodIQR,
		TimeRange: window,
	})
	require.NoError(t, err)
	require.Len(t, report.Anomalies, 1)
	require.Equal(t, float64(100), report.Anomalies[0].Value)
	require.Equal(t, "spike", report.Anomalies[0].Direction)
	require.InDelta(t, report.Baseline.Median, report.Anomalies[0].Expected, 0.0001)
}

func TestDetectIQRQuietOnDegenerateSpread(t *testing.T) {
	// Identical buckets give a zero interquartile range; nothing flags.
	window := query.TimeRange{Start: testNow.Add(-12 * time.Hour), End: testNow}
	src := &fakeSource{events: bucketEvents(window.Start, flatCounts(12, 10))}
	d := newTestDetector(src)

	report, err := d.Detect(context.Background(), Params{
		Method:    MethodIQR,
		TimeRange: window,
	})
	require.NoError(t, err)
	require.Empty(t, report.Anomalies)
}

func TestDetectIsolationForestFlagsSpike(t *testing.T) {
	window := query.TimeRange{Start: testNow.Add(-24 * time.Hour), End: testNow}
	counts := flatCounts(24, 10)
	counts[23] = 200
	src := &fakeSource{events: bucketEvents(window.Start, counts)}
	d := newTestDetector(src)

	report, err := d.Detect(context.Background(), Params{
		Method:    MethodIsolationForest,
		TimeRange: window,
	})
	require.NoError(t, err)
	require.NotEmpty(t, report.Anomalies)
	var values []float64
	for _, a := range report.Anomalies {
		values = append(values, a.Value)
		require.GreaterOrEqual(t, a.Score, 0.65)
		require.Less(t, a.Score, 1.0)
	}
	require.Contains(t, values, float64(200))

	// Same inputs, same forest, same verdicts.
	again, err := d.Detect(context.Background(), Params{
		Method:    MethodIsolationForest,
		TimeRange: window,
	})
	require.NoError(t, err)
	require.Equal(t, report.Anomalies, again.Anomalies)
}

func TestDetectDimensionUniqueSources(t *testing.T) {
	window := query.TimeRange{Start: testNow.Add(-24 * time.Hour), End: testNow}
	// Constant volume, but one bucket is a single source hammering away
	// while the rest see ten distinct sources.
	var events []elastic.Event
	for bucket := 0; bucket < 24; bucket++ {
		for i := 0; i < 10; i++ {
			src := fmt.Sprintf("198.51.100.%d", i+1)
			if bucket == 12 {
				src = "198.51.100.1"
			}
			events = append(events, elastic.Event{
				ID:        fmt.Sprintf("ev-%02d-%02d", bucket, i),
				Timestamp: window.Start.Add(time.Duration(bucket)*time.Hour + time.Duration(i)*time.Minute),
				SourceIP:  src,
				EventType: "login_failed",
			})
		}
	}
	d := newTestDetector(&fakeSource{events: events})

	report, err := d.Detect(context.Background(), Params{
		Method:    MethodZScore,
		Dimension: DimensionSources,
		TimeRange: window,
	})
	require.NoError(t, err)
	require.Equal(t, DimensionSources, report.Dimension)
	require.Len(t, report.Anomalies, 1)
	require.Equal(t, "drop", report.Anomalies[0].Direction)
	require.Equal(t, float64(1), report.Anomalies[0].Value)
}

func TestDetectSensitivityWidensNet(t *testing.T) {
	window := query.TimeRange{Start: testNow.Add(-24 * time.Hour), End: testNow}
	counts := flatCounts(24, 10)
	counts[5] = 100  // mild bump
	counts[23] = 200 // hard spike
	src := &fakeSource{events: bucketEvents(window.Start, counts)}
	d := newTestDetector(src)

	strict, err := d.Detect(context.Background(), Params{
		Method:      MethodZScore,
		TimeRange:   window,
		Sensitivity: 0.2,
	})
	require.NoError(t, err)
	require.Len(t, strict.Anomalies, 1)
	require.Equal(t, float64(200), strict.Anomalies[0].Value)

	loose, err := d.Detect(context.Background(), Params{
		Method:      MethodZScore,
		TimeRange:   window,
		Sensitivity: 0.9,
	})
	require.NoError(t, err)
	require.Len(t, loose.Anomalies, 2)
}

func TestDetectDefaultsWindow(t *testing.T) {
	src := &fakeSource{}
	d := newTestDetector(src)

	report, err := d.Detect(context.Background(), Params{Method: MethodZScore})
	require.NoError(t, err)
	require.Equal(t, 24, report.Buckets)
	require.True(t, report.WindowStart.Equal(testNow.Add(-24*time.Hour)))
	require.True(t, report.WindowEnd.Equal(testNow))
	require.NotEmpty(t, src.calls)
	require.True(t, src.calls[0].TimeRange.Start.Equal(report.WindowStart))
	require.Empty(t, report.Anomalies)
}

func TestDetectValidation(t *testing.T) {
	d := newTestDetector(&fakeSource{})
	ctx := context.Background()
	window := query.TimeRange{Start: testNow.Add(-24 * time.Hour), End: testNow}

	cases := []Params{
		{TimeRange: window},                                            // missing method
		{Method: "prophecy", TimeRange: window},                        // unknown method
		{Method: MethodZScore, Dimension: "vibes", TimeRange: window},  // unknown dimension
		{Method: MethodZScore, Interval: "decade", TimeRange: window},  // unknown interval
		{Method: MethodZScore, Sensitivity: 2, TimeRange: window},      // sensitivity range
		{Method: MethodZScore, Sensitivity: -0.1, TimeRange: window},   // sensitivity range
		{Method: MethodZScore, TimeRange: query.TimeRange{Start: testNow, End: testNow.Add(-time.Hour)}},
		{Method: MethodZScore, TimeRange: query.TimeRange{Start: testNow.Add(-2 * time.Hour), End: testNow}}, // 2 buckets
		{Method: MethodIsolationForest, TimeRange: query.TimeRange{Start: testNow.Add(-6 * time.Hour), End: testNow}},
		{Method: MethodZScore, Interval: "minute", TimeRange: query.TimeRange{Start: testNow.Add(-30 * 24 * time.Hour), End: testNow}}, // too many buckets
	}
	for i, p := range cases {
		_, err := d.Detect(ctx, p)
		require.ErrorIs(t, err, errs.ErrInvalidInput, "case %d", i)
	}
}

func TestDetectPropagatesSourceErrors(t *testing.T) {
	src := &fakeSource{err: errs.External("elasticsearch", errors.New("down"))}
	d := newTestDetector(src)
	_, err := d.Detect(context.Background(), Params{
		Method:    MethodZScore,
		TimeRange: query.TimeRange{Start: testNow.Add(-24 * time.Hour), End: testNow},
	})
	require.ErrorIs(t, err, errs.ErrConnectionFailed)
}
