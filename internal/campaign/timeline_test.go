package campaign

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftsec/dshield-mcp/internal/elastic"
	"github.com/driftsec/dshield-mcp/internal/errs"
)

func TestBuildTimelineHourly(t *testing.T) {
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	events := []elastic.Event{
		{ID: "a", Timestamp: base.Add(5 * time.Minute), SourceIP: "1.1.1.1", EventType: "login_failed"},
		{ID: "b", Timestamp: base.Add(40 * time.Minute), SourceIP: "2.2.2.2", EventType: "login_failed"},
		{ID: "c", Timestamp: base.Add(70 * time.Minute), SourceIP: "1.1.1.1", EventType: "command_input"},
	}

	timeline, err := buildTimeline(events, "hour")
	require.NoError(t, err)
	require.Len(t, timeline, 2)

	require.True(t, timeline[0].Start.Equal(base))
	require.True(t, timeline[0].End.Equal(base.Add(time.Hour)))
	require.Equal(t, 2, timeline[0].Count)
	require.Equal(t, 2, timeline[0].UniqueSources)
	require.Equal(t, map[string]int{"login_failed": 2}, timeline[0].EventTypes)

	require.Equal(t, 1, timeline[1].Count)
	require.Equal(t, 1, timeline[1].UniqueSources)
}

func TestBuildTimelineSkipsEmptyBuckets(t *testing.T) {
	base := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)
	events := []elastic.Event{
		{ID: "a", Timestamp: base},
		{ID: "b", Timestamp: base.Add(5 * time.Hour)},
	}
	timeline, err := buildTimeline(events, "hour")
	require.NoError(t, err)
	require.Len(t, timeline, 2)
	require.True(t, timeline[1].Start.After(timeline[0].End))
}

func TestBuildTimelineAdaptiveGranularity(t *testing.T) {
	base := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	// A five-day span with no explicit granularity lands on six-hour buckets.
	events := []elastic.Event{
		{ID: "a", Timestamp: base},
		{ID: "b", Timestamp: base.Add(5 * 24 * time.Hour)},
	}
	timeline, err := buildTimeline(events, "")
	require.NoError(t, err)
	require.NotEmpty(t, timeline)
	require.Equal(t, 6*time.Hour, timeline[0].End.Sub(timeline[0].Start))
}

func TestBuildTimelineRejectsGranularity(t *testing.T) {
	events := []elastic.Event{{ID: "a", Timestamp: testNow}}
	_, err := buildTimeline(events, "fortnight")
	require.ErrorIs(t, err, errs.ErrInvalidInput)

	// The same bad granularity fails identically with no events.
	_, err = buildTimeline(nil, "fortnight")
	require.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestBuildTimelineEmpty(t *testing.T) {
	timeline, err := buildTimeline(nil, "hour")
	require.NoError(t, err)
	require.NotNil(t, timeline)
	require.Empty(t, timeline)
}
