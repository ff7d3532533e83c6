package errs

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAnalytics(size int, window time.Duration) (*Analytics, *time.Time) {
	a := NewAnalytics(size, window)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }
	return a, &now
}

func TestAnalyticsCountsByCodeAndTool(t *testing.T) {
	a, _ := newTestAnalytics(100, 300*time.Second)

	a.Observe(Timeout(time.Second), "query_dshield_events", "r1")
	a.Observe(Timeout(time.Second), "query_dshield_events", "r2")
	a.Observe(CircuitOpen("elasticsearch"), "analyze_campaign", "r3")

	snap := a.Snapshot()
	assert.Equal(t, uint64(3), snap.TotalObserved)
	assert.Equal(t, 3, snap.WindowCount)
	assert.Equal(t, 2, snap.ByCode["TIMEOUT_ERROR"])
	assert.Equal(t, 1, snap.ByCode["CIRCUIT_BREAKER_OPEN"])
	assert.Equal(t, 2, snap.ByTool["query_dshield_events"])

	require.NotEmpty(t, snap.TopOffenders)
	assert.Equal(t, "query_dshield_events", snap.TopOffenders[0].Tool)
}

func TestAnalyticsWindowExcludesOldRecords(t *testing.T) {
	a, now := newTestAnalytics(100, 300*time.Second)

	a.Observe(Internal(nil), "tool_a", "r1")
	*now = now.Add(301 * time.Second)
	a.Observe(Internal(nil), "tool_b", "r2")

	snap := a.Snapshot()
	assert.Equal(t, uint64(2), snap.TotalObserved)
	assert.Equal(t, 1, snap.WindowCount)
	assert.Zero(t, snap.ByTool["tool_a"])
	assert.Equal(t, 1, snap.ByTool["tool_b"])
}

func TestAnalyticsRingEviction(t *testing.T) {
	a, _ := newTestAnalytics(4, time.Hour)

	for i := 0; i < 10; i++ {
		a.Observe(Internal(nil), fmt.Sprintf("tool_%d", i), "")
	}

	snap := a.Snapshot()
	assert.Equal(t, uint64(10), snap.TotalObserved)
	assert.Equal(t, 4, snap.WindowCount)
	// Only the newest four survive.
	assert.Equal(t, 1, snap.ByTool["tool_9"])
	assert.Zero(t, snap.ByTool["tool_0"])
}

func TestAnalyticsTrend(t *testing.T) {
	a, now := newTestAnalytics(100, 100*time.Second)
	base := *now

	// Two in the first half of the window, eight in the second.
	*now = base.Add(-90 * time.Second)
	a.Observe(Internal(nil), "t", "")
	a.Observe(Internal(nil), "t", "")
	*now = base.Add(-10 * time.Second)
	for i := 0; i < 8; i++ {
		a.Observe(Internal(nil), "t", "")
	}
	*now = base

	assert.Equal(t, "increasing", a.Snapshot().Trend)
}

func TestAnalyticsIgnoresNil(t *testing.T) {
	a, _ := newTestAnalytics(10, time.Minute)
	a.Observe(nil, "tool", "")
	assert.Zero(t, a.Snapshot().WindowCount)
}
