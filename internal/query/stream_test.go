package query

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftsec/dshield-mcp/internal/elastic"
	"github.com/driftsec/dshield-mcp/internal/errs"
)

// sessionHits builds scan-adjacent runs: counts[i] events sharing the
// i-th session key, one second apart, all runs back to back.
func sessionHits(counts ...int) []elastic.Hit {
	var hits []elastic.Hit
	ts := testNow
	for run, n := range counts {
		for i := 0; i < n; i++ {
			hits = append(hits, mkHit(
				fmt.Sprintf("s%02d-%03d", run, i),
				ts,
				map[string]interface{}{
					"src_ip":   fmt.Sprintf("10.0.0.%d", run+1),
					"username": "root",
					"session":  fmt.Sprintf("sess-%02d", run),
				},
			))
			ts = ts.Add(-time.Second)
		}
	}
	return hits
}

func TestStreamPlainChunksAndResume(t *testing.T) {
	f := newFakeSearcher(fixtureHits(1500))
	e := newTestEngine(f)
	ctx := context.Background()

	first, err := e.Stream(ctx, StreamParams{ChunkSize: 500, MaxChunks: 2})
	require.NoError(t, err)
	require.Len(t, first.Chunks, 2)
	require.Len(t, first.Chunks[0].Events, 500)
	require.Len(t, first.Chunks[1].Events, 500)
	require.Equal(t, 1, first.Chunks[1].Index)
	require.Equal(t, int64(1500), first.Total)
	require.True(t, first.HasMore)
	require.NotEmpty(t, first.FinalCursor)
	require.Equal(t, StreamSummary{Chunks: 2, Events: 1000}, first.Summary)

	c, err := DecodeCursor(first.FinalCursor)
	require.NoError(t, err)
	require.Equal(t, "evt-0999", c.ID)

	second, err := e.Stream(ctx, StreamParams{ChunkSize: 500, MaxChunks: 2, Cursor: first.FinalCursor})
	require.NoError(t, err)
	require.Len(t, second.Chunks, 1)
	require.Len(t, second.Chunks[0].Events, 500)
	require.False(t, second.HasMore)
	require.Empty(t, second.FinalCursor)

	seen := map[string]bool{}
	for _, res := range []*StreamResult{first, second} {
		for _, chunk := range res.Chunks {
			for _, ev := range chunk.Events {
				require.False(t, seen[ev.ID], "duplicate %s", ev.ID)
				seen[ev.ID] = true
			}
		}
	}
	require.Len(t, seen, 1500, "exactly-once union across calls")
}

func TestStreamPreservesScanOrder(t *testing.T) {
	f := newFakeSearcher(fixtureHits(30))
	e := newTestEngine(f)

	res, err := e.Stream(context.Background(), StreamParams{ChunkSize: 10, MaxChunks: 3})
	require.NoError(t, err)

	var flat []string
	for _, chunk := range res.Chunks {
		for _, ev := range chunk.Events {
			flat = append(flat, ev.ID)
		}
	}
	for i := 1; i < len(flat); i++ {
		require.Less(t, flat[i-1], flat[i], "descending scan renders ids in fixture order")
	}
}

func TestStreamSessionPacking(t *testing.T) {
	f := newFakeSearcher(sessionHits(3, 2, 2))
	e := newTestEngine(f)

	res, err := e.Stream(context.Background(), StreamParams{
		ChunkSize:      4,
		MaxChunks:      10,
		SessionContext: true,
	})
	require.NoError(t, err)
	require.False(t, res.HasMore)
	require.Len(t, res.Chunks, 2)

	// The second session does not fit the first chunk's remainder, so the
	// chunk closes early instead of splitting the session.
	require.Len(t, res.Chunks[0].Events, 3)
	require.Equal(t, []string{"10.0.0.1|root|sess-00"}, res.Chunks[0].Sessions)
	require.Len(t, res.Chunks[1].Events, 4)
	require.Equal(t, []string{"10.0.0.2|root|sess-01", "10.0.0.3|root|sess-02"}, res.Chunks[1].Sessions)

	require.Equal(t, StreamSummary{Chunks: 2, Events: 7, Sessions: 3, SplitSessions: 0}, res.Summary)
	for _, chunk := range res.Chunks {
		require.False(t, chunk.ChunkBoundary)
	}
}

func TestStreamSplitsOversizedSession(t *testing.T) {
	f := newFakeSearcher(sessionHits(7))
	e := newTestEngine(f)

	res, err := e.Stream(context.Background(), StreamParams{
		ChunkSize:      3,
		MaxChunks:      10,
		SessionContext: true,
	})
	require.NoError(t, err)
	require.Len(t, res.Chunks, 3)
	require.Len(t, res.Chunks[0].Events, 3)
	require.Len(t, res.Chunks[1].Events, 3)
	require.Len(t, res.Chunks[2].Events, 1)

	require.False(t, res.Chunks[0].ChunkBoundary)
	require.True(t, res.Chunks[1].ChunkBoundary)
	require.Equal(t, "session continues from the previous chunk", res.Chunks[1].Note)
	require.True(t, res.Chunks[2].ChunkBoundary)

	require.Equal(t, 1, res.Summary.Sessions)
	require.Equal(t, 1, res.Summary.SplitSessions)
	require.False(t, res.HasMore)
}

func TestStreamGapSplitsSameKey(t *testing.T) {
	base := sessionHits(2)
	// Third event shares the key but sits 70 minutes earlier, past the
	// 30 minute session gap.
	stale := mkHit("s00-999", testNow.Add(-70*time.Minute), map[string]interface{}{
		"src_ip":   "10.0.0.1",
		"username": "root",
		"session":  "sess-00",
	})
	f := newFakeSearcher(append(base, stale))
	e := newTestEngine(f)

	res, err := e.Stream(context.Background(), StreamParams{
		ChunkSize:      2,
		MaxChunks:      10,
		SessionContext: true,
	})
	require.NoError(t, err)
	require.Len(t, res.Chunks, 2)
	require.Len(t, res.Chunks[0].Events, 2)
	require.Len(t, res.Chunks[1].Events, 1)
	require.Equal(t, 2, res.Summary.Sessions, "gap starts a new session")
}

func TestStreamChunkCapCutsWindow(t *testing.T) {
	f := newFakeSearcher(fixtureHits(5))
	e := newTestEngine(f)

	res, err := e.Stream(context.Background(), StreamParams{
		ChunkSize:      2,
		MaxChunks:      1,
		SessionContext: true,
	})
	require.NoError(t, err)
	require.Len(t, res.Chunks, 1)
	require.Len(t, res.Chunks[0].Events, 2)
	require.True(t, res.HasMore)

	c, err := DecodeCursor(res.FinalCursor)
	require.NoError(t, err)
	require.Equal(t, "evt-0001", c.ID, "cursor points at the last emitted event")

	rest, err := e.Stream(context.Background(), StreamParams{
		ChunkSize:      2,
		MaxChunks:      2,
		SessionContext: true,
		Cursor:         res.FinalCursor,
	})
	require.NoError(t, err)
	require.Equal(t, 3, rest.Summary.Events)
	require.False(t, rest.HasMore)
}

func TestStreamAnnotatesCutInsideSession(t *testing.T) {
	f := newFakeSearcher(sessionHits(4))
	e := newTestEngine(f)

	res, err := e.Stream(context.Background(), StreamParams{
		ChunkSize:      3,
		MaxChunks:      1,
		SessionContext: true,
	})
	require.NoError(t, err)
	require.Len(t, res.Chunks, 1)
	require.Len(t, res.Chunks[0].Events, 3)
	require.True(t, res.HasMore)

	last := res.Chunks[len(res.Chunks)-1]
	require.True(t, last.ChunkBoundary)
	require.Equal(t, "session continues in the next call", last.Note)
}

func TestStreamValidation(t *testing.T) {
	e := newTestEngine(newFakeSearcher(nil))
	ctx := context.Background()

	_, err := e.Stream(ctx, StreamParams{ChunkSize: 5000})
	require.ErrorIs(t, err, errs.ErrInvalidInput)

	_, err = e.Stream(ctx, StreamParams{MaxChunks: 50})
	require.ErrorIs(t, err, errs.ErrInvalidInput)

	_, err = e.Stream(ctx, StreamParams{ChunkSize: -1})
	require.ErrorIs(t, err, errs.ErrInvalidInput)

	_, err = e.Stream(ctx, StreamParams{Cursor: "%%%"})
	require.ErrorIs(t, err, errs.ErrInvalidInput)

	_, err = e.Stream(ctx, StreamParams{Filters: map[string]interface{}{"bogus": 1}})
	require.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestStreamEmptyMatchSet(t *testing.T) {
	e := newTestEngine(newFakeSearcher(nil))

	res, err := e.Stream(context.Background(), StreamParams{})
	require.NoError(t, err)
	require.NotNil(t, res.Chunks)
	require.Empty(t, res.Chunks)
	require.False(t, res.HasMore)
	require.Empty(t, res.FinalCursor)
	require.Equal(t, StreamSummary{}, res.Summary)
}

func TestStreamComplexityReporting(t *testing.T) {
	f := newFakeSearcher(fixtureHits(10))
	e := newTestEngine(f)

	res, err := e.Stream(context.Background(), StreamParams{SessionContext: true})
	require.NoError(t, err)
	require.Equal(t, "complex", res.Metrics.QueryComplexity)

	res, err = e.Stream(context.Background(), StreamParams{})
	require.NoError(t, err)
	require.Equal(t, "simple", res.Metrics.QueryComplexity)
}
