package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/driftsec/dshield-mcp/internal/config"
	"github.com/driftsec/dshield-mcp/internal/elastic"
	"github.com/driftsec/dshield-mcp/internal/errs"
)

// fakeSearcher serves a fixed hit list with real size, from, and
// search_after semantics so pagination paths exercise end to end.
type fakeSearcher struct {
	fields  *elastic.FieldMap
	fixture []elastic.Hit

	countTotal int64
	countErr   error
	searchErr  error
	aggErr     error
	aggRaw     json.RawMessage

	countBodies  [][]byte
	searchBodies [][]byte
	aggBodies    [][]byte
}

func newFakeSearcher(fixture []elastic.Hit) *fakeSearcher {
	return &fakeSearcher{fields: elastic.DefaultFieldMap(), fixture: fixture}
}

func (f *fakeSearcher) Count(_ context.Context, body []byte) (int64, error) {
	f.countBodies = append(f.countBodies, body)
	if f.countErr != nil {
		return 0, f.countErr
	}
	if f.countTotal > 0 {
		return f.countTotal, nil
	}
	return int64(len(f.fixture)), nil
}

func (f *fakeSearcher) Search(_ context.Context, body []byte) (*elastic.SearchResult, error) {
	f.searchBodies = append(f.searchBodies, body)
	if f.searchErr != nil {
		return nil, f.searchErr
	}

	size := int(gjson.GetBytes(body, "size").Int())
	start := int(gjson.GetBytes(body, "from").Int())
	if after := gjson.GetBytes(body, "search_after"); after.Exists() {
		id := after.Array()[1].String()
		for i, h := range f.fixture {
			if h.ID == id {
				start = i + 1
				break
			}
		}
	}
	if id := gjson.GetBytes(body, "query.ids.values.0"); id.Exists() {
		for _, h := range f.fixture {
			if h.ID == id.String() {
				return &elastic.SearchResult{Hits: []elastic.Hit{h}, Total: 1, ShardsTotal: 2}, nil
			}
		}
		return &elastic.SearchResult{ShardsTotal: 2}, nil
	}

	if start > len(f.fixture) {
		start = len(f.fixture)
	}
	end := start + size
	if end > len(f.fixture) {
		end = len(f.fixture)
	}
	return &elastic.SearchResult{
		Hits:        f.fixture[start:end],
		Total:       int64(len(f.fixture)),
		TookMS:      3,
		ShardsTotal: 2,
	}, nil
}

func (f *fakeSearcher) Aggregate(_ context.Context, body []byte) (*elastic.AggregateResult, error) {
	f.aggBodies = append(f.aggBodies, body)
	if f.aggErr != nil {
		return nil, f.aggErr
	}
	raw := f.aggRaw
	if raw == nil {
		raw = json.RawMessage(`{"events_over_time":{"buckets":[]}}`)
	}
	return &elastic.AggregateResult{
		Aggregations: raw,
		Total:        int64(len(f.fixture)),
		TookMS:       5,
		ShardsTotal:  2,
	}, nil
}

func (f *fakeSearcher) Fields() *elastic.FieldMap { return f.fields }
func (f *fakeSearcher) Indices() []string         { return []string{"cowrie-*"} }

func mkHit(id string, ts time.Time, extra map[string]interface{}) elastic.Hit {
	src := map[string]interface{}{"@timestamp": ts.UTC().Format(time.RFC3339)}
	for k, v := range extra {
		src[k] = v
	}
	raw, err := json.Marshal(src)
	if err != nil {
		panic(err)
	}
	return elastic.Hit{
		ID:     id,
		Index:  "cowrie-2026.08",
		Source: raw,
		Sort:   []interface{}{float64(ts.UnixMilli()), id},
	}
}

// fixtureHits builds n hits descending from testNow, one minute apart.
func fixtureHits(n int) []elastic.Hit {
	hits := make([]elastic.Hit, n)
	for i := range hits {
		hits[i] = mkHit(
			fmt.Sprintf("evt-%04d", i),
			testNow.Add(-time.Duration(i)*time.Minute),
			map[string]interface{}{"src_ip": fmt.Sprintf("203.0.113.%d", i%254+1)},
		)
	}
	return hits
}

func newTestEngine(f *fakeSearcher) *Engine {
	e := NewEngine(f,
		config.QueryConfig{
			DefaultPageSize:     100,
			MaxPageSize:         1000,
			MaxResultSizeMB:     1,
			QueryTimeoutSeconds: 30,
			FallbackStrategy:    config.FallbackAggregate,
		},
		config.StreamingConfig{
			DefaultChunkSize:  500,
			MaxChunks:         20,
			SessionGapSeconds: 1800,
		},
		zerolog.Nop(),
	)
	e.now = func() time.Time { return testNow }
	e.randSeed = func() int64 { return 42 }
	return e
}

func TestQueryBuildsFilterAndRange(t *testing.T) {
	f := newFakeSearcher(fixtureHits(5))
	e := newTestEngine(f)

	start := testNow.Add(-2 * time.Hour)
	_, err := e.Query(context.Background(), Params{
		Filters:   map[string]interface{}{"source_ip": "203.0.113.7"},
		TimeRange: TimeRange{Start: start, End: testNow},
	})
	require.NoError(t, err)
	require.Len(t, f.searchBodies, 1)

	body := f.searchBodies[0]
	require.Equal(t, start.Format(timestampFormat),
		gjson.GetBytes(body, "query.bool.filter.0.range.@timestamp.gte").String())
	require.Equal(t, testNow.Format(timestampFormat),
		gjson.GetBytes(body, "query.bool.filter.0.range.@timestamp.lt").String())

	// source_ip maps to several storage candidates, so the clause is a
	// should-of-terms.
	shoulds := gjson.GetBytes(body, "query.bool.filter.1.bool.should")
	require.True(t, shoulds.IsArray())
	require.Len(t, shoulds.Array(), 4)
	require.Equal(t, "203.0.113.7",
		gjson.GetBytes(body, "query.bool.filter.1.bool.should.0.term.source\\.ip").String())
	require.Equal(t, int64(1),
		gjson.GetBytes(body, "query.bool.filter.1.bool.minimum_should_match").Int())

	require.Equal(t, "desc", gjson.GetBytes(body, "sort.0.@timestamp.order").String())
	require.Equal(t, "desc", gjson.GetBytes(body, "sort.1._id.order").String())
	require.Equal(t, int64(100), gjson.GetBytes(body, "size").Int())
}

func TestQueryDefaultsToLastDay(t *testing.T) {
	f := newFakeSearcher(fixtureHits(3))
	e := newTestEngine(f)

	_, err := e.Query(context.Background(), Params{})
	require.NoError(t, err)

	body := f.searchBodies[0]
	require.Equal(t, testNow.Add(-24*time.Hour).Format(timestampFormat),
		gjson.GetBytes(body, "query.bool.filter.0.range.@timestamp.gte").String())
}

func TestQueryUnknownFilterField(t *testing.T) {
	e := newTestEngine(newFakeSearcher(nil))

	_, err := e.Query(context.Background(), Params{
		Filters: map[string]interface{}{"sorce_ip": "203.0.113.7"},
	})
	require.Error(t, err)

	var typed *errs.Error
	require.ErrorAs(t, err, &typed)
	require.Equal(t, errs.KindValidation, typed.Kind)
	require.Equal(t, "source_ip", typed.Data["suggested_field"])
}

func TestQueryRejectsBadFilterValues(t *testing.T) {
	e := newTestEngine(newFakeSearcher(nil))

	_, err := e.Query(context.Background(), Params{
		Filters: map[string]interface{}{"source_ip": map[string]interface{}{"nested": true}},
	})
	require.ErrorIs(t, err, errs.ErrInvalidInput)

	_, err = e.Query(context.Background(), Params{
		Filters: map[string]interface{}{"source_ip": []interface{}{"ok", []interface{}{"nested"}}},
	})
	require.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestQueryPagingValidation(t *testing.T) {
	e := newTestEngine(newFakeSearcher(fixtureHits(1)))
	ctx := context.Background()

	_, err := e.Query(ctx, Params{PageSize: 2000})
	require.ErrorIs(t, err, errs.ErrInvalidInput)

	_, err = e.Query(ctx, Params{PageSize: -1})
	require.ErrorIs(t, err, errs.ErrInvalidInput)

	_, err = e.Query(ctx, Params{Offset: -5})
	require.ErrorIs(t, err, errs.ErrInvalidInput)

	_, err = e.Query(ctx, Params{Offset: 9950, PageSize: 100})
	require.ErrorIs(t, err, errs.ErrInvalidInput)

	token, err := EncodeCursor([]interface{}{float64(1), "x"})
	require.NoError(t, err)
	_, err = e.Query(ctx, Params{Cursor: token, Offset: 50})
	require.ErrorIs(t, err, errs.ErrInvalidInput)

	_, err = e.Query(ctx, Params{Cursor: "@@not-a-cursor@@"})
	require.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestQueryCursorPagination(t *testing.T) {
	f := newFakeSearcher(fixtureHits(250))
	e := newTestEngine(f)
	ctx := context.Background()

	first, err := e.Query(ctx, Params{})
	require.NoError(t, err)
	require.Len(t, first.Events, 100)
	require.Equal(t, int64(250), first.Total)
	require.NotEmpty(t, first.NextCursor)

	c, err := DecodeCursor(first.NextCursor)
	require.NoError(t, err)
	require.Equal(t, "evt-0099", c.ID)

	second, err := e.Query(ctx, Params{Cursor: first.NextCursor})
	require.NoError(t, err)
	require.Len(t, second.Events, 100)
	require.Equal(t, "evt-0100", second.Events[0].ID)
	require.NotEmpty(t, second.NextCursor)

	third, err := e.Query(ctx, Params{Cursor: second.NextCursor})
	require.NoError(t, err)
	require.Len(t, third.Events, 50)
	require.Empty(t, third.NextCursor, "exhausted scan has no cursor")

	seen := map[string]bool{}
	for _, page := range [][]elastic.Event{first.Events, second.Events, third.Events} {
		for _, ev := range page {
			require.False(t, seen[ev.ID], ev.ID)
			seen[ev.ID] = true
		}
	}
	require.Len(t, seen, 250)
}

func TestQueryOffsetPagination(t *testing.T) {
	f := newFakeSearcher(fixtureHits(30))
	e := newTestEngine(f)

	res, err := e.Query(context.Background(), Params{Offset: 10, PageSize: 10})
	require.NoError(t, err)
	require.Len(t, res.Events, 10)
	require.Equal(t, "evt-0010", res.Events[0].ID)
	require.Equal(t, int64(10), gjson.GetBytes(f.searchBodies[0], "from").Int())
}

func TestQueryProjection(t *testing.T) {
	f := newFakeSearcher(fixtureHits(5))
	e := newTestEngine(f)

	_, err := e.Query(context.Background(), Params{Fields: []string{"source_ip", "timestamp"}})
	require.NoError(t, err)

	src := gjson.GetBytes(f.searchBodies[0], "_source")
	require.True(t, src.IsArray())
	var flat []string
	for _, v := range src.Array() {
		flat = append(flat, v.String())
	}
	require.Contains(t, flat, "source.ip")
	require.Contains(t, flat, "@timestamp")

	_, err = e.Query(context.Background(), Params{Fields: []string{"nope"}})
	require.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestQueryFieldReduction(t *testing.T) {
	f := newFakeSearcher(fixtureHits(600))
	e := newTestEngine(f)

	// 500 full documents at 4 KiB estimate past the 1 MiB budget; the
	// essential projection brings the page back under it.
	res, err := e.Query(context.Background(), Params{PageSize: 500})
	require.NoError(t, err)
	require.Equal(t, []string{"field_reduction"}, res.Metrics.OptimizationsApplied)
	require.Equal(t, 500, res.PageSize)
	require.Empty(t, res.Fallback)

	src := gjson.GetBytes(f.searchBodies[0], "_source")
	require.True(t, src.IsArray(), "essential projection applied")
}

func TestQueryPageReduction(t *testing.T) {
	f := newFakeSearcher(fixtureHits(600))
	e := newTestEngine(f)
	e.avgFull = 8192
	e.avgEssential = 4096

	res, err := e.Query(context.Background(), Params{PageSize: 500})
	require.NoError(t, err)
	require.Equal(t, []string{"field_reduction", "page_reduction"}, res.Metrics.OptimizationsApplied)
	require.Equal(t, 256, res.PageSize)
	require.Equal(t, int64(256), gjson.GetBytes(f.searchBodies[0], "size").Int())
}

func TestQueryAggregateFallback(t *testing.T) {
	f := newFakeSearcher(fixtureHits(600))
	e := newTestEngine(f)
	e.avgFull = 2 << 20
	e.avgEssential = 2 << 20

	res, err := e.Query(context.Background(), Params{PageSize: 500})
	require.NoError(t, err)
	require.Equal(t, config.FallbackAggregate, res.Fallback)
	require.Empty(t, res.Events)
	require.NotNil(t, res.Events)
	require.NotEmpty(t, res.Aggregations)
	require.Equal(t, "aggregation", res.Metrics.QueryComplexity)
	require.Equal(t, aggregationNames, res.Metrics.AggregationsUsed)
	require.Contains(t, res.Metrics.OptimizationsApplied, "fallback_aggregate")

	body := f.aggBodies[0]
	require.Equal(t, "@timestamp", gjson.GetBytes(body, "aggs.events_over_time.date_histogram.field").String())
	require.Equal(t, "1h", gjson.GetBytes(body, "aggs.events_over_time.date_histogram.fixed_interval").String())
	require.Equal(t, "source.ip", gjson.GetBytes(body, "aggs.top_sources.terms.field").String())
	require.Equal(t, int64(0), gjson.GetBytes(body, "size").Int())
}

func TestQuerySampleFallback(t *testing.T) {
	f := newFakeSearcher(fixtureHits(600))
	e := newTestEngine(f)
	e.cfg.FallbackStrategy = config.FallbackSample
	e.avgFull = 2 << 20
	e.avgEssential = 2 << 20

	res, err := e.Query(context.Background(), Params{PageSize: 500})
	require.NoError(t, err)
	require.Equal(t, config.FallbackSample, res.Fallback)
	require.Empty(t, res.NextCursor, "samples are not resumable")

	body := f.searchBodies[0]
	require.Equal(t, int64(42), gjson.GetBytes(body, "query.function_score.random_score.seed").Int())
	require.False(t, gjson.GetBytes(body, "sort").Exists(), "random order, no sort clause")
	require.Equal(t, int64(1), gjson.GetBytes(body, "size").Int())
}

func TestQueryErrorFallback(t *testing.T) {
	e := newTestEngine(newFakeSearcher(fixtureHits(600)))
	e.cfg.FallbackStrategy = config.FallbackError
	e.avgFull = 2 << 20
	e.avgEssential = 2 << 20

	_, err := e.Query(context.Background(), Params{PageSize: 500})
	require.Error(t, err)

	var typed *errs.Error
	require.ErrorAs(t, err, &typed)
	require.Equal(t, errs.KindOversizedResult, typed.Kind)
	require.NotZero(t, typed.Data["estimated_bytes"])
	require.EqualValues(t, 1<<20, typed.Data["max_bytes"])
}

func TestQueryBackendErrorsPassThrough(t *testing.T) {
	f := newFakeSearcher(fixtureHits(5))
	f.countErr = errs.External("elasticsearch", errors.New("boom"))
	e := newTestEngine(f)

	_, err := e.Query(context.Background(), Params{})
	require.ErrorIs(t, err, errs.ErrConnectionFailed)
}

func TestQueryComplexityBands(t *testing.T) {
	f := newFakeSearcher(fixtureHits(5))
	e := newTestEngine(f)
	ctx := context.Background()

	res, err := e.Query(ctx, Params{})
	require.NoError(t, err)
	require.Equal(t, "simple", res.Metrics.QueryComplexity)

	res, err = e.Query(ctx, Params{Filters: map[string]interface{}{"source_ip": "203.0.113.1"}})
	require.NoError(t, err)
	require.Equal(t, "moderate", res.Metrics.QueryComplexity)

	res, err = e.Query(ctx, Params{Filters: map[string]interface{}{
		"source_ip":  "203.0.113.1",
		"event_type": "login_attempt",
		"username":   "root",
	}})
	require.NoError(t, err)
	require.Equal(t, "complex", res.Metrics.QueryComplexity)
	require.Equal(t, []string{"cowrie-*"}, res.Metrics.IndicesScanned)
	require.Equal(t, 2, res.Metrics.ShardsScanned)
}

func TestEventByID(t *testing.T) {
	f := newFakeSearcher(fixtureHits(5))
	e := newTestEngine(f)
	ctx := context.Background()

	ev, err := e.EventByID(ctx, "evt-0003")
	require.NoError(t, err)
	require.Equal(t, "evt-0003", ev.ID)
	require.Equal(t, "203.0.113.4", ev.SourceIP)

	_, err = e.EventByID(ctx, "missing")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestResolveTimeRangeAroundEvent(t *testing.T) {
	f := newFakeSearcher(fixtureHits(5))
	e := newTestEngine(f)

	tr, err := e.ResolveTimeRange(context.Background(), TimeSpec{EventID: "evt-0002", DeltaMinutes: 15})
	require.NoError(t, err)

	anchor := testNow.Add(-2 * time.Minute)
	require.Equal(t, anchor.Add(-15*time.Minute), tr.Start)
	require.Equal(t, anchor.Add(15*time.Minute), tr.End)

	_, err = e.ResolveTimeRange(context.Background(), TimeSpec{EventID: "missing"})
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestResolveTimeRangeStatic(t *testing.T) {
	e := newTestEngine(newFakeSearcher(nil))

	tr, err := e.ResolveTimeRange(context.Background(), TimeSpec{Relative: "last_6_hours"})
	require.NoError(t, err)
	require.Equal(t, 6*time.Hour, tr.Duration())
}

func TestCollectPagesThroughScan(t *testing.T) {
	f := newFakeSearcher(fixtureHits(2500))
	e := newTestEngine(f)

	events, err := e.Collect(context.Background(), Params{}, 2500)
	require.NoError(t, err)
	require.Len(t, events, 2500)
	require.Equal(t, "evt-0000", events[0].ID)
	require.Equal(t, "evt-2499", events[2499].ID)

	// Page two resumes after page one's last hit.
	require.GreaterOrEqual(t, len(f.searchBodies), 3)
	after := gjson.GetBytes(f.searchBodies[1], "search_after")
	require.True(t, after.Exists())
	require.Equal(t, "evt-0999", after.Array()[1].String())
}

func TestCollectHonorsLimit(t *testing.T) {
	f := newFakeSearcher(fixtureHits(300))
	e := newTestEngine(f)

	events, err := e.Collect(context.Background(), Params{}, 120)
	require.NoError(t, err)
	require.Len(t, events, 120)
}
