// Package query turns user-facing query parameters into Elasticsearch
// requests: field mapping, time-range normalization, offset and cursor
// pagination, result-size optimization, and ordered streaming with
// optional session-context chunking.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/sjson"

	"github.com/driftsec/dshield-mcp/internal/config"
	"github.com/driftsec/dshield-mcp/internal/elastic"
	"github.com/driftsec/dshield-mcp/internal/errs"
)

const (
	// offsetCap respects the backend's from+size window default.
	offsetCap = 10000
	pageFloor = 10

	avgDocBytesFull      = 4096
	avgDocBytesEssential = 600
)

// timestampFormat renders range bounds with millisecond precision.
const timestampFormat = "2006-01-02T15:04:05.000Z"

// EssentialFields is the reduced projection used by the optimizer when a
// full-document page would blow the result-size budget.
var EssentialFields = []string{
	"timestamp", "source_ip", "destination_ip", "destination_port",
	"protocol", "event_type", "username", "session_id",
}

// Searcher is the slice of the Elasticsearch adapter the engine needs.
type Searcher interface {
	Count(ctx context.Context, body []byte) (int64, error)
	Search(ctx context.Context, body []byte) (*elastic.SearchResult, error)
	Aggregate(ctx context.Context, body []byte) (*elastic.AggregateResult, error)
	Fields() *elastic.FieldMap
	Indices() []string
}

// Params selects and pages events. Cursor and a nonzero Offset are
// mutually exclusive.
type Params struct {
	Filters   map[string]interface{}
	TimeRange TimeRange
	Fields    []string
	PageSize  int
	Offset    int
	Cursor    string
}

// Metrics is attached to every engine response.
type Metrics struct {
	QueryTimeMS            int64    `json:"query_time_ms"`
	IndicesScanned         []string `json:"indices_scanned"`
	TotalDocumentsExamined int64    `json:"total_documents_examined"`
	ShardsScanned          int      `json:"shards_scanned"`
	QueryComplexity        string   `json:"query_complexity"`
	OptimizationsApplied   []string `json:"optimizations_applied"`
	AggregationsUsed       []string `json:"aggregations_used"`
}

// Result is one page of events, or a fallback summary when the page
// could not fit the size budget.
type Result struct {
	Events       []elastic.Event `json:"events"`
	Total        int64           `json:"total"`
	PageSize     int             `json:"page_size"`
	NextCursor   string          `json:"next_cursor,omitempty"`
	Fallback     string          `json:"fallback,omitempty"`
	Aggregations json.RawMessage `json:"aggregations,omitempty"`
	Metrics      Metrics         `json:"performance_metrics"`
}

// Engine owns query building and execution policy.
type Engine struct {
	es        Searcher
	cfg       config.QueryConfig
	streamCfg config.StreamingConfig
	logger    zerolog.Logger

	avgFull      int
	avgEssential int

	now      func() time.Time
	randSeed func() int64
}

// NewEngine builds the engine on top of the Elasticsearch adapter.
func NewEngine(es Searcher, cfg config.QueryConfig, streamCfg config.StreamingConfig, log zerolog.Logger) *Engine {
	return &Engine{
		es:           es,
		cfg:          cfg,
		streamCfg:    streamCfg,
		logger:       log.With().Str("component", "query").Logger(),
		avgFull:      avgDocBytesFull,
		avgEssential: avgDocBytesEssential,
		now:          time.Now,
		randSeed:     func() int64 { return time.Now().UnixNano() },
	}
}

// Query runs one paged search under the size-budget decision tree.
func (e *Engine) Query(ctx context.Context, p Params) (*Result, error) {
	started := e.now()

	pageSize, err := e.normalizePageSize(p.PageSize)
	if err != nil {
		return nil, err
	}
	if err := validatePaging(p, pageSize); err != nil {
		return nil, err
	}

	var cursor *Cursor
	if p.Cursor != "" {
		if cursor, err = DecodeCursor(p.Cursor); err != nil {
			return nil, err
		}
	}

	var projection []string
	if len(p.Fields) > 0 {
		if projection, err = e.es.Fields().SourceFields(p.Fields); err != nil {
			return nil, err
		}
	}

	queryClause, err := e.buildQueryClause(p)
	if err != nil {
		return nil, err
	}

	total, err := e.es.Count(ctx, countBodyFor(queryClause))
	if err != nil {
		return nil, err
	}

	pl := e.plan(total, pageSize, len(p.Fields) > 0)

	switch pl.fallback {
	case config.FallbackError:
		return nil, errs.OversizedResult(pl.estimatedBytes, int64(e.cfg.MaxResultBytes()))
	case config.FallbackAggregate:
		return e.runAggregateFallback(ctx, started, queryClause, p, total, pl)
	case config.FallbackSample:
		return e.runSampleFallback(ctx, started, queryClause, p, projection, total, pl)
	}

	sourceFields := projection
	if pl.essential {
		// Unknown names are impossible here; EssentialFields is canonical.
		sourceFields, _ = e.es.Fields().SourceFields(EssentialFields)
	}

	body, err := e.buildSearchBody(queryClause, pl.pageSize, p.Offset, cursor, sourceFields)
	if err != nil {
		return nil, err
	}

	res, err := e.es.Search(ctx, body)
	if err != nil {
		return nil, err
	}

	events := e.es.Fields().ToEvents(res.Hits)
	result := &Result{
		Events:   events,
		Total:    total,
		PageSize: pl.pageSize,
		Metrics:  e.metrics(started, total, res.ShardsTotal, complexity(p, ""), pl.applied, nil),
	}
	if len(res.Hits) == pl.pageSize && int64(p.Offset+len(res.Hits)) < total {
		last := res.Hits[len(res.Hits)-1]
		if next, err := EncodeCursor(last.Sort); err == nil {
			result.NextCursor = next
		}
	}
	return result, nil
}

// EventByID fetches a single document by _id.
func (e *Engine) EventByID(ctx context.Context, id string) (*elastic.Event, error) {
	body, err := json.Marshal(map[string]interface{}{
		"query": map[string]interface{}{"ids": map[string]interface{}{"values": []string{id}}},
		"size":  1,
	})
	if err != nil {
		return nil, errs.Internal(err)
	}
	res, err := e.es.Search(ctx, body)
	if err != nil {
		return nil, err
	}
	if len(res.Hits) == 0 {
		return nil, errs.ResourceNotFound(fmt.Sprintf("event %s", id))
	}
	ev := e.es.Fields().ToEvent(res.Hits[0])
	return &ev, nil
}

// ResolveTimeRange normalizes a TimeSpec, looking the anchor event up
// when the spec is a window around an event id.
func (e *Engine) ResolveTimeRange(ctx context.Context, spec TimeSpec) (TimeRange, error) {
	tr, needsEvent, err := resolveStatic(spec, e.now())
	if err != nil || !needsEvent {
		return tr, err
	}

	ev, err := e.EventByID(ctx, spec.EventID)
	if err != nil {
		return TimeRange{}, err
	}
	if ev.Timestamp.IsZero() {
		return TimeRange{}, errs.Validation("anchor event has no timestamp", map[string]string{
			"event_id": spec.EventID,
		})
	}
	return AroundEvent(ev.Timestamp, time.Duration(spec.DeltaMinutes)*time.Minute), nil
}

// Collect pages through up to limit matching events in sort order,
// bypassing the size optimizer. Used by correlation and statistics.
func (e *Engine) Collect(ctx context.Context, p Params, limit int) ([]elastic.Event, error) {
	if limit <= 0 {
		limit = e.cfg.MaxPageSize
	}

	queryClause, err := e.buildQueryClause(p)
	if err != nil {
		return nil, err
	}
	var projection []string
	if len(p.Fields) > 0 {
		if projection, err = e.es.Fields().SourceFields(p.Fields); err != nil {
			return nil, err
		}
	}

	pageSize := e.cfg.MaxPageSize
	if pageSize <= 0 {
		pageSize = 1000
	}

	var out []elastic.Event
	var cursor *Cursor
	for len(out) < limit {
		size := pageSize
		if remaining := limit - len(out); remaining < size {
			size = remaining
		}
		body, err := e.buildSearchBody(queryClause, size, 0, cursor, projection)
		if err != nil {
			return nil, err
		}
		res, err := e.es.Search(ctx, body)
		if err != nil {
			return nil, err
		}
		if len(res.Hits) == 0 {
			break
		}
		out = append(out, e.es.Fields().ToEvents(res.Hits)...)
		if len(res.Hits) < size {
			break
		}
		last := res.Hits[len(res.Hits)-1]
		token, err := EncodeCursor(last.Sort)
		if err != nil {
			break
		}
		if cursor, err = DecodeCursor(token); err != nil {
			break
		}
	}
	return out, nil
}

func (e *Engine) normalizePageSize(requested int) (int, error) {
	if requested == 0 {
		if e.cfg.DefaultPageSize > 0 {
			return e.cfg.DefaultPageSize, nil
		}
		return 100, nil
	}
	if requested < 0 {
		return 0, errs.Validation("invalid page size", map[string]string{
			"page_size": "must be positive",
		})
	}
	if max := e.cfg.MaxPageSize; max > 0 && requested > max {
		return 0, errs.Validation("page size too large", map[string]string{
			"page_size": fmt.Sprintf("%d exceeds the maximum of %d", requested, max),
		})
	}
	return requested, nil
}

func validatePaging(p Params, pageSize int) error {
	if p.Offset < 0 {
		return errs.Validation("invalid offset", map[string]string{
			"offset": "must not be negative",
		})
	}
	if p.Cursor != "" && p.Offset > 0 {
		return errs.Validation("conflicting pagination", map[string]string{
			"offset": "cursor and offset are mutually exclusive",
		})
	}
	if p.Offset+pageSize > offsetCap {
		return errs.Validation("offset window too deep", map[string]string{
			"offset": fmt.Sprintf("offset+page_size must stay within %d; switch to cursor pagination", offsetCap),
		})
	}
	return nil
}

// buildQueryClause renders the bool/filter query subtree shared by count,
// search, and aggregation bodies.
func (e *Engine) buildQueryClause(p Params) ([]byte, error) {
	tr := e.effectiveRange(p)
	if err := tr.validate(); err != nil {
		return nil, err
	}

	rangeClause := fmt.Sprintf(`{"range":{"%s":{"gte":"%s","lt":"%s"}}}`,
		e.timestampField(),
		tr.Start.UTC().Format(timestampFormat),
		tr.End.UTC().Format(timestampFormat))

	clause := []byte(`{"bool":{"filter":[]}}`)
	clause, err := sjson.SetRawBytes(clause, "bool.filter.-1", []byte(rangeClause))
	if err != nil {
		return nil, errs.Internal(err)
	}

	for _, name := range sortedFilterNames(p.Filters) {
		candidates, err := e.es.Fields().Resolve(name)
		if err != nil {
			return nil, err
		}
		term, err := termClause(name, candidates, p.Filters[name])
		if err != nil {
			return nil, err
		}
		if clause, err = sjson.SetRawBytes(clause, "bool.filter.-1", term); err != nil {
			return nil, errs.Internal(err)
		}
	}
	return clause, nil
}

// buildSearchBody assembles the full search request around a query clause.
func (e *Engine) buildSearchBody(queryClause []byte, size, offset int, cursor *Cursor, sourceFields []string) ([]byte, error) {
	body := []byte(`{}`)
	var err error

	if body, err = sjson.SetRawBytes(body, "query", queryClause); err != nil {
		return nil, errs.Internal(err)
	}
	sortClause := fmt.Sprintf(`[{"%s":{"order":"desc","unmapped_type":"date"}},{"_id":{"order":"desc"}}]`, e.timestampField())
	if body, err = sjson.SetRawBytes(body, "sort", []byte(sortClause)); err != nil {
		return nil, errs.Internal(err)
	}
	if body, err = sjson.SetBytes(body, "size", size); err != nil {
		return nil, errs.Internal(err)
	}

	switch {
	case cursor != nil:
		after, merr := json.Marshal(cursor.SearchAfter())
		if merr != nil {
			return nil, errs.Internal(merr)
		}
		if body, err = sjson.SetRawBytes(body, "search_after", after); err != nil {
			return nil, errs.Internal(err)
		}
	case offset > 0:
		if body, err = sjson.SetBytes(body, "from", offset); err != nil {
			return nil, errs.Internal(err)
		}
	}

	if len(sourceFields) > 0 {
		fieldsJSON, merr := json.Marshal(sourceFields)
		if merr != nil {
			return nil, errs.Internal(merr)
		}
		if body, err = sjson.SetRawBytes(body, "_source", fieldsJSON); err != nil {
			return nil, errs.Internal(err)
		}
	}
	return body, nil
}

// termClause builds the filter for one user field over its storage
// candidates. Multiple candidates become a should-of-terms.
func termClause(name string, candidates []string, value interface{}) ([]byte, error) {
	kind := "term"
	switch v := value.(type) {
	case string, bool, float64, int, int64, json.Number:
	case []interface{}:
		kind = "terms"
		for _, item := range v {
			switch item.(type) {
			case string, bool, float64, int, int64, json.Number:
			default:
				return nil, errs.Validation("unsupported filter value", map[string]string{
					name: "list items must be strings, numbers, or booleans",
				})
			}
		}
	default:
		return nil, errs.Validation("unsupported filter value", map[string]string{
			name: "must be a string, number, boolean, or a list of those",
		})
	}

	valueJSON, err := json.Marshal(value)
	if err != nil {
		return nil, errs.Internal(err)
	}

	clauses := make([]string, 0, len(candidates))
	for _, c := range candidates {
		clauses = append(clauses, fmt.Sprintf(`{"%s":{"%s":%s}}`, kind, c, valueJSON))
	}
	if len(clauses) == 1 {
		return []byte(clauses[0]), nil
	}

	shoulds := []byte(`{"bool":{"should":[],"minimum_should_match":1}}`)
	for _, c := range clauses {
		if shoulds, err = sjson.SetRawBytes(shoulds, "bool.should.-1", []byte(c)); err != nil {
			return nil, errs.Internal(err)
		}
	}
	return shoulds, nil
}

func (e *Engine) timestampField() string {
	if candidates, err := e.es.Fields().Resolve("timestamp"); err == nil && len(candidates) > 0 {
		return candidates[0]
	}
	return "@timestamp"
}

// primaryField returns the first storage candidate for aggregations.
func (e *Engine) primaryField(userField string) string {
	if candidates, err := e.es.Fields().Resolve(userField); err == nil && len(candidates) > 0 {
		return candidates[0]
	}
	return userField
}

func (e *Engine) metrics(started time.Time, total int64, shards int, complexity string, applied, aggs []string) Metrics {
	if applied == nil {
		applied = []string{}
	}
	if aggs == nil {
		aggs = []string{}
	}
	return Metrics{
		QueryTimeMS:            e.now().Sub(started).Milliseconds(),
		IndicesScanned:         e.es.Indices(),
		TotalDocumentsExamined: total,
		ShardsScanned:          shards,
		QueryComplexity:        complexity,
		OptimizationsApplied:   applied,
		AggregationsUsed:       aggs,
	}
}

func complexity(p Params, fallback string) string {
	if fallback == config.FallbackAggregate {
		return "aggregation"
	}
	switch n := len(p.Filters); {
	case n == 0:
		return "simple"
	case n <= 2:
		return "moderate"
	default:
		return "complex"
	}
}

func sortedFilterNames(filters map[string]interface{}) []string {
	names := make([]string, 0, len(filters))
	for name := range filters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
