package query

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/sjson"

	"github.com/driftsec/dshield-mcp/internal/config"
	"github.com/driftsec/dshield-mcp/internal/elastic"
	"github.com/driftsec/dshield-mcp/internal/errs"
)

// plan is the optimizer's verdict for one query: the page size to fetch,
// whether to project down to EssentialFields, and which fallback to take
// when no reduction fits the budget.
type plan struct {
	pageSize       int
	essential      bool
	fallback       string
	estimatedBytes int64
	applied        []string
}

// plan estimates the serialized page size before fetching and shrinks the
// request until it fits MaxResultBytes. Reductions are tried in order:
// project to essential fields, then shrink the page down to pageFloor.
// When neither fits, the configured fallback strategy decides.
func (e *Engine) plan(total int64, pageSize int, hasProjection bool) plan {
	budget := int64(e.cfg.MaxResultBytes())
	if budget <= 0 {
		budget = 10 << 20
	}

	avg := e.avgFull
	if hasProjection {
		avg = e.avgEssential
	}

	pl := plan{pageSize: pageSize, applied: []string{}}
	pl.estimatedBytes = estimateBytes(total, pageSize, avg)
	if pl.estimatedBytes <= budget {
		return pl
	}

	if !hasProjection {
		pl.essential = true
		pl.applied = append(pl.applied, "field_reduction")
		avg = e.avgEssential
		pl.estimatedBytes = estimateBytes(total, pageSize, avg)
		if pl.estimatedBytes <= budget {
			return pl
		}
	}

	if fit := int(budget / int64(avg)); fit < pageSize {
		reduced := fit
		if reduced < pageFloor {
			reduced = pageFloor
		}
		if reduced < pageSize {
			pl.pageSize = reduced
			pl.applied = append(pl.applied, "page_reduction")
			pl.estimatedBytes = estimateBytes(total, reduced, avg)
			if pl.estimatedBytes <= budget {
				return pl
			}
		}
	}

	pl.fallback = e.cfg.FallbackStrategy
	if pl.fallback == "" {
		pl.fallback = config.FallbackAggregate
	}
	pl.applied = append(pl.applied, "fallback_"+pl.fallback)

	e.logger.Debug().
		Int64("estimated_bytes", pl.estimatedBytes).
		Int64("budget_bytes", budget).
		Str("fallback", pl.fallback).
		Msg("query exceeds size budget")
	return pl
}

// estimateBytes is the page-size heuristic: documents that can actually
// appear on the page times the average serialized document size.
func estimateBytes(total int64, pageSize, avgDocBytes int) int64 {
	n := int64(pageSize)
	if total < n {
		n = total
	}
	return n * int64(avgDocBytes)
}

// aggregationNames lists the summary aggregations in the order they
// appear in the fallback body.
var aggregationNames = []string{"events_over_time", "top_sources", "top_event_types"}

// runAggregateFallback answers with summary aggregations instead of a page.
func (e *Engine) runAggregateFallback(ctx context.Context, started time.Time, queryClause []byte, p Params, total int64, pl plan) (*Result, error) {
	body, err := e.buildAggregateBody(queryClause, e.effectiveRange(p).histogramInterval())
	if err != nil {
		return nil, err
	}

	res, err := e.es.Aggregate(ctx, body)
	if err != nil {
		return nil, err
	}

	return &Result{
		Events:       []elastic.Event{},
		Total:        total,
		Fallback:     config.FallbackAggregate,
		Aggregations: res.Aggregations,
		Metrics:      e.metrics(started, total, res.ShardsTotal, complexity(p, config.FallbackAggregate), pl.applied, aggregationNames),
	}, nil
}

func (e *Engine) buildAggregateBody(queryClause []byte, interval string) ([]byte, error) {
	body := []byte(`{"size":0}`)
	var err error

	if body, err = sjson.SetRawBytes(body, "query", queryClause); err != nil {
		return nil, errs.Internal(err)
	}

	histogram := fmt.Sprintf(`{"date_histogram":{"field":"%s","fixed_interval":"%s","min_doc_count":0}}`,
		e.timestampField(), interval)
	if body, err = sjson.SetRawBytes(body, "aggs.events_over_time", []byte(histogram)); err != nil {
		return nil, errs.Internal(err)
	}

	topSources := fmt.Sprintf(`{"terms":{"field":"%s","size":10}}`, e.primaryField("source_ip"))
	if body, err = sjson.SetRawBytes(body, "aggs.top_sources", []byte(topSources)); err != nil {
		return nil, errs.Internal(err)
	}

	topTypes := fmt.Sprintf(`{"terms":{"field":"%s","size":10}}`, e.primaryField("event_type"))
	if body, err = sjson.SetRawBytes(body, "aggs.top_event_types", []byte(topTypes)); err != nil {
		return nil, errs.Internal(err)
	}
	return body, nil
}

// runSampleFallback fetches a random sample that fits the budget. The
// sample is unordered and carries no cursor.
func (e *Engine) runSampleFallback(ctx context.Context, started time.Time, queryClause []byte, p Params, projection []string, total int64, pl plan) (*Result, error) {
	avg := e.avgFull
	sourceFields := projection
	if pl.essential {
		avg = e.avgEssential
		sourceFields, _ = e.es.Fields().SourceFields(EssentialFields)
	} else if len(projection) > 0 {
		avg = e.avgEssential
	}

	budget := int64(e.cfg.MaxResultBytes())
	if budget <= 0 {
		budget = 10 << 20
	}
	sampleSize := int(budget / int64(avg))
	if sampleSize < 1 {
		sampleSize = 1
	}
	if sampleSize > pl.pageSize {
		sampleSize = pl.pageSize
	}

	body, err := e.buildSampleBody(queryClause, sampleSize, sourceFields)
	if err != nil {
		return nil, err
	}

	res, err := e.es.Search(ctx, body)
	if err != nil {
		return nil, err
	}

	return &Result{
		Events:   e.es.Fields().ToEvents(res.Hits),
		Total:    total,
		PageSize: sampleSize,
		Fallback: config.FallbackSample,
		Metrics:  e.metrics(started, total, res.ShardsTotal, complexity(p, ""), pl.applied, nil),
	}, nil
}

// buildSampleBody scores documents randomly so the page is a spread of the
// match set rather than its newest corner. No sort clause: the random
// score is the order.
func (e *Engine) buildSampleBody(queryClause []byte, size int, sourceFields []string) ([]byte, error) {
	body := []byte(`{}`)
	var err error

	if body, err = sjson.SetBytes(body, "size", size); err != nil {
		return nil, errs.Internal(err)
	}
	if body, err = sjson.SetRawBytes(body, "query.function_score.query", queryClause); err != nil {
		return nil, errs.Internal(err)
	}
	random := fmt.Sprintf(`{"seed":%d,"field":"_seq_no"}`, e.randSeed())
	if body, err = sjson.SetRawBytes(body, "query.function_score.random_score", []byte(random)); err != nil {
		return nil, errs.Internal(err)
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

// effectiveRange substitutes the default lookback window for an unset range.
func (e *Engine) effectiveRange(p Params) TimeRange {
	tr := p.TimeRange
	if tr.Start.IsZero() && tr.End.IsZero() {
		now := e.now().UTC()
		tr = TimeRange{Start: now.Add(-DefaultWindow), End: now}
	}
	return tr
}
