// Package elastic is the narrow typed client for the Elasticsearch-backed
// SIEM. It exposes count, search, and aggregation calls plus a health probe;
// every outbound call is retried within policy and guarded by the backend's
// circuit breaker.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/driftsec/dshield-mcp/internal/circuit"
	"github.com/driftsec/dshield-mcp/internal/config"
	"github.com/driftsec/dshield-mcp/internal/errs"
	"github.com/driftsec/dshield-mcp/pkg/tlsutil"
)

// ServiceName identifies this backend in breakers, errors, and health.
const ServiceName = "elasticsearch"

// Hit is one document from a search response.
type Hit struct {
	ID     string
	Index  string
	Source json.RawMessage
	Sort   []interface{}
}

// SearchResult is a parsed search response page.
type SearchResult struct {
	Hits        []Hit
	Total       int64
	TookMS      int64
	ShardsTotal int
	TimedOut    bool
}

// AggregateResult is a parsed aggregation response.
type AggregateResult struct {
	Aggregations json.RawMessage
	Total        int64
	TookMS       int64
	ShardsTotal  int
}

// Client is the Elasticsearch adapter. Construct once, share freely.
type Client struct {
	es      *elasticsearch.Client
	indices []string
	fields  *FieldMap
	retry   config.RetryConfig
	breaker *circuit.Breaker
	logger  zerolog.Logger
}

// NewClient wires the official client through the shared cached-DNS transport.
func NewClient(cfg config.ElasticsearchConfig, retry config.RetryConfig, breaker *circuit.Breaker) (*Client, error) {
	esCfg := elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: tlsutil.NewTransport(tlsutil.Options{
			InsecureSkipVerify:    !cfg.VerifySSL,
			MaxConnsPerHost:       cfg.MaxConnsPerHost,
			ResponseHeaderTimeout: cfg.Timeout(),
		}),
	}
	if cfg.CompatibilityMode {
		esCfg.Header = http.Header{
			"Accept": []string{"application/vnd.elasticsearch+json; compatible-with=8"},
		}
	}

	es, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}

	return &Client{
		es:      es,
		indices: cfg.Indices.Patterns(),
		fields:  DefaultFieldMap(),
		retry:   retry,
		breaker: breaker,
		logger:  log.With().Str("component", ServiceName).Logger(),
	}, nil
}

// Fields returns the shared field map.
func (c *Client) Fields() *FieldMap {
	return c.fields
}

// Indices returns the configured index patterns.
func (c *Client) Indices() []string {
	return append([]string(nil), c.indices...)
}

// Count returns the number of documents matching a `{"query": ...}` body.
// A nil body counts everything in the configured indices.
func (c *Client) Count(ctx context.Context, body []byte) (int64, error) {
	var total int64
	err := c.guarded(ctx, "count", func() error {
		var reader io.Reader
		if len(body) > 0 {
			reader = bytes.NewReader(body)
		}
		res, err := c.es.Count(
			c.es.Count.WithContext(ctx),
			c.es.Count.WithIndex(c.indices...),
			c.es.Count.WithBody(reader),
			c.es.Count.WithIgnoreUnavailable(true),
		)
		if err != nil {
			return errs.Classify(ServiceName, err)
		}
		defer res.Body.Close()

		raw, err := io.ReadAll(res.Body)
		if err != nil {
			return errs.External(ServiceName, err)
		}
		if res.IsError() {
			return statusError(res.StatusCode, raw)
		}
		total = gjson.GetBytes(raw, "count").Int()
		return nil
	})
	return total, err
}

// Search executes a full search body (query, sort, size, search_after,
// _source) against the configured indices.
func (c *Client) Search(ctx context.Context, body []byte) (*SearchResult, error) {
	var result *SearchResult
	err := c.guarded(ctx, "search", func() error {
		res, err := c.es.Search(
			c.es.Search.WithContext(ctx),
			c.es.Search.WithIndex(c.indices...),
			c.es.Search.WithBody(bytes.NewReader(body)),
			c.es.Search.WithTrackTotalHits(true),
			c.es.Search.WithIgnoreUnavailable(true),
		)
		if err != nil {
			return errs.Classify(ServiceName, err)
		}
		defer res.Body.Close()

		raw, err := io.ReadAll(res.Body)
		if err != nil {
			return errs.External(ServiceName, err)
		}
		if res.IsError() {
			return statusError(res.StatusCode, raw)
		}
		result = parseSearch(raw)
		return nil
	})
	return result, err
}

// Aggregate executes a size-0 aggregation body and returns the raw
// aggregations subtree for the caller to interpret.
func (c *Client) Aggregate(ctx context.Context, body []byte) (*AggregateResult, error) {
	var result *AggregateResult
	err := c.guarded(ctx, "aggregate", func() error {
		res, err := c.es.Search(
			c.es.Search.WithContext(ctx),
			c.es.Search.WithIndex(c.indices...),
			c.es.Search.WithBody(bytes.NewReader(body)),
			c.es.Search.WithTrackTotalHits(true),
			c.es.Search.WithIgnoreUnavailable(true),
		)
		if err != nil {
			return errs.Classify(ServiceName, err)
		}
		defer res.Body.Close()

		raw, err := io.ReadAll(res.Body)
		if err != nil {
			return errs.External(ServiceName, err)
		}
		if res.IsError() {
			return statusError(res.StatusCode, raw)
		}
		aggs := gjson.GetBytes(raw, "aggregations")
		result = &AggregateResult{
			Aggregations: json.RawMessage(aggs.Raw),
			Total:        gjson.GetBytes(raw, "hits.total.value").Int(),
			TookMS:       gjson.GetBytes(raw, "took").Int(),
			ShardsTotal:  int(gjson.GetBytes(raw, "_shards.total").Int()),
		}
		return nil
	})
	return result, err
}

// Health probes cluster health directly, bypassing breaker and retry so the
// feature manager sees the backend's true state.
func (c *Client) Health(ctx context.Context) error {
	res, err := c.es.Cluster.Health(c.es.Cluster.Health.WithContext(ctx))
	if err != nil {
		return errs.Classify(ServiceName, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return errs.External(ServiceName, err)
	}
	if res.IsError() {
		return statusError(res.StatusCode, raw)
	}
	if status := gjson.GetBytes(raw, "status").String(); status == "red" {
		return errs.External(ServiceName, fmt.Errorf("cluster status red"))
	}
	return nil
}

// Name implements the health prober contract.
func (c *Client) Name() string {
	return ServiceName
}

// guarded runs one logical backend call: breaker gate outside, bounded retry
// of retriable failures inside.
func (c *Client) guarded(ctx context.Context, op string, call func() error) error {
	return c.breaker.Execute(func() error {
		return c.withRetry(ctx, op, call)
	})
}

func (c *Client) withRetry(ctx context.Context, op string, call func() error) error {
	maxAttempts := c.retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	delay := c.retry.InitialDelay()
	if delay <= 0 {
		delay = 250 * time.Millisecond
	}
	maxDelay := c.retry.MaxDelay()
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = call()
		if err == nil || attempt >= maxAttempts || !errs.IsRetryable(err) {
			return err
		}

		c.logger.Debug().
			Str("op", op).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Err(err).
			Msg("Retrying elasticsearch call")

		select {
		case <-ctx.Done():
			return errs.Classify(ServiceName, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// statusError maps an HTTP response status to the error taxonomy. Client
// mistakes (400) and missing resources (404) must not trip the breaker.
func statusError(status int, body []byte) error {
	reason := gjson.GetBytes(body, "error.reason").String()
	if reason == "" {
		reason = gjson.GetBytes(body, "error.type").String()
	}
	if reason == "" {
		reason = fmt.Sprintf("http status %d", status)
	}

	switch {
	case status == http.StatusBadRequest:
		return errs.Validation(fmt.Sprintf("elasticsearch rejected the query: %s", reason), nil)
	case status == http.StatusNotFound:
		return errs.ResourceNotFound(reason)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e := errs.External(ServiceName, fmt.Errorf("%s", reason))
		e.Retryable = false
		e.Suggestion = "check elasticsearch credentials"
		return e
	case status == http.StatusTooManyRequests:
		e := errs.External(ServiceName, fmt.Errorf("%s", reason))
		e.Suggestion = "backend throttling; retry with backoff"
		return e
	default:
		return errs.External(ServiceName, fmt.Errorf("%s", reason))
	}
}

func parseSearch(raw []byte) *SearchResult {
	result := &SearchResult{
		Total:       gjson.GetBytes(raw, "hits.total.value").Int(),
		TookMS:      gjson.GetBytes(raw, "took").Int(),
		ShardsTotal: int(gjson.GetBytes(raw, "_shards.total").Int()),
		TimedOut:    gjson.GetBytes(raw, "timed_out").Bool(),
	}

	hits := gjson.GetBytes(raw, "hits.hits")
	if !hits.Exists() {
		return result
	}
	hits.ForEach(func(_, hit gjson.Result) bool {
		h := Hit{
			ID:     hit.Get("_id").String(),
			Index:  hit.Get("_index").String(),
			Source: json.RawMessage(hit.Get("_source").Raw),
		}
		if sort := hit.Get("sort"); sort.IsArray() {
			for _, v := range sort.Array() {
				h.Sort = append(h.Sort, v.Value())
			}
		}
		result.Hits = append(result.Hits, h)
		return true
	})
	return result
}
