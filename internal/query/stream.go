package query

import (
	"context"
	"fmt"
	"time"

	"github.com/driftsec/dshield-mcp/internal/elastic"
	"github.com/driftsec/dshield-mcp/internal/errs"
)

// StreamParams drives one streaming call. Cursor resumes a previous call.
type StreamParams struct {
	Filters        map[string]interface{}
	TimeRange      TimeRange
	Fields         []string
	ChunkSize      int
	MaxChunks      int
	Cursor         string
	SessionContext bool
}

// Chunk is one bounded batch of the stream. In session-context mode a
// chunk holds whole sessions; ChunkBoundary marks the pieces of a session
// that had to be split because it exceeds the chunk capacity.
type Chunk struct {
	Index         int             `json:"index"`
	Events        []elastic.Event `json:"events"`
	Sessions      []string        `json:"sessions,omitempty"`
	ChunkBoundary bool            `json:"chunk_boundary,omitempty"`
	Note          string          `json:"note,omitempty"`
}

// StreamSummary describes what one call emitted.
type StreamSummary struct {
	Chunks        int `json:"chunks"`
	Events        int `json:"events"`
	Sessions      int `json:"sessions"`
	SplitSessions int `json:"split_sessions"`
}

// StreamResult carries the emitted chunks plus the cursor to resume from.
// FinalCursor is empty once the match set is exhausted.
type StreamResult struct {
	Chunks      []Chunk       `json:"chunks"`
	Total       int64         `json:"total"`
	HasMore     bool          `json:"has_more"`
	FinalCursor string        `json:"final_cursor,omitempty"`
	Summary     StreamSummary `json:"summary"`
	Metrics     Metrics       `json:"performance_metrics"`
}

// Stream scans the match set in (@timestamp desc, _id desc) order and
// packs it into at most MaxChunks chunks of at most ChunkSize events.
//
// Emitted events are always a contiguous prefix of the scan, so resuming
// with FinalCursor yields every event exactly once across calls. In
// session-context mode a session is a maximal scan-adjacent run of events
// sharing (source address, user name, session id) with no internal gap
// beyond the configured session gap; chunks close early rather than split
// a session, and only sessions larger than one chunk are split.
func (e *Engine) Stream(ctx context.Context, p StreamParams) (*StreamResult, error) {
	started := e.now()

	chunkSize, maxChunks, err := e.normalizeChunking(p.ChunkSize, p.MaxChunks)
	if err != nil {
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

	qp := Params{Filters: p.Filters, TimeRange: p.TimeRange}
	queryClause, err := e.buildQueryClause(qp)
	if err != nil {
		return nil, err
	}

	total, err := e.es.Count(ctx, countBodyFor(queryClause))
	if err != nil {
		return nil, err
	}

	// One extra event tells us whether the scan continues past the window.
	budget := chunkSize * maxChunks
	window, shards, err := e.scanWindow(ctx, queryClause, projection, cursor, budget+1)
	if err != nil {
		return nil, err
	}
	probedMore := len(window) > budget
	var probe *elastic.Event
	if probedMore {
		probe = &window[budget]
		window = window[:budget]
	}

	var chunks []Chunk
	var summary StreamSummary
	var consumed int
	if p.SessionContext {
		chunks, summary, consumed = packSessions(window, chunkSize, maxChunks, e.streamCfg.SessionGap())
	} else {
		chunks, summary, consumed = packPlain(window, chunkSize, maxChunks)
	}
	if chunks == nil {
		chunks = []Chunk{}
	}

	hasMore := probedMore || consumed < len(window)
	result := &StreamResult{
		Chunks:  chunks,
		Total:   total,
		HasMore: hasMore,
		Summary: summary,
		Metrics: e.metrics(started, total, shards, streamComplexity(p), nil, nil),
	}

	if hasMore && consumed > 0 {
		if token, err := EncodeCursor(window[consumed-1].Sort); err == nil {
			result.FinalCursor = token
		}
		// The cut can land inside a session when the window or chunk
		// budget runs out mid-run; flag the continuation.
		var next *elastic.Event
		if consumed < len(window) {
			next = &window[consumed]
		} else {
			next = probe
		}
		if p.SessionContext && len(chunks) > 0 && next != nil &&
			sameSession(window[consumed-1], *next, e.streamCfg.SessionGap()) {
			last := &chunks[len(chunks)-1]
			last.ChunkBoundary = true
			if last.Note == "" {
				last.Note = "session continues in the next call"
			}
		}
	}
	return result, nil
}

func (e *Engine) normalizeChunking(chunkSize, maxChunks int) (int, int, error) {
	if chunkSize == 0 {
		chunkSize = e.streamCfg.DefaultChunkSize
		if chunkSize <= 0 {
			chunkSize = 500
		}
	}
	if chunkSize < 0 {
		return 0, 0, errs.Validation("invalid chunk size", map[string]string{
			"chunk_size": "must be positive",
		})
	}
	if max := e.cfg.MaxPageSize; max > 0 && chunkSize > max {
		return 0, 0, errs.Validation("chunk size too large", map[string]string{
			"chunk_size": fmt.Sprintf("%d exceeds the maximum of %d", chunkSize, max),
		})
	}

	ceiling := e.streamCfg.MaxChunks
	if ceiling <= 0 {
		ceiling = 20
	}
	if maxChunks == 0 {
		maxChunks = ceiling
	}
	if maxChunks < 0 {
		return 0, 0, errs.Validation("invalid max chunks", map[string]string{
			"max_chunks": "must be positive",
		})
	}
	if maxChunks > ceiling {
		return 0, 0, errs.Validation("too many chunks requested", map[string]string{
			"max_chunks": fmt.Sprintf("%d exceeds the maximum of %d", maxChunks, ceiling),
		})
	}
	return chunkSize, maxChunks, nil
}

// scanWindow pages forward through the sorted scan, starting after the
// cursor, until want events are collected or the scan ends.
func (e *Engine) scanWindow(ctx context.Context, queryClause []byte, projection []string, start *Cursor, want int) ([]elastic.Event, int, error) {
	pageSize := e.cfg.MaxPageSize
	if pageSize <= 0 {
		pageSize = 1000
	}

	cursor := start
	shards := 0
	var out []elastic.Event
	for len(out) < want {
		size := pageSize
		if remaining := want - len(out); remaining < size {
			size = remaining
		}
		body, err := e.buildSearchBody(queryClause, size, 0, cursor, projection)
		if err != nil {
			return nil, 0, err
		}
		res, err := e.es.Search(ctx, body)
		if err != nil {
			return nil, 0, err
		}
		if res.ShardsTotal > shards {
			shards = res.ShardsTotal
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
			return nil, 0, errs.Internal(err)
		}
		if cursor, err = DecodeCursor(token); err != nil {
			return nil, 0, errs.Internal(err)
		}
	}
	return out, shards, nil
}

func countBodyFor(queryClause []byte) []byte {
	body := append([]byte(`{"query":`), queryClause...)
	return append(body, '}')
}

// packPlain slices the window into exact chunkSize batches.
func packPlain(window []elastic.Event, chunkSize, maxChunks int) ([]Chunk, StreamSummary, int) {
	var chunks []Chunk
	consumed := 0
	for consumed < len(window) && len(chunks) < maxChunks {
		end := consumed + chunkSize
		if end > len(window) {
			end = len(window)
		}
		chunks = append(chunks, Chunk{Index: len(chunks), Events: window[consumed:end]})
		consumed = end
	}
	return chunks, StreamSummary{Chunks: len(chunks), Events: consumed}, consumed
}

// sessionRun is one maximal scan-adjacent run of a single session key.
type sessionRun struct {
	key    string
	events []elastic.Event
}

func sessionKey(ev elastic.Event) string {
	return ev.SourceIP + "|" + ev.Username + "|" + ev.SessionID
}

// sameSession reports whether b continues a's run: same key and, when
// both carry timestamps, within the session gap. The scan is descending,
// so a is the newer event.
func sameSession(a, b elastic.Event, gap time.Duration) bool {
	if sessionKey(a) != sessionKey(b) {
		return false
	}
	if gap <= 0 || a.Timestamp.IsZero() || b.Timestamp.IsZero() {
		return true
	}
	return a.Timestamp.Sub(b.Timestamp) <= gap
}

func splitRuns(window []elastic.Event, gap time.Duration) []sessionRun {
	var runs []sessionRun
	for i, ev := range window {
		if i == 0 || !sameSession(window[i-1], ev, gap) {
			runs = append(runs, sessionRun{key: sessionKey(ev)})
		}
		last := &runs[len(runs)-1]
		last.events = append(last.events, ev)
	}
	return runs
}

// packSessions packs whole runs into chunks, closing a chunk early when
// the next run does not fit. Runs larger than a chunk are split across
// consecutive chunks with the boundary annotated.
func packSessions(window []elastic.Event, chunkSize, maxChunks int, gap time.Duration) ([]Chunk, StreamSummary, int) {
	runs := splitRuns(window, gap)

	var chunks []Chunk
	var cur Chunk
	curRuns := 0
	summary := StreamSummary{}

	// Only a flushed chunk counts toward the summary; the accumulator
	// can be dropped when the chunk cap lands mid-window.
	flush := func() {
		if len(cur.Events) == 0 {
			return
		}
		cur.Index = len(chunks)
		chunks = append(chunks, cur)
		summary.Sessions += curRuns
		cur = Chunk{}
		curRuns = 0
	}
	full := func() bool { return len(chunks) >= maxChunks }

	for _, r := range runs {
		if full() {
			break
		}
		if len(r.events) > chunkSize {
			flush()
			if full() {
				break
			}
			summary.SplitSessions++
			for off := 0; off < len(r.events) && !full(); off += chunkSize {
				end := off + chunkSize
				if end > len(r.events) {
					end = len(r.events)
				}
				cur = Chunk{Events: r.events[off:end], Sessions: []string{r.key}}
				if off > 0 {
					cur.ChunkBoundary = true
					cur.Note = "session continues from the previous chunk"
					curRuns = 0
				} else {
					curRuns = 1
				}
				flush()
			}
			continue
		}
		if len(r.events) > chunkSize-len(cur.Events) {
			flush()
			if full() {
				break
			}
		}
		cur.Events = append(cur.Events, r.events...)
		cur.Sessions = append(cur.Sessions, r.key)
		curRuns++
	}
	if !full() {
		flush()
	}

	consumed := 0
	for _, c := range chunks {
		consumed += len(c.Events)
	}
	summary.Chunks = len(chunks)
	summary.Events = consumed
	return chunks, summary, consumed
}

func streamComplexity(p StreamParams) string {
	if p.SessionContext {
		return "complex"
	}
	return complexity(Params{Filters: p.Filters}, "")
}
