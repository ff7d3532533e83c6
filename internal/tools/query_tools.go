package tools

import (
	"context"
	"encoding/json"

	"github.com/driftsec/dshield-mcp/internal/auth"
	"github.com/driftsec/dshield-mcp/internal/query"
)

type queryEventsArgs struct {
	Filters   map[string]interface{} `json:"filters"`
	TimeRange query.TimeSpec         `json:"time_range"`
	Fields    []string               `json:"fields"`
	PageSize  int                    `json:"page_size"`
	Offset    int                    `json:"offset"`
	Cursor    string                 `json:"cursor"`
}

func (ts *toolset) queryEvents(ctx context.Context, _ *auth.Session, raw json.RawMessage) (interface{}, error) {
	var args queryEventsArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	tr, err := ts.deps.Engine.ResolveTimeRange(ctx, args.TimeRange)
	if err != nil {
		return nil, err
	}
	return ts.deps.Engine.Query(ctx, query.Params{
		Filters:   args.Filters,
		TimeRange: tr,
		Fields:    args.Fields,
		PageSize:  args.PageSize,
		Offset:    args.Offset,
		Cursor:    args.Cursor,
	})
}

type streamEventsArgs struct {
	Filters   map[string]interface{} `json:"filters"`
	TimeRange query.TimeSpec         `json:"time_range"`
	Fields    []string               `json:"fields"`
	ChunkSize int                    `json:"chunk_size"`
	MaxChunks int                    `json:"max_chunks"`
	Cursor    string                 `json:"cursor"`
	// SessionContext defaults to true; the tool exists for session-aware
	// chunking and plain mode is the opt-out.
	SessionContext *bool `json:"session_context"`
}

func (ts *toolset) streamEvents(ctx context.Context, _ *auth.Session, raw json.RawMessage) (interface{}, error) {
	var args streamEventsArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	tr, err := ts.deps.Engine.ResolveTimeRange(ctx, args.TimeRange)
	if err != nil {
		return nil, err
	}
	sessionContext := true
	if args.SessionContext != nil {
		sessionContext = *args.SessionContext
	}
	return ts.deps.Engine.Stream(ctx, query.StreamParams{
		Filters:        args.Filters,
		TimeRange:      tr,
		Fields:         args.Fields,
		ChunkSize:      args.ChunkSize,
		MaxChunks:      args.MaxChunks,
		Cursor:         args.Cursor,
		SessionContext: sessionContext,
	})
}
