package tools

import (
	"context"
	"encoding/json"

	"github.com/driftsec/dshield-mcp/internal/anomaly"
	"github.com/driftsec/dshield-mcp/internal/auth"
	"github.com/driftsec/dshield-mcp/internal/query"
)

type detectAnomaliesArgs struct {
	Filters     map[string]interface{} `json:"filters"`
	TimeRange   query.TimeSpec         `json:"time_range"`
	Method      string                 `json:"method"`
	Dimension   string                 `json:"dimension"`
	Interval    string                 `json:"interval"`
	Sensitivity float64                `json:"sensitivity"`
}

func (ts *toolset) detectAnomalies(ctx context.Context, _ *auth.Session, raw json.RawMessage) (interface{}, error) {
	var args detectAnomaliesArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	window, err := ts.deps.Engine.ResolveTimeRange(ctx, args.TimeRange)
	if err != nil {
		return nil, err
	}
	return ts.deps.Detector.Detect(ctx, anomaly.Params{
		Filters:     args.Filters,
		TimeRange:   window,
		Method:      args.Method,
		Dimension:   args.Dimension,
		Interval:    args.Interval,
		Sensitivity: args.Sensitivity,
	})
}
