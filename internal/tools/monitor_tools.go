package tools

import (
	"context"
	"encoding/json"

	"github.com/driftsec/dshield-mcp/internal/auth"
	"github.com/driftsec/dshield-mcp/internal/circuit"
	"github.com/driftsec/dshield-mcp/internal/threatintel"
)

func (ts *toolset) healthStatus(ctx context.Context, _ *auth.Session, _ json.RawMessage) (interface{}, error) {
	return ts.deps.Health.Snapshot(ctx), nil
}

func (ts *toolset) errorAnalytics(_ context.Context, _ *auth.Session, _ json.RawMessage) (interface{}, error) {
	return ts.deps.Analytics.Snapshot(), nil
}

// breakerStatusResult lists every backend breaker.
type breakerStatusResult struct {
	Count    int              `json:"count"`
	Breakers []circuit.Status `json:"breakers"`
}

func (ts *toolset) breakerStatus(_ context.Context, _ *auth.Session, _ json.RawMessage) (interface{}, error) {
	statuses := ts.deps.Breakers.Statuses()
	return &breakerStatusResult{Count: len(statuses), Breakers: statuses}, nil
}

type enrichIPArgs struct {
	IP  string   `json:"ip"`
	IPs []string `json:"ips"`
}

// enrichResult carries one reputation per requested address. Per-address
// lookup failures land in the entry's error field instead of failing the
// whole batch.
type enrichResult struct {
	Count       int                      `json:"count"`
	Reputations []threatintel.Reputation `json:"reputations"`
}

func (ts *toolset) enrichIP(ctx context.Context, _ *auth.Session, raw json.RawMessage) (interface{}, error) {
	var args enrichIPArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if args.IP != "" {
		rep, err := ts.deps.Intel.Reputation(ctx, args.IP)
		if err != nil {
			return nil, err
		}
		return &enrichResult{Count: 1, Reputations: []threatintel.Reputation{*rep}}, nil
	}
	reps, err := ts.deps.Intel.BatchReputation(ctx, args.IPs)
	if err != nil {
		return nil, err
	}
	return &enrichResult{Count: len(reps), Reputations: reps}, nil
}
