package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/driftsec/dshield-mcp/internal/auth"
	"github.com/driftsec/dshield-mcp/internal/campaign"
	"github.com/driftsec/dshield-mcp/internal/query"
)

type analyzeCampaignArgs struct {
	Seeds         []string       `json:"seeds"`
	TimeRange     query.TimeSpec `json:"time_range"`
	Methods       []string       `json:"methods"`
	MinConfidence float64        `json:"min_confidence"`
	Granularity   string         `json:"granularity"`
}

func (ts *toolset) analyzeCampaign(ctx context.Context, _ *auth.Session, raw json.RawMessage) (interface{}, error) {
	var args analyzeCampaignArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	window, err := ts.deps.Engine.ResolveTimeRange(ctx, args.TimeRange)
	if err != nil {
		return nil, err
	}
	return ts.deps.Correlator.Analyze(ctx, campaign.AnalyzeParams{
		Seeds:         args.Seeds,
		Window:        window,
		Methods:       args.Methods,
		MinConfidence: args.MinConfidence,
		Granularity:   args.Granularity,
	})
}

type expandIndicatorsArgs struct {
	Campaign campaign.Campaign `json:"campaign"`
	Strategy string            `json:"strategy"`
	Depth    int               `json:"depth"`
}

func (ts *toolset) expandIndicators(ctx context.Context, _ *auth.Session, raw json.RawMessage) (interface{}, error) {
	var args expandIndicatorsArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	return ts.deps.Correlator.ExpandIndicators(ctx, args.Campaign, args.Strategy, args.Depth)
}

type campaignTimelineArgs struct {
	Seeds       []string       `json:"seeds"`
	TimeRange   query.TimeSpec `json:"time_range"`
	Granularity string         `json:"granularity"`
}

// timelineResult wraps the buckets with the resolved window so callers can
// see what interval the buckets actually cover.
type timelineResult struct {
	WindowStart time.Time                 `json:"window_start"`
	WindowEnd   time.Time                 `json:"window_end"`
	Granularity string                    `json:"granularity"`
	BucketCount int                       `json:"bucket_count"`
	Timeline    []campaign.TimelineBucket `json:"timeline"`
}

func (ts *toolset) campaignTimeline(ctx context.Context, _ *auth.Session, raw json.RawMessage) (interface{}, error) {
	var args campaignTimelineArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	window, err := ts.deps.Engine.ResolveTimeRange(ctx, args.TimeRange)
	if err != nil {
		return nil, err
	}
	buckets, err := ts.deps.Correlator.Timeline(ctx, args.Seeds, window, args.Granularity)
	if err != nil {
		return nil, err
	}
	granularity := args.Granularity
	if granularity == "" {
		granularity = "adaptive"
	}
	return &timelineResult{
		WindowStart: window.Start,
		WindowEnd:   window.End,
		Granularity: granularity,
		BucketCount: len(buckets),
		Timeline:    buckets,
	}, nil
}

type compareCampaignsArgs struct {
	CampaignA campaign.Campaign `json:"campaign_a"`
	CampaignB campaign.Campaign `json:"campaign_b"`
}

func (ts *toolset) compareCampaigns(_ context.Context, _ *auth.Session, raw json.RawMessage) (interface{}, error) {
	var args compareCampaignsArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	return campaign.Compare(args.CampaignA, args.CampaignB), nil
}

type detectOngoingArgs struct {
	TimeRange     query.TimeSpec `json:"time_range"`
	MinConfidence float64        `json:"min_confidence"`
	MinEvents     int            `json:"min_events"`
	MaxCampaigns  int            `json:"max_campaigns"`
}

// ongoingResult lists the campaigns that cleared the confidence bar.
type ongoingResult struct {
	Count     int                 `json:"count"`
	Campaigns []campaign.Analysis `json:"campaigns"`
}

func (ts *toolset) detectOngoing(ctx context.Context, _ *auth.Session, raw json.RawMessage) (interface{}, error) {
	var args detectOngoingArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	window, err := ts.deps.Engine.ResolveTimeRange(ctx, args.TimeRange)
	if err != nil {
		return nil, err
	}
	found, err := ts.deps.Correlator.DetectOngoing(ctx, campaign.OngoingParams{
		Window:        window,
		MinConfidence: args.MinConfidence,
		MinEvents:     args.MinEvents,
		MaxCampaigns:  args.MaxCampaigns,
	})
	if err != nil {
		return nil, err
	}
	return &ongoingResult{Count: len(found), Campaigns: found}, nil
}
