// Package tools assembles the static tool table the server publishes:
// definitions, input schemas, timeouts, and the handlers that run them.
// Handlers close over the domain components and hold no state of their own.
package tools

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftsec/dshield-mcp/internal/anomaly"
	"github.com/driftsec/dshield-mcp/internal/campaign"
	"github.com/driftsec/dshield-mcp/internal/circuit"
	"github.com/driftsec/dshield-mcp/internal/errs"
	"github.com/driftsec/dshield-mcp/internal/health"
	"github.com/driftsec/dshield-mcp/internal/mcp"
	"github.com/driftsec/dshield-mcp/internal/query"
	"github.com/driftsec/dshield-mcp/internal/report"
	"github.com/driftsec/dshield-mcp/internal/threatintel"
)

// Tool timeouts. Queries and enrichment are interactive; correlation,
// streaming, and rendering get the long budget.
const (
	timeoutInteractive = 120 * time.Second
	timeoutLong        = 300 * time.Second
	timeoutMonitoring  = 30 * time.Second
)

// permReadTools gates every published tool; admin implies it.
const permReadTools = "read_tools"

// Deps carries the components handlers close over. Every field a tool in
// the table touches must be set before the table is handed to the registry;
// handlers do not nil-check their dependencies.
type Deps struct {
	Engine     *query.Engine
	Correlator *campaign.Correlator
	Detector   *anomaly.Detector
	Intel      *threatintel.Client
	Reports    report.Engine
	Health     *health.Manager
	Breakers   *circuit.Group
	Analytics  *errs.Analytics
	OutputDir  string
	Logger     zerolog.Logger
}

type toolset struct {
	deps   Deps
	logger zerolog.Logger
}

// Definitions builds the full tool table in its published order.
func Definitions(deps Deps) []mcp.ToolDefinition {
	ts := &toolset{deps: deps, logger: deps.Logger.With().Str("component", "tools").Logger()}
	return []mcp.ToolDefinition{
		{
			Name:               "query_dshield_events",
			Category:           mcp.CategoryQuery,
			Description:        "Search honeypot events with field filters, time ranges, and offset or cursor pagination. Responses carry performance metrics and may fall back to aggregation or sampling when the result would exceed the size budget.",
			InputSchema:        json.RawMessage(queryEventsSchema),
			RequiredFeatures:   []string{health.FeatureElasticsearchQueries},
			RequiredPermission: permReadTools,
			Timeout:            timeoutInteractive,
			Handler:            ts.queryEvents,
		},
		{
			Name:               "stream_dshield_events_with_session_context",
			Category:           mcp.CategoryQuery,
			Description:        "Stream large result sets in ordered chunks with resumable cursors. Session-context mode keeps events of one attack session adjacent instead of splitting them across chunks.",
			InputSchema:        json.RawMessage(streamEventsSchema),
			RequiredFeatures:   []string{health.FeatureElasticsearchQueries, health.FeatureStreaming},
			RequiredPermission: permReadTools,
			Timeout:            timeoutLong,
			Handler:            ts.streamEvents,
		},
		{
			Name:               "analyze_campaign",
			Category:           mcp.CategoryCampaign,
			Description:        "Correlate seed indicators into an attack campaign: expand seeds, run the correlation pipeline, and score confidence. Returns the campaign, its timeline, and per-method evidence.",
			InputSchema:        json.RawMessage(analyzeCampaignSchema),
			RequiredFeatures:   []string{health.FeatureCampaignAnalysis},
			RequiredPermission: permReadTools,
			Timeout:            timeoutLong,
			Handler:            ts.analyzeCampaign,
		},
		{
			Name:               "expand_campaign_indicators",
			Category:           mcp.CategoryCampaign,
			Description:        "Walk outward from a campaign's indicators to find related infrastructure. Pass the campaign object returned by analyze_campaign; the server stores no campaign state.",
			InputSchema:        json.RawMessage(expandIndicatorsSchema),
			RequiredFeatures:   []string{health.FeatureCampaignAnalysis},
			RequiredPermission: permReadTools,
			Timeout:            timeoutLong,
			Handler:            ts.expandIndicators,
		},
		{
			Name:               "get_campaign_timeline",
			Category:           mcp.CategoryCampaign,
			Description:        "Bucket the events matching a seed set into a timeline at minute, hour, or day granularity (or an adaptive width when unspecified).",
			InputSchema:        json.RawMessage(campaignTimelineSchema),
			RequiredFeatures:   []string{health.FeatureCampaignAnalysis},
			RequiredPermission: permReadTools,
			Timeout:            timeoutInteractive,
			Handler:            ts.campaignTimeline,
		},
		{
			Name:               "detect_statistical_anomalies",
			Category:           mcp.CategoryCampaign,
			Description:        "Flag unusual activity buckets with one of three detectors: zscore, iqr, or isolation_forest. Sensitivity scales the detection threshold; empty buckets count so quiet periods are flagged too.",
			InputSchema:        json.RawMessage(detectAnomaliesSchema),
			RequiredFeatures:   []string{health.FeatureStatisticalAnalysis},
			RequiredPermission: permReadTools,
			Timeout:            timeoutLong,
			Handler:            ts.detectAnomalies,
		},
		{
			Name:               "enrich_ip_with_threat_intel",
			Category:           mcp.CategoryUtility,
			Description:        "Look up reputation, ASN, and geolocation for one IP or a batch. Responses are cached; the vendor rate limit is enforced server-side.",
			InputSchema:        json.RawMessage(enrichIPSchema),
			RequiredFeatures:   []string{health.FeatureThreatEnrichment},
			RequiredPermission: permReadTools,
			Timeout:            timeoutInteractive,
			Handler:            ts.enrichIP,
		},
		{
			Name:               "compare_campaigns",
			Category:           mcp.CategoryCampaign,
			Description:        "Score how alike two campaigns are: indicator overlap, shared correlation methods, and temporal proximity.",
			InputSchema:        json.RawMessage(compareCampaignsSchema),
			RequiredFeatures:   []string{health.FeatureCampaignAnalysis},
			RequiredPermission: permReadTools,
			Timeout:            timeoutInteractive,
			Handler:            ts.compareCampaigns,
		},
		{
			Name:               "detect_ongoing_campaigns",
			Category:           mcp.CategoryCampaign,
			Description:        "Sweep a window for sources busy enough to seed a campaign, analyze each candidate, and return the campaigns clearing the confidence threshold. Idempotent for a fixed window.",
			InputSchema:        json.RawMessage(detectOngoingSchema),
			RequiredFeatures:   []string{health.FeatureCampaignAnalysis},
			RequiredPermission: permReadTools,
			Timeout:            timeoutLong,
			Handler:            ts.detectOngoing,
		},
		{
			Name:               "generate_attack_report",
			Category:           mcp.CategoryReport,
			Description:        "Render a PDF report of attack activity in a window, optionally centered on a campaign, and write it to the output directory.",
			InputSchema:        json.RawMessage(generateReportSchema),
			RequiredFeatures:   []string{health.FeaturePDFReports, health.FeatureElasticsearchQueries},
			RequiredPermission: permReadTools,
			Timeout:            timeoutLong,
			Handler:            ts.generateReport,
		},
		{
			Name:               "get_health_status",
			Category:           mcp.CategoryMonitoring,
			Description:        "Report backend dependency health, feature availability, and host resource usage. Always visible.",
			InputSchema:        json.RawMessage(emptyObjectSchema),
			RequiredPermission: permReadTools,
			Timeout:            timeoutMonitoring,
			Handler:            ts.healthStatus,
		},
		{
			Name:               "get_error_analytics",
			Category:           mcp.CategoryMonitoring,
			Description:        "Summarize recent errors: counts by code, kind, and tool, plus the trend over the sliding window.",
			InputSchema:        json.RawMessage(emptyObjectSchema),
			RequiredPermission: permReadTools,
			Timeout:            timeoutMonitoring,
			Handler:            ts.errorAnalytics,
		},
		{
			Name:               "get_circuit_breaker_status",
			Category:           mcp.CategoryMonitoring,
			Description:        "Report the state, counters, and last transition of every backend circuit breaker.",
			InputSchema:        json.RawMessage(emptyObjectSchema),
			RequiredPermission: permReadTools,
			Timeout:            timeoutMonitoring,
			Handler:            ts.breakerStatus,
		},
	}
}

// decode unmarshals schema-validated arguments into their typed form.
func decode(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errs.InvalidParams("arguments do not match the tool contract").WithCause(err)
	}
	return nil
}
