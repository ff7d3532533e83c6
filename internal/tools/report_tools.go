package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/driftsec/dshield-mcp/internal/auth"
	"github.com/driftsec/dshield-mcp/internal/campaign"
	"github.com/driftsec/dshield-mcp/internal/elastic"
	"github.com/driftsec/dshield-mcp/internal/errs"
	"github.com/driftsec/dshield-mcp/internal/query"
	"github.com/driftsec/dshield-mcp/internal/report"
)

const (
	defaultReportEvents = 200
	reportCollectCap    = 1000
)

type generateReportArgs struct {
	Template  string                 `json:"template"`
	Title     string                 `json:"title"`
	TimeRange query.TimeSpec         `json:"time_range"`
	Filters   map[string]interface{} `json:"filters"`
	Campaign  *campaign.Campaign     `json:"campaign"`
	MaxEvents int                    `json:"max_events"`
	Filename  string                 `json:"filename"`
}

// reportResult describes the written PDF.
type reportResult struct {
	Path           string `json:"path"`
	SizeBytes      int    `json:"size_bytes"`
	Template       string `json:"template"`
	Engine         string `json:"engine"`
	EventsIncluded int    `json:"events_included"`
}

func (ts *toolset) generateReport(ctx context.Context, _ *auth.Session, raw json.RawMessage) (interface{}, error) {
	var args generateReportArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}

	window, err := ts.reportWindow(ctx, args)
	if err != nil {
		return nil, err
	}
	events, err := ts.reportEvents(ctx, args, window)
	if err != nil {
		return nil, err
	}

	data := buildReportData(args, window, events, time.Now().UTC())
	pdf, err := ts.deps.Reports.Render(ctx, args.Template, data)
	if err != nil {
		return nil, err
	}

	path, err := ts.writeReport(args.Filename, args.Template, pdf)
	if err != nil {
		return nil, err
	}
	ts.logger.Info().
		Str("template", args.Template).
		Str("path", path).
		Int("bytes", len(pdf)).
		Msg("Report written")

	return &reportResult{
		Path:           path,
		SizeBytes:      len(pdf),
		Template:       args.Template,
		Engine:         ts.deps.Reports.EngineName(),
		EventsIncluded: len(events),
	}, nil
}

// reportWindow prefers an explicit time range, then the campaign's window.
func (ts *toolset) reportWindow(ctx context.Context, args generateReportArgs) (query.TimeRange, error) {
	explicit := args.TimeRange != (query.TimeSpec{})
	if !explicit && args.Campaign != nil && args.Campaign.WindowStart.Before(args.Campaign.WindowEnd) {
		return query.TimeRange{Start: args.Campaign.WindowStart, End: args.Campaign.WindowEnd}, nil
	}
	return ts.deps.Engine.ResolveTimeRange(ctx, args.TimeRange)
}

// reportEvents gathers the evidence rows. A campaign without filters scopes
// the collection to the campaign's seed indicators.
func (ts *toolset) reportEvents(ctx context.Context, args generateReportArgs, window query.TimeRange) ([]elastic.Event, error) {
	limit := args.MaxEvents
	switch {
	case limit < 0:
		limit = 0
	case limit == 0:
		limit = defaultReportEvents
	case limit > reportCollectCap:
		limit = reportCollectCap
	}
	if limit == 0 {
		return nil, nil
	}

	filters := args.Filters
	if len(filters) == 0 && args.Campaign != nil && len(args.Campaign.Seeds) > 0 {
		filters = map[string]interface{}{"source_ip": args.Campaign.Seeds}
	}
	return ts.deps.Engine.Collect(ctx, query.Params{
		Filters:   filters,
		TimeRange: window,
	}, limit)
}

func (ts *toolset) writeReport(filename, template string, pdf []byte) (string, error) {
	if ts.deps.OutputDir == "" {
		return "", errs.Internal(fmt.Errorf("output directory not configured"))
	}
	if filename == "" {
		filename = fmt.Sprintf("%s_%s.pdf", template, time.Now().UTC().Format("20060102T150405Z"))
	} else if !strings.HasSuffix(strings.ToLower(filename), ".pdf") {
		filename += ".pdf"
	}
	path := filepath.Join(ts.deps.OutputDir, filepath.Base(filename))
	if err := os.WriteFile(path, pdf, 0o644); err != nil {
		return "", errs.Internal(fmt.Errorf("write report: %w", err))
	}
	return path, nil
}

// buildReportData reduces the gathered events to the renderer model:
// headline metrics, findings, and the evidence table.
func buildReportData(args generateReportArgs, window query.TimeRange, events []elastic.Event, now time.Time) *report.Data {
	title := args.Title
	if title == "" {
		if args.Template == report.TemplateCampaignSummary {
			title = "Campaign Summary"
		} else {
			title = "Attack Activity Report"
		}
	}

	data := &report.Data{
		Title:       title,
		GeneratedAt: now,
		Start:       window.Start,
		End:         window.End,
		Metrics:     eventMetrics(events),
		Findings:    reportFindings(args.Campaign, events),
	}
	if args.Campaign != nil {
		data.Subtitle = fmt.Sprintf("Campaign %s", args.Campaign.ID)
	}
	if len(events) > 0 {
		data.Events = eventTable(events)
	}
	return data
}

func eventMetrics(events []elastic.Event) []report.Metric {
	sources := make(map[string]struct{})
	usernames := make(map[string]struct{})
	countries := make(map[string]struct{})
	for _, ev := range events {
		if ev.SourceIP != "" {
			sources[ev.SourceIP] = struct{}{}
		}
		if ev.Username != "" {
			usernames[ev.Username] = struct{}{}
		}
		if ev.Country != "" {
			countries[ev.Country] = struct{}{}
		}
	}
	return []report.Metric{
		{Label: "Events", Value: fmt.Sprintf("%d", len(events))},
		{Label: "Unique sources", Value: fmt.Sprintf("%d", len(sources))},
		{Label: "Unique usernames", Value: fmt.Sprintf("%d", len(usernames))},
		{Label: "Source countries", Value: fmt.Sprintf("%d", len(countries))},
	}
}

func reportFindings(camp *campaign.Campaign, events []elastic.Event) []report.Finding {
	var findings []report.Finding
	if camp != nil {
		findings = append(findings, report.Finding{
			Title:    fmt.Sprintf("Campaign confidence %s (%.2f)", camp.Tier, camp.Score),
			Severity: camp.Tier,
			Details: fmt.Sprintf("%d seed indicators expanded to %d related indicators across %d events from %d sources.",
				len(camp.Seeds), len(camp.Indicators), camp.EventCount, camp.SourceCount),
		})
		if len(camp.MethodsFired) > 0 {
			findings = append(findings, report.Finding{
				Title:    "Correlation evidence",
				Severity: "info",
				Details:  fmt.Sprintf("Methods fired: %s.", strings.Join(camp.MethodsFired, ", ")),
			})
		}
	}
	if top := topEventType(events); top != "" {
		findings = append(findings, report.Finding{
			Title:    fmt.Sprintf("Dominant activity: %s", top),
			Severity: "medium",
			Details:  "The most frequent event type inside the reporting window.",
		})
	}
	return findings
}

func topEventType(events []elastic.Event) string {
	counts := make(map[string]int)
	for _, ev := range events {
		if ev.EventType != "" {
			counts[ev.EventType]++
		}
	}
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool {
		if counts[types[i]] != counts[types[j]] {
			return counts[types[i]] > counts[types[j]]
		}
		return types[i] < types[j]
	})
	if len(types) == 0 {
		return ""
	}
	return types[0]
}

func eventTable(events []elastic.Event) *report.EventTable {
	table := &report.EventTable{
		Columns: []string{"Timestamp", "Source", "Type", "Username", "Detail"},
	}
	for _, ev := range events {
		detail := ev.Command
		if detail == "" {
			detail = ev.URL
		}
		if detail == "" {
			detail = ev.Domain
		}
		table.Rows = append(table.Rows, []string{
			ev.Timestamp.UTC().Format("2006-01-02 15:04:05"),
			ev.SourceIP,
			ev.EventType,
			ev.Username,
			detail,
		})
	}
	return table
}
