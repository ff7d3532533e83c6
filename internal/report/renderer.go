// Package report renders analyst-facing attack reports to PDF. Two
// engines share one report model: the builtin in-process generator and
// an external typesetter subprocess.
package report

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftsec/dshield-mcp/internal/config"
	"github.com/driftsec/dshield-mcp/internal/errs"
)

// ServiceName identifies the renderer in breakers, errors, and health.
const ServiceName = "report_renderer"

// Report templates. Both engines honor both layouts.
const (
	TemplateAttackReport    = "attack_report"
	TemplateCampaignSummary = "campaign_summary"
)

// Data is the renderer-independent report model.
type Data struct {
	Title       string      `json:"title"`
	Subtitle    string      `json:"subtitle,omitempty"`
	GeneratedAt time.Time   `json:"generated_at"`
	Start       time.Time   `json:"start"`
	End         time.Time   `json:"end"`
	Metrics     []Metric    `json:"metrics,omitempty"`
	Findings    []Finding   `json:"findings,omitempty"`
	Events      *EventTable `json:"events,omitempty"`
}

// Metric is one label/value pair in the summary block.
type Metric struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Finding is a single analyst observation with a severity band.
type Finding struct {
	Title    string `json:"title"`
	Severity string `json:"severity"`
	Details  string `json:"details,omitempty"`
}

// EventTable is the tabular evidence appendix.
type EventTable struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// Engine turns a report model into PDF bytes and reports its own health.
// Name is the dependency name for the health prober; EngineName is the
// configured engine identifier.
type Engine interface {
	Render(ctx context.Context, template string, data *Data) ([]byte, error)
	Health(ctx context.Context) error
	Name() string
	EngineName() string
}

// NewRenderer selects the engine from config.
func NewRenderer(cfg config.ReportConfig, log zerolog.Logger) (Engine, error) {
	switch cfg.Engine {
	case config.ReportEngineTypesetter:
		return newTypesetter(cfg.Typesetter, log), nil
	case config.ReportEngineBuiltin, "":
		return newBuiltin(log), nil
	default:
		return nil, fmt.Errorf("unknown report engine %q", cfg.Engine)
	}
}

func validTemplate(template string) error {
	switch template {
	case TemplateAttackReport, TemplateCampaignSummary:
		return nil
	}
	return errs.Validation("unknown report template", map[string]string{
		"template": fmt.Sprintf("%q is not one of %s", template,
			strings.Join([]string{TemplateAttackReport, TemplateCampaignSummary}, ", ")),
	})
}

// severityRank orders findings from critical down to info.
func severityRank(severity string) int {
	switch strings.ToLower(severity) {
	case "critical":
		return 0
	case "high":
		return 1
	case "medium":
		return 2
	case "low":
		return 3
	default:
		return 4
	}
}
