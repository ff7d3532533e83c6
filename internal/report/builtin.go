package report

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/go-pdf/fpdf"
	"github.com/rs/zerolog"

	"github.com/driftsec/dshield-mcp/internal/errs"
)

// Report palette.
var (
	inkHeader   = [3]int{21, 34, 56}    // deep navy
	inkBody     = [3]int{40, 50, 60}    // near-black text
	inkMuted    = [3]int{120, 130, 140} // captions
	inkCritical = [3]int{156, 36, 28}
	inkHigh     = [3]int{204, 84, 26}
	inkMedium   = [3]int{176, 134, 16}
	inkLow      = [3]int{54, 120, 74}
	inkRowAlt   = [3]int{242, 245, 248}
	inkRule     = [3]int{214, 219, 224}
)

// Builtin renders reports in-process with fpdf. It has no external
// dependencies and is therefore always healthy.
type Builtin struct {
	logger zerolog.Logger
}

func newBuiltin(log zerolog.Logger) *Builtin {
	return &Builtin{logger: log.With().Str("component", ServiceName).Str("engine", "builtin").Logger()}
}

func (b *Builtin) Name() string       { return ServiceName }
func (b *Builtin) EngineName() string { return "builtin" }

// Health always succeeds; in-process rendering has nothing to probe.
func (b *Builtin) Health(context.Context) error { return nil }

// Render produces the PDF for the selected template.
func (b *Builtin) Render(ctx context.Context, template string, data *Data) ([]byte, error) {
	if err := validTemplate(template); err != nil {
		return nil, err
	}
	if data == nil {
		return nil, errs.Validation("report data is required", map[string]string{"data": "nil"})
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(18, 20, 18)
	pdf.SetAutoPageBreak(true, 22)

	b.writeCover(pdf, data)

	pdf.AddPage()
	b.writeSectionHeader(pdf, data, "Summary")
	b.writeMetrics(pdf, data.Metrics)

	if len(data.Findings) > 0 {
		b.writeFindings(pdf, data.Findings)
	}

	if template == TemplateAttackReport && data.Events != nil && len(data.Events.Rows) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, errs.Classify(ServiceName, err)
		}
		pdf.AddPage()
		b.writeSectionHeader(pdf, data, "Event Evidence")
		b.writeEventTable(pdf, data.Events)
	}

	b.addPageNumbers(pdf)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, errs.Internal(fmt.Errorf("pdf output: %w", err))
	}
	return buf.Bytes(), nil
}

func (b *Builtin) writeCover(pdf *fpdf.Fpdf, data *Data) {
	pdf.AddPage()
	pageWidth, pageHeight := pdf.GetPageSize()

	pdf.SetFillColor(inkHeader[0], inkHeader[1], inkHeader[2])
	pdf.Rect(0, 0, pageWidth, 8, "F")

	pdf.SetY(60)
	pdf.SetFont("Arial", "B", 26)
	pdf.SetTextColor(inkHeader[0], inkHeader[1], inkHeader[2])
	pdf.CellFormat(0, 14, data.Title, "", 1, "C", false, 0, "")

	if data.Subtitle != "" {
		pdf.SetFont("Arial", "", 12)
		pdf.SetTextColor(inkMuted[0], inkMuted[1], inkMuted[2])
		pdf.CellFormat(0, 8, data.Subtitle, "", 1, "C", false, 0, "")
	}

	pdf.SetY(120)
	pdf.SetFont("Arial", "B", 10)
	pdf.SetTextColor(inkMuted[0], inkMuted[1], inkMuted[2])
	pdf.CellFormat(0, 6, "ANALYSIS WINDOW", "", 1, "C", false, 0, "")

	pdf.SetFont("Arial", "", 11)
	pdf.SetTextColor(inkBody[0], inkBody[1], inkBody[2])
	window := fmt.Sprintf("%s  -  %s",
		data.Start.UTC().Format("2006-01-02 15:04 MST"),
		data.End.UTC().Format("2006-01-02 15:04 MST"))
	pdf.CellFormat(0, 8, window, "", 1, "C", false, 0, "")

	pdf.SetY(pageHeight - 40)
	pdf.SetFont("Arial", "", 9)
	pdf.SetTextColor(inkMuted[0], inkMuted[1], inkMuted[2])
	pdf.CellFormat(0, 5, fmt.Sprintf("Generated %s", data.GeneratedAt.UTC().Format("2006-01-02 15:04:05 MST")), "", 1, "C", false, 0, "")
	pdf.CellFormat(0, 5, "DShield honeypot analysis", "", 1, "C", false, 0, "")

	pdf.SetFillColor(inkHeader[0], inkHeader[1], inkHeader[2])
	pdf.Rect(0, pageHeight-8, pageWidth, 8, "F")
}

func (b *Builtin) writeSectionHeader(pdf *fpdf.Fpdf, data *Data, section string) {
	pageWidth, _ := pdf.GetPageSize()

	pdf.SetDrawColor(inkHeader[0], inkHeader[1], inkHeader[2])
	pdf.SetLineWidth(0.5)
	pdf.Line(18, 14, pageWidth-18, 14)

	pdf.SetY(17)
	pdf.SetFont("Arial", "B", 9)
	pdf.SetTextColor(inkHeader[0], inkHeader[1], inkHeader[2])
	pdf.CellFormat(0, 5, data.Title, "", 0, "L", false, 0, "")

	pdf.SetFont("Arial", "", 9)
	pdf.SetTextColor(inkMuted[0], inkMuted[1], inkMuted[2])
	pdf.CellFormat(0, 5, section, "", 1, "R", false, 0, "")

	pdf.SetY(28)
	pdf.SetFont("Arial", "B", 16)
	pdf.SetTextColor(inkBody[0], inkBody[1], inkBody[2])
	pdf.CellFormat(0, 10, section, "", 1, "L", false, 0, "")
	pdf.Ln(2)
}

func (b *Builtin) writeMetrics(pdf *fpdf.Fpdf, metrics []Metric) {
	if len(metrics) == 0 {
		pdf.SetFont("Arial", "I", 10)
		pdf.SetTextColor(inkMuted[0], inkMuted[1], inkMuted[2])
		pdf.CellFormat(0, 8, "No summary metrics supplied.", "", 1, "L", false, 0, "")
		return
	}

	pageWidth, _ := pdf.GetPageSize()
	labelWidth := 70.0
	valueWidth := pageWidth - 36 - labelWidth

	for i, m := range metrics {
		fill := i%2 == 1
		if fill {
			pdf.SetFillColor(inkRowAlt[0], inkRowAlt[1], inkRowAlt[2])
		}
		pdf.SetFont("Arial", "", 10)
		pdf.SetTextColor(inkMuted[0], inkMuted[1], inkMuted[2])
		pdf.CellFormat(labelWidth, 8, m.Label, "", 0, "L", fill, 0, "")
		pdf.SetFont("Arial", "B", 10)
		pdf.SetTextColor(inkBody[0], inkBody[1], inkBody[2])
		pdf.CellFormat(valueWidth, 8, m.Value, "", 1, "L", fill, 0, "")
	}
}

func (b *Builtin) writeFindings(pdf *fpdf.Fpdf, findings []Finding) {
	ordered := make([]Finding, len(findings))
	copy(ordered, findings)
	sort.SliceStable(ordered, func(i, j int) bool {
		return severityRank(ordered[i].Severity) < severityRank(ordered[j].Severity)
	})

	pdf.Ln(6)
	pdf.SetFont("Arial", "B", 13)
	pdf.SetTextColor(inkBody[0], inkBody[1], inkBody[2])
	pdf.CellFormat(0, 9, "Findings", "", 1, "L", false, 0, "")
	pdf.Ln(1)

	for _, f := range ordered {
		c := severityColor(f.Severity)
		pdf.SetFillColor(c[0], c[1], c[2])
		pdf.Rect(18, pdf.GetY()+1, 2, 6, "F")

		pdf.SetX(23)
		pdf.SetFont("Arial", "B", 10)
		pdf.SetTextColor(inkBody[0], inkBody[1], inkBody[2])
		pdf.CellFormat(0, 8, fmt.Sprintf("[%s] %s", severityLabel(f.Severity), f.Title), "", 1, "L", false, 0, "")

		if f.Details != "" {
			pdf.SetX(23)
			pdf.SetFont("Arial", "", 9)
			pdf.SetTextColor(inkMuted[0], inkMuted[1], inkMuted[2])
			pdf.MultiCell(0, 5, f.Details, "", "L", false)
		}
		pdf.Ln(1)
	}
}

func (b *Builtin) writeEventTable(pdf *fpdf.Fpdf, events *EventTable) {
	if len(events.Columns) == 0 {
		return
	}

	pageWidth, _ := pdf.GetPageSize()
	usable := pageWidth - 36
	colWidth := usable / float64(len(events.Columns))

	pdf.SetFont("Arial", "B", 8)
	pdf.SetFillColor(inkHeader[0], inkHeader[1], inkHeader[2])
	pdf.SetTextColor(255, 255, 255)
	for _, col := range events.Columns {
		pdf.CellFormat(colWidth, 7, truncate(col, colWidth, pdf), "", 0, "L", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Arial", "", 8)
	for i, row := range events.Rows {
		fill := i%2 == 1
		if fill {
			pdf.SetFillColor(inkRowAlt[0], inkRowAlt[1], inkRowAlt[2])
		}
		pdf.SetTextColor(inkBody[0], inkBody[1], inkBody[2])
		for c := 0; c < len(events.Columns); c++ {
			cell := ""
			if c < len(row) {
				cell = row[c]
			}
			pdf.CellFormat(colWidth, 6, truncate(cell, colWidth, pdf), "", 0, "L", fill, 0, "")
		}
		pdf.Ln(-1)
	}

	pdf.SetDrawColor(inkRule[0], inkRule[1], inkRule[2])
	pdf.Line(18, pdf.GetY()+1, pageWidth-18, pdf.GetY()+1)
}

func (b *Builtin) addPageNumbers(pdf *fpdf.Fpdf) {
	pdf.SetAutoPageBreak(false, 0)
	total := pdf.PageCount()
	for i := 2; i <= total; i++ {
		pdf.SetPage(i)
		pageWidth, pageHeight := pdf.GetPageSize()
		pdf.SetY(pageHeight - 14)
		pdf.SetFont("Arial", "", 8)
		pdf.SetTextColor(inkMuted[0], inkMuted[1], inkMuted[2])
		pdf.CellFormat(0, 5, fmt.Sprintf("Page %d of %d", i-1, total-1), "", 0, "C", false, 0, "")
		pdf.SetDrawColor(inkRule[0], inkRule[1], inkRule[2])
		pdf.Line(18, pageHeight-16, pageWidth-18, pageHeight-16)
	}
}

func severityColor(severity string) [3]int {
	switch severityRank(severity) {
	case 0:
		return inkCritical
	case 1:
		return inkHigh
	case 2:
		return inkMedium
	case 3:
		return inkLow
	default:
		return inkMuted
	}
}

func severityLabel(severity string) string {
	switch severityRank(severity) {
	case 0:
		return "CRITICAL"
	case 1:
		return "HIGH"
	case 2:
		return "MEDIUM"
	case 3:
		return "LOW"
	default:
		return "INFO"
	}
}

// truncate shortens a cell so it fits its column at the current font.
func truncate(s string, width float64, pdf *fpdf.Fpdf) string {
	const pad = 2.0
	if pdf.GetStringWidth(s) <= width-pad {
		return s
	}
	runes := []rune(s)
	for len(runes) > 1 && pdf.GetStringWidth(string(runes)+"...") > width-pad {
		runes = runes[:len(runes)-1]
	}
	return string(runes) + "..."
}
