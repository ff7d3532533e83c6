package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftsec/dshield-mcp/internal/config"
	"github.com/driftsec/dshield-mcp/internal/errs"
)

// stderrTailBytes bounds how much typesetter stderr is kept for error
// messages.
const stderrTailBytes = 8 * 1024

// Typesetter renders reports through an external compiler subprocess.
// Markup goes in on stdin, PDF bytes come back on stdout. Every run gets
// a throwaway working directory removed on completion.
type Typesetter struct {
	command   string
	args      []string
	timeout   time.Duration
	maxOutput int64
	logger    zerolog.Logger
}

func newTypesetter(cfg config.TypesetterConfig, log zerolog.Logger) *Typesetter {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	maxOutput := int64(cfg.MaxOutputMB) << 20
	if maxOutput <= 0 {
		maxOutput = 25 << 20
	}
	return &Typesetter{
		command:   cfg.Command,
		args:      append([]string(nil), cfg.Args...),
		timeout:   timeout,
		maxOutput: maxOutput,
		logger:    log.With().Str("component", ServiceName).Str("engine", "typesetter").Logger(),
	}
}

func (t *Typesetter) Name() string       { return ServiceName }
func (t *Typesetter) EngineName() string { return "typesetter" }

// Health verifies the compiler binary is resolvable.
func (t *Typesetter) Health(context.Context) error {
	if t.command == "" {
		return fmt.Errorf("typesetter command not configured")
	}
	if _, err := exec.LookPath(t.command); err != nil {
		return fmt.Errorf("typesetter binary: %w", err)
	}
	return nil
}

// Render compiles the report markup under the wall-clock timeout and
// output-size cap.
func (t *Typesetter) Render(ctx context.Context, template string, data *Data) ([]byte, error) {
	if err := validTemplate(template); err != nil {
		return nil, err
	}
	if data == nil {
		return nil, errs.Validation("report data is required", map[string]string{"data": "nil"})
	}

	markup := writeMarkup(template, data)

	workdir, err := os.MkdirTemp("", "dshield-report-*")
	if err != nil {
		return nil, errs.Internal(fmt.Errorf("create report workdir: %w", err))
	}
	defer os.RemoveAll(workdir)

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	start := time.Now()
	pdf, err := t.run(ctx, workdir, markup)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errs.Timeout(t.timeout).WithCause(err)
		}
		return nil, err
	}

	t.logger.Debug().
		Str("template", template).
		Int("pdf_bytes", len(pdf)).
		Dur("elapsed", time.Since(start)).
		Msg("report rendered")
	return pdf, nil
}

// run executes one compiler invocation with stdout capped at maxOutput.
// Oversized output kills the subprocess and fails the render.
func (t *Typesetter) run(ctx context.Context, workdir, markup string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, t.command, t.args...)
	cmd.Dir = workdir
	cmd.Stdin = strings.NewReader(markup)

	var stderr tailBuffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errs.Internal(err)
	}
	if err := cmd.Start(); err != nil {
		return nil, errs.External(ServiceName, fmt.Errorf("start typesetter: %w", err))
	}

	output := make([]byte, 0, 64*1024)
	buf := make([]byte, 32*1024)
	exceeded := false

	for {
		n, readErr := stdout.Read(buf)
		if n > 0 {
			remaining := t.maxOutput - int64(len(output))
			if int64(n) <= remaining {
				output = append(output, buf[:n]...)
			} else {
				output = append(output, buf[:remaining]...)
				exceeded = true
			}
			if exceeded && cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			_ = cmd.Wait()
			return nil, errs.External(ServiceName, readErr)
		}
	}

	waitErr := cmd.Wait()
	if exceeded {
		e := errs.External(ServiceName, fmt.Errorf("typesetter output exceeds %d bytes", t.maxOutput))
		e.Retryable = false
		return nil, e
	}
	if waitErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, errs.External(ServiceName, fmt.Errorf("typesetter failed: %w: %s", waitErr, msg))
		}
		return nil, errs.External(ServiceName, fmt.Errorf("typesetter failed: %w", waitErr))
	}
	return output, nil
}

// writeMarkup renders the report model as typesetter markup.
func writeMarkup(template string, data *Data) string {
	var b strings.Builder

	b.WriteString("#set page(margin: 2cm)\n")
	b.WriteString("#set text(size: 10pt)\n\n")

	b.WriteString("#align(center)[\n")
	fmt.Fprintf(&b, "  #text(size: 22pt, weight: \"bold\")[%s]\n", escapeMarkup(data.Title))
	if data.Subtitle != "" {
		fmt.Fprintf(&b, "  #linebreak()\n  #text(size: 11pt, fill: gray)[%s]\n", escapeMarkup(data.Subtitle))
	}
	b.WriteString("]\n\n")

	fmt.Fprintf(&b, "Analysis window: %s to %s #linebreak()\n",
		data.Start.UTC().Format("2006-01-02 15:04 MST"),
		data.End.UTC().Format("2006-01-02 15:04 MST"))
	fmt.Fprintf(&b, "Generated: %s\n\n", data.GeneratedAt.UTC().Format("2006-01-02 15:04:05 MST"))

	b.WriteString("= Summary\n\n")
	if len(data.Metrics) > 0 {
		b.WriteString("#table(\n  columns: 2,\n")
		for _, m := range data.Metrics {
			fmt.Fprintf(&b, "  [%s], [%s],\n", escapeMarkup(m.Label), escapeMarkup(m.Value))
		}
		b.WriteString(")\n\n")
	} else {
		b.WriteString("No summary metrics supplied.\n\n")
	}

	if len(data.Findings) > 0 {
		b.WriteString("= Findings\n\n")
		ordered := make([]Finding, len(data.Findings))
		copy(ordered, data.Findings)
		sort.SliceStable(ordered, func(i, j int) bool {
			return severityRank(ordered[i].Severity) < severityRank(ordered[j].Severity)
		})
		for _, f := range ordered {
			fmt.Fprintf(&b, "- *%s* %s", severityLabel(f.Severity), escapeMarkup(f.Title))
			if f.Details != "" {
				fmt.Fprintf(&b, " #linebreak() %s", escapeMarkup(f.Details))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if template == TemplateAttackReport && data.Events != nil && len(data.Events.Rows) > 0 {
		b.WriteString("= Event Evidence\n\n")
		fmt.Fprintf(&b, "#table(\n  columns: %d,\n", len(data.Events.Columns))
		for _, col := range data.Events.Columns {
			fmt.Fprintf(&b, "  [*%s*],", escapeMarkup(col))
		}
		b.WriteString("\n")
		for _, row := range data.Events.Rows {
			for c := 0; c < len(data.Events.Columns); c++ {
				cell := ""
				if c < len(row) {
					cell = row[c]
				}
				fmt.Fprintf(&b, "  [%s],", escapeMarkup(cell))
			}
			b.WriteString("\n")
		}
		b.WriteString(")\n")
	}

	return b.String()
}

var markupEscaper = strings.NewReplacer(
	`\`, `\\`,
	"#", `\#`,
	"[", `\[`,
	"]", `\]`,
	"*", `\*`,
	"_", `\_`,
	"`", "\\`",
	"$", `\$`,
	"<", `\<`,
	">", `\>`,
	"@", `\@`,
)

func escapeMarkup(s string) string {
	return markupEscaper.Replace(s)
}

// tailBuffer keeps only the first stderrTailBytes of what is written.
type tailBuffer struct {
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	if remaining := stderrTailBytes - t.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			t.buf.Write(p[:remaining])
		} else {
			t.buf.Write(p)
		}
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return t.buf.String()
}
