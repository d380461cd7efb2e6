package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/scopehq/contextmcp/internal/ingest"
)

const barWidth = 30

// ProgressPrinter renders ingest progress. On a TTY it redraws a single
// bar in place; in plain mode it prints one line per phase transition so
// logs stay readable.
type ProgressPrinter struct {
	mu        sync.Mutex
	out       io.Writer
	plain     bool
	styles    Styles
	lastPhase string
	active    bool
}

// NewProgressPrinter creates a printer for the given config.
func NewProgressPrinter(cfg Config) *ProgressPrinter {
	return &ProgressPrinter{
		out:    cfg.Output,
		plain:  cfg.Plain,
		styles: GetStyles(cfg.NoColor),
	}
}

// Update is an ingest.ProgressFunc.
func (p *ProgressPrinter) Update(ev ingest.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.plain {
		if ev.Phase == p.lastPhase && ev.Current < ev.Total {
			return // one line per phase, plus its completion
		}
		p.lastPhase = ev.Phase
		phase := p.styles.Phase.Render(strings.ToUpper(ev.Phase))
		if ev.Total > 0 {
			fmt.Fprintf(p.out, "[%s] %d/%d %s\n", phase, ev.Current, ev.Total, ev.Detail)
		} else {
			fmt.Fprintf(p.out, "[%s] %s\n", phase, ev.Detail)
		}
		return
	}

	bar := renderBar(ev.Percentage, barWidth)
	fmt.Fprintf(p.out, "\r%s %3d%% %s %s\x1b[K",
		p.styles.Success.Render(bar),
		ev.Percentage,
		p.styles.Phase.Render(ev.Phase),
		p.styles.Dim.Render(truncate(ev.Detail, 40)))
	p.active = true
}

// Done finishes an in-place bar with a newline. Safe to call in plain
// mode, where it is a no-op.
func (p *ProgressPrinter) Done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active {
		fmt.Fprintln(p.out)
		p.active = false
	}
}

func renderBar(pct, width int) string {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	filled := pct * width / 100
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
