package ui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/scopehq/contextmcp/internal/ingest"
	"github.com/scopehq/contextmcp/internal/query"
	"github.com/scopehq/contextmcp/internal/service"
	"github.com/scopehq/contextmcp/internal/smart"
	"github.com/scopehq/contextmcp/internal/syncer"
)

// Writer formats command output. Write errors are ignored; this is
// console output.
type Writer struct {
	out    io.Writer
	styles Styles
}

// NewWriter creates a Writer for the given config.
func NewWriter(cfg Config) *Writer {
	return &Writer{out: cfg.Output, styles: GetStyles(cfg.NoColor)}
}

// Line prints one unstyled line.
func (w *Writer) Line(format string, args ...any) {
	_, _ = fmt.Fprintf(w.out, format+"\n", args...)
}

// Header prints a section header.
func (w *Writer) Header(text string) {
	_, _ = fmt.Fprintln(w.out, w.styles.Header.Render(text))
}

// Success prints a success line.
func (w *Writer) Success(format string, args ...any) {
	_, _ = fmt.Fprintln(w.out, w.styles.Success.Render(fmt.Sprintf(format, args...)))
}

// Warning prints a warning line.
func (w *Writer) Warning(format string, args ...any) {
	_, _ = fmt.Fprintln(w.out, w.styles.Warning.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error line.
func (w *Writer) Error(format string, args ...any) {
	_, _ = fmt.Fprintln(w.out, w.styles.Error.Render(fmt.Sprintf(format, args...)))
}

// IngestResult prints a finished ingest summary.
func (w *Writer) IngestResult(jobID string, res *ingest.Result) {
	if res == nil {
		w.Line("job %s scheduled", jobID)
		return
	}
	if res.Status == ingest.StatusSkipped {
		w.Line("%s/%s unchanged, nothing to do", res.Project, res.Dataset)
		return
	}
	w.Success("indexed %s/%s: %d files, %d chunks (%d points in %s)",
		res.Project, res.Dataset, res.Files, res.Chunks, res.PointCount, res.Collection)
}

// SyncResult prints a finished sync summary.
func (w *Writer) SyncResult(res *syncer.Result) {
	switch res.Status {
	case syncer.StatusUnchanged:
		w.Line("already up to date")
	case syncer.StatusFull:
		w.Success("full index built: %d points", res.PointCount)
	default:
		w.Success("synced: +%d ~%d -%d files (%d renamed), %d points",
			res.Added, res.Modified, res.Deleted, res.Renamed, res.PointCount)
	}
}

// Hits prints ranked query results with short snippets.
func (w *Writer) Hits(q string, res *query.Response) {
	if len(res.Hits) == 0 {
		w.Line("no results for %q", q)
		return
	}
	w.Header(fmt.Sprintf("%d results for %q (%s, %d collections)",
		len(res.Hits), q, res.Latency.Round(time.Millisecond), res.Collections))
	for i, h := range res.Hits {
		w.Line("%2d. %s %s", i+1,
			w.styles.Path.Render(hitLocation(h)),
			w.styles.Score.Render(fmt.Sprintf("(%.3f, %s)", h.Scoring.Final, h.DatasetName)))
		for _, line := range snippet(h.Payload.Content, 3) {
			w.Line("    %s", w.styles.Dim.Render(line))
		}
	}
}

// Answer prints a smart-query response: the synthesized answer with
// citations, then the retrievals that grounded it.
func (w *Writer) Answer(q string, res *smart.Response) {
	if res.Answer != "" {
		w.Header(fmt.Sprintf("answer (confidence %.2f)", res.Confidence))
		w.Line("%s", res.Answer)
		for _, c := range res.Citations {
			loc := c.Path
			if loc == "" {
				loc = c.URL
			}
			w.Line("  [%d] %s", c.Index, w.styles.Label.Render(loc))
		}
		_, _ = fmt.Fprintln(w.out)
	}
	if len(res.SubQueries) > 0 {
		w.Line("sub-queries: %s", w.styles.Dim.Render(strings.Join(res.SubQueries, " | ")))
	}
	w.Hits(q, &query.Response{Hits: res.Retrievals, Latency: res.Latency})
}

// Stats prints per-dataset statistics.
func (w *Writer) Stats(stats *service.ProjectStats) {
	w.Header("project " + stats.Project)
	if len(stats.Datasets) == 0 {
		w.Line("no datasets")
		return
	}
	for _, d := range stats.Datasets {
		w.Line("  %s %s", w.styles.Path.Render(d.Dataset), w.styles.Label.Render(d.Collection))
		w.Line("    points %d, chunks %d, pages %d, dim %d, hybrid %v",
			d.PointCount, d.ChunkCount, d.PageCount, d.Dimension, d.IsHybrid)
		if d.LastIndexedAt != nil {
			w.Line("    last indexed %s", d.LastIndexedAt.Format(time.RFC3339))
		}
	}
}

// Scopes prints a scope listing.
func (w *Writer) Scopes(scopes []service.ScopeInfo) {
	for _, s := range scopes {
		state := "indexed"
		if !s.Indexed {
			state = "empty"
		}
		if s.IsGlobal {
			state += ", global"
		}
		w.Line("%s/%s  %s  %s", s.Project, s.Dataset,
			w.styles.Label.Render(s.Collection), w.styles.Dim.Render(state))
	}
}

// Jobs prints a job listing, newest first.
func (w *Writer) Jobs(jobs []service.JobInfo) {
	if len(jobs) == 0 {
		w.Line("no jobs")
		return
	}
	for _, j := range jobs {
		line := fmt.Sprintf("%s  %-9s %s/%s %s %s",
			j.CreatedAt.Format("2006-01-02 15:04:05"), j.Status,
			j.Project, j.Dataset, j.SourceType, j.Source)
		switch j.Status {
		case "failed":
			w.Error("%s: %s", line, j.Error)
		case "running":
			w.Line("%s (%d%%)", line, j.Progress)
		default:
			w.Line("%s", line)
		}
		if j.Summary != "" {
			w.Line("    %s", w.styles.Dim.Render(j.Summary))
		}
	}
}

// Watchers prints active watchers.
func (w *Writer) Watchers(watchers []service.WatcherInfo) {
	if len(watchers) == 0 {
		w.Line("no active watchers")
		return
	}
	for _, watch := range watchers {
		w.Line("%s  %s/%s  %s  syncs %d", watch.ID, watch.Project, watch.Dataset,
			w.styles.Path.Render(watch.Path), watch.SyncCount)
	}
}

func hitLocation(h query.Hit) string {
	if h.Payload.URL != "" {
		return h.Payload.URL
	}
	if h.Payload.StartLine > 0 {
		return fmt.Sprintf("%s:%d", h.Payload.Path, h.Payload.StartLine)
	}
	return h.Payload.Path
}

// snippet returns the first n non-trailing-blank lines of content.
func snippet(content string, n int) []string {
	lines := strings.Split(content, "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
