package ui

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scopehq/contextmcp/internal/ingest"
	"github.com/scopehq/contextmcp/internal/query"
	"github.com/scopehq/contextmcp/internal/service"
	"github.com/scopehq/contextmcp/internal/syncer"
	"github.com/scopehq/contextmcp/internal/vecindex"
)

func plainConfig(buf *bytes.Buffer) Config {
	return Config{Output: buf, Plain: true, NoColor: true}
}

func TestNewConfigFallsBackToPlain(t *testing.T) {
	// A bytes.Buffer is not a TTY, so interactive mode is off and color
	// is disabled.
	cfg := NewConfig(&bytes.Buffer{})
	assert.True(t, cfg.Plain)
	assert.True(t, cfg.NoColor)
}

func TestIsTTYNonFile(t *testing.T) {
	assert.False(t, IsTTY(&bytes.Buffer{}))
	assert.False(t, IsTTY(nil))
}

func TestProgressPrinterPlainOneLinePerPhase(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgressPrinter(plainConfig(&buf))

	p.Update(ingest.Progress{Phase: "chunk", Current: 1, Total: 10, Detail: "chunking"})
	p.Update(ingest.Progress{Phase: "chunk", Current: 5, Total: 10, Detail: "chunking"})
	p.Update(ingest.Progress{Phase: "chunk", Current: 10, Total: 10, Detail: "chunked"})
	p.Update(ingest.Progress{Phase: "embed", Current: 0, Total: 4, Detail: "embedding"})
	p.Done()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "[CHUNK] 1/10")
	assert.Contains(t, lines[1], "[CHUNK] 10/10")
	assert.Contains(t, lines[2], "[EMBED] 0/4")
}

func TestRenderBarBounds(t *testing.T) {
	assert.Equal(t, strings.Repeat("░", 10), renderBar(-5, 10))
	assert.Equal(t, strings.Repeat("█", 10), renderBar(150, 10))
	assert.Equal(t, "█████░░░░░", renderBar(50, 10))
}

func TestWriterHits(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(plainConfig(&buf))

	w.Hits("missing thing", &query.Response{})
	assert.Contains(t, buf.String(), `no results for "missing thing"`)
	buf.Reset()

	w.Hits("resolver", &query.Response{
		Hits: []query.Hit{
			{
				DatasetName: "code",
				Scoring:     query.Scoring{Final: 0.91},
				Payload: vecindex.Payload{
					Path:      "internal/dns/resolve.go",
					StartLine: 42,
					Content:   "func Resolve() {}\n",
				},
			},
			{
				DatasetName: "docs",
				Scoring:     query.Scoring{Final: 0.40},
				Payload:     vecindex.Payload{URL: "https://docs.example.com/dns"},
			},
		},
		Collections: 2,
		Latency:     12 * time.Millisecond,
	})

	out := buf.String()
	assert.Contains(t, out, "2 results for \"resolver\"")
	assert.Contains(t, out, "internal/dns/resolve.go:42")
	assert.Contains(t, out, "(0.910, code)")
	assert.Contains(t, out, "https://docs.example.com/dns")
	assert.Contains(t, out, "func Resolve() {}")
}

func TestWriterSyncResult(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(plainConfig(&buf))

	w.SyncResult(&syncer.Result{Status: syncer.StatusUnchanged})
	assert.Contains(t, buf.String(), "up to date")
	buf.Reset()

	w.SyncResult(&syncer.Result{Status: syncer.StatusSynced, Added: 2, Modified: 1, PointCount: 30})
	assert.Contains(t, buf.String(), "+2 ~1 -0")
	buf.Reset()

	w.SyncResult(&syncer.Result{Status: syncer.StatusFull, PointCount: 12})
	assert.Contains(t, buf.String(), "full index built: 12 points")
}

func TestWriterIngestResult(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(plainConfig(&buf))

	w.IngestResult("job-1", nil)
	assert.Contains(t, buf.String(), "job job-1 scheduled")
	buf.Reset()

	w.IngestResult("job-2", &ingest.Result{
		Status: ingest.StatusSkipped, Project: "app", Dataset: "code",
	})
	assert.Contains(t, buf.String(), "unchanged")
	buf.Reset()

	w.IngestResult("job-3", &ingest.Result{
		Status: ingest.StatusCompleted, Project: "app", Dataset: "code",
		Files: 3, Chunks: 9, PointCount: 9, Collection: "project_app_dataset_code",
	})
	assert.Contains(t, buf.String(), "3 files, 9 chunks")
}

func TestWriterJobsAndWatchers(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(plainConfig(&buf))

	w.Jobs(nil)
	assert.Contains(t, buf.String(), "no jobs")
	buf.Reset()

	w.Jobs([]service.JobInfo{{
		ID: "j1", Project: "app", Dataset: "code",
		SourceType: "local", Source: "/tmp/app", Status: "failed", Error: "boom",
	}})
	assert.Contains(t, buf.String(), "boom")
	buf.Reset()

	w.Watchers([]service.WatcherInfo{{
		ID: "w1", Project: "app", Dataset: "code", Path: "/tmp/app", SyncCount: 4,
	}})
	assert.Contains(t, buf.String(), "/tmp/app")
	assert.Contains(t, buf.String(), "syncs 4")
}

func TestSnippetTrimsTrailingBlank(t *testing.T) {
	got := snippet("one\ntwo\n\n\n", 3)
	assert.Equal(t, []string{"one", "two"}, got)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
