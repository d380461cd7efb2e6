package jobs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scopehq/contextmcp/internal/embed"
	"github.com/scopehq/contextmcp/internal/errors"
	"github.com/scopehq/contextmcp/internal/ingest"
	"github.com/scopehq/contextmcp/internal/merkle"
	"github.com/scopehq/contextmcp/internal/metastore"
	"github.com/scopehq/contextmcp/internal/syncer"
	"github.com/scopehq/contextmcp/internal/vecindex"
	"github.com/scopehq/contextmcp/internal/watcher"
)

func newMeta(t *testing.T) *metastore.Store {
	t.Helper()
	meta, err := metastore.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })
	return meta
}

func waitForStatus(t *testing.T, meta *metastore.Store, jobID, want string) *metastore.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := meta.GetJob(context.Background(), jobID)
		require.NoError(t, err)
		if job.Status == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", jobID, want)
	return nil
}

func setStatus(t *testing.T, meta *metastore.Store, jobID, status string) {
	t.Helper()
	require.NoError(t, meta.UpdateJob(context.Background(), jobID, metastore.JobPatch{Status: &status}))
}

func TestRunnerExecutesAndCompletes(t *testing.T) {
	meta := newMeta(t)
	r := NewRunner(meta, 2)
	defer func() { _ = r.Shutdown(context.Background()) }()

	job, err := r.Start(context.Background(), "app", "code", "local", "/src", func(ctx context.Context, jobID string) error {
		setStatus(t, meta, jobID, metastore.JobRunning)
		setStatus(t, meta, jobID, metastore.JobCompleted)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, metastore.JobPending, job.Status)

	waitForStatus(t, meta, job.ID, metastore.JobCompleted)
}

func TestRunnerCancelStopsRunningJob(t *testing.T) {
	meta := newMeta(t)
	r := NewRunner(meta, 1)
	defer func() { _ = r.Shutdown(context.Background()) }()

	started := make(chan struct{})
	job, err := r.Start(context.Background(), "app", "code", "local", "/src", func(ctx context.Context, jobID string) error {
		setStatus(t, meta, jobID, metastore.JobRunning)
		close(started)
		<-ctx.Done()
		setStatus(t, meta, jobID, metastore.JobCancelled)
		return ctx.Err()
	})
	require.NoError(t, err)

	<-started
	require.NoError(t, r.Cancel(context.Background(), job.ID))
	waitForStatus(t, meta, job.ID, metastore.JobCancelled)
}

func TestRunnerCancelTerminalIsConflict(t *testing.T) {
	meta := newMeta(t)
	r := NewRunner(meta, 1)
	defer func() { _ = r.Shutdown(context.Background()) }()

	job, err := r.Start(context.Background(), "app", "code", "local", "/src", func(ctx context.Context, jobID string) error {
		setStatus(t, meta, jobID, metastore.JobRunning)
		setStatus(t, meta, jobID, metastore.JobCompleted)
		return nil
	})
	require.NoError(t, err)
	waitForStatus(t, meta, job.ID, metastore.JobCompleted)

	err = r.Cancel(context.Background(), job.ID)
	require.Error(t, err)
	assert.Equal(t, errors.KindConflict, errors.KindOf(err))
}

func TestRunnerBoundsWorkers(t *testing.T) {
	meta := newMeta(t)
	r := NewRunner(meta, 1)
	defer func() { _ = r.Shutdown(context.Background()) }()

	release := make(chan struct{})
	first, err := r.Start(context.Background(), "app", "a", "local", "/a", func(ctx context.Context, jobID string) error {
		setStatus(t, meta, jobID, metastore.JobRunning)
		<-release
		setStatus(t, meta, jobID, metastore.JobCompleted)
		return nil
	})
	require.NoError(t, err)
	waitForStatus(t, meta, first.ID, metastore.JobRunning)

	second, err := r.Start(context.Background(), "app", "b", "local", "/b", func(ctx context.Context, jobID string) error {
		setStatus(t, meta, jobID, metastore.JobRunning)
		setStatus(t, meta, jobID, metastore.JobCompleted)
		return nil
	})
	require.NoError(t, err)

	// The single worker is busy; the second job stays pending.
	time.Sleep(100 * time.Millisecond)
	got, err := meta.GetJob(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, metastore.JobPending, got.Status)

	close(release)
	waitForStatus(t, meta, second.ID, metastore.JobCompleted)
}

type stubEmbedder struct{ dims int }

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v, _ := s.EmbedBatch(ctx, []string{text})
	return v[0], nil
}

func (s *stubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec := make([]float32, s.dims)
		for j, r := range t {
			vec[j%s.dims] += float32(r % 7)
		}
		out[i] = embed.Normalize(vec)
	}
	return out, nil
}

func (s *stubEmbedder) Dimensions() int                { return s.dims }
func (s *stubEmbedder) ModelName() string              { return "stub" }
func (s *stubEmbedder) Available(context.Context) bool { return true }
func (s *stubEmbedder) Close() error                   { return nil }

func newWatchFixture(t *testing.T) (*WatchRegistry, *metastore.Store, string) {
	t.Helper()
	meta := newMeta(t)

	index, err := vecindex.NewLocal("", vecindex.LocalConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = index.Close() })

	coord := embed.NewCoordinator(&stubEmbedder{dims: 8}, nil, embed.NewLexicalEncoder(), 16, 4)
	snapshots := merkle.NewStore(t.TempDir())
	ingestor := ingest.New(meta, index, coord, snapshots, ingest.Config{Hybrid: true})
	sy := syncer.New(meta, index, ingestor, snapshots)

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.md"), []byte("# watched\n"), 0o644))

	reg := NewWatchRegistry(meta, sy)
	t.Cleanup(reg.StopAll)
	return reg, meta, root
}

func TestWatchRegistryLifecycle(t *testing.T) {
	reg, meta, root := newWatchFixture(t)
	ctx := context.Background()

	req := syncer.Request{Project: "app", Dataset: "docs", Root: root}
	opts := watcher.Options{DebounceWindow: 50 * time.Millisecond}

	row, err := reg.Start(ctx, req, opts)
	require.NoError(t, err)

	// Duplicate watch on the same triple is rejected.
	_, err = reg.Start(ctx, req, opts)
	require.Error(t, err)
	assert.Equal(t, errors.KindAlreadyWatching, errors.KindOf(err))

	// The initial sync indexes the tree.
	deadline := time.Now().Add(10 * time.Second)
	for {
		p, perr := meta.GetProject(ctx, "app")
		if perr == nil {
			d, derr := meta.GetDataset(ctx, p.ID, "docs")
			if derr == nil {
				b, berr := meta.GetBinding(ctx, d.ID, metastore.BackendLocal)
				if berr == nil && b.PointCount > 0 {
					break
				}
			}
		}
		require.True(t, time.Now().Before(deadline), "initial sync never landed")
		time.Sleep(20 * time.Millisecond)
	}

	list, err := reg.List(ctx, "app")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, row.ID, list[0].ID)

	require.NoError(t, reg.Stop(ctx, row.ID))
	list, err = reg.List(ctx, "app")
	require.NoError(t, err)
	assert.Empty(t, list)

	// Stopping an unknown watcher reports NotFound.
	err = reg.Stop(ctx, "nope")
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}
