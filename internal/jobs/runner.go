// Package jobs tracks long-running work: ingest jobs executed on a
// bounded worker pool with cooperative cancellation, and watch sessions
// registered durably so callers can list and stop them.
package jobs

import (
	"context"
	"log/slog"
	"sync"

	"github.com/scopehq/contextmcp/internal/errors"
	"github.com/scopehq/contextmcp/internal/metastore"
)

// RunFunc is the body of a job. It receives the job's cancellable
// context and the durable job id, and is responsible for advancing the
// job row to a terminal state (the ingest orchestrator does this).
type RunFunc func(ctx context.Context, jobID string) error

// Runner executes jobs on a bounded worker pool. Job state lives in the
// metastore; the runner only owns the in-process cancellation handles.
type Runner struct {
	meta   *metastore.Store
	sem    chan struct{}
	logger *slog.Logger

	// base outlives caller request contexts so a job keeps running
	// after the request that started it returns.
	base     context.Context
	baseStop context.CancelFunc

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
}

// NewRunner creates a runner with the given worker cap.
func NewRunner(meta *metastore.Store, workers int) *Runner {
	if workers <= 0 {
		workers = 2
	}
	base, stop := context.WithCancel(context.Background())
	return &Runner{
		meta:     meta,
		sem:      make(chan struct{}, workers),
		base:     base,
		baseStop: stop,
		cancels:  map[string]context.CancelFunc{},
		logger:   slog.Default().With("component", "jobs"),
	}
}

// Start creates the durable job row and schedules run on a worker. It
// returns immediately; the job stays pending until a worker frees up.
func (r *Runner) Start(ctx context.Context, project, dataset, kind, source string, run RunFunc) (*metastore.Job, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errors.New(errors.KindInternal, "job runner is shut down")
	}
	r.mu.Unlock()

	job, err := r.meta.CreateJob(ctx, project, dataset, kind, source)
	if err != nil {
		return nil, err
	}

	jobCtx, cancel := context.WithCancel(r.base)
	r.mu.Lock()
	r.cancels[job.ID] = cancel
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer func() {
			cancel()
			r.mu.Lock()
			delete(r.cancels, job.ID)
			r.mu.Unlock()
		}()

		select {
		case r.sem <- struct{}{}:
			defer func() { <-r.sem }()
		case <-jobCtx.Done():
			r.markCancelled(job.ID)
			return
		}

		if err := run(jobCtx, job.ID); err != nil {
			r.logger.Warn("job failed", "job", job.ID, "kind", kind, "error", err)
		}
	}()

	return job, nil
}

// markCancelled moves a job that never reached a worker to cancelled.
func (r *Runner) markCancelled(jobID string) {
	status := metastore.JobCancelled
	if err := r.meta.UpdateJob(context.Background(), jobID, metastore.JobPatch{Status: &status}); err != nil {
		r.logger.Warn("mark cancelled failed", "job", jobID, "error", err)
	}
}

// Get returns the durable job state.
func (r *Runner) Get(ctx context.Context, jobID string) (*metastore.Job, error) {
	return r.meta.GetJob(ctx, jobID)
}

// List returns jobs, optionally narrowed to a project.
func (r *Runner) List(ctx context.Context, project string, limit int) ([]metastore.Job, error) {
	return r.meta.ListJobs(ctx, project, limit)
}

// Cancel signals cooperative cancellation. A running job notices at its
// next phase or batch boundary; a pending job is cancelled directly.
// Cancelling a terminal job is a conflict.
func (r *Runner) Cancel(ctx context.Context, jobID string) error {
	job, err := r.meta.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	switch job.Status {
	case metastore.JobCompleted, metastore.JobFailed, metastore.JobCancelled:
		return errors.Newf(errors.KindConflict, "job %s already %s", jobID, job.Status)
	}

	r.mu.Lock()
	cancel, live := r.cancels[jobID]
	r.mu.Unlock()
	if live {
		cancel()
		return nil
	}

	// No in-process handle: a leftover row from a previous process.
	status := metastore.JobCancelled
	return r.meta.UpdateJob(ctx, jobID, metastore.JobPatch{Status: &status})
}

// Shutdown cancels everything and waits for workers to drain, bounded
// by ctx.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.baseStop()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(errors.KindTimeout, "job runner shutdown", ctx.Err())
	}
}
