package metastore

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/scopehq/contextmcp/internal/errors"
)

// Job statuses. Transitions are monotonic: pending -> running ->
// {completed, failed}; cancellation is allowed from pending or running
// and is terminal like the others.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// Job is a durable record of a long-running ingest.
type Job struct {
	ID             string
	Project        string
	Dataset        string
	SourceType     string // local, git, crawl
	Source         string
	Status         string
	Summary        string
	Progress       int // 0..100
	ProcessedFiles int
	TotalFiles     int
	Error          string
	CreatedAt      time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
}

var validTransitions = map[string]map[string]bool{
	JobPending: {JobRunning: true, JobCancelled: true, JobFailed: true},
	JobRunning: {JobCompleted: true, JobFailed: true, JobCancelled: true},
}

// CreateJob records a new pending job and returns it with a fresh id.
func (s *Store) CreateJob(ctx context.Context, project, dataset, sourceType, source string) (*Job, error) {
	job := &Job{
		ID:         uuid.NewString(),
		Project:    project,
		Dataset:    dataset,
		SourceType: sourceType,
		Source:     source,
		Status:     JobPending,
		CreatedAt:  time.UnixMilli(nowMillis()),
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ingestion_jobs (id, project, dataset, source_type, source, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			job.ID, job.Project, job.Dataset, job.SourceType, job.Source, job.Status, job.CreatedAt.UnixMilli())
		if err != nil {
			return errors.Wrap(errors.KindIO, "insert job", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// JobPatch is a partial job update. Nil fields are left unchanged.
type JobPatch struct {
	Status         *string
	Summary        *string
	Progress       *int
	ProcessedFiles *int
	TotalFiles     *int
	Error          *string
}

// UpdateJob applies a patch. Status changes are validated against the
// state machine inside the same transaction that reads the current row,
// so a completed or failed job can never re-transition.
func (s *Store) UpdateJob(ctx context.Context, id string, patch JobPatch) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM ingestion_jobs WHERE id = ?`, id).Scan(&current)
		if err == sql.ErrNoRows {
			return errors.New(errors.KindNotFound, "job not found").WithResource(id)
		}
		if err != nil {
			return errors.Wrap(errors.KindIO, "read job status", err)
		}

		if patch.Status != nil && *patch.Status != current {
			if !validTransitions[current][*patch.Status] {
				return errors.Newf(errors.KindConflict, "job cannot transition from %s to %s", current, *patch.Status).
					WithResource(id)
			}
		}

		set := ""
		var args []any
		add := func(col string, v any) {
			if set != "" {
				set += ", "
			}
			set += col + " = ?"
			args = append(args, v)
		}
		if patch.Status != nil {
			add("status", *patch.Status)
			switch *patch.Status {
			case JobRunning:
				add("started_at", nowMillis())
			case JobCompleted, JobFailed, JobCancelled:
				add("finished_at", nowMillis())
			}
		}
		if patch.Summary != nil {
			add("summary", *patch.Summary)
		}
		if patch.Progress != nil {
			add("progress", *patch.Progress)
		}
		if patch.ProcessedFiles != nil {
			add("processed_files", *patch.ProcessedFiles)
		}
		if patch.TotalFiles != nil {
			add("total_files", *patch.TotalFiles)
		}
		if patch.Error != nil {
			add("error", *patch.Error)
		}
		if set == "" {
			return nil
		}

		args = append(args, id)
		if _, err := tx.ExecContext(ctx, `UPDATE ingestion_jobs SET `+set+` WHERE id = ?`, args...); err != nil {
			return errors.Wrap(errors.KindIO, "update job", err)
		}
		return nil
	})
}

// GetJob returns one job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	jobs, err := s.queryJobs(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, errors.New(errors.KindNotFound, "job not found").WithResource(id)
	}
	return &jobs[0], nil
}

// ListJobs returns a project's jobs, newest first. An empty project
// returns all jobs.
func (s *Store) ListJobs(ctx context.Context, project string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	if project == "" {
		return s.queryJobs(ctx, `ORDER BY created_at DESC LIMIT ?`, limit)
	}
	return s.queryJobs(ctx, `WHERE project = ? ORDER BY created_at DESC LIMIT ?`, project, limit)
}

func (s *Store) queryJobs(ctx context.Context, clause string, args ...any) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project, dataset, source_type, source, status, summary,
		       progress, processed_files, total_files, error, created_at, started_at, finished_at
		FROM ingestion_jobs `+clause, args...)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "list jobs", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var j Job
		var created int64
		var started, finished sql.NullInt64
		if err := rows.Scan(&j.ID, &j.Project, &j.Dataset, &j.SourceType, &j.Source, &j.Status, &j.Summary,
			&j.Progress, &j.ProcessedFiles, &j.TotalFiles, &j.Error, &created, &started, &finished); err != nil {
			return nil, errors.Wrap(errors.KindIO, "scan job", err)
		}
		j.CreatedAt = time.UnixMilli(created)
		j.StartedAt = millisToTime(started)
		j.FinishedAt = millisToTime(finished)
		out = append(out, j)
	}
	return out, rows.Err()
}
