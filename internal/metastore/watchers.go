package metastore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scopehq/contextmcp/internal/errors"
)

// Watcher is an active automatic-sync subscription.
type Watcher struct {
	ID         string
	Project    string
	Dataset    string
	Path       string
	StartedAt  time.Time
	LastSyncAt *time.Time
	SyncCount  int64
}

// CreateWatcher registers a watcher. A second watcher on the same
// (project, dataset, path) is rejected with AlreadyWatching.
func (s *Store) CreateWatcher(ctx context.Context, project, dataset, path string) (*Watcher, error) {
	w := &Watcher{
		ID:        uuid.NewString(),
		Project:   project,
		Dataset:   dataset,
		Path:      path,
		StartedAt: time.UnixMilli(nowMillis()),
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO watchers (id, project, dataset, path, started_at)
			VALUES (?, ?, ?, ?, ?)`,
			w.ID, w.Project, w.Dataset, w.Path, w.StartedAt.UnixMilli())
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE") {
				return errors.Newf(errors.KindAlreadyWatching,
					"already watching %s for %s/%s", path, project, dataset)
			}
			return errors.Wrap(errors.KindIO, "insert watcher", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// DeleteWatcher removes a watcher by id.
func (s *Store) DeleteWatcher(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM watchers WHERE id = ?`, id)
		if err != nil {
			return errors.Wrap(errors.KindIO, "delete watcher", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.New(errors.KindNotFound, "watcher not found").WithResource(id)
		}
		return nil
	})
}

// TouchWatcher records a completed sync pass.
func (s *Store) TouchWatcher(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE watchers SET last_sync_at = ?, sync_count = sync_count + 1 WHERE id = ?`,
			nowMillis(), id)
		if err != nil {
			return errors.Wrap(errors.KindIO, "touch watcher", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.New(errors.KindNotFound, "watcher not found").WithResource(id)
		}
		return nil
	})
}

// ListWatchers returns watchers, optionally narrowed to a project.
func (s *Store) ListWatchers(ctx context.Context, project string) ([]Watcher, error) {
	query := `SELECT id, project, dataset, path, started_at, last_sync_at, sync_count FROM watchers`
	var args []any
	if project != "" {
		query += ` WHERE project = ?`
		args = append(args, project)
	}
	query += ` ORDER BY started_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "list watchers", err)
	}
	defer rows.Close()

	var out []Watcher
	for rows.Next() {
		var w Watcher
		var started int64
		var last sql.NullInt64
		if err := rows.Scan(&w.ID, &w.Project, &w.Dataset, &w.Path, &started, &last, &w.SyncCount); err != nil {
			return nil, errors.Wrap(errors.KindIO, "scan watcher", err)
		}
		w.StartedAt = time.UnixMilli(started)
		w.LastSyncAt = millisToTime(last)
		out = append(out, w)
	}
	return out, rows.Err()
}

// Share permissions, ordered by strength.
const (
	PermissionRead  = "read"
	PermissionWrite = "write"
	PermissionOwner = "owner"
)

// Share is an explicit cross-project grant.
type Share struct {
	OwnerProject   string
	GranteeProject string
	Permission     string
	CreatedAt      time.Time
}

// CreateShare grants the grantee project access to the owner's datasets.
// Re-granting updates the permission.
func (s *Store) CreateShare(ctx context.Context, owner, grantee, permission string) error {
	switch permission {
	case PermissionRead, PermissionWrite, PermissionOwner:
	default:
		return errors.Newf(errors.KindValidation, "unknown permission %q", permission)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO shares (owner_project, grantee_project, permission, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(owner_project, grantee_project) DO UPDATE SET permission = excluded.permission`,
			owner, grantee, permission, nowMillis())
		if err != nil {
			return errors.Wrap(errors.KindIO, "insert share", err)
		}
		return nil
	})
}

// DeleteShare revokes a grant. Subsequent access-set resolutions stop
// seeing the owner's datasets immediately.
func (s *Store) DeleteShare(ctx context.Context, owner, grantee string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM shares WHERE owner_project = ? AND grantee_project = ?`, owner, grantee)
		if err != nil {
			return errors.Wrap(errors.KindIO, "delete share", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.New(errors.KindNotFound, "share not found").WithResource(owner + "→" + grantee)
		}
		return nil
	})
}

// ListShares returns grants where the project is owner or grantee.
func (s *Store) ListShares(ctx context.Context, project string) ([]Share, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner_project, grantee_project, permission, created_at
		FROM shares WHERE owner_project = ? OR grantee_project = ?
		ORDER BY created_at`, project, project)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "list shares", err)
	}
	defer rows.Close()

	var out []Share
	for rows.Next() {
		var sh Share
		var created int64
		if err := rows.Scan(&sh.OwnerProject, &sh.GranteeProject, &sh.Permission, &created); err != nil {
			return nil, errors.Wrap(errors.KindIO, "scan share", err)
		}
		sh.CreatedAt = time.UnixMilli(created)
		out = append(out, sh)
	}
	return out, rows.Err()
}

// grantingProjects returns the projects that granted grantee at least
// read access.
func (s *Store) grantingProjects(ctx context.Context, grantee string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT owner_project FROM shares WHERE grantee_project = ?`, grantee)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "list shares", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var o string
		if err := rows.Scan(&o); err != nil {
			return nil, errors.Wrap(errors.KindIO, "scan share", err)
		}
		owners = append(owners, o)
	}
	return owners, rows.Err()
}
