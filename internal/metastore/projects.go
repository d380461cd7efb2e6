package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/scopehq/contextmcp/internal/errors"
	"github.com/scopehq/contextmcp/internal/scope"
)

// Project is a knowledge island: the outer retrieval boundary.
type Project struct {
	ID          string
	Name        string
	Description string
	Owner       string
	IsGlobal    bool
	Metadata    map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Dataset is a named partition within a project.
type Dataset struct {
	ID          string
	ProjectID   string
	Name        string
	Description string
	IsGlobal    bool
	Metadata    map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Binding maps a dataset to its physical vector collection.
type Binding struct {
	DatasetID      string
	CollectionName string
	Backend        string
	Dimension      int
	IsHybrid       bool
	PointCount     int64
	LastIndexedAt  *time.Time
}

func marshalMetadata(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func unmarshalMetadata(s string) map[string]any {
	m := map[string]any{}
	_ = json.Unmarshal([]byte(s), &m)
	return m
}

// GetOrCreateProject returns the project for a canonical name, creating
// it on first use. The id is a deterministic function of the name, so
// concurrent creators converge on the same row.
func (s *Store) GetOrCreateProject(ctx context.Context, name string) (*Project, error) {
	canonical := scope.Sanitize(name)
	if canonical == "" {
		return nil, errors.Newf(errors.KindValidation, "invalid project name %q", name)
	}

	now := nowMillis()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projects (id, name, created_at, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(name) DO NOTHING`,
			scope.ProjectID(canonical), canonical, now, now)
		if err != nil {
			return errors.Wrap(errors.KindIO, "insert project", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetProject(ctx, canonical)
}

// GetProject looks a project up by canonical name.
func (s *Store) GetProject(ctx context.Context, name string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, owner, is_global, metadata, created_at, updated_at
		FROM projects WHERE name = ?`, scope.Sanitize(name))
	return scanProject(row)
}

func scanProject(row *sql.Row) (*Project, error) {
	var p Project
	var meta string
	var created, updated int64
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Owner, &p.IsGlobal, &meta, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.KindNotFound, "project not found")
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "scan project", err)
	}
	p.Metadata = unmarshalMetadata(meta)
	p.CreatedAt = time.UnixMilli(created)
	p.UpdatedAt = time.UnixMilli(updated)
	return &p, nil
}

// ListProjects returns all projects ordered by name.
func (s *Store) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, owner, is_global, metadata, created_at, updated_at
		FROM projects ORDER BY name`)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "list projects", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var p Project
		var meta string
		var created, updated int64
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Owner, &p.IsGlobal, &meta, &created, &updated); err != nil {
			return nil, errors.Wrap(errors.KindIO, "scan project", err)
		}
		p.Metadata = unmarshalMetadata(meta)
		p.CreatedAt = time.UnixMilli(created)
		p.UpdatedAt = time.UnixMilli(updated)
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteProject removes a project; datasets, bindings, chunks, and web
// pages cascade.
func (s *Store) DeleteProject(ctx context.Context, name string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE name = ?`, scope.Sanitize(name))
		if err != nil {
			return errors.Wrap(errors.KindIO, "delete project", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.New(errors.KindNotFound, "project not found").WithResource(name)
		}
		return nil
	})
}

// GetOrCreateDataset returns the dataset for (project, name), creating
// it on first ingest. Distinct raw spellings that sanitize to the same
// canonical name resolve to the same row, which is the collision rule:
// detection happens here, not at collection creation.
func (s *Store) GetOrCreateDataset(ctx context.Context, project *Project, name string) (*Dataset, error) {
	canonical := scope.Sanitize(name)
	if canonical == "" {
		return nil, errors.Newf(errors.KindValidation, "invalid dataset name %q", name)
	}

	now := nowMillis()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO datasets (id, project_id, name, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(project_id, name) DO NOTHING`,
			scope.DatasetID(project.Name, canonical), project.ID, canonical, now, now)
		if err != nil {
			return errors.Wrap(errors.KindIO, "insert dataset", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetDataset(ctx, project.ID, canonical)
}

// GetDataset looks a dataset up by canonical name within a project.
func (s *Store) GetDataset(ctx context.Context, projectID, name string) (*Dataset, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, description, is_global, metadata, created_at, updated_at
		FROM datasets WHERE project_id = ? AND name = ?`, projectID, scope.Sanitize(name))

	var d Dataset
	var meta string
	var created, updated int64
	err := row.Scan(&d.ID, &d.ProjectID, &d.Name, &d.Description, &d.IsGlobal, &meta, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.KindNotFound, "dataset not found").WithResource(name)
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "scan dataset", err)
	}
	d.Metadata = unmarshalMetadata(meta)
	d.CreatedAt = time.UnixMilli(created)
	d.UpdatedAt = time.UnixMilli(updated)
	return &d, nil
}

// ListDatasets returns a project's datasets ordered by name.
func (s *Store) ListDatasets(ctx context.Context, projectID string) ([]Dataset, error) {
	return s.queryDatasets(ctx, `WHERE project_id = ?`, projectID)
}

// SetDatasetMetadata merges one key into a dataset's metadata mapping.
func (s *Store) SetDatasetMetadata(ctx context.Context, datasetID, key string, value any) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx, `SELECT metadata FROM datasets WHERE id = ?`, datasetID).Scan(&raw)
		if err == sql.ErrNoRows {
			return errors.New(errors.KindNotFound, "dataset not found").WithResource(datasetID)
		}
		if err != nil {
			return errors.Wrap(errors.KindIO, "read dataset metadata", err)
		}
		meta := unmarshalMetadata(raw)
		meta[key] = value
		_, err = tx.ExecContext(ctx, `UPDATE datasets SET metadata = ?, updated_at = ? WHERE id = ?`,
			marshalMetadata(meta), nowMillis(), datasetID)
		if err != nil {
			return errors.Wrap(errors.KindIO, "update dataset metadata", err)
		}
		return nil
	})
}

// SetDatasetGlobal flips the global flag on a dataset.
func (s *Store) SetDatasetGlobal(ctx context.Context, datasetID string, global bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE datasets SET is_global = ?, updated_at = ? WHERE id = ?`,
			global, nowMillis(), datasetID)
		if err != nil {
			return errors.Wrap(errors.KindIO, "update dataset", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.New(errors.KindNotFound, "dataset not found").WithResource(datasetID)
		}
		return nil
	})
}

// DeleteDataset removes a dataset; chunks, pages, and bindings cascade.
func (s *Store) DeleteDataset(ctx context.Context, datasetID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM datasets WHERE id = ?`, datasetID)
		if err != nil {
			return errors.Wrap(errors.KindIO, "delete dataset", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.New(errors.KindNotFound, "dataset not found").WithResource(datasetID)
		}
		return nil
	})
}

func (s *Store) queryDatasets(ctx context.Context, where string, args ...any) ([]Dataset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, name, description, is_global, metadata, created_at, updated_at
		FROM datasets `+where+` ORDER BY name`, args...)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "list datasets", err)
	}
	defer rows.Close()

	var out []Dataset
	for rows.Next() {
		var d Dataset
		var meta string
		var created, updated int64
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Name, &d.Description, &d.IsGlobal, &meta, &created, &updated); err != nil {
			return nil, errors.Wrap(errors.KindIO, "scan dataset", err)
		}
		d.Metadata = unmarshalMetadata(meta)
		d.CreatedAt = time.UnixMilli(created)
		d.UpdatedAt = time.UnixMilli(updated)
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpsertBinding records the collection backing a dataset. One binding
// per (dataset, backend); re-upserts update dimensions and counters.
func (s *Store) UpsertBinding(ctx context.Context, b Binding) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var last any
		if b.LastIndexedAt != nil {
			last = b.LastIndexedAt.UnixMilli()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO dataset_collections
				(dataset_id, collection_name, backend, dimension, is_hybrid, point_count, last_indexed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(dataset_id, backend) DO UPDATE SET
				collection_name = excluded.collection_name,
				dimension       = excluded.dimension,
				is_hybrid       = excluded.is_hybrid,
				point_count     = excluded.point_count,
				last_indexed_at = excluded.last_indexed_at`,
			b.DatasetID, b.CollectionName, b.Backend, b.Dimension, b.IsHybrid, b.PointCount, last)
		if err != nil {
			return errors.Wrap(errors.KindIO, "upsert collection binding", err)
		}
		return nil
	})
}

// GetBinding returns the current binding for (dataset, backend).
func (s *Store) GetBinding(ctx context.Context, datasetID, backend string) (*Binding, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT dataset_id, collection_name, backend, dimension, is_hybrid, point_count, last_indexed_at
		FROM dataset_collections WHERE dataset_id = ? AND backend = ?`, datasetID, backend)

	var b Binding
	var last sql.NullInt64
	err := row.Scan(&b.DatasetID, &b.CollectionName, &b.Backend, &b.Dimension, &b.IsHybrid, &b.PointCount, &last)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.KindNotFound, "collection binding not found").WithResource(datasetID)
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "scan binding", err)
	}
	b.LastIndexedAt = millisToTime(last)
	return &b, nil
}

// UpdateBindingCount finalizes an ingest run: point count and timestamp
// move together, and only after the run succeeded.
func (s *Store) UpdateBindingCount(ctx context.Context, datasetID, backend string, pointCount int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE dataset_collections SET point_count = ?, last_indexed_at = ?
			WHERE dataset_id = ? AND backend = ?`,
			pointCount, nowMillis(), datasetID, backend)
		if err != nil {
			return errors.Wrap(errors.KindIO, "update binding count", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.New(errors.KindNotFound, "collection binding not found").WithResource(datasetID)
		}
		return nil
	})
}

// AccessibleDataset is one entry of a query's access set.
type AccessibleDataset struct {
	Dataset Dataset
	Binding *Binding
}

// AccessibleDatasets resolves the access set for a query: the project's
// own datasets (narrowed to one when named), datasets shared to the
// project with at least read permission, and globals when requested.
// Deduplicated by dataset id; datasets without a binding are skipped
// since they have no searchable collection yet.
func (s *Store) AccessibleDatasets(ctx context.Context, project string, datasets []string, includeGlobal bool) ([]AccessibleDataset, error) {
	p, err := s.GetProject(ctx, project)
	if err != nil {
		return nil, err
	}

	own, err := s.ListDatasets(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	requested := map[string]bool{}
	for _, d := range datasets {
		requested[scope.Sanitize(d)] = true
	}

	candidates := make([]Dataset, 0, len(own))
	for _, d := range own {
		if len(requested) == 0 || requested[d.Name] {
			candidates = append(candidates, d)
		}
	}
	if len(requested) > 0 && len(candidates) < len(requested) {
		found := map[string]bool{}
		for _, d := range candidates {
			found[d.Name] = true
		}
		for name := range requested {
			if !found[name] {
				return nil, errors.Newf(errors.KindNotFound, "dataset %q not found in project %q", name, p.Name)
			}
		}
	}

	// Shared-in datasets: owners that granted this project >= read.
	if len(requested) == 0 {
		owners, err := s.grantingProjects(ctx, p.Name)
		if err != nil {
			return nil, err
		}
		for _, owner := range owners {
			op, err := s.GetProject(ctx, owner)
			if err != nil {
				continue
			}
			shared, err := s.ListDatasets(ctx, op.ID)
			if err != nil {
				return nil, err
			}
			candidates = append(candidates, shared...)
		}
		if includeGlobal {
			globals, err := s.queryDatasets(ctx, `WHERE is_global = 1 AND project_id != ?`, p.ID)
			if err != nil {
				return nil, err
			}
			candidates = append(candidates, globals...)
		}
	}

	seen := map[string]bool{}
	var out []AccessibleDataset
	for _, d := range candidates {
		if seen[d.ID] {
			continue
		}
		seen[d.ID] = true
		binding, err := s.GetBinding(ctx, d.ID, BackendLocal)
		if errors.IsKind(err, errors.KindNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, AccessibleDataset{Dataset: d, Binding: binding})
	}
	return out, nil
}

// BackendLocal tags bindings created by the embedded vector backend.
const BackendLocal = "local"
