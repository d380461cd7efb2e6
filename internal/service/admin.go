package service

import (
	"context"
	"path/filepath"
	"time"

	"github.com/scopehq/contextmcp/internal/errors"
	"github.com/scopehq/contextmcp/internal/metastore"
	"github.com/scopehq/contextmcp/internal/scope"
)

// DatasetStats summarizes one indexed dataset.
type DatasetStats struct {
	Dataset       string     `json:"dataset"`
	Collection    string     `json:"collection"`
	Backend       string     `json:"backend"`
	Dimension     int        `json:"dimension"`
	IsHybrid      bool       `json:"isHybrid"`
	IsGlobal      bool       `json:"isGlobal"`
	PointCount    int64      `json:"pointCount"`
	ChunkCount    int64      `json:"chunkCount"`
	PageCount     int        `json:"pageCount"`
	LastIndexedAt *time.Time `json:"lastIndexedAt,omitempty"`
}

// ProjectStats is the stats report for one project.
type ProjectStats struct {
	Project  string         `json:"project"`
	Datasets []DatasetStats `json:"datasets"`
}

// Stats reports per-dataset index state for a project.
func (s *Service) Stats(ctx context.Context, project string) (*ProjectStats, error) {
	project, err := s.projectOrDefault(project)
	if err != nil {
		return nil, err
	}
	p, err := s.meta.GetProject(ctx, project)
	if err != nil {
		return nil, err
	}
	datasets, err := s.meta.ListDatasets(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	out := &ProjectStats{Project: p.Name, Datasets: []DatasetStats{}}
	for _, d := range datasets {
		stats := DatasetStats{Dataset: d.Name, IsGlobal: d.IsGlobal}

		binding, err := s.meta.GetBinding(ctx, d.ID, metastore.BackendLocal)
		switch {
		case errors.IsKind(err, errors.KindNotFound):
			// Dataset exists but was never indexed.
		case err != nil:
			return nil, err
		default:
			stats.Collection = binding.CollectionName
			stats.Backend = binding.Backend
			stats.Dimension = binding.Dimension
			stats.IsHybrid = binding.IsHybrid
			stats.PointCount = binding.PointCount
			stats.LastIndexedAt = binding.LastIndexedAt
		}

		if stats.ChunkCount, err = s.meta.CountChunks(ctx, d.ID); err != nil {
			return nil, err
		}
		pages, err := s.meta.ListWebPages(ctx, d.ID, 0)
		if err != nil {
			return nil, err
		}
		stats.PageCount = len(pages)
		out.Datasets = append(out.Datasets, stats)
	}
	return out, nil
}

// ScopeInfo is one entry of a scope listing.
type ScopeInfo struct {
	Project    string `json:"project"`
	Dataset    string `json:"dataset"`
	Collection string `json:"collection"`
	IsGlobal   bool   `json:"isGlobal"`
	Indexed    bool   `json:"indexed"`
}

// ListScopes lists a project's datasets with their collection names.
func (s *Service) ListScopes(ctx context.Context, project string) ([]ScopeInfo, error) {
	project, err := s.projectOrDefault(project)
	if err != nil {
		return nil, err
	}
	p, err := s.meta.GetProject(ctx, project)
	if err != nil {
		return nil, err
	}
	datasets, err := s.meta.ListDatasets(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	out := make([]ScopeInfo, 0, len(datasets))
	for _, d := range datasets {
		info := ScopeInfo{
			Project:    p.Name,
			Dataset:    d.Name,
			Collection: scope.CollectionName(p.Name, d.Name),
			IsGlobal:   d.IsGlobal,
		}
		if _, err := s.meta.GetBinding(ctx, d.ID, metastore.BackendLocal); err == nil {
			info.Indexed = true
		} else if !errors.IsKind(err, errors.KindNotFound) {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// History returns a project's ingest jobs, newest first.
func (s *Service) History(ctx context.Context, project string, limit int) ([]metastore.Job, error) {
	project, err := s.projectOrDefault(project)
	if err != nil {
		return nil, err
	}
	return s.runner.List(ctx, project, limit)
}

// ClearRequest removes indexed data. An empty dataset clears the whole
// project.
type ClearRequest struct {
	Project string
	Dataset string
	DryRun  bool
}

// ClearResult lists what was (or would be) removed.
type ClearResult struct {
	Collections        []string `json:"collections"`
	CollectionsDeleted int      `json:"collectionsDeleted"`
	DryRun             bool     `json:"dryRun"`
}

// Clear drops collections and their metadata. DryRun reports the plan
// without deleting anything.
func (s *Service) Clear(ctx context.Context, req ClearRequest) (*ClearResult, error) {
	project, err := s.projectOrDefault(req.Project)
	if err != nil {
		return nil, err
	}
	p, err := s.meta.GetProject(ctx, project)
	if err != nil {
		return nil, err
	}

	datasets, err := s.meta.ListDatasets(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if req.Dataset != "" {
		name := scope.Sanitize(req.Dataset)
		var narrowed []metastore.Dataset
		for _, d := range datasets {
			if d.Name == name {
				narrowed = append(narrowed, d)
			}
		}
		if len(narrowed) == 0 {
			return nil, errors.Newf(errors.KindNotFound, "dataset %q not found in project %q", req.Dataset, p.Name)
		}
		datasets = narrowed
	}

	res := &ClearResult{Collections: []string{}, DryRun: req.DryRun}
	for _, d := range datasets {
		collection := scope.CollectionName(p.Name, d.Name)
		res.Collections = append(res.Collections, collection)
		if req.DryRun {
			continue
		}

		exists, err := s.index.HasCollection(ctx, collection)
		if err != nil {
			return nil, err
		}
		if exists {
			if err := s.index.DropCollection(ctx, collection); err != nil {
				return nil, err
			}
		}
		if err := s.meta.DeleteDataset(ctx, d.ID); err != nil {
			return nil, err
		}
		res.CollectionsDeleted++
	}

	// Clearing the last dataset of a project removes the project row too.
	if !req.DryRun && req.Dataset == "" {
		if err := s.meta.DeleteProject(ctx, p.Name); err != nil && !errors.IsKind(err, errors.KindNotFound) {
			return nil, err
		}
	}
	return res, nil
}

// StatusReport describes current index and watch state for a scope.
type StatusReport struct {
	Project  string         `json:"project"`
	Datasets []DatasetStats `json:"datasets"`
	Watchers []WatcherInfo  `json:"watchers"`
	Jobs     []JobInfo      `json:"jobs"`
}

// Status reports index freshness, active watchers, and live jobs. Path,
// when given, narrows the watcher listing to that root.
func (s *Service) Status(ctx context.Context, project, dataset, path string) (*StatusReport, error) {
	stats, err := s.Stats(ctx, project)
	if err != nil {
		return nil, err
	}
	if dataset != "" {
		name := scope.Sanitize(dataset)
		var narrowed []DatasetStats
		for _, d := range stats.Datasets {
			if d.Dataset == name {
				narrowed = append(narrowed, d)
			}
		}
		stats.Datasets = narrowed
	}

	report := &StatusReport{
		Project:  stats.Project,
		Datasets: stats.Datasets,
		Watchers: []WatcherInfo{},
		Jobs:     []JobInfo{},
	}

	watchers, err := s.watches.List(ctx, stats.Project)
	if err != nil {
		return nil, err
	}
	for _, w := range watchers {
		if path != "" && filepath.Clean(w.Path) != filepath.Clean(path) {
			continue
		}
		report.Watchers = append(report.Watchers, watcherInfo(w))
	}

	jobs, err := s.runner.List(ctx, stats.Project, 20)
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		if j.Status == metastore.JobPending || j.Status == metastore.JobRunning {
			report.Jobs = append(report.Jobs, jobInfo(j))
		}
	}
	return report, nil
}

// JobInfo is the wire shape of a job.
type JobInfo struct {
	ID             string     `json:"id"`
	Project        string     `json:"project"`
	Dataset        string     `json:"dataset"`
	SourceType     string     `json:"sourceType"`
	Source         string     `json:"source"`
	Status         string     `json:"status"`
	Summary        string     `json:"summary,omitempty"`
	Progress       int        `json:"progress"`
	ProcessedFiles int        `json:"processedFiles"`
	TotalFiles     int        `json:"totalFiles"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
}

func jobInfo(j metastore.Job) JobInfo {
	return JobInfo{
		ID: j.ID, Project: j.Project, Dataset: j.Dataset,
		SourceType: j.SourceType, Source: j.Source, Status: j.Status,
		Summary: j.Summary, Progress: j.Progress,
		ProcessedFiles: j.ProcessedFiles, TotalFiles: j.TotalFiles,
		Error: j.Error, CreatedAt: j.CreatedAt,
		StartedAt: j.StartedAt, FinishedAt: j.FinishedAt,
	}
}

// JobGet returns one job's durable state.
func (s *Service) JobGet(ctx context.Context, jobID string) (*JobInfo, error) {
	job, err := s.runner.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	info := jobInfo(*job)
	return &info, nil
}

// JobCancel requests cooperative cancellation of a job.
func (s *Service) JobCancel(ctx context.Context, jobID string) error {
	return s.runner.Cancel(ctx, jobID)
}

// WatcherInfo is the wire shape of a watcher.
type WatcherInfo struct {
	ID         string     `json:"id"`
	Project    string     `json:"project"`
	Dataset    string     `json:"dataset"`
	Path       string     `json:"path"`
	StartedAt  time.Time  `json:"startedAt"`
	LastSyncAt *time.Time `json:"lastSyncAt,omitempty"`
	SyncCount  int64      `json:"syncCount"`
}

func watcherInfo(w metastore.Watcher) WatcherInfo {
	return WatcherInfo{
		ID: w.ID, Project: w.Project, Dataset: w.Dataset, Path: w.Path,
		StartedAt: w.StartedAt, LastSyncAt: w.LastSyncAt, SyncCount: w.SyncCount,
	}
}

// WatchersList returns active watchers, optionally narrowed to a
// project.
func (s *Service) WatchersList(ctx context.Context, project string) ([]WatcherInfo, error) {
	watchers, err := s.watches.List(ctx, project)
	if err != nil {
		return nil, err
	}
	out := make([]WatcherInfo, len(watchers))
	for i, w := range watchers {
		out[i] = watcherInfo(w)
	}
	return out, nil
}

// Share grants another project read access to this project's datasets.
func (s *Service) Share(ctx context.Context, owner, grantee, permission string) error {
	if permission == "" {
		permission = metastore.PermissionRead
	}
	return s.meta.CreateShare(ctx, scope.Sanitize(owner), scope.Sanitize(grantee), permission)
}

// Unshare revokes a grant.
func (s *Service) Unshare(ctx context.Context, owner, grantee string) error {
	return s.meta.DeleteShare(ctx, scope.Sanitize(owner), scope.Sanitize(grantee))
}

// Shares lists grants involving a project.
func (s *Service) Shares(ctx context.Context, project string) ([]metastore.Share, error) {
	return s.meta.ListShares(ctx, scope.Sanitize(project))
}

func (s *Service) projectOrDefault(project string) (string, error) {
	if project != "" {
		return project, nil
	}
	d, err := s.defaults.load()
	if err != nil {
		return "", err
	}
	if d.Project == "" {
		return "", errors.New(errors.KindValidation,
			"project is required: pass it explicitly or set defaults first")
	}
	return d.Project, nil
}
