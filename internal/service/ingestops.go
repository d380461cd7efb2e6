package service

import (
	"context"
	"net/url"
	"path/filepath"

	"github.com/scopehq/contextmcp/internal/errors"
	"github.com/scopehq/contextmcp/internal/ingest"
	"github.com/scopehq/contextmcp/internal/metastore"
	"github.com/scopehq/contextmcp/internal/syncer"
	"github.com/scopehq/contextmcp/internal/watcher"
)

// IngestOutcome is the result of an ingestion operation: always the job
// id, plus the run result when the caller waited for completion.
type IngestOutcome struct {
	JobID  string         `json:"jobId"`
	Result *ingest.Result `json:"result,omitempty"`
}

// effectiveScope resolves project/dataset: explicit values win, then the
// persisted defaults, then the per-kind derivation AutoScope uses.
func (s *Service) effectiveScope(project, dataset, kind, source string) (string, string, error) {
	if project == "" || dataset == "" {
		d, err := s.defaults.load()
		if err != nil {
			return "", "", err
		}
		if project == "" {
			project = d.Project
		}
		if dataset == "" {
			dataset = d.Dataset
		}
	}
	if project == "" || dataset == "" {
		auto, err := s.AutoScope(source, kind, "")
		if err != nil {
			return "", "", err
		}
		if project == "" {
			project = auto.ProjectName
		}
		if dataset == "" {
			dataset = auto.DatasetName
		}
	}
	return project, dataset, nil
}

// IndexLocalRequest ingests a directory tree.
type IndexLocalRequest struct {
	Path    string
	Project string
	Dataset string

	// Git provenance recorded on every chunk, when known.
	Repo   string
	Branch string
	Commit string

	Force bool
	// Async schedules the run as a background job and returns its id
	// immediately. The default waits and returns the run result.
	Async    bool
	Progress ingest.ProgressFunc
}

// IndexLocal ingests a local directory.
func (s *Service) IndexLocal(ctx context.Context, req IndexLocalRequest) (*IngestOutcome, error) {
	abs, err := absDir(req.Path)
	if err != nil {
		return nil, err
	}
	project, dataset, err := s.effectiveScope(req.Project, req.Dataset, SourceLocal, abs)
	if err != nil {
		return nil, err
	}

	source := &ingest.LocalSource{
		Root:    abs,
		Opts:    s.walkOptions(),
		Workers: s.cfg.Sync.HashWorkers,
		Repo:    req.Repo,
		Branch:  req.Branch,
		Commit:  req.Commit,
	}
	return s.runIngest(ctx, project, dataset, "local", abs, source, req.Force, req.Async, req.Progress)
}

// IndexGitRequest ingests a git repository via shallow clone.
type IndexGitRequest struct {
	Repo    string
	Branch  string
	Project string
	Dataset string
	Force   bool
	// WaitForCompletion runs synchronously; the default schedules a job.
	WaitForCompletion bool
	Progress          ingest.ProgressFunc
}

// IndexGit clones and ingests a repository.
func (s *Service) IndexGit(ctx context.Context, req IndexGitRequest) (*IngestOutcome, error) {
	if req.Repo == "" {
		return nil, errors.New(errors.KindValidation, "repo is required")
	}
	project, dataset, err := s.effectiveScope(req.Project, req.Dataset, SourceGit, req.Repo)
	if err != nil {
		return nil, err
	}

	source := &ingest.GitSource{
		Repo:   req.Repo,
		Branch: req.Branch,
		Opts:   s.walkOptions(),
	}
	return s.runIngest(ctx, project, dataset, "git", req.Repo, source, req.Force, !req.WaitForCompletion, req.Progress)
}

// CrawlIngestRequest crawls a site and ingests the extracted pages.
type CrawlIngestRequest struct {
	URL       string
	CrawlType string
	MaxPages  int
	Depth     int
	Project   string
	Dataset   string
	Force     bool
	// WaitForCompletion runs synchronously; the default schedules a job.
	WaitForCompletion bool
	Progress          ingest.ProgressFunc
}

// Crawl produces pages through the configured crawler, persists them,
// and ingests their content. Pages are upserted before chunking so every
// chunk can back-reference its page row.
func (s *Service) Crawl(ctx context.Context, req CrawlIngestRequest) (*IngestOutcome, error) {
	if s.crawler == nil {
		return nil, errors.New(errors.KindValidation, "no crawler endpoint configured")
	}
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, errors.Newf(errors.KindValidation, "illegal url %q", req.URL)
	}
	project, dataset, err := s.effectiveScope(req.Project, req.Dataset, SourceWeb, req.URL)
	if err != nil {
		return nil, err
	}

	crawlType := req.CrawlType
	if crawlType == "" {
		crawlType = "single"
	}
	pages, err := s.crawler.Produce(ctx, CrawlRequest{
		URL:       req.URL,
		CrawlType: crawlType,
		MaxPages:  req.MaxPages,
		Depth:     req.Depth,
	})
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, errors.New(errors.KindNotFound, "crawl produced no pages").WithResource(req.URL)
	}

	// Pages are durable before any chunk references them.
	p, err := s.meta.GetOrCreateProject(ctx, project)
	if err != nil {
		return nil, err
	}
	d, err := s.meta.GetOrCreateDataset(ctx, p, dataset)
	if err != nil {
		return nil, err
	}

	docs := make([]ingest.Document, 0, len(pages))
	for _, page := range pages {
		domain := page.Domain
		if domain == "" {
			if pu, err := url.Parse(page.URL); err == nil {
				domain = pu.Hostname()
			}
		}
		row, err := s.meta.UpsertWebPage(ctx, metastore.WebPage{
			DatasetID: d.ID,
			URL:       page.URL,
			Title:     page.Title,
			Domain:    domain,
			Content:   page.Content,
			Status:    "crawled",
		})
		if err != nil {
			return nil, err
		}
		docs = append(docs, ingest.Document{
			SourceKey: page.URL,
			Content:   []byte(page.Content),
			URL:       page.URL,
			PageID:    row.ID,
			Title:     page.Title,
		})
	}

	source := &ingest.PageSource{Label: req.URL, Pages: docs}
	return s.runIngest(ctx, project, dataset, "crawl", req.URL, source, req.Force, !req.WaitForCompletion, req.Progress)
}

// sourceCleanup releases scratch state a source may hold after its run,
// such as the git shallow-clone directory.
func sourceCleanup(source ingest.Source) {
	if c, ok := source.(interface{ Cleanup() }); ok {
		c.Cleanup()
	}
}

// runIngest executes or schedules one ingest run with a durable job row
// either way, so history shows synchronous runs too.
func (s *Service) runIngest(ctx context.Context, project, dataset, kind, sourceDesc string, source ingest.Source, force, async bool, progress ingest.ProgressFunc) (*IngestOutcome, error) {
	if async {
		job, err := s.runner.Start(ctx, project, dataset, kind, sourceDesc, func(jobCtx context.Context, jobID string) error {
			defer sourceCleanup(source)
			_, err := s.ingestor.Run(jobCtx, ingest.Request{
				Project:  project,
				Dataset:  dataset,
				Source:   source,
				Force:    force,
				JobID:    jobID,
				Progress: progress,
			})
			return err
		})
		if err != nil {
			return nil, err
		}
		return &IngestOutcome{JobID: job.ID}, nil
	}
	defer sourceCleanup(source)

	job, err := s.meta.CreateJob(ctx, project, dataset, kind, sourceDesc)
	if err != nil {
		return nil, err
	}
	res, err := s.ingestor.Run(ctx, ingest.Request{
		Project:  project,
		Dataset:  dataset,
		Source:   source,
		Force:    force,
		JobID:    job.ID,
		Progress: progress,
	})
	if err != nil {
		return nil, err
	}
	return &IngestOutcome{JobID: job.ID, Result: res}, nil
}

// SyncRequest reconciles an indexed dataset with its on-disk tree.
type SyncRequest struct {
	Path    string
	Project string
	Dataset string
}

// SyncLocal runs one incremental sync.
func (s *Service) SyncLocal(ctx context.Context, req SyncRequest) (*syncer.Result, error) {
	abs, err := absDir(req.Path)
	if err != nil {
		return nil, err
	}
	project, dataset, err := s.effectiveScope(req.Project, req.Dataset, SourceLocal, abs)
	if err != nil {
		return nil, err
	}
	return s.syncer.Sync(ctx, syncer.Request{
		Project: project,
		Dataset: dataset,
		Root:    abs,
		Walk:    s.walkOptions(),
	})
}

// WatchLocal starts continuous sync for a directory and returns the
// durable watcher record.
func (s *Service) WatchLocal(ctx context.Context, req SyncRequest) (*metastore.Watcher, error) {
	abs, err := absDir(req.Path)
	if err != nil {
		return nil, err
	}
	project, dataset, err := s.effectiveScope(req.Project, req.Dataset, SourceLocal, abs)
	if err != nil {
		return nil, err
	}
	return s.watches.Start(ctx, syncer.Request{
		Project: project,
		Dataset: dataset,
		Root:    abs,
		Walk:    s.walkOptions(),
	}, watcher.Options{
		DebounceWindow: s.cfg.Sync.DebounceWindow,
		IgnorePatterns: s.cfg.Ingest.ExcludePatterns,
	})
}

// StopWatching ends a watch identified by watcher id or by watched path.
func (s *Service) StopWatching(ctx context.Context, ref, project string) error {
	if ref == "" {
		return errors.New(errors.KindValidation, "watcher id or path is required")
	}

	if !filepath.IsAbs(ref) {
		return s.watches.Stop(ctx, ref)
	}

	abs := filepath.Clean(ref)
	watchers, err := s.watches.List(ctx, project)
	if err != nil {
		return err
	}
	for _, w := range watchers {
		if filepath.Clean(w.Path) == abs {
			return s.watches.Stop(ctx, w.ID)
		}
	}
	return errors.New(errors.KindNotFound, "no watcher on path").WithResource(abs)
}
