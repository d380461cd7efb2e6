package mcp

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/scopehq/contextmcp/internal/query"
	"github.com/scopehq/contextmcp/internal/service"
	"github.com/scopehq/contextmcp/internal/smart"
)

// SetDefaultsInput sets the default scope.
type SetDefaultsInput struct {
	Project string `json:"project" jsonschema:"default project name"`
	Dataset string `json:"dataset,omitempty" jsonschema:"default dataset name"`
}

// AckOutput is the empty success payload of mutation tools.
type AckOutput struct {
	OK bool `json:"ok"`
}

func (s *Server) setDefaults(_ context.Context, _ *mcp.CallToolRequest, in SetDefaultsInput) (*mcp.CallToolResult, AckOutput, error) {
	if in.Project == "" {
		return nil, AckOutput{}, InvalidParams("project is required")
	}
	if err := s.svc.SetDefaults(in.Project, in.Dataset); err != nil {
		return nil, AckOutput{}, MapError(err)
	}
	return nil, AckOutput{OK: true}, nil
}

// GetDefaultsInput has no parameters.
type GetDefaultsInput struct{}

func (s *Server) getDefaults(_ context.Context, _ *mcp.CallToolRequest, _ GetDefaultsInput) (*mcp.CallToolResult, service.Defaults, error) {
	d, err := s.svc.GetDefaults()
	if err != nil {
		return nil, service.Defaults{}, MapError(err)
	}
	return nil, d, nil
}

// AutoScopeInput derives a scope for a source.
type AutoScopeInput struct {
	Path       string `json:"path,omitempty" jsonschema:"absolute path for local sources"`
	SourceKind string `json:"source_kind" jsonschema:"one of local, git, web"`
	Identifier string `json:"identifier,omitempty" jsonschema:"repository URL, page URL, or dataset override"`
}

func (s *Server) autoScope(_ context.Context, _ *mcp.CallToolRequest, in AutoScopeInput) (*mcp.CallToolResult, service.AutoScopeResult, error) {
	res, err := s.svc.AutoScope(in.Path, in.SourceKind, in.Identifier)
	if err != nil {
		return nil, service.AutoScopeResult{}, MapError(err)
	}
	return nil, res, nil
}

// IndexLocalInput indexes a directory tree.
type IndexLocalInput struct {
	Path    string `json:"path" jsonschema:"absolute directory path"`
	Project string `json:"project,omitempty" jsonschema:"project name; defaults apply when omitted"`
	Dataset string `json:"dataset,omitempty" jsonschema:"dataset name; defaults apply when omitted"`
	Repo    string `json:"repo,omitempty" jsonschema:"repository provenance recorded on every chunk"`
	Branch  string `json:"branch,omitempty"`
	SHA     string `json:"sha,omitempty" jsonschema:"commit provenance"`
	Force   bool   `json:"force,omitempty" jsonschema:"drop and rebuild even when content is unchanged"`
	Async   bool   `json:"async,omitempty" jsonschema:"schedule as a background job and return its id"`
}

func (s *Server) indexLocal(ctx context.Context, _ *mcp.CallToolRequest, in IndexLocalInput) (*mcp.CallToolResult, service.IngestOutcome, error) {
	out, err := s.svc.IndexLocal(ctx, service.IndexLocalRequest{
		Path:    in.Path,
		Project: in.Project,
		Dataset: in.Dataset,
		Repo:    in.Repo,
		Branch:  in.Branch,
		Commit:  in.SHA,
		Force:   in.Force,
		Async:   in.Async,
	})
	if err != nil {
		return nil, service.IngestOutcome{}, MapError(err)
	}
	return nil, *out, nil
}

// IndexGitInput clones and indexes a repository.
type IndexGitInput struct {
	Repo              string `json:"repo" jsonschema:"clone URL"`
	Branch            string `json:"branch,omitempty"`
	Project           string `json:"project,omitempty"`
	Dataset           string `json:"dataset,omitempty"`
	Force             bool   `json:"force,omitempty"`
	WaitForCompletion bool   `json:"wait_for_completion,omitempty" jsonschema:"run synchronously and return the full result"`
}

func (s *Server) indexGit(ctx context.Context, _ *mcp.CallToolRequest, in IndexGitInput) (*mcp.CallToolResult, service.IngestOutcome, error) {
	out, err := s.svc.IndexGit(ctx, service.IndexGitRequest{
		Repo:              in.Repo,
		Branch:            in.Branch,
		Project:           in.Project,
		Dataset:           in.Dataset,
		Force:             in.Force,
		WaitForCompletion: in.WaitForCompletion,
	})
	if err != nil {
		return nil, service.IngestOutcome{}, MapError(err)
	}
	return nil, *out, nil
}

// CrawlInput crawls and indexes a site.
type CrawlInput struct {
	URL               string `json:"url" jsonschema:"start URL"`
	CrawlType         string `json:"crawl_type,omitempty" jsonschema:"single, sitemap, or recursive"`
	MaxPages          int    `json:"max_pages,omitempty"`
	Depth             int    `json:"depth,omitempty"`
	Project           string `json:"project,omitempty"`
	Dataset           string `json:"dataset,omitempty"`
	Force             bool   `json:"force,omitempty"`
	WaitForCompletion bool   `json:"wait_for_completion,omitempty"`
}

func (s *Server) crawl(ctx context.Context, _ *mcp.CallToolRequest, in CrawlInput) (*mcp.CallToolResult, service.IngestOutcome, error) {
	out, err := s.svc.Crawl(ctx, service.CrawlIngestRequest{
		URL:               in.URL,
		CrawlType:         in.CrawlType,
		MaxPages:          in.MaxPages,
		Depth:             in.Depth,
		Project:           in.Project,
		Dataset:           in.Dataset,
		Force:             in.Force,
		WaitForCompletion: in.WaitForCompletion,
	})
	if err != nil {
		return nil, service.IngestOutcome{}, MapError(err)
	}
	return nil, *out, nil
}

// SyncInput reconciles a dataset with its tree.
type SyncInput struct {
	Path    string `json:"path" jsonschema:"absolute directory path"`
	Project string `json:"project,omitempty"`
	Dataset string `json:"dataset,omitempty"`
}

// SyncOutput summarizes one sync pass.
type SyncOutput struct {
	Status     string `json:"status" jsonschema:"full, unchanged, or synced"`
	Added      int    `json:"added"`
	Modified   int    `json:"modified"`
	Deleted    int    `json:"deleted"`
	Renamed    int    `json:"renamed"`
	PointCount int64  `json:"pointCount"`
}

func (s *Server) sync(ctx context.Context, _ *mcp.CallToolRequest, in SyncInput) (*mcp.CallToolResult, SyncOutput, error) {
	res, err := s.svc.SyncLocal(ctx, service.SyncRequest{Path: in.Path, Project: in.Project, Dataset: in.Dataset})
	if err != nil {
		return nil, SyncOutput{}, MapError(err)
	}
	return nil, SyncOutput{
		Status:     res.Status,
		Added:      res.Added,
		Modified:   res.Modified,
		Deleted:    res.Deleted,
		Renamed:    res.Renamed,
		PointCount: res.PointCount,
	}, nil
}

func (s *Server) watch(ctx context.Context, _ *mcp.CallToolRequest, in SyncInput) (*mcp.CallToolResult, service.WatcherInfo, error) {
	w, err := s.svc.WatchLocal(ctx, service.SyncRequest{Path: in.Path, Project: in.Project, Dataset: in.Dataset})
	if err != nil {
		return nil, service.WatcherInfo{}, MapError(err)
	}
	return nil, service.WatcherInfo{
		ID: w.ID, Project: w.Project, Dataset: w.Dataset, Path: w.Path,
		StartedAt: w.StartedAt, LastSyncAt: w.LastSyncAt, SyncCount: w.SyncCount,
	}, nil
}

// StopWatchingInput identifies a watch by id or path.
type StopWatchingInput struct {
	Ref     string `json:"ref" jsonschema:"watcher id or absolute watched path"`
	Project string `json:"project,omitempty" jsonschema:"narrows path lookup"`
}

func (s *Server) stopWatching(ctx context.Context, _ *mcp.CallToolRequest, in StopWatchingInput) (*mcp.CallToolResult, AckOutput, error) {
	if err := s.svc.StopWatching(ctx, in.Ref, in.Project); err != nil {
		return nil, AckOutput{}, MapError(err)
	}
	return nil, AckOutput{OK: true}, nil
}

// QueryInput is one search request.
type QueryInput struct {
	Query         string  `json:"query" jsonschema:"natural-language search query"`
	Project       string  `json:"project,omitempty"`
	Dataset       string  `json:"dataset,omitempty" jsonschema:"narrow to one dataset; empty searches the whole access set"`
	IncludeGlobal bool    `json:"include_global,omitempty" jsonschema:"include datasets marked global"`
	TopK          *int    `json:"top_k,omitempty" jsonschema:"result count; omit for the configured default, zero for no results"`
	Threshold     float64 `json:"threshold,omitempty" jsonschema:"minimum similarity; negative disables the cut"`
	Repo          string  `json:"repo,omitempty"`
	Lang          string  `json:"lang,omitempty"`
	PathPrefix    string  `json:"path_prefix,omitempty"`
}

// HitOutput is one ranked result.
type HitOutput struct {
	ID        string  `json:"id"`
	Dataset   string  `json:"dataset"`
	Path      string  `json:"path,omitempty"`
	URL       string  `json:"url,omitempty"`
	Title     string  `json:"title,omitempty"`
	Symbol    string  `json:"symbol,omitempty"`
	Language  string  `json:"language,omitempty"`
	StartLine int     `json:"startLine,omitempty"`
	EndLine   int     `json:"endLine,omitempty"`
	Score     float64 `json:"score"`
	Content   string  `json:"content"`
}

// QueryOutput is the ranked result list.
type QueryOutput struct {
	Hits      []HitOutput `json:"hits"`
	LatencyMS int64       `json:"latencyMs"`
}

func hitOutput(h query.Hit) HitOutput {
	return HitOutput{
		ID:        h.ID,
		Dataset:   h.DatasetName,
		Path:      h.Payload.Path,
		URL:       h.Payload.URL,
		Title:     h.Payload.Title,
		Symbol:    h.Payload.Symbol,
		Language:  h.Payload.Language,
		StartLine: h.Payload.StartLine,
		EndLine:   h.Payload.EndLine,
		Score:     h.Scoring.Final,
		Content:   h.Payload.Content,
	}
}

func (s *Server) query(ctx context.Context, _ *mcp.CallToolRequest, in QueryInput) (*mcp.CallToolResult, QueryOutput, error) {
	if in.Query == "" {
		return nil, QueryOutput{}, InvalidParams("query is required")
	}
	res, err := s.svc.Query(ctx, service.QueryRequest{
		Query:         in.Query,
		Project:       in.Project,
		Dataset:       in.Dataset,
		IncludeGlobal: in.IncludeGlobal,
		TopK:          in.TopK,
		Threshold:     in.Threshold,
		Repo:          in.Repo,
		Language:      in.Lang,
		PathPrefix:    in.PathPrefix,
	})
	if err != nil {
		return nil, QueryOutput{}, MapError(err)
	}
	out := QueryOutput{Hits: make([]HitOutput, len(res.Hits)), LatencyMS: res.Latency.Milliseconds()}
	for i, h := range res.Hits {
		out.Hits[i] = hitOutput(h)
	}
	return nil, out, nil
}

// SmartQueryInput is one LLM-enhanced search request.
type SmartQueryInput struct {
	Query         string   `json:"query" jsonschema:"natural-language question"`
	Project       string   `json:"project,omitempty"`
	Dataset       string   `json:"dataset,omitempty"`
	IncludeGlobal bool     `json:"include_global,omitempty"`
	TopK          *int     `json:"top_k,omitempty" jsonschema:"result count; omit for the configured default, zero for no results"`
	Strategies    []string `json:"strategies,omitempty" jsonschema:"enhancement strategies: rewrite, hyde"`
	AnswerType    string   `json:"answer_type,omitempty" jsonschema:"text (default) or none to skip synthesis"`
}

// SmartQueryOutput carries the answer and its grounding.
type SmartQueryOutput struct {
	Answer     string           `json:"answer,omitempty"`
	Confidence float64          `json:"confidence,omitempty"`
	Citations  []smart.Citation `json:"citations,omitempty"`
	Retrievals []HitOutput      `json:"retrievals"`
	SubQueries []string         `json:"subQueries"`
	LatencyMS  int64            `json:"latencyMs"`
}

func (s *Server) smartQuery(ctx context.Context, _ *mcp.CallToolRequest, in SmartQueryInput) (*mcp.CallToolResult, SmartQueryOutput, error) {
	if in.Query == "" {
		return nil, SmartQueryOutput{}, InvalidParams("query is required")
	}
	res, err := s.svc.SmartQuery(ctx, service.SmartQueryRequest{
		Query:         in.Query,
		Project:       in.Project,
		Dataset:       in.Dataset,
		IncludeGlobal: in.IncludeGlobal,
		TopK:          in.TopK,
		Strategies:    in.Strategies,
		AnswerType:    in.AnswerType,
	})
	if err != nil {
		return nil, SmartQueryOutput{}, MapError(err)
	}
	out := SmartQueryOutput{
		Answer:     res.Answer,
		Confidence: res.Confidence,
		Citations:  res.Citations,
		Retrievals: make([]HitOutput, len(res.Retrievals)),
		SubQueries: res.SubQueries,
		LatencyMS:  res.Latency.Milliseconds(),
	}
	for i, h := range res.Retrievals {
		out.Retrievals[i] = hitOutput(h)
	}
	return nil, out, nil
}

// ProjectInput names a project; defaults apply when empty.
type ProjectInput struct {
	Project string `json:"project,omitempty"`
}

func (s *Server) stats(ctx context.Context, _ *mcp.CallToolRequest, in ProjectInput) (*mcp.CallToolResult, service.ProjectStats, error) {
	res, err := s.svc.Stats(ctx, in.Project)
	if err != nil {
		return nil, service.ProjectStats{}, MapError(err)
	}
	return nil, *res, nil
}

// ScopesOutput lists datasets and collections.
type ScopesOutput struct {
	Scopes []service.ScopeInfo `json:"scopes"`
}

func (s *Server) listScopes(ctx context.Context, _ *mcp.CallToolRequest, in ProjectInput) (*mcp.CallToolResult, ScopesOutput, error) {
	scopes, err := s.svc.ListScopes(ctx, in.Project)
	if err != nil {
		return nil, ScopesOutput{}, MapError(err)
	}
	return nil, ScopesOutput{Scopes: scopes}, nil
}

// HistoryInput lists past jobs.
type HistoryInput struct {
	Project string `json:"project,omitempty"`
	Limit   int    `json:"limit,omitempty" jsonschema:"maximum jobs returned, default 50"`
}

// HistoryOutput is the job list.
type HistoryOutput struct {
	Jobs []service.JobInfo `json:"jobs"`
}

func (s *Server) history(ctx context.Context, _ *mcp.CallToolRequest, in HistoryInput) (*mcp.CallToolResult, HistoryOutput, error) {
	jobs, err := s.svc.History(ctx, in.Project, in.Limit)
	if err != nil {
		return nil, HistoryOutput{}, MapError(err)
	}
	out := HistoryOutput{Jobs: make([]service.JobInfo, 0, len(jobs))}
	for _, j := range jobs {
		out.Jobs = append(out.Jobs, service.JobInfo{
			ID: j.ID, Project: j.Project, Dataset: j.Dataset,
			SourceType: j.SourceType, Source: j.Source, Status: j.Status,
			Summary: j.Summary, Progress: j.Progress,
			ProcessedFiles: j.ProcessedFiles, TotalFiles: j.TotalFiles,
			Error: j.Error, CreatedAt: j.CreatedAt,
			StartedAt: j.StartedAt, FinishedAt: j.FinishedAt,
		})
	}
	return nil, out, nil
}

// ClearInput removes indexed data.
type ClearInput struct {
	Project string `json:"project,omitempty"`
	Dataset string `json:"dataset,omitempty" jsonschema:"clear only this dataset; empty clears the project"`
	DryRun  bool   `json:"dry_run,omitempty" jsonschema:"report the plan without deleting"`
}

func (s *Server) clear(ctx context.Context, _ *mcp.CallToolRequest, in ClearInput) (*mcp.CallToolResult, service.ClearResult, error) {
	res, err := s.svc.Clear(ctx, service.ClearRequest{Project: in.Project, Dataset: in.Dataset, DryRun: in.DryRun})
	if err != nil {
		return nil, service.ClearResult{}, MapError(err)
	}
	return nil, *res, nil
}

// StatusInput narrows the status report.
type StatusInput struct {
	Project string `json:"project,omitempty"`
	Dataset string `json:"dataset,omitempty"`
	Path    string `json:"path,omitempty" jsonschema:"narrows the watcher listing to this root"`
}

func (s *Server) status(ctx context.Context, _ *mcp.CallToolRequest, in StatusInput) (*mcp.CallToolResult, service.StatusReport, error) {
	res, err := s.svc.Status(ctx, in.Project, in.Dataset, in.Path)
	if err != nil {
		return nil, service.StatusReport{}, MapError(err)
	}
	return nil, *res, nil
}

// JobInput names one job.
type JobInput struct {
	JobID string `json:"job_id" jsonschema:"job identifier"`
}

func (s *Server) jobGet(ctx context.Context, _ *mcp.CallToolRequest, in JobInput) (*mcp.CallToolResult, service.JobInfo, error) {
	if in.JobID == "" {
		return nil, service.JobInfo{}, InvalidParams("job_id is required")
	}
	job, err := s.svc.JobGet(ctx, in.JobID)
	if err != nil {
		return nil, service.JobInfo{}, MapError(err)
	}
	return nil, *job, nil
}

func (s *Server) jobCancel(ctx context.Context, _ *mcp.CallToolRequest, in JobInput) (*mcp.CallToolResult, AckOutput, error) {
	if in.JobID == "" {
		return nil, AckOutput{}, InvalidParams("job_id is required")
	}
	if err := s.svc.JobCancel(ctx, in.JobID); err != nil {
		return nil, AckOutput{}, MapError(err)
	}
	return nil, AckOutput{OK: true}, nil
}

// WatchersOutput lists active watchers.
type WatchersOutput struct {
	Watchers []service.WatcherInfo `json:"watchers"`
}

func (s *Server) watchersList(ctx context.Context, _ *mcp.CallToolRequest, in ProjectInput) (*mcp.CallToolResult, WatchersOutput, error) {
	watchers, err := s.svc.WatchersList(ctx, in.Project)
	if err != nil {
		return nil, WatchersOutput{}, MapError(err)
	}
	return nil, WatchersOutput{Watchers: watchers}, nil
}
