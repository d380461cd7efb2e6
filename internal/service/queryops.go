package service

import (
	"context"

	"github.com/scopehq/contextmcp/internal/query"
	"github.com/scopehq/contextmcp/internal/smart"
)

// QueryRequest is the service-level search request. A nil TopK selects
// the configured default; an explicit zero (or negative) yields an
// empty result without any index call. A zero Threshold selects the
// configured default; a negative one disables the cut.
type QueryRequest struct {
	Query         string
	Project       string
	Dataset       string
	IncludeGlobal bool
	TopK          *int
	Threshold     float64
	Repo          string
	Language      string
	PathPrefix    string
	Progress      query.ProgressFunc
}

// Query runs one hybrid search with defaults applied.
func (s *Service) Query(ctx context.Context, req QueryRequest) (*query.Response, error) {
	project, dataset, err := s.queryScope(req.Project, req.Dataset)
	if err != nil {
		return nil, err
	}
	if req.Threshold == 0 {
		req.Threshold = s.cfg.Search.Threshold
	}
	mode := query.ModeDense
	if s.cfg.Vector.Hybrid {
		mode = query.ModeHybrid
	}
	return s.queries.Run(ctx, query.Request{
		Query:         req.Query,
		Project:       project,
		Dataset:       dataset,
		IncludeGlobal: req.IncludeGlobal,
		TopK:          s.resolveTopK(req.TopK),
		Threshold:     req.Threshold,
		Mode:          mode,
		Repo:          req.Repo,
		Language:      req.Language,
		PathPrefix:    req.PathPrefix,
		Progress:      req.Progress,
	})
}

// SmartQueryRequest is the service-level smart-query request. TopK
// follows the same nil-means-default rule as QueryRequest.
type SmartQueryRequest struct {
	Query         string
	Project       string
	Dataset       string
	IncludeGlobal bool
	TopK          *int
	Threshold     float64
	Strategies    []string
	AnswerType    string
}

// SmartQuery runs LLM-enhanced retrieval with optional synthesis. With
// no LLM configured it degrades to a plain query.
func (s *Service) SmartQuery(ctx context.Context, req SmartQueryRequest) (*smart.Response, error) {
	project, dataset, err := s.queryScope(req.Project, req.Dataset)
	if err != nil {
		return nil, err
	}
	if req.Threshold == 0 {
		req.Threshold = s.cfg.Search.Threshold
	}
	return s.smarter.Run(ctx, smart.Request{
		Query:         req.Query,
		Project:       project,
		Dataset:       dataset,
		IncludeGlobal: req.IncludeGlobal,
		TopK:          s.resolveTopK(req.TopK),
		Threshold:     req.Threshold,
		Strategies:    req.Strategies,
		AnswerType:    req.AnswerType,
	})
}

// resolveTopK applies the configured default only when the caller
// omitted topK entirely. An explicit zero passes through and
// short-circuits downstream.
func (s *Service) resolveTopK(topK *int) int {
	if topK != nil {
		return *topK
	}
	if k := s.cfg.Search.TopK; k > 0 {
		return k
	}
	return query.DefaultTopK
}

// queryScope resolves the project for a query. Unlike ingest, an empty
// dataset stays empty: it widens the search to the whole access set.
func (s *Service) queryScope(project, dataset string) (string, string, error) {
	if project != "" {
		return project, dataset, nil
	}
	d, err := s.defaults.load()
	if err != nil {
		return "", "", err
	}
	if dataset == "" {
		dataset = d.Dataset
	}
	return d.Project, dataset, nil
}
