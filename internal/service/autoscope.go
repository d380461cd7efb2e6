package service

import (
	"net/url"
	"path/filepath"
	"strings"

	"github.com/scopehq/contextmcp/internal/errors"
	"github.com/scopehq/contextmcp/internal/scope"
)

// Source kinds accepted by AutoScope.
const (
	SourceLocal = "local"
	SourceGit   = "git"
	SourceWeb   = "web"
)

// AutoScopeResult is the derived scope for an unscoped ingest.
type AutoScopeResult struct {
	ProjectID   string `json:"projectId"`
	ProjectName string `json:"projectName"`
	DatasetName string `json:"datasetName"`
}

// AutoScope derives a (project, dataset) for a source when the caller
// supplied neither. The persisted defaults win for the project; without
// them the project comes from the source itself (directory base name,
// repository name, or URL host). The dataset is the identifier when
// given, otherwise a per-kind convention: "code" for local trees, the
// repository name for git, the domain for web.
func (s *Service) AutoScope(path, sourceKind, identifier string) (AutoScopeResult, error) {
	d, err := s.defaults.load()
	if err != nil {
		return AutoScopeResult{}, err
	}

	var project, dataset string
	switch sourceKind {
	case SourceLocal:
		abs, err := absDir(path)
		if err != nil {
			return AutoScopeResult{}, err
		}
		project = scope.Sanitize(filepath.Base(abs))
		dataset = "code"
	case SourceGit:
		if identifier == "" {
			identifier = path
		}
		name := repoName(identifier)
		if name == "" {
			return AutoScopeResult{}, errors.Newf(errors.KindValidation,
				"cannot derive a scope from repository %q", identifier)
		}
		project = name
		dataset = name
	case SourceWeb:
		if identifier == "" {
			identifier = path
		}
		host := urlHost(identifier)
		if host == "" {
			return AutoScopeResult{}, errors.Newf(errors.KindValidation,
				"cannot derive a scope from url %q", identifier)
		}
		project = host
		dataset = host
	default:
		return AutoScopeResult{}, errors.Newf(errors.KindValidation,
			"unknown source kind %q (want local, git, or web)", sourceKind)
	}

	if d.Project != "" {
		project = d.Project
	}
	if identifier != "" && sourceKind == SourceLocal {
		dataset = scope.Sanitize(identifier)
	}
	if err := scope.Validate(project); err != nil {
		return AutoScopeResult{}, err
	}
	if err := scope.Validate(dataset); err != nil {
		return AutoScopeResult{}, err
	}

	return AutoScopeResult{
		ProjectID:   scope.ProjectID(project),
		ProjectName: scope.Sanitize(project),
		DatasetName: scope.Sanitize(dataset),
	}, nil
}

// repoName extracts the repository base name from a clone URL or path:
// "https://host/org/repo.git" and "git@host:org/repo" both yield "repo".
func repoName(repo string) string {
	repo = strings.TrimSuffix(repo, "/")
	repo = strings.TrimSuffix(repo, ".git")
	if i := strings.LastIndexAny(repo, "/:"); i >= 0 {
		repo = repo[i+1:]
	}
	return scope.Sanitize(repo)
}

// urlHost extracts the host of a URL, dropping a leading "www.".
func urlHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	host := u.Hostname()
	host = strings.TrimPrefix(host, "www.")
	return scope.Sanitize(host)
}
