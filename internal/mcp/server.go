package mcp

import (
	"context"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/scopehq/contextmcp/internal/errors"
	"github.com/scopehq/contextmcp/internal/service"
)

// serverName and version identify the implementation to MCP clients.
const (
	serverName    = "contextmcp"
	serverVersion = "1.0.0"
)

// Server bridges MCP clients to the service layer over stdio.
type Server struct {
	mcp    *mcp.Server
	svc    *service.Service
	logger *slog.Logger
}

// NewServer creates the MCP server and registers every tool.
func NewServer(svc *service.Service) (*Server, error) {
	if svc == nil {
		return nil, errors.New(errors.KindValidation, "service is required")
	}
	s := &Server{
		svc:    svc,
		logger: slog.Default().With("component", "mcp"),
	}
	s.mcp = mcp.NewServer(&mcp.Implementation{
		Name:    serverName,
		Version: serverVersion,
	}, nil)
	s.registerTools()
	return s, nil
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "set_defaults",
		Description: "Set the default project (and optionally dataset) applied to every tool call that omits them.",
	}, s.setDefaults)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_defaults",
		Description: "Read the persisted default project and dataset.",
	}, s.getDefaults)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "auto_scope",
		Description: "Derive the project and dataset a source would be indexed under, without indexing anything.",
	}, s.autoScope)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "index_local",
		Description: "Index a local directory tree into a project dataset. Re-runs over unchanged content are skipped; pass force to reindex.",
	}, s.indexLocal)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "index_git",
		Description: "Shallow-clone a git repository and index it. Returns a job id; pass wait_for_completion for the full result.",
	}, s.indexGit)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "crawl",
		Description: "Crawl a site through the configured crawler and index the extracted pages.",
	}, s.crawl)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "sync",
		Description: "Incrementally reconcile an indexed directory with its current on-disk state. Cost is proportional to the change set, not the tree.",
	}, s.sync)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "watch",
		Description: "Watch a directory and sync automatically on change.",
	}, s.watch)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "stop_watching",
		Description: "Stop a watch by watcher id or by watched path.",
	}, s.stopWatching)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "query",
		Description: "Hybrid semantic + lexical search across a project's accessible datasets, with optional provenance filters.",
	}, s.query)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "smart_query",
		Description: "LLM-enhanced search: query rewrites and HyDE expansion, fused retrieval, and a cited answer when an LLM is configured.",
	}, s.smartQuery)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "stats",
		Description: "Per-dataset index statistics for a project.",
	}, s.stats)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "list_scopes",
		Description: "List a project's datasets and their collections.",
	}, s.listScopes)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "history",
		Description: "List a project's ingest jobs, newest first.",
	}, s.history)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "clear",
		Description: "Delete indexed data for a project or a single dataset. Dry-run reports the plan without deleting.",
	}, s.clear)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "status",
		Description: "Index freshness, active watchers, and live jobs for a scope.",
	}, s.status)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "job_get",
		Description: "Fetch one ingest job's state and progress.",
	}, s.jobGet)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "job_cancel",
		Description: "Request cooperative cancellation of a running or pending job.",
	}, s.jobCancel)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "watchers_list",
		Description: "List active watchers, optionally narrowed to a project.",
	}, s.watchersList)
}

// Run serves MCP over stdio until ctx is cancelled. Nothing else may
// write to stdout while the server runs.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("mcp server starting", "name", serverName, "version", serverVersion)
	return s.mcp.Run(ctx, &mcp.StdioTransport{})
}
