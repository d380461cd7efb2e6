package cmd

import (
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/scopehq/contextmcp/internal/service"
	"github.com/scopehq/contextmcp/internal/ui"
)

type indexOptions struct {
	project string
	dataset string
	branch  string
	force   bool
	async   bool
}

func newIndexCmd() *cobra.Command {
	var opts indexOptions

	cmd := &cobra.Command{
		Use:   "index <path|repo-url>",
		Short: "Index a local directory or a git repository",
		Long: `Index a local directory tree or a git repository.

Arguments that look like clone URLs (scheme:// or git@host:) are
shallow-cloned and indexed; anything else is treated as a local path.
Scope falls back to the persisted defaults, then to auto-derivation
from the source.

Examples:
  contextmcp index .
  contextmcp index /src/widget --project widget --dataset code
  contextmcp index git@github.com:acme/widget.git --async`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIndex(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVarP(&opts.project, "project", "p", "", "Project name")
	cmd.Flags().StringVarP(&opts.dataset, "dataset", "d", "", "Dataset name")
	cmd.Flags().StringVarP(&opts.branch, "branch", "b", "", "Git branch (git sources only)")
	cmd.Flags().BoolVar(&opts.force, "force", false, "Reindex even when content is unchanged")
	cmd.Flags().BoolVar(&opts.async, "async", false, "Schedule as a background job")

	return cmd
}

func isGitURL(arg string) bool {
	return strings.Contains(arg, "://") || strings.HasPrefix(arg, "git@")
}

func runIndex(cmd *cobra.Command, target string, opts indexOptions) error {
	cfg := uiConfig(cmd)
	out := ui.NewWriter(cfg)
	progress := ui.NewProgressPrinter(cfg)

	return withService(cmd.Context(), func(svc *service.Service) error {
		var outcome *service.IngestOutcome
		var err error
		if isGitURL(target) {
			outcome, err = svc.IndexGit(cmd.Context(), service.IndexGitRequest{
				Repo:              target,
				Branch:            opts.branch,
				Project:           opts.project,
				Dataset:           opts.dataset,
				Force:             opts.force,
				WaitForCompletion: !opts.async,
				Progress:          progress.Update,
			})
		} else {
			abs, absErr := filepath.Abs(target)
			if absErr != nil {
				return absErr
			}
			outcome, err = svc.IndexLocal(cmd.Context(), service.IndexLocalRequest{
				Path:     abs,
				Project:  opts.project,
				Dataset:  opts.dataset,
				Branch:   opts.branch,
				Force:    opts.force,
				Async:    opts.async,
				Progress: progress.Update,
			})
		}
		progress.Done()
		if err != nil {
			return err
		}
		out.IngestResult(outcome.JobID, outcome.Result)
		return nil
	})
}

func newCrawlCmd() *cobra.Command {
	var (
		opts      indexOptions
		crawlType string
		maxPages  int
		depth     int
	)

	cmd := &cobra.Command{
		Use:   "crawl <url>",
		Short: "Crawl a site and index the extracted pages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := uiConfig(cmd)
			out := ui.NewWriter(cfg)
			progress := ui.NewProgressPrinter(cfg)

			return withService(cmd.Context(), func(svc *service.Service) error {
				outcome, err := svc.Crawl(cmd.Context(), service.CrawlIngestRequest{
					URL:               args[0],
					CrawlType:         crawlType,
					MaxPages:          maxPages,
					Depth:             depth,
					Project:           opts.project,
					Dataset:           opts.dataset,
					Force:             opts.force,
					WaitForCompletion: !opts.async,
					Progress:          progress.Update,
				})
				progress.Done()
				if err != nil {
					return err
				}
				out.IngestResult(outcome.JobID, outcome.Result)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&opts.project, "project", "p", "", "Project name")
	cmd.Flags().StringVarP(&opts.dataset, "dataset", "d", "", "Dataset name")
	cmd.Flags().StringVar(&crawlType, "type", "single", "Crawl type: single, sitemap, recursive")
	cmd.Flags().IntVar(&maxPages, "max-pages", 0, "Page cap (0 uses the crawler default)")
	cmd.Flags().IntVar(&depth, "depth", 0, "Recursion depth (recursive crawls)")
	cmd.Flags().BoolVar(&opts.force, "force", false, "Reindex even when content is unchanged")
	cmd.Flags().BoolVar(&opts.async, "async", false, "Schedule as a background job")

	return cmd
}
