package cmd

import (
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"

	"github.com/scopehq/contextmcp/internal/service"
	"github.com/scopehq/contextmcp/internal/ui"
)

type queryOptions struct {
	project       string
	dataset       string
	includeGlobal bool
	topK          int
	threshold     float64
	repo          string
	language      string
	pathPrefix    string
	jsonOut       bool
}

// topKArg distinguishes an omitted --limit from an explicit one; only
// a flag the user actually set reaches the service.
func topKArg(cmd *cobra.Command, opts *queryOptions) *int {
	if cmd.Flags().Changed("limit") {
		return &opts.topK
	}
	return nil
}

func addQueryFlags(cmd *cobra.Command, opts *queryOptions) {
	cmd.Flags().StringVarP(&opts.project, "project", "p", "", "Project name")
	cmd.Flags().StringVarP(&opts.dataset, "dataset", "d", "", "Dataset name (empty searches all accessible)")
	cmd.Flags().BoolVarP(&opts.includeGlobal, "global", "g", false, "Include global datasets")
	cmd.Flags().IntVarP(&opts.topK, "limit", "n", 0, "Maximum results (omit for the configured default)")
	cmd.Flags().Float64Var(&opts.threshold, "threshold", 0, "Minimum similarity (negative disables the cut)")
	cmd.Flags().StringVar(&opts.repo, "repo", "", "Filter by repository provenance")
	cmd.Flags().StringVarP(&opts.language, "lang", "l", "", "Filter by language")
	cmd.Flags().StringVar(&opts.pathPrefix, "path", "", "Filter by path prefix")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "JSON output")
}

func newQueryCmd() *cobra.Command {
	var opts queryOptions

	cmd := &cobra.Command{
		Use:   "query <terms...>",
		Short: "Hybrid search across a project's datasets",
		Long: `Hybrid semantic + lexical search with rank fusion.

Examples:
  contextmcp query "connection pool retry" -p backend
  contextmcp query handleRequest --lang go --limit 5
  contextmcp query "setup guide" -d docs --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := strings.Join(args, " ")
			out := ui.NewWriter(uiConfig(cmd))
			return withService(cmd.Context(), func(svc *service.Service) error {
				res, err := svc.Query(cmd.Context(), service.QueryRequest{
					Query:         q,
					Project:       opts.project,
					Dataset:       opts.dataset,
					IncludeGlobal: opts.includeGlobal,
					TopK:          topKArg(cmd, &opts),
					Threshold:     opts.threshold,
					Repo:          opts.repo,
					Language:      opts.language,
					PathPrefix:    opts.pathPrefix,
				})
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return encodeJSON(cmd, res.Hits)
				}
				out.Hits(q, res)
				return nil
			})
		},
	}

	addQueryFlags(cmd, &opts)
	return cmd
}

func newSmartCmd() *cobra.Command {
	var (
		opts       queryOptions
		strategies []string
		answerType string
	)

	cmd := &cobra.Command{
		Use:   "smart <terms...>",
		Short: "LLM-enhanced search with a cited answer",
		Long: `LLM-enhanced search: the configured LLM rewrites the query and
expands it with a hypothetical document, results are fused across the
variants, and an answer with citations is synthesized. Without an LLM
endpoint this degrades to a plain query.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := strings.Join(args, " ")
			out := ui.NewWriter(uiConfig(cmd))
			return withService(cmd.Context(), func(svc *service.Service) error {
				res, err := svc.SmartQuery(cmd.Context(), service.SmartQueryRequest{
					Query:         q,
					Project:       opts.project,
					Dataset:       opts.dataset,
					IncludeGlobal: opts.includeGlobal,
					TopK:          topKArg(cmd, &opts),
					Threshold:     opts.threshold,
					Strategies:    strategies,
					AnswerType:    answerType,
				})
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return encodeJSON(cmd, res)
				}
				out.Answer(q, res)
				return nil
			})
		},
	}

	addQueryFlags(cmd, &opts)
	cmd.Flags().StringSliceVar(&strategies, "strategy", nil, "Enhancement strategies: rewrite, hyde (repeatable)")
	cmd.Flags().StringVar(&answerType, "answer", "", "Answer synthesis: text (default) or none")
	return cmd
}

func encodeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
