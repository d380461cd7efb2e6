package cmd

import (
	"github.com/spf13/cobra"

	"github.com/scopehq/contextmcp/internal/service"
	"github.com/scopehq/contextmcp/internal/ui"
	"github.com/scopehq/contextmcp/pkg/version"
)

func newStatsCmd() *cobra.Command {
	var project string
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Per-dataset index statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := ui.NewWriter(uiConfig(cmd))
			return withService(cmd.Context(), func(svc *service.Service) error {
				stats, err := svc.Stats(cmd.Context(), project)
				if err != nil {
					return err
				}
				if jsonOut {
					return encodeJSON(cmd, stats)
				}
				out.Stats(stats)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "Project name")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "JSON output")
	return cmd
}

func newScopesCmd() *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:   "scopes",
		Short: "List a project's datasets and collections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := ui.NewWriter(uiConfig(cmd))
			return withService(cmd.Context(), func(svc *service.Service) error {
				scopes, err := svc.ListScopes(cmd.Context(), project)
				if err != nil {
					return err
				}
				out.Scopes(scopes)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "Project name")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	var project string
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List ingest jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := ui.NewWriter(uiConfig(cmd))
			return withService(cmd.Context(), func(svc *service.Service) error {
				jobs, err := svc.History(cmd.Context(), project, limit)
				if err != nil {
					return err
				}
				infos := make([]service.JobInfo, 0, len(jobs))
				for _, j := range jobs {
					infos = append(infos, service.JobInfo{
						ID: j.ID, Project: j.Project, Dataset: j.Dataset,
						SourceType: j.SourceType, Source: j.Source, Status: j.Status,
						Summary: j.Summary, Progress: j.Progress, Error: j.Error,
						CreatedAt: j.CreatedAt,
					})
				}
				out.Jobs(infos)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "Project name")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum jobs (0 uses the default)")
	return cmd
}

func newClearCmd() *cobra.Command {
	var project, dataset string
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete indexed data for a project or dataset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := ui.NewWriter(uiConfig(cmd))
			return withService(cmd.Context(), func(svc *service.Service) error {
				res, err := svc.Clear(cmd.Context(), service.ClearRequest{
					Project: project, Dataset: dataset, DryRun: dryRun,
				})
				if err != nil {
					return err
				}
				for _, c := range res.Collections {
					out.Line("  %s", c)
				}
				if res.DryRun {
					out.Warning("dry run: %d collections would be deleted", len(res.Collections))
				} else {
					out.Success("deleted %d collections", res.CollectionsDeleted)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "Project name")
	cmd.Flags().StringVarP(&dataset, "dataset", "d", "", "Clear only this dataset")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report the plan without deleting")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var project, dataset, path string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Index freshness, watchers, and live jobs for a scope",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := ui.NewWriter(uiConfig(cmd))
			return withService(cmd.Context(), func(svc *service.Service) error {
				report, err := svc.Status(cmd.Context(), project, dataset, path)
				if err != nil {
					return err
				}
				out.Stats(&service.ProjectStats{Project: report.Project, Datasets: report.Datasets})
				out.Header("watchers")
				out.Watchers(report.Watchers)
				if len(report.Jobs) > 0 {
					out.Header("live jobs")
					out.Jobs(report.Jobs)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "Project name")
	cmd.Flags().StringVarP(&dataset, "dataset", "d", "", "Dataset name")
	cmd.Flags().StringVar(&path, "path", "", "Narrow the watcher listing to this root")
	return cmd
}

func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job <id>",
		Short: "Show one ingest job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := ui.NewWriter(uiConfig(cmd))
			return withService(cmd.Context(), func(svc *service.Service) error {
				job, err := svc.JobGet(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				out.Jobs([]service.JobInfo{*job})
				return nil
			})
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a running or pending job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := ui.NewWriter(uiConfig(cmd))
			return withService(cmd.Context(), func(svc *service.Service) error {
				if err := svc.JobCancel(cmd.Context(), args[0]); err != nil {
					return err
				}
				out.Success("cancellation requested for %s", args[0])
				return nil
			})
		},
	})

	return cmd
}

func newWatchersCmd() *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:   "watchers",
		Short: "List active watchers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := ui.NewWriter(uiConfig(cmd))
			return withService(cmd.Context(), func(svc *service.Service) error {
				watchers, err := svc.WatchersList(cmd.Context(), project)
				if err != nil {
					return err
				}
				out.Watchers(watchers)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "Project name")
	return cmd
}

func newDefaultsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "defaults [project] [dataset]",
		Short: "Show or set the default scope",
		Long: `Show the persisted default project and dataset, or set them.

With no arguments the current defaults are printed. With one or two
arguments the defaults are replaced.`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := ui.NewWriter(uiConfig(cmd))
			return withService(cmd.Context(), func(svc *service.Service) error {
				if len(args) > 0 {
					dataset := ""
					if len(args) > 1 {
						dataset = args[1]
					}
					if err := svc.SetDefaults(args[0], dataset); err != nil {
						return err
					}
				}
				d, err := svc.GetDefaults()
				if err != nil {
					return err
				}
				if d.Project == "" {
					out.Line("no defaults set")
					return nil
				}
				out.Line("project %s", d.Project)
				if d.Dataset != "" {
					out.Line("dataset %s", d.Dataset)
				}
				return nil
			})
		},
	}
}

func newShareCmd() *cobra.Command {
	var project, permission string

	cmd := &cobra.Command{
		Use:   "share <grantee>",
		Short: "Grant another project read access to this project's datasets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := ui.NewWriter(uiConfig(cmd))
			return withService(cmd.Context(), func(svc *service.Service) error {
				owner, err := resolveOwner(svc, project)
				if err != nil {
					return err
				}
				if err := svc.Share(cmd.Context(), owner, args[0], permission); err != nil {
					return err
				}
				out.Success("shared %s with %s", owner, args[0])
				return nil
			})
		},
	}

	cmd.PersistentFlags().StringVarP(&project, "project", "p", "", "Owning project (defaults apply)")
	cmd.Flags().StringVar(&permission, "permission", "", "Grant permission (default read)")

	cmd.AddCommand(&cobra.Command{
		Use:   "revoke <grantee>",
		Short: "Revoke a grant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := ui.NewWriter(uiConfig(cmd))
			return withService(cmd.Context(), func(svc *service.Service) error {
				owner, err := resolveOwner(svc, project)
				if err != nil {
					return err
				}
				if err := svc.Unshare(cmd.Context(), owner, args[0]); err != nil {
					return err
				}
				out.Success("revoked %s from %s", owner, args[0])
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List grants involving a project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := ui.NewWriter(uiConfig(cmd))
			return withService(cmd.Context(), func(svc *service.Service) error {
				owner, err := resolveOwner(svc, project)
				if err != nil {
					return err
				}
				shares, err := svc.Shares(cmd.Context(), owner)
				if err != nil {
					return err
				}
				if len(shares) == 0 {
					out.Line("no shares")
					return nil
				}
				for _, s := range shares {
					out.Line("%s -> %s (%s)", s.OwnerProject, s.GranteeProject, s.Permission)
				}
				return nil
			})
		},
	})

	return cmd
}

// resolveOwner applies the persisted default project when none is
// given.
func resolveOwner(svc *service.Service, project string) (string, error) {
	if project != "" {
		return project, nil
	}
	d, err := svc.GetDefaults()
	if err != nil {
		return "", err
	}
	return d.Project, nil
}

func newVersionCmd() *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version and build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if jsonOut {
				return encodeJSON(cmd, version.Info())
			}
			ui.NewWriter(uiConfig(cmd)).Line("%s", version.String())
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "JSON output")
	return cmd
}
