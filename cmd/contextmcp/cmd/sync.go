package cmd

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/scopehq/contextmcp/internal/service"
	"github.com/scopehq/contextmcp/internal/ui"
)

func newSyncCmd() *cobra.Command {
	var project, dataset string

	cmd := &cobra.Command{
		Use:   "sync <path>",
		Short: "Reconcile an indexed directory with its current state",
		Long: `Reconcile a dataset with the directory's current on-disk state.

The change set is computed against the persisted content snapshot, so
cost is proportional to what changed, not to the tree size.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			abs, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			out := ui.NewWriter(uiConfig(cmd))
			return withService(cmd.Context(), func(svc *service.Service) error {
				res, err := svc.SyncLocal(cmd.Context(), service.SyncRequest{
					Path: abs, Project: project, Dataset: dataset,
				})
				if err != nil {
					return err
				}
				out.SyncResult(res)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "Project name")
	cmd.Flags().StringVarP(&dataset, "dataset", "d", "", "Dataset name")
	return cmd
}

func newWatchCmd() *cobra.Command {
	var project, dataset string

	cmd := &cobra.Command{
		Use:   "watch <path>",
		Short: "Watch a directory and sync on change until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			abs, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			out := ui.NewWriter(uiConfig(cmd))
			return withService(cmd.Context(), func(svc *service.Service) error {
				w, err := svc.WatchLocal(cmd.Context(), service.SyncRequest{
					Path: abs, Project: project, Dataset: dataset,
				})
				if err != nil {
					return err
				}
				out.Success("watching %s as %s/%s (ctrl-c to stop)", w.Path, w.Project, w.Dataset)
				<-cmd.Context().Done()
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "Project name")
	cmd.Flags().StringVarP(&dataset, "dataset", "d", "", "Dataset name")
	return cmd
}

func newUnwatchCmd() *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:   "unwatch <id|path>",
		Short: "Stop a watch by watcher id or watched path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := args[0]
			if abs, err := filepath.Abs(ref); err == nil && filepath.IsAbs(args[0]) {
				ref = abs
			}
			out := ui.NewWriter(uiConfig(cmd))
			return withService(cmd.Context(), func(svc *service.Service) error {
				if err := svc.StopWatching(cmd.Context(), ref, project); err != nil {
					return err
				}
				out.Success("stopped watching %s", args[0])
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "Project narrowing path lookup")
	return cmd
}
