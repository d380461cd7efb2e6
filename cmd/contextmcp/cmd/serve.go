package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/scopehq/contextmcp/internal/mcp"
	"github.com/scopehq/contextmcp/internal/service"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve MCP over stdio",
		Long: `Serve the Model Context Protocol over stdio.

stdout carries the protocol exclusively; logs go to the rotating file
under ~/.context/logs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	return withService(ctx, func(svc *service.Service) error {
		srv, err := mcp.NewServer(svc)
		if err != nil {
			return err
		}
		return srv.Run(ctx)
	})
}
