package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/scopehq/contextmcp/configs"
	"github.com/scopehq/contextmcp/internal/config"
	"github.com/scopehq/contextmcp/internal/ui"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or initialize the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Default action: print the effective configuration.
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return encodeJSON(cmd, cfg)
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := configPath
			if path == "" {
				path = config.DefaultConfigPath()
			}
			ui.NewWriter(uiConfig(cmd)).Line("%s", path)
			return nil
		},
	})

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the commented example config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := ui.NewWriter(uiConfig(cmd))
			path := configPath
			if path == "" {
				path = config.DefaultConfigPath()
			}
			if _, err := os.Stat(path); err == nil && !force {
				out.Warning("%s already exists (use --force to overwrite)", path)
				return nil
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(configs.ConfigTemplate), 0o644); err != nil {
				return err
			}
			out.Success("wrote %s", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	cmd.AddCommand(initCmd)

	return cmd
}
