// Package cmd provides the CLI commands for contextmcp.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/scopehq/contextmcp/internal/config"
	"github.com/scopehq/contextmcp/internal/logging"
	"github.com/scopehq/contextmcp/internal/profiling"
	"github.com/scopehq/contextmcp/internal/service"
	"github.com/scopehq/contextmcp/internal/ui"
	"github.com/scopehq/contextmcp/pkg/version"
)

// Persistent flags.
var (
	configPath string
	plainOut   bool
	noColor    bool
	debugMode  bool

	profileCPU   string
	profileMem   string
	profileTrace string

	profiler       = profiling.New()
	cpuCleanup     func()
	traceCleanup   func()
	loggingCleanup func()
)

// NewRootCmd creates the root command. With no subcommand the binary
// serves MCP over stdio, so a client config can point straight at it.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contextmcp",
		Short: "Project-scoped hybrid search over code, docs, and web content",
		Long: `contextmcp indexes local trees, git repositories, and crawled sites
into per-project vector collections and serves hybrid semantic + lexical
search to MCP clients and the command line.

Run with no arguments to serve MCP over stdio.`,
		Version:      version.Version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return cmd.Help()
			}
			return runServe(cmd.Context())
		},
	}
	cmd.SetVersionTemplate("contextmcp version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (default ~/.config/contextmcp/config.yaml)")
	cmd.PersistentFlags().BoolVar(&plainOut, "plain", false, "Force plain line output")
	cmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	cmd.PersistentFlags().StringVar(&profileCPU, "profile-cpu", "", "Write CPU profile to file")
	cmd.PersistentFlags().StringVar(&profileMem, "profile-mem", "", "Write heap profile to file on exit")
	cmd.PersistentFlags().StringVar(&profileTrace, "profile-trace", "", "Write execution trace to file")

	cmd.PersistentPreRunE = setupRun
	cmd.PersistentPostRunE = teardownRun

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newUnwatchCmd())
	cmd.AddCommand(newQueryCmd())
	cmd.AddCommand(newSmartCmd())
	cmd.AddCommand(newStatsCmd())
	cmd.AddCommand(newScopesCmd())
	cmd.AddCommand(newHistoryCmd())
	cmd.AddCommand(newClearCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newJobCmd())
	cmd.AddCommand(newWatchersCmd())
	cmd.AddCommand(newDefaultsCmd())
	cmd.AddCommand(newShareCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// setupRun routes logs to the rotating file and starts profiling when
// requested. CLI commands share stdout with their output, so stderr
// mirroring is off unless --debug; MCP stdio mode is file-only since
// stdout carries the protocol and stderr may reach the client.
func setupRun(cmd *cobra.Command, _ []string) error {
	cfg := logging.DefaultConfig()
	cfg.WriteToStderr = false
	if cmd.Name() == "serve" || cmd == cmd.Root() {
		cfg = logging.ServerConfig()
	} else if debugMode {
		cfg.WriteToStderr = true
	}
	if debugMode {
		cfg.Level = "debug"
	}
	_, cleanup, err := logging.Setup(cfg)
	if err != nil {
		return err
	}
	loggingCleanup = cleanup

	if profileCPU != "" {
		if cpuCleanup, err = profiler.StartCPU(profileCPU); err != nil {
			return err
		}
	}
	if profileTrace != "" {
		if traceCleanup, err = profiler.StartTrace(profileTrace); err != nil {
			if cpuCleanup != nil {
				cpuCleanup()
				cpuCleanup = nil
			}
			return err
		}
	}
	return nil
}

func teardownRun(*cobra.Command, []string) error {
	if cpuCleanup != nil {
		cpuCleanup()
		cpuCleanup = nil
	}
	if traceCleanup != nil {
		traceCleanup()
		traceCleanup = nil
	}
	var err error
	if profileMem != "" {
		err = profiler.WriteHeap(profileMem)
	}
	if loggingCleanup != nil {
		loggingCleanup()
		loggingCleanup = nil
	}
	return err
}

// Execute runs the root command with signal-aware cancellation.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCmd().ExecuteContext(ctx)
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// withService opens the service stack, runs fn, and closes it.
func withService(ctx context.Context, fn func(*service.Service) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	svc, err := service.Open(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()
	return fn(svc)
}

func uiConfig(cmd *cobra.Command) ui.Config {
	return ui.NewConfig(cmd.OutOrStdout(), ui.WithPlain(plainOut), ui.WithNoColor(noColor))
}
