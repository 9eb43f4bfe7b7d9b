package cli

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sadopc/trackd/internal/agent"
	"github.com/sadopc/trackd/internal/logging"
)

func NewRunCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agent in the foreground",
		Long: `Run the tracking agent until interrupted.

The agent opens the store in data_dir, starts the activity sampler, the
inactivity detector, the git poller and the sync scheduler, and serves the
local API on listen_addr.

Example:
  trackd run
  trackd run --config ./trackd.yaml -v`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), root, cmd.ErrOrStderr())
		},
	}
}

func runAgent(ctx context.Context, root *RootOptions, stderr io.Writer) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	if root.Addr != "" {
		cfg.ListenAddr = root.Addr
	}
	level := cfg.Log.Level
	if root.Verbose {
		level = "debug"
	}
	log, err := logging.New(level, cfg.Log.Format, stderr)
	if err != nil {
		return WrapExitError(ExitUsage, "configure logging", err)
	}

	a, err := agent.New(cfg, log)
	if err != nil {
		return WrapExitError(ExitFailure, "start agent", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := a.Run(ctx); err != nil {
		return WrapExitError(ExitFailure, "agent stopped with error", err)
	}
	return nil
}
