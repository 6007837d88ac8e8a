package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/scenepipe/internal/engine"
)

// NewWorkerCommand creates the worker command.
func NewWorkerCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker [stage...]",
		Short: "Consume stage queues",
		Long: `Run stage consumers until interrupted.

With no stages named, every stage with a configured body is consumed.
Each stage runs workers.<stage> consumers side by side (default 1).

Examples:
  scenepipe worker --config scenepipe.yaml
  scenepipe worker download correction`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkers(cmd, rootOpts, args)
		},
	}
	return cmd
}

func runWorkers(cmd *cobra.Command, opts *RootOptions, stages []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := openApp(opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	specs, err := a.Workers(ctx, stages)
	if err != nil {
		return err
	}
	pool, err := engine.NewPool(a.logger, specs...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create worker pool", err)
	}
	if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
