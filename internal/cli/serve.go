package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/scenepipe/internal/api"
	"github.com/roach88/scenepipe/internal/engine"
	"github.com/roach88/scenepipe/internal/janitor"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen    string
	NoWorkers bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admin server, janitor and workers",
		Long: `Run the admin HTTP server and the scheduled janitor, and consume
every configured stage in the same process.

Examples:
  scenepipe serve --config scenepipe.yaml
  scenepipe serve --listen :8089 --no-workers`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "admin listen address (overrides admin.listen)")
	cmd.Flags().BoolVar(&opts.NoWorkers, "no-workers", false, "serve without stage consumers")

	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := openApp(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	d, err := a.Dispatcher(ctx)
	if err != nil {
		return err
	}
	b, err := a.Broker(ctx)
	if err != nil {
		return err
	}

	j, err := janitor.New(a.store, b, a.cfg.Janitor.Schedule, a.cfg.Janitor.VisibilityTimeout,
		janitor.WithLogger(a.logger),
		janitor.WithMetrics(a.metrics),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create janitor", err)
	}

	var pool *engine.Pool
	if !opts.NoWorkers {
		specs, err := a.Workers(ctx, nil)
		if err != nil {
			return err
		}
		if pool, err = engine.NewPool(a.logger, specs...); err != nil {
			return WrapExitError(ExitCommandError, "failed to create worker pool", err)
		}
	}

	listen := a.cfg.Admin.Listen
	if opts.Listen != "" {
		listen = opts.Listen
	}
	server := api.NewServer(a.store, d, b, api.WithLogger(a.logger), api.WithMetrics(a.metrics))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(ctx, listen) })
	g.Go(func() error { return j.Run(ctx) })
	if pool != nil {
		g.Go(func() error { return pool.Run(ctx) })
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
