package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/scenepipe/internal/janitor"
)

// NewJanitorCommand creates the janitor command group.
func NewJanitorCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "janitor",
		Short: "Maintenance of abandoned jobs and lock holds",
	}

	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Run one maintenance pass now",
		Long: `Requeue jobs whose consumer vanished past janitor.visibility_timeout,
release expired lock holds and report queue depths.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			b, err := a.Broker(cmd.Context())
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
			report, sweepErr := j.Sweep(cmd.Context())

			if rootOpts.Format == "json" {
				if err := newFormatter(cmd, rootOpts).Success(report); err != nil {
					return err
				}
			} else {
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "Reclaimed %d job(s), %d hold(s)\n", report.ReclaimedJobs, report.ReclaimedHolds)
				queues := make([]string, 0, len(report.Depths))
				for q := range report.Depths {
					queues = append(queues, q)
				}
				sort.Strings(queues)
				for _, q := range queues {
					fmt.Fprintf(w, "  %s: %d\n", q, report.Depths[q])
				}
			}
			if sweepErr != nil {
				return WrapExitError(ExitFailure, "sweep incomplete", sweepErr)
			}
			return nil
		},
	}

	cmd.AddCommand(sweep)
	return cmd
}
