package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/scenepipe/internal/dispatch"
	"github.com/roach88/scenepipe/internal/ir"
)

// RestartOptions holds flags for the restart command.
type RestartOptions struct {
	*RootOptions
	IDs          []int64
	Statuses     []string
	Type         string
	CollectionID int64
	SceneIDs     []string
	Args         string
	Preview      bool
}

// NewRestartCommand creates the restart command.
func NewRestartCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RestartOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Re-run matching activities",
		Long: `Re-enqueue every activity matching the filter. Each one restarts
from its own stage with the plan of its activity type. Activities that
are still running are skipped.

At least one filter flag is required.

Examples:
  scenepipe restart --status failure --collection 2
  scenepipe restart --id 41 --id 42 --args '{"bands": ["B04"]}'
  scenepipe restart --type correction --scene LC08_A --preview`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRestart(cmd, opts)
		},
	}

	cmd.Flags().Int64SliceVar(&opts.IDs, "id", nil, "activity id (repeatable)")
	cmd.Flags().StringSliceVar(&opts.Statuses, "status", nil, "latest execution status (repeatable)")
	cmd.Flags().StringVar(&opts.Type, "type", "", "activity type substring")
	cmd.Flags().Int64Var(&opts.CollectionID, "collection", 0, "collection id")
	cmd.Flags().StringArrayVar(&opts.SceneIDs, "scene", nil, "scene id (repeatable)")
	cmd.Flags().StringVar(&opts.Args, "args", "{}", "args merged into each activity, as a JSON object")
	cmd.Flags().BoolVar(&opts.Preview, "preview", false, "report what would be enqueued without writing")

	return cmd
}

func runRestart(cmd *cobra.Command, opts *RestartOptions) error {
	filter := dispatch.RestartFilter{
		IDs:          opts.IDs,
		Type:         opts.Type,
		CollectionID: opts.CollectionID,
		SceneIDs:     opts.SceneIDs,
	}
	for _, s := range opts.Statuses {
		st, err := ir.ParseStatus(s)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --status", err)
		}
		filter.Statuses = append(filter.Statuses, st)
	}
	extra, err := parseArgsFlag(opts.Args)
	if err != nil {
		return err
	}
	action := dispatch.ActionStart
	if opts.Preview {
		action = dispatch.ActionPreview
	}

	a, err := openApp(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	d, err := a.Dispatcher(cmd.Context())
	if err != nil {
		return err
	}
	res, err := d.Restart(cmd.Context(), dispatch.RestartRequest{Filter: filter, Args: extra, Action: action})
	if err != nil {
		return WrapExitError(ExitFailure, "restart failed", err)
	}
	return outputResult(cmd.OutOrStdout(), opts.Format, res)
}
