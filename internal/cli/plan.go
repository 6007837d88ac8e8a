package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/scenepipe/internal/compiler"
	"github.com/roach88/scenepipe/internal/ir"
)

// PlanOptions holds flags for the plan subcommands.
type PlanOptions struct {
	*RootOptions
	CollectionID     int64
	SkipCollectionID int64
	Pipeline         string
}

// NewPlanCommand creates the plan command group.
func NewPlanCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PlanOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Render execution plans",
	}

	show := &cobra.Command{
		Use:           "show <activity-type>",
		Short:         "Render the built-in plan of an activity type",
		Example:       "  scenepipe plan show download",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := ir.ParseActivityType(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid activity type", err)
			}
			p, err := compiler.Table(t)
			if err != nil {
				return WrapExitError(ExitFailure, "no plan", err)
			}
			return outputPlan(cmd, opts.Format, p)
		},
	}

	compile := &cobra.Command{
		Use:   "compile [spec-file]",
		Short: "Compile a task spec to a plan without recording anything",
		Example: `  scenepipe plan compile tree.cue --collection 1
  scenepipe plan compile --pipeline landsat --config scenepipe.yaml`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			specFile := ""
			if len(args) == 1 {
				specFile = args[0]
			}
			if (specFile == "") == (opts.Pipeline == "") {
				return NewExitError(ExitCommandError, "exactly one of spec-file or --pipeline is required")
			}
			dir := ""
			if opts.Pipeline != "" {
				cfg, err := loadConfig(opts.RootOptions)
				if err != nil {
					return err
				}
				dir = cfg.Pipelines.Dir
			}
			spec, err := loadSpec(opts.Pipeline, specFile, dir)
			if err != nil {
				return err
			}
			p, err := compileDetached(cmd.Context(), spec, compiler.SpecOptions{
				DefaultCollection: opts.CollectionID,
				SkipCollectionID:  opts.SkipCollectionID,
			})
			if err != nil {
				return WrapExitError(ExitFailure, "compilation failed", err)
			}
			return outputPlan(cmd, opts.Format, p)
		},
	}
	compile.Flags().Int64Var(&opts.CollectionID, "collection", 0, "collection of a root that names none")
	compile.Flags().Int64Var(&opts.SkipCollectionID, "skip-collection", 0, "drop subtrees targeting this collection")
	compile.Flags().StringVar(&opts.Pipeline, "pipeline", "", "named pipeline from pipelines.dir")

	cmd.AddCommand(show, compile)
	return cmd
}

// compileDetached lowers spec with placeholder activities. Every node is
// kept.
func compileDetached(ctx context.Context, spec compiler.TaskSpec, opts compiler.SpecOptions) (*compiler.Plan, error) {
	var next int64
	rec := compiler.RecorderFunc(func(_ context.Context, task compiler.SpecTask, _ *ir.Activity) (ir.Activity, bool, error) {
		next++
		return ir.Activity{ID: next, CollectionID: task.CollectionID, Type: task.Activity, Args: task.Args}, true, nil
	})
	compiled, err := compiler.CompileSpec(ctx, spec, opts, rec)
	if err != nil {
		return nil, err
	}
	return compiled.Plan, nil
}

func outputPlan(cmd *cobra.Command, format string, p *compiler.Plan) error {
	if format == "json" {
		return (&OutputFormatter{Format: format, Writer: cmd.OutOrStdout()}).Success(p)
	}
	fmt.Fprint(cmd.OutOrStdout(), p.String())
	return nil
}
