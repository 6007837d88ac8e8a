package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/scenepipe/internal/compiler"
	"github.com/roach88/scenepipe/internal/dispatch"
	"github.com/roach88/scenepipe/internal/ir"
)

// DispatchOptions holds flags for the dispatch command.
type DispatchOptions struct {
	*RootOptions
	CollectionID     int64
	SceneIDs         []string
	Args             string // JSON object
	SceneType        string
	Tags             []string
	Force            bool
	Preview          bool
	Pipeline         string // named pipeline under pipelines.dir
	SpecFile         string // CUE or JSON task spec
	SkipCollectionID int64
}

// NewDispatchCommand creates the dispatch command.
func NewDispatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DispatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "dispatch [activity-type]",
		Short: "Dispatch scenes into the pipeline",
		Long: `Record root activities for the given scenes and enqueue the first
stage of their plan.

The plan is the built-in table entry of the activity type, or a task
spec given with --spec or --pipeline.

Examples:
  scenepipe dispatch download --collection 1 --scene LC08_A --scene LC08_B
  scenepipe dispatch correction --collection 2 --scene S --args '{"harmonize": true}'
  scenepipe dispatch --pipeline landsat --collection 1 --scene LC08_A --preview
  scenepipe dispatch --spec tree.cue --collection 1 --scene LC08_A`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDispatch(cmd, opts, args)
		},
	}

	cmd.Flags().Int64Var(&opts.CollectionID, "collection", 0, "collection id of the root activities")
	cmd.Flags().StringArrayVar(&opts.SceneIDs, "scene", nil, "scene id (repeatable)")
	cmd.Flags().StringVar(&opts.Args, "args", "{}", "args as a JSON object")
	cmd.Flags().StringVar(&opts.SceneType, "scene-type", "", "scene type recorded on new activities")
	cmd.Flags().StringArrayVar(&opts.Tags, "tag", nil, "tag added to the root activities (repeatable)")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "re-dispatch scenes whose root activity exists")
	cmd.Flags().BoolVar(&opts.Preview, "preview", false, "report what would be enqueued without writing")
	cmd.Flags().StringVar(&opts.Pipeline, "pipeline", "", "named pipeline from pipelines.dir")
	cmd.Flags().StringVar(&opts.SpecFile, "spec", "", "task spec file (CUE or JSON)")
	cmd.Flags().Int64Var(&opts.SkipCollectionID, "skip-collection", 0, "drop spec subtrees targeting this collection")

	return cmd
}

func runDispatch(cmd *cobra.Command, opts *DispatchOptions, args []string) error {
	sources := 0
	if len(args) == 1 {
		sources++
	}
	if opts.Pipeline != "" {
		sources++
	}
	if opts.SpecFile != "" {
		sources++
	}
	if sources != 1 {
		return NewExitError(ExitCommandError, "exactly one of activity-type, --pipeline or --spec is required")
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

	ctx := cmd.Context()
	d, err := a.Dispatcher(ctx)
	if err != nil {
		return err
	}

	var res *dispatch.Result
	if len(args) == 1 {
		t, err := ir.ParseActivityType(args[0])
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid activity type", err)
		}
		res, err = d.Dispatch(ctx, dispatch.Request{
			Type:         t,
			CollectionID: opts.CollectionID,
			SceneIDs:     opts.SceneIDs,
			Args:         extra,
			SceneType:    opts.SceneType,
			Tags:         opts.Tags,
			Force:        opts.Force,
			Action:       action,
		})
		if err != nil {
			return WrapExitError(ExitFailure, "dispatch failed", err)
		}
	} else {
		spec, err := loadSpec(opts.Pipeline, opts.SpecFile, a.cfg.Pipelines.Dir)
		if err != nil {
			return err
		}
		res, err = d.DispatchSpec(ctx, dispatch.SpecRequest{
			Spec:             spec,
			CollectionID:     opts.CollectionID,
			SceneIDs:         opts.SceneIDs,
			Args:             extra,
			SceneType:        opts.SceneType,
			Tags:             opts.Tags,
			SkipCollectionID: opts.SkipCollectionID,
			Force:            opts.Force,
			Action:           action,
		})
		if err != nil {
			return WrapExitError(ExitFailure, "dispatch failed", err)
		}
	}
	return outputResult(cmd.OutOrStdout(), opts.Format, res)
}

// loadSpec resolves --pipeline against dir or parses --spec.
func loadSpec(pipeline, specFile, dir string) (compiler.TaskSpec, error) {
	if specFile != "" {
		data, err := os.ReadFile(specFile)
		if err != nil {
			return compiler.TaskSpec{}, WrapExitError(ExitCommandError, "failed to read spec file", err)
		}
		spec, err := compiler.ParseTaskSpec(data, specFile)
		if err != nil {
			return compiler.TaskSpec{}, WrapExitError(ExitFailure, "invalid spec file", err)
		}
		return spec, nil
	}
	if dir == "" {
		return compiler.TaskSpec{}, NewExitError(ExitCommandError, "pipelines.dir is not configured")
	}
	pipelines, err := compiler.LoadPipelines(dir)
	if err != nil {
		return compiler.TaskSpec{}, WrapExitError(ExitFailure, "failed to load pipelines", err)
	}
	spec, ok := pipelines[pipeline]
	if !ok {
		return compiler.TaskSpec{}, NewExitError(ExitCommandError,
			fmt.Sprintf("unknown pipeline %q (have %v)", pipeline, compiler.PipelineNames(pipelines)))
	}
	return spec, nil
}

// parseArgsFlag decodes a JSON object. Numbers keep their exact text.
func parseArgsFlag(raw string) (ir.Args, error) {
	if raw == "" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var args ir.Args
	if err := dec.Decode(&args); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid --args JSON", err)
	}
	return args, nil
}

// outputResult prints a dispatch or restart result.
func outputResult(w io.Writer, format string, res *dispatch.Result) error {
	if format == "json" {
		f := &OutputFormatter{Format: format, Writer: w}
		return f.Success(res)
	}

	verb := "Enqueued"
	if res.Action == dispatch.ActionPreview {
		verb = "Would enqueue"
	}
	fmt.Fprintf(w, "%s %d task(s)\n", verb, len(res.Heads))
	for _, h := range res.Heads {
		key := ir.ActivityKey{CollectionID: h.CollectionID, Type: h.ActivityType, SceneID: h.SceneID}
		if h.JobID != "" {
			fmt.Fprintf(w, "  %s  job=%s  route=%s\n", key, h.JobID, h.Route)
		} else {
			fmt.Fprintf(w, "  %s  route=%s\n", key, h.Route)
		}
	}
	if len(res.Skipped) > 0 {
		fmt.Fprintf(w, "Skipped %d\n", len(res.Skipped))
		for _, key := range res.Skipped {
			fmt.Fprintf(w, "  %s\n", key)
		}
	}
	return nil
}
