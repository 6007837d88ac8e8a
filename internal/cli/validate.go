package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/scenepipe/internal/compiler"
	"github.com/roach88/scenepipe/internal/ir"
)

// ValidationReport summarizes a validate run.
type ValidationReport struct {
	Config    string   `json:"config"`
	Plans     []string `json:"plans"`
	Pipelines []string `json:"pipelines"`
	Specs     []string `json:"specs"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [spec-file...]",
		Short: "Validate the configuration, plans and task specs",
		Long: `Check the configuration file, every built-in plan, the named
pipelines under pipelines.dir and any task spec files given.

Exit codes:
  0 - Everything is valid
  1 - Validation failed
  2 - Command error

Examples:
  scenepipe validate --config scenepipe.yaml
  scenepipe validate tree.cue other.json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, rootOpts, args)
		},
	}
}

func runValidate(cmd *cobra.Command, opts *RootOptions, specFiles []string) error {
	f := newFormatter(cmd, opts)

	cfg, err := loadConfig(opts)
	if err != nil {
		return f.Fail(CodeConfig, "validation failed", err)
	}
	report := ValidationReport{Config: opts.Config, Plans: []string{}, Pipelines: []string{}, Specs: []string{}}
	if report.Config == "" {
		report.Config = "(defaults)"
	}
	f.VerboseLog("config %s is valid", report.Config)

	for _, t := range ir.AllActivityTypes() {
		p, err := compiler.Table(t)
		if err != nil {
			return f.Fail(CodePlan, "validation failed", err)
		}
		if err := compiler.ValidatePlan(p); err != nil {
			return f.Fail(CodePlan, "validation failed", fmt.Errorf("%s: %w", t, err))
		}
		report.Plans = append(report.Plans, p.Route)
	}

	if cfg.Pipelines.Dir != "" {
		pipelines, err := compiler.LoadPipelines(cfg.Pipelines.Dir)
		if err != nil {
			return f.Fail(CodePipeline, "validation failed", err)
		}
		report.Pipelines = compiler.PipelineNames(pipelines)
	}

	for _, path := range specFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read spec file", err)
		}
		if _, err := compiler.ParseTaskSpec(data, path); err != nil {
			return f.Fail(CodeSpec, "validation failed", err)
		}
		report.Specs = append(report.Specs, path)
	}

	if opts.Format == "json" {
		return f.Success(report)
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "✓ config %s\n", report.Config)
	fmt.Fprintf(w, "✓ %d built-in plan(s)\n", len(report.Plans))
	for _, name := range report.Pipelines {
		fmt.Fprintf(w, "✓ pipeline %s\n", name)
	}
	for _, path := range report.Specs {
		fmt.Fprintf(w, "✓ spec %s\n", path)
	}
	return nil
}
