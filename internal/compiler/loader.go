package compiler

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/scenepipe/internal/ir"
)

//go:embed schema.cue
var schemaCUE string

// CompileError represents a task-spec error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ParseTaskSpec parses a single task spec written in CUE or JSON.
func ParseTaskSpec(data []byte, filename string) (TaskSpec, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(data, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return TaskSpec{}, invalidSpec(filename, formatCUEError(err))
	}
	return decodeSpec(ctx, v, filename)
}

// LoadPipelines loads every named pipeline under the top-level
// "pipeline" field of the CUE package in dir.
//
//	pipeline: landsat: {
//		type: "download"
//		tasks: [{type: "correction", collection: 2}]
//	}
func LoadPipelines(dir string) (map[string]TaskSpec, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, ir.Misconfigured("pipelines directory %s: %v", dir, err)
	}
	if !info.IsDir() {
		return nil, ir.Misconfigured("pipelines path %s is not a directory", dir)
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, ir.Misconfigured("no CUE instances in %s", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, invalidSpec(dir, formatCUEError(inst.Err))
	}
	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, invalidSpec(dir, formatCUEError(err))
	}

	pipelines := make(map[string]TaskSpec)
	root := value.LookupPath(cue.ParsePath("pipeline"))
	if !root.Exists() {
		return pipelines, nil
	}
	iter, err := root.Fields()
	if err != nil {
		return nil, invalidSpec("pipeline", formatCUEError(err))
	}
	for iter.Next() {
		name := iter.Label()
		spec, err := decodeSpec(ctx, iter.Value(), "pipeline."+name)
		if err != nil {
			return nil, err
		}
		pipelines[name] = spec
	}
	return pipelines, nil
}

// PipelineNames returns the names of pipelines in sorted order.
func PipelineNames(pipelines map[string]TaskSpec) []string {
	names := make([]string, 0, len(pipelines))
	for name := range pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// decodeSpec checks v against #TaskSpec and decodes it.
func decodeSpec(ctx *cue.Context, v cue.Value, field string) (TaskSpec, error) {
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return TaskSpec{}, fmt.Errorf("compile task spec schema: %w", err)
	}
	unified := schema.LookupPath(cue.ParsePath("#TaskSpec")).Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return TaskSpec{}, invalidSpec(field, formatCUEError(err))
	}

	data, err := unified.MarshalJSON()
	if err != nil {
		return TaskSpec{}, invalidSpec(field, formatCUEError(err))
	}
	var spec TaskSpec
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&spec); err != nil {
		return TaskSpec{}, invalidSpec(field, &CompileError{Field: field, Message: err.Error(), Pos: v.Pos()})
	}
	if err := CheckSpec(spec); err != nil {
		return TaskSpec{}, fmt.Errorf("%s: %w", field, err)
	}
	return spec, nil
}

func invalidSpec(field string, err error) error {
	return ir.NewError(ir.ValidationError, "invalid task spec "+field, err)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	// Return first error with position info
	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
