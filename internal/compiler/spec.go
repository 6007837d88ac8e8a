package compiler

import (
	"context"
	"fmt"

	"github.com/roach88/scenepipe/internal/ir"
)

// Group modes of a task spec's children.
const (
	ModeParallel = "parallel"
	ModeSequence = "sequence"
)

// TaskSpec is one node of an ad-hoc pipeline tree. The root's children
// run in parallel and nested children in sequence unless Mode says
// otherwise.
type TaskSpec struct {
	Type ir.ActivityType `json:"type"`
	// Collection is the target collection. Zero inherits the parent's, or
	// the dispatch collection for the root.
	Collection int64      `json:"collection,omitempty"`
	Args       ir.Args    `json:"args,omitempty"`
	When       string     `json:"when,omitempty"`
	Unless     string     `json:"unless,omitempty"`
	Mode       string     `json:"mode,omitempty"`
	Tasks      []TaskSpec `json:"tasks,omitempty"`
}

// SpecOptions control task-spec compilation.
type SpecOptions struct {
	// DefaultCollection is used by the root when it names no collection.
	DefaultCollection int64
	// SkipCollectionID drops every child subtree targeting that collection.
	SkipCollectionID int64
}

// SpecTask is the activity a spec node stands for, handed to the Recorder.
type SpecTask struct {
	Activity     ir.ActivityType
	CollectionID int64
	Args         ir.Args
}

// Recorder persists the activity of each spec node as it is compiled.
// Nodes are visited in pre-order with the activity of the parent node
// (nil for the root). keep=false prunes the node and its subtree.
type Recorder interface {
	Record(ctx context.Context, task SpecTask, parent *ir.Activity) (act ir.Activity, keep bool, err error)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, task SpecTask, parent *ir.Activity) (ir.Activity, bool, error)

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, task SpecTask, parent *ir.Activity) (ir.Activity, bool, error) {
	return f(ctx, task, parent)
}

// CompiledSpec is the outcome of CompileSpec.
type CompiledSpec struct {
	// Plan is nil when the recorder pruned the root.
	Plan *Plan
	// Activities maps each task node to the activity recorded for it.
	Activities map[int]ir.Activity
}

// CompileSpec validates spec, records its activities through rec and
// lowers it to a plan routed by its own digest.
func CompileSpec(ctx context.Context, spec TaskSpec, opts SpecOptions, rec Recorder) (*CompiledSpec, error) {
	if err := CheckSpec(spec); err != nil {
		return nil, err
	}
	collection := spec.Collection
	if collection == 0 {
		collection = opts.DefaultCollection
	}
	if collection <= 0 {
		return nil, ir.Invalid("task spec %s has no collection", spec.Type)
	}

	c := &specCompiler{opts: opts, rec: rec, acts: make(map[*TaskExpr]ir.Activity)}
	expr, err := c.lower(ctx, spec, collection, nil, nil, 0)
	if err != nil {
		return nil, err
	}
	if expr == nil {
		return &CompiledSpec{}, nil
	}

	b := &builder{tasks: make(map[*TaskExpr]int)}
	root := expr.build(b, NoNode)
	p := &Plan{Root: root, Nodes: b.nodes}
	digest, err := p.Digest()
	if err != nil {
		return nil, err
	}
	p.Route = ir.SpecRoute(digest)
	if err := ValidatePlan(p); err != nil {
		return nil, err
	}

	acts := make(map[int]ir.Activity, len(c.acts))
	for t, act := range c.acts {
		acts[b.tasks[t]] = act
	}
	return &CompiledSpec{Plan: p, Activities: acts}, nil
}

type specCompiler struct {
	opts SpecOptions
	rec  Recorder
	acts map[*TaskExpr]ir.Activity
}

func (c *specCompiler) lower(ctx context.Context, spec TaskSpec, collection int64, parent *ir.Activity, from *TaskExpr, depth int) (Expr, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	act, keep, err := c.rec.Record(ctx, SpecTask{Activity: spec.Type, CollectionID: collection, Args: spec.Args.Clone()}, parent)
	if err != nil {
		return nil, fmt.Errorf("record %s in collection %d: %w", spec.Type, collection, err)
	}
	if !keep {
		return nil, nil
	}

	task := Task(spec.Type, InCollection(collection), WithArgs(spec.Args))
	task.from = from
	c.acts[task] = act

	var children []Expr
	for _, child := range spec.Tasks {
		childCollection := child.Collection
		if childCollection == 0 {
			childCollection = collection
		}
		if c.opts.SkipCollectionID != 0 && childCollection == c.opts.SkipCollectionID {
			continue
		}
		e, err := c.lower(ctx, child, childCollection, &act, task, depth+1)
		if err != nil {
			return nil, err
		}
		if e != nil {
			children = append(children, e)
		}
	}

	var expr Expr = task
	switch {
	case len(children) == 1:
		expr = Seq(task, children[0])
	case len(children) > 1:
		expr = Seq(task, c.group(spec.Mode, depth, children))
	}

	switch {
	case spec.When != "":
		expr = Opt(spec.When, expr)
	case spec.Unless != "":
		expr = OptUnless(spec.Unless, expr)
	}
	return expr, nil
}

func (c *specCompiler) group(mode string, depth int, children []Expr) Expr {
	if mode == "" {
		mode = ModeSequence
		if depth == 0 {
			mode = ModeParallel
		}
	}
	if mode == ModeParallel {
		return Par(children...)
	}
	return Seq(children...)
}

// CheckSpec reports the first structural problem in spec as a
// ValidationError.
func CheckSpec(spec TaskSpec) error {
	return checkSpec(spec, "task", true)
}

func checkSpec(spec TaskSpec, path string, root bool) error {
	if !spec.Type.Valid() {
		return ir.Invalid("%s: invalid activity type", path)
	}
	if spec.Collection < 0 {
		return ir.Invalid("%s: negative collection %d", path, spec.Collection)
	}
	if root && (spec.When != "" || spec.Unless != "") {
		return ir.Invalid("%s: the root task cannot be conditional", path)
	}
	if spec.When != "" && spec.Unless != "" {
		return ir.Invalid("%s: when and unless are exclusive", path)
	}
	switch spec.Mode {
	case "", ModeParallel, ModeSequence:
	default:
		return ir.Invalid("%s: unknown mode %q", path, spec.Mode)
	}
	for i, child := range spec.Tasks {
		if err := checkSpec(child, fmt.Sprintf("%s.tasks[%d]", path, i), false); err != nil {
			return err
		}
	}
	return nil
}
