package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/scenepipe/internal/compiler"
	"github.com/roach88/scenepipe/internal/ir"
	"github.com/roach88/scenepipe/internal/store"
)

// SpecRequest dispatches a task-spec tree for each scene.
type SpecRequest struct {
	Spec compiler.TaskSpec
	// CollectionID is used by a root that names no collection.
	CollectionID int64
	SceneIDs     []string
	// Args are merged into every activity of the tree, below the node's
	// own args.
	Args      ir.Args
	SceneType string
	Tags      []string
	// SkipCollectionID drops child subtrees targeting that collection.
	SkipCollectionID int64
	Force            bool
	Action           Action
}

// DispatchSpec compiles req.Spec once per scene. Each node's activity is
// recorded and linked to its parent's in the transaction that registers
// the heads, so a worker never sees a head without its provenance.
func (d *Dispatcher) DispatchSpec(ctx context.Context, req SpecRequest) (*Result, error) {
	if req.Action == "" {
		req.Action = ActionStart
	}
	collection := req.Spec.Collection
	if collection == 0 {
		collection = req.CollectionID
	}
	if err := checkTarget(req.Spec.Type, collection, req.SceneIDs, req.Action); err != nil {
		return nil, err
	}
	if err := compiler.CheckSpec(req.Spec); err != nil {
		return nil, err
	}

	res := newResult(req.Action)
	for _, scene := range req.SceneIDs {
		scene = ir.ActivityKey{SceneID: scene}.Normalize().SceneID
		if err := d.dispatchSpec(ctx, req, collection, scene, res); err != nil {
			return res, err
		}
	}
	d.logger.Info("dispatched task spec", "activity_type", req.Spec.Type.String(), "collection_id", collection,
		"action", string(req.Action), "heads", len(res.Heads), "skipped", len(res.Skipped))
	return res, nil
}

func (d *Dispatcher) dispatchSpec(ctx context.Context, req SpecRequest, collection int64, scene string, res *Result) error {
	opts := compiler.SpecOptions{DefaultCollection: collection, SkipCollectionID: req.SkipCollectionID}
	rootKey := ir.ActivityKey{CollectionID: collection, Type: req.Spec.Type, SceneID: scene}

	if req.Action == ActionPreview {
		compiled, err := compiler.CompileSpec(ctx, req.Spec, opts, d.lookupRecorder(scene, req.Force))
		if err != nil {
			return err
		}
		if compiled.Plan == nil {
			res.Skipped = append(res.Skipped, rootKey)
			return nil
		}
		heads, err := compiler.Heads(compiled.Plan, collection, req.Args)
		if err != nil {
			return err
		}
		for _, h := range heads {
			head := headOf(compiled.Plan, h, scene)
			head.ActivityID = compiled.Activities[h.Node].ID
			res.Heads = append(res.Heads, head)
		}
		return nil
	}

	var (
		plan    *compiler.Plan
		pending []outbound
	)
	err := d.store.WithTx(ctx, func(tx *store.Tx) error {
		compiled, err := compiler.CompileSpec(ctx, req.Spec, opts, d.txRecorder(tx, req, scene))
		if err != nil {
			return err
		}
		if compiled.Plan == nil {
			return nil
		}
		plan = compiled.Plan
		heads, err := compiler.Heads(plan, collection, req.Args)
		if err != nil {
			return err
		}
		for _, h := range heads {
			ob, err := d.register(ctx, tx, plan, h, compiled.Activities[h.Node], req.SceneType, req.Tags)
			if err != nil {
				return err
			}
			pending = append(pending, ob)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("dispatch task spec %s: %w", rootKey, err)
	}
	if plan == nil {
		d.logger.Info("activity exists, skipping", "key", rootKey.String())
		res.Skipped = append(res.Skipped, rootKey)
		return nil
	}
	// The plan must be loadable before any worker receives a head.
	if err := d.plans.Save(ctx, plan); err != nil {
		return err
	}
	return d.publish(ctx, pending, res)
}

// txRecorder records spec activities and their provenance links in tx. An
// existing root prunes the whole tree unless the request is forced.
func (d *Dispatcher) txRecorder(tx *store.Tx, req SpecRequest, scene string) compiler.Recorder {
	return compiler.RecorderFunc(func(ctx context.Context, task compiler.SpecTask, parent *ir.Activity) (ir.Activity, bool, error) {
		key := ir.ActivityKey{CollectionID: task.CollectionID, Type: task.Activity, SceneID: scene}
		args := req.Args.Merge(task.Args)
		act, created, err := tx.GetOrCreate(ctx, key, ir.ActivityDefaults{SceneType: req.SceneType, Args: args, Tags: req.Tags})
		if err != nil {
			return ir.Activity{}, false, err
		}
		if parent == nil && !created && !req.Force {
			return act, false, nil
		}
		if !created {
			if act, err = tx.MergeArgs(ctx, act.ID, args); err != nil {
				return ir.Activity{}, false, err
			}
			if err := tx.AddTags(ctx, act.ID, req.Tags); err != nil {
				return ir.Activity{}, false, err
			}
		}
		if parent != nil {
			if err := tx.Link(ctx, parent.ID, act.ID); err != nil {
				return ir.Activity{}, false, err
			}
		}
		return act, true, nil
	})
}

// lookupRecorder resolves spec activities without writing. Activities that
// do not exist yet are returned with a zero id.
func (d *Dispatcher) lookupRecorder(scene string, force bool) compiler.Recorder {
	return compiler.RecorderFunc(func(ctx context.Context, task compiler.SpecTask, parent *ir.Activity) (ir.Activity, bool, error) {
		key := ir.ActivityKey{CollectionID: task.CollectionID, Type: task.Activity, SceneID: scene}
		act, err := d.store.LookupActivity(ctx, key)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return ir.Activity{CollectionID: key.CollectionID, Type: key.Type, SceneID: key.SceneID, Args: task.Args}, true, nil
		case err != nil:
			return ir.Activity{}, false, err
		}
		if parent == nil && !force {
			return act, false, nil
		}
		return act, true, nil
	})
}
