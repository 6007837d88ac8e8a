package dispatch

import (
	"context"
	"fmt"

	"github.com/roach88/scenepipe/internal/compiler"
	"github.com/roach88/scenepipe/internal/ir"
	"github.com/roach88/scenepipe/internal/store"
)

// RestartFilter selects the activities to restart. At least one field must
// be set; scene ids are only accepted together with a collection and a
// type, so a scene id alone cannot restart every stage of every
// collection.
type RestartFilter struct {
	IDs []int64
	// Statuses matches the latest execution status. StatusPending also
	// matches activities that were never attempted.
	Statuses     []ir.Status
	Type         string
	CollectionID int64
	SceneIDs     []string
}

// RestartRequest re-enters the pipeline for every matching activity.
type RestartRequest struct {
	Filter RestartFilter
	// Args are merged into each activity before its plan is compiled.
	Args   ir.Args
	Action Action
}

func (f RestartFilter) storeFilter() (store.ActivityFilter, error) {
	sf := store.ActivityFilter{
		IDs:          f.IDs,
		SceneIDs:     f.SceneIDs,
		CollectionID: f.CollectionID,
		TypeContains: f.Type,
		LastStatus:   f.Statuses,
	}
	if sf.Empty() {
		return store.ActivityFilter{}, ir.Invalid("restart needs at least one filter")
	}
	if len(f.SceneIDs) > 0 && (f.CollectionID == 0 || f.Type == "") {
		return store.ActivityFilter{}, ir.Invalid("restart by scene id needs a collection id and an activity type")
	}
	for _, st := range f.Statuses {
		if !st.Valid() {
			return store.ActivityFilter{}, ir.Invalid("unknown execution status %q", st)
		}
	}
	return sf, nil
}

// Restart recompiles the table entry of each matching activity's type and
// enqueues its heads under new job ids. The activity history is kept, and
// a restarted activity gets one more execution record. Activities whose
// latest execution is running or waiting for a retry are skipped; a
// pending one that never started is enqueued again.
func (d *Dispatcher) Restart(ctx context.Context, req RestartRequest) (*Result, error) {
	if req.Action == "" {
		req.Action = ActionStart
	}
	if req.Action != ActionStart && req.Action != ActionPreview {
		return nil, ir.Invalid("unknown action %q", req.Action)
	}
	filter, err := req.Filter.storeFilter()
	if err != nil {
		return nil, err
	}
	acts, err := d.store.Find(ctx, filter)
	if err != nil {
		return nil, err
	}

	res := newResult(req.Action)
	for _, act := range acts {
		records, err := d.store.ExecutionsFor(ctx, act.ID)
		if err != nil {
			return res, err
		}
		outcome := ir.ClassifyHistory(records)
		if busy(records) {
			d.logger.Info("activity in progress, not restarting", "activity_id", act.ID, "key", act.Key().String())
			res.Skipped = append(res.Skipped, act.Key())
			continue
		}

		plan, err := compiler.Table(act.Type)
		if err != nil {
			return res, err
		}
		r := root{
			key:       act.Key(),
			args:      req.Args,
			sceneType: act.SceneType,
			tags:      nil,
			force:     true,
		}
		if err := d.dispatchTable(ctx, plan, r, res); err != nil {
			return res, fmt.Errorf("restart activity %d: %w", act.ID, err)
		}
		d.logger.Info("activity restarted", "activity_id", act.ID, "previous", string(outcome), "action", string(req.Action))
	}
	return res, nil
}

// busy reports whether a worker currently owns the latest execution.
func busy(records []ir.ExecutionRecord) bool {
	if len(records) == 0 {
		return false
	}
	latest := records[len(records)-1]
	return latest.Status == ir.StatusRunning || latest.Status == ir.StatusRetry
}
