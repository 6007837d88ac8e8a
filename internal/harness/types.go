package harness

import (
	"github.com/roach88/scenepipe/internal/ir"
)

// TraceEvent is one handled delivery. Job and activity ids are left out so
// the trace only depends on the scenario.
type TraceEvent struct {
	Seq          int             `json:"seq"`
	Stage        ir.ActivityType `json:"stage"`
	CollectionID int64           `json:"collection_id"`
	SceneID      string          `json:"scene_id"`
	Attempt      int             `json:"attempt"`
	// Status is the execution status after the delivery, or "rejected"
	// when the message never reached an execution.
	Status    string       `json:"status"`
	ErrorKind ir.ErrorKind `json:"error_kind,omitempty"`
}

// StatusRejected marks a delivery the worker refused before recording it.
const StatusRejected = "rejected"

// ActivityState is an activity as the scenario left it.
type ActivityState struct {
	Key     ir.ActivityKey
	Args    ir.Args
	Outcome ir.Outcome
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Trace lists the handled deliveries in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failures.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Activities is the final state of every activity, in creation order.
	Activities []ActivityState `json:"-"`

	// Settled is false when the run hit MaxSteps with work still queued.
	Settled bool `json:"settled"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:  true,
		Trace: []TraceEvent{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// activity returns the first activity of stage, narrowed by collection and
// scene when they are set.
func (r *Result) activity(stage ir.ActivityType, collectionID int64, sceneID string) (ActivityState, bool) {
	for _, st := range r.Activities {
		if st.Key.Type != stage {
			continue
		}
		if collectionID != 0 && st.Key.CollectionID != collectionID {
			continue
		}
		if sceneID != "" && st.Key.SceneID != sceneID {
			continue
		}
		return st, true
	}
	return ActivityState{}, false
}
