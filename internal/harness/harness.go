package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/roach88/scenepipe/internal/dispatch"
	"github.com/roach88/scenepipe/internal/engine"
	"github.com/roach88/scenepipe/internal/ir"
	"github.com/roach88/scenepipe/internal/queue"
	"github.com/roach88/scenepipe/internal/store"
	"github.com/roach88/scenepipe/internal/testutil"
)

// receiveTimeout bounds a Receive on a queue that reported a waiting
// message. Every delay is zero in a scenario, so it only trips on a bug.
const receiveTimeout = time.Second

// RunOption configures Run.
type RunOption func(*runner)

// WithLogger routes the logs of the dispatcher and workers to l.
// By default they are discarded.
func WithLogger(l *slog.Logger) RunOption {
	return func(r *runner) {
		r.logger = l
	}
}

type runner struct {
	scenario *Scenario
	logger   *slog.Logger

	store   *store.Store
	broker  *queue.MemoryBroker
	workers map[ir.ActivityType]*engine.Worker
}

// Run executes a scenario and returns the trace with the evaluated
// assertions. Each run gets its own store in a temporary directory.
//
// Execution:
//  1. Open a fresh store on a deterministic clock
//  2. Dispatch the scenario's scenes
//  3. Drain the stage queues one delivery at a time
//  4. Evaluate assertions against the trace and the final activities
//
// The returned error reports a harness failure (store, broker, a delivery
// that could not be settled). Failed assertions are reported in Result.
func Run(ctx context.Context, scenario *Scenario, opts ...RunOption) (*Result, error) {
	if scenario == nil {
		return nil, fmt.Errorf("scenario is nil")
	}
	if err := validateScenario(scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	dir, err := os.MkdirTemp("", "scenepipe-harness-*")
	if err != nil {
		return nil, fmt.Errorf("create scenario dir: %w", err)
	}
	defer os.RemoveAll(dir)

	clock := testutil.NewClock(time.Millisecond)
	st, err := store.Open(filepath.Join(dir, "scenario.db"), store.WithClock(clock.Now))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	r := &runner{
		scenario: scenario,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
		store:    st,
		broker:   queue.NewMemoryBroker(),
		workers:  map[ir.ActivityType]*engine.Worker{},
	}
	defer r.broker.Close()
	for _, opt := range opts {
		opt(r)
	}
	return r.run(ctx)
}

func (r *runner) run(ctx context.Context) (*Result, error) {
	plans := engine.NewPlans(r.store)
	ids := testutil.NewSequentialIDs("job")

	bodies := engine.NewBodies()
	for _, stage := range ir.AllActivityTypes() {
		bodies.Register(stage, newScriptedBody(r.scenario.Bodies[stage.String()]))
	}
	for _, stage := range ir.AllActivityTypes() {
		w, err := engine.NewWorker(stage, r.store, r.broker, bodies,
			engine.WithLogger(r.logger),
			engine.WithPlans(plans),
			engine.WithPolicy(immediatePolicy()),
			engine.WithInfraDelay(0),
		)
		if err != nil {
			return nil, err
		}
		r.workers[stage] = w
	}

	d := dispatch.New(r.store, r.broker,
		dispatch.WithLogger(r.logger),
		dispatch.WithPlans(plans),
		dispatch.WithJobIDs(ids.Next),
	)
	if err := r.dispatch(ctx, d); err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}

	result := NewResult()
	if err := r.drain(ctx, result); err != nil {
		return nil, err
	}
	if err := r.collect(ctx, result); err != nil {
		return nil, err
	}
	if !result.Settled {
		result.AddError(fmt.Sprintf("scenario did not settle within %d steps", r.maxSteps()))
	}

	for _, err := range EvaluateAssertions(result, r.scenario.Assertions) {
		result.AddError(err.Error())
	}
	return result, nil
}

func (r *runner) dispatch(ctx context.Context, d *dispatch.Dispatcher) error {
	step := r.scenario.Dispatch
	if step.Spec != nil {
		spec, err := step.Spec.TaskSpec()
		if err != nil {
			return err
		}
		_, err = d.DispatchSpec(ctx, dispatch.SpecRequest{
			Spec:         spec,
			CollectionID: step.CollectionID,
			SceneIDs:     step.SceneIDs,
			Args:         ir.Args(step.Args),
			SceneType:    step.SceneType,
			Tags:         step.Tags,
		})
		return err
	}

	t, err := ir.ParseActivityType(step.Type)
	if err != nil {
		return err
	}
	_, err = d.Dispatch(ctx, dispatch.Request{
		Type:         t,
		CollectionID: step.CollectionID,
		SceneIDs:     step.SceneIDs,
		Args:         ir.Args(step.Args),
		SceneType:    step.SceneType,
		Tags:         step.Tags,
	})
	return err
}

func (r *runner) maxSteps() int {
	if r.scenario.MaxSteps > 0 {
		return r.scenario.MaxSteps
	}
	return DefaultMaxSteps
}

// drain handles deliveries until every queue is empty. Each step takes the
// oldest message of the first non-empty queue in stage order.
func (r *runner) drain(ctx context.Context, result *Result) error {
	for seq := 1; seq <= r.maxSteps(); seq++ {
		stage, ok, err := r.nextStage(ctx)
		if err != nil {
			return err
		}
		if !ok {
			result.Settled = true
			return nil
		}

		event, err := r.step(ctx, stage)
		if err != nil {
			return err
		}
		event.Seq = seq
		result.Trace = append(result.Trace, event)
	}
	_, pending, err := r.nextStage(ctx)
	result.Settled = !pending
	return err
}

func (r *runner) nextStage(ctx context.Context) (ir.ActivityType, bool, error) {
	for _, stage := range ir.AllActivityTypes() {
		n, err := r.broker.Depth(ctx, stage.Queue())
		if err != nil {
			return ir.ActivityUnknown, false, err
		}
		if n > 0 {
			return stage, true, nil
		}
	}
	return ir.ActivityUnknown, false, nil
}

func (r *runner) step(ctx context.Context, stage ir.ActivityType) (TraceEvent, error) {
	rctx, cancel := context.WithTimeout(ctx, receiveTimeout)
	d, err := r.broker.Receive(rctx, stage.Queue())
	cancel()
	if err != nil {
		return TraceEvent{}, fmt.Errorf("receive %s: %w", stage, err)
	}

	event := TraceEvent{Stage: stage, Attempt: d.Attempt}
	if msg, err := d.Message(); err == nil {
		event.CollectionID = msg.CollectionID
		event.SceneID = msg.SceneID
	}

	if err := r.workers[stage].Handle(ctx, d); err != nil {
		return TraceEvent{}, fmt.Errorf("settle %s job %s: %w", stage, d.JobID, err)
	}

	rec, err := r.store.ExecutionByJob(ctx, d.JobID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		event.Status = StatusRejected
	case err != nil:
		return TraceEvent{}, err
	default:
		event.Status = string(rec.Status)
		event.ErrorKind = rec.ErrorKind
	}
	return event, nil
}

// collect snapshots every activity with its classified history.
func (r *runner) collect(ctx context.Context, result *Result) error {
	acts, err := r.store.Find(ctx, store.ActivityFilter{})
	if err != nil {
		return err
	}
	for _, act := range acts {
		recs, err := r.store.ExecutionsFor(ctx, act.ID)
		if err != nil {
			return err
		}
		result.Activities = append(result.Activities, ActivityState{
			Key:     act.Key(),
			Args:    act.Args,
			Outcome: ir.ClassifyHistory(recs),
		})
	}
	return nil
}

// immediatePolicy is the default retry policy without retry delays.
func immediatePolicy() engine.Policy {
	p := engine.DefaultPolicy(engine.DefaultRetryDelay)
	p.Default.Delay = 0
	for t, sp := range p.Stages {
		sp.Delay = 0
		p.Stages[t] = sp
	}
	return p
}

// scriptedBody plays its steps in order across every run of the stage,
// then succeeds with no output.
type scriptedBody struct {
	mu    sync.Mutex
	steps []BodyStep
	runs  int
}

func newScriptedBody(steps []BodyStep) *scriptedBody {
	return &scriptedBody{steps: steps}
}

func (b *scriptedBody) Run(ctx context.Context, act ir.Activity) (ir.Args, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.runs
	b.runs++
	if n >= len(b.steps) {
		return nil, nil
	}
	step := b.steps[n]
	if step.Error == "" {
		return ir.Args(step.Args).Clone(), nil
	}
	kind, _ := parseErrorKind(step.Error)
	msg := step.Message
	if msg == "" {
		msg = fmt.Sprintf("scripted %s for %s", kind, act.Key())
	}
	return nil, ir.NewError(kind, msg, nil)
}
