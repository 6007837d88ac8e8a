package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/roach88/scenepipe/internal/compiler"
	"github.com/roach88/scenepipe/internal/engine"
	"github.com/roach88/scenepipe/internal/ir"
	"github.com/roach88/scenepipe/internal/queue"
	"github.com/roach88/scenepipe/internal/store"
)

// Action selects whether a dispatch enqueues anything.
type Action string

const (
	ActionPreview Action = "preview"
	ActionStart   Action = "start"
)

// ParseAction validates an action name. Empty means start.
func ParseAction(s string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(s))) {
	case "", ActionStart:
		return ActionStart, nil
	case ActionPreview:
		return ActionPreview, nil
	}
	return "", ir.Invalid("unknown action %q (want preview or start)", s)
}

// Request dispatches the table entry of Type for each scene.
type Request struct {
	Type         ir.ActivityType
	CollectionID int64
	SceneIDs     []string
	Args         ir.Args
	SceneType    string
	Tags         []string
	// Force re-dispatches scenes whose root activity already exists.
	Force  bool
	Action Action
}

// Head is one enqueued, or in preview enqueueable, task.
type Head struct {
	ActivityID   int64           `json:"activity_id,omitempty"`
	ActivityType ir.ActivityType `json:"activity_type"`
	CollectionID int64           `json:"collection_id"`
	SceneID      string          `json:"scene_id"`
	JobID        string          `json:"job_id,omitempty"`
	Route        string          `json:"route"`
	Node         int             `json:"node"`
}

// Result reports what a dispatch did.
type Result struct {
	Action Action `json:"action"`
	Heads  []Head `json:"heads"`
	// Skipped lists roots that already existed without Force, or
	// activities that are still in progress on restart.
	Skipped []ir.ActivityKey `json:"skipped"`
}

func newResult(action Action) *Result {
	return &Result{Action: action, Heads: []Head{}, Skipped: []ir.ActivityKey{}}
}

// Dispatcher records root activities and enqueues plan heads.
type Dispatcher struct {
	store  *store.Store
	broker queue.Broker
	plans  *engine.Plans
	routes func(collectionID int64) ir.Args
	newJob func() string
	logger *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// WithPlans shares a plan cache with the workers of this process.
func WithPlans(p *engine.Plans) Option {
	return func(d *Dispatcher) {
		d.plans = p
	}
}

// WithRoutes supplies per-collection routing args (the target collections
// of correction and harmonization). They sit below the request args.
func WithRoutes(routes func(collectionID int64) ir.Args) Option {
	return func(d *Dispatcher) {
		d.routes = routes
	}
}

// WithJobIDs replaces the job id generator of dispatched heads.
func WithJobIDs(gen func() string) Option {
	return func(d *Dispatcher) {
		d.newJob = gen
	}
}

// New returns a dispatcher.
func New(s *store.Store, b queue.Broker, opts ...Option) *Dispatcher {
	d := &Dispatcher{store: s, broker: b, newJob: queue.NewJobID, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	if d.plans == nil {
		d.plans = engine.NewPlans(s)
	}
	d.logger = d.logger.With("component", "dispatch")
	return d
}

func checkTarget(t ir.ActivityType, collectionID int64, scenes []string, action Action) error {
	if !t.Valid() {
		return ir.Invalid("invalid activity type %d", int(t))
	}
	if collectionID <= 0 {
		return ir.Invalid("collection id must be positive, got %d", collectionID)
	}
	if len(scenes) == 0 {
		return ir.Invalid("no scene ids to dispatch")
	}
	for _, s := range scenes {
		if strings.TrimSpace(s) == "" {
			return ir.Invalid("empty scene id")
		}
	}
	if action != ActionStart && action != ActionPreview {
		return ir.Invalid("unknown action %q", action)
	}
	return nil
}

// Dispatch runs req against the fixed branching table.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	if req.Action == "" {
		req.Action = ActionStart
	}
	if err := checkTarget(req.Type, req.CollectionID, req.SceneIDs, req.Action); err != nil {
		return nil, err
	}
	plan, err := compiler.Table(req.Type)
	if err != nil {
		return nil, err
	}

	args := req.Args
	if d.routes != nil {
		args = d.routes(req.CollectionID).Merge(req.Args)
	}

	res := newResult(req.Action)
	for _, scene := range req.SceneIDs {
		key := ir.ActivityKey{CollectionID: req.CollectionID, Type: req.Type, SceneID: scene}.Normalize()
		root := root{
			key:       key,
			args:      args,
			sceneType: req.SceneType,
			tags:      req.Tags,
			force:     req.Force,
		}
		if err := d.dispatchTable(ctx, plan, root, res); err != nil {
			return res, err
		}
	}
	d.logger.Info("dispatched", "activity_type", req.Type.String(), "collection_id", req.CollectionID,
		"action", string(req.Action), "heads", len(res.Heads), "skipped", len(res.Skipped))
	return res, nil
}

// root is the activity a table dispatch starts from.
type root struct {
	key       ir.ActivityKey
	args      ir.Args
	sceneType string
	tags      []string
	force     bool
}

func (r root) defaults(args ir.Args) ir.ActivityDefaults {
	return ir.ActivityDefaults{SceneType: r.sceneType, Args: args, Tags: r.tags}
}

// outbound is a head registered in the store, waiting to be published.
type outbound struct {
	head Head
	msg  ir.TaskMessage
}

func (d *Dispatcher) dispatchTable(ctx context.Context, plan *compiler.Plan, r root, res *Result) error {
	if res.Action == ActionPreview {
		return d.previewTable(ctx, plan, r, res)
	}

	var pending []outbound
	skipped := false
	err := d.store.WithTx(ctx, func(tx *store.Tx) error {
		act, created, err := tx.GetOrCreate(ctx, r.key, r.defaults(r.args))
		if err != nil {
			return err
		}
		if !created && !r.force {
			skipped = true
			return nil
		}
		if !created {
			if act, err = tx.MergeArgs(ctx, act.ID, r.args); err != nil {
				return err
			}
			if err := tx.AddTags(ctx, act.ID, r.tags); err != nil {
				return err
			}
		}

		heads, err := compiler.Heads(plan, r.key.CollectionID, act.Args)
		if err != nil {
			return err
		}
		for _, h := range heads {
			headAct := act
			if h.Activity != act.Type || h.CollectionID != act.CollectionID {
				key := ir.ActivityKey{CollectionID: h.CollectionID, Type: h.Activity, SceneID: r.key.SceneID}
				if headAct, _, err = tx.GetOrCreate(ctx, key, r.defaults(h.Args)); err != nil {
					return err
				}
			}
			ob, err := d.register(ctx, tx, plan, h, headAct, r.sceneType, r.tags)
			if err != nil {
				return err
			}
			pending = append(pending, ob)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("dispatch %s: %w", r.key, err)
	}
	if skipped {
		d.logger.Info("activity exists, skipping", "key", r.key.String())
		res.Skipped = append(res.Skipped, r.key)
		return nil
	}
	return d.publish(ctx, pending, res)
}

func (d *Dispatcher) previewTable(ctx context.Context, plan *compiler.Plan, r root, res *Result) error {
	act, err := d.store.LookupActivity(ctx, r.key)
	exists := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if exists && !r.force {
		res.Skipped = append(res.Skipped, r.key)
		return nil
	}
	args := r.args
	if exists {
		args = act.Args.Merge(r.args)
	}
	heads, err := compiler.Heads(plan, r.key.CollectionID, args)
	if err != nil {
		return err
	}
	for _, h := range heads {
		head := headOf(plan, h, r.key.SceneID)
		if exists && h.Activity == act.Type && h.CollectionID == act.CollectionID {
			head.ActivityID = act.ID
		}
		res.Heads = append(res.Heads, head)
	}
	return nil
}

func headOf(plan *compiler.Plan, h compiler.Step, scene string) Head {
	return Head{
		ActivityType: h.Activity,
		CollectionID: h.CollectionID,
		SceneID:      scene,
		Route:        plan.Route,
		Node:         h.Node,
	}
}

// register records a pending execution for head h of act inside tx.
func (d *Dispatcher) register(ctx context.Context, tx *store.Tx, plan *compiler.Plan, h compiler.Step, act ir.Activity, sceneType string, tags []string) (outbound, error) {
	jobID := d.newJob()
	if err := tx.RecordPending(ctx, act.ID, jobID, h.Activity.Queue()); err != nil {
		return outbound{}, err
	}
	head := headOf(plan, h, act.SceneID)
	head.ActivityID = act.ID
	head.JobID = jobID
	msg := ir.TaskMessage{
		ActivityType: h.Activity,
		CollectionID: h.CollectionID,
		SceneID:      act.SceneID,
		Args:         h.Args,
		Plan:         &ir.PlanCursor{Route: plan.Route, Node: h.Node},
		SceneType:    sceneType,
		Tags:         tags,
	}
	return outbound{head: head, msg: msg}, nil
}

func (d *Dispatcher) publish(ctx context.Context, pending []outbound, res *Result) error {
	for _, ob := range pending {
		if _, err := d.broker.Publish(ctx, ob.msg.ActivityType.Queue(), ob.msg, queue.PublishOptions{JobID: ob.head.JobID}); err != nil {
			return fmt.Errorf("enqueue %s for scene %s: %w", ob.msg.ActivityType, ob.msg.SceneID, err)
		}
		d.logger.Debug("head enqueued", "activity_id", ob.head.ActivityID, "job_id", ob.head.JobID,
			"queue", ob.msg.ActivityType.Queue(), "route", ob.head.Route)
		res.Heads = append(res.Heads, ob.head)
	}
	return nil
}
