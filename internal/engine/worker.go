package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/roach88/scenepipe/internal/compiler"
	"github.com/roach88/scenepipe/internal/ir"
	"github.com/roach88/scenepipe/internal/metrics"
	"github.com/roach88/scenepipe/internal/queue"
	"github.com/roach88/scenepipe/internal/store"
)

// Default worker timings.
const (
	DefaultInfraDelay        = 5 * time.Second
	DefaultInfraRedeliveries = 20
	DefaultReceiveDelay      = time.Second
	publishAttempts          = 3
)

// Worker consumes one stage queue.
type Worker struct {
	stage   ir.ActivityType
	store   *store.Store
	broker  queue.Broker
	body    Body
	plans   *Plans
	policy  Policy
	logger  *slog.Logger
	metrics *metrics.Metrics

	envPrefixes  []string
	infraDelay   time.Duration
	infraLimit   int
	receiveDelay time.Duration
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = l
	}
}

// WithMetrics records message outcomes.
func WithMetrics(m *metrics.Metrics) WorkerOption {
	return func(w *Worker) {
		w.metrics = m
	}
}

// WithPolicy overrides DefaultPolicy.
func WithPolicy(p Policy) WorkerOption {
	return func(w *Worker) {
		w.policy = p
	}
}

// WithPlans shares a plan cache between workers.
func WithPlans(p *Plans) WorkerOption {
	return func(w *Worker) {
		w.plans = p
	}
}

// WithEnvironment captures variables with these name prefixes on every
// ExecutionRecord.
func WithEnvironment(prefixes ...string) WorkerOption {
	return func(w *Worker) {
		w.envPrefixes = prefixes
	}
}

// WithInfraDelay sets the redelivery delay used when the store or broker
// fails outside the stage body.
func WithInfraDelay(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.infraDelay = d
	}
}

// WithInfraRedeliveries bounds the redeliveries of one job for failures
// outside the stage body, counted beyond the stage's attempt budget.
func WithInfraRedeliveries(n int) WorkerOption {
	return func(w *Worker) {
		w.infraLimit = n
	}
}

// NewWorker builds the worker of stage. The stage must have a body.
func NewWorker(stage ir.ActivityType, s *store.Store, b queue.Broker, bodies *Bodies, opts ...WorkerOption) (*Worker, error) {
	if !stage.Valid() {
		return nil, ir.Misconfigured("invalid stage %d", int(stage))
	}
	body, ok := bodies.Lookup(stage)
	if !ok {
		return nil, ir.Misconfigured("no body registered for stage %s", stage)
	}
	w := &Worker{
		stage:        stage,
		store:        s,
		broker:       b,
		body:         body,
		policy:       DefaultPolicy(DefaultRetryDelay),
		logger:       slog.Default(),
		infraDelay:   DefaultInfraDelay,
		infraLimit:   DefaultInfraRedeliveries,
		receiveDelay: DefaultReceiveDelay,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.plans == nil {
		w.plans = NewPlans(s)
	}
	w.logger = w.logger.With("component", "worker", "stage", stage.String())
	return w, nil
}

// Stage returns the stage the worker consumes.
func (w *Worker) Stage() ir.ActivityType {
	return w.stage
}

// Run consumes the stage queue until ctx is done or the broker closes.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker starting", "queue", w.stage.Queue())
	for {
		d, err := w.broker.Receive(ctx, w.stage.Queue())
		switch {
		case ctx.Err() != nil:
			w.logger.Info("worker stopping: context cancelled")
			return nil
		case errors.Is(err, queue.ErrClosed):
			w.logger.Info("worker stopping: broker closed")
			return nil
		case err != nil:
			w.logger.Warn("receive failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.receiveDelay):
			}
			continue
		}

		if err := w.Handle(ctx, d); err != nil {
			w.logger.Error("delivery not settled", "job_id", d.JobID, "error", err)
		}
	}
}

// Handle processes one delivery and settles it. The returned error reports
// a settlement that failed; stage failures are settled, not returned.
func (w *Worker) Handle(ctx context.Context, d *queue.Delivery) error {
	// Nothing below is preempted by shutdown.
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	log := w.logger.With("job_id", d.JobID, "attempt", d.Attempt)

	msg, err := d.Message()
	if err == nil && msg.ActivityType != w.stage {
		err = ir.Invalid("%s message delivered to the %s queue", msg.ActivityType, w.stage)
	}
	if err != nil {
		log.Warn("rejecting message", "error", err)
		w.observe("rejected", start)
		return w.broker.Reject(ctx, d, err.Error())
	}
	log = log.With("collection_id", msg.CollectionID, "scene_id", msg.SceneID)
	log.Debug("message received")

	plan, node, err := w.plans.Cursor(ctx, msg)
	if err != nil {
		return w.settleInfra(ctx, d, log, start, "resolve plan", err)
	}

	act, rec, prior, err := w.begin(ctx, d, msg, log)
	if err != nil {
		return w.settleInfra(ctx, d, log, start, "begin execution", err)
	}
	log = log.With("activity_id", act.ID)

	if prior != nil {
		return w.settleFinished(ctx, d, log, start, *prior, plan, node, act)
	}
	log = log.With("execution_id", rec.ID)
	log.Info("stage started", "attempts", rec.Attempts)

	out, bodyErr := w.runBody(ctx, act)
	var steps []compiler.Step
	if bodyErr == nil {
		act.Args = act.Args.Merge(out)
		// An unresolvable successor fails this execution, not a later one.
		steps, bodyErr = compiler.Successors(plan, node, act.CollectionID, act.Args)
	}
	if bodyErr != nil {
		return w.settleFailure(ctx, d, log, start, act, rec, bodyErr)
	}

	err = w.store.WithTx(ctx, func(tx *store.Tx) error {
		if len(out) > 0 {
			if _, err := tx.MergeArgs(ctx, act.ID, out); err != nil {
				return err
			}
		}
		return tx.FinishExecution(ctx, rec.ID, ir.StatusSuccess, nil)
	})
	if err != nil {
		return w.settleInfra(ctx, d, log, start, "record success", err)
	}
	log.Info("stage succeeded", "elapsed", time.Since(start))

	if err := w.publish(ctx, d, plan, act, msg, steps, log); err != nil {
		return w.settleInfra(ctx, d, log, start, "publish successors", err)
	}
	w.observe("success", start)
	return w.broker.Ack(ctx, d)
}

// begin opens the execution of d. prior is set, and rec left empty, when the
// job's record is already terminal (a redelivery of a settled job).
func (w *Worker) begin(ctx context.Context, d *queue.Delivery, msg ir.TaskMessage, log *slog.Logger) (act ir.Activity, rec ir.ExecutionRecord, prior *ir.ExecutionRecord, err error) {
	digestErr := error(nil)
	err = w.store.WithTx(ctx, func(tx *store.Tx) error {
		existing, err := tx.ExecutionByJob(ctx, d.JobID)
		switch {
		case err == nil && existing.Status.Terminal():
			prior = &existing
			act, err = tx.GetActivity(ctx, existing.ActivityID)
			return err
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return err
		}

		var created bool
		act, created, err = tx.GetOrCreate(ctx, msg.Key(), ir.ActivityDefaults{
			SceneType: msg.SceneType,
			Args:      msg.Args,
			Tags:      msg.Tags,
		})
		if err != nil {
			return err
		}
		if !created {
			if act, err = tx.MergeArgs(ctx, act.ID, msg.Args); err != nil {
				return err
			}
			if err := tx.AddTags(ctx, act.ID, msg.Tags); err != nil {
				return err
			}
			act.Tags = ir.NormalizeTags(append(act.Tags, msg.Tags...))
		}
		if msg.ParentActivityID > 0 {
			err := tx.Link(ctx, msg.ParentActivityID, act.ID)
			if ir.IsKind(err, ir.ValidationError) {
				log.Warn("provenance link skipped", "parent_activity_id", msg.ParentActivityID, "error", err)
			} else if err != nil {
				return err
			}
		}

		digest, err := ir.ArgsDigest(act.Args)
		if err != nil {
			// Args that cannot be digested still run; the record just
			// carries no digest.
			digestErr = err
			digest = ""
		}
		rec, err = tx.BeginExecution(ctx, store.ExecutionStart{
			ActivityID:  act.ID,
			JobID:       d.JobID,
			Queue:       d.Queue,
			Environment: Snapshot(w.envPrefixes),
			ArgsDigest:  digest,
		})
		return err
	})
	if digestErr != nil {
		log.Debug("args digest unavailable", "error", digestErr)
	}
	return act, rec, prior, err
}

// runBody runs the stage body, converting a panic into a ProcessingFailure.
func (w *Worker) runBody(ctx context.Context, act ir.Activity) (out ir.Args, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = ir.Failed("stage body panicked", fmt.Errorf("%v", r))
		}
	}()
	return w.body.Run(ctx, act)
}

func (w *Worker) settleFailure(ctx context.Context, d *queue.Delivery, log *slog.Logger, start time.Time, act ir.Activity, rec ir.ExecutionRecord, cause error) error {
	kind := ir.KindOf(cause)
	decision := w.policy.Decide(w.stage, cause, rec.Attempts)
	status := ir.StatusFailure
	if decision.Retry {
		status = ir.StatusRetry
	}

	if err := w.store.WithTx(ctx, func(tx *store.Tx) error {
		if decision.Exhausted {
			return tx.ExhaustExecution(ctx, rec.ID, cause)
		}
		return tx.FinishExecution(ctx, rec.ID, status, cause)
	}); err != nil {
		return w.settleInfra(ctx, d, log, start, "record failure", err)
	}

	if decision.Retry {
		log.Warn("stage failed, retrying", "kind", kind, "attempts", rec.Attempts, "delay", decision.Delay, "error", cause)
		w.metrics.Retried(w.stage.Queue(), string(kind))
		w.observe("retry", start)
		return w.broker.Redeliver(ctx, d, decision.Delay, cause.Error())
	}
	log.Error("stage failed", "kind", kind, "attempts", rec.Attempts, "retries_exhausted", decision.Exhausted, "error", cause)
	w.observe("failure", start)
	return w.broker.Reject(ctx, d, cause.Error())
}

// settleFinished handles a redelivery of a job whose record is terminal.
// A success may not have published its successors before the crash, so
// they are published again under their derived job ids.
func (w *Worker) settleFinished(ctx context.Context, d *queue.Delivery, log *slog.Logger, start time.Time, prior ir.ExecutionRecord, plan *compiler.Plan, node int, act ir.Activity) error {
	if prior.Status != ir.StatusSuccess {
		log.Warn("dropping redelivery of a failed job", "execution_id", prior.ID)
		w.observe("duplicate", start)
		return w.broker.Ack(ctx, d)
	}
	log.Info("job already succeeded, re-publishing successors", "execution_id", prior.ID)
	steps, err := compiler.Successors(plan, node, act.CollectionID, act.Args)
	if err != nil {
		log.Error("successors unavailable", "error", err)
		w.observe("duplicate", start)
		return w.broker.Ack(ctx, d)
	}
	msg := ir.TaskMessage{SceneID: act.SceneID, SceneType: act.SceneType, Tags: act.Tags}
	if err := w.publish(ctx, d, plan, act, msg, steps, log); err != nil {
		return w.settleInfra(ctx, d, log, start, "publish successors", err)
	}
	w.observe("duplicate", start)
	return w.broker.Ack(ctx, d)
}

// settleInfra settles a delivery that failed outside the stage body.
// Retryable failures are redelivered without consuming the retry budget
// until the delivery count passes the budget plus the infra limit;
// anything else is rejected.
func (w *Worker) settleInfra(ctx context.Context, d *queue.Delivery, log *slog.Logger, start time.Time, op string, cause error) error {
	limit := w.policy.For(w.stage).MaxAttempts + w.infraLimit
	if ir.KindOf(cause).Retryable() && d.Attempt < limit {
		log.Warn(op+" failed, redelivering", "delay", w.infraDelay, "error", cause)
		w.observe("redelivered", start)
		return w.broker.Redeliver(ctx, d, w.infraDelay, cause.Error())
	}
	if ir.KindOf(cause).Retryable() {
		log.Error(op+" failed, redelivery limit reached", "deliveries", d.Attempt, "error", cause)
		w.abandon(ctx, d, cause, log)
	} else {
		log.Error(op+" failed", "error", cause)
	}
	w.observe("rejected", start)
	return w.broker.Reject(ctx, d, cause.Error())
}

// abandon fails the unsettled record of a job that is given up on, so the
// activity is not left owned by a worker and can be restarted.
func (w *Worker) abandon(ctx context.Context, d *queue.Delivery, cause error, log *slog.Logger) {
	rec, err := w.store.ExecutionByJob(ctx, d.JobID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err == nil && rec.Status.Terminal() {
		return
	}
	if err == nil {
		err = w.store.FinishExecution(ctx, rec.ID, ir.StatusFailure, cause)
	}
	if err != nil {
		log.Error("failed to record abandoned job", "error", err)
	}
}

// publish enqueues the successors of a finished job.
func (w *Worker) publish(ctx context.Context, d *queue.Delivery, plan *compiler.Plan, act ir.Activity, msg ir.TaskMessage, steps []compiler.Step, log *slog.Logger) error {
	tableRoute := strings.HasPrefix(plan.Route, ir.RouteTablePrefix)
	for _, step := range steps {
		next := ir.TaskMessage{
			ActivityType: step.Activity,
			CollectionID: step.CollectionID,
			SceneID:      act.SceneID,
			Args:         step.Args,
			Plan:         &ir.PlanCursor{Route: plan.Route, Node: step.Node},
			SceneType:    msg.SceneType,
			Tags:         msg.Tags,
		}
		// Table plans have no recorded tree, so a stage feeding another
		// collection links its output at the consumer.
		if tableRoute && step.CollectionID != act.CollectionID {
			next.ParentActivityID = act.ID
		}

		jobID := queue.DerivedJobID(d.JobID, step.Node)
		backoff := retry.WithMaxRetries(publishAttempts-1, retry.NewConstant(200*time.Millisecond))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			_, err := w.broker.Publish(ctx, step.Activity.Queue(), next, queue.PublishOptions{JobID: jobID})
			if ir.KindOf(err).Retryable() {
				return retry.RetryableError(err)
			}
			return err
		})
		if err != nil {
			return fmt.Errorf("publish %s successor: %w", step.Activity, err)
		}
		log.Info("successor enqueued", "successor", step.Activity.String(), "collection_id", step.CollectionID, "successor_job_id", jobID)
	}
	w.metrics.SuccessorsEnqueued(w.stage.Queue(), len(steps))
	return nil
}

func (w *Worker) observe(outcome string, start time.Time) {
	w.metrics.MessageProcessed(w.stage.Queue(), outcome, time.Since(start))
}
