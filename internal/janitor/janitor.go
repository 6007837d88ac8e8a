// Package janitor runs the periodic maintenance sweep: queue jobs whose
// consumer died are returned to their queue, lock-pool slots whose lease
// expired are released, and the queue depth gauges are refreshed.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/roach88/scenepipe/internal/ir"
	"github.com/roach88/scenepipe/internal/metrics"
	"github.com/roach88/scenepipe/internal/queue"
	"github.com/roach88/scenepipe/internal/store"
)

// Report summarizes one sweep.
type Report struct {
	ReclaimedJobs  int            `json:"reclaimed_jobs"`
	ReclaimedHolds int            `json:"reclaimed_holds"`
	Depths         map[string]int `json:"depths,omitempty"`
}

// Janitor sweeps on a cron schedule.
type Janitor struct {
	store      *store.Store
	broker     queue.Broker
	schedule   cron.Schedule
	visibility time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithLogger sets the janitor logger.
func WithLogger(l *slog.Logger) Option {
	return func(j *Janitor) {
		j.logger = l
	}
}

// WithMetrics publishes queue depths to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(j *Janitor) {
		j.metrics = m
	}
}

// New parses spec, a standard five-field cron expression or descriptor
// such as "@every 1m". Jobs claimed longer than visibility ago are
// reclaimed.
func New(s *store.Store, b queue.Broker, spec string, visibility time.Duration, opts ...Option) (*Janitor, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, ir.Misconfigured("janitor schedule %q: %v", spec, err)
	}
	if visibility <= 0 {
		return nil, ir.Misconfigured("janitor visibility timeout must be positive")
	}
	j := &Janitor{
		store:      s,
		broker:     b,
		schedule:   schedule,
		visibility: visibility,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	j.logger = j.logger.With("component", "janitor")
	return j, nil
}

// NextRun returns the next scheduled sweep after now.
func (j *Janitor) NextRun() time.Time {
	return j.schedule.Next(j.now())
}

// Run sweeps on schedule until ctx is done. Sweep errors are logged and
// do not stop the loop.
func (j *Janitor) Run(ctx context.Context) error {
	for {
		next := j.NextRun()
		j.logger.Debug("waiting for next sweep", "next_run", next)

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			j.logger.Info("janitor shutting down")
			return nil
		case <-timer.C:
		}

		if _, err := j.Sweep(ctx); err != nil {
			j.logger.Warn("sweep completed with error", "error", err)
		}
	}
}

// Sweep runs one maintenance pass. Every step runs even if an earlier one
// failed; the errors are joined.
func (j *Janitor) Sweep(ctx context.Context) (Report, error) {
	var (
		report Report
		errs   []error
	)

	jobs, err := j.store.ReclaimStaleJobs(ctx, j.visibility)
	if err != nil {
		errs = append(errs, err)
	}
	report.ReclaimedJobs = jobs

	holds, err := j.store.ReclaimExpiredHolds(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	report.ReclaimedHolds = holds

	report.Depths = make(map[string]int)
	for _, t := range ir.AllActivityTypes() {
		depth, err := j.broker.Depth(ctx, t.Queue())
		if errors.Is(err, errors.ErrUnsupported) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("depth of %s: %w", t.Queue(), err))
			continue
		}
		report.Depths[t.Queue()] = depth
		j.metrics.SetQueueDepth(t.Queue(), depth)
	}

	if jobs > 0 || holds > 0 {
		j.logger.Warn("reclaimed abandoned work", "jobs", jobs, "holds", holds)
	} else {
		j.logger.Debug("sweep found nothing to reclaim")
	}
	return report, errors.Join(errs...)
}
