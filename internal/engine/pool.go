package engine

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/scenepipe/internal/ir"
)

// PoolSpec sizes the workers of one stage.
type PoolSpec struct {
	Worker      *Worker
	Concurrency int
}

// Pool runs stage workers side by side in one process.
type Pool struct {
	specs  []PoolSpec
	logger *slog.Logger
}

// NewPool returns a pool over specs. A concurrency below one runs a single
// consumer.
func NewPool(logger *slog.Logger, specs ...PoolSpec) (*Pool, error) {
	if len(specs) == 0 {
		return nil, ir.Misconfigured("worker pool has no stages")
	}
	seen := make(map[ir.ActivityType]bool, len(specs))
	for i, spec := range specs {
		if spec.Worker == nil {
			return nil, ir.Misconfigured("worker pool spec %d has no worker", i)
		}
		if seen[spec.Worker.Stage()] {
			return nil, ir.Misconfigured("stage %s is listed twice", spec.Worker.Stage())
		}
		seen[spec.Worker.Stage()] = true
		if spec.Concurrency < 1 {
			specs[i].Concurrency = 1
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{specs: specs, logger: logger.With("component", "pool")}, nil
}

// Run starts every consumer and waits until they all stop. Consumers stop
// when ctx is done or the broker closes; a delivery in flight is finished
// first.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, spec := range p.specs {
		p.logger.Info("starting stage consumers", "stage", spec.Worker.Stage().String(), "concurrency", spec.Concurrency)
		for range spec.Concurrency {
			w := spec.Worker
			g.Go(func() error {
				return w.Run(ctx)
			})
		}
	}
	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}
