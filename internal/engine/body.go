package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/roach88/scenepipe/internal/ir"
)

// Body is the unit of work a stage performs on an activity. The returned
// args are merged into the activity and carried to its successors.
type Body interface {
	Run(ctx context.Context, act ir.Activity) (ir.Args, error)
}

// BodyFunc adapts a function to Body.
type BodyFunc func(ctx context.Context, act ir.Activity) (ir.Args, error)

// Run implements Body.
func (f BodyFunc) Run(ctx context.Context, act ir.Activity) (ir.Args, error) {
	return f(ctx, act)
}

// Bodies maps each stage to its body.
type Bodies struct {
	mu     sync.RWMutex
	bodies map[ir.ActivityType]Body
}

// NewBodies returns an empty registry.
func NewBodies() *Bodies {
	return &Bodies{bodies: make(map[ir.ActivityType]Body)}
}

// Register sets the body of stage t, replacing any previous one.
func (b *Bodies) Register(t ir.ActivityType, body Body) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bodies[t] = body
}

// Lookup returns the body of stage t.
func (b *Bodies) Lookup(t ir.ActivityType) (Body, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	body, ok := b.bodies[t]
	return body, ok
}

// Stages returns the stages with a registered body in declaration order.
func (b *Bodies) Stages() []ir.ActivityType {
	b.mu.RLock()
	defer b.mu.RUnlock()
	stages := make([]ir.ActivityType, 0, len(b.bodies))
	for t := range b.bodies {
		stages = append(stages, t)
	}
	sort.Slice(stages, func(i, j int) bool { return stages[i] < stages[j] })
	return stages
}
