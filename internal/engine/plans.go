package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/roach88/scenepipe/internal/compiler"
	"github.com/roach88/scenepipe/internal/ir"
	"github.com/roach88/scenepipe/internal/store"
)

// Plans resolves plan cursors to compiled plans. Table plans are static;
// task-spec plans are persisted by digest and cached once loaded.
type Plans struct {
	store *store.Store

	mu    sync.RWMutex
	cache map[string]*compiler.Plan
}

// NewPlans returns a resolver over the store's persisted pipelines.
func NewPlans(s *store.Store) *Plans {
	return &Plans{store: s, cache: make(map[string]*compiler.Plan)}
}

// Save persists a task-spec plan under its digest and caches it.
func (p *Plans) Save(ctx context.Context, plan *compiler.Plan) error {
	digest, ok := strings.CutPrefix(plan.Route, ir.RouteSpecPrefix)
	if !ok {
		return ir.Invalid("plan %s is not a task-spec plan", plan.Route)
	}
	data, err := plan.Encode()
	if err != nil {
		return err
	}
	if err := p.store.SavePipeline(ctx, digest, data); err != nil {
		return fmt.Errorf("save plan %s: %w", plan.Route, err)
	}
	p.mu.Lock()
	p.cache[plan.Route] = plan
	p.mu.Unlock()
	return nil
}

// Lookup returns the plan for route.
func (p *Plans) Lookup(ctx context.Context, route string) (*compiler.Plan, error) {
	if name, ok := strings.CutPrefix(route, ir.RouteTablePrefix); ok {
		t, err := ir.ParseActivityType(name)
		if err != nil {
			return nil, err
		}
		return compiler.Table(t)
	}

	digest, ok := strings.CutPrefix(route, ir.RouteSpecPrefix)
	if !ok || digest == "" {
		return nil, ir.Invalid("unknown plan route %q", route)
	}

	p.mu.RLock()
	plan, cached := p.cache[route]
	p.mu.RUnlock()
	if cached {
		return plan, nil
	}

	data, err := p.store.LoadPipeline(ctx, digest)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ir.Misconfigured("plan %s is not stored", route)
	}
	if err != nil {
		return nil, fmt.Errorf("load plan %s: %w", route, err)
	}
	plan, err = compiler.DecodePlan(data)
	if err != nil {
		return nil, err
	}
	plan.Route = route

	p.mu.Lock()
	p.cache[route] = plan
	p.mu.Unlock()
	return plan, nil
}

// Cursor returns the plan and task node a message executes. Messages
// without a cursor run the table entry of their own stage.
func (p *Plans) Cursor(ctx context.Context, msg ir.TaskMessage) (*compiler.Plan, int, error) {
	if msg.Plan == nil {
		plan, err := compiler.Table(msg.ActivityType)
		if err != nil {
			return nil, 0, err
		}
		heads, err := compiler.Heads(plan, msg.CollectionID, msg.Args)
		if err != nil {
			return nil, 0, err
		}
		for _, h := range heads {
			if h.Activity == msg.ActivityType {
				return plan, h.Node, nil
			}
		}
		return nil, 0, ir.Misconfigured("table entry %s does not start with its own stage", msg.ActivityType)
	}

	plan, err := p.Lookup(ctx, msg.Plan.Route)
	if err != nil {
		return nil, 0, err
	}
	node := msg.Plan.Node
	if node < 0 || node >= len(plan.Nodes) {
		return nil, 0, ir.Invalid("plan %s has no node %d", plan.Route, node)
	}
	n := plan.Node(node)
	if n.Kind != compiler.NodeTask || n.Activity != msg.ActivityType {
		return nil, 0, ir.Invalid("plan %s node %d is not a %s task", plan.Route, node, msg.ActivityType)
	}
	return plan, node, nil
}
