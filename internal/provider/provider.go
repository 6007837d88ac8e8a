// Package provider implements the Provider Resolver: priority-ordered data
// source bindings per collection, and the fallback loop that acquires a
// scene from the first source able to serve it.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/scenepipe/internal/ir"
)

// Request is one acquire call against a source.
type Request struct {
	Activity ir.Activity
	Binding  ir.ProviderBinding

	// Account is the rate-limited credential granted by the lock pool,
	// or nil when the binding names no pool.
	Account *ir.ResourceAccount

	// OutputDir is where the source writes the acquired scene.
	OutputDir string
}

// Result describes an acquired scene.
type Result struct {
	// File is the path of the acquired artifact.
	File string

	// Args are merged into the activity args on success.
	Args ir.Args
}

// Source is a data provider able to acquire scenes.
//
// Acquire must return an error classified as ir.TemporarilyUnavailable
// (see ir.Offline) when the scene exists but is not ready yet.
type Source interface {
	Acquire(ctx context.Context, req Request) (Result, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, req Request) (Result, error)

// Acquire implements Source.
func (f SourceFunc) Acquire(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Registry maps provider ids to sources. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]Source)}
}

// Register adds or replaces the source for id.
func (r *Registry) Register(id string, s Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[id] = s
}

// Lookup returns the source for id.
func (r *Registry) Lookup(id string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[id]
	return s, ok
}

// IDs returns the registered provider ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sources))
	for id := range r.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Attempt records one source call made by DownloadWithFallback.
type Attempt struct {
	ProviderID string
	Kind       ir.ErrorKind
	Err        error
}

// Outcome is the result of a successful fallback iteration.
type Outcome struct {
	Binding  ir.ProviderBinding
	Result   Result
	Attempts []Attempt
}

// FallbackError is returned when no provider served the scene. Its kind is
// TemporarilyUnavailable only when every provider reported the scene as
// offline.
type FallbackError struct {
	SceneID  string
	Attempts []Attempt
}

// Error implements the error interface.
func (e *FallbackError) Error() string {
	return fmt.Sprintf("no provider served scene %s after %d attempts", e.SceneID, len(e.Attempts))
}

// Kind classifies the exhausted iteration.
func (e *FallbackError) Kind() ir.ErrorKind {
	for _, a := range e.Attempts {
		if a.Kind != ir.TemporarilyUnavailable {
			return ir.ProcessingFailure
		}
	}
	return ir.TemporarilyUnavailable
}

// classified wraps e in an ir.Error of its kind so ir.KindOf sees it.
func (e *FallbackError) classified() error {
	kind := e.Kind()
	if kind == ir.TemporarilyUnavailable {
		return ir.Offline(e.SceneID, e)
	}
	return ir.Failed(fmt.Sprintf("download of %s failed", e.SceneID), e)
}
