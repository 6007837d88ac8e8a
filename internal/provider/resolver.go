package provider

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/scenepipe/internal/ir"
	"github.com/roach88/scenepipe/internal/lockpool"
	"github.com/roach88/scenepipe/internal/metrics"
	"github.com/roach88/scenepipe/internal/store"
)

// Resolver orders a collection's bindings and iterates them.
type Resolver struct {
	store   *store.Store
	sources *Registry
	pools   map[string]*lockpool.Manager
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the resolver logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = l
	}
}

// WithMetrics records per-provider attempts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) {
		r.metrics = m
	}
}

// WithPool makes bindings naming m.Pool() acquire a slot from m around
// each source call.
func WithPool(m *lockpool.Manager) Option {
	return func(r *Resolver) {
		r.pools[m.Pool()] = m
	}
}

// NewResolver creates a resolver over the bindings stored in s.
func NewResolver(s *store.Store, sources *Registry, opts ...Option) *Resolver {
	r := &Resolver{
		store:   s,
		sources: sources,
		pools:   make(map[string]*lockpool.Manager),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "provider")
	return r
}

// Resolve returns the bindings of collection ordered by priority ascending,
// ties broken by insertion order. Inactive bindings are included only on
// request.
func (r *Resolver) Resolve(ctx context.Context, collectionID int64, includeInactive bool) ([]ir.ProviderBinding, error) {
	return r.store.ProviderBindings(ctx, collectionID, includeInactive)
}

// Order returns the providers to try for act. An explicit catalog arg
// pins a single provider and bypasses the stored bindings.
func (r *Resolver) Order(ctx context.Context, act ir.Activity) ([]ir.ProviderBinding, error) {
	if catalog, ok := act.Args.String(ir.ArgCatalog); ok && catalog != "" {
		return []ir.ProviderBinding{{ProviderID: catalog, CollectionID: act.CollectionID, Active: true}}, nil
	}
	return r.Resolve(ctx, act.CollectionID, false)
}

// DownloadWithFallback tries each provider of ordered in turn and stops at
// the first success.
//
// An offline report is recorded and iteration continues; only when every
// provider reports offline is the failure TemporarilyUnavailable, so the
// activity is retried later. Any other error falls through to the next
// provider. An empty order fails fast with a ConfigurationError. A done
// ctx aborts the iteration.
func (r *Resolver) DownloadWithFallback(ctx context.Context, req Request, ordered []ir.ProviderBinding) (Outcome, error) {
	sceneID := req.Activity.SceneID
	if len(ordered) == 0 {
		return Outcome{}, ir.Misconfigured("no provider bound to collection %d", req.Activity.CollectionID)
	}

	var attempts []Attempt
	for _, binding := range ordered {
		req.Binding = binding
		logger := r.logger.With("scene_id", sceneID, "provider_id", binding.ProviderID)
		logger.Info("trying provider", "priority", binding.Priority)

		result, err := r.attempt(ctx, req)
		if err == nil {
			r.metrics.ProviderAttempt(binding.ProviderID, "success")
			return Outcome{Binding: binding, Result: result, Attempts: attempts}, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Outcome{}, fmt.Errorf("download %s: %w", sceneID, ctxErr)
		}

		kind := ir.KindOf(err)
		attempts = append(attempts, Attempt{ProviderID: binding.ProviderID, Kind: kind, Err: err})
		if kind == ir.TemporarilyUnavailable {
			r.metrics.ProviderAttempt(binding.ProviderID, "offline")
			logger.Info("scene offline at provider", "error", err)
			continue
		}
		r.metrics.ProviderAttempt(binding.ProviderID, "error")
		logger.Error("provider failed", "error", err)
	}

	failure := &FallbackError{SceneID: sceneID, Attempts: attempts}
	return Outcome{Attempts: attempts}, failure.classified()
}

// attempt runs one source call, holding a pool slot when the binding
// names a pool.
func (r *Resolver) attempt(ctx context.Context, req Request) (Result, error) {
	source, ok := r.sources.Lookup(req.Binding.ProviderID)
	if !ok {
		return Result{}, ir.Misconfigured("provider %q has no registered source", req.Binding.ProviderID)
	}

	if req.Binding.Pool != "" {
		pool, ok := r.pools[req.Binding.Pool]
		if !ok {
			return Result{}, ir.Misconfigured("provider %q names unknown lock pool %q", req.Binding.ProviderID, req.Binding.Pool)
		}
		handle, err := pool.Acquire(ctx)
		if err != nil {
			return Result{}, err
		}
		// A slot that fails to release stays tracked by the pool; ReleaseAll
		// and the lease janitor reclaim it. The source result stands.
		defer func() {
			if relErr := handle.Release(ctx); relErr != nil {
				r.logger.Error("failed to release pool slot",
					"provider_id", req.Binding.ProviderID, "pool", req.Binding.Pool, "error", relErr)
			}
		}()
		account := handle.Account
		req.Account = &account
	}

	return source.Acquire(ctx, req)
}
