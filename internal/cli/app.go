package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"

	"github.com/roach88/scenepipe/internal/config"
	"github.com/roach88/scenepipe/internal/dispatch"
	"github.com/roach88/scenepipe/internal/engine"
	"github.com/roach88/scenepipe/internal/ir"
	"github.com/roach88/scenepipe/internal/lockpool"
	"github.com/roach88/scenepipe/internal/metrics"
	"github.com/roach88/scenepipe/internal/provider"
	"github.com/roach88/scenepipe/internal/queue"
	"github.com/roach88/scenepipe/internal/stages"
	"github.com/roach88/scenepipe/internal/store"
)

// app holds the components a command builds from the configuration.
// Components are opened on first use and released by Close.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	store   *store.Store
	metrics *metrics.Metrics
	plans   *engine.Plans

	broker queue.Broker
	pubsub *pubsub.Client
	gcs    *storage.Client
	pools  []*lockpool.Manager
}

// loadConfig reads the config file named by --config and applies --db.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.DB != "" {
		cfg.Store.Path = opts.DB
	}
	return cfg, nil
}

// newLogger builds the process logger. --verbose forces debug level.
func newLogger(w io.Writer, cfg config.LoggingConfig, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

// openApp loads the configuration and opens the store.
func openApp(opts *RootOptions, stderr io.Writer) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger := newLogger(stderr, cfg.Logging, opts.Verbose)

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	m, err := metrics.New()
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to create metrics", err)
	}
	logger.Debug("store opened", "path", cfg.Store.Path)

	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		metrics: m,
		plans:   engine.NewPlans(st),
	}, nil
}

// Broker opens the configured message broker. Pub/Sub topics and
// subscriptions are created for every stage queue.
func (a *app) Broker(ctx context.Context) (queue.Broker, error) {
	if a.broker != nil {
		return a.broker, nil
	}
	switch a.cfg.Broker.Kind {
	case config.BrokerPubSub:
		client, err := pubsub.NewClient(ctx, a.cfg.Broker.Project)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to create pubsub client", err)
		}
		b := queue.NewPubSubBroker(client,
			queue.WithTopicPrefix(a.cfg.Broker.TopicPrefix),
			queue.WithPubSubLogger(a.logger),
		)
		queues := make([]string, 0, len(ir.AllActivityTypes()))
		for _, t := range ir.AllActivityTypes() {
			queues = append(queues, t.Queue())
		}
		if err := b.EnsureQueues(ctx, queues...); err != nil {
			b.Close()
			client.Close()
			return nil, WrapExitError(ExitCommandError, "failed to create pubsub queues", err)
		}
		a.pubsub = client
		a.broker = b
	default:
		a.broker = queue.NewSQLiteBroker(a.store,
			queue.WithPollInterval(a.cfg.Broker.PollInterval),
			queue.WithSQLiteLogger(a.logger),
		)
	}
	a.logger.Debug("broker opened", "kind", a.cfg.Broker.Kind)
	return a.broker, nil
}

// Dispatcher builds a dispatcher over the configured broker.
func (a *app) Dispatcher(ctx context.Context) (*dispatch.Dispatcher, error) {
	b, err := a.Broker(ctx)
	if err != nil {
		return nil, err
	}
	return dispatch.New(a.store, b,
		dispatch.WithLogger(a.logger),
		dispatch.WithPlans(a.plans),
		dispatch.WithRoutes(a.cfg.RouteArgs),
	), nil
}

// SyncAccounts writes the configured lock pool accounts into the store.
// Usage counters of existing accounts are kept.
func (a *app) SyncAccounts(ctx context.Context) (int, error) {
	n := 0
	for _, pool := range a.cfg.Locks {
		for _, acct := range pool.Accounts {
			err := a.store.UpsertAccount(ctx, ir.ResourceAccount{
				Pool:     pool.Name,
				Name:     acct.Name,
				Secret:   acct.Secret,
				Capacity: acct.Capacity,
			})
			if err != nil {
				return n, fmt.Errorf("account %s/%s: %w", pool.Name, acct.Name, err)
			}
			n++
		}
	}
	return n, nil
}

// openPools syncs the accounts and creates one lock manager per pool.
func (a *app) openPools(ctx context.Context) error {
	if _, err := a.SyncAccounts(ctx); err != nil {
		return err
	}
	for _, pool := range a.cfg.Locks {
		m, err := lockpool.New(a.store, pool.LockPool(),
			lockpool.WithLogger(a.logger),
			lockpool.WithMetrics(a.metrics),
		)
		if err != nil {
			return fmt.Errorf("lock pool %s: %w", pool.Name, err)
		}
		a.pools = append(a.pools, m)
	}
	return nil
}

// Bodies registers a body for every stage the configuration defines.
// Download uses the provider fallback chain unless a command overrides it.
func (a *app) Bodies(ctx context.Context) (*engine.Bodies, error) {
	if err := a.openPools(ctx); err != nil {
		return nil, err
	}

	registry := provider.NewRegistry()
	for _, p := range a.cfg.Providers {
		registry.Register(p.ID, provider.NewHTTPSource(p.URL, provider.WithOfflineStatus(p.OfflineStatus...)))
	}
	resolverOpts := []provider.Option{
		provider.WithLogger(a.logger),
		provider.WithMetrics(a.metrics),
	}
	for _, m := range a.pools {
		resolverOpts = append(resolverOpts, provider.WithPool(m))
	}
	resolver := provider.NewResolver(a.store, registry, resolverOpts...)

	bodies := engine.NewBodies()
	bodies.Register(ir.ActivityDownload, stages.NewAcquireBody(resolver, a.cfg.Stages.DownloadDir, stages.WithLogger(a.logger)))

	for name, c := range a.cfg.Stages.Commands {
		t, err := ir.ParseActivityType(name)
		if err != nil {
			return nil, err
		}
		body, err := stages.NewCommandBody(stages.CommandSpec{
			Argv:             c.Argv,
			Dir:              c.Dir,
			Env:              c.Env,
			Timeout:          c.Timeout,
			OfflineExitCodes: c.OfflineExitCodes,
		}, stages.WithLogger(a.logger))
		if err != nil {
			return nil, fmt.Errorf("stages.commands.%s: %w", name, err)
		}
		bodies.Register(t, body)
	}

	if upload := a.cfg.Stages.Upload; upload.Bucket != "" {
		if a.gcs == nil {
			client, err := storage.NewClient(ctx)
			if err != nil {
				return nil, WrapExitError(ExitCommandError, "failed to create storage client", err)
			}
			a.gcs = client
		}
		body, err := stages.NewUploadBody(&stages.GCSStore{Client: a.gcs}, upload.Bucket, upload.Prefix, stages.WithLogger(a.logger))
		if err != nil {
			return nil, err
		}
		bodies.Register(ir.ActivityUpload, body)
	}
	return bodies, nil
}

// Workers builds a pool spec per stage. With no stages named, every stage
// with a body gets workers; naming a stage without a body is an error.
func (a *app) Workers(ctx context.Context, names []string) ([]engine.PoolSpec, error) {
	b, err := a.Broker(ctx)
	if err != nil {
		return nil, err
	}
	bodies, err := a.Bodies(ctx)
	if err != nil {
		return nil, err
	}

	selected := bodies.Stages()
	if len(names) > 0 {
		selected = nil
		for _, name := range names {
			t, err := ir.ParseActivityType(name)
			if err != nil {
				return nil, WrapExitError(ExitCommandError, "invalid stage", err)
			}
			if _, ok := bodies.Lookup(t); !ok {
				return nil, NewExitError(ExitCommandError, fmt.Sprintf("stage %s has no body configured", t))
			}
			selected = append(selected, t)
		}
	}

	policy := a.cfg.RetryPolicy()
	specs := make([]engine.PoolSpec, 0, len(selected))
	for _, t := range selected {
		w, err := engine.NewWorker(t, a.store, b, bodies,
			engine.WithLogger(a.logger),
			engine.WithMetrics(a.metrics),
			engine.WithPolicy(policy),
			engine.WithPlans(a.plans),
			engine.WithEnvironment(a.cfg.Environment.Prefixes...),
		)
		if err != nil {
			return nil, err
		}
		specs = append(specs, engine.PoolSpec{Worker: w, Concurrency: a.cfg.Concurrency(t)})
	}
	return specs, nil
}

// Close releases every held lock and closes the opened components.
func (a *app) Close() error {
	var errs []error
	for _, m := range a.pools {
		if err := m.ReleaseAll(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	if a.broker != nil {
		errs = append(errs, a.broker.Close())
	}
	if a.pubsub != nil {
		errs = append(errs, a.pubsub.Close())
	}
	if a.gcs != nil {
		errs = append(errs, a.gcs.Close())
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}
