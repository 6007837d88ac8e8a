// Package lockpool implements the Resource Lock Manager: a bounded pool of
// externally rate-limited accounts shared by every worker process.
//
// Usage counters live in the shared store. Every pool mutation runs under
// a cross-process mutex, which is a lease with expiry. Contention on the
// mutex is bounded by go-retry; when the bound is exhausted the mutex is
// force cleared as abandoned (liveness over safety), unless disabled.
package lockpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/roach88/scenepipe/internal/ir"
	"github.com/roach88/scenepipe/internal/metrics"
	"github.com/roach88/scenepipe/internal/store"
)

// Defaults applied by New to zero Config fields.
const (
	DefaultPollInterval  = 2 * time.Second
	DefaultMutexAttempts = 10
	DefaultMutexBackoff  = 200 * time.Millisecond
	DefaultMutexTTL      = 30 * time.Second
	DefaultLeaseTTL      = 2 * time.Hour
)

// errMutexBusy marks a failed mutex attempt for go-retry.
var errMutexBusy = errors.New("lock pool mutex is held")

// Config describes one pool.
type Config struct {
	// Pool names the set of accounts in the store.
	Pool string

	// PollInterval is the sleep between scans when every account is full.
	PollInterval time.Duration

	// MutexAttempts bounds tries for the pool mutex before it is treated
	// as abandoned.
	MutexAttempts int

	// MutexBackoff is the constant delay between mutex attempts.
	MutexBackoff time.Duration

	// MutexTTL is the lease on the pool mutex. A holder that dies releases
	// it implicitly after this long.
	MutexTTL time.Duration

	// LeaseTTL is the lease on an account slot. The janitor reclaims
	// slots whose lease expired.
	LeaseTTL time.Duration

	// ForceClear enables the force clear of an abandoned mutex. With it
	// disabled, exhausting MutexAttempts fails the acquire as TransientInfra.
	ForceClear bool
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MutexAttempts <= 0 {
		c.MutexAttempts = DefaultMutexAttempts
	}
	if c.MutexBackoff <= 0 {
		c.MutexBackoff = DefaultMutexBackoff
	}
	if c.MutexTTL <= 0 {
		c.MutexTTL = DefaultMutexTTL
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	return c
}

// Manager hands out account slots of one pool.
//
// A Manager is created at process start and passed to the components that
// need it. ReleaseAll returns every slot it still holds at shutdown.
type Manager struct {
	store   *store.Store
	cfg     Config
	holder  string
	logger  *slog.Logger
	metrics *metrics.Metrics

	// local serializes this process's goroutines, which share a holder id
	// and so would all pass the lease check.
	local sync.Mutex

	mu      sync.Mutex
	handles map[string]*Handle
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithMetrics records waits, holds and force clears.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithHolderID overrides the generated holder id.
func WithHolderID(id string) Option {
	return func(m *Manager) {
		m.holder = id
	}
}

// New creates a manager for cfg.Pool.
func New(s *store.Store, cfg Config, opts ...Option) (*Manager, error) {
	if cfg.Pool == "" {
		return nil, ir.Misconfigured("lock pool name is required")
	}
	m := &Manager{
		store:   s,
		cfg:     cfg.withDefaults(),
		holder:  NewHolderID(),
		logger:  slog.Default(),
		handles: make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "lockpool", "pool", m.cfg.Pool)
	return m, nil
}

// NewHolderID returns "<hostname>/<uuidv7>", unique per process.
func NewHolderID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	id, err := uuid.NewV7()
	if err != nil {
		return host + "/" + uuid.NewString()
	}
	return host + "/" + id.String()
}

// Pool returns the pool name.
func (m *Manager) Pool() string {
	return m.cfg.Pool
}

// Holder returns the holder id recorded on every slot.
func (m *Manager) Holder() string {
	return m.holder
}

// Accounts returns the pool's accounts with their live usage.
func (m *Manager) Accounts(ctx context.Context) ([]ir.ResourceAccount, error) {
	return m.store.Accounts(ctx, m.cfg.Pool)
}

// Acquire returns a handle on a free account slot. When every account is
// at capacity it polls every PollInterval until one frees up or ctx is
// done; there is no queue and no fairness between waiters.
func (m *Manager) Acquire(ctx context.Context) (*Handle, error) {
	started := time.Now()
	waiting := false
	for {
		handleID := uuid.NewString()
		var (
			token   ir.LockToken
			account ir.ResourceAccount
			ok      bool
		)
		err := m.withMutex(ctx, func(ctx context.Context) error {
			var err error
			token, account, ok, err = m.store.ReserveSlot(ctx, m.cfg.Pool, handleID, m.holder, m.cfg.LeaseTTL)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("acquire from pool %s: %w", m.cfg.Pool, err)
		}
		if ok {
			h := &Handle{m: m, Token: token, Account: account}
			m.mu.Lock()
			m.handles[handleID] = h
			m.mu.Unlock()

			waited := time.Since(started)
			m.metrics.LockAcquired(m.cfg.Pool, waited)
			m.logger.Debug("slot acquired", "account", account.Name, "handle_id", handleID, "waited", waited)
			return h, nil
		}

		if !waiting {
			m.logger.Info("pool exhausted, polling for a free slot", "interval", m.cfg.PollInterval)
			waiting = true
		}
		t := time.NewTimer(m.cfg.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("acquire from pool %s: %w", m.cfg.Pool, ctx.Err())
		case <-t.C:
		}
	}
}

// withMutex runs fn while holding the pool mutex.
func (m *Manager) withMutex(ctx context.Context, fn func(ctx context.Context) error) error {
	m.local.Lock()
	defer m.local.Unlock()
	if err := m.lockMutex(ctx); err != nil {
		return err
	}
	defer func() {
		if err := m.store.UnlockMutex(context.WithoutCancel(ctx), m.mutexName(), m.holder); err != nil {
			m.logger.Error("failed to unlock pool mutex", "error", err)
		}
	}()
	return fn(ctx)
}

func (m *Manager) mutexName() string {
	return "lockpool/" + m.cfg.Pool
}

func (m *Manager) tryMutex(ctx context.Context) error {
	ok, err := m.store.TryLockMutex(ctx, m.mutexName(), m.holder, m.cfg.MutexTTL)
	if err != nil {
		if ir.IsKind(err, ir.TransientInfra) {
			return retry.RetryableError(err)
		}
		return err
	}
	if !ok {
		return retry.RetryableError(errMutexBusy)
	}
	return nil
}

func (m *Manager) lockMutex(ctx context.Context) error {
	backoff := retry.WithMaxRetries(uint64(m.cfg.MutexAttempts-1), retry.NewConstant(m.cfg.MutexBackoff))
	err := retry.Do(ctx, backoff, m.tryMutex)
	if err == nil {
		return nil
	}
	if !errors.Is(err, errMutexBusy) {
		return err
	}
	if !m.cfg.ForceClear {
		return ir.Transient(fmt.Sprintf("pool %s mutex busy after %d attempts", m.cfg.Pool, m.cfg.MutexAttempts), err)
	}

	evicted, clearErr := m.store.ForceClearMutex(ctx, m.mutexName())
	if clearErr != nil {
		return clearErr
	}
	m.metrics.MutexForceCleared(m.cfg.Pool)
	m.logger.Warn("force cleared abandoned pool mutex",
		"evicted_holder", evicted,
		"attempts", m.cfg.MutexAttempts)

	if err := m.tryMutex(ctx); err != nil {
		return ir.Transient(fmt.Sprintf("pool %s mutex retaken after force clear", m.cfg.Pool), errMutexBusy)
	}
	return nil
}

// ReleaseAll returns every slot this manager's holder owns, including
// slots a previous crash left behind under the same holder id.
func (m *Manager) ReleaseAll(ctx context.Context) error {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := h.Release(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if n, err := m.store.ReleaseHolder(ctx, m.holder); err != nil {
		errs = append(errs, err)
	} else if n > 0 {
		m.logger.Warn("released untracked slots at shutdown", "count", n)
	}
	return errors.Join(errs...)
}

// Held returns the number of slots currently held through this manager.
func (m *Manager) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// Handle is one held account slot.
type Handle struct {
	Token   ir.LockToken
	Account ir.ResourceAccount

	m        *Manager
	mu       sync.Mutex
	released bool
}

// Release returns the slot. Once a call succeeds later calls are no-ops;
// a failed release may be retried. Safe to defer.
func (h *Handle) Release(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}

	m := h.m
	ctx = context.WithoutCancel(ctx)
	err := m.withMutex(ctx, func(ctx context.Context) error {
		_, err := m.store.ReleaseSlot(ctx, h.Token.HandleID)
		return err
	})
	if err != nil {
		return fmt.Errorf("release slot %s: %w", h.Token.HandleID, err)
	}
	h.released = true
	m.mu.Lock()
	delete(m.handles, h.Token.HandleID)
	m.mu.Unlock()
	m.metrics.LockReleased(m.cfg.Pool)
	m.logger.Debug("slot released", "account", h.Account.Name, "handle_id", h.Token.HandleID)
	return nil
}

// Renew extends the slot lease so a long stage body is not reclaimed.
func (h *Handle) Renew(ctx context.Context) error {
	return h.m.store.RenewHold(ctx, h.Token.HandleID, h.m.cfg.LeaseTTL)
}
