package lockpool

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scenepipe/internal/ir"
	"github.com/roach88/scenepipe/internal/store"
)

func createTestStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "locks.db")
	s, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func seedPool(t *testing.T, s *store.Store, pool string, capacity int, names ...string) {
	t.Helper()
	for _, name := range names {
		require.NoError(t, s.UpsertAccount(context.Background(), ir.ResourceAccount{
			Pool: pool, Name: name, Secret: "secret-" + name, Capacity: capacity,
		}))
	}
}

func fastConfig(pool string) Config {
	return Config{
		Pool:          pool,
		PollInterval:  5 * time.Millisecond,
		MutexAttempts: 200,
		MutexBackoff:  time.Millisecond,
		ForceClear:    true,
	}
}

func TestNew_RequiresPool(t *testing.T) {
	s, _ := createTestStore(t)
	_, err := New(s, Config{})
	assert.Equal(t, ir.ConfigurationError, ir.KindOf(err))
}

func TestAcquire_ReturnsAccountWithSecret(t *testing.T) {
	s, _ := createTestStore(t)
	seedPool(t, s, "usgs", 2, "alice")
	m, err := New(s, fastConfig("usgs"))
	require.NoError(t, err)

	h, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alice", h.Account.Name)
	assert.Equal(t, "secret-alice", h.Account.Secret)
	assert.Equal(t, m.Holder(), h.Token.HolderID)
	assert.Equal(t, 1, m.Held())
}

func TestRelease_Idempotent(t *testing.T) {
	s, _ := createTestStore(t)
	seedPool(t, s, "usgs", 2, "alice")
	m, err := New(s, fastConfig("usgs"))
	require.NoError(t, err)
	ctx := context.Background()

	h, err := m.Acquire(ctx)
	require.NoError(t, err)
	other, err := m.Acquire(ctx)
	require.NoError(t, err)

	require.NoError(t, h.Release(ctx))
	require.NoError(t, h.Release(ctx))

	accounts, err := m.Accounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, accounts[0].InUse, "double release must not free the other handle's slot")
	assert.Equal(t, 1, m.Held())

	require.NoError(t, other.Release(ctx))
	accounts, err = m.Accounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, accounts[0].InUse)
}

func TestRelease_RetriesAfterFailure(t *testing.T) {
	s, _ := createTestStore(t)
	seedPool(t, s, "usgs", 1, "alice")
	ctx := context.Background()

	cfg := fastConfig("usgs")
	cfg.MutexAttempts = 3
	cfg.ForceClear = false
	m, err := New(s, cfg)
	require.NoError(t, err)

	h, err := m.Acquire(ctx)
	require.NoError(t, err)

	ok, err := s.TryLockMutex(ctx, "lockpool/usgs", "ghost", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	err = h.Release(ctx)
	require.Error(t, err)
	assert.Equal(t, ir.TransientInfra, ir.KindOf(err))
	assert.Equal(t, 1, m.Held())

	require.NoError(t, s.UnlockMutex(ctx, "lockpool/usgs", "ghost"))
	require.NoError(t, h.Release(ctx))
	require.NoError(t, h.Release(ctx))

	accounts, err := m.Accounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, accounts[0].InUse)
	assert.Equal(t, 0, m.Held())
}

func TestAcquire_PollsUntilContextDone(t *testing.T) {
	s, _ := createTestStore(t)
	seedPool(t, s, "usgs", 1, "alice")
	m, err := New(s, fastConfig("usgs"))
	require.NoError(t, err)

	_, err = m.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAcquire_WakesWhenSlotFreed(t *testing.T) {
	s, _ := createTestStore(t)
	seedPool(t, s, "usgs", 1, "alice")
	m, err := New(s, fastConfig("usgs"))
	require.NoError(t, err)
	ctx := context.Background()

	first, err := m.Acquire(ctx)
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = first.Release(ctx)
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	second, err := m.Acquire(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, "alice", second.Account.Name)
}

func TestAcquire_BoundHoldsUnderConcurrency(t *testing.T) {
	s, path := createTestStore(t)
	seedPool(t, s, "usgs", 2, "alice", "bob")

	// A second store handle stands in for another worker process.
	other, err := store.Open(path)
	require.NoError(t, err)
	defer other.Close()

	m1, err := New(s, fastConfig("usgs"))
	require.NoError(t, err)
	m2, err := New(other, fastConfig("usgs"))
	require.NoError(t, err)

	var (
		mu      sync.Mutex
		current = map[string]int{}
		peak    = map[string]int{}
		wg      sync.WaitGroup
	)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for i := 0; i < 12; i++ {
		m := m1
		if i%2 == 1 {
			m = m2
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := m.Acquire(ctx)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			current[h.Account.Name]++
			if current[h.Account.Name] > peak[h.Account.Name] {
				peak[h.Account.Name] = current[h.Account.Name]
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			current[h.Account.Name]--
			mu.Unlock()
			assert.NoError(t, h.Release(ctx))
		}()
	}
	wg.Wait()

	for name, n := range peak {
		assert.LessOrEqual(t, n, 2, "account %s exceeded capacity", name)
	}
	accounts, err := m1.Accounts(context.Background())
	require.NoError(t, err)
	for _, a := range accounts {
		assert.Equal(t, 0, a.InUse)
	}
}

func TestAcquire_ForceClearsAbandonedMutex(t *testing.T) {
	s, _ := createTestStore(t)
	seedPool(t, s, "usgs", 1, "alice")
	ctx := context.Background()

	ok, err := s.TryLockMutex(ctx, "lockpool/usgs", "ghost", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	cfg := fastConfig("usgs")
	cfg.MutexAttempts = 3
	m, err := New(s, cfg)
	require.NoError(t, err)

	h, err := m.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", h.Account.Name)
}

func TestAcquire_NoForceClearFailsTransient(t *testing.T) {
	s, _ := createTestStore(t)
	seedPool(t, s, "usgs", 1, "alice")
	ctx := context.Background()

	ok, err := s.TryLockMutex(ctx, "lockpool/usgs", "ghost", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	cfg := fastConfig("usgs")
	cfg.MutexAttempts = 3
	cfg.ForceClear = false
	m, err := New(s, cfg)
	require.NoError(t, err)

	_, err = m.Acquire(ctx)
	require.Error(t, err)
	assert.Equal(t, ir.TransientInfra, ir.KindOf(err))
}

func TestReleaseAll(t *testing.T) {
	s, _ := createTestStore(t)
	seedPool(t, s, "usgs", 2, "alice")
	m, err := New(s, fastConfig("usgs"), WithHolderID("worker-1"))
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := m.Acquire(ctx)
		require.NoError(t, err)
	}
	// A slot left behind by an earlier run under the same holder id.
	require.NoError(t, s.UpsertAccount(ctx, ir.ResourceAccount{Pool: "usgs", Name: "bob", Capacity: 1}))
	_, _, ok, err := s.ReserveSlot(ctx, "usgs", "stale", "worker-1", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, m.ReleaseAll(ctx))
	assert.Equal(t, 0, m.Held())

	accounts, err := m.Accounts(ctx)
	require.NoError(t, err)
	for _, a := range accounts {
		assert.Equal(t, 0, a.InUse, a.Name)
	}
}

func TestNewHolderID_Unique(t *testing.T) {
	assert.NotEqual(t, NewHolderID(), NewHolderID())
}
