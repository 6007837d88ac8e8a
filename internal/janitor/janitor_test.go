package janitor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scenepipe/internal/ir"
	"github.com/roach88/scenepipe/internal/metrics"
	"github.com/roach88/scenepipe/internal/queue"
	"github.com/roach88/scenepipe/internal/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func createTestStore(t *testing.T, clock *testClock) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "janitor.db"), store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNew_RejectsBadSettings(t *testing.T) {
	clock := &testClock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	s := createTestStore(t, clock)
	b := queue.NewSQLiteBroker(s)

	_, err := New(s, b, "sometimes", time.Minute)
	require.Error(t, err)
	assert.Equal(t, ir.ConfigurationError, ir.KindOf(err))

	_, err = New(s, b, "@every 1m", 0)
	assert.Error(t, err)
}

func TestSweep_ReclaimsAbandonedWork(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	s := createTestStore(t, clock)
	b := queue.NewSQLiteBroker(s)
	m, err := metrics.New()
	require.NoError(t, err)

	msg := ir.TaskMessage{CollectionID: 1, ActivityType: ir.ActivityDownload, SceneID: "LC08_A"}
	_, err = b.Publish(ctx, ir.ActivityDownload.Queue(), msg, queue.PublishOptions{JobID: "job-1"})
	require.NoError(t, err)
	_, ok, err := s.ClaimJob(ctx, ir.ActivityDownload.Queue(), "dead-consumer")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.UpsertAccount(ctx, ir.ResourceAccount{Pool: "usgs", Name: "alice", Capacity: 1}))
	_, _, ok, err = s.ReserveSlot(ctx, "usgs", "handle-1", "dead-holder", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	j, err := New(s, b, "@every 1m", 10*time.Minute, WithMetrics(m))
	require.NoError(t, err)

	report, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.ReclaimedJobs, "claim is still within visibility")
	assert.Equal(t, 0, report.ReclaimedHolds)
	assert.Equal(t, 0, report.Depths[ir.ActivityDownload.Queue()])

	clock.Advance(11 * time.Minute)
	report, err = j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ReclaimedJobs)
	assert.Equal(t, 1, report.ReclaimedHolds)
	assert.Equal(t, 1, report.Depths[ir.ActivityDownload.Queue()])
	assert.Len(t, report.Depths, len(ir.AllActivityTypes()))

	accounts, err := s.Accounts(ctx, "usgs")
	require.NoError(t, err)
	assert.Equal(t, 0, accounts[0].InUse)

	n, err := testutil.GatherAndCount(m.Registry(), "scenepipe_queue_depth")
	require.NoError(t, err)
	assert.Equal(t, len(ir.AllActivityTypes()), n)
}

// depthlessBroker reports depth as unsupported, like Pub/Sub.
type depthlessBroker struct {
	queue.Broker
}

func (depthlessBroker) Depth(context.Context, string) (int, error) {
	return 0, errors.ErrUnsupported
}

func TestSweep_SkipsUnsupportedDepth(t *testing.T) {
	clock := &testClock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	s := createTestStore(t, clock)

	j, err := New(s, depthlessBroker{}, "@every 1m", time.Minute)
	require.NoError(t, err)

	report, err := j.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Depths)
}

func TestRun_StopsOnCancel(t *testing.T) {
	clock := &testClock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	s := createTestStore(t, clock)
	j, err := New(s, queue.NewMemoryBroker(), "@every 1h", time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
