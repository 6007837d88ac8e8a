package dispatch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/scenepipe/internal/ir"
	"github.com/roach88/scenepipe/internal/queue"
	"github.com/roach88/scenepipe/internal/store"
)

// createTestStore creates a new store in a temp dir for testing.
func createTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type testEnv struct {
	store      *store.Store
	broker     *queue.MemoryBroker
	dispatcher *Dispatcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s := createTestStore(t)
	b := queue.NewMemoryBroker()
	t.Cleanup(func() { b.Close() })
	return &testEnv{store: s, broker: b, dispatcher: New(s, b)}
}

func (e *testEnv) depth(t *testing.T, q string) int {
	t.Helper()
	n, err := e.broker.Depth(context.Background(), q)
	require.NoError(t, err)
	return n
}

func (e *testEnv) receive(t *testing.T, q string) (*queue.Delivery, ir.TaskMessage) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := e.broker.Receive(ctx, q)
	require.NoError(t, err)
	msg, err := d.Message()
	require.NoError(t, err)
	return d, msg
}

func (e *testEnv) activity(t *testing.T, collection int64, at ir.ActivityType, scene string) ir.Activity {
	t.Helper()
	act, err := e.store.LookupActivity(context.Background(), ir.ActivityKey{CollectionID: collection, Type: at, SceneID: scene})
	require.NoError(t, err)
	return act
}

func (e *testEnv) executions(t *testing.T, act ir.Activity) []ir.ExecutionRecord {
	t.Helper()
	recs, err := e.store.ExecutionsFor(context.Background(), act.ID)
	require.NoError(t, err)
	return recs
}

// runJob plays a worker: it starts the record of jobID and finishes it
// with status.
func (e *testEnv) runJob(t *testing.T, act ir.Activity, jobID string, status ir.Status, cause error) {
	t.Helper()
	ctx := context.Background()
	rec, err := e.store.BeginExecution(ctx, store.ExecutionStart{ActivityID: act.ID, JobID: jobID, Queue: act.Type.Queue()})
	require.NoError(t, err)
	if status != ir.StatusRunning {
		require.NoError(t, e.store.FinishExecution(ctx, rec.ID, status, cause))
	}
}

func downloadRequest(scenes ...string) Request {
	return Request{
		Type:         ir.ActivityDownload,
		CollectionID: 1,
		SceneIDs:     scenes,
		Args:         ir.Args{ir.ArgCorrectionTarget: int64(2)},
	}
}

func storeFilterAll() store.ActivityFilter {
	return store.ActivityFilter{}
}
