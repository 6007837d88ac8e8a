package engine

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/scenepipe/internal/ir"
	"github.com/roach88/scenepipe/internal/queue"
	"github.com/roach88/scenepipe/internal/store"
)

const (
	testTimeout = 2 * time.Second
	testTick    = 10 * time.Millisecond
)

// createTestStore creates a new store in a temp dir for testing.
func createTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// scriptedBody returns its results in order, repeating the last one, and
// counts its runs.
type scriptedBody struct {
	results []bodyResult
	runs    atomic.Int32
}

type bodyResult struct {
	out ir.Args
	err error
}

func succeed(out ir.Args) bodyResult { return bodyResult{out: out} }
func fail(err error) bodyResult      { return bodyResult{err: err} }

func (b *scriptedBody) Run(ctx context.Context, act ir.Activity) (ir.Args, error) {
	n := int(b.runs.Add(1)) - 1
	if n >= len(b.results) {
		n = len(b.results) - 1
	}
	if n < 0 {
		return nil, nil
	}
	r := b.results[n]
	return r.out, r.err
}

// immediatePolicy is DefaultPolicy without the retry delay.
func immediatePolicy() Policy {
	p := DefaultPolicy(DefaultRetryDelay)
	p.Default.Delay = 0
	for t, sp := range p.Stages {
		sp.Delay = 0
		p.Stages[t] = sp
	}
	return p
}

type testEnv struct {
	store  *store.Store
	broker *queue.MemoryBroker
	plans  *Plans
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s := createTestStore(t)
	b := queue.NewMemoryBroker()
	t.Cleanup(func() { b.Close() })
	return &testEnv{store: s, broker: b, plans: NewPlans(s)}
}

func (e *testEnv) worker(t *testing.T, stage ir.ActivityType, body Body, opts ...WorkerOption) *Worker {
	t.Helper()
	bodies := NewBodies()
	bodies.Register(stage, body)
	opts = append([]WorkerOption{WithPolicy(immediatePolicy()), WithPlans(e.plans), WithInfraDelay(0)}, opts...)
	w, err := NewWorker(stage, e.store, e.broker, bodies, opts...)
	require.NoError(t, err)
	return w
}

func (e *testEnv) publish(t *testing.T, msg ir.TaskMessage) string {
	t.Helper()
	id, err := e.broker.Publish(context.Background(), msg.ActivityType.Queue(), msg, queue.PublishOptions{})
	require.NoError(t, err)
	return id
}

// receive takes the next due delivery of queue or fails the test.
func (e *testEnv) receive(t *testing.T, q string) *queue.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := e.broker.Receive(ctx, q)
	require.NoError(t, err, "nothing delivered on %s", q)
	return d
}

// step receives one delivery for w and handles it.
func (e *testEnv) step(t *testing.T, w *Worker) *queue.Delivery {
	t.Helper()
	d := e.receive(t, w.Stage().Queue())
	require.NoError(t, w.Handle(context.Background(), d))
	return d
}

// messages drains queue and returns the decoded messages with their job ids.
func (e *testEnv) messages(t *testing.T, q string) map[string]ir.TaskMessage {
	t.Helper()
	out := map[string]ir.TaskMessage{}
	for {
		depth, err := e.broker.Depth(context.Background(), q)
		require.NoError(t, err)
		if depth == 0 {
			return out
		}
		d := e.receive(t, q)
		msg, err := d.Message()
		require.NoError(t, err)
		out[d.JobID] = msg
		require.NoError(t, e.broker.Ack(context.Background(), d))
	}
}

func (e *testEnv) depth(t *testing.T, q string) int {
	t.Helper()
	n, err := e.broker.Depth(context.Background(), q)
	require.NoError(t, err)
	return n
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

func downloadMessage(scene string) ir.TaskMessage {
	return ir.TaskMessage{
		ActivityType: ir.ActivityDownload,
		CollectionID: 1,
		SceneID:      scene,
		Args:         ir.Args{ir.ArgCorrectionTarget: int64(2)},
	}
}
