package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scenepipe/internal/ir"
	"github.com/roach88/scenepipe/internal/queue"
)

func TestParseAction(t *testing.T) {
	for in, want := range map[string]Action{"": ActionStart, "start": ActionStart, " Preview ": ActionPreview} {
		got, err := ParseAction(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseAction("launch")
	assert.True(t, ir.IsKind(err, ir.ValidationError))
}

func TestDispatch_StartEnqueuesRoot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.dispatcher.Dispatch(ctx, downloadRequest("LC08_A", "LC08_B"))
	require.NoError(t, err)
	assert.Equal(t, ActionStart, res.Action)
	require.Len(t, res.Heads, 2)
	assert.Empty(t, res.Skipped)

	act := env.activity(t, 1, ir.ActivityDownload, "LC08_A")
	head := res.Heads[0]
	assert.Equal(t, act.ID, head.ActivityID)
	assert.Equal(t, "table/download", head.Route)
	assert.Equal(t, 1, head.Node)

	recs := env.executions(t, act)
	require.Len(t, recs, 1)
	assert.Equal(t, ir.StatusPending, recs[0].Status)
	assert.Equal(t, head.JobID, recs[0].JobID)

	d, msg := env.receive(t, ir.ActivityDownload.Queue())
	assert.Equal(t, head.JobID, d.JobID)
	assert.Equal(t, "LC08_A", msg.SceneID)
	assert.Equal(t, &ir.PlanCursor{Route: "table/download", Node: 1}, msg.Plan)
	target, ok := msg.Args.Int64(ir.ArgCorrectionTarget)
	assert.True(t, ok)
	assert.Equal(t, int64(2), target)
}

func TestDispatch_Preview(t *testing.T) {
	env := newTestEnv(t)
	req := downloadRequest("LC08_A")
	req.Action = ActionPreview

	res, err := env.dispatcher.Dispatch(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Heads, 1)
	assert.Zero(t, res.Heads[0].ActivityID)
	assert.Empty(t, res.Heads[0].JobID)
	assert.Equal(t, ir.ActivityDownload, res.Heads[0].ActivityType)

	assert.True(t, env.broker.Idle(), "preview enqueues nothing")
	acts, err := env.store.Find(context.Background(), storeFilterAll())
	require.NoError(t, err)
	assert.Empty(t, acts, "preview records nothing")
}

func TestDispatch_ExistingRootNeedsForce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.dispatcher.Dispatch(ctx, downloadRequest("LC08_A"))
	require.NoError(t, err)

	res, err := env.dispatcher.Dispatch(ctx, downloadRequest("LC08_A"))
	require.NoError(t, err)
	assert.Empty(t, res.Heads)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "LC08_A", res.Skipped[0].SceneID)

	preview := downloadRequest("LC08_A")
	preview.Action = ActionPreview
	res, err = env.dispatcher.Dispatch(ctx, preview)
	require.NoError(t, err)
	assert.Len(t, res.Skipped, 1)

	forced := downloadRequest("LC08_A")
	forced.Force = true
	forced.Args = ir.Args{ir.ArgHarmonize: true}
	res, err = env.dispatcher.Dispatch(ctx, forced)
	require.NoError(t, err)
	require.Len(t, res.Heads, 1)

	act := env.activity(t, 1, ir.ActivityDownload, "LC08_A")
	assert.Equal(t, true, act.Args[ir.ArgHarmonize])
	assert.Contains(t, act.Args, ir.ArgCorrectionTarget, "forced dispatch merges, never replaces")
	assert.Len(t, env.executions(t, act), 2)
	assert.Equal(t, 2, env.depth(t, ir.ActivityDownload.Queue()))
}

func TestDispatch_Rejects(t *testing.T) {
	env := newTestEnv(t)
	tests := map[string]Request{
		"no scenes":      {Type: ir.ActivityDownload, CollectionID: 1},
		"blank scene":    {Type: ir.ActivityDownload, CollectionID: 1, SceneIDs: []string{" "}},
		"no collection":  {Type: ir.ActivityDownload, SceneIDs: []string{"S"}},
		"unknown type":   {Type: ir.ActivityUnknown, CollectionID: 1, SceneIDs: []string{"S"}},
		"unknown action": {Type: ir.ActivityDownload, CollectionID: 1, SceneIDs: []string{"S"}, Action: "launch"},
	}
	for name, req := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := env.dispatcher.Dispatch(context.Background(), req)
			assert.True(t, ir.IsKind(err, ir.ValidationError), "got %v", err)
		})
	}
	assert.True(t, env.broker.Idle())
}

func TestDispatch_PendingRecordReusedByWorker(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res, err := env.dispatcher.Dispatch(ctx, downloadRequest("LC08_A"))
	require.NoError(t, err)

	act := env.activity(t, 1, ir.ActivityDownload, "LC08_A")
	env.runJob(t, act, res.Heads[0].JobID, ir.StatusSuccess, nil)

	recs := env.executions(t, act)
	require.Len(t, recs, 1, "the worker continues the dispatch record")
	assert.Equal(t, ir.StatusSuccess, recs[0].Status)
	assert.Equal(t, 1, recs[0].Attempts)
}

func TestDispatch_RoutesSitBelowRequestArgs(t *testing.T) {
	s := createTestStore(t)
	b := queue.NewMemoryBroker()
	t.Cleanup(func() { b.Close() })
	routes := func(collection int64) ir.Args {
		if collection != 1 {
			return nil
		}
		return ir.Args{ir.ArgCorrectionTarget: int64(5), ir.ArgHarmonizeTarget: int64(6)}
	}
	env := &testEnv{store: s, broker: b, dispatcher: New(s, b, WithRoutes(routes))}

	_, err := env.dispatcher.Dispatch(context.Background(), downloadRequest("LC08_R"))
	require.NoError(t, err)

	act := env.activity(t, 1, ir.ActivityDownload, "LC08_R")
	correction, _ := act.Args.Int64(ir.ArgCorrectionTarget)
	harmonization, _ := act.Args.Int64(ir.ArgHarmonizeTarget)
	assert.Equal(t, int64(2), correction, "request arg wins")
	assert.Equal(t, int64(6), harmonization)
}
