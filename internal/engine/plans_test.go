package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scenepipe/internal/compiler"
	"github.com/roach88/scenepipe/internal/ir"
)

func specPlan(t *testing.T) *compiler.Plan {
	t.Helper()
	plan := compiler.Build("", compiler.Seq(
		compiler.Task(ir.ActivityCorrection, compiler.InCollection(3)),
		compiler.Par(
			compiler.Task(ir.ActivityPublish, compiler.InCollection(3)),
			compiler.Task(ir.ActivityUpload, compiler.InCollection(3)),
		),
	))
	digest, err := plan.Digest()
	require.NoError(t, err)
	plan.Route = ir.SpecRoute(digest)
	return plan
}

func TestPlans_LookupTable(t *testing.T) {
	plans := NewPlans(createTestStore(t))
	plan, err := plans.Lookup(context.Background(), "table/atm-correction")
	require.NoError(t, err)
	assert.Equal(t, "table/correction", plan.Route)

	_, err = plans.Lookup(context.Background(), "table/nope")
	assert.True(t, ir.IsKind(err, ir.ConfigurationError))
}

func TestPlans_SavedPlanSurvivesRestart(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	plan := specPlan(t)
	require.NoError(t, NewPlans(s).Save(ctx, plan))

	// A second process has an empty cache and loads from the store.
	loaded, err := NewPlans(s).Lookup(ctx, plan.Route)
	require.NoError(t, err)
	assert.Equal(t, plan.Route, loaded.Route)
	assert.Equal(t, plan.String(), loaded.String())
}

func TestPlans_SaveRequiresSpecRoute(t *testing.T) {
	plans := NewPlans(createTestStore(t))
	plan, err := compiler.Table(ir.ActivityUpload)
	require.NoError(t, err)
	assert.True(t, ir.IsKind(plans.Save(context.Background(), plan), ir.ValidationError))
}

func TestPlans_LookupErrors(t *testing.T) {
	plans := NewPlans(createTestStore(t))
	ctx := context.Background()

	_, err := plans.Lookup(ctx, "spec/0000")
	assert.True(t, ir.IsKind(err, ir.ConfigurationError), "unknown digest")

	_, err = plans.Lookup(ctx, "other/route")
	assert.True(t, ir.IsKind(err, ir.ValidationError))

	_, err = plans.Lookup(ctx, "spec/")
	assert.True(t, ir.IsKind(err, ir.ValidationError))
}

func TestPlans_Cursor(t *testing.T) {
	plans := NewPlans(createTestStore(t))
	ctx := context.Background()
	plan := specPlan(t)
	require.NoError(t, plans.Save(ctx, plan))

	t.Run("no cursor runs the table head", func(t *testing.T) {
		got, node, err := plans.Cursor(ctx, ir.TaskMessage{ActivityType: ir.ActivityPublish, CollectionID: 1, SceneID: "S1"})
		require.NoError(t, err)
		assert.Equal(t, "table/publish", got.Route)
		assert.Equal(t, ir.ActivityPublish, got.Node(node).Activity)
	})

	t.Run("spec cursor", func(t *testing.T) {
		msg := ir.TaskMessage{ActivityType: ir.ActivityUpload, CollectionID: 3, SceneID: "S1", Plan: &ir.PlanCursor{Route: plan.Route, Node: 4}}
		got, node, err := plans.Cursor(ctx, msg)
		require.NoError(t, err)
		assert.Same(t, plan, got)
		assert.Equal(t, 4, node)
	})

	rejects := map[string]ir.PlanCursor{
		"out of range":   {Route: plan.Route, Node: 99},
		"group node":     {Route: plan.Route, Node: 2},
		"other activity": {Route: plan.Route, Node: 3},
	}
	for name, cursor := range rejects {
		t.Run(name, func(t *testing.T) {
			msg := ir.TaskMessage{ActivityType: ir.ActivityUpload, CollectionID: 3, SceneID: "S1", Plan: &cursor}
			_, _, err := plans.Cursor(ctx, msg)
			assert.True(t, ir.IsKind(err, ir.ValidationError))
		})
	}
}
