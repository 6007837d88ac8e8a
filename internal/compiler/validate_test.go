package compiler

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scenepipe/internal/ir"
)

func codes(errs []ValidationError) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Code
	}
	return out
}

func task(parent int, at ir.ActivityType) Node {
	return Node{Kind: NodeTask, Parent: parent, Activity: at, Origin: NoNode}
}

func TestValidate_BuiltPlansAreValid(t *testing.T) {
	p := Build("test", Seq(
		Task(ir.ActivityDownload),
		Par(
			Task(ir.ActivityPublish),
			Opt(ir.ArgHarmonize, Seq(Task(ir.ActivityHarmonization), Task(ir.ActivityUpload))),
		),
	))
	assert.Empty(t, Validate(p))
	assert.NoError(t, ValidatePlan(p))
}

func TestValidate_Empty(t *testing.T) {
	errs := Validate(&Plan{Route: "empty"})
	assert.Equal(t, []string{ErrPlanEmpty}, codes(errs))
}

func TestValidate_RootOutOfRange(t *testing.T) {
	errs := Validate(&Plan{Root: 3, Nodes: []Node{task(NoNode, ir.ActivityPost)}})
	assert.Equal(t, []string{ErrPlanRoot}, codes(errs))
}

func TestValidate_BrokenEdges(t *testing.T) {
	t.Run("child out of range", func(t *testing.T) {
		p := &Plan{Nodes: []Node{{Kind: NodeSeq, Parent: NoNode, Children: []int{1, 7}}, task(0, ir.ActivityPost)}}
		assert.Equal(t, []string{ErrNodeIndex}, codes(Validate(p)))
	})

	t.Run("parent mismatch", func(t *testing.T) {
		p := &Plan{Nodes: []Node{{Kind: NodeSeq, Parent: NoNode, Children: []int{1}}, task(5, ir.ActivityPost)}}
		assert.Equal(t, []string{ErrNodeParent}, codes(Validate(p)))
	})
}

func TestValidate_Cycle(t *testing.T) {
	// #1 and #2 list each other and are detached from the root.
	p := &Plan{Nodes: []Node{
		task(NoNode, ir.ActivityPost),
		{Kind: NodeSeq, Parent: 2, Children: []int{2}},
		{Kind: NodeSeq, Parent: 1, Children: []int{1}},
	}}
	errs := Validate(p)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrNodeCycle, errs[0].Code)
}

func TestValidate_Unreachable(t *testing.T) {
	p := &Plan{Nodes: []Node{task(NoNode, ir.ActivityPost), task(NoNode, ir.ActivityUpload)}}
	errs := Validate(p)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrNodeUnreachable, errs[0].Code)
	assert.Equal(t, 1, errs[0].Node)
}

func TestValidate_NodeShapes(t *testing.T) {
	tests := []struct {
		name  string
		nodes []Node
		want  []string
	}{
		{
			name:  "unknown activity",
			nodes: []Node{task(NoNode, ir.ActivityUnknown)},
			want:  []string{ErrTaskActivity},
		},
		{
			name:  "empty seq",
			nodes: []Node{{Kind: NodeSeq, Parent: NoNode}},
			want:  []string{ErrGroupEmpty},
		},
		{
			name: "opt without flag",
			nodes: []Node{
				{Kind: NodeOpt, Parent: NoNode, Children: []int{1}},
				task(0, ir.ActivityPost),
			},
			want: []string{ErrOptShape},
		},
		{
			name: "opt with two children",
			nodes: []Node{
				{Kind: NodeOpt, Parent: NoNode, Flag: "x", Children: []int{1, 2}},
				task(0, ir.ActivityPost),
				task(0, ir.ActivityUpload),
			},
			want: []string{ErrOptShape},
		},
		{
			name: "task with children",
			nodes: []Node{
				{Kind: NodeTask, Parent: NoNode, Activity: ir.ActivityPost, Origin: NoNode, Children: []int{1}},
				task(0, ir.ActivityUpload),
			},
			want: []string{ErrTaskChildren},
		},
		{
			name: "ambiguous collection",
			nodes: []Node{
				{Kind: NodeTask, Parent: NoNode, Activity: ir.ActivityPost, Origin: NoNode, CollectionID: 3, CollectionArg: "c"},
			},
			want: []string{ErrAmbiguousCollection},
		},
		{
			name: "origin after the task",
			nodes: []Node{
				{Kind: NodeSeq, Parent: NoNode, Children: []int{1, 2}},
				{Kind: NodeTask, Parent: 0, Activity: ir.ActivityPost, Origin: 2},
				task(0, ir.ActivityUpload),
			},
			want: []string{ErrTaskOrigin},
		},
		{
			name:  "unknown kind",
			nodes: []Node{{Kind: "join", Parent: NoNode}},
			want:  []string{ErrUnknownKind},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, codes(Validate(&Plan{Nodes: tt.nodes})))
		})
	}
}

func TestValidate_ParNeverJoins(t *testing.T) {
	joined := Build("join", Seq(
		Task(ir.ActivityDownload),
		Par(Task(ir.ActivityPublish), Task(ir.ActivityCorrection)),
		Task(ir.ActivityUpload),
	))
	errs := Validate(joined)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrParContinuation, errs[0].Code)
	assert.Equal(t, 2, errs[0].Node)

	// A par nested at the tail of every enclosing sequence is fine.
	tail := Build("tail", Seq(
		Task(ir.ActivityDownload),
		Seq(Task(ir.ActivityCorrection), Par(Task(ir.ActivityPublish), Task(ir.ActivityPost))),
	))
	assert.Empty(t, Validate(tail))
}

func TestValidatePlan_ErrorKind(t *testing.T) {
	err := ValidatePlan(&Plan{Route: "bad", Nodes: []Node{{Kind: NodeSeq, Parent: NoNode}}})
	require.Error(t, err)
	assert.Equal(t, ir.ValidationError, ir.KindOf(err))

	var ve ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, ErrGroupEmpty, ve.Code)
	assert.Contains(t, err.Error(), "[E209] node #0")
}
