package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scenepipe/internal/ir"
)

func TestBuild_PreOrderIndices(t *testing.T) {
	p := Build("test", Seq(
		Task(ir.ActivityDownload),
		Par(Task(ir.ActivityPublish), Task(ir.ActivityCorrection)),
	))

	require.Len(t, p.Nodes, 5)
	assert.Equal(t, 0, p.Root)
	assert.Equal(t, []int{1, 2}, p.Nodes[0].Children)
	assert.Equal(t, []int{3, 4}, p.Nodes[2].Children)
	assert.Equal(t, 2, p.Nodes[4].Parent)
	assert.Equal(t, []int{1, 3, 4}, p.Tasks())
}

func TestDecodePlan_RoundTrip(t *testing.T) {
	p, err := Table(ir.ActivityDownload)
	require.NoError(t, err)

	data, err := p.Encode()
	require.NoError(t, err)
	decoded, err := DecodePlan(data)
	require.NoError(t, err)

	assert.Equal(t, p.String(), decoded.String())
	d1, err := p.Digest()
	require.NoError(t, err)
	d2, err := decoded.Digest()
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}

func TestDecodePlan_KeepsTaskArgs(t *testing.T) {
	p := Build("args", Task(ir.ActivityPost, InCollection(4), WithArgs(ir.Args{"index": "ndvi", "level": 2})))
	data, err := p.Encode()
	require.NoError(t, err)

	decoded, err := DecodePlan(data)
	require.NoError(t, err)
	n := decoded.Node(0)
	assert.Equal(t, int64(4), n.CollectionID)
	assert.Equal(t, "ndvi", n.Args["index"])
	level, ok := n.Args.Int64("level")
	assert.True(t, ok)
	assert.Equal(t, int64(2), level)
}

func TestDecodePlan_Rejects(t *testing.T) {
	tests := map[string]string{
		"malformed":     `{"nodes": [`,
		"unknown stage": `{"route":"x","root":0,"nodes":[{"kind":"task","parent":-1,"activity":"reproject","origin":-1}]}`,
		"empty":         `{"route":"x","root":0,"nodes":[]}`,
		"join":          `{"route":"x","root":0,"nodes":[{"kind":"seq","parent":-1,"children":[1,4],"origin":-1},{"kind":"par","parent":0,"children":[2,3],"origin":-1},{"kind":"task","parent":1,"activity":"publish","origin":-1},{"kind":"task","parent":1,"activity":"post","origin":-1},{"kind":"task","parent":0,"activity":"upload","origin":-1}]}`,
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodePlan([]byte(data))
			require.Error(t, err)
			assert.Equal(t, ir.ValidationError, ir.KindOf(err))
		})
	}
}

func TestDigest_IgnoresRoute(t *testing.T) {
	a := Build("one", Task(ir.ActivityPost))
	b := Build("two", Task(ir.ActivityPost))
	c := Build("one", Task(ir.ActivityUpload))

	da, err := a.Digest()
	require.NoError(t, err)
	db, err := b.Digest()
	require.NoError(t, err)
	dc, err := c.Digest()
	require.NoError(t, err)

	assert.Equal(t, da, db)
	assert.NotEqual(t, da, dc)
}

func TestString_RendersOptAndArgs(t *testing.T) {
	p := Build("render", Seq(
		Task(ir.ActivityPublish, WithArgs(ir.Args{"b": 2, "a": "x"})),
		OptUnless("quick", Task(ir.ActivityUpload, InCollection(9))),
	))
	want := "plan render\n" +
		"#0 seq\n" +
		"  #1 task publish a=x b=2\n" +
		"  #2 opt unless quick\n" +
		"    #3 task upload collection=9\n"
	assert.Equal(t, want, p.String())
}
