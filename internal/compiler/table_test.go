package compiler

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scenepipe/internal/ir"
)

func newGoldie(t *testing.T) *goldie.Goldie {
	t.Helper()
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestTable_Golden(t *testing.T) {
	g := newGoldie(t)
	for _, at := range ir.AllActivityTypes() {
		t.Run(at.String(), func(t *testing.T) {
			p, err := Table(at)
			require.NoError(t, err)
			assert.Equal(t, ir.TableRoute(at), p.Route)
			g.Assert(t, "table_"+at.String(), []byte(p.String()))
		})
	}
}

func TestTable_AllEntriesValid(t *testing.T) {
	for _, at := range ir.AllActivityTypes() {
		p, err := Table(at)
		require.NoError(t, err)
		assert.Empty(t, Validate(p), "table entry %s", at)
		assert.Equal(t, at, p.Nodes[singleHead(t, p)].Activity, "table entry %s must start with its own stage", at)
	}
}

// singleHead returns the single head of a table plan.
func singleHead(t *testing.T, p *Plan) int {
	t.Helper()
	steps, err := Heads(p, 1, ir.Args{})
	require.NoError(t, err)
	require.Len(t, steps, 1)
	return steps[0].Node
}

func TestTable_UnknownType(t *testing.T) {
	_, err := Table(ir.ActivityUnknown)
	require.Error(t, err)
	assert.Equal(t, ir.ConfigurationError, ir.KindOf(err))
}

func TestTable_StableDigest(t *testing.T) {
	a, err := Table(ir.ActivityDownload)
	require.NoError(t, err)
	b := Build(ir.TableRoute(ir.ActivityDownload), tableExprs[ir.ActivityDownload]())

	da, err := a.Digest()
	require.NoError(t, err)
	db, err := b.Digest()
	require.NoError(t, err)
	assert.Equal(t, da, db)

	c, err := Table(ir.ActivityCorrection)
	require.NoError(t, err)
	dc, err := c.Digest()
	require.NoError(t, err)
	assert.NotEqual(t, da, dc)
}
