package stages

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scenepipe/internal/ir"
	"github.com/roach88/scenepipe/internal/provider"
	"github.com/roach88/scenepipe/internal/store"
)

func createTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "stages.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// writingSource writes a one-line file named after the scene.
func writingSource(id string) provider.Source {
	return provider.SourceFunc(func(ctx context.Context, req provider.Request) (provider.Result, error) {
		file := filepath.Join(req.OutputDir, req.Activity.SceneID+".tar")
		if err := os.WriteFile(file, []byte(id), 0o644); err != nil {
			return provider.Result{}, err
		}
		return provider.Result{File: file, Args: ir.Args{"size": 1}}, nil
	})
}

func offlineSource() provider.Source {
	return provider.SourceFunc(func(ctx context.Context, req provider.Request) (provider.Result, error) {
		return provider.Result{}, ir.Offline(req.Activity.SceneID, nil)
	})
}

func acquireFixture(t *testing.T, sources map[string]provider.Source, bound ...string) (*AcquireBody, string) {
	t.Helper()
	s := createTestStore(t)
	registry := provider.NewRegistry()
	for id, src := range sources {
		registry.Register(id, src)
	}
	for i, id := range bound {
		_, err := s.BindProvider(context.Background(), ir.ProviderBinding{
			ProviderID: id, CollectionID: 3, Priority: i, Active: true,
		})
		require.NoError(t, err)
	}
	dir := t.TempDir()
	return NewAcquireBody(provider.NewResolver(s, registry), dir), dir
}

func downloadActivity(scene string, args ir.Args) ir.Activity {
	return ir.Activity{ID: 1, CollectionID: 3, Type: ir.ActivityDownload, SceneID: scene, Args: args}
}

func TestAcquire_RecordsProviderAndFile(t *testing.T) {
	body, dir := acquireFixture(t, map[string]provider.Source{
		"usgs": offlineSource(),
		"gcp":  writingSource("gcp"),
	}, "usgs", "gcp")

	out, err := body.Run(context.Background(), downloadActivity("LC08_A", nil))
	require.NoError(t, err)

	want := filepath.Join(dir, "3", "LC08_A.tar")
	assert.Equal(t, "gcp", out[ir.ArgProviderID])
	assert.Equal(t, want, out[ir.ArgFile])
	assert.Equal(t, 1, out["size"])

	data, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, "gcp", string(data))
}

func TestAcquire_CatalogPinsProvider(t *testing.T) {
	body, _ := acquireFixture(t, map[string]provider.Source{
		"usgs": writingSource("usgs"),
		"gcp":  writingSource("gcp"),
	}, "usgs")

	out, err := body.Run(context.Background(), downloadActivity("LC08_B", ir.Args{ir.ArgCatalog: "gcp"}))
	require.NoError(t, err)
	assert.Equal(t, "gcp", out[ir.ArgProviderID])
}

func TestAcquire_AllOfflineIsRetryable(t *testing.T) {
	body, _ := acquireFixture(t, map[string]provider.Source{
		"usgs": offlineSource(),
		"gcp":  offlineSource(),
	}, "usgs", "gcp")

	_, err := body.Run(context.Background(), downloadActivity("LC08_C", nil))
	require.Error(t, err)
	assert.Equal(t, ir.TemporarilyUnavailable, ir.KindOf(err))
}

func TestAcquire_NoBindingsIsMisconfigured(t *testing.T) {
	body, _ := acquireFixture(t, nil)

	_, err := body.Run(context.Background(), downloadActivity("LC08_D", nil))
	require.Error(t, err)
	assert.Equal(t, ir.ConfigurationError, ir.KindOf(err))
}
