package stages

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/roach88/scenepipe/internal/ir"
)

// memoryBlobs is a BlobStore keeping objects in memory.
type memoryBlobs struct {
	mu      sync.Mutex
	objects map[string]string
	err     error
}

func (m *memoryBlobs) Put(ctx context.Context, bucket, object string, r io.Reader) error {
	if m.err != nil {
		return m.err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = map[string]string{}
	}
	m.objects[bucket+"/"+object] = string(data)
	return nil
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func uploadActivity(args ir.Args) ir.Activity {
	return ir.Activity{ID: 5, CollectionID: 9, Type: ir.ActivityUpload, SceneID: "S2A_T1", Args: args}
}

func TestNewUploadBody_RequiresBucket(t *testing.T) {
	_, err := NewUploadBody(&memoryBlobs{}, "", "")
	require.Error(t, err)
	assert.Equal(t, ir.ConfigurationError, ir.KindOf(err))
}

func TestUpload_FileAndAssets(t *testing.T) {
	dir := t.TempDir()
	scene := writeFile(t, dir, "scene.tif", "scene")
	b04 := writeFile(t, dir, "B04.tif", "red")
	b08 := writeFile(t, dir, "B08.tif", "nir")

	blobs := &memoryBlobs{}
	body, err := NewUploadBody(blobs, "cubes", "published")
	require.NoError(t, err)

	out, err := body.Run(context.Background(), uploadActivity(ir.Args{
		ir.ArgFile:   scene,
		ir.ArgAssets: map[string]any{"nir": b08, "red": b04, "dup": scene},
	}))
	require.NoError(t, err)

	assert.Equal(t, []any{
		"gs://cubes/published/9/S2A_T1/scene.tif",
		"gs://cubes/published/9/S2A_T1/B08.tif",
		"gs://cubes/published/9/S2A_T1/B04.tif",
	}, out[ArgRemoteAssets])
	assert.Equal(t, map[string]string{
		"cubes/published/9/S2A_T1/scene.tif": "scene",
		"cubes/published/9/S2A_T1/B04.tif":   "red",
		"cubes/published/9/S2A_T1/B08.tif":   "nir",
	}, blobs.objects)
}

func TestUpload_AssetList(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.tif", "a")

	blobs := &memoryBlobs{}
	body, err := NewUploadBody(blobs, "cubes", "")
	require.NoError(t, err)

	out, err := body.Run(context.Background(), uploadActivity(ir.Args{ir.ArgAssets: []any{a}}))
	require.NoError(t, err)
	assert.Equal(t, []any{"gs://cubes/9/S2A_T1/a.tif"}, out[ArgRemoteAssets])
}

func TestUpload_NothingToUploadIsInvalid(t *testing.T) {
	body, err := NewUploadBody(&memoryBlobs{}, "cubes", "")
	require.NoError(t, err)

	_, err = body.Run(context.Background(), uploadActivity(nil))
	require.Error(t, err)
	assert.Equal(t, ir.ValidationError, ir.KindOf(err))
}

func TestUpload_MissingFileFails(t *testing.T) {
	body, err := NewUploadBody(&memoryBlobs{}, "cubes", "")
	require.NoError(t, err)

	_, err = body.Run(context.Background(), uploadActivity(ir.Args{ir.ArgFile: "/nonexistent/scene.tif"}))
	require.Error(t, err)
	assert.Equal(t, ir.ProcessingFailure, ir.KindOf(err))
}

func TestUpload_StoreErrorKeepsKind(t *testing.T) {
	dir := t.TempDir()
	f := writeFile(t, dir, "a.tif", "a")

	body, err := NewUploadBody(&memoryBlobs{err: ir.Transient("throttled", nil)}, "cubes", "")
	require.NoError(t, err)

	_, err = body.Run(context.Background(), uploadActivity(ir.Args{ir.ArgFile: f}))
	require.Error(t, err)
	assert.Equal(t, ir.TransientInfra, ir.KindOf(err))
}

func TestClassifyGCS(t *testing.T) {
	tests := map[string]struct {
		err  error
		want ir.ErrorKind
	}{
		"throttled":    {err: &googleapi.Error{Code: http.StatusTooManyRequests}, want: ir.TransientInfra},
		"server error": {err: &googleapi.Error{Code: http.StatusBadGateway}, want: ir.TransientInfra},
		"forbidden":    {err: &googleapi.Error{Code: http.StatusForbidden}, want: ir.ProcessingFailure},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, ir.KindOf(classifyGCS(tt.err)))
		})
	}

	assert.NoError(t, classifyGCS(nil))
	plain := errors.New("eof")
	assert.Equal(t, plain, classifyGCS(plain))
}
