package cli

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatch_TableRecordsAndEnqueues(t *testing.T) {
	db := createTestDB(t)

	out := mustExecute(t, "--db", db, "dispatch", "download",
		"--collection", "1", "--scene", "LC08_A", "--scene", "LC08_B",
		"--args", `{"correction_collection_id": 2}`)
	assert.Contains(t, out, "Enqueued 2 task(s)")
	assert.Contains(t, out, "1/download/LC08_A")
	assert.Contains(t, out, "route=table/download")

	out = mustExecute(t, "--db", db, "janitor", "sweep")
	assert.Contains(t, out, "Reclaimed 0 job(s), 0 hold(s)")
	assert.Contains(t, out, "download: 2")
}

func TestDispatch_ExistingRootSkippedUnlessForced(t *testing.T) {
	db := createTestDB(t)
	args := []string{"--db", db, "dispatch", "download", "--collection", "1", "--scene", "S"}

	mustExecute(t, args...)
	out := mustExecute(t, args...)
	assert.Contains(t, out, "Enqueued 0 task(s)")
	assert.Contains(t, out, "Skipped 1")

	out = mustExecute(t, append(args, "--force")...)
	assert.Contains(t, out, "Enqueued 1 task(s)")
}

func TestDispatch_PreviewWritesNothing(t *testing.T) {
	db := createTestDB(t)

	out := mustExecute(t, "--db", db, "dispatch", "correction", "--collection", "2", "--scene", "S", "--preview")
	assert.Contains(t, out, "Would enqueue 1 task(s)")

	out = mustExecute(t, "--db", db, "activities", "list")
	assert.Contains(t, out, "No activities found.")
}

func TestDispatch_JSONFormat(t *testing.T) {
	db := createTestDB(t)

	out := mustExecute(t, "--db", db, "--format", "json", "dispatch", "publish", "--collection", "3", "--scene", "S")
	resp := decodeResponse(t, out)
	assert.Equal(t, "ok", resp.Status)
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "start", data["action"])
	heads, ok := data["heads"].([]any)
	require.True(t, ok)
	require.Len(t, heads, 1)
	assert.Equal(t, "publish", heads[0].(map[string]any)["activity_type"])
}

func TestDispatch_SpecFile(t *testing.T) {
	db := createTestDB(t)
	spec := writeFile(t, t.TempDir(), "tree.json",
		`{"type": "correction", "collection": 4, "mode": "sequence", "tasks": [{"type": "upload"}]}`)

	out := mustExecute(t, "--db", db, "dispatch", "--spec", spec, "--scene", "S")
	assert.Contains(t, out, "Enqueued 1 task(s)")
	assert.Contains(t, out, "4/correction/S")
	assert.Contains(t, out, "route=spec/")

	// Every node of the tree is recorded at dispatch.
	out = mustExecute(t, "--db", db, "activities", "list")
	assert.Contains(t, out, "correction")
	assert.Contains(t, out, "upload")
}

func TestDispatch_Pipeline(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "test.db")
	writeFile(t, dir, "pipelines/pipelines.cue", `package pipelines

pipeline: landsat: {
	type:       "download"
	collection: 1
	tasks: [{type: "correction", collection: 2}]
}
`)
	config := writeFile(t, dir, "scenepipe.yaml", "pipelines:\n  dir: "+filepath.Join(dir, "pipelines")+"\n")

	out := mustExecute(t, "--config", config, "--db", db, "dispatch", "--pipeline", "landsat", "--scene", "LC08_A", "--preview")
	assert.Contains(t, out, "Would enqueue 1 task(s)")
	assert.Contains(t, out, "1/download/LC08_A")

	_, err := execute(t, "--config", config, "--db", db, "dispatch", "--pipeline", "sentinel", "--scene", "S")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "[landsat]")
}

func TestDispatch_Rejects(t *testing.T) {
	db := createTestDB(t)
	tests := []struct {
		name string
		args []string
		code int
	}{
		{"no source", []string{"dispatch", "--collection", "1", "--scene", "S"}, ExitCommandError},
		{"two sources", []string{"dispatch", "download", "--spec", "x.cue", "--scene", "S"}, ExitCommandError},
		{"bad args", []string{"dispatch", "download", "--collection", "1", "--scene", "S", "--args", "{"}, ExitCommandError},
		{"unknown type", []string{"dispatch", "launch", "--collection", "1", "--scene", "S"}, ExitCommandError},
		{"no scenes", []string{"dispatch", "download", "--collection", "1"}, ExitFailure},
		{"no collection", []string{"dispatch", "download", "--scene", "S"}, ExitFailure},
		{"missing spec", []string{"dispatch", "--spec", filepath.Join(t.TempDir(), "missing.cue"), "--scene", "S"}, ExitCommandError},
		{"no pipelines dir", []string{"dispatch", "--pipeline", "landsat", "--scene", "S"}, ExitCommandError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, append([]string{"--db", db}, tt.args...)...)
			require.Error(t, err)
			assert.Equal(t, tt.code, GetExitCode(err), "%v", err)
		})
	}
}

func TestRestart(t *testing.T) {
	db := createTestDB(t)
	mustExecute(t, "--db", db, "dispatch", "publish", "--collection", "3", "--scene", "S")

	out := mustExecute(t, "--db", db, "restart", "--collection", "3", "--preview")
	assert.Contains(t, out, "3/publish/S")

	_, err := execute(t, "--db", db, "restart")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	_, err = execute(t, "--db", db, "restart", "--status", "done")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
