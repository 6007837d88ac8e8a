package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkers_BuildsConfiguredStages(t *testing.T) {
	dir := t.TempDir()
	config := writeFile(t, dir, "scenepipe.yaml", `store:
  path: `+dir+`/test.db
workers:
  correction: 3
stages:
  download_dir: `+dir+`/data
  commands:
    correction:
      argv: ["correct", "{file}"]
`)
	opts := &RootOptions{Config: config, Format: "text"}
	a, err := openApp(opts, testWriter{t})
	require.NoError(t, err)
	defer a.Close()

	specs, err := a.Workers(t.Context(), nil)
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "download", specs[0].Worker.Stage().String())
	assert.Equal(t, 1, specs[0].Concurrency)
	assert.Equal(t, "correction", specs[1].Worker.Stage().String())
	assert.Equal(t, 3, specs[1].Concurrency)
}

func TestWorkerCommand_Rejects(t *testing.T) {
	db := createTestDB(t)

	_, err := execute(t, "--db", db, "worker", "launch")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, "--db", db, "worker", "upload")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "stage upload has no body configured")
}

// testWriter routes log output to t.Log.
type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}
