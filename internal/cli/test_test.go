package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const uploadScenario = `name: upload_once
description: "A bare upload runs once and succeeds"
dispatch:
  type: upload
  collection_id: 4
  scene_ids: [S]
assertions:
  - type: trace_count
    stage: upload
    count: %d
  - type: final_outcome
    stage: upload
    outcome: succeeded
`

func writeScenario(t *testing.T, dir, name string, count int) string {
	t.Helper()
	return writeFile(t, dir, name, fmt.Sprintf(uploadScenario, count))
}

func TestTestCommand_HarnessFixtures(t *testing.T) {
	out := mustExecute(t, "test", "../harness/testdata/scenarios")
	assert.Contains(t, out, "✓ download_chain")
	assert.Contains(t, out, "✓ publish_retries")
	assert.Contains(t, out, "✓ spec_tree")
	assert.Contains(t, out, "Test Summary: 3 passed, 0 failed, 3 total")
}

func TestTestCommand_Filter(t *testing.T) {
	out := mustExecute(t, "test", "../harness/testdata/scenarios", "--filter", "spec_*")
	assert.Contains(t, out, "✓ spec_tree")
	assert.Contains(t, out, "1 total")
}

func TestTestCommand_FailureExitCode(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "upload_once.yaml", 2)

	out, err := execute(t, "test", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ upload_once")
	assert.Contains(t, out, "assertions[0]")
	assert.Contains(t, out, "1 failed")
}

func TestTestCommand_JSONOutput(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "upload_once.yaml", 1)

	out := mustExecute(t, "--format", "json", "test", dir)
	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Data.Passed)
	require.Len(t, resp.Data.Scenarios, 1)
	assert.Equal(t, ScenarioResult{Name: "upload_once", Pass: true, Settled: true, Events: 1}, resp.Data.Scenarios[0])
}

func TestTestCommand_UpdateThenCompareGolden(t *testing.T) {
	dir := t.TempDir()
	scenario := writeScenario(t, dir, "upload_once.yaml", 1)

	out := mustExecute(t, "test", dir, "--update")
	assert.Contains(t, out, "✓ upload_once (golden updated)")

	golden, err := os.ReadFile(goldenFilePath(scenario))
	require.NoError(t, err)
	assert.Equal(t,
		`{"activities":[{"activity":"4/upload/S","outcome":"succeeded"}],"scenario_name":"upload_once","trace":[`+
			`{"attempt":1,"collection_id":4,"scene_id":"S","seq":1,"stage":"upload","status":"success"}]}`,
		string(golden))

	out = mustExecute(t, "test", dir)
	assert.Contains(t, out, "✓ upload_once")

	require.NoError(t, os.WriteFile(goldenFilePath(scenario), []byte(`{}`), 0644))
	out, err = execute(t, "test", dir)
	require.Error(t, err)
	assert.Contains(t, out, "trace does not match golden file")
}

func TestTestCommand_Errors(t *testing.T) {
	_, err := execute(t, "test", filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	out := mustExecute(t, "test", t.TempDir())
	assert.Contains(t, out, "No scenarios found.")

	dir := t.TempDir()
	writeFile(t, dir, "broken.yaml", "name: broken\n")
	out, err = execute(t, "test", dir)
	require.Error(t, err)
	assert.Contains(t, out, "✗ broken.yaml")
	assert.Contains(t, out, "failed to load scenario")
}

func TestGoldenFilePath(t *testing.T) {
	assert.Equal(t, filepath.Join("scenarios", "golden", "retry.golden"), goldenFilePath(filepath.Join("scenarios", "retry.yaml")))
}

func TestFindScenarioFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "")
	writeFile(t, dir, "nested/b.yml", "")
	writeFile(t, dir, "golden/a.golden", "")
	writeFile(t, dir, "notes.txt", "")

	files, err := findScenarioFiles(dir, "")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.yaml"), filepath.Join(dir, "nested", "b.yml")}, files)

	files, err = findScenarioFiles(dir, "b")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "nested", "b.yml")}, files)

	_, err = findScenarioFiles(dir, "[")
	assert.Error(t, err)
}
