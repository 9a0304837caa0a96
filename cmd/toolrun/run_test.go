//go:build !windows

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func realTempDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return dir
}

func TestRunCmd_ExecutesCallsInOrder(t *testing.T) {
	cwd := realTempDir(t)
	require.NoError(t, os.Mkdir(filepath.Join(cwd, "sub"), 0o755))

	input := `[
		{"id":"c1","name":"bash","arguments":{"command":"echo hello"}},
		{"id":"c2","name":"shell","arguments":{"command":"cd sub"}},
		{"id":"c3","name":"shell","arguments":{"command":"pwd"}},
		{"id":"c4","name":"process","arguments":{"action":"list"}}
	]`
	lines := runLines(t, input, "--cwd", cwd, "--permission-mode", "bypass")

	res := results(lines)
	require.Len(t, res, 4)
	for i, id := range []string{"c1", "c2", "c3", "c4"} {
		assert.Equal(t, id, res[i]["tool_call_id"])
		assert.Equal(t, false, res[i]["is_error"], res[i]["content"])
	}
	assert.Equal(t, "shell", res[0]["tool_name"])
	assert.Equal(t, "hello", res[0]["content"])
	assert.Equal(t, filepath.Join(cwd, "sub"), res[2]["content"], "cwd change carries to later calls")
	assert.Equal(t, "[]", res[3]["content"])

	last := lines[len(lines)-1]
	require.Equal(t, "turn", last["kind"])
	turn := last["turn"].(map[string]any)
	assert.Equal(t, filepath.Join(cwd, "sub"), turn["cwd"])
	assert.Equal(t, "test", turn["session_id"])
	assert.Nil(t, last["errored"])
}

func TestRunCmd_DeniedCallCancelsSiblings(t *testing.T) {
	cwd := realTempDir(t)
	input := `{"id":"w","name":"shell","arguments":{"command":"touch f"}}
{"id":"r","name":"shell","arguments":{"command":"ls"}}`
	lines := runLines(t, input, "--cwd", cwd)

	res := results(lines)
	require.Len(t, res, 2)
	assert.Equal(t, true, res[0]["is_error"])
	assert.Equal(t, "PERMISSION_DENIED", res[0]["error_code"])
	assert.Equal(t, "CANCELLED", res[1]["error_code"])
	assert.Equal(t, "cancelled: a sibling tool call failed", res[1]["content"])

	_, err := os.Stat(filepath.Join(cwd, "f"))
	assert.True(t, os.IsNotExist(err), "denied command must not run")

	last := lines[len(lines)-1]
	assert.Equal(t, true, last["errored"])
}

func TestRunCmd_BackgroundNotification(t *testing.T) {
	cwd := realTempDir(t)
	input := `[{"id":"bg","name":"shell","arguments":{"command":"echo done","run_in_background":true}}]`
	lines := runLines(t, input, "--cwd", cwd, "--permission-mode", "bypass", "--wait-background", "5s")

	res := results(lines)
	require.Len(t, res, 1)
	assert.Contains(t, res[0]["content"], "Command running in background with ID:")

	var notes []map[string]any
	for _, l := range lines {
		if l["kind"] == "notification" {
			notes = append(notes, l["notification"].(map[string]any))
		}
	}
	require.Len(t, notes, 1)
	assert.Equal(t, "completed", notes[0]["status"])
	assert.Equal(t, "echo done", notes[0]["command"])
}
