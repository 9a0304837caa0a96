//go:build !windows

package tool

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolrun/internal/domain"
	"toolrun/internal/usecase/process"
)

func newTestProcessTool(t *testing.T) (*ProcessTool, *process.Manager) {
	t.Helper()
	pm := newToolTestManager(t)
	return NewProcessTool(pm, nopLogger()), pm
}

func execProcessTool(t *testing.T, tool *ProcessTool, params any) (*domain.ToolResult, error) {
	t.Helper()
	data, err := json.Marshal(params)
	require.NoError(t, err)
	return tool.Execute(context.Background(), data, domain.CallContext{})
}

func waitForProcessExit(t *testing.T, pm *process.Manager, id string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := pm.Read(id)
		require.NoError(t, err)
		if snap.Status != domain.ProcessStatusRunning {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("process %s did not exit", id)
}

func TestProcessTool_Schema(t *testing.T) {
	pt, _ := newTestProcessTool(t)
	s, err := compileSchema(pt.Name(), pt.Schema().Parameters)
	require.NoError(t, err)
	assert.NoError(t, s.validate(json.RawMessage(`{"action":"list"}`)))
	assert.Error(t, s.validate(json.RawMessage(`{"action":"poll"}`)), "poll requires an id")
	assert.Error(t, s.validate(json.RawMessage(`{"action":"write","id":"x"}`)))
}

func TestProcessTool_IsConcurrencySafe(t *testing.T) {
	pt, _ := newTestProcessTool(t)
	assert.True(t, pt.IsConcurrencySafe(json.RawMessage(`{"action":"list"}`)))
	assert.True(t, pt.IsConcurrencySafe(json.RawMessage(`{"action":"read","id":"x"}`)))
	assert.False(t, pt.IsConcurrencySafe(json.RawMessage(`{"action":"poll","id":"x"}`)))
	assert.False(t, pt.IsConcurrencySafe(json.RawMessage(`{"action":"kill","id":"x"}`)))
}

func TestProcessTool_ListEmpty(t *testing.T) {
	pt, _ := newTestProcessTool(t)
	res, err := execProcessTool(t, pt, map[string]any{"action": "list"})
	require.NoError(t, err)
	assert.Equal(t, "[]", res.Content)
}

func TestProcessTool_NotFound(t *testing.T) {
	pt, _ := newTestProcessTool(t)
	for _, action := range []string{"read", "poll", "kill"} {
		_, err := execProcessTool(t, pt, map[string]any{"action": action, "id": "bg_missing"})
		require.Error(t, err, action)
		assert.Equal(t, domain.CodeProcessNotFound, domain.ErrorCodeOf(err), action)
	}
}

func TestProcessTool_UnknownAction(t *testing.T) {
	pt, _ := newTestProcessTool(t)
	_, err := execProcessTool(t, pt, map[string]any{"action": "write"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kill, list, poll, read")
}

func TestProcessTool_PollIsIncremental(t *testing.T) {
	pt, pm := newTestProcessTool(t)
	id, err := pm.StartBackground(context.Background(), process.ExecRequest{
		Command: "echo one; echo skip; echo two",
	})
	require.NoError(t, err)
	waitForProcessExit(t, pm, id)

	res, err := execProcessTool(t, pt, map[string]any{"action": "poll", "id": id, "filter": "^(one|two)$"})
	require.NoError(t, err)
	delta, ok := res.Data.(*domain.ProcessDelta)
	require.True(t, ok)
	assert.Equal(t, "one\ntwo\n", delta.Stdout)

	res, err = execProcessTool(t, pt, map[string]any{"action": "poll", "id": id})
	require.NoError(t, err)
	delta = res.Data.(*domain.ProcessDelta)
	assert.Empty(t, delta.Stdout, "second poll sees no new output")

	res, err = execProcessTool(t, pt, map[string]any{"action": "read", "id": id})
	require.NoError(t, err)
	snap := res.Data.(*domain.BackgroundSnapshot)
	assert.Equal(t, "one\nskip\ntwo\n", snap.Stdout, "read returns the full output")
}

func TestProcessTool_BadFilter(t *testing.T) {
	pt, pm := newTestProcessTool(t)
	id, err := pm.StartBackground(context.Background(), process.ExecRequest{Command: "true"})
	require.NoError(t, err)

	_, err = execProcessTool(t, pt, map[string]any{"action": "poll", "id": id, "filter": "("})
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestProcessTool_Kill(t *testing.T) {
	pt, pm := newTestProcessTool(t)
	id, err := pm.StartBackground(context.Background(), process.ExecRequest{Command: "sleep 30"})
	require.NoError(t, err)

	_, err = execProcessTool(t, pt, map[string]any{"action": "kill", "id": id})
	require.NoError(t, err)

	snap, err := pm.Read(id)
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessStatusKilled, snap.Status)

	_, err = execProcessTool(t, pt, map[string]any{"action": "kill", "id": id})
	assert.Equal(t, domain.CodeProcessNotRunning, domain.ErrorCodeOf(err))

	res, err := execProcessTool(t, pt, map[string]any{"action": "list"})
	require.NoError(t, err)
	assert.Contains(t, res.Content, id)
}
