//go:build !windows

package tool

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolrun/internal/domain"
	"toolrun/internal/usecase/process"
)

func newToolTestManager(t *testing.T) *process.Manager {
	t.Helper()
	dirs, err := process.PrepareSessionDirs(t.TempDir(), "tooltest")
	require.NoError(t, err)
	pm, err := process.NewManager(process.ManagerConfig{
		SessionID:       "tooltest",
		Dirs:            dirs,
		MaxSessions:     5,
		OutputBufferMax: 1024 * 1024,
	}, nil, nopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pm.Stop(context.Background()) })
	return pm
}

func newTestShellTool(t *testing.T, cfg ShellConfig) (*ShellTool, *process.Manager) {
	t.Helper()
	pm := newToolTestManager(t)
	return NewShellTool(pm, cfg, nopLogger()), pm
}

func shellInput(t *testing.T, p shellParams) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	return data
}

func testTurn(t *testing.T) domain.TurnState {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return domain.TurnState{SessionID: "tooltest", Cwd: dir}
}

func TestShellTool_Metadata(t *testing.T) {
	st, _ := newTestShellTool(t, ShellConfig{})
	assert.Equal(t, "shell", st.Name())
	assert.Equal(t, []string{"bash"}, st.Aliases())

	_, err := compileSchema(st.Name(), st.Schema().Parameters)
	require.NoError(t, err)
}

func TestShellTool_IsConcurrencySafe(t *testing.T) {
	st, _ := newTestShellTool(t, ShellConfig{})
	assert.True(t, st.IsConcurrencySafe(shellInput(t, shellParams{Command: "ls -la"})))
	assert.False(t, st.IsConcurrencySafe(shellInput(t, shellParams{Command: "rm x"})))
	assert.False(t, st.IsConcurrencySafe(shellInput(t, shellParams{Command: "ls", RunInBackground: true})))
	assert.False(t, st.IsConcurrencySafe(json.RawMessage(`{bad`)))
}

func TestShellTool_PreprocessInput(t *testing.T) {
	st, _ := newTestShellTool(t, ShellConfig{})
	out := st.PreprocessInput(json.RawMessage(`"ls -la"`))
	assert.JSONEq(t, `{"command":"ls -la"}`, string(out))

	obj := json.RawMessage(`{"command":"pwd"}`)
	assert.Equal(t, obj, st.PreprocessInput(obj))
}

func TestShellTool_NormalizeInput(t *testing.T) {
	st, _ := newTestShellTool(t, ShellConfig{})
	turn := domain.TurnState{Cwd: "/work"}

	out, err := st.NormalizeInput(shellInput(t, shellParams{Command: "cd /work && make", Timeout: 500}), turn)
	require.NoError(t, err)
	assert.JSONEq(t, `{"command":"make","timeout":500}`, string(out))

	in := shellInput(t, shellParams{Command: "make"})
	out, err = st.NormalizeInput(in, turn)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestShellTool_ValidateInput(t *testing.T) {
	st, _ := newTestShellTool(t, ShellConfig{MaxTimeout: time.Minute, AllowedCommands: []string{"ls", "echo", "wc"}})
	ctx := context.Background()
	turn := domain.TurnState{}

	assert.NoError(t, st.ValidateInput(ctx, shellInput(t, shellParams{Command: "ls | wc -l"}), turn))

	err := st.ValidateInput(ctx, shellInput(t, shellParams{Command: "   "}), turn)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))

	err = st.ValidateInput(ctx, shellInput(t, shellParams{Command: "ls", Timeout: 120000}), turn)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
	assert.Contains(t, err.Error(), "exceeds the maximum")

	err = st.ValidateInput(ctx, shellInput(t, shellParams{Command: "ls && rm -rf x"}), turn)
	assert.True(t, errors.Is(err, domain.ErrCommandNotAllowed))
	assert.Contains(t, err.Error(), `"rm"`)

	err = st.ValidateInput(ctx, shellInput(t, shellParams{Command: "echo $(rm x)"}), turn)
	assert.True(t, errors.Is(err, domain.ErrCommandNotAllowed))

	err = st.ValidateInput(ctx, shellInput(t, shellParams{Command: "/tmp/x/ls"}), turn)
	assert.True(t, errors.Is(err, domain.ErrCommandNotAllowed), "paths do not match by base name")
}

func TestShellTool_ExecuteSuccess(t *testing.T) {
	st, _ := newTestShellTool(t, ShellConfig{})
	turn := testTurn(t)

	res, err := st.Execute(context.Background(), shellInput(t, shellParams{Command: "echo hello; echo warn >&2"}),
		domain.CallContext{ToolCallID: "c1", Turn: turn})
	require.NoError(t, err)
	assert.Equal(t, "hello\nwarn", res.Content)
	out, ok := res.Data.(shellOutput)
	require.True(t, ok)
	assert.Equal(t, 0, out.ExitCode)
	assert.Empty(t, res.Modifiers, "cwd unchanged")
}

func TestShellTool_ExecuteNoOutput(t *testing.T) {
	st, _ := newTestShellTool(t, ShellConfig{})
	res, err := st.Execute(context.Background(), shellInput(t, shellParams{Command: "true"}),
		domain.CallContext{Turn: testTurn(t)})
	require.NoError(t, err)
	assert.Equal(t, "(no output)", res.Content)
}

func TestShellTool_NonZeroExitIsExecError(t *testing.T) {
	st, _ := newTestShellTool(t, ShellConfig{})
	_, err := st.Execute(context.Background(), shellInput(t, shellParams{Command: "echo out; echo bad >&2; exit 4"}),
		domain.CallContext{Turn: testTurn(t)})

	var ee *domain.ExecError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, 4, ee.ExitCode)
	assert.Equal(t, "out\n", ee.Stdout)
	assert.Equal(t, "bad\n", ee.Stderr)
	assert.Equal(t, domain.CodeToolFailure, domain.ErrorCodeOf(err))
}

func TestShellTool_TimeoutIsExecError(t *testing.T) {
	st, _ := newTestShellTool(t, ShellConfig{})
	_, err := st.Execute(context.Background(), shellInput(t, shellParams{Command: "sleep 5", Timeout: 100}),
		domain.CallContext{Turn: testTurn(t)})

	var ee *domain.ExecError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, domain.ExitCodeTerminated, ee.ExitCode)
	assert.True(t, strings.HasPrefix(ee.Stderr, "Command timed out after"))
	assert.True(t, errors.Is(err, domain.ErrTimeout))
}

func TestShellTool_CwdModifier(t *testing.T) {
	st, _ := newTestShellTool(t, ShellConfig{})
	turn := testTurn(t)
	sub := filepath.Join(turn.Cwd, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))

	res, err := st.Execute(context.Background(), shellInput(t, shellParams{Command: "cd sub"}),
		domain.CallContext{Turn: turn})
	require.NoError(t, err)
	require.Len(t, res.Modifiers, 1)

	next := res.Modifiers[0](turn)
	assert.Equal(t, sub, next.Cwd)
}

func TestShellTool_RunInBackground(t *testing.T) {
	st, pm := newTestShellTool(t, ShellConfig{})
	res, err := st.Execute(context.Background(), shellInput(t, shellParams{Command: "sleep 5", RunInBackground: true}),
		domain.CallContext{Turn: testTurn(t)})
	require.NoError(t, err)

	out, ok := res.Data.(shellOutput)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(out.BackgroundID, "bg_"))
	assert.Contains(t, res.Content, out.BackgroundID)
	assert.NotEmpty(t, out.OutputFile)

	list := pm.List()
	require.Len(t, list, 1)
	assert.Equal(t, domain.ProcessStatusRunning, list[0].Status)
	require.NoError(t, pm.Kill(context.Background(), out.BackgroundID))
}

func TestShellTool_AutoPromotion(t *testing.T) {
	st, pm := newTestShellTool(t, ShellConfig{AutoBackgroundAfter: 100 * time.Millisecond})
	start := time.Now()
	res, err := st.Execute(context.Background(), shellInput(t, shellParams{Command: "echo started; sleep 5"}),
		domain.CallContext{Turn: testTurn(t)})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)

	out, ok := res.Data.(shellOutput)
	require.True(t, ok)
	assert.True(t, out.Promoted)
	assert.Contains(t, res.Content, "moved to the background")

	snap, err := pm.Read(out.BackgroundID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessStatusRunning, snap.Status)
	require.NoError(t, pm.Kill(context.Background(), out.BackgroundID))
}

func TestShellTool_ProgressIncludesTail(t *testing.T) {
	st, _ := newTestShellTool(t, ShellConfig{ProgressInterval: 100 * time.Millisecond})

	var mu sync.Mutex
	var events []domain.ToolProgress
	cc := domain.CallContext{
		ToolCallID: "c1",
		Turn:       testTurn(t),
		Progress: func(p domain.ToolProgress) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, p)
		},
	}
	_, err := st.Execute(context.Background(),
		shellInput(t, shellParams{Command: "for i in 1 2 3 4 5 6; do echo line$i; sleep 0.1; done"}), cc)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)
	var data map[string]any
	require.NoError(t, json.Unmarshal(events[len(events)-1].Data, &data))
	assert.Contains(t, data["tail"], "line")
	assert.Equal(t, "c1", events[0].ToolCallID)
}

func TestPollInterval(t *testing.T) {
	assert.Equal(t, 250*time.Millisecond, pollInterval(time.Second))
	assert.Equal(t, 50*time.Millisecond, pollInterval(10*time.Millisecond))
}
