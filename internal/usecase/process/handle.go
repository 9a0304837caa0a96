package process

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"toolrun/internal/domain"
	"toolrun/internal/security"
)

// unconfinedRetryNote prefixes the stderr of a command that was re-run
// without the sandbox after the sandbox failed to initialize.
const unconfinedRetryNote = "[sandbox] sandbox failed to initialize; command re-ran unconfined\n"

// ExecRequest describes one shell command.
type ExecRequest struct {
	Command   string
	Cwd       string
	Env       map[string]string
	Timeout   time.Duration // zero uses the manager default; clamped to the maximum
	Sandbox   domain.SandboxOptions
	SessionID string
	// CwdFile, when set, receives the shell's final working directory.
	CwdFile string
}

// ExecResult is the terminal outcome of a foreground command, or the
// background id when the command was promoted.
type ExecResult struct {
	Stdout      string        `json:"stdout"`
	Stderr      string        `json:"stderr"`
	ExitCode    int           `json:"exit_code"`
	Duration    time.Duration `json:"duration"`
	TimedOut    bool          `json:"timed_out,omitempty"`
	Interrupted bool          `json:"interrupted,omitempty"`
	Killed      bool          `json:"killed,omitempty"`

	Sandboxed          bool   `json:"sandboxed,omitempty"`
	Platform           string `json:"platform,omitempty"`
	Violation          bool   `json:"violation,omitempty"`
	SandboxInitFailure bool   `json:"sandbox_init_failure,omitempty"`

	// Cwd is the shell's working directory at exit, when tracked.
	Cwd string `json:"cwd,omitempty"`

	BackgroundID string `json:"background_id,omitempty"`
	OutputFile   string `json:"output_file,omitempty"`
}

// Handle is a running foreground command that may be moved to the background.
type Handle struct {
	m       *Manager
	ctx     context.Context
	req     ExecRequest
	proc    *spawned
	wrapped *security.Wrapped
	timeout time.Duration

	mu          sync.Mutex
	bgID        string
	outputFile  string
	finished    bool
	timedOut    bool
	interrupted bool
	killed      bool
	result      *ExecResult

	killCh       chan struct{}
	killOnce     sync.Once
	backgrounded chan struct{}
	settled      chan struct{}
	retryOnce    sync.Once
}

// Start spawns a command in the foreground. The returned Handle races the
// process against its timeout and ctx until it exits or is backgrounded.
func (m *Manager) Start(ctx context.Context, req ExecRequest) (*Handle, error) {
	if req.SessionID == "" {
		req.SessionID = m.config.SessionID
	}
	proc, wrapped, err := m.spawn(req)
	if err != nil {
		return nil, err
	}
	h := &Handle{
		m:            m,
		ctx:          ctx,
		req:          req,
		proc:         proc,
		wrapped:      wrapped,
		timeout:      m.effectiveTimeout(req.Timeout),
		killCh:       make(chan struct{}),
		backgrounded: make(chan struct{}),
		settled:      make(chan struct{}),
	}
	m.emit(domain.EventProcessStarted, req.SessionID, map[string]any{"command": req.Command, "mode": "foreground"})
	go h.monitor()
	return h, nil
}

// Exec runs a command to completion. Timeout and ctx cancellation kill the
// process group; the result then carries exit code 143.
func (m *Manager) Exec(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	h, err := m.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	return h.Wait(context.Background())
}

func (h *Handle) monitor() {
	timer := time.NewTimer(h.timeout)
	defer timer.Stop()

	select {
	case <-h.proc.done:
	case <-timer.C:
		if !h.stop(&h.timedOut) {
			return
		}
	case <-h.ctx.Done():
		if !h.stop(&h.interrupted) {
			return
		}
	case <-h.killCh:
		if !h.stop(&h.killed) {
			return
		}
	case <-h.backgrounded:
		return
	}

	h.mu.Lock()
	if h.bgID != "" {
		h.mu.Unlock()
		return
	}
	h.finished = true
	h.mu.Unlock()

	<-h.proc.done
	h.result = h.m.foregroundResult(h)
	close(h.settled)
}

// stop records why the process is being stopped and signals its group. It
// reports false when the process has already moved to the background.
func (h *Handle) stop(reason *bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bgID != "" {
		return false
	}
	h.finished = true
	if !h.proc.exited() {
		*reason = true
		h.proc.terminate()
	}
	return true
}

// Background moves the command into the background registry, disarming the
// foreground timeout and cancellation. Calling it again returns the same id.
// It fails once the command has finished.
func (h *Handle) Background() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bgID != "" {
		return h.bgID, nil
	}
	if h.finished || h.proc.exited() {
		return "", domain.NewSubSystemError("process", "Handle.Background", domain.ErrNotRunning, "command already finished")
	}
	bp, err := h.m.register(h.req, h.proc, 0)
	if err != nil {
		return "", err
	}
	h.bgID = bp.id
	h.outputFile = bp.outputFile
	close(h.backgrounded)
	h.m.emit(domain.EventProcessBackgrounded, h.req.SessionID, bp.listEntry())
	h.m.logger.Info("process backgrounded", "id", bp.id, "command", h.req.Command)
	return bp.id, nil
}

// Wait blocks until the command finishes or is backgrounded. ctx bounds only
// the wait; it does not affect the process.
func (h *Handle) Wait(ctx context.Context) (*ExecResult, error) {
	select {
	case <-h.settled:
		h.retryOnce.Do(h.retryUnconfined)
		return h.result, nil
	case <-h.backgrounded:
		h.mu.Lock()
		defer h.mu.Unlock()
		return &ExecResult{
			BackgroundID: h.bgID,
			OutputFile:   h.outputFile,
			Stdout:       h.proc.stdout.String(),
			Stderr:       h.proc.stderr.String(),
			Sandboxed:    h.wrapped.Confined,
			Platform:     h.wrapped.Platform,
			Duration:     time.Since(h.proc.started),
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Kill terminates the command, or the background process it became.
func (h *Handle) Kill(ctx context.Context) error {
	h.mu.Lock()
	id := h.bgID
	h.mu.Unlock()
	if id != "" {
		return h.m.Kill(ctx, id)
	}

	h.killOnce.Do(func() { close(h.killCh) })
	select {
	case <-h.settled:
		return nil
	case <-h.backgrounded:
		h.mu.Lock()
		id = h.bgID
		h.mu.Unlock()
		return h.m.Kill(ctx, id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the foreground command has settled.
func (h *Handle) Done() <-chan struct{} { return h.settled }

// Output returns the output captured so far.
func (h *Handle) Output() (stdout, stderr string) {
	return h.proc.stdout.String(), h.proc.stderr.String()
}

// Tail returns at most n bytes from the end of stdout.
func (h *Handle) Tail(n int) string { return h.proc.stdout.Tail(n) }

// Lines returns the stdout and stderr line counts so far.
func (h *Handle) Lines() (stdout, stderr int) {
	return h.proc.stdout.Lines(), h.proc.stderr.Lines()
}

// Elapsed returns the time since the process started.
func (h *Handle) Elapsed() time.Duration { return time.Since(h.proc.started) }

// retryUnconfined re-runs the command without the sandbox when the sandbox
// itself failed to start and the policy allows it.
func (h *Handle) retryUnconfined() {
	res := h.result
	opts := h.req.Sandbox
	if !res.SandboxInitFailure || !opts.AllowUnsandboxedRetry || opts.Require {
		return
	}
	h.m.logger.Warn("sandbox initialization failed, retrying unconfined", "platform", res.Platform)
	h.m.emit(domain.EventSandboxFallback, h.req.SessionID, map[string]string{
		"command":  h.req.Command,
		"platform": res.Platform,
	})

	retry := h.req
	retry.Sandbox.Enabled = false
	again, err := h.m.Exec(h.ctx, retry)
	if err != nil {
		res.Stderr += fmt.Sprintf("\nunconfined retry failed: %v\n", err)
		return
	}
	again.Stderr = unconfinedRetryNote + again.Stderr
	h.result = again
}

func (m *Manager) foregroundResult(h *Handle) *ExecResult {
	p := h.proc
	res := &ExecResult{
		Stdout:      p.stdout.String(),
		Stderr:      p.stderr.String(),
		Duration:    time.Since(p.started),
		TimedOut:    h.timedOut,
		Interrupted: h.interrupted || h.timedOut,
		Killed:      h.killed,
		Sandboxed:   h.wrapped.Confined,
		Platform:    h.wrapped.Platform,
	}

	code, ok := p.exitCode()
	switch {
	case h.timedOut:
		res.ExitCode = domain.ExitCodeTerminated
		res.Stderr = fmt.Sprintf("Command timed out after %s\n", h.timeout) + res.Stderr
	case !ok:
		res.ExitCode = domain.ExitCodeTerminated
	default:
		res.ExitCode = code
	}

	if h.wrapped.Confined {
		a := security.AnnotateStderr(res.Stderr, h.wrapped.Platform)
		res.Stderr = a.Stderr
		res.Violation = a.Violation
		res.SandboxInitFailure = a.InitFailure
		if a.Violation {
			m.emit(domain.EventSandboxViolation, h.req.SessionID, map[string]string{
				"command":  h.req.Command,
				"platform": h.wrapped.Platform,
			})
		}
	}

	if h.req.CwdFile != "" {
		if data, err := os.ReadFile(h.req.CwdFile); err == nil {
			res.Cwd = strings.TrimSpace(string(data))
		}
		os.Remove(h.req.CwdFile)
	}

	status := domain.ProcessStatusCompleted
	switch {
	case h.timedOut:
		status = domain.ProcessStatusFailed
		m.emit(domain.EventProcessTimedOut, h.req.SessionID, map[string]any{"command": h.req.Command, "timeout": h.timeout.String()})
	case h.killed || h.interrupted:
		status = domain.ProcessStatusKilled
	case res.ExitCode != 0:
		status = domain.ProcessStatusFailed
	}
	m.metrics.ProcessFinished("foreground", string(status))
	m.logger.Debug("process finished", "command", h.req.Command, "exit_code", res.ExitCode, "status", status, "duration", res.Duration)
	return res
}
