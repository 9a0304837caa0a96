package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"toolrun/internal/domain"
	"toolrun/internal/security"
)

// killEscalation is how long a process group gets between SIGTERM and SIGKILL.
const killEscalation = 2 * time.Second

// SessionDirs is the on-disk layout of one session.
type SessionDirs struct {
	Root  string
	Tmp   string // TMPDIR of every spawned command
	Tasks string // background output mirrors
	State string // per-call scratch files written by wrapped commands
}

// PrepareSessionDirs creates <base>/toolrun-<sessionID>/{tmp,tasks,state}.
// An empty base uses os.TempDir and an empty sessionID gets a random one.
func PrepareSessionDirs(base, sessionID string) (SessionDirs, error) {
	if base == "" {
		base = os.TempDir()
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	root := filepath.Join(base, "toolrun-"+sessionID)
	d := SessionDirs{
		Root:  root,
		Tmp:   filepath.Join(root, "tmp"),
		Tasks: filepath.Join(root, "tasks"),
		State: filepath.Join(root, "state"),
	}
	for _, dir := range []string{d.Tmp, d.Tasks, d.State} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return SessionDirs{}, fmt.Errorf("process: create session dir: %w", err)
		}
	}
	return d, nil
}

// spawned is one running shell process and its captured output.
type spawned struct {
	cmd     *exec.Cmd
	stdout  *outputBuffer
	stderr  *outputBuffer
	started time.Time

	done    chan struct{}
	waitErr error // valid once done is closed

	termOnce sync.Once
}

func (p *spawned) wait() {
	p.waitErr = p.cmd.Wait()
	close(p.done)
}

func (p *spawned) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// terminate sends SIGTERM to the process group and escalates to SIGKILL if
// the group is still alive after killEscalation.
func (p *spawned) terminate() {
	p.termOnce.Do(func() {
		_ = signalGroup(p.cmd, false)
		go func() {
			t := time.NewTimer(killEscalation)
			defer t.Stop()
			select {
			case <-p.done:
			case <-t.C:
				_ = signalGroup(p.cmd, true)
			}
		}()
	})
}

// exitCode returns the OS exit status. ok is false when the process died
// from a signal and has no real exit code.
func (p *spawned) exitCode() (code int, ok bool) {
	if p.waitErr == nil {
		return 0, true
	}
	if errors.Is(p.waitErr, exec.ErrWaitDelay) && p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
		return code, code >= 0
	}
	var ee *exec.ExitError
	if errors.As(p.waitErr, &ee) {
		code = ee.ExitCode()
		return code, code >= 0
	}
	return 0, false
}

// spawn wraps the command with the sandbox, if any, and starts it in its own
// process group.
func (m *Manager) spawn(req ExecRequest) (*spawned, *security.Wrapped, error) {
	command := req.Command
	if req.CwdFile != "" {
		command = trackCwd(command, req.CwdFile)
	}
	argv := shellArgv(command)
	wrapped := &security.Wrapped{Argv: argv}
	if m.sandbox != nil {
		opts := req.Sandbox
		if opts.Cwd == "" {
			opts.Cwd = req.Cwd
		}
		w, err := m.sandbox.Wrap(opts, argv)
		if err != nil {
			return nil, nil, err
		}
		wrapped = w
		if w.Note != "" {
			m.emit(domain.EventSandboxFallback, req.SessionID, map[string]string{"command": req.Command})
		}
	}

	cmd := exec.Command(wrapped.Argv[0], wrapped.Argv[1:]...)
	cmd.Dir = req.Cwd
	cmd.Env = m.environ(req.Env)
	cmd.WaitDelay = m.config.GraceWindow
	setProcessGroup(cmd)

	p := &spawned{
		cmd:    cmd,
		stdout: newOutputBuffer(m.config.OutputBufferMax),
		stderr: newOutputBuffer(m.config.OutputBufferMax),
		done:   make(chan struct{}),
	}
	cmd.Stdout = p.stdout
	cmd.Stderr = p.stderr
	if wrapped.Note != "" {
		p.stderr.Write([]byte(wrapped.Note + "\n"))
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("process: start: %w", err)
	}
	p.started = time.Now()
	go p.wait()

	m.logger.Debug("process spawned", "pid", cmd.Process.Pid, "sandboxed", wrapped.Confined, "platform", wrapped.Platform)
	return p, wrapped, nil
}

// environ is the parent environment plus overrides, with TMPDIR forced to
// the session temp dir. exec.Cmd keeps the last value of duplicate keys.
func (m *Manager) environ(overrides map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	if m.dirs.Tmp != "" {
		env = append(env, "TMPDIR="+m.dirs.Tmp)
	}
	return env
}
