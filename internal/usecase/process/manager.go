package process

import (
	"context"
	crand "crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"toolrun/internal/domain"
	"toolrun/internal/infra/metrics"
	"toolrun/internal/security"
)

// Default limits, overridable through ManagerConfig.
const (
	DefaultTimeout     = 2 * time.Minute
	MaxTimeout         = 10 * time.Minute
	DefaultGraceWindow = 250 * time.Millisecond
)

// ManagerConfig holds configuration for the Manager.
type ManagerConfig struct {
	SessionID       string
	Dirs            SessionDirs   // created under os.TempDir when empty
	MaxSessions     int           // max concurrently running background processes (default: 32)
	OutputBufferMax int           // max bytes of output to buffer per stream (default: 1MB)
	DefaultTimeout  time.Duration // foreground timeout when the request has none (default: 2m)
	MaxTimeout      time.Duration // upper clamp for requested timeouts (default: 10m)
	GraceWindow     time.Duration // how long output collectors may run after exit (default: 250ms)
}

// SandboxWrapper turns a shell argv into a confined one.
type SandboxWrapper interface {
	Wrap(opts domain.SandboxOptions, argv []string) (*security.Wrapped, error)
}

// backgroundProcess holds the runtime state of one registry entry. Guarded by
// Manager.mu except for the buffers, which lock themselves.
type backgroundProcess struct {
	id         string
	sessionID  string
	command    string
	cwd        string
	proc       *spawned
	outputFile string
	file       io.Closer

	stdoutCursor int64
	stderrCursor int64
	stdoutLines  int // line counts at the last FlushOutputProgress
	stderrLines  int

	status    domain.ProcessStatus
	exitCode  *int
	flags     domain.ProcessFlags
	startedAt time.Time
	// timeoutNote prefixes stderr once the deadline kills the process.
	timeoutNote string
	noteRead    bool
	deadline    *time.Time
	endedAt     *time.Time
	finished    chan struct{}
}

func (bp *backgroundProcess) listEntry() domain.ProcessListEntry {
	return domain.ProcessListEntry{
		ID:        bp.id,
		Command:   bp.command,
		Status:    bp.status,
		StartedAt: bp.startedAt,
		EndedAt:   bp.endedAt,
		ExitCode:  bp.exitCode,
	}
}

// Manager spawns shell commands and owns the background process registry of
// one session.
type Manager struct {
	procs   map[string]*backgroundProcess
	mu      sync.Mutex
	entropy io.Reader
	stopped bool

	config  ManagerConfig
	dirs    SessionDirs
	bus     domain.EventBus
	logger  *slog.Logger
	sandbox SandboxWrapper
	ledger  domain.TaskLedger
	metrics *metrics.Recorder
}

// ManagerOption configures optional collaborators.
type ManagerOption func(*Manager)

// WithSandbox wraps every spawned command with w.
func WithSandbox(w SandboxWrapper) ManagerOption {
	return func(m *Manager) { m.sandbox = w }
}

// WithLedger persists background task lifecycle records.
func WithLedger(l domain.TaskLedger) ManagerOption {
	return func(m *Manager) { m.ledger = l }
}

// WithMetrics records process counters.
func WithMetrics(r *metrics.Recorder) ManagerOption {
	return func(m *Manager) { m.metrics = r }
}

// NewManager creates a Manager, preparing the session directories if cfg
// does not name them.
func NewManager(cfg ManagerConfig, bus domain.EventBus, logger *slog.Logger, opts ...ManagerOption) (*Manager, error) {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 32
	}
	if cfg.OutputBufferMax <= 0 {
		cfg.OutputBufferMax = 1024 * 1024
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = MaxTimeout
	}
	if cfg.DefaultTimeout > cfg.MaxTimeout {
		cfg.DefaultTimeout = cfg.MaxTimeout
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultGraceWindow
	}
	if cfg.Dirs.Root == "" {
		dirs, err := PrepareSessionDirs("", cfg.SessionID)
		if err != nil {
			return nil, err
		}
		cfg.Dirs = dirs
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	m := &Manager{
		procs:   make(map[string]*backgroundProcess),
		entropy: ulid.Monotonic(crand.Reader, 0),
		config:  cfg,
		dirs:    cfg.Dirs,
		bus:     bus,
		logger:  logger,
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Dirs returns the session directory layout.
func (m *Manager) Dirs() SessionDirs { return m.dirs }

// StartBackground spawns a command straight into the registry and returns
// its id. A positive req.Timeout becomes the process deadline; otherwise the
// process runs until it exits or is killed.
func (m *Manager) StartBackground(ctx context.Context, req ExecRequest) (string, error) {
	if req.SessionID == "" {
		req.SessionID = m.config.SessionID
	}
	if err := m.checkCapacity("Manager.StartBackground"); err != nil {
		return "", err
	}
	proc, _, err := m.spawn(req)
	if err != nil {
		return "", err
	}
	var deadline time.Duration
	if req.Timeout > 0 {
		deadline = m.effectiveTimeout(req.Timeout)
	}
	bp, err := m.register(req, proc, deadline)
	if err != nil {
		proc.terminate()
		return "", err
	}
	m.emit(domain.EventProcessStarted, req.SessionID, map[string]any{"id": bp.id, "command": req.Command, "mode": "background"})
	m.logger.Info("process started", "id", bp.id, "command", req.Command)
	return bp.id, nil
}

func (m *Manager) checkCapacity(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkCapacityLocked(op)
}

func (m *Manager) checkCapacityLocked(op string) error {
	if m.stopped {
		return domain.NewSubSystemError("process", op, domain.ErrDisabled, "manager stopped")
	}
	running := 0
	for _, bp := range m.procs {
		if bp.status == domain.ProcessStatusRunning {
			running++
		}
	}
	if running >= m.config.MaxSessions {
		return domain.NewSubSystemError("process", op, domain.ErrLimitReached,
			fmt.Sprintf("%d/%d background processes running", running, m.config.MaxSessions))
	}
	return nil
}

// register adds a started process to the registry and mirrors its output to
// <tasks>/<id>.output. A zero deadline means none.
func (m *Manager) register(req ExecRequest, proc *spawned, deadline time.Duration) (*backgroundProcess, error) {
	m.mu.Lock()
	if err := m.checkCapacityLocked("Manager.register"); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	id := m.newIDLocked()
	outputFile := filepath.Join(m.dirs.Tasks, id+".output")
	f, err := os.OpenFile(outputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("process: open output file: %w", err)
	}
	w := &lockedWriter{w: f}
	if err := proc.stdout.Mirror(w); err != nil {
		m.logger.Warn("seed output file failed", "id", id, "error", err)
	}
	if err := proc.stderr.Mirror(w); err != nil {
		m.logger.Warn("seed output file failed", "id", id, "error", err)
	}

	bp := &backgroundProcess{
		id:         id,
		sessionID:  req.SessionID,
		command:    req.Command,
		cwd:        req.Cwd,
		proc:       proc,
		outputFile: outputFile,
		file:       f,
		status:     domain.ProcessStatusRunning,
		startedAt:  proc.started,
		finished:   make(chan struct{}),
	}
	if deadline > 0 {
		d := time.Now().Add(deadline)
		bp.deadline = &d
	}
	m.procs[id] = bp
	m.mu.Unlock()

	if m.ledger != nil {
		rec := domain.TaskRecord{
			ID:         id,
			SessionID:  req.SessionID,
			Command:    req.Command,
			Cwd:        req.Cwd,
			Status:     domain.ProcessStatusRunning,
			OutputFile: outputFile,
			StartedAt:  bp.startedAt,
		}
		if err := m.ledger.RecordStart(rec); err != nil {
			m.logger.Warn("task ledger start failed", "id", id, "error", err)
		}
	}
	m.metrics.BackgroundStarted()
	go m.watch(bp, deadline)
	return bp, nil
}

func (m *Manager) watch(bp *backgroundProcess, deadline time.Duration) {
	var expired <-chan time.Time
	if deadline > 0 {
		t := time.NewTimer(deadline)
		defer t.Stop()
		expired = t.C
	}

	select {
	case <-bp.proc.done:
	case <-expired:
		m.mu.Lock()
		if !bp.flags.Killed && !bp.proc.exited() {
			bp.flags.TimedOut = true
			bp.flags.Interrupted = true
			bp.timeoutNote = fmt.Sprintf("Command timed out after %s\n", deadline)
		}
		m.mu.Unlock()
		bp.proc.terminate()
		<-bp.proc.done
	}
	m.finalize(bp)
}

func (m *Manager) finalize(bp *backgroundProcess) {
	code, ok := bp.proc.exitCode()

	m.mu.Lock()
	now := time.Now()
	flags := bp.flags
	if !ok || flags.TimedOut {
		code = domain.ExitCodeTerminated
	}
	switch {
	case flags.Killed:
		bp.status = domain.ProcessStatusKilled
	case flags.TimedOut:
		bp.status = domain.ProcessStatusFailed
	case code == 0:
		bp.status = domain.ProcessStatusCompleted
	default:
		bp.status = domain.ProcessStatusFailed
	}
	bp.exitCode = &code
	bp.endedAt = &now
	entry := bp.listEntry()
	m.mu.Unlock()

	bp.proc.stdout.Detach()
	bp.proc.stderr.Detach()
	if err := bp.file.Close(); err != nil {
		m.logger.Warn("close output file failed", "id", bp.id, "error", err)
	}
	close(bp.finished)

	if m.ledger != nil {
		if err := m.ledger.RecordEnd(bp.id, entry.Status, entry.ExitCode, now); err != nil {
			m.logger.Warn("task ledger end failed", "id", bp.id, "error", err)
		}
	}
	m.metrics.BackgroundEnded()
	m.metrics.ProcessFinished("background", string(entry.Status))

	evt := domain.EventProcessCompleted
	switch {
	case flags.Killed:
		evt = domain.EventProcessKilled
	case flags.TimedOut:
		evt = domain.EventProcessTimedOut
	}
	m.emit(evt, bp.sessionID, entry)
	m.logger.Info("process finished", "id", bp.id, "status", entry.Status, "exit_code", code)
}

// Read returns a full snapshot without moving the read cursors.
func (m *Manager) Read(id string) (*domain.BackgroundSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bp, ok := m.procs[id]
	if !ok {
		return nil, domain.NewSubSystemError("process", "Manager.Read", domain.ErrNotFound, id)
	}
	return &domain.BackgroundSnapshot{
		ID:          bp.id,
		Command:     bp.command,
		Cwd:         bp.cwd,
		Status:      bp.status,
		ExitCode:    bp.exitCode,
		Stdout:      bp.proc.stdout.String(),
		Stderr:      bp.timeoutNote + bp.proc.stderr.String(),
		StdoutLines: bp.proc.stdout.Lines(),
		StderrLines: bp.proc.stderr.Lines(),
		Flags:       bp.flags,
		StartedAt:   bp.startedAt,
		Deadline:    bp.deadline,
		EndedAt:     bp.endedAt,
		OutputFile:  bp.outputFile,
	}, nil
}

// ReadDelta returns output produced since the previous ReadDelta and
// advances the cursors. filter, if set, keeps only matching lines of the
// delta.
func (m *Manager) ReadDelta(id string, filter *regexp.Regexp) (*domain.ProcessDelta, error) {
	m.mu.Lock()
	bp, ok := m.procs[id]
	if !ok {
		m.mu.Unlock()
		return nil, domain.NewSubSystemError("process", "Manager.ReadDelta", domain.ErrNotFound, id)
	}
	// Status first: once terminal, every byte is already in the buffers.
	delta := &domain.ProcessDelta{ID: id, Status: bp.status, ExitCode: bp.exitCode}
	delta.Stdout, bp.stdoutCursor = bp.proc.stdout.ReadFrom(bp.stdoutCursor)
	delta.Stderr, bp.stderrCursor = bp.proc.stderr.ReadFrom(bp.stderrCursor)
	delta.StdoutCursor, delta.StderrCursor = bp.stdoutCursor, bp.stderrCursor
	if bp.timeoutNote != "" && bp.status != domain.ProcessStatusRunning && !bp.noteRead {
		delta.Stderr = bp.timeoutNote + delta.Stderr
		bp.noteRead = true
	}
	m.mu.Unlock()

	if filter != nil {
		delta.Stdout = filterLines(delta.Stdout, filter)
		delta.Stderr = filterLines(delta.Stderr, filter)
	}
	return delta, nil
}

func filterLines(s string, re *regexp.Regexp) string {
	if s == "" {
		return ""
	}
	var kept []string
	for _, line := range strings.SplitAfter(s, "\n") {
		if line != "" && re.MatchString(strings.TrimSuffix(line, "\n")) {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "")
}

// Kill terminates a running background process and waits for it to exit.
// An explicit kill also marks the process notified.
func (m *Manager) Kill(ctx context.Context, id string) error {
	m.mu.Lock()
	bp, ok := m.procs[id]
	if !ok {
		m.mu.Unlock()
		return domain.NewSubSystemError("process", "Manager.Kill", domain.ErrNotFound, id)
	}
	if bp.status != domain.ProcessStatusRunning || bp.proc.exited() {
		m.mu.Unlock()
		return domain.NewSubSystemError("process", "Manager.Kill", domain.ErrNotRunning, id)
	}
	bp.flags.Killed = true
	bp.flags.Interrupted = true
	bp.flags.Notified = true
	m.mu.Unlock()

	bp.proc.terminate()
	select {
	case <-bp.finished:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.logger.Info("process killed", "id", id)
	return nil
}

// List returns summary entries for all processes in id (start) order.
func (m *Manager) List() []domain.ProcessListEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make([]domain.ProcessListEntry, 0, len(m.procs))
	for _, bp := range m.procs {
		entries = append(entries, bp.listEntry())
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}

// Remove drops a process from the registry, killing it first if it is running.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	bp, ok := m.procs[id]
	if !ok {
		m.mu.Unlock()
		return domain.NewSubSystemError("process", "Manager.Remove", domain.ErrNotFound, id)
	}
	running := bp.status == domain.ProcessStatusRunning
	m.mu.Unlock()

	if running {
		if err := m.Kill(ctx, id); err != nil && domain.ErrorCodeOf(err) != domain.CodeProcessNotRunning {
			return err
		}
	}

	m.mu.Lock()
	delete(m.procs, id)
	m.mu.Unlock()
	return nil
}

// FlushNotifications returns one notification per process that finished
// since the previous flush. Each process is reported at most once.
func (m *Manager) FlushNotifications() []domain.ProcessNotification {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.ProcessNotification
	for _, bp := range m.procs {
		if bp.status == domain.ProcessStatusRunning || bp.flags.Notified {
			continue
		}
		bp.flags.Notified = true
		out = append(out, domain.ProcessNotification{
			ID:         bp.id,
			Command:    bp.command,
			Status:     bp.status,
			ExitCode:   bp.exitCode,
			OutputFile: bp.outputFile,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FlushOutputProgress reports running processes that produced new lines
// since the previous flush.
func (m *Manager) FlushOutputProgress() []domain.OutputProgress {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.OutputProgress
	for _, bp := range m.procs {
		if bp.status != domain.ProcessStatusRunning {
			continue
		}
		stdout, stderr := bp.proc.stdout.Lines(), bp.proc.stderr.Lines()
		if stdout == bp.stdoutLines && stderr == bp.stderrLines {
			continue
		}
		out = append(out, domain.OutputProgress{
			ID:          bp.id,
			NewStdout:   stdout - bp.stdoutLines,
			NewStderr:   stderr - bp.stderrLines,
			TotalStdout: stdout,
			TotalStderr: stderr,
		})
		bp.stdoutLines, bp.stderrLines = stdout, stderr
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stop kills every running background process concurrently and removes the
// session temp dir. Output files are kept. Later starts fail.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = true
	var running []*backgroundProcess
	for _, bp := range m.procs {
		if bp.status == domain.ProcessStatusRunning && !bp.proc.exited() {
			bp.flags.Killed = true
			bp.flags.Interrupted = true
			bp.flags.Notified = true
			running = append(running, bp)
		}
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, bp := range running {
		g.Go(func() error {
			bp.proc.terminate()
			select {
			case <-bp.finished:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	err := g.Wait()
	if m.dirs.Tmp != "" {
		if rmErr := os.RemoveAll(m.dirs.Tmp); rmErr != nil {
			m.logger.Warn("remove session temp dir failed", "dir", m.dirs.Tmp, "error", rmErr)
		}
	}
	return err
}

func (m *Manager) effectiveTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return m.config.DefaultTimeout
	}
	return min(d, m.config.MaxTimeout)
}

func (m *Manager) emit(eventType domain.EventType, sessionID string, payload any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(context.Background(), domain.NewEvent(eventType, sessionID, payload))
}

// newIDLocked returns a fresh "bg_" id. ULIDs from a monotonic source never
// repeat within the process. Caller holds m.mu.
func (m *Manager) newIDLocked() string {
	return "bg_" + ulid.MustNew(ulid.Timestamp(time.Now()), m.entropy).String()
}
