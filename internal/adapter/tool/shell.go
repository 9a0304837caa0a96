package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"toolrun/internal/domain"
	"toolrun/internal/infra/tracer"
	"toolrun/internal/usecase/process"
)

const (
	defaultProgressInterval = time.Second
	// progressTailBytes bounds the output tail attached to progress events.
	progressTailBytes = 2048
)

// ShellConfig configures the shell tool.
type ShellConfig struct {
	MaxTimeout time.Duration
	// AutoBackgroundAfter moves a foreground command to the background once
	// it has run this long. Zero disables auto-promotion.
	AutoBackgroundAfter time.Duration
	ProgressInterval    time.Duration
	// AllowedCommands, when non-empty, restricts every simple command of a
	// line to these program names.
	AllowedCommands []string
	Sandbox         domain.SandboxOptions
}

// ShellTool executes shell commands through the process manager.
type ShellTool struct {
	pm      *process.Manager
	cfg     ShellConfig
	allowed map[string]bool
	logger  *slog.Logger
}

// NewShellTool creates a shell tool backed by the given process manager.
func NewShellTool(pm *process.Manager, cfg ShellConfig, logger *slog.Logger) *ShellTool {
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = process.MaxTimeout
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = defaultProgressInterval
	}
	var allowed map[string]bool
	if len(cfg.AllowedCommands) > 0 {
		allowed = make(map[string]bool, len(cfg.AllowedCommands))
		for _, c := range cfg.AllowedCommands {
			allowed[c] = true
		}
	}
	return &ShellTool{pm: pm, cfg: cfg, allowed: allowed, logger: logger}
}

func (t *ShellTool) Name() string      { return "shell" }
func (t *ShellTool) Aliases() []string { return []string{"bash"} }
func (t *ShellTool) Description() string {
	return "Run a shell command in the session's working directory. Long-running commands can run in the background and be managed with the process tool."
}

func (t *ShellTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(fmt.Sprintf(`{
			"type": "object",
			"properties": {
				"command": {"type": "string", "minLength": 1, "description": "The command to execute"},
				"timeout": {"type": "integer", "minimum": 1, "maximum": %d, "description": "Timeout in milliseconds"},
				"description": {"type": "string", "description": "Short description of what the command does"},
				"run_in_background": {"type": "boolean", "description": "Start the command in the background and return its id"}
			},
			"required": ["command"],
			"additionalProperties": false
		}`, t.cfg.MaxTimeout.Milliseconds())),
	}
}

type shellParams struct {
	Command         string `json:"command"`
	Timeout         int64  `json:"timeout,omitempty"`
	Description     string `json:"description,omitempty"`
	RunInBackground bool   `json:"run_in_background,omitempty"`
}

// shellOutput is the structured result of a shell call.
type shellOutput struct {
	Stdout       string `json:"stdout"`
	Stderr       string `json:"stderr"`
	ExitCode     int    `json:"exit_code"`
	Sandboxed    bool   `json:"sandboxed,omitempty"`
	Violation    bool   `json:"sandbox_violation,omitempty"`
	Cwd          string `json:"cwd,omitempty"`
	BackgroundID string `json:"background_id,omitempty"`
	OutputFile   string `json:"output_file,omitempty"`
	Promoted     bool   `json:"promoted,omitempty"`
}

// PreprocessInput accepts a bare JSON string as the command.
func (t *ShellTool) PreprocessInput(input json.RawMessage) json.RawMessage {
	var s string
	if json.Unmarshal(input, &s) != nil {
		return input
	}
	out, err := json.Marshal(shellParams{Command: s})
	if err != nil {
		return input
	}
	return out
}

// IsConcurrencySafe reports true for foreground commands that only read.
func (t *ShellTool) IsConcurrencySafe(input json.RawMessage) bool {
	p, err := decodeParams[shellParams](input)
	if err != nil || p.RunInBackground {
		return false
	}
	return IsReadOnlyCommand(p.Command)
}

// NormalizeInput drops a redundant "cd <cwd> &&" prefix.
func (t *ShellTool) NormalizeInput(input json.RawMessage, turn domain.TurnState) (json.RawMessage, error) {
	p, err := decodeParams[shellParams](input)
	if err != nil {
		return nil, err
	}
	stripped := stripCdPrefix(p.Command, turn.Cwd)
	if stripped == p.Command {
		return input, nil
	}
	p.Command = stripped
	return json.Marshal(p)
}

// ValidateInput rejects empty commands, excessive timeouts and commands
// outside the allowlist.
func (t *ShellTool) ValidateInput(_ context.Context, input json.RawMessage, _ domain.TurnState) error {
	p, err := decodeParams[shellParams](input)
	if err != nil {
		return domain.NewSubSystemError("schema", "ShellTool.ValidateInput", domain.ErrInvalidInput, err.Error())
	}
	if strings.TrimSpace(p.Command) == "" {
		return domain.NewDomainError("ShellTool.ValidateInput", domain.ErrInvalidInput, "command must not be empty")
	}
	if limit := t.cfg.MaxTimeout; p.Timeout > 0 && time.Duration(p.Timeout)*time.Millisecond > limit {
		return domain.NewDomainError("ShellTool.ValidateInput", domain.ErrInvalidInput,
			fmt.Sprintf("timeout %dms exceeds the maximum of %s", p.Timeout, limit))
	}
	return t.validateCommand(p.Command)
}

// validateCommand checks every program in the line against the allowlist.
func (t *ShellTool) validateCommand(command string) error {
	if t.allowed == nil {
		return nil
	}
	names, pc, err := commandNames(command)
	if err != nil {
		return domain.NewDomainError("ShellTool.validateCommand", domain.ErrInvalidInput, err.Error())
	}
	if pc.substitution {
		return domain.NewDomainError("ShellTool.validateCommand", domain.ErrCommandNotAllowed,
			"command substitution is not permitted with an allowlist")
	}
	for _, name := range names {
		if !t.allowed[name] {
			return domain.NewDomainError("ShellTool.validateCommand", domain.ErrCommandNotAllowed,
				fmt.Sprintf("command %q not in allowlist", name))
		}
	}
	return nil
}

func (t *ShellTool) Execute(ctx context.Context, input json.RawMessage, cc domain.CallContext) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.shell", t.logger, input,
		func(ctx context.Context, span trace.Span, p shellParams) (any, error) {
			span.SetAttributes(tracer.BoolAttr("shell.background", p.RunInBackground))
			req := process.ExecRequest{
				Command:   p.Command,
				Cwd:       cc.Turn.Cwd,
				Env:       cc.Turn.Env,
				Timeout:   time.Duration(p.Timeout) * time.Millisecond,
				Sandbox:   t.cfg.Sandbox,
				SessionID: cc.Turn.SessionID,
			}

			if p.RunInBackground {
				return t.startBackground(ctx, req)
			}

			req.CwdFile = filepath.Join(t.pm.Dirs().State, "cwd-"+uuid.NewString())
			h, err := t.pm.Start(ctx, req)
			if err != nil {
				return nil, err
			}
			res, err := t.await(h, cc)
			if err != nil {
				return nil, err
			}
			return t.result(p, res, cc.Turn)
		},
	)
}

func (t *ShellTool) startBackground(ctx context.Context, req process.ExecRequest) (*domain.ToolResult, error) {
	id, err := t.pm.StartBackground(ctx, req)
	if err != nil {
		return nil, err
	}
	out := shellOutput{BackgroundID: id}
	if snap, err := t.pm.Read(id); err == nil {
		out.OutputFile = snap.OutputFile
	}
	t.logger.Debug("shell command started in background", "id", id, "command", req.Command)
	return &domain.ToolResult{
		Content: fmt.Sprintf("Command running in background with ID: %s. Output is being written to: %s", id, out.OutputFile),
		Data:    out,
	}, nil
}

// await waits for the command, emitting throttled progress and promoting
// it to the background once AutoBackgroundAfter elapses.
func (t *ShellTool) await(h *process.Handle, cc domain.CallContext) (*process.ExecResult, error) {
	limiter := rate.NewLimiter(rate.Every(t.cfg.ProgressInterval), 1)
	// The first token is spent so the earliest progress comes one interval in.
	limiter.Allow()
	ticker := time.NewTicker(pollInterval(t.cfg.ProgressInterval))
	defer ticker.Stop()

	var promote <-chan time.Time
	if t.cfg.AutoBackgroundAfter > 0 {
		timer := time.NewTimer(t.cfg.AutoBackgroundAfter)
		defer timer.Stop()
		promote = timer.C
	}

	lastLines := -1
	for {
		select {
		case <-h.Done():
			return h.Wait(context.Background())
		case <-promote:
			promote = nil
			if _, err := h.Background(); err != nil {
				// Finished in the meantime; Done resolves next.
				continue
			}
			return h.Wait(context.Background())
		case <-ticker.C:
			stdout, stderr := h.Lines()
			if stdout+stderr == lastLines || !limiter.Allow() {
				continue
			}
			lastLines = stdout + stderr
			cc.Report(fmt.Sprintf("running for %s, %d lines of output", h.Elapsed().Round(time.Second), lastLines),
				map[string]any{
					"elapsed_ms":   h.Elapsed().Milliseconds(),
					"stdout_lines": stdout,
					"stderr_lines": stderr,
					"tail":         h.Tail(progressTailBytes),
				})
		}
	}
}

func pollInterval(progress time.Duration) time.Duration {
	d := progress / 4
	if d < 50*time.Millisecond {
		d = 50 * time.Millisecond
	}
	return d
}

// result maps a finished or promoted command to the tool result. Non-zero
// exits become an ExecError so the invoker reports the captured output.
func (t *ShellTool) result(p shellParams, res *process.ExecResult, turn domain.TurnState) (*domain.ToolResult, error) {
	if res.BackgroundID != "" {
		t.logger.Debug("shell command promoted to background", "id", res.BackgroundID, "command", p.Command)
		return &domain.ToolResult{
			Content: fmt.Sprintf("Command was moved to the background with ID: %s after %s. Output is being written to: %s. Use the process tool to poll or kill it.",
				res.BackgroundID, res.Duration.Round(time.Millisecond), res.OutputFile),
			Data: shellOutput{
				Stdout:       res.Stdout,
				Stderr:       res.Stderr,
				BackgroundID: res.BackgroundID,
				OutputFile:   res.OutputFile,
				Promoted:     true,
			},
		}, nil
	}

	switch {
	case res.TimedOut:
		return nil, &domain.ExecError{
			Message:  fmt.Sprintf("Command timed out (exit code %d)", res.ExitCode),
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
			ExitCode: res.ExitCode,
			Err:      domain.ErrTimeout,
		}
	case res.Interrupted || res.Killed:
		return nil, &domain.ExecError{
			Message:  fmt.Sprintf("Command was interrupted (exit code %d)", res.ExitCode),
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
			ExitCode: res.ExitCode,
			Err:      domain.ErrCancelled,
		}
	case res.ExitCode != 0:
		return nil, &domain.ExecError{
			Message:  fmt.Sprintf("Command failed with exit code %d", res.ExitCode),
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
			ExitCode: res.ExitCode,
		}
	}

	out := shellOutput{
		Stdout:    res.Stdout,
		Stderr:    res.Stderr,
		ExitCode:  res.ExitCode,
		Sandboxed: res.Sandboxed,
		Violation: res.Violation,
		Cwd:       res.Cwd,
	}
	result := &domain.ToolResult{Data: out}
	if res.Cwd != "" && res.Cwd != turn.Cwd {
		cwd := res.Cwd
		result.Modifiers = append(result.Modifiers, func(s domain.TurnState) domain.TurnState {
			s.Cwd = cwd
			return s
		})
	}
	result.Content = t.FormatResult(result)
	return result, nil
}

// FormatResult renders stdout followed by stderr.
func (t *ShellTool) FormatResult(result *domain.ToolResult) string {
	out, ok := result.Data.(shellOutput)
	if !ok || out.BackgroundID != "" {
		return result.Content
	}
	var b strings.Builder
	b.WriteString(strings.TrimRight(out.Stdout, "\n"))
	if stderr := strings.TrimRight(out.Stderr, "\n"); stderr != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(stderr)
	}
	if b.Len() == 0 {
		return "(no output)"
	}
	return b.String()
}
