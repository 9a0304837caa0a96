package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"toolrun/internal/domain"
)

// ExitCodeBlock is the hook exit status that blocks a tool call.
const ExitCodeBlock = 2

// payload is written to the hook command's stdin as JSON.
type payload struct {
	Event      Event              `json:"event"`
	ToolName   string             `json:"tool_name"`
	ToolCallID string             `json:"tool_call_id"`
	Input      json.RawMessage    `json:"input"`
	Result     *domain.ToolResult `json:"result,omitempty"`
}

// output is the optional JSON a hook prints on stdout.
type output struct {
	Decision          domain.HookDecision       `json:"decision"`
	Reason            string                    `json:"reason"`
	Permission        domain.PermissionDecision `json:"permission"`
	PermissionReason  string                    `json:"permission_reason"`
	UpdatedInput      json.RawMessage           `json:"updated_input"`
	AdditionalContext string                    `json:"additional_context"`
	Warning           string                    `json:"warning"`
	SystemMessage     string                    `json:"system_message"`
}

type runOutcome struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
	parsed   *output
}

// CommandHookRunner runs shell-command hooks resolved through a MatcherCache.
// A hook receives the call as JSON on stdin. Exit status 2 blocks the call
// (pre hooks only) with stderr as the reason; any other non-zero status is a
// warning. On success stdout may carry a JSON object with a decision,
// permission pre-decision, input patch or extra context.
type CommandHookRunner struct {
	cache   *MatcherCache
	timeout time.Duration
	tmpDir  string
	logger  *slog.Logger
}

// RunnerOption configures a CommandHookRunner.
type RunnerOption func(*CommandHookRunner)

// WithTempDir points TMPDIR of every hook process at dir.
func WithTempDir(dir string) RunnerOption {
	return func(r *CommandHookRunner) { r.tmpDir = dir }
}

// NewCommandHookRunner creates a runner. timeout applies to hooks that do not
// set their own.
func NewCommandHookRunner(cache *MatcherCache, timeout time.Duration, logger *slog.Logger, opts ...RunnerOption) *CommandHookRunner {
	if timeout <= 0 {
		timeout = time.Minute
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &CommandHookRunner{cache: cache, timeout: timeout, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// PreToolUse runs matching pre hooks in order. Input patches chain into the
// next hook; the first block stops the chain.
func (r *CommandHookRunner) PreToolUse(ctx context.Context, call domain.ToolCall, input json.RawMessage) ([]domain.PreHookResult, error) {
	specs, err := r.cache.Match(PreToolUse, call.Name)
	if err != nil {
		return nil, err
	}
	results := make([]domain.PreHookResult, 0, len(specs))
	for _, s := range specs {
		out := r.run(ctx, s, payload{Event: PreToolUse, ToolName: call.Name, ToolCallID: call.ID, Input: input})
		res := domain.PreHookResult{HookName: s.Name, Decision: domain.HookAllow}

		switch {
		case out.err != nil:
			res.Warnings = append(res.Warnings, fmt.Sprintf("hook %s failed: %v", s.Name, out.err))
		case out.exitCode == ExitCodeBlock:
			res.Decision = domain.HookBlock
			res.Message = strings.TrimSpace(out.stderr)
			if res.Message == "" {
				res.Message = fmt.Sprintf("blocked by hook %s", s.Name)
			}
		case out.exitCode != 0:
			res.Warnings = append(res.Warnings, exitWarning(s.Name, out))
		case out.parsed != nil:
			p := out.parsed
			if p.Decision == domain.HookBlock {
				res.Decision = domain.HookBlock
				res.Message = p.Reason
			}
			res.Permission = p.Permission
			res.PermissionReason = p.PermissionReason
			res.UpdatedInput = p.UpdatedInput
			if p.AdditionalContext != "" {
				res.AdditionalContext = append(res.AdditionalContext, p.AdditionalContext)
			}
			if p.Warning != "" {
				res.Warnings = append(res.Warnings, p.Warning)
			}
		case out.stdout != "":
			res.AdditionalContext = append(res.AdditionalContext, out.stdout)
		}

		results = append(results, res)
		if res.Decision == domain.HookBlock {
			break
		}
		if len(res.UpdatedInput) > 0 {
			input = res.UpdatedInput
		}
	}
	return results, nil
}

// PostToolUse runs matching post hooks. They observe the result and may add
// warnings, system messages or context, but cannot block.
func (r *CommandHookRunner) PostToolUse(ctx context.Context, call domain.ToolCall, input json.RawMessage, result *domain.ToolResult) ([]domain.PostHookResult, error) {
	specs, err := r.cache.Match(PostToolUse, call.Name)
	if err != nil {
		return nil, err
	}
	results := make([]domain.PostHookResult, 0, len(specs))
	for _, s := range specs {
		out := r.run(ctx, s, payload{Event: PostToolUse, ToolName: call.Name, ToolCallID: call.ID, Input: input, Result: result})
		res := domain.PostHookResult{HookName: s.Name}
		switch {
		case out.err != nil:
			res.Warnings = append(res.Warnings, fmt.Sprintf("hook %s failed: %v", s.Name, out.err))
		case out.exitCode != 0:
			res.Warnings = append(res.Warnings, exitWarning(s.Name, out))
		case out.parsed != nil:
			if out.parsed.Warning != "" {
				res.Warnings = append(res.Warnings, out.parsed.Warning)
			}
			if out.parsed.SystemMessage != "" {
				res.SystemMessages = append(res.SystemMessages, out.parsed.SystemMessage)
			}
			if out.parsed.AdditionalContext != "" {
				res.AdditionalContext = append(res.AdditionalContext, out.parsed.AdditionalContext)
			}
		case out.stdout != "":
			res.SystemMessages = append(res.SystemMessages, out.stdout)
		}
		results = append(results, res)
	}
	return results, nil
}

func exitWarning(name string, out runOutcome) string {
	msg := fmt.Sprintf("hook %s exited with status %d", name, out.exitCode)
	if stderr := strings.TrimSpace(out.stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

func (r *CommandHookRunner) run(ctx context.Context, s Spec, p payload) runOutcome {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdin, err := json.Marshal(p)
	if err != nil {
		return runOutcome{err: fmt.Errorf("encode payload: %w", err)}
	}

	argv := []string{"/bin/sh", "-c", s.Command}
	if runtime.GOOS == "windows" {
		argv = []string{"cmd", "/c", s.Command}
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = filepath.Dir(s.Source)
	cmd.Env = append(os.Environ(),
		"TOOLRUN_HOOK_EVENT="+string(p.Event),
		"TOOLRUN_TOOL_NAME="+p.ToolName,
		"TOOLRUN_TOOL_CALL_ID="+p.ToolCallID,
	)
	if r.tmpDir != "" {
		cmd.Env = append(cmd.Env, "TMPDIR="+r.tmpDir)
	}
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.WaitDelay = 250 * time.Millisecond
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	out := runOutcome{stdout: strings.TrimSpace(stdout.String()), stderr: stderr.String()}
	r.logger.Debug("hook ran", "hook", s.Name, "event", p.Event, "tool", p.ToolName, "duration", time.Since(start))

	if ctx.Err() == context.DeadlineExceeded {
		out.err = domain.NewSubSystemError("hook", "CommandHookRunner.run", domain.ErrTimeout, fmt.Sprintf("%s after %s", s.Name, timeout))
		return out
	}
	if runErr != nil {
		var ee *exec.ExitError
		if errors.As(runErr, &ee) {
			out.exitCode = ee.ExitCode()
			return out
		}
		out.err = runErr
		return out
	}
	if strings.HasPrefix(out.stdout, "{") {
		var parsed output
		if err := json.Unmarshal([]byte(out.stdout), &parsed); err == nil {
			out.parsed = &parsed
		} else {
			r.logger.Warn("hook printed invalid JSON", "hook", s.Name, "error", err)
		}
	}
	return out
}
