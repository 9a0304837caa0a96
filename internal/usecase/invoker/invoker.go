package invoker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"toolrun/internal/domain"
	"toolrun/internal/infra/metrics"
	"toolrun/internal/infra/tracer"
)

// Registry resolves tools and validates their input against the compiled
// schema.
type Registry interface {
	Get(name string) (domain.Tool, error)
	ValidateInput(name string, input json.RawMessage) error
}

// Invoker runs one tool call through validation, hooks, permission,
// execution and formatting. It never returns an error; every failure
// becomes an error ToolResult.
type Invoker struct {
	registry Registry
	hooks    domain.HookRunner
	perms    domain.PermissionChecker
	bus      domain.EventBus
	metrics  *metrics.Recorder
	logger   *slog.Logger
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithHooks attaches pre/post tool-use hooks.
func WithHooks(h domain.HookRunner) Option { return func(i *Invoker) { i.hooks = h } }

// WithPermissionChecker attaches the permission collaborator. Without one,
// every call is allowed.
func WithPermissionChecker(c domain.PermissionChecker) Option {
	return func(i *Invoker) { i.perms = c }
}

// WithEventBus publishes tool call lifecycle events.
func WithEventBus(b domain.EventBus) Option { return func(i *Invoker) { i.bus = b } }

// WithMetrics records per-call metrics.
func WithMetrics(r *metrics.Recorder) Option { return func(i *Invoker) { i.metrics = r } }

// New creates an Invoker over the given registry.
func New(registry Registry, logger *slog.Logger, opts ...Option) *Invoker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	i := &Invoker{registry: registry, logger: logger}
	for _, o := range opts {
		o(i)
	}
	return i
}

// IsConcurrencySafe resolves the call's safety flag. Unknown tools and input
// that fails schema validation are unsafe.
func (i *Invoker) IsConcurrencySafe(call domain.ToolCall) (safe bool) {
	defer func() {
		if r := recover(); r != nil {
			safe = false
		}
	}()
	tool, err := i.registry.Get(call.Name)
	if err != nil {
		return false
	}
	input := preprocess(tool, call.Arguments)
	if err := i.registry.ValidateInput(tool.Name(), input); err != nil {
		return false
	}
	return tool.IsConcurrencySafe(input)
}

// Invoke runs the call and returns exactly one terminal result. Progress
// events are forwarded to progress as they happen.
func (i *Invoker) Invoke(ctx context.Context, call domain.ToolCall, turn domain.TurnState, progress domain.ProgressFunc) (res *domain.ToolResult) {
	start := time.Now()
	ctx, span := tracer.StartSpan(ctx, "invoker.invoke", tracer.ToolCallAttrs(call.ID, call.Name))
	defer span.End()

	toolName := call.Name
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("tool call panicked", "tool", toolName, "call_id", call.ID, "panic", r, "stack", string(debug.Stack()))
			res = errorResult(domain.NewDomainError("Invoker.Invoke", domain.ErrToolFailure, fmt.Sprintf("panic: %v", r)))
		}
		res.ToolCallID = call.ID
		res.ToolName = toolName
		if res.IsError {
			tracer.RecordError(span, fmt.Errorf("%s", res.ErrorCode))
		} else {
			tracer.SetOK(span)
		}
		d := time.Since(start)
		i.metrics.ToolCall(toolName, res.IsError, d)
		i.publish(domain.EventToolCallCompleted, turn.SessionID, map[string]any{
			"tool_call_id": call.ID,
			"tool":         toolName,
			"is_error":     res.IsError,
			"error_code":   res.ErrorCode,
			"duration_ms":  d.Milliseconds(),
		})
		i.logger.Debug("tool call finished", "tool", toolName, "call_id", call.ID, "is_error", res.IsError, "duration", d)
	}()

	tool, err := i.registry.Get(call.Name)
	if err != nil {
		return errorResult(err)
	}
	toolName = tool.Name()
	i.publish(domain.EventToolCallStarted, turn.SessionID, map[string]string{"tool_call_id": call.ID, "tool": toolName})

	input := preprocess(tool, call.Arguments)
	input, err = i.prepare(ctx, tool, input, turn)
	if err != nil {
		return errorResult(err)
	}

	// The call handed to hooks and the checker names the canonical tool.
	resolved := domain.ToolCall{ID: call.ID, Name: toolName, Arguments: input}

	pre, err := i.runPreHooks(ctx, resolved, input)
	if err != nil {
		return withHookOutput(errorResult(err), pre)
	}
	if pre.input != nil {
		input, err = i.prepare(ctx, tool, pre.input, turn)
		if err != nil {
			return withHookOutput(errorResult(err), pre)
		}
		resolved.Arguments = input
	}

	input, err = i.checkPermission(ctx, tool, resolved, input, turn, pre)
	if err != nil {
		return withHookOutput(errorResult(err), pre)
	}
	resolved.Arguments = input

	cc := domain.CallContext{
		ToolCallID: call.ID,
		Turn:       turn.Clone(),
		Progress:   stampProgress(toolName, progress),
	}
	result, err := i.execute(ctx, tool, input, cc)
	if err != nil {
		i.logger.Debug("tool execution failed", "tool", toolName, "call_id", call.ID, "error", err)
		return withHookOutput(errorResult(err), pre)
	}
	if result == nil {
		result = &domain.ToolResult{}
	}
	if result.IsError && result.ErrorCode == "" {
		result.ErrorCode = domain.CodeToolFailure
	}

	i.runPostHooks(ctx, resolved, input, result)

	if f, ok := tool.(domain.ResultFormatter); ok && !result.IsError {
		result.Content = f.FormatResult(result)
	}
	return withHookOutput(result, pre)
}

func preprocess(tool domain.Tool, input json.RawMessage) json.RawMessage {
	if p, ok := tool.(domain.InputPreprocessor); ok {
		return p.PreprocessInput(input)
	}
	return input
}

// prepare validates input against the schema, applies the tool's
// normalizer and runs its semantic validator.
func (i *Invoker) prepare(ctx context.Context, tool domain.Tool, input json.RawMessage, turn domain.TurnState) (json.RawMessage, error) {
	if err := i.registry.ValidateInput(tool.Name(), input); err != nil {
		return nil, err
	}
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	if n, ok := tool.(domain.InputNormalizer); ok {
		normalized, err := n.NormalizeInput(input, turn)
		if err != nil {
			return nil, domain.NewSubSystemError("schema", "Invoker.normalize", domain.ErrInvalidInput, err.Error())
		}
		input = normalized
	}
	if v, ok := tool.(domain.InputValidator); ok {
		if err := v.ValidateInput(ctx, input, turn); err != nil {
			return nil, err
		}
	}
	return input, nil
}

// execute calls the tool, converting a panic into an execution error.
func (i *Invoker) execute(ctx context.Context, tool domain.Tool, input json.RawMessage, cc domain.CallContext) (res *domain.ToolResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("tool panicked", "tool", tool.Name(), "panic", r, "stack", string(debug.Stack()))
			res, err = nil, domain.NewDomainError("Invoker.execute", domain.ErrToolFailure, fmt.Sprintf("tool panicked: %v", r))
		}
	}()
	return tool.Execute(ctx, input, cc)
}

// stampProgress fills in the tool name and forwards immediately.
func stampProgress(toolName string, progress domain.ProgressFunc) domain.ProgressFunc {
	if progress == nil {
		return nil
	}
	return func(p domain.ToolProgress) {
		if p.ToolName == "" {
			p.ToolName = toolName
		}
		progress(p)
	}
}

func (i *Invoker) publish(eventType domain.EventType, sessionID string, payload any) {
	if i.bus == nil {
		return
	}
	i.bus.Publish(context.Background(), domain.NewEvent(eventType, sessionID, payload))
}
