package domain

import (
	"context"
	"encoding/json"
	"time"
)

// ToolSchema describes a tool for the LLM function-calling protocol.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall represents an LLM's request to invoke a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ContextModifier rewrites the shared turn state. Modifiers returned by a
// concurrency-unsafe call are applied once that call has fully completed.
type ContextModifier func(TurnState) TurnState

// ToolResult is the outcome of executing a tool.
type ToolResult struct {
	ToolCallID        string    `json:"tool_call_id"`
	ToolName          string    `json:"tool_name,omitempty"`
	Content           string    `json:"content"`
	IsError           bool      `json:"is_error"`
	IsRetryable       bool      `json:"is_retryable,omitempty"`
	ErrorCode         ErrorCode `json:"error_code,omitempty"`
	Warnings          []string  `json:"warnings,omitempty"`
	SystemMessages    []string  `json:"system_messages,omitempty"`
	AdditionalContext []string  `json:"additional_context,omitempty"`

	// Data carries the tool's structured output for ResultFormatter.
	Data any `json:"-"`
	// Modifiers are applied to the turn state after the call completes.
	Modifiers []ContextModifier `json:"-"`
}

// ToolProgress is a non-terminal event emitted while a tool call runs.
type ToolProgress struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name,omitempty"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// ProgressFunc receives progress events. Implementations must not block.
type ProgressFunc func(ToolProgress)

// PermissionMode controls how the permission checker treats unlisted tools.
type PermissionMode string

const (
	PermissionModeDefault PermissionMode = "default"
	PermissionModeAccept  PermissionMode = "accept_edits"
	PermissionModeBypass  PermissionMode = "bypass"
	PermissionModePlan    PermissionMode = "plan"
)

// TurnState is the turn-level context shared by every call in a turn.
// Each call receives a copy when it starts.
type TurnState struct {
	SessionID       string            `json:"session_id"`
	Cwd             string            `json:"cwd"`
	Env             map[string]string `json:"env,omitempty"`
	PermissionMode  PermissionMode    `json:"permission_mode"`
	SkipPermissions bool              `json:"skip_permissions,omitempty"`
}

// Clone returns a deep copy so callers can mutate the result freely.
func (s TurnState) Clone() TurnState {
	if s.Env != nil {
		env := make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			env[k] = v
		}
		s.Env = env
	}
	return s
}

// CallContext is handed to a tool for a single invocation.
type CallContext struct {
	ToolCallID string
	Turn       TurnState
	Progress   ProgressFunc
}

// Report emits a progress message if a sink is attached.
func (c CallContext) Report(msg string, data any) {
	if c.Progress == nil {
		return
	}
	p := ToolProgress{ToolCallID: c.ToolCallID, Message: msg, Timestamp: time.Now()}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			p.Data = raw
		}
	}
	c.Progress(p)
}

// Tool is the interface every tool must implement.
type Tool interface {
	Name() string
	Description() string
	Schema() ToolSchema
	// IsConcurrencySafe reports whether a call with this (validated) input may
	// run alongside other concurrency-safe calls.
	IsConcurrencySafe(input json.RawMessage) bool
	Execute(ctx context.Context, input json.RawMessage, cc CallContext) (*ToolResult, error)
}

// InputPreprocessor rewrites raw input before schema validation.
type InputPreprocessor interface {
	PreprocessInput(input json.RawMessage) json.RawMessage
}

// InputNormalizer applies tool-specific transforms to validated input.
type InputNormalizer interface {
	NormalizeInput(input json.RawMessage, turn TurnState) (json.RawMessage, error)
}

// InputValidator performs semantic validation beyond the JSON schema.
type InputValidator interface {
	ValidateInput(ctx context.Context, input json.RawMessage, turn TurnState) error
}

// ResultFormatter renders a successful result's content for the model.
type ResultFormatter interface {
	FormatResult(result *ToolResult) string
}

// Aliased tools are also reachable under alternative names.
type Aliased interface {
	Aliases() []string
}

// ToolExecutor abstracts tool lookup.
type ToolExecutor interface {
	Get(name string) (Tool, error)
	Schemas() []ToolSchema
}
