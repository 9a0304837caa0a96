package domain

import (
	"context"
	"encoding/json"
)

// HookDecision is a hook's verdict on a tool call.
type HookDecision string

const (
	HookAllow HookDecision = "allow"
	HookBlock HookDecision = "block"
)

// PermissionDecision is a permission pre-decision a pre-hook may attach.
type PermissionDecision string

const (
	PermissionUnset PermissionDecision = ""
	PermissionAllow PermissionDecision = "allow"
	PermissionDeny  PermissionDecision = "deny"
	PermissionAsk   PermissionDecision = "ask"
)

// PreHookResult is the outcome of one pre-tool-use hook.
type PreHookResult struct {
	HookName          string             `json:"hook_name,omitempty"`
	Decision          HookDecision       `json:"decision"`
	Message           string             `json:"message,omitempty"`
	Warnings          []string           `json:"warnings,omitempty"`
	UpdatedInput      json.RawMessage    `json:"updated_input,omitempty"`
	Permission        PermissionDecision `json:"permission,omitempty"`
	PermissionReason  string             `json:"permission_reason,omitempty"`
	AdditionalContext []string           `json:"additional_context,omitempty"`
}

// PostHookResult is the outcome of one post-tool-use hook. Post hooks cannot block.
type PostHookResult struct {
	HookName          string   `json:"hook_name,omitempty"`
	Warnings          []string `json:"warnings,omitempty"`
	SystemMessages    []string `json:"system_messages,omitempty"`
	AdditionalContext []string `json:"additional_context,omitempty"`
}

// HookRunner runs the interceptors matched to a tool call.
type HookRunner interface {
	PreToolUse(ctx context.Context, call ToolCall, input json.RawMessage) ([]PreHookResult, error)
	PostToolUse(ctx context.Context, call ToolCall, input json.RawMessage, result *ToolResult) ([]PostHookResult, error)
}

// PermissionResult is the permission collaborator's answer.
type PermissionResult struct {
	Allowed bool   `json:"allowed"`
	Message string `json:"message,omitempty"`
	// UpdatedInput optionally replaces the call input when allowed.
	UpdatedInput json.RawMessage `json:"updated_input,omitempty"`
}

// PermissionChecker decides whether a tool call may proceed.
type PermissionChecker interface {
	CheckPermission(ctx context.Context, call ToolCall, input json.RawMessage, turn TurnState) (PermissionResult, error)
}
