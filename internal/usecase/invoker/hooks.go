package invoker

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"toolrun/internal/domain"
)

// preOutcome is the merged verdict of every pre-tool-use hook.
type preOutcome struct {
	input    json.RawMessage
	warnings []string
	context  []string

	allow      bool
	ask        bool
	deny       bool
	denyReason string
}

// runPreHooks merges hook results in order. A block stops the call; a hook
// runner failure is reported as a warning and the call proceeds.
func (i *Invoker) runPreHooks(ctx context.Context, call domain.ToolCall, input json.RawMessage) (*preOutcome, error) {
	out := &preOutcome{}
	if i.hooks == nil {
		return out, nil
	}
	results, err := i.hooks.PreToolUse(ctx, call, input)
	if err != nil {
		i.logger.Warn("pre_tool_use hooks failed", "tool", call.Name, "error", err)
		out.warnings = append(out.warnings, fmt.Sprintf("pre_tool_use hook failed: %v", err))
	}
	for _, r := range results {
		out.warnings = append(out.warnings, r.Warnings...)
		out.context = append(out.context, r.AdditionalContext...)
		if r.Decision == domain.HookBlock {
			msg := r.Message
			if msg == "" {
				msg = fmt.Sprintf("hook %q blocked the call", r.HookName)
			}
			return out, domain.NewDomainError("Invoker.preToolUse", domain.ErrHookBlocked, msg)
		}
		if len(r.UpdatedInput) > 0 {
			out.input = r.UpdatedInput
		}
		switch r.Permission {
		case domain.PermissionAllow:
			out.allow = true
		case domain.PermissionAsk:
			out.ask = true
		case domain.PermissionDeny:
			out.deny = true
			if out.denyReason == "" {
				out.denyReason = r.PermissionReason
			}
		}
	}
	return out, nil
}

// checkPermission applies hook pre-decisions and consults the checker.
// Deny beats ask, and ask beats both a hook allow and SkipPermissions.
func (i *Invoker) checkPermission(ctx context.Context, tool domain.Tool, call domain.ToolCall, input json.RawMessage, turn domain.TurnState, pre *preOutcome) (json.RawMessage, error) {
	switch {
	case pre.deny:
		reason := pre.denyReason
		if reason == "" {
			reason = "denied by hook"
		}
		return nil, domain.NewDomainError("Invoker.permission", domain.ErrPermissionDenied, reason)
	case pre.ask:
	case pre.allow || turn.SkipPermissions:
		return input, nil
	}

	if i.perms == nil {
		return input, nil
	}
	res, err := i.perms.CheckPermission(ctx, call, input, turn)
	if err != nil {
		return nil, domain.NewDomainError("Invoker.permission", domain.ErrPermissionDenied, err.Error())
	}
	if !res.Allowed {
		msg := res.Message
		if msg == "" {
			msg = fmt.Sprintf("%s is not permitted", call.Name)
		}
		return nil, domain.NewDomainError("Invoker.permission", domain.ErrPermissionDenied, msg)
	}
	if len(res.UpdatedInput) > 0 {
		return i.prepare(ctx, tool, res.UpdatedInput, turn)
	}
	return input, nil
}

// runPostHooks folds post-tool-use output into the result. Post hooks
// cannot block, and their failures become warnings.
func (i *Invoker) runPostHooks(ctx context.Context, call domain.ToolCall, input json.RawMessage, result *domain.ToolResult) {
	if i.hooks == nil {
		return
	}
	results, err := i.hooks.PostToolUse(ctx, call, input, result)
	if err != nil {
		i.logger.Warn("post_tool_use hooks failed", "tool", call.Name, "error", err)
		result.Warnings = append(result.Warnings, fmt.Sprintf("post_tool_use hook failed: %v", err))
	}
	for _, r := range results {
		result.Warnings = append(result.Warnings, r.Warnings...)
		result.SystemMessages = append(result.SystemMessages, r.SystemMessages...)
		result.AdditionalContext = append(result.AdditionalContext, r.AdditionalContext...)
	}
}

// withHookOutput carries pre-hook warnings and context onto the result.
func withHookOutput(res *domain.ToolResult, pre *preOutcome) *domain.ToolResult {
	if pre == nil {
		return res
	}
	if len(pre.warnings) > 0 {
		res.Warnings = append(slices.Clone(pre.warnings), res.Warnings...)
	}
	if len(pre.context) > 0 {
		res.AdditionalContext = append(slices.Clone(pre.context), res.AdditionalContext...)
	}
	return res
}
