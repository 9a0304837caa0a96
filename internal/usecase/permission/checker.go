package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"toolrun/internal/domain"
)

// ReadOnlyFunc reports whether a call only reads state.
type ReadOnlyFunc func(call domain.ToolCall, input json.RawMessage) bool

// rule matches a tool name and, optionally, a prefix of the call's command.
// "shell" matches every shell call; "shell(git status*)" only commands that
// start with "git status"; "shell(ls)" only the exact command "ls".
type rule struct {
	tool    string
	pattern string
	prefix  bool
}

func parseRule(s string) rule {
	s = strings.TrimSpace(s)
	open := strings.IndexByte(s, '(')
	if open < 0 || !strings.HasSuffix(s, ")") {
		return rule{tool: s}
	}
	r := rule{tool: s[:open], pattern: s[open+1 : len(s)-1]}
	if strings.HasSuffix(r.pattern, "*") {
		r.pattern = strings.TrimSuffix(r.pattern, "*")
		r.prefix = true
	}
	return r
}

// SplitFunc splits a shell line into its simple commands. ok is false when
// the segments do not cover everything the line runs, for example when it
// has command substitutions or redirects output.
type SplitFunc func(line string) (segments []string, ok bool)

// splitUnparsed is used without a SplitFunc: lines with shell operators are
// not split at all.
func splitUnparsed(line string) ([]string, bool) {
	if strings.ContainsAny(line, ";&|<>`$()\n") {
		return nil, false
	}
	return []string{line}, true
}

func commandOf(input json.RawMessage) string {
	var args struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return ""
	}
	return strings.TrimSpace(args.Command)
}

// allows reports whether an allow rule approves the call. A prefix rule must
// match every command of a compound line.
func (r rule) allows(call domain.ToolCall, input json.RawMessage, split SplitFunc) bool {
	if r.tool != call.Name {
		return false
	}
	if r.pattern == "" && !r.prefix {
		return true
	}
	cmd := commandOf(input)
	if cmd == "" {
		return false
	}
	if !r.prefix {
		return cmd == r.pattern
	}
	segments, ok := split(cmd)
	if !ok || len(segments) == 0 {
		return false
	}
	for _, seg := range segments {
		if !strings.HasPrefix(seg, r.pattern) {
			return false
		}
	}
	return true
}

// denies reports whether a deny rule rejects the call. A prefix rule
// matches the line or any command in it.
func (r rule) denies(call domain.ToolCall, input json.RawMessage, split SplitFunc) bool {
	if r.tool != call.Name {
		return false
	}
	if r.pattern == "" && !r.prefix {
		return true
	}
	cmd := commandOf(input)
	if cmd == "" {
		return false
	}
	if !r.prefix {
		return cmd == r.pattern
	}
	if strings.HasPrefix(cmd, r.pattern) {
		return true
	}
	segments, ok := split(cmd)
	for _, seg := range segments {
		if strings.HasPrefix(seg, r.pattern) {
			return true
		}
	}
	if !ok {
		for _, open := range []string{"$(", "`", "<(", ">("} {
			if strings.Contains(cmd, open+r.pattern) {
				return true
			}
		}
	}
	return false
}

// ConfigChecker is a PermissionChecker driven by allow/deny lists and the
// turn's permission mode.
//
// Decision order:
//  1. deny rules reject
//  2. bypass mode approves
//  3. plan mode approves read-only calls only
//  4. allow rules approve
//  5. read-only calls are approved
//  6. anything else is denied; there is no interactive prompt
type ConfigChecker struct {
	mode     domain.PermissionMode
	allow    []rule
	deny     []rule
	readOnly ReadOnlyFunc
	split    SplitFunc
}

// CheckerOption configures a ConfigChecker.
type CheckerOption func(*ConfigChecker)

// WithSplitter sets how shell lines are split for prefix rules.
func WithSplitter(fn SplitFunc) CheckerOption {
	return func(c *ConfigChecker) { c.split = fn }
}

// NewConfigChecker creates a ConfigChecker. mode is used when the turn does
// not carry one.
func NewConfigChecker(mode domain.PermissionMode, allow, deny []string, readOnly ReadOnlyFunc, opts ...CheckerOption) *ConfigChecker {
	c := &ConfigChecker{mode: mode, readOnly: readOnly, split: splitUnparsed}
	for _, opt := range opts {
		opt(c)
	}
	if c.mode == "" {
		c.mode = domain.PermissionModeDefault
	}
	for _, s := range allow {
		c.allow = append(c.allow, parseRule(s))
	}
	for _, s := range deny {
		c.deny = append(c.deny, parseRule(s))
	}
	return c
}

// CheckPermission implements domain.PermissionChecker.
func (c *ConfigChecker) CheckPermission(_ context.Context, call domain.ToolCall, input json.RawMessage, turn domain.TurnState) (domain.PermissionResult, error) {
	for _, r := range c.deny {
		if r.denies(call, input, c.split) {
			return denied(fmt.Sprintf("tool %q is denied by configuration", call.Name)), nil
		}
	}

	mode := turn.PermissionMode
	if mode == "" {
		mode = c.mode
	}
	readOnly := c.readOnly != nil && c.readOnly(call, input)

	switch mode {
	case domain.PermissionModeBypass:
		return allowed(), nil
	case domain.PermissionModePlan:
		if readOnly {
			return allowed(), nil
		}
		return denied(fmt.Sprintf("tool %q may modify state and plan mode only permits read-only calls", call.Name)), nil
	}

	for _, r := range c.allow {
		if r.allows(call, input, c.split) {
			return allowed(), nil
		}
	}
	if readOnly {
		return allowed(), nil
	}
	return denied(fmt.Sprintf("tool %q requires approval; add it to permissions.allow", call.Name)), nil
}

func allowed() domain.PermissionResult { return domain.PermissionResult{Allowed: true} }

func denied(msg string) domain.PermissionResult {
	return domain.PermissionResult{Allowed: false, Message: msg}
}
