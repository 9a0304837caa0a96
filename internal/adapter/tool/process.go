package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"

	"toolrun/internal/domain"
	"toolrun/internal/usecase/process"
)

// ProcessTool exposes the background process registry to the model.
type ProcessTool struct {
	manager *process.Manager
	logger  *slog.Logger
}

// NewProcessTool creates a process tool backed by the given process manager.
func NewProcessTool(manager *process.Manager, logger *slog.Logger) *ProcessTool {
	return &ProcessTool{manager: manager, logger: logger}
}

func (t *ProcessTool) Name() string { return "process" }
func (t *ProcessTool) Description() string {
	return "Manage background shell commands: list them, read their full output, poll for output produced since the last poll, or kill them."
}

func (t *ProcessTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action": {
					"type": "string",
					"enum": ["list", "read", "poll", "kill"],
					"description": "The operation to perform"
				},
				"id": {
					"type": "string",
					"description": "Background process ID (required for read, poll, kill)"
				},
				"filter": {
					"type": "string",
					"description": "Regular expression; poll returns only new lines that match"
				}
			},
			"required": ["action"],
			"if": {"properties": {"action": {"enum": ["read", "poll", "kill"]}}},
			"then": {"required": ["id"]}
		}`),
	}
}

type processParams struct {
	Action string `json:"action"`
	ID     string `json:"id"`
	Filter string `json:"filter"`
}

// IsConcurrencySafe reports true for list and read; poll advances the read
// cursors and kill changes process state.
func (t *ProcessTool) IsConcurrencySafe(input json.RawMessage) bool {
	p, err := decodeParams[processParams](input)
	if err != nil {
		return false
	}
	return p.Action == "list" || p.Action == "read"
}

func (t *ProcessTool) Execute(ctx context.Context, input json.RawMessage, _ domain.CallContext) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.process", t.logger, input,
		Dispatch(func(p processParams) string { return p.Action }, ActionMap[processParams]{
			"list": func(_ context.Context, _ processParams) (any, error) {
				return t.handleList(), nil
			},
			"read": func(_ context.Context, p processParams) (any, error) {
				return t.manager.Read(p.ID)
			},
			"poll": func(_ context.Context, p processParams) (any, error) {
				return t.handlePoll(p)
			},
			"kill": func(ctx context.Context, p processParams) (any, error) {
				if err := t.manager.Kill(ctx, p.ID); err != nil {
					return nil, err
				}
				return map[string]any{"id": p.ID, "killed": true}, nil
			},
		}),
	)
}

func (t *ProcessTool) handleList() any {
	entries := t.manager.List()
	if entries == nil {
		entries = []domain.ProcessListEntry{}
	}
	return entries
}

func (t *ProcessTool) handlePoll(p processParams) (any, error) {
	var filter *regexp.Regexp
	if p.Filter != "" {
		re, err := regexp.Compile(p.Filter)
		if err != nil {
			return nil, domain.NewDomainError("ProcessTool.poll", domain.ErrInvalidInput,
				fmt.Sprintf("invalid filter: %v", err))
		}
		filter = re
	}
	return t.manager.ReadDelta(p.ID, filter)
}
