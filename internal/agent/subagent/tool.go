package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/synapse-core/internal/agent"
)

// Tool exposes a Runtime as an agent.Tool so a primary loop can delegate a
// task to an isolated child and get back its final text. Registered under
// Name() on the parent's ToolRegistry, it is itself subject to the
// ToolFilter: TypeExplore and TypeGeneral both exclude it, so a spawned
// child cannot recursively spawn further children.
type Tool struct {
	runtime *Runtime
}

// NewTool wraps runtime as a registrable agent.Tool.
func NewTool(runtime *Runtime) *Tool {
	return &Tool{runtime: runtime}
}

// Name is "task", matching the "task" exclude prefix DefaultFilter applies
// to every built-in sub-agent type so a child can never spawn its own.
func (t *Tool) Name() string { return "task" }

func (t *Tool) Description() string {
	return "Delegates a task to an isolated sub-agent with a narrower tool set and its own failure budget, returning its final response."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"type": {"type": "string", "enum": ["explore", "general"], "description": "Sub-agent personality; explore is read-only"},
			"task": {"type": "string", "description": "The task to hand to the sub-agent"},
			"system_prompt": {"type": "string", "description": "Optional system prompt override"}
		},
		"required": ["type", "task"]
	}`)
}

func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Type         string `json:"type"`
		Task         string `json:"task"`
		SystemPrompt string `json:"system_prompt"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("invalid parameters: %v", err), IsError: true}, nil
	}

	spec := Spec{
		Type:         Type(input.Type),
		Task:         input.Task,
		SystemPrompt: input.SystemPrompt,
	}

	chunks, err := t.runtime.Spawn(ctx, spec)
	if err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("spawn failed: %v", err), IsError: true}, nil
	}

	var out strings.Builder
	for c := range chunks {
		if c.Error != nil {
			return &agent.ToolResult{Content: fmt.Sprintf("sub-agent error: %v", c.Error), IsError: true}, nil
		}
		out.WriteString(c.Text)
	}
	return &agent.ToolResult{Content: out.String()}, nil
}
