package subagent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hupe1980/agentcore/core"
)

// DelegateToolName is the reserved name of the delegation tool. It is always
// excluded from a spawned agent's resolved tool set.
const DelegateToolName = "delegate_task"

// DelegateTool lets a model hand a subtask to an isolated agent. The result
// surfaced to the model is the spawned agent's flattened final text.
type DelegateTool struct {
	runner *Runner
	caller *core.Conversation
}

// NewDelegateTool binds a delegation tool to a runner and the delegating
// conversation (used as the fork source for fork-context agents).
func NewDelegateTool(runner *Runner, caller *core.Conversation) *DelegateTool {
	return &DelegateTool{runner: runner, caller: caller}
}

// Name implements tool.Tool.
func (t *DelegateTool) Name() string { return DelegateToolName }

// Description implements tool.Tool, embedding the live agent type catalog so
// the model can pick an appropriate specialist.
func (t *DelegateTool) Description() string {
	return "Delegate a self-contained task to a specialized agent and receive its final answer. " +
		"Available agent types:\n" + t.runner.Definitions().Describe()
}

// Parameters implements tool.Tool.
func (t *DelegateTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"description": map[string]any{
				"type":        "string",
				"description": "Short label for the task, used in progress reporting",
			},
			"prompt": map[string]any{
				"type":        "string",
				"description": "The full task for the agent to perform",
			},
			"subagent_type": map[string]any{
				"type":        "string",
				"description": "The agent type to spawn",
			},
			"model": map[string]any{
				"type":        "string",
				"description": "Optional model override",
			},
			"resume": map[string]any{
				"type":        "string",
				"description": "Optional conversation id to resume",
			},
			"max_turns": map[string]any{
				"type":        "integer",
				"description": "Optional turn bound override",
			},
		},
		"required": []string{"description", "prompt", "subagent_type"},
	}
}

// ConcurrencySafe implements tool.Tool. Each delegation runs on its own
// conversation, so parallel delegations never conflict.
func (t *DelegateTool) ConcurrencySafe() bool { return true }

// Call implements tool.Tool.
func (t *DelegateTool) Call(ctx context.Context, input json.RawMessage) (string, error) {
	var req TaskRequest
	if err := json.Unmarshal(input, &req); err != nil {
		return "", fmt.Errorf("malformed delegation request: %w", err)
	}
	if req.AgentType == "" {
		return "", fmt.Errorf("delegation request is missing subagent_type")
	}
	if req.Prompt == "" {
		return "", fmt.Errorf("delegation request is missing a prompt")
	}

	return t.runner.RunSync(ctx, req, t.caller)
}
