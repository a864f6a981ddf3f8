package core

import (
	"context"

	"github.com/hupe1980/agentcore/internal/util"
)

// PermissionMode controls how a spawned agent's tool invocations are gated.
type PermissionMode string

const (
	// PermissionDefault defers to the host application's normal prompting.
	PermissionDefault PermissionMode = "default"
	// PermissionAcceptEdits auto-approves file edit tools.
	PermissionAcceptEdits PermissionMode = "acceptEdits"
	// PermissionBypass skips permission checks entirely.
	PermissionBypass PermissionMode = "bypassPermissions"
	// PermissionPlan restricts the agent to read-only planning tools.
	PermissionPlan PermissionMode = "plan"
)

// AllToolsWildcard in AllowedTools grants the full registry (minus
// DisallowedTools and the delegation tool).
const AllToolsWildcard = "*"

// SystemPromptProvider produces the system prompt for an agent at spawn time.
// It receives the ambient context so providers can consult external state.
type SystemPromptProvider func(ctx context.Context) (string, error)

// StaticSystemPrompt adapts a fixed string to a SystemPromptProvider.
func StaticSystemPrompt(prompt string) SystemPromptProvider {
	return func(context.Context) (string, error) { return prompt, nil }
}

// TemplateSystemPrompt renders a text/template prompt against state, so role
// instructions can interpolate run configuration. Rendering happens at spawn
// time, once per run.
func TemplateSystemPrompt(text string, state map[string]any) SystemPromptProvider {
	return func(context.Context) (string, error) {
		return util.RenderTemplate(text, state)
	}
}

// AgentDefinition is the immutable configuration of a spawnable agent type.
// Built-ins are registered statically; custom definitions are loaded from
// external files and materialized into this same shape. Looked up by Type at
// subagent-spawn time.
type AgentDefinition struct {
	// Type is the name the model uses to select this agent.
	Type string
	// Description tells the model when to use this agent. Routing is
	// prompt-driven: the model reads these descriptions and decides, there
	// is no rule-based dispatch table.
	Description string
	// AllowedTools lists tool names available to the agent, or the single
	// entry "*" for the full registry.
	AllowedTools []string
	// DisallowedTools is subtracted from the allowed set.
	DisallowedTools []string
	// Model selects the model for this agent; empty means inherit from the
	// caller.
	Model string
	// SystemPrompt produces the agent's system prompt. Nil means none.
	SystemPrompt SystemPromptProvider
	// ForkContext seeds the spawned conversation with a clone of the
	// caller's message history. Forking forces model inheritance to avoid
	// context-window mismatches between models.
	ForkContext bool
	// MaxTurns bounds the spawned loop; 0 means unbounded.
	MaxTurns int
	// PermissionMode gates the agent's tool invocations.
	PermissionMode PermissionMode
}

// AllowsAllTools reports whether the definition grants the full registry.
func (d AgentDefinition) AllowsAllTools() bool {
	return len(d.AllowedTools) == 1 && d.AllowedTools[0] == AllToolsWildcard
}
