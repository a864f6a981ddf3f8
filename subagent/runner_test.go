package subagent

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/hupe1980/agentcore/core"
	"github.com/hupe1980/agentcore/model"
	"github.com/hupe1980/agentcore/tool"
	"github.com/hupe1980/agentcore/toolexec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *tool.Registry {
	echo := tool.NewFunctionTool(
		"echo",
		"echoes the given value",
		map[string]any{"type": "object", "properties": map[string]any{"value": map[string]any{"type": "string"}}},
		func(_ context.Context, args map[string]any) (string, error) {
			v, _ := args["value"].(string)
			return v, nil
		},
	)
	grep := tool.NewFunctionTool(
		"grep",
		"searches file contents",
		map[string]any{"type": "object", "properties": map[string]any{"pattern": map[string]any{"type": "string"}}},
		func(_ context.Context, _ map[string]any) (string, error) { return "no matches", nil },
		tool.WithConcurrencySafe(true),
	)
	return tool.NewRegistry(echo, grep)
}

func newTestRunner(inherit model.Model, defs *Definitions, optFns ...func(o *Options)) *Runner {
	registry := newTestRegistry()
	return NewRunner(defs, registry, toolexec.NewEngine(registry), inherit, optFns...)
}

func TestRunSyncReturnsFlattenedText(t *testing.T) {
	inherit := model.NewScriptedModel("inherit", model.TextStep("subtask complete"))
	defs := NewDefinitions(core.AgentDefinition{
		Type:         "researcher",
		Description:  "Looks things up",
		AllowedTools: []string{core.AllToolsWildcard},
	})

	runner := newTestRunner(inherit, defs)

	text, err := runner.RunSync(context.Background(), TaskRequest{
		Description: "lookup",
		Prompt:      "find the answer",
		AgentType:   "researcher",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "subtask complete", text)
	assert.Equal(t, 1, inherit.Calls())
}

func TestRunUnknownAgentType(t *testing.T) {
	runner := newTestRunner(model.NewScriptedModel("inherit"), NewDefinitions())

	_, err := runner.Run(context.Background(), TaskRequest{AgentType: "ghost", Prompt: "x"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown agent type")
}

func TestModelResolutionOrder(t *testing.T) {
	inherit := model.NewScriptedModel("inherit", model.TextStep("from inherit"))
	fast := model.NewScriptedModel("fast", model.TextStep("from fast"), model.TextStep("from fast"))

	defs := NewDefinitions(
		core.AgentDefinition{Type: "plain", Description: "d", AllowedTools: []string{"*"}},
		core.AgentDefinition{Type: "pinned", Description: "d", AllowedTools: []string{"*"}, Model: "fast"},
	)

	runner := newTestRunner(inherit, defs, func(o *Options) {
		o.Resolver = func(name string) (model.Model, error) {
			require.Equal(t, "fast", name)
			return fast, nil
		}
	})

	t.Run("explicit request model wins", func(t *testing.T) {
		text, err := runner.RunSync(context.Background(), TaskRequest{
			AgentType: "plain", Prompt: "go", Model: "fast",
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, "from fast", text)
	})

	t.Run("definition model used when request is silent", func(t *testing.T) {
		text, err := runner.RunSync(context.Background(), TaskRequest{
			AgentType: "pinned", Prompt: "go",
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, "from fast", text)
	})

	t.Run("inherit when nothing is set", func(t *testing.T) {
		text, err := runner.RunSync(context.Background(), TaskRequest{
			AgentType: "plain", Prompt: "go",
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, "from inherit", text)
	})
}

func TestModelResolutionEnvOverride(t *testing.T) {
	inherit := model.NewScriptedModel("inherit")
	envModel := model.NewScriptedModel("env-model", model.TextStep("from env"))

	defs := NewDefinitions(core.AgentDefinition{Type: "plain", Description: "d", AllowedTools: []string{"*"}})

	t.Setenv(ModelEnvVar, "env-model")

	runner := newTestRunner(inherit, defs, func(o *Options) {
		o.Resolver = func(name string) (model.Model, error) {
			require.Equal(t, "env-model", name)
			return envModel, nil
		}
	})

	text, err := runner.RunSync(context.Background(), TaskRequest{AgentType: "plain", Prompt: "go"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "from env", text)
	assert.Equal(t, 0, inherit.Calls())
}

func TestForkContextForcesInheritAndClonesHistory(t *testing.T) {
	inherit := model.NewScriptedModel("inherit", model.TextStep("forked answer"))
	defs := NewDefinitions(core.AgentDefinition{
		Type:         "forker",
		Description:  "d",
		AllowedTools: []string{"*"},
		Model:        "other-model", // must be ignored when forking
		ForkContext:  true,
	})

	runner := newTestRunner(inherit, defs, func(o *Options) {
		o.Resolver = func(string) (model.Model, error) {
			t.Fatal("resolver must not run for fork-context agents")
			return nil, nil
		}
	})

	caller := core.NewConversation()
	caller.Append(core.NewUserMessage("earlier context"))

	text, err := runner.RunSync(context.Background(), TaskRequest{AgentType: "forker", Prompt: "continue"}, caller)
	require.NoError(t, err)
	assert.Equal(t, "forked answer", text)

	// The spawned loop saw the caller's history plus the new prompt.
	reqs := inherit.Requests()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Messages, 2)
	assert.Equal(t, "earlier context", reqs[0].Messages[0].Text())
	assert.Equal(t, "continue", reqs[0].Messages[1].Text())

	// The caller's own log is untouched.
	assert.Equal(t, 1, caller.Len())
}

func TestDelegationToolExcludedFromSubagents(t *testing.T) {
	inherit := model.NewScriptedModel("inherit", model.TextStep("done"))
	defs := NewDefinitions(core.AgentDefinition{Type: "worker", Description: "d", AllowedTools: []string{"*"}})

	registry := newTestRegistry()
	runner := NewRunner(defs, registry, toolexec.NewEngine(registry), inherit)
	require.NoError(t, registry.Register(NewDelegateTool(runner, nil)))

	_, err := runner.RunSync(context.Background(), TaskRequest{AgentType: "worker", Prompt: "go"}, nil)
	require.NoError(t, err)

	reqs := inherit.Requests()
	require.Len(t, reqs, 1)
	for _, def := range reqs[0].Tools {
		assert.NotEqual(t, DelegateToolName, def.Name)
	}
	assert.NotEmpty(t, reqs[0].Tools)
}

func TestResumeReusesConversation(t *testing.T) {
	inherit := model.NewScriptedModel("inherit",
		model.TextStep("first answer"),
		model.TextStep("second answer"),
	)
	defs := NewDefinitions(core.AgentDefinition{Type: "worker", Description: "d", AllowedTools: []string{"*"}})

	store := core.NewInMemoryConversationStore()
	runner := newTestRunner(inherit, defs, func(o *Options) { o.Store = store })

	events, err := runner.Run(context.Background(), TaskRequest{AgentType: "worker", Prompt: "first task"}, nil)
	require.NoError(t, err)

	var convID string
	for ev := range events {
		convID = ev.ConversationID
	}
	require.NotEmpty(t, convID)

	_, err = runner.RunSync(context.Background(), TaskRequest{
		AgentType: "worker", Prompt: "second task", Resume: convID,
	}, nil)
	require.NoError(t, err)

	reqs := inherit.Requests()
	require.Len(t, reqs, 2)
	// The resumed run carries the first task's history forward.
	assert.Equal(t, "first task", reqs[1].Messages[0].Text())
	assert.Equal(t, "second task", reqs[1].Messages[len(reqs[1].Messages)-1].Text())
}

func TestResourceReleaseRunsOnCompletion(t *testing.T) {
	inherit := model.NewScriptedModel("inherit", model.TextStep("ok"))
	defs := NewDefinitions(core.AgentDefinition{Type: "worker", Description: "d", AllowedTools: []string{"*"}})

	released := false
	runner := newTestRunner(inherit, defs, func(o *Options) {
		o.Resources = []ResourceFunc{
			func(context.Context) (func(), error) {
				return func() { released = true }, nil
			},
		}
	})

	_, err := runner.RunSync(context.Background(), TaskRequest{AgentType: "worker", Prompt: "go"}, nil)
	require.NoError(t, err)
	assert.True(t, released)
}

func TestLoadDirRegistersDefinitions(t *testing.T) {
	dir := t.TempDir()
	yamlDef := `type: code-reviewer
description: Reviews code changes for correctness and style
allowed_tools:
  - grep
system_prompt: You are a meticulous code reviewer.
max_turns: 5
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "code-reviewer.yaml"), []byte(yamlDef), 0o644))

	defs := NewDefinitions()
	require.NoError(t, defs.LoadDir(dir))

	def, ok := defs.Get("code-reviewer")
	require.True(t, ok)
	assert.Equal(t, []string{"grep"}, def.AllowedTools)
	assert.Equal(t, 5, def.MaxTurns)
	require.NotNil(t, def.SystemPrompt)
	prompt, err := def.SystemPrompt(context.Background())
	require.NoError(t, err)
	assert.Contains(t, prompt, "meticulous")
}

func TestLoadDirRejectsIncompleteDefinition(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("description: no type\n"), 0o644))

	defs := NewDefinitions()
	err := defs.LoadDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing a type")
}
