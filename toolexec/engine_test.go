package toolexec

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"

	"github.com/hupe1980/agentcore/core"
	"github.com/hupe1980/agentcore/tool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool(name string, safe bool) tool.Tool {
	return tool.NewFunctionTool(
		name,
		"echoes the given value",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"value": map[string]any{"type": "string"},
			},
		},
		func(_ context.Context, args map[string]any) (string, error) {
			v, _ := args["value"].(string)
			return v, nil
		},
		tool.WithConcurrencySafe(safe),
	)
}

func use(id, name, value string) core.ToolUseBlock {
	input, _ := json.Marshal(map[string]string{"value": value})
	return core.ToolUseBlock{ID: id, Name: name, Input: input}
}

func TestExecuteBatchSequentialOrder(t *testing.T) {
	registry := tool.NewRegistry(echoTool("write_file", false))
	engine := NewEngine(registry)

	uses := []core.ToolUseBlock{
		use("tu_1", "write_file", "first"),
		use("tu_2", "write_file", "second"),
		use("tu_3", "write_file", "third"),
	}

	blocks := Collect(engine.ExecuteBatch(context.Background(), uses), len(uses))

	require.Len(t, blocks, 3)
	assert.Equal(t, "first", blocks[0].Content)
	assert.Equal(t, "second", blocks[1].Content)
	assert.Equal(t, "third", blocks[2].Content)
	assert.Equal(t, "tu_2", blocks[1].ToolUseID)
	assert.Empty(t, engine.InFlight())
}

func TestExecuteBatchParallel(t *testing.T) {
	var calls int32

	counting := tool.NewFunctionTool(
		"read_file",
		"counts invocations",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(_ context.Context, _ map[string]any) (string, error) {
			atomic.AddInt32(&calls, 1)
			return "ok", nil
		},
		tool.WithConcurrencySafe(true),
	)

	registry := tool.NewRegistry(counting)
	engine := NewEngine(registry, func(o *Options) { o.MaxParallel = 2 })

	uses := []core.ToolUseBlock{
		{ID: "tu_a", Name: "read_file", Input: json.RawMessage(`{}`)},
		{ID: "tu_b", Name: "read_file", Input: json.RawMessage(`{}`)},
		{ID: "tu_c", Name: "read_file", Input: json.RawMessage(`{}`)},
		{ID: "tu_d", Name: "read_file", Input: json.RawMessage(`{}`)},
	}

	blocks := Collect(engine.ExecuteBatch(context.Background(), uses), len(uses))

	require.Len(t, blocks, 4)
	assert.EqualValues(t, 4, atomic.LoadInt32(&calls))

	seen := map[string]bool{}
	for _, b := range blocks {
		assert.False(t, b.IsError)
		assert.False(t, seen[b.ToolUseID], "duplicate result for %s", b.ToolUseID)
		seen[b.ToolUseID] = true
	}
	assert.Empty(t, engine.InFlight())
}

func TestExecuteBatchUnknownTool(t *testing.T) {
	engine := NewEngine(tool.NewRegistry())

	blocks := Collect(engine.ExecuteBatch(context.Background(), []core.ToolUseBlock{
		{ID: "tu_x", Name: "no_such_tool", Input: json.RawMessage(`{}`)},
	}), 1)

	require.Len(t, blocks, 1)
	assert.True(t, blocks[0].IsError)
	assert.Contains(t, blocks[0].Content, "unknown tool")
	assert.Equal(t, "tu_x", blocks[0].ToolUseID)
}

func TestExecuteBatchUnknownToolSkipsHooks(t *testing.T) {
	var hookCalls int32

	engine := NewEngine(tool.NewRegistry(), func(o *Options) {
		o.PreToolHooks = []core.PreToolHook{
			func(_ context.Context, _ core.ToolUseBlock) core.PreToolDecision {
				atomic.AddInt32(&hookCalls, 1)
				return core.Deny("everything is denied")
			},
		}
	})

	blocks := Collect(engine.ExecuteBatch(context.Background(), []core.ToolUseBlock{
		{ID: "tu_x", Name: "no_such_tool", Input: json.RawMessage(`{}`)},
	}), 1)

	require.Len(t, blocks, 1)
	assert.True(t, blocks[0].IsError)
	assert.Contains(t, blocks[0].Content, "unknown tool")
	assert.EqualValues(t, 0, atomic.LoadInt32(&hookCalls))
}

func TestExecuteBatchPreHookDeny(t *testing.T) {
	registry := tool.NewRegistry(echoTool("run_shell", false))
	engine := NewEngine(registry, func(o *Options) {
		o.PreToolHooks = []core.PreToolHook{
			func(_ context.Context, u core.ToolUseBlock) core.PreToolDecision {
				if u.Name == "run_shell" {
					return core.Deny("shell access is disabled")
				}
				return core.Allow()
			},
		}
	})

	blocks := Collect(engine.ExecuteBatch(context.Background(), []core.ToolUseBlock{
		use("tu_1", "run_shell", "rm -rf /"),
	}), 1)

	require.Len(t, blocks, 1)
	assert.True(t, blocks[0].IsError)
	assert.Equal(t, "shell access is disabled", blocks[0].Content)
}

func TestExecuteBatchPreHookReplaceInput(t *testing.T) {
	registry := tool.NewRegistry(echoTool("echo", false))
	engine := NewEngine(registry, func(o *Options) {
		o.PreToolHooks = []core.PreToolHook{
			func(_ context.Context, _ core.ToolUseBlock) core.PreToolDecision {
				return core.PreToolDecision{ReplaceInput: json.RawMessage(`{"value":"redacted"}`)}
			},
		}
	})

	blocks := Collect(engine.ExecuteBatch(context.Background(), []core.ToolUseBlock{
		use("tu_1", "echo", "secret"),
	}), 1)

	require.Len(t, blocks, 1)
	assert.Equal(t, "redacted", blocks[0].Content)
}

func TestExecuteBatchPostHookReplace(t *testing.T) {
	registry := tool.NewRegistry(echoTool("echo", false))
	engine := NewEngine(registry, func(o *Options) {
		o.PostToolHooks = []core.PostToolHook{
			func(_ context.Context, u core.ToolUseBlock, _ core.ToolResultBlock) *core.ToolResultBlock {
				return &core.ToolResultBlock{ToolUseID: u.ID, Content: "rewritten"}
			},
		}
	})

	blocks := Collect(engine.ExecuteBatch(context.Background(), []core.ToolUseBlock{
		use("tu_1", "echo", "original"),
	}), 1)

	require.Len(t, blocks, 1)
	assert.Equal(t, "rewritten", blocks[0].Content)
}

func TestExecuteBatchPanicRecovery(t *testing.T) {
	panicking := tool.NewFunctionTool(
		"boom",
		"always panics",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(_ context.Context, _ map[string]any) (string, error) {
			panic("kaboom")
		},
	)

	engine := NewEngine(tool.NewRegistry(panicking))

	blocks := Collect(engine.ExecuteBatch(context.Background(), []core.ToolUseBlock{
		{ID: "tu_1", Name: "boom", Input: json.RawMessage(`{}`)},
	}), 1)

	require.Len(t, blocks, 1)
	assert.True(t, blocks[0].IsError)
	assert.Contains(t, blocks[0].Content, "panicked")
	assert.Empty(t, engine.InFlight())
}

func TestExecuteBatchCancelledContext(t *testing.T) {
	registry := tool.NewRegistry(echoTool("echo", false))
	engine := NewEngine(registry)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	blocks := Collect(engine.ExecuteBatch(ctx, []core.ToolUseBlock{
		use("tu_1", "echo", "never runs"),
	}), 1)

	require.Len(t, blocks, 1)
	assert.True(t, blocks[0].IsError)
	assert.Contains(t, blocks[0].Content, "cancelled")
}
