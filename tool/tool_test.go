package tool

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool(name string) *FunctionTool {
	return NewFunctionTool(
		name,
		"echoes its input",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
			"required": []string{"text"},
		},
		func(_ context.Context, args map[string]any) (string, error) {
			text, _ := args["text"].(string)
			return text, nil
		},
	)
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(echoTool("echo")))
	err := r.Register(echoTool("echo"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	got, ok := r.Get("echo")
	require.True(t, ok)
	assert.Equal(t, "echo", got.Name())
}

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry(echoTool("alpha"), echoTool("beta"), echoTool("gamma"))

	names := func(tools []Tool) []string {
		out := make([]string, len(tools))
		for i, tl := range tools {
			out[i] = tl.Name()
		}
		return out
	}

	t.Run("wildcard grants all", func(t *testing.T) {
		assert.Equal(t, []string{"alpha", "beta", "gamma"}, names(r.Resolve([]string{"*"}, nil)))
	})

	t.Run("nil allow grants all", func(t *testing.T) {
		assert.Equal(t, []string{"alpha", "beta", "gamma"}, names(r.Resolve(nil, nil)))
	})

	t.Run("allow list filters", func(t *testing.T) {
		assert.Equal(t, []string{"beta"}, names(r.Resolve([]string{"beta"}, nil)))
	})

	t.Run("deny wins over allow", func(t *testing.T) {
		assert.Equal(t, []string{"alpha"}, names(r.Resolve([]string{"alpha", "beta"}, []string{"beta"})))
	})

	t.Run("exclude strips delegation tools", func(t *testing.T) {
		assert.Equal(t, []string{"alpha", "gamma"}, names(r.Resolve(nil, nil, "beta")))
	})

	t.Run("unknown names ignored", func(t *testing.T) {
		assert.Empty(t, names(r.Resolve([]string{"missing"}, nil)))
	})
}

func TestFunctionToolCall(t *testing.T) {
	tl := echoTool("echo")

	out, err := tl.Call(context.Background(), json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, "hi", out)
}

func TestFunctionToolValidationError(t *testing.T) {
	tl := echoTool("echo")

	_, err := tl.Call(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)

	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "VALIDATION_ERROR", toolErr.Code)
	assert.Equal(t, "echo", toolErr.Tool)
}

func TestFunctionToolExecutionError(t *testing.T) {
	tl := NewFunctionTool("broken", "always fails",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(_ context.Context, _ map[string]any) (string, error) {
			return "", errors.New("disk on fire")
		},
	)

	_, err := tl.Call(context.Background(), nil)
	require.Error(t, err)

	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "EXECUTION_ERROR", toolErr.Code)
	assert.Contains(t, toolErr.Message, "disk on fire")
}

func TestFunctionToolPreservesCustomToolError(t *testing.T) {
	custom := &ToolError{Tool: "quota", Message: "limit reached", Code: "QUOTA_EXCEEDED"}
	tl := NewFunctionTool("quota", "rate limited",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(_ context.Context, _ map[string]any) (string, error) {
			return "", custom
		},
	)

	_, err := tl.Call(context.Background(), nil)

	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "QUOTA_EXCEEDED", toolErr.Code)
}

type lookupArgs struct {
	Query string `json:"query" description:"Search query"`
	Limit *int   `json:"limit" description:"Optional result cap"`
}

func TestNewFunctionToolFromStruct(t *testing.T) {
	tl := NewFunctionToolFromStruct("lookup", "searches things", lookupArgs{},
		func(_ context.Context, args map[string]any) (string, error) {
			return args["query"].(string), nil
		},
		WithConcurrencySafe(true),
	)

	assert.True(t, tl.ConcurrencySafe())

	props, ok := tl.Parameters()["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "query")
	assert.Contains(t, props, "limit")

	required, _ := tl.Parameters()["required"].([]string)
	assert.Equal(t, []string{"query"}, required)

	out, err := tl.Call(context.Background(), json.RawMessage(`{"query":"go"}`))
	require.NoError(t, err)
	assert.Equal(t, "go", out)
}

func TestDefinitions(t *testing.T) {
	defs := Definitions([]Tool{echoTool("echo")})

	require.Len(t, defs, 1)
	assert.Equal(t, "echo", defs[0].Name)
	assert.Equal(t, "echoes its input", defs[0].Description)
	assert.NotNil(t, defs[0].Parameters)
}
