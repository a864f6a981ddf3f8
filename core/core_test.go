package core

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageText(t *testing.T) {
	msg := NewAssistantMessage(
		TextBlock{Text: "Hello "},
		ToolUseBlock{ID: "tu_1", Name: "read_file"},
		TextBlock{Text: "world"},
	)

	assert.Equal(t, "Hello world", msg.Text())
	require.Len(t, msg.ToolUses(), 1)
	assert.Equal(t, "read_file", msg.ToolUses()[0].Name)
}

func TestMessageWireForm(t *testing.T) {
	msg := NewAssistantMessage(
		TextBlock{Text: "checking"},
		ToolUseBlock{ID: "tu_1", Name: "read_file", Input: json.RawMessage(`{"path":"main.go"}`)},
	)

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"tool_use"`)

	var decoded Message
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, RoleAssistant, decoded.Role)
	assert.Equal(t, "checking", decoded.Text())
	require.Len(t, decoded.ToolUses(), 1)
	assert.Equal(t, "tu_1", decoded.ToolUses()[0].ID)
}

func TestMessageWireFormRejectsUnknownBlock(t *testing.T) {
	var msg Message
	err := json.Unmarshal([]byte(`{"role":"user","blocks":[{"type":"image"}]}`), &msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown block type")
}

func TestConversationClone(t *testing.T) {
	conv := NewConversation()
	conv.Append(NewUserMessage("original"))

	clone := conv.Clone()
	clone.Append(NewUserMessage("fork only"))

	assert.NotEqual(t, conv.ID, clone.ID)
	assert.Equal(t, 1, conv.Len())
	assert.Equal(t, 2, clone.Len())
	assert.Equal(t, "original", clone.Snapshot()[0].Text())
}

func TestConversationLastAssistant(t *testing.T) {
	conv := NewConversation()

	_, ok := conv.LastAssistant()
	assert.False(t, ok)

	conv.Append(
		NewUserMessage("question"),
		NewAssistantMessage(TextBlock{Text: "first"}),
		NewUserMessage("follow-up"),
		NewAssistantMessage(TextBlock{Text: "second"}),
	)

	last, ok := conv.LastAssistant()
	require.True(t, ok)
	assert.Equal(t, "second", last.Text())
}

func TestInMemoryConversationStore(t *testing.T) {
	store := NewInMemoryConversationStore()

	conv, err := store.Create()
	require.NoError(t, err)

	got, err := store.Get(conv.ID)
	require.NoError(t, err)
	assert.Same(t, conv, got)

	external := NewConversation()
	require.NoError(t, store.Put(external))
	got, err = store.Get(external.ID)
	require.NoError(t, err)
	assert.Same(t, external, got)

	require.NoError(t, store.Delete(conv.ID))
	_, err = store.Get(conv.ID)
	require.Error(t, err)
}

func TestCallLimiter(t *testing.T) {
	limiter := NewCallLimiter(2)

	require.NoError(t, limiter.Increment())
	require.NoError(t, limiter.Increment())
	err := limiter.Increment()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeded max model calls")
	assert.Equal(t, 3, limiter.Count())
}

func TestCallLimiterUnlimited(t *testing.T) {
	limiter := NewCallLimiter(0)
	for i := 0; i < 100; i++ {
		require.NoError(t, limiter.Increment())
	}
}

func TestStaticSystemPrompt(t *testing.T) {
	prompt, err := StaticSystemPrompt("be brief")(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "be brief", prompt)
}

func TestTemplateSystemPrompt(t *testing.T) {
	provider := TemplateSystemPrompt(
		"You are the {{upper .role}} for {{.project | default \"the team\"}}.",
		map[string]any{"role": "reviewer"},
	)

	prompt, err := provider(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "You are the REVIEWER for the team.", prompt)
}

func TestTemplateSystemPromptParseError(t *testing.T) {
	provider := TemplateSystemPrompt("{{.broken", nil)

	_, err := provider(context.Background())
	require.Error(t, err)
}

func TestEventTerminal(t *testing.T) {
	assert.True(t, NewDoneEvent("c1", "assistant", "done").Terminal())
	assert.True(t, NewMaxTurnsEvent("c1", "assistant", 3).Terminal())
	assert.True(t, NewInterruptedEvent("c1", "assistant").Terminal())
	assert.False(t, NewTextDeltaEvent("c1", "assistant", "...").Terminal())
	assert.False(t, NewTurnCompleteEvent("c1", "assistant", 1).Terminal())
}
