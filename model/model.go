package model

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/agentcore/core"
)

// Finish reasons reported by providers, normalized across vendors so
// downstream logic does not need per-provider branching.
const (
	// FinishStop means the model decided to stop on its own.
	FinishStop = "stop"
	// FinishLength means the output was truncated by an output-length limit.
	FinishLength = "length"
	// FinishToolUse means the turn ended to invoke tools.
	FinishToolUse = "tool_use"
)

// ToolDefinition declaratively exposes a callable tool to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema
}

// Request captures the normalized model input produced by a loop turn.
type Request struct {
	SystemPrompt string           `json:"system_prompt,omitempty"`
	Messages     []core.Message   `json:"messages"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
	Stream       bool             `json:"stream,omitempty"`
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a (partial or final) chunk emitted by a streaming model.
// Partial chunks carry an incremental Delta; the final chunk carries the
// complete assistant Message and the FinishReason.
type Response struct {
	Partial      bool         `json:"partial"`
	Delta        string       `json:"delta,omitempty"`
	Message      core.Message `json:"message"`
	FinishReason string       `json:"finish_reason,omitempty"`
	Usage        *TokenUsage  `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"` // "anthropic", "openai", "remote", ...
	SupportsTools bool   `json:"supports_tools"`
}

// Model is the minimal interface required to drive generation. Exactly one
// Generate call is in flight per conversation at any time; the caller drains
// both channels until they close.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// ScriptStep is one scripted model turn: either a sequence of responses or
// an error surfaced through the error channel.
type ScriptStep struct {
	Responses []Response
	Err       error
}

// TextStep builds a plain final-text step.
func TextStep(text string) ScriptStep {
	return ScriptStep{Responses: []Response{{
		Message:      core.NewAssistantMessage(core.TextBlock{Text: text}),
		FinishReason: FinishStop,
	}}}
}

// ToolUseStep builds a step whose final message requests the given tool uses.
func ToolUseStep(text string, uses ...core.ToolUseBlock) ScriptStep {
	blocks := []core.Block{}
	if text != "" {
		blocks = append(blocks, core.TextBlock{Text: text})
	}
	for _, u := range uses {
		blocks = append(blocks, u)
	}
	return ScriptStep{Responses: []Response{{
		Message:      core.Message{Role: core.RoleAssistant, Blocks: blocks},
		FinishReason: FinishToolUse,
	}}}
}

// TruncatedStep builds a step cut off by an output-length limit.
func TruncatedStep(text string) ScriptStep {
	return ScriptStep{Responses: []Response{{
		Message:      core.NewAssistantMessage(core.TextBlock{Text: text}),
		FinishReason: FinishLength,
	}}}
}

// ErrorStep builds a step that fails with a provider error.
func ErrorStep(err error) ScriptStep { return ScriptStep{Err: err} }

// ScriptedModel is an in-memory Model that plays a fixed sequence of steps,
// one per Generate call. It records every request for assertions. Useful for
// loop, subagent and orchestration tests.
type ScriptedModel struct {
	info  Info
	mu    sync.Mutex
	steps []ScriptStep
	next  int
	reqs  []Request
}

// NewScriptedModel constructs a ScriptedModel with tool support enabled.
func NewScriptedModel(name string, steps ...ScriptStep) *ScriptedModel {
	return &ScriptedModel{
		info:  Info{Name: name, Provider: "scripted", SupportsTools: true},
		steps: steps,
	}
}

// AddStep appends a step to the script.
func (m *ScriptedModel) AddStep(step ScriptStep) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, step)
}

// Requests returns a copy of the requests observed so far.
func (m *ScriptedModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	reqs := make([]Request, len(m.reqs))
	copy(reqs, m.reqs)
	return reqs
}

// Calls returns the number of Generate calls observed.
func (m *ScriptedModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reqs)
}

// Generate implements Model; it consumes the next scripted step.
func (m *ScriptedModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	m.mu.Lock()
	m.reqs = append(m.reqs, req)
	var step ScriptStep
	exhausted := m.next >= len(m.steps)
	if !exhausted {
		step = m.steps[m.next]
		m.next++
	}
	m.mu.Unlock()

	go func() {
		defer close(respCh)
		defer close(errCh)

		if exhausted {
			errCh <- fmt.Errorf("scripted model %s: script exhausted after %d calls", m.info.Name, m.Calls())
			return
		}
		if step.Err != nil {
			errCh <- step.Err
			return
		}
		for _, resp := range step.Responses {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case respCh <- resp:
			}
		}
	}()

	return respCh, errCh
}

// Info implements Model.
func (m *ScriptedModel) Info() Info { return m.info }
