package core

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role identifies the author of a message.
type Role string

const (
	// RoleUser marks messages authored by the caller (or an orchestrator
	// acting on the caller's behalf).
	RoleUser Role = "user"
	// RoleAssistant marks messages produced by the model.
	RoleAssistant Role = "assistant"
	// RoleTool marks messages carrying tool results fed back to the model.
	RoleTool Role = "tool"
)

// Block represents a polymorphic segment of message content. Concrete block
// types implement the unexported isBlock marker enabling a closed set.
type Block interface{ isBlock() }

// TextBlock is a plain text content segment.
type TextBlock struct {
	Text string `json:"text"`
}

func (TextBlock) isBlock() {}

// ToolUseBlock is a structured request from the model to invoke a named tool.
// The ID is unique per loop turn and correlates the later ToolResultBlock.
type ToolUseBlock struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

func (ToolUseBlock) isBlock() {}

// ToolResultBlock carries the outcome of a tool invocation back into the
// conversation. ToolUseID references a ToolUseBlock emitted in the
// immediately preceding assistant turn.
type ToolResultBlock struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

func (ToolResultBlock) isBlock() {}

// Message is one entry in a conversation's append-only log. Messages are
// immutable once appended; a message list is owned by exactly one loop
// instance (or, when forked, a copy).
type Message struct {
	Role   Role    `json:"role"`
	Blocks []Block `json:"blocks"`
}

// NewUserMessage constructs a user message with a single text block.
func NewUserMessage(text string) Message {
	return Message{Role: RoleUser, Blocks: []Block{TextBlock{Text: text}}}
}

// NewAssistantMessage constructs an assistant message from arbitrary blocks.
func NewAssistantMessage(blocks ...Block) Message {
	return Message{Role: RoleAssistant, Blocks: blocks}
}

// NewToolResultMessage wraps tool results into a single tool-role message.
func NewToolResultMessage(results ...ToolResultBlock) Message {
	blocks := make([]Block, 0, len(results))
	for _, r := range results {
		blocks = append(blocks, r)
	}
	return Message{Role: RoleTool, Blocks: blocks}
}

// wireBlock is the tagged wire form of a Block. Messages cross the transport
// boundary as JSON, so the closed block set needs a type discriminator.
type wireBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type wireMessage struct {
	Role   Role        `json:"role"`
	Blocks []wireBlock `json:"blocks"`
}

// MarshalJSON implements json.Marshaler using the tagged wire form.
func (m Message) MarshalJSON() ([]byte, error) {
	wm := wireMessage{Role: m.Role, Blocks: make([]wireBlock, 0, len(m.Blocks))}
	for _, b := range m.Blocks {
		switch blk := b.(type) {
		case TextBlock:
			wm.Blocks = append(wm.Blocks, wireBlock{Type: "text", Text: blk.Text})
		case ToolUseBlock:
			wm.Blocks = append(wm.Blocks, wireBlock{Type: "tool_use", ID: blk.ID, Name: blk.Name, Input: blk.Input})
		case ToolResultBlock:
			wm.Blocks = append(wm.Blocks, wireBlock{Type: "tool_result", ToolUseID: blk.ToolUseID, Content: blk.Content, IsError: blk.IsError})
		default:
			return nil, fmt.Errorf("unknown block type %T", b)
		}
	}
	return json.Marshal(wm)
}

// UnmarshalJSON implements json.Unmarshaler. Blocks with an unknown type tag
// are rejected rather than dropped so protocol drift surfaces early.
func (m *Message) UnmarshalJSON(data []byte) error {
	var wm wireMessage
	if err := json.Unmarshal(data, &wm); err != nil {
		return err
	}

	m.Role = wm.Role
	m.Blocks = make([]Block, 0, len(wm.Blocks))
	for _, wb := range wm.Blocks {
		switch wb.Type {
		case "text":
			m.Blocks = append(m.Blocks, TextBlock{Text: wb.Text})
		case "tool_use":
			m.Blocks = append(m.Blocks, ToolUseBlock{ID: wb.ID, Name: wb.Name, Input: wb.Input})
		case "tool_result":
			m.Blocks = append(m.Blocks, ToolResultBlock{ToolUseID: wb.ToolUseID, Content: wb.Content, IsError: wb.IsError})
		default:
			return fmt.Errorf("unknown block type %q", wb.Type)
		}
	}

	return nil
}

// Text concatenates the text blocks of the message preserving order.
func (m Message) Text() string {
	var sb strings.Builder
	for _, b := range m.Blocks {
		if tb, ok := b.(TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}
	return sb.String()
}

// ToolUses returns any ToolUseBlock entries preserving their original order.
func (m Message) ToolUses() []ToolUseBlock {
	var uses []ToolUseBlock
	for _, b := range m.Blocks {
		if tu, ok := b.(ToolUseBlock); ok {
			uses = append(uses, tu)
		}
	}
	return uses
}

// ToolResults returns any ToolResultBlock entries preserving their order.
func (m Message) ToolResults() []ToolResultBlock {
	var results []ToolResultBlock
	for _, b := range m.Blocks {
		if tr, ok := b.(ToolResultBlock); ok {
			results = append(results, tr)
		}
	}
	return results
}
