package core

import (
	"time"

	"github.com/google/uuid"
)

// EventKind discriminates the entries of a loop's typed event stream.
type EventKind string

const (
	// EventTextDelta is an incremental text fragment streamed from the model.
	EventTextDelta EventKind = "text_delta"
	// EventAssistantMessage is a complete assistant turn (text + tool uses).
	EventAssistantMessage EventKind = "assistant_message"
	// EventToolCall announces that a tool invocation is starting.
	EventToolCall EventKind = "tool_call"
	// EventToolResult carries the outcome of a tool invocation.
	EventToolResult EventKind = "tool_result"
	// EventTurnComplete marks the end of one model turn.
	EventTurnComplete EventKind = "turn_complete"
	// EventDone is the terminal event of a successful run; Text holds the
	// flattened final assistant text.
	EventDone EventKind = "done"
	// EventMaxTurns is the terminal event when the configured turn bound
	// would be exceeded. A policy boundary, not an error.
	EventMaxTurns EventKind = "max_turns"
	// EventInterrupted is the terminal event after external cancellation.
	EventInterrupted EventKind = "interrupted"
	// EventError is the terminal event for unrecoverable loop failures.
	EventError EventKind = "error"
)

// Event is the unit of communication between a running loop and its caller.
// Each loop instance owns a single typed event channel that the caller
// drains; after emission an event should be treated as immutable.
type Event struct {
	ID             string           `json:"id"`
	Kind           EventKind        `json:"kind"`
	ConversationID string           `json:"conversation_id,omitempty"`
	Author         string           `json:"author,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
	Text           string           `json:"text,omitempty"`
	Message        *Message         `json:"message,omitempty"`
	ToolUse        *ToolUseBlock    `json:"tool_use,omitempty"`
	ToolResult     *ToolResultBlock `json:"tool_result,omitempty"`
	Turn           int              `json:"turn,omitempty"`
	Err            string           `json:"error,omitempty"`
}

// NewID generates a new unique identifier used for events, tool-use blocks,
// conversations and workers.
func NewID() string { return uuid.NewString() }

func newEvent(kind EventKind, conversationID, author string) Event {
	return Event{
		ID:             NewID(),
		Kind:           kind,
		ConversationID: conversationID,
		Author:         author,
		Timestamp:      time.Now().UTC(),
	}
}

// NewTextDeltaEvent wraps an incremental text fragment.
func NewTextDeltaEvent(conversationID, author, text string) Event {
	ev := newEvent(EventTextDelta, conversationID, author)
	ev.Text = text
	return ev
}

// NewAssistantMessageEvent wraps a completed assistant turn.
func NewAssistantMessageEvent(conversationID, author string, msg Message) Event {
	ev := newEvent(EventAssistantMessage, conversationID, author)
	ev.Message = &msg
	return ev
}

// NewToolCallEvent announces a starting tool invocation.
func NewToolCallEvent(conversationID, author string, use ToolUseBlock) Event {
	ev := newEvent(EventToolCall, conversationID, author)
	ev.ToolUse = &use
	return ev
}

// NewToolResultEvent wraps a finished tool invocation.
func NewToolResultEvent(conversationID, author string, result ToolResultBlock) Event {
	ev := newEvent(EventToolResult, conversationID, author)
	ev.ToolResult = &result
	return ev
}

// NewTurnCompleteEvent marks the end of model turn n.
func NewTurnCompleteEvent(conversationID, author string, turn int) Event {
	ev := newEvent(EventTurnComplete, conversationID, author)
	ev.Turn = turn
	return ev
}

// NewDoneEvent is the successful terminal event carrying the final text.
func NewDoneEvent(conversationID, author, finalText string) Event {
	ev := newEvent(EventDone, conversationID, author)
	ev.Text = finalText
	return ev
}

// NewMaxTurnsEvent is the terminal event for the turn-bound policy stop.
func NewMaxTurnsEvent(conversationID, author string, turn int) Event {
	ev := newEvent(EventMaxTurns, conversationID, author)
	ev.Turn = turn
	return ev
}

// NewInterruptedEvent is the terminal event after cancellation.
func NewInterruptedEvent(conversationID, author string) Event {
	return newEvent(EventInterrupted, conversationID, author)
}

// NewErrorEvent is the terminal event for unrecoverable failures.
func NewErrorEvent(conversationID, author string, err error) Event {
	ev := newEvent(EventError, conversationID, author)
	if err != nil {
		ev.Err = err.Error()
	}
	return ev
}

// Terminal reports whether the event ends the loop's event stream.
func (e Event) Terminal() bool {
	switch e.Kind {
	case EventDone, EventMaxTurns, EventInterrupted, EventError:
		return true
	default:
		return false
	}
}
