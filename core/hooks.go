package core

import (
	"context"
	"encoding/json"
)

// PreToolHook runs before a tool invocation. It may rewrite the input by
// returning a non-nil replacement, or veto the invocation by returning
// Deny=true with a reason that becomes an error ToolResult.
type PreToolHook func(ctx context.Context, use ToolUseBlock) PreToolDecision

// PreToolDecision is the outcome of a PreToolHook.
type PreToolDecision struct {
	Deny         bool
	DenyReason   string
	ReplaceInput json.RawMessage // non-nil replaces the tool input
}

// Allow is the zero-decision convenience value.
func Allow() PreToolDecision { return PreToolDecision{} }

// Deny vetoes the invocation with the given reason.
func Deny(reason string) PreToolDecision {
	return PreToolDecision{Deny: true, DenyReason: reason}
}

// PostToolHook runs after a tool invocation with its result. It may rewrite
// the result content by returning a non-nil replacement.
type PostToolHook func(ctx context.Context, use ToolUseBlock, result ToolResultBlock) *ToolResultBlock

// StopHook runs when a model turn contains no tool uses, i.e. the model has
// decided to stop. It may block termination and inject corrective messages
// that are appended to the conversation before looping again.
type StopHook func(ctx context.Context, conv *Conversation) StopDecision

// StopDecision is the outcome of a StopHook.
type StopDecision struct {
	// Block prevents the loop from terminating this turn.
	Block bool
	// Inject holds messages appended to the conversation when Block is set.
	Inject []Message
}

// Continue lets the loop terminate normally.
func Continue() StopDecision { return StopDecision{} }

// BlockWith blocks termination and injects corrective messages.
func BlockWith(msgs ...Message) StopDecision {
	return StopDecision{Block: true, Inject: msgs}
}
