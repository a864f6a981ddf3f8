// Package tool implements the tool calling subsystem that lets loops invoke
// structured capabilities (file I/O, shell execution, search) with schema
// validated arguments, consistent error handling and rich metadata for model
// guidance.
package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hupe1980/agentcore/internal/util"
)

// Tool defines the interface for extending loop capabilities with external functions.
//
// Tools are registered with a Registry and exposed to the model as tool
// definitions. The engine invokes Call with the raw JSON input emitted by the
// model; the returned string is fed back into the conversation as a tool
// result.
//
// Tool implementations should:
//   - Provide clear, descriptive names and descriptions
//   - Define proper JSON schema for parameters
//   - Handle errors gracefully
//   - Be thread-safe if declared concurrency-safe
type Tool interface {
	// Name returns the unique identifier for this tool.
	// Names should follow function naming conventions (snake_case recommended).
	Name() string

	// Description returns a human-readable description of what this tool does.
	// This description is provided to the model to help it understand when and
	// how to use the tool.
	Description() string

	// Parameters returns a JSON schema describing the expected input format.
	Parameters() map[string]any

	// ConcurrencySafe reports whether this tool may run in parallel with
	// other tools of the same batch. Only tools with no conflicting side
	// effects (typically read-only tools) should return true.
	ConcurrencySafe() bool

	// Call executes the tool with the raw JSON input emitted by the model.
	Call(ctx context.Context, input json.RawMessage) (string, error)
}

// ValidationError represents parameter validation errors with detailed information.
type ValidationError = util.ValidationError

// ToolError represents errors that occur during tool execution.
type ToolError struct {
	Tool    string `json:"tool"`              // Name of the tool that failed
	Message string `json:"message"`           // Error message
	Code    string `json:"code"`              // Error code for categorization
	Details any    `json:"details,omitempty"` // Additional error details
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{
		Tool:    tool,
		Message: message,
		Code:    code,
	}
}
