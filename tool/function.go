package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hupe1980/agentcore/internal/util"
)

// FunctionTool is a generic adapter that exposes a plain Go function as a tool.
//
// Responsibilities:
//   - Holds a lightweight JSON-Schema-like parameter specification
//   - Validates model supplied arguments against that schema before execution
//   - Normalizes error handling so callers receive *ToolError with consistent codes:
//     VALIDATION_ERROR  -> schema / argument mismatch
//     EXECUTION_ERROR   -> underlying function returned an error (non-ToolError)
//     (custom codes preserved if the function returns *ToolError directly)
//
// Concurrency:
//
//	A FunctionTool has no internal mutable state after construction. Whether
//	it is safe to run in parallel with other tools depends on the wrapped
//	function's side effects; declare that via the concurrencySafe flag.
type FunctionTool struct {
	name            string
	description     string
	parameters      map[string]any
	concurrencySafe bool
	fn              func(ctx context.Context, args map[string]any) (string, error)
}

// NewFunctionTool constructs a FunctionTool from explicit schema and function.
//
// Example:
//
//	readTool := NewFunctionTool(
//	  "read_file",
//	  "Read the contents of a file",
//	  map[string]any{
//	    "type": "object",
//	    "properties": map[string]any{
//	      "path": map[string]any{"type": "string"},
//	    },
//	    "required": []string{"path"},
//	  },
//	  func(ctx context.Context, args map[string]any) (string, error) {
//	    data, err := os.ReadFile(args["path"].(string))
//	    return string(data), err
//	  },
//	  WithConcurrencySafe(true),
//	)
func NewFunctionTool(
	name, description string,
	parameters map[string]any,
	fn func(ctx context.Context, args map[string]any) (string, error),
	optFns ...func(t *FunctionTool),
) *FunctionTool {
	t := &FunctionTool{
		name:        name,
		description: description,
		parameters:  parameters,
		fn:          fn,
	}
	for _, o := range optFns {
		o(t)
	}
	return t
}

// WithConcurrencySafe declares the tool free of conflicting side effects.
func WithConcurrencySafe(safe bool) func(t *FunctionTool) {
	return func(t *FunctionTool) { t.concurrencySafe = safe }
}

// NewFunctionToolFromStruct derives the parameter schema from a struct using
// reflection. It is a convenience for simple argument containers and produces
// a schema equivalent to util.CreateSchema(structType).
func NewFunctionToolFromStruct(
	name, description string,
	structType any,
	fn func(ctx context.Context, args map[string]any) (string, error),
	optFns ...func(t *FunctionTool),
) *FunctionTool {
	schema := util.CreateSchema(structType)
	return NewFunctionTool(name, description, schema, fn, optFns...)
}

// Name returns the unique tool name used in tool definitions and routing.
func (t *FunctionTool) Name() string { return t.name }

// Description returns the short natural language description exposed to models.
func (t *FunctionTool) Description() string { return t.description }

// Parameters returns the (minimal) JSON schema describing expected arguments.
func (t *FunctionTool) Parameters() map[string]any { return t.parameters }

// ConcurrencySafe reports the declared side-effect freedom of the wrapped function.
func (t *FunctionTool) ConcurrencySafe() bool { return t.concurrencySafe }

// Call unmarshals and validates the provided input against the declared
// schema then invokes the underlying function. Validation or execution
// failures are wrapped (or passed through) as *ToolError for uniform
// downstream handling.
//
// Error Semantics:
//
//	*ToolError (returned directly)  -> forwarded unchanged
//	malformed / invalid input       -> *ToolError{Code: "VALIDATION_ERROR"}
//	other error                     -> *ToolError{Code: "EXECUTION_ERROR"}
func (t *FunctionTool) Call(ctx context.Context, input json.RawMessage) (string, error) {
	args := map[string]any{}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return "", &ToolError{
				Tool:    t.name,
				Message: fmt.Sprintf("failed to unmarshal input: %v", err),
				Code:    "VALIDATION_ERROR",
			}
		}
	}

	if err := util.ValidateParameters(args, t.parameters); err != nil {
		return "", &ToolError{
			Tool:    t.name,
			Message: fmt.Sprintf("parameter validation failed: %v", err),
			Code:    "VALIDATION_ERROR",
			Details: err,
		}
	}

	result, err := t.fn(ctx, args)
	if err != nil {
		if toolErr, ok := err.(*ToolError); ok {
			return "", toolErr
		}
		return "", &ToolError{
			Tool:    t.name,
			Message: err.Error(),
			Code:    "EXECUTION_ERROR",
		}
	}

	return result, nil
}
