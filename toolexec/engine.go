package toolexec

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/agentcore/core"
	"github.com/hupe1980/agentcore/logging"
	"github.com/hupe1980/agentcore/tool"
)

// DefaultMaxParallel bounds the number of tools running concurrently within
// one batch when parallel execution is permitted.
const DefaultMaxParallel = 4

// ToolResult pairs a finished invocation with its position in the batch so
// callers can reassemble results in request order.
type ToolResult struct {
	Index    int
	Block    core.ToolResultBlock
	Duration time.Duration
}

// Options configure an Engine.
type Options struct {
	// MaxParallel caps concurrent tool executions for parallel batches.
	MaxParallel int
	// PreToolHooks run before each invocation and may rewrite or veto it.
	PreToolHooks []core.PreToolHook
	// PostToolHooks run after each invocation and may rewrite its result.
	PostToolHooks []core.PostToolHook
	// Logger receives per-invocation telemetry.
	Logger logging.Logger
}

// Engine routes tool-use blocks to registered tools and tracks which
// invocations are currently in flight.
type Engine struct {
	registry *tool.Registry
	opts     Options

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewEngine creates a tool execution engine backed by the given registry.
func NewEngine(registry *tool.Registry, optFns ...func(o *Options)) *Engine {
	opts := Options{
		MaxParallel: DefaultMaxParallel,
		Logger:      logging.NewNoOpLogger(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxParallel < 1 {
		opts.MaxParallel = 1
	}

	return &Engine{
		registry: registry,
		opts:     opts,
		inFlight: make(map[string]struct{}),
	}
}

// InFlight returns the sorted tool-use ids currently executing. Empty between
// batches; callers use it to surface partial progress on interruption.
func (e *Engine) InFlight() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]string, 0, len(e.inFlight))
	for id := range e.inFlight {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids
}

// ExecuteBatch runs all tool uses of one assistant turn and streams results
// as they complete. The returned channel yields exactly one ToolResult per
// input block and closes when the batch is done.
//
// Scheduling: the batch runs in parallel only when every referenced tool is
// registered and declares itself concurrency safe; any side-effecting or
// unknown tool forces sequential execution in request order.
func (e *Engine) ExecuteBatch(ctx context.Context, uses []core.ToolUseBlock) <-chan ToolResult {
	out := make(chan ToolResult, len(uses))

	e.mu.Lock()
	for _, use := range uses {
		e.inFlight[use.ID] = struct{}{}
	}
	e.mu.Unlock()

	if e.parallelizable(uses) {
		go e.runParallel(ctx, uses, out)
	} else {
		go e.runSequential(ctx, uses, out)
	}

	return out
}

// parallelizable reports whether every tool in the batch is concurrency safe.
func (e *Engine) parallelizable(uses []core.ToolUseBlock) bool {
	if len(uses) < 2 {
		return false
	}
	for _, use := range uses {
		t, ok := e.registry.Get(use.Name)
		if !ok || !t.ConcurrencySafe() {
			return false
		}
	}
	return true
}

func (e *Engine) runSequential(ctx context.Context, uses []core.ToolUseBlock, out chan<- ToolResult) {
	defer close(out)

	for i, use := range uses {
		out <- e.execute(ctx, i, use)
	}
}

func (e *Engine) runParallel(ctx context.Context, uses []core.ToolUseBlock, out chan<- ToolResult) {
	defer close(out)

	sem := make(chan struct{}, e.opts.MaxParallel)

	var wg sync.WaitGroup
	for i, use := range uses {
		wg.Add(1)
		go func(i int, use core.ToolUseBlock) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			out <- e.execute(ctx, i, use)
		}(i, use)
	}
	wg.Wait()
}

// execute runs a single tool use through the hook chain and yields its result
// block, clearing the in-flight marker in the same step.
func (e *Engine) execute(ctx context.Context, index int, use core.ToolUseBlock) ToolResult {
	start := time.Now()
	block := e.invoke(ctx, use)
	dur := time.Since(start)

	e.opts.Logger.Debug(fmt.Sprintf("tool %s (%s) finished in %s (error=%t)", use.Name, use.ID, dur, block.IsError))

	e.mu.Lock()
	delete(e.inFlight, use.ID)
	e.mu.Unlock()

	return ToolResult{Index: index, Block: block, Duration: dur}
}

func (e *Engine) invoke(ctx context.Context, use core.ToolUseBlock) core.ToolResultBlock {
	// Unknown tools fail before anything else runs, hooks included.
	t, ok := e.registry.Get(use.Name)
	if !ok {
		return errorResult(use.ID, fmt.Sprintf("unknown tool: %s", use.Name))
	}

	if err := ctx.Err(); err != nil {
		return errorResult(use.ID, fmt.Sprintf("tool execution cancelled: %v", err))
	}

	for _, hook := range e.opts.PreToolHooks {
		decision := hook(ctx, use)
		if decision.Deny {
			reason := decision.DenyReason
			if reason == "" {
				reason = "tool invocation denied"
			}
			return errorResult(use.ID, reason)
		}
		if decision.ReplaceInput != nil {
			use.Input = decision.ReplaceInput
		}
	}

	block := e.callSafely(ctx, t, use)

	for _, hook := range e.opts.PostToolHooks {
		if replacement := hook(ctx, use, block); replacement != nil {
			block = *replacement
		}
	}

	return block
}

// callSafely invokes the tool with panic recovery so a misbehaving tool is
// reported as an error result instead of crashing the loop.
func (e *Engine) callSafely(ctx context.Context, t tool.Tool, use core.ToolUseBlock) (block core.ToolResultBlock) {
	defer func() {
		if r := recover(); r != nil {
			e.opts.Logger.Error(fmt.Sprintf("tool %s panicked: %v", use.Name, r))
			block = errorResult(use.ID, fmt.Sprintf("tool %s panicked: %v", use.Name, r))
		}
	}()

	content, err := t.Call(ctx, use.Input)
	if err != nil {
		return errorResult(use.ID, err.Error())
	}

	return core.ToolResultBlock{ToolUseID: use.ID, Content: content}
}

func errorResult(toolUseID, message string) core.ToolResultBlock {
	return core.ToolResultBlock{ToolUseID: toolUseID, Content: message, IsError: true}
}

// Collect drains a batch channel and returns the result blocks in request
// order. It is the common consumption pattern for loops that append one
// tool-result message per turn.
func Collect(results <-chan ToolResult, n int) []core.ToolResultBlock {
	blocks := make([]core.ToolResultBlock, n)
	for res := range results {
		if res.Index >= 0 && res.Index < n {
			blocks[res.Index] = res.Block
		}
	}
	return blocks
}
