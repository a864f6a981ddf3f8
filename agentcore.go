// Package agentcore provides a high-level façade over the execution core
// (loops, tool execution, subagents & logging) enabling rapid construction of
// tool-using assistants. Most applications interact with this package by:
//  1. Creating an Assistant via New() with a model implementation
//  2. Registering tools and agent definitions
//  3. Running prompts asynchronously (Run) or synchronously (RunSync)
//
// The façade wires the tool execution engine, the subagent runner and the
// delegation tool together while keeping setup concise. Defaults are safe for
// local development; production deployments typically supply a structured
// logger and a durable conversation store.
package agentcore

import (
	"context"
	"fmt"

	"github.com/hupe1980/agentcore/core"
	"github.com/hupe1980/agentcore/logging"
	"github.com/hupe1980/agentcore/loop"
	"github.com/hupe1980/agentcore/model"
	"github.com/hupe1980/agentcore/subagent"
	"github.com/hupe1980/agentcore/tool"
	"github.com/hupe1980/agentcore/toolexec"
)

// Options configures the Assistant instance.
type Options struct {
	// Tools is the shared tool registry (defaults to an empty registry).
	Tools *tool.Registry
	// Definitions holds the spawnable agent types for delegation.
	Definitions *subagent.Definitions
	// ConversationStore persists conversations across runs.
	ConversationStore core.ConversationStore
	// SystemPrompt is applied to every top-level run.
	SystemPrompt core.SystemPromptProvider
	// FallbackModel is tried once per run on provider errors.
	FallbackModel model.Model
	// ModelResolver maps model names in delegation requests to models.
	ModelResolver subagent.ModelResolver
	// MaxTurns bounds each run's loop; 0 means unbounded.
	MaxTurns int
	// MaxParallelTools bounds concurrent tools in parallel batches.
	MaxParallelTools int
	// ContextBudget and Compactor enable history compaction.
	ContextBudget int
	Compactor     loop.Compactor
	// Stream requests incremental text deltas.
	Stream bool
	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// RunOptions configure a single run.
type RunOptions struct {
	// ConversationID resumes an existing conversation instead of starting
	// a fresh one.
	ConversationID string
}

// Assistant is the high-level façade aggregating the execution core services.
type Assistant struct {
	model model.Model
	opts  Options
}

// New creates an Assistant around the given model with optional overrides.
// Any unset service is initialized with an in-memory implementation.
func New(mdl model.Model, optFns ...func(o *Options)) *Assistant {
	opts := Options{
		Tools:             tool.NewRegistry(),
		Definitions:       subagent.NewDefinitions(),
		ConversationStore: core.NewInMemoryConversationStore(),
		MaxParallelTools:  toolexec.DefaultMaxParallel,
		Logger:            logging.NewNoOpLogger(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Assistant{model: mdl, opts: opts}
}

// Tools returns the shared tool registry for registration.
func (a *Assistant) Tools() *tool.Registry { return a.opts.Tools }

// Definitions returns the agent type registry for registration.
func (a *Assistant) Definitions() *subagent.Definitions { return a.opts.Definitions }

// Run executes a prompt and streams events. The run owns a fresh conversation
// unless RunOptions name an existing one; a delegation tool bound to that
// conversation is available whenever agent definitions are registered.
func (a *Assistant) Run(ctx context.Context, prompt string, optFns ...func(o *RunOptions)) (<-chan core.Event, error) {
	var runOpts RunOptions
	for _, fn := range optFns {
		fn(&runOpts)
	}

	conv, err := a.resolveConversation(runOpts)
	if err != nil {
		return nil, err
	}

	// Per-run registry: the shared tools plus a delegation tool bound to
	// this run's conversation.
	registry := tool.NewRegistry(a.opts.Tools.List()...)
	engine := toolexec.NewEngine(registry, func(o *toolexec.Options) {
		o.MaxParallel = a.opts.MaxParallelTools
		o.Logger = a.opts.Logger
	})

	if len(a.opts.Definitions.Types()) > 0 {
		runner := subagent.NewRunner(a.opts.Definitions, registry, engine, a.model, func(o *subagent.Options) {
			o.Resolver = a.opts.ModelResolver
			o.Store = a.opts.ConversationStore
			o.FallbackModel = a.opts.FallbackModel
			o.Stream = a.opts.Stream
			o.Logger = a.opts.Logger
		})
		if err := registry.Register(subagent.NewDelegateTool(runner, conv)); err != nil {
			return nil, fmt.Errorf("register delegation tool: %w", err)
		}
	}

	l := loop.New(a.model, engine, registry.List(), conv, func(o *loop.Options) {
		o.SystemPrompt = a.opts.SystemPrompt
		o.MaxTurns = a.opts.MaxTurns
		o.ContextBudget = a.opts.ContextBudget
		o.Compactor = a.opts.Compactor
		o.FallbackModel = a.opts.FallbackModel
		o.Stream = a.opts.Stream
		o.Logger = a.opts.Logger
	})

	return l.Run(ctx, prompt), nil
}

// RunSync executes a prompt and returns the flattened final text.
func (a *Assistant) RunSync(ctx context.Context, prompt string, optFns ...func(o *RunOptions)) (string, error) {
	events, err := a.Run(ctx, prompt, optFns...)
	if err != nil {
		return "", err
	}

	last, text := loop.FinalText(events)
	switch last.Kind {
	case core.EventDone:
		return text, nil
	case core.EventMaxTurns:
		return "", fmt.Errorf("run hit its turn bound after %d turns", last.Turn)
	case core.EventInterrupted:
		return "", context.Canceled
	default:
		return "", fmt.Errorf("run failed: %s", last.Err)
	}
}

func (a *Assistant) resolveConversation(runOpts RunOptions) (*core.Conversation, error) {
	if runOpts.ConversationID != "" {
		conv, err := a.opts.ConversationStore.Get(runOpts.ConversationID)
		if err != nil {
			return nil, fmt.Errorf("resume conversation: %w", err)
		}
		return conv, nil
	}

	conv := core.NewConversation()
	if err := a.opts.ConversationStore.Put(conv); err != nil {
		return nil, fmt.Errorf("store conversation: %w", err)
	}

	return conv, nil
}
