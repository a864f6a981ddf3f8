package subagent

import (
	"context"
	"fmt"
	"os"

	"github.com/hupe1980/agentcore/core"
	"github.com/hupe1980/agentcore/logging"
	"github.com/hupe1980/agentcore/loop"
	"github.com/hupe1980/agentcore/model"
	"github.com/hupe1980/agentcore/tool"
	"github.com/hupe1980/agentcore/toolexec"
)

// ModelEnvVar overrides the model for every spawned subagent when set,
// sitting between an agent definition's model and caller inheritance in the
// resolution order.
const ModelEnvVar = "AGENTCORE_SUBAGENT_MODEL"

// TaskRequest is the delegation input: which agent to spawn and what to ask it.
type TaskRequest struct {
	// Description is a short label used for progress reporting.
	Description string `json:"description"`
	// Prompt is the task handed to the spawned agent.
	Prompt string `json:"prompt"`
	// AgentType selects the agent definition.
	AgentType string `json:"subagent_type"`
	// Model overrides model resolution when set.
	Model string `json:"model,omitempty"`
	// Resume continues an existing subagent conversation by id.
	Resume string `json:"resume,omitempty"`
	// MaxTurns overrides the definition's turn bound when positive.
	MaxTurns int `json:"max_turns,omitempty"`
}

// ModelResolver maps a model name to a usable model. Runners fall back to
// caller inheritance when the name is empty.
type ModelResolver func(name string) (model.Model, error)

// ResourceFunc acquires a per-run exclusive resource and returns its release
// function. Releases run when the spawned loop finishes, regardless of how.
type ResourceFunc func(ctx context.Context) (release func(), err error)

// Options configure a Runner.
type Options struct {
	// Resolver maps explicit model names to models. Nil rejects any
	// non-empty model selection.
	Resolver ModelResolver
	// Store persists subagent conversations so tasks can be resumed.
	Store core.ConversationStore
	// Resources are acquired before each run and released afterwards.
	Resources []ResourceFunc
	// Compactor and ContextBudget are forwarded to spawned loops.
	Compactor     loop.Compactor
	ContextBudget int
	// FallbackModel is forwarded to spawned loops.
	FallbackModel model.Model
	// CallLimiter bounds model calls across all spawned loops sharing it.
	CallLimiter *core.CallLimiter
	// Stream requests incremental deltas from spawned loops.
	Stream bool
	// Logger receives spawn telemetry.
	Logger logging.Logger
}

// Runner spawns isolated loops from agent definitions.
type Runner struct {
	defs    *Definitions
	tools   *tool.Registry
	engine  *toolexec.Engine
	inherit model.Model
	opts    Options
}

// NewRunner creates a runner. The inherit model is the caller's own model,
// used when resolution ends at "inherit".
func NewRunner(defs *Definitions, tools *tool.Registry, engine *toolexec.Engine, inherit model.Model, optFns ...func(o *Options)) *Runner {
	opts := Options{
		Store:  core.NewInMemoryConversationStore(),
		Logger: logging.NewNoOpLogger(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Runner{defs: defs, tools: tools, engine: engine, inherit: inherit, opts: opts}
}

// Definitions returns the agent type registry backing this runner.
func (r *Runner) Definitions() *Definitions { return r.defs }

// Run spawns the requested agent and streams its events. The caller
// conversation is only read (for context forking), never mutated. The
// returned channel closes after the loop's terminal event.
func (r *Runner) Run(ctx context.Context, req TaskRequest, caller *core.Conversation) (<-chan core.Event, error) {
	def, ok := r.defs.Get(req.AgentType)
	if !ok {
		return nil, fmt.Errorf("unknown agent type %q (available: %v)", req.AgentType, r.defs.Types())
	}

	mdl, err := r.resolveModel(req, def)
	if err != nil {
		return nil, err
	}

	conv, err := r.resolveConversation(req, def, caller)
	if err != nil {
		return nil, err
	}

	// Subagents never receive the delegation tool (no nesting).
	tools := r.tools.Resolve(def.AllowedTools, def.DisallowedTools, DelegateToolName)

	maxTurns := def.MaxTurns
	if req.MaxTurns > 0 {
		maxTurns = req.MaxTurns
	}

	releases, err := r.acquire(ctx)
	if err != nil {
		return nil, err
	}

	l := loop.New(mdl, r.engine, tools, conv, func(o *loop.Options) {
		o.SystemPrompt = def.SystemPrompt
		o.MaxTurns = maxTurns
		o.Compactor = r.opts.Compactor
		o.ContextBudget = r.opts.ContextBudget
		o.FallbackModel = r.opts.FallbackModel
		o.CallLimiter = r.opts.CallLimiter
		o.Stream = r.opts.Stream
		o.Author = req.AgentType
		o.Logger = r.opts.Logger
	})

	r.opts.Logger.Debug(fmt.Sprintf("spawning %s (%s) on conversation %s", req.AgentType, req.Description, conv.ID))

	out := make(chan core.Event, 16)
	go func() {
		defer close(out)
		defer release(releases)

		for ev := range l.Run(ctx, req.Prompt) {
			out <- ev
		}
	}()

	return out, nil
}

// RunSync spawns the agent, drains its events and returns the flattened final
// text. Only text crosses the boundary; tool-call traces stay inside the
// subagent's own conversation.
func (r *Runner) RunSync(ctx context.Context, req TaskRequest, caller *core.Conversation) (string, error) {
	events, err := r.Run(ctx, req, caller)
	if err != nil {
		return "", err
	}

	last, text := loop.FinalText(events)
	switch last.Kind {
	case core.EventDone:
		return text, nil
	case core.EventMaxTurns:
		return "", fmt.Errorf("agent %s hit its turn bound after %d turns", req.AgentType, last.Turn)
	case core.EventInterrupted:
		return "", context.Canceled
	default:
		return "", fmt.Errorf("agent %s failed: %s", req.AgentType, last.Err)
	}
}

// resolveModel applies the resolution order:
// explicit request model > definition model > environment override > inherit.
// Context forking forces inheritance so the forked history never lands in a
// model with a different context window.
func (r *Runner) resolveModel(req TaskRequest, def core.AgentDefinition) (model.Model, error) {
	if def.ForkContext {
		return r.inherit, nil
	}

	name := req.Model
	if name == "" {
		name = def.Model
	}
	if name == "" {
		name = os.Getenv(ModelEnvVar)
	}
	if name == "" || name == "inherit" {
		return r.inherit, nil
	}

	if r.opts.Resolver == nil {
		return nil, fmt.Errorf("no model resolver configured for model %q", name)
	}

	mdl, err := r.opts.Resolver(name)
	if err != nil {
		return nil, fmt.Errorf("resolve model %q: %w", name, err)
	}

	return mdl, nil
}

func (r *Runner) resolveConversation(req TaskRequest, def core.AgentDefinition, caller *core.Conversation) (*core.Conversation, error) {
	if req.Resume != "" {
		conv, err := r.opts.Store.Get(req.Resume)
		if err != nil {
			return nil, fmt.Errorf("resume conversation: %w", err)
		}
		return conv, nil
	}

	var conv *core.Conversation
	if def.ForkContext && caller != nil {
		conv = caller.Clone()
	} else {
		conv = core.NewConversation()
	}

	// Keep the conversation resumable under its own id.
	if err := r.opts.Store.Put(conv); err != nil {
		return nil, fmt.Errorf("store conversation: %w", err)
	}

	return conv, nil
}

func (r *Runner) acquire(ctx context.Context) ([]func(), error) {
	var releases []func()
	for _, acquire := range r.opts.Resources {
		rel, err := acquire(ctx)
		if err != nil {
			release(releases)
			return nil, fmt.Errorf("acquire subagent resource: %w", err)
		}
		releases = append(releases, rel)
	}
	return releases, nil
}

func release(releases []func()) {
	for i := len(releases) - 1; i >= 0; i-- {
		releases[i]()
	}
}
