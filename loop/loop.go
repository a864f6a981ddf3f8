package loop

import (
	"context"
	"fmt"

	"github.com/hupe1980/agentcore/core"
	"github.com/hupe1980/agentcore/logging"
	"github.com/hupe1980/agentcore/model"
	"github.com/hupe1980/agentcore/tool"
	"github.com/hupe1980/agentcore/toolexec"
)

// maxTruncationRetries bounds automatic continuation after output-length
// truncation so a stuck model cannot loop forever.
const maxTruncationRetries = 3

// continuePrompt nudges the model to resume a truncated reply.
const continuePrompt = "Continue from where you left off."

// Options configure a Loop.
type Options struct {
	// SystemPrompt produces the system prompt, resolved once per run.
	SystemPrompt core.SystemPromptProvider
	// MaxTurns bounds completed model turns; 0 means unbounded.
	MaxTurns int
	// ContextBudget is the message count above which history is compacted
	// before the next model call. 0 disables compaction.
	ContextBudget int
	// Compactor folds older history into a summary when the budget is hit.
	Compactor Compactor
	// FallbackModel is tried once when the primary model fails with a
	// provider error, retrying the same turn.
	FallbackModel model.Model
	// StopHooks run when a turn contains no tool uses. A blocking hook
	// injects corrective messages and forces another turn.
	StopHooks []core.StopHook
	// CallLimiter bounds total model calls across the run, independently of
	// MaxTurns. Nil means unlimited.
	CallLimiter *core.CallLimiter
	// Stream requests incremental deltas from the model.
	Stream bool
	// Author labels emitted events (defaults to "assistant").
	Author string
	// Logger receives per-turn telemetry.
	Logger logging.Logger
}

// Loop runs the turn cycle for one conversation against one model.
type Loop struct {
	model  model.Model
	engine *toolexec.Engine
	tools  []tool.Tool
	conv   *core.Conversation
	opts   Options
}

// New creates a loop bound to a conversation. The conversation may carry
// pre-seeded history (resumed or forked sessions).
func New(m model.Model, engine *toolexec.Engine, tools []tool.Tool, conv *core.Conversation, optFns ...func(o *Options)) *Loop {
	opts := Options{
		Author: "assistant",
		Logger: logging.NewNoOpLogger(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Loop{model: m, engine: engine, tools: tools, conv: conv, opts: opts}
}

// Conversation returns the conversation this loop mutates.
func (l *Loop) Conversation() *core.Conversation { return l.conv }

// Run appends the prompt as a user message (when non-empty) and drives turns
// until a terminal event. The returned channel closes after that event; the
// caller must drain it.
func (l *Loop) Run(ctx context.Context, prompt string) <-chan core.Event {
	out := make(chan core.Event, 16)

	if prompt != "" {
		l.conv.Append(core.NewUserMessage(prompt))
	}

	go func() {
		defer close(out)
		l.run(ctx, out)
	}()

	return out
}

func (l *Loop) run(ctx context.Context, out chan<- core.Event) {
	systemPrompt, err := l.resolveSystemPrompt(ctx)
	if err != nil {
		out <- core.NewErrorEvent(l.conv.ID, l.opts.Author, err)
		return
	}

	var (
		turn         int
		truncRetries int
		finalText    string
		usedFallback bool
	)

	mdl := l.model

	for {
		if l.opts.MaxTurns > 0 && turn >= l.opts.MaxTurns {
			out <- core.NewMaxTurnsEvent(l.conv.ID, l.opts.Author, turn)
			return
		}

		if err := l.maybeCompact(ctx); err != nil {
			out <- core.NewErrorEvent(l.conv.ID, l.opts.Author, err)
			return
		}

		if l.opts.CallLimiter != nil {
			if err := l.opts.CallLimiter.Increment(); err != nil {
				out <- core.NewErrorEvent(l.conv.ID, l.opts.Author, err)
				return
			}
		}

		resp, err := l.generate(ctx, mdl, systemPrompt, out)
		if err != nil {
			if ctx.Err() != nil {
				out <- core.NewInterruptedEvent(l.conv.ID, l.opts.Author)
				return
			}
			if !usedFallback && l.opts.FallbackModel != nil {
				l.opts.Logger.Warn(fmt.Sprintf("model %s failed (%v), retrying turn on fallback", mdl.Info().Name, err))
				usedFallback = true
				mdl = l.opts.FallbackModel
				continue
			}
			out <- core.NewErrorEvent(l.conv.ID, l.opts.Author, err)
			return
		}

		if ctx.Err() != nil {
			out <- core.NewInterruptedEvent(l.conv.ID, l.opts.Author)
			return
		}

		l.conv.Append(resp.Message)
		out <- core.NewAssistantMessageEvent(l.conv.ID, l.opts.Author, resp.Message)

		uses := resp.Message.ToolUses()
		if len(uses) == 0 {
			finalText += resp.Message.Text()

			if resp.FinishReason == model.FinishLength && truncRetries < maxTruncationRetries {
				truncRetries++
				l.conv.Append(core.NewUserMessage(continuePrompt))
				continue
			}

			if l.runStopHooks(ctx) {
				finalText = ""
				truncRetries = 0
				turn++
				continue
			}

			out <- core.NewTurnCompleteEvent(l.conv.ID, l.opts.Author, turn)
			out <- core.NewDoneEvent(l.conv.ID, l.opts.Author, finalText)
			return
		}

		for _, use := range uses {
			out <- core.NewToolCallEvent(l.conv.ID, l.opts.Author, use)
		}

		blocks := l.executeTools(ctx, uses, out)
		l.conv.Append(core.NewToolResultMessage(blocks...))

		out <- core.NewTurnCompleteEvent(l.conv.ID, l.opts.Author, turn)

		if ctx.Err() != nil {
			out <- core.NewInterruptedEvent(l.conv.ID, l.opts.Author)
			return
		}

		finalText = ""
		truncRetries = 0
		turn++
	}
}

func (l *Loop) resolveSystemPrompt(ctx context.Context) (string, error) {
	if l.opts.SystemPrompt == nil {
		return "", nil
	}
	prompt, err := l.opts.SystemPrompt(ctx)
	if err != nil {
		return "", fmt.Errorf("system prompt provider failed: %w", err)
	}
	return prompt, nil
}

// maybeCompact folds older history into a summary when the message count
// exceeds the context budget.
func (l *Loop) maybeCompact(ctx context.Context) error {
	if l.opts.Compactor == nil || l.opts.ContextBudget <= 0 || l.conv.Len() <= l.opts.ContextBudget {
		return nil
	}

	compacted, err := l.opts.Compactor.Compact(ctx, l.conv.Snapshot())
	if err != nil {
		return err
	}
	l.conv.Replace(compacted)

	l.opts.Logger.Debug(fmt.Sprintf("compacted conversation %s to %d messages", l.conv.ID, len(compacted)))

	return nil
}

// generate performs one model call, forwarding streamed deltas as events and
// returning the final response.
func (l *Loop) generate(ctx context.Context, mdl model.Model, systemPrompt string, out chan<- core.Event) (model.Response, error) {
	req := model.Request{
		SystemPrompt: systemPrompt,
		Messages:     l.conv.Snapshot(),
		Tools:        tool.Definitions(l.tools),
		Stream:       l.opts.Stream,
	}

	respCh, errCh := mdl.Generate(ctx, req)

	var final model.Response
	sawFinal := false
	for resp := range respCh {
		if resp.Partial {
			if resp.Delta != "" {
				out <- core.NewTextDeltaEvent(l.conv.ID, l.opts.Author, resp.Delta)
			}
			continue
		}
		final = resp
		sawFinal = true
	}

	if err := <-errCh; err != nil {
		return model.Response{}, err
	}
	if !sawFinal {
		return model.Response{}, fmt.Errorf("model %s returned no final response", mdl.Info().Name)
	}

	return final, nil
}

// executeTools runs the batch and emits one tool-result event per block as it
// completes, returning result blocks in request order.
func (l *Loop) executeTools(ctx context.Context, uses []core.ToolUseBlock, out chan<- core.Event) []core.ToolResultBlock {
	blocks := make([]core.ToolResultBlock, len(uses))
	for res := range l.engine.ExecuteBatch(ctx, uses) {
		out <- core.NewToolResultEvent(l.conv.ID, l.opts.Author, res.Block)
		if res.Index >= 0 && res.Index < len(blocks) {
			blocks[res.Index] = res.Block
		}
	}
	return blocks
}

// runStopHooks reports whether a hook blocked termination, appending its
// injected messages to the conversation.
func (l *Loop) runStopHooks(ctx context.Context) bool {
	for _, hook := range l.opts.StopHooks {
		decision := hook(ctx, l.conv)
		if decision.Block {
			l.conv.Append(decision.Inject...)
			return true
		}
	}
	return false
}

// FinalText drains an event stream and returns the terminal event plus the
// flattened final text for successful runs. It is the common consumption
// pattern for callers that do not need intermediate events.
func FinalText(events <-chan core.Event) (core.Event, string) {
	var last core.Event
	for ev := range events {
		last = ev
	}
	return last, last.Text
}
