package mailbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentcore/core"
	"github.com/hupe1980/agentcore/logging"
	"github.com/hupe1980/agentcore/subagent"
)

// DefaultPollInterval is the idle-phase poll cadence.
const DefaultPollInterval = time.Second

// WorkerOptions configure a Worker.
type WorkerOptions struct {
	// PollInterval is the delay between idle-phase poll cycles.
	PollInterval time.Duration
	// Coordinator is the sender whose messages outrank other senders.
	Coordinator string
	// MaxTurns bounds each execute phase; forwarded to the spawned loop.
	MaxTurns int
	// Logger receives phase-transition telemetry.
	Logger logging.Logger
}

// Worker is a persistent agent that alternates between executing its current
// prompt and polling the mailbox for the next one, indefinitely until a
// lifecycle cancellation or a shutdown request.
type Worker struct {
	name      string
	agentType string
	runner    *subagent.Runner
	store     Store
	opts      WorkerOptions

	direct chan string

	mu         sync.Mutex
	cancelWork context.CancelFunc
	convID     string
}

// NewWorker creates a named worker that executes prompts through runner as
// the given agent type.
func NewWorker(name, agentType string, runner *subagent.Runner, store Store, optFns ...func(o *WorkerOptions)) *Worker {
	opts := WorkerOptions{
		PollInterval: DefaultPollInterval,
		Coordinator:  CoordinatorRole,
		Logger:       logging.NewNoOpLogger(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Worker{
		name:      name,
		agentType: agentType,
		runner:    runner,
		store:     store,
		opts:      opts,
		direct:    make(chan string, 16),
	}
}

// Name returns the worker's mailbox address.
func (w *Worker) Name() string { return w.name }

// Enqueue queues a direct prompt. Direct prompts outrank every mailbox
// source in the next poll cycle.
func (w *Worker) Enqueue(prompt string) {
	w.direct <- prompt
}

// CancelWork aborts the current execute phase only. The worker returns to
// polling; its lifecycle is unaffected.
func (w *Worker) CancelWork() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancelWork != nil {
		w.cancelWork()
	}
}

// Run starts the execute/poll alternation. The returned channel forwards
// every event of every execute phase and closes when the worker terminates,
// either by lifecycle cancellation or a shutdown request.
func (w *Worker) Run(ctx context.Context) <-chan core.Event {
	out := make(chan core.Event, 16)

	go func() {
		defer close(out)

		for {
			prompt, shutdown, err := w.poll(ctx)
			if err != nil {
				return // lifecycle cancellation
			}
			if shutdown {
				w.opts.Logger.Info(fmt.Sprintf("worker %s shutting down on request", w.name))
				return
			}

			w.execute(ctx, prompt, out)
		}
	}()

	return out
}

// poll blocks until the next prompt, a shutdown request or lifecycle
// cancellation. Each cycle checks sources in strict priority order; the
// first match ends the cycle.
func (w *Worker) poll(ctx context.Context) (prompt string, shutdown bool, err error) {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return "", false, err
		}

		// (a) direct caller messages
		select {
		case prompt := <-w.direct:
			return prompt, false, nil
		default:
		}

		unread, err := w.store.Unread(ctx, w.name)
		if err != nil {
			w.opts.Logger.Error(fmt.Sprintf("worker %s mailbox poll failed: %v", w.name, err))
		} else {
			// (b) shutdown requests outrank ordinary messages
			for _, entry := range unread {
				if entry.IsShutdownRequest {
					_ = w.store.MarkRead(ctx, entry.ID)
					return "", true, nil
				}
			}

			// (c) ordinary messages, coordinator sender first
			if entry, ok := pickMessage(unread, w.opts.Coordinator); ok {
				_ = w.store.MarkRead(ctx, entry.ID)
				return messagePrompt(entry), false, nil
			}

			// (d) unclaimed shared tasks
			if task, ok, err := w.store.ClaimTask(ctx, w.name); err != nil {
				w.opts.Logger.Error(fmt.Sprintf("worker %s task claim failed: %v", w.name, err))
			} else if ok {
				return task.Text, false, nil
			}
		}

		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-ticker.C:
		}
	}
}

func pickMessage(unread []Entry, coordinator string) (Entry, bool) {
	for _, entry := range unread {
		if entry.From == coordinator {
			return entry, true
		}
	}
	for _, entry := range unread {
		return entry, true
	}
	return Entry{}, false
}

func messagePrompt(entry Entry) string {
	return fmt.Sprintf("Message from %s: %s", entry.From, entry.Text)
}

// execute runs one loop over the prompt, forwarding events upward. A
// work-scoped cancellation aborts only this phase.
func (w *Worker) execute(ctx context.Context, prompt string, out chan<- core.Event) {
	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.mu.Lock()
	w.cancelWork = cancel
	resume := w.convID
	w.mu.Unlock()

	events, err := w.runner.Run(workCtx, subagent.TaskRequest{
		Description: fmt.Sprintf("mailbox work for %s", w.name),
		Prompt:      prompt,
		AgentType:   w.agentType,
		Resume:      resume,
		MaxTurns:    w.opts.MaxTurns,
	}, nil)
	if err != nil {
		w.opts.Logger.Error(fmt.Sprintf("worker %s failed to start work: %v", w.name, err))
		return
	}

	for ev := range events {
		// The worker's conversation persists across phases so follow-up
		// messages keep their context.
		if ev.ConversationID != "" {
			w.mu.Lock()
			w.convID = ev.ConversationID
			w.mu.Unlock()
		}
		out <- ev
	}

	w.mu.Lock()
	w.cancelWork = nil
	w.mu.Unlock()
}
