package mailbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/agentcore/core"
	"github.com/hupe1980/agentcore/model"
	"github.com/hupe1980/agentcore/subagent"
	"github.com/hupe1980/agentcore/tool"
	"github.com/hupe1980/agentcore/toolexec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorker(t *testing.T, mdl model.Model, store Store) *Worker {
	t.Helper()

	registry := tool.NewRegistry()
	defs := subagent.NewDefinitions(core.AgentDefinition{
		Type:         "helper",
		Description:  "handles mailbox work",
		AllowedTools: []string{core.AllToolsWildcard},
	})
	runner := subagent.NewRunner(defs, registry, toolexec.NewEngine(registry), mdl)

	return NewWorker("alice", "helper", runner, store, func(o *WorkerOptions) {
		o.PollInterval = 10 * time.Millisecond
	})
}

func TestWorkerExecutesDirectPrompt(t *testing.T) {
	mdl := model.NewScriptedModel("m", model.TextStep("direct handled"))
	store := NewInMemoryStore()

	w := newTestWorker(t, mdl, store)
	w.Enqueue("do the thing")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := w.Run(ctx)

	var done core.Event
	for ev := range events {
		if ev.Kind == core.EventDone {
			done = ev
			cancel()
		}
	}
	assert.Equal(t, "direct handled", done.Text)
	assert.Equal(t, 1, mdl.Calls())
}

func TestWorkerShutdownBeatsOrdinaryMessage(t *testing.T) {
	mdl := model.NewScriptedModel("m", model.TextStep("never executed"))
	store := NewInMemoryStore()
	ctx := context.Background()

	// Message arrives before the shutdown request, shutdown still wins.
	require.NoError(t, store.Send(ctx, NewEntry("bob", "alice", "please help")))
	require.NoError(t, store.Send(ctx, NewShutdownRequest(CoordinatorRole, "alice")))

	w := newTestWorker(t, mdl, store)

	events := w.Run(ctx)
	for range events {
	}

	assert.Equal(t, 0, mdl.Calls())
}

func TestWorkerCoordinatorMessageFirst(t *testing.T) {
	mdl := model.NewScriptedModel("m", model.TextStep("handled"))
	store := NewInMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Send(ctx, NewEntry("bob", "alice", "low priority")))
	require.NoError(t, store.Send(ctx, NewEntry(CoordinatorRole, "alice", "high priority")))

	w := newTestWorker(t, mdl, store)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events := w.Run(runCtx)
	for ev := range events {
		if ev.Kind == core.EventDone {
			cancel()
		}
	}

	reqs := mdl.Requests()
	require.NotEmpty(t, reqs)
	prompt := reqs[0].Messages[0].Text()
	assert.Contains(t, prompt, "high priority")
	assert.Contains(t, prompt, CoordinatorRole)

	// The consumed message is marked read; the other stays queued.
	unread, err := store.Unread(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "bob", unread[0].From)
}

func TestWorkerClaimsSharedTask(t *testing.T) {
	mdl := model.NewScriptedModel("m", model.TextStep("task handled"))
	store := NewInMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.AddTask(ctx, NewTask("triage the backlog")))

	w := newTestWorker(t, mdl, store)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events := w.Run(runCtx)
	for ev := range events {
		if ev.Kind == core.EventDone {
			cancel()
		}
	}

	reqs := mdl.Requests()
	require.NotEmpty(t, reqs)
	assert.Contains(t, reqs[0].Messages[0].Text(), "triage the backlog")

	// The claimed task is gone for other workers.
	_, ok, err := store.ClaimTask(ctx, "someone-else")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWorkerLifecycleCancellation(t *testing.T) {
	mdl := model.NewScriptedModel("m")
	store := NewInMemoryStore()

	w := newTestWorker(t, mdl, store)

	ctx, cancel := context.WithCancel(context.Background())
	events := w.Run(ctx)

	cancel()

	select {
	case _, open := <-events:
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not terminate on lifecycle cancellation")
	}
}

func TestWorkerCarriesConversationAcrossPhases(t *testing.T) {
	mdl := model.NewScriptedModel("m",
		model.TextStep("first reply"),
		model.TextStep("second reply"),
	)
	store := NewInMemoryStore()

	w := newTestWorker(t, mdl, store)
	w.Enqueue("first prompt")
	w.Enqueue("second prompt")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := w.Run(ctx)

	doneCount := 0
	for ev := range events {
		if ev.Kind == core.EventDone {
			doneCount++
			if doneCount == 2 {
				cancel()
			}
		}
	}

	reqs := mdl.Requests()
	require.Len(t, reqs, 2)
	// Second phase resumes the same conversation: its request starts with
	// the first phase's history.
	assert.Contains(t, reqs[1].Messages[0].Text(), "first prompt")
}

// gateModel blocks its first call until release fires or the context is
// cancelled; later calls reply immediately. It signals via begun when the
// first call is in flight.
type gateModel struct {
	begun   chan struct{}
	release chan struct{}
	text    string

	mu    sync.Mutex
	calls int
}

func newGateModel(text string) *gateModel {
	return &gateModel{
		begun:   make(chan struct{}),
		release: make(chan struct{}),
		text:    text,
	}
}

func (m *gateModel) Generate(ctx context.Context, _ model.Request) (<-chan model.Response, <-chan error) {
	m.mu.Lock()
	m.calls++
	first := m.calls == 1
	m.mu.Unlock()

	respCh := make(chan model.Response, 1)
	errCh := make(chan error, 1)

	go func() {
		defer close(respCh)
		defer close(errCh)

		if first {
			close(m.begun)
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case <-m.release:
			}
		}

		respCh <- model.Response{
			Message:      core.NewAssistantMessage(core.TextBlock{Text: m.text}),
			FinishReason: model.FinishStop,
		}
	}()

	return respCh, errCh
}

func (m *gateModel) Info() model.Info {
	return model.Info{Name: "gate", Provider: "test", SupportsTools: true}
}

func waitTerminal(t *testing.T, terminals <-chan core.Event) core.Event {
	t.Helper()
	select {
	case ev := <-terminals:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no terminal event")
		return core.Event{}
	}
}

func collectTerminals(events <-chan core.Event) <-chan core.Event {
	terminals := make(chan core.Event, 8)
	go func() {
		defer close(terminals)
		for ev := range events {
			if ev.Terminal() {
				terminals <- ev
			}
		}
	}()
	return terminals
}

func TestWorkerCancelWorkLeavesSiblingRunning(t *testing.T) {
	store := NewInMemoryStore()

	bobMdl := newGateModel("recovered")
	registry := tool.NewRegistry()
	defs := subagent.NewDefinitions(core.AgentDefinition{
		Type:         "helper",
		Description:  "handles mailbox work",
		AllowedTools: []string{core.AllToolsWildcard},
	})
	bobRunner := subagent.NewRunner(defs, registry, toolexec.NewEngine(registry), bobMdl)
	bob := NewWorker("bob", "helper", bobRunner, store, func(o *WorkerOptions) {
		o.PollInterval = 10 * time.Millisecond
	})

	sibMdl := newGateModel("sibling done")
	sibling := newTestWorker(t, sibMdl, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bob.Enqueue("long job")
	sibling.Enqueue("sibling job")

	bobTerminals := collectTerminals(bob.Run(ctx))
	sibTerminals := collectTerminals(sibling.Run(ctx))

	// Both phases are in flight before the work-scoped cancel fires.
	<-bobMdl.begun
	<-sibMdl.begun

	bob.CancelWork()

	ev := waitTerminal(t, bobTerminals)
	assert.Equal(t, core.EventInterrupted, ev.Kind)

	// The sibling's context is untouched; it still completes its work.
	close(sibMdl.release)
	ev = waitTerminal(t, sibTerminals)
	require.Equal(t, core.EventDone, ev.Kind)
	assert.Equal(t, "sibling done", ev.Text)

	// The cancel was work-scoped: bob is back in his poll loop and picks up
	// the next prompt.
	bob.Enqueue("follow-up")
	ev = waitTerminal(t, bobTerminals)
	require.Equal(t, core.EventDone, ev.Kind)
	assert.Equal(t, "recovered", ev.Text)
}

func TestInMemoryStoreUnreadOrdering(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	older := NewEntry("bob", "alice", "older")
	older.Created = time.Now().Add(-time.Minute)
	require.NoError(t, store.Send(ctx, NewEntry("bob", "alice", "newer")))
	require.NoError(t, store.Send(ctx, older))

	unread, err := store.Unread(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, unread, 2)
	assert.Equal(t, "older", unread[0].Text)
}
