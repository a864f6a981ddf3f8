package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hupe1980/agentcore/core"
	"github.com/hupe1980/agentcore/logging"
	"github.com/hupe1980/agentcore/model"
)

// RPC methods spoken with the remote conversation endpoint.
const (
	MethodConversationCreate = "conversation/create"
	MethodConversationTurn   = "conversation/turn"
	MethodToolInvoke         = "tool/invoke"
)

// Turn event kinds carried in progress values.
const (
	TurnEventText     = "text"
	TurnEventToolCall = "tool_call"
	TurnEventEnd      = "end"
)

type createParams struct {
	WorkDoneToken string                 `json:"workDoneToken"`
	Turns         int                    `json:"turns,omitempty"`
	Tools         []model.ToolDefinition `json:"tools,omitempty"`
	Model         string                 `json:"model,omitempty"`
	SystemPrompt  string                 `json:"systemPrompt,omitempty"`
	History       []core.Message         `json:"history,omitempty"`
}

type createResult struct {
	ConversationID string `json:"conversationId"`
}

type turnParams struct {
	WorkDoneToken  string       `json:"workDoneToken"`
	ConversationID string       `json:"conversationId"`
	Message        core.Message `json:"message"`
}

// TurnEvent is the progress value streamed while a remote turn runs. Text
// events carry either cumulative or incremental reply text; tool_call events
// announce a complete tool-use block; the end event closes the turn.
type TurnEvent struct {
	Kind         string             `json:"kind"`
	Text         string             `json:"text,omitempty"`
	Cumulative   bool               `json:"cumulative,omitempty"`
	ToolUse      *core.ToolUseBlock `json:"toolUse,omitempty"`
	FinishReason string             `json:"finishReason,omitempty"`
}

// ToolInvocation is a server-initiated tool request answered by the client's
// tool execution engine.
type ToolInvocation struct {
	Name           string          `json:"name"`
	Input          json.RawMessage `json:"input"`
	ConversationID string          `json:"conversationId"`
}

// EndpointOptions configure an Endpoint.
type EndpointOptions struct {
	// Model names the remote model for conversation creation.
	Model string
	// Turns is forwarded as the remote-side turn bound (0 means unbounded).
	Turns int
	// Logger receives per-turn telemetry.
	Logger logging.Logger
}

// Endpoint exposes one remote conversation as a model.Model. The remote side
// keeps the conversation history, so each Generate call transmits only the
// messages appended since the previous call; any earlier seed history rides
// along with conversation creation.
//
// An Endpoint serializes its turns internally, matching the one-in-flight-
// RPC-per-conversation discipline expected by loops.
type Endpoint struct {
	conn *Conn
	opts EndpointOptions

	mu             sync.Mutex
	conversationID string
	sent           int
}

// NewEndpoint creates a model.Model backed by a remote conversation on conn.
func NewEndpoint(conn *Conn, optFns ...func(o *EndpointOptions)) *Endpoint {
	opts := EndpointOptions{Logger: logging.NewNoOpLogger()}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Endpoint{conn: conn, opts: opts}
}

// ConversationID returns the remote conversation id, empty before the first turn.
func (e *Endpoint) ConversationID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conversationID
}

// Generate implements model.Model. It registers a fresh work-done token,
// sends the turn and converts the resulting progress stream into Response
// events until the end marker arrives.
func (e *Endpoint) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		e.mu.Lock()
		defer e.mu.Unlock()

		if err := e.run(ctx, req, out); err != nil {
			errCh <- err
		}
	}()

	return out, errCh
}

func (e *Endpoint) run(ctx context.Context, req model.Request, out chan<- model.Response) error {
	token := core.NewID()

	events := make(chan TurnEvent, 128)
	e.conn.RegisterProgress(token, func(value json.RawMessage) {
		var ev TurnEvent
		if err := json.Unmarshal(value, &ev); err != nil {
			e.opts.Logger.Warn(fmt.Sprintf("dropping malformed turn event: %v", err))
			return
		}
		select {
		case events <- ev:
		default:
			e.opts.Logger.Warn("turn event buffer full, dropping event")
		}
	})
	defer e.conn.UnregisterProgress(token)

	if err := e.ensureConversation(ctx, token, req); err != nil {
		return err
	}

	if len(req.Messages) == 0 {
		return fmt.Errorf("transport: empty turn request")
	}

	// Deliver only the messages appended since the last turn; the final one
	// carries the turn trigger.
	for e.sent < len(req.Messages) {
		msg := req.Messages[e.sent]
		e.sent++
		if _, err := e.conn.Call(ctx, MethodConversationTurn, turnParams{
			WorkDoneToken:  token,
			ConversationID: e.conversationID,
			Message:        msg,
		}); err != nil {
			return fmt.Errorf("turn request failed: %w", err)
		}
	}

	final, err := e.consume(ctx, events, out)
	if err != nil {
		return err
	}

	e.sent++ // account for the assistant reply the caller will append
	out <- final

	return nil
}

// ensureConversation lazily creates the remote conversation, shipping tools,
// model selection, system prompt and any pre-seeded history in one request.
func (e *Endpoint) ensureConversation(ctx context.Context, token string, req model.Request) error {
	if e.conversationID != "" {
		return nil
	}

	var history []core.Message
	if len(req.Messages) > 1 {
		history = req.Messages[:len(req.Messages)-1]
	}

	raw, err := e.conn.Call(ctx, MethodConversationCreate, createParams{
		WorkDoneToken: token,
		Turns:         e.opts.Turns,
		Tools:         req.Tools,
		Model:         e.opts.Model,
		SystemPrompt:  req.SystemPrompt,
		History:       history,
	})
	if err != nil {
		return fmt.Errorf("conversation create failed: %w", err)
	}

	var res createResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("malformed create result: %w", err)
	}
	if res.ConversationID == "" {
		return fmt.Errorf("create returned empty conversation id")
	}

	e.conversationID = res.ConversationID
	e.sent = len(history)

	return nil
}

// consume drains turn events until the end marker, forwarding text deltas and
// assembling the final assistant message.
func (e *Endpoint) consume(ctx context.Context, events <-chan TurnEvent, out chan<- model.Response) (model.Response, error) {
	var (
		text     string
		toolUses []core.ToolUseBlock
	)

	for {
		select {
		case <-ctx.Done():
			return model.Response{}, ctx.Err()
		case <-e.conn.done:
			return model.Response{}, ErrClosed
		case ev := <-events:
			switch ev.Kind {
			case TurnEventText:
				delta := ev.Text
				if ev.Cumulative {
					if len(ev.Text) <= len(text) {
						continue
					}
					delta = ev.Text[len(text):]
					text = ev.Text
				} else {
					text += ev.Text
				}
				out <- model.Response{Partial: true, Delta: delta}
			case TurnEventToolCall:
				if ev.ToolUse != nil {
					toolUses = append(toolUses, *ev.ToolUse)
				}
			case TurnEventEnd:
				blocks := make([]core.Block, 0, len(toolUses)+1)
				if text != "" {
					blocks = append(blocks, core.TextBlock{Text: text})
				}
				for _, use := range toolUses {
					blocks = append(blocks, use)
				}
				finish := ev.FinishReason
				if finish == "" {
					finish = model.FinishStop
					if len(toolUses) > 0 {
						finish = model.FinishToolUse
					}
				}
				return model.Response{
					Message:      core.Message{Role: core.RoleAssistant, Blocks: blocks},
					FinishReason: finish,
				}, nil
			default:
				e.opts.Logger.Debug(fmt.Sprintf("ignoring turn event kind %q", ev.Kind))
			}
		}
	}
}

// Info implements model.Model.
func (e *Endpoint) Info() model.Info {
	return model.Info{Name: e.opts.Model, Provider: "remote", SupportsTools: true}
}

// ServeTools wires server-initiated tool invocation requests on conn to the
// given executor. Requests for other methods receive the auto null reply.
func ServeTools(conn *Conn, execute func(ctx context.Context, inv ToolInvocation) core.ToolResultBlock) {
	conn.OnRequest(func(ctx context.Context, method string, params json.RawMessage) (any, error) {
		if method != MethodToolInvoke {
			return nil, nil
		}

		var inv ToolInvocation
		if err := json.Unmarshal(params, &inv); err != nil {
			return nil, fmt.Errorf("malformed tool invocation: %w", err)
		}

		return execute(ctx, inv), nil
	})
}
