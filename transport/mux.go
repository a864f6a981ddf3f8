package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hupe1980/agentcore/logging"
)

// DefaultCallTimeout bounds how long a request may wait for its response.
// Conversational calls routinely take minutes, so the window is generous.
const DefaultCallTimeout = 2 * time.Minute

// ErrTimeout is returned by Call when no response arrives within the
// configured window. The pending slot is released; a late response for the
// same id is dropped by the dispatcher.
var ErrTimeout = errors.New("transport: request timed out")

// ErrClosed is returned for operations on a closed connection. Outstanding
// calls fail with ErrClosed when the connection goes away underneath them.
var ErrClosed = errors.New("transport: connection closed")

// progressMethod is the notification method carrying out-of-band progress
// events keyed by work-done token.
const progressMethod = "$/progress"

// RPCError is a structured error returned by the peer in a response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// envelope is the wire frame. Discrimination rules:
//
//	id set, method empty  -> response to an outstanding request
//	id set, method set    -> server-initiated request
//	id empty, method set  -> notification
type envelope struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

type progressParams struct {
	Token string          `json:"token"`
	Value json.RawMessage `json:"value"`
}

// ProgressHandler receives the value payload of a progress notification.
type ProgressHandler func(value json.RawMessage)

// RequestHandler answers a server-initiated request. The returned value is
// marshaled into the response result; an error becomes an RPCError reply.
type RequestHandler func(ctx context.Context, method string, params json.RawMessage) (any, error)

// Options configure a Conn.
type Options struct {
	// CallTimeout bounds each Call's wait for a response.
	CallTimeout time.Duration
	// Logger receives dispatch telemetry.
	Logger logging.Logger
}

// Conn multiplexes requests, notifications and progress streams over one
// duplex byte stream using newline-delimited JSON framing.
//
// The pending-request and progress-listener maps are registered and removed
// from arbitrary concurrent goroutines; all access is mutex guarded.
type Conn struct {
	rwc  io.ReadWriteCloser
	opts Options

	writeMu sync.Mutex

	mu        sync.Mutex
	nextID    int64
	pending   map[int64]chan envelope
	progress  map[string]ProgressHandler
	onRequest RequestHandler
	closed    bool

	done chan struct{}
}

// NewConn wraps a duplex stream and starts the read loop. The caller owns the
// stream's lifetime via Close.
func NewConn(rwc io.ReadWriteCloser, optFns ...func(o *Options)) *Conn {
	opts := Options{
		CallTimeout: DefaultCallTimeout,
		Logger:      logging.NewNoOpLogger(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	c := &Conn{
		rwc:      rwc,
		opts:     opts,
		pending:  make(map[int64]chan envelope),
		progress: make(map[string]ProgressHandler),
		done:     make(chan struct{}),
	}

	go c.readLoop()

	return c
}

// Call sends a request and blocks until the matching response, context
// cancellation or timeout. Timing out releases the pending slot so a late
// response is dropped instead of leaking.
func (c *Conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.nextID++
	id := c.nextID
	ch := make(chan envelope, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	release := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	if err := c.write(envelope{ID: &id, Method: method, Params: marshalParams(params)}); err != nil {
		release()
		return nil, err
	}

	timer := time.NewTimer(c.opts.CallTimeout)
	defer timer.Stop()

	select {
	case env := <-ch:
		if env.Error != nil {
			return nil, env.Error
		}
		return env.Result, nil
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	case <-timer.C:
		release()
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, method, c.opts.CallTimeout)
	case <-c.done:
		return nil, ErrClosed
	}
}

// Notify sends a fire-and-forget notification.
func (c *Conn) Notify(method string, params any) error {
	return c.write(envelope{Method: method, Params: marshalParams(params)})
}

// Progress sends a progress notification for the given token. Used by peers
// acting as the serving side of a conversation.
func (c *Conn) Progress(token string, value any) error {
	return c.Notify(progressMethod, progressParams{Token: token, Value: marshalParams(value)})
}

// RegisterProgress routes progress notifications carrying token to handler.
func (c *Conn) RegisterProgress(token string, handler ProgressHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress[token] = handler
}

// UnregisterProgress removes the listener for token. Events for unregistered
// tokens are silently dropped.
func (c *Conn) UnregisterProgress(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.progress, token)
}

// OnRequest installs the handler for server-initiated requests. Without a
// handler the connection auto-replies with a null result so the peer is
// never left hanging.
func (c *Conn) OnRequest(handler RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRequest = handler
}

// Close tears down the connection and fails every outstanding call.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	return c.rwc.Close()
}

func (c *Conn) write(env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	if _, err := c.rwc.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	return nil
}

func (c *Conn) readLoop() {
	scanner := bufio.NewScanner(c.rwc)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			c.opts.Logger.Warn(fmt.Sprintf("dropping malformed frame: %v", err))
			continue
		}

		c.dispatch(env)
	}

	_ = c.Close()
}

// dispatch applies the discrimination rules to one inbound frame.
func (c *Conn) dispatch(env envelope) {
	switch {
	case env.ID != nil && env.Method == "":
		c.resolve(env)
	case env.ID != nil:
		go c.serveRequest(env)
	case env.Method == progressMethod:
		c.dispatchProgress(env.Params)
	default:
		c.opts.Logger.Debug(fmt.Sprintf("ignoring notification %q", env.Method))
	}
}

// resolve completes the pending call matching a response id. Unknown ids are
// dropped; the call already timed out and released its slot.
func (c *Conn) resolve(env envelope) {
	c.mu.Lock()
	ch, ok := c.pending[*env.ID]
	if ok {
		delete(c.pending, *env.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.opts.Logger.Debug(fmt.Sprintf("dropping response for unknown id %d", *env.ID))
		return
	}

	ch <- env
}

func (c *Conn) serveRequest(env envelope) {
	c.mu.Lock()
	handler := c.onRequest
	c.mu.Unlock()

	reply := envelope{ID: env.ID}

	if handler == nil {
		reply.Result = json.RawMessage("null")
	} else {
		result, err := handler(context.Background(), env.Method, env.Params)
		if err != nil {
			reply.Error = &RPCError{Code: -32000, Message: err.Error()}
		} else {
			reply.Result = marshalParams(result)
		}
	}

	if err := c.write(reply); err != nil {
		c.opts.Logger.Warn(fmt.Sprintf("failed to answer request %q: %v", env.Method, err))
	}
}

func (c *Conn) dispatchProgress(params json.RawMessage) {
	var p progressParams
	if err := json.Unmarshal(params, &p); err != nil {
		c.opts.Logger.Warn(fmt.Sprintf("dropping malformed progress params: %v", err))
		return
	}

	c.mu.Lock()
	handler, ok := c.progress[p.Token]
	c.mu.Unlock()

	if !ok {
		// The session owning this token has closed.
		return
	}

	handler(p.Value)
}

func marshalParams(params any) json.RawMessage {
	if params == nil {
		return json.RawMessage("null")
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(params)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}
