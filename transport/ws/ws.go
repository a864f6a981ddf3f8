// Package ws connects the transport multiplexer to a remote endpoint over a
// WebSocket, exposing the socket as the byte stream transport.Conn expects.
package ws

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/coder/websocket"
	"github.com/hupe1980/agentcore/transport"
)

// Options configure dialing.
type Options struct {
	// HTTPClient overrides the client used for the handshake.
	HTTPClient *http.Client
	// HTTPHeader adds headers to the handshake request (auth tokens etc.).
	HTTPHeader http.Header
	// ConnOptions are forwarded to the multiplexer connection.
	ConnOptions []func(o *transport.Options)
}

// Dial opens a WebSocket to url and wraps it in a transport.Conn. Frames are
// newline-delimited JSON carried in text messages; message boundaries are
// irrelevant to the multiplexer, which re-frames on newlines.
func Dial(ctx context.Context, url string, optFns ...func(o *Options)) (*transport.Conn, error) {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}

	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: opts.HTTPClient,
		HTTPHeader: opts.HTTPHeader,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}

	// The stream outlives the dial context; reads and writes are bounded by
	// the multiplexer's own timeouts.
	netConn := websocket.NetConn(context.Background(), ws, websocket.MessageText)

	return transport.NewConn(wsStream{netConn, ws}, opts.ConnOptions...), nil
}

// wsStream closes the WebSocket with a proper status code instead of tearing
// the TCP stream down mid-frame.
type wsStream struct {
	io.ReadWriter
	ws *websocket.Conn
}

func (s wsStream) Close() error {
	return s.ws.Close(websocket.StatusNormalClosure, "closing")
}
