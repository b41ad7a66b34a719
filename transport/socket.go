package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/mcppool/connmgr/jsonrpc"
)

// SocketTransport dials a WebSocket server using the "mcp" subprotocol.
type SocketTransport struct {
	URL    string
	Dialer *websocket.Dialer
	Header http.Header

	// Limiter, if set, throttles outbound writes. It lives here rather
	// than in the connection state machine, since pacing belongs to the
	// wire, not to call semantics. ServerDescriptor has no rate-limit
	// field; whoever builds the transport sets it.
	Limiter *rate.Limiter
}

// Connect ignores sessionID: a socket has no server-assigned session
// identity distinct from the connection itself.
func (t *SocketTransport) Connect(ctx context.Context, sessionID string) (Connection, error) {
	if err := RejectPlaintextCredentials(t.URL, t.Header); err != nil {
		return nil, err
	}
	dialer := t.Dialer
	if dialer == nil {
		d := *websocket.DefaultDialer
		dialer = &d
	}
	dialer.Subprotocols = []string{"mcp"}

	conn, resp, err := dialer.DialContext(ctx, t.URL, t.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("socket transport: dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("socket transport: dial: %w", err)
	}
	return &socketConn{conn: conn, limiter: t.Limiter}, nil
}

type socketConn struct {
	conn    *websocket.Conn
	limiter *rate.Limiter

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *socketConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.conn.Close()
		case <-done:
		}
	}()

	messageType, data, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("socket transport: read: %w", err)
	}
	if messageType != websocket.TextMessage {
		return nil, fmt.Errorf("socket transport: unexpected message type %d", messageType)
	}
	msg, err := jsonrpc.DecodeMessage(data)
	if err != nil {
		return nil, fmt.Errorf("socket transport: decode: %w", err)
	}
	return msg, nil
}

func (c *socketConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("socket transport: rate limit: %w", err)
		}
	}

	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("socket transport: encode: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("socket transport: write: %w", err)
	}
	return nil
}

func (c *socketConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

func (c *socketConn) SessionID() string { return "" }
