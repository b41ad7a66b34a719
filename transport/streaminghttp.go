package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mcppool/connmgr/jsonrpc"
	"github.com/mcppool/connmgr/session"
)

// StreamableHTTPTransport speaks the current streaming-HTTP transport: every
// client message is a POST that may return either a single JSON response or
// an SSE stream, and the server assigns a session id via the Mcp-Session-Id
// header on the first response, which every subsequent request echoes back.
type StreamableHTTPTransport struct {
	URL        string
	Header     http.Header
	HTTPClient *http.Client
	// MaxRetries bounds how many times a single POST is retried on a
	// transient server error before the connection gives up on it.
	MaxRetries int
}

// Connect dials a new streaming-HTTP connection. When sessionID is
// non-empty, it is supplied on the first outbound request so the server
// may resume the session rather than starting a fresh one.
func (t *StreamableHTTPTransport) Connect(ctx context.Context, sessionID string) (Connection, error) {
	if err := RejectPlaintextCredentials(t.URL, t.Header); err != nil {
		return nil, err
	}
	client := t.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	conn := &streamingHTTPConn{
		url:        t.URL,
		header:     t.Header,
		client:     client,
		maxRetries: t.MaxRetries,
		sessionID:  sessionID,
		incoming:   make(chan []byte, 64),
		done:       make(chan struct{}),
	}
	return conn, nil
}

type streamingHTTPConn struct {
	url        string
	header     http.Header
	client     *http.Client
	maxRetries int

	incoming chan []byte
	done     chan struct{}

	mu          sync.Mutex
	sessionID   string
	lastEventID string
	closeErr    error
	closeOnce   sync.Once
}

func (c *streamingHTTPConn) currentSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *streamingHTTPConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closeErr != nil {
			return nil, c.closeErr
		}
		return nil, io.EOF
	case data, ok := <-c.incoming:
		if !ok {
			return nil, io.EOF
		}
		return jsonrpc.DecodeMessage(data)
	}
}

func (c *streamingHTTPConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<uint(attempt-1)) * 250 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		err := c.postMessage(ctx, msg)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryableHTTPError(err) {
			break
		}
	}
	return fmt.Errorf("streaming http transport: write: %w", lastErr)
}

func (c *streamingHTTPConn) postMessage(ctx context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building POST request: %w", err)
	}
	if sid := c.currentSessionID(); sid != "" {
		req.Header.Set(session.HeaderName, sid)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("POST: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		status := session.ClassifyError(resp.StatusCode, string(body))
		if status != session.StatusOK {
			return session.AsError(status, "", "tools/call")
		}
		return &httpStatusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}

	if sid := session.Extract(resp); sid != "" {
		if err := session.Validate(sid); err != nil {
			return fmt.Errorf("server sent invalid session id: %w", err)
		}
		c.mu.Lock()
		if c.sessionID == "" {
			c.sessionID = sid
		}
		c.mu.Unlock()
	}

	contentType := resp.Header.Get("Content-Type")
	switch {
	case strings.Contains(contentType, "text/event-stream"):
		return scanSSEEvents(resp.Body, func(evt sseEvent) error {
			if evt.id != "" {
				c.mu.Lock()
				c.lastEventID = evt.id
				c.mu.Unlock()
			}
			select {
			case c.incoming <- []byte(evt.data):
				return nil
			case <-c.done:
				return io.EOF
			}
		})
	case strings.Contains(contentType, "application/json"):
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("reading response body: %w", err)
		}
		if len(body) == 0 {
			return nil // the server may legitimately answer a notification with no body
		}
		select {
		case c.incoming <- body:
		case <-c.done:
			return io.EOF
		}
		return nil
	default:
		return nil
	}
}

func (c *streamingHTTPConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		if sid := c.currentSessionID(); sid != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := session.Terminate(ctx, c.client, c.url, sid); err != nil {
				c.mu.Lock()
				c.closeErr = err
				c.mu.Unlock()
			}
		}
	})
	return nil
}

func (c *streamingHTTPConn) SessionID() string { return c.currentSessionID() }

type httpStatusError struct {
	code int
	body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.code, e.body)
}

func retryableHTTPError(err error) bool {
	var httpErr *httpStatusError
	if errors.As(err, &httpErr) {
		switch httpErr.code {
		case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests,
			http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
	}
	return false
}
