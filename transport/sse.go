package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/mcppool/connmgr/jsonrpc"
)

// SSEClientTransport speaks the older two-endpoint SSE transport: a GET
// request opens a long-lived event stream carrying server-to-client
// messages, and each client-to-server message is a separate POST. Kept
// alongside the newer streaming-HTTP transport for servers that have not
// migrated off it yet.
type SSEClientTransport struct {
	URL    string
	Header http.Header
	Client *http.Client
}

// Connect ignores sessionID: the older SSE transport has no
// server-assigned session identity distinct from the stream itself.
func (t *SSEClientTransport) Connect(ctx context.Context, sessionID string) (Connection, error) {
	if err := RejectPlaintextCredentials(t.URL, t.Header); err != nil {
		return nil, err
	}
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("sse transport: building GET request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, vs := range t.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sse transport: GET: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("sse transport: GET returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	conn := &sseConn{
		postURL: t.URL,
		header:  t.Header,
		client:  client,
		resp:    resp,
		msgs:    make(chan []byte, 16),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
	}
	go conn.pump()
	return conn, nil
}

type sseEvent struct {
	id   string
	data string
}

func scanSSEEvents(r io.Reader, onEvent func(sseEvent) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var cur sseEvent
	var data strings.Builder
	flush := func() error {
		if data.Len() == 0 {
			return nil
		}
		cur.data = data.String()
		err := onEvent(cur)
		cur = sseEvent{}
		data.Reset()
		return err
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, "id:"):
			cur.id = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, "event:"), strings.HasPrefix(line, ":"):
			// Event-type and comment lines carry nothing this client acts on.
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return flush()
}

type sseConn struct {
	postURL string
	header  http.Header
	client  *http.Client
	resp    *http.Response

	msgs chan []byte
	errs chan error
	done chan struct{}

	mu          sync.Mutex
	lastEventID string
	closeOnce   sync.Once
}

func (c *sseConn) pump() {
	err := scanSSEEvents(c.resp.Body, func(evt sseEvent) error {
		if evt.id != "" {
			c.mu.Lock()
			c.lastEventID = evt.id
			c.mu.Unlock()
		}
		select {
		case c.msgs <- []byte(evt.data):
			return nil
		case <-c.done:
			return io.EOF
		}
	})
	if err != nil && err != io.EOF {
		select {
		case c.errs <- err:
		default:
		}
	}
	close(c.msgs)
}

func (c *sseConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-c.errs:
		return nil, fmt.Errorf("sse transport: stream: %w", err)
	case data, ok := <-c.msgs:
		if !ok {
			return nil, io.EOF
		}
		msg, err := jsonrpc.DecodeMessage(data)
		if err != nil {
			return nil, fmt.Errorf("sse transport: decode: %w", err)
		}
		return msg, nil
	}
}

func (c *sseConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("sse transport: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.postURL, strings.NewReader(string(data)))
	if err != nil {
		return fmt.Errorf("sse transport: building POST request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("sse transport: POST: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("sse transport: POST returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (c *sseConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.resp.Body.Close()
	})
	return nil
}

func (c *sseConn) SessionID() string { return "" }
