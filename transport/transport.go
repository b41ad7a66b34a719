// Package transport implements the wire-level adapters a Connection drives:
// stdio (child process), SSE, a raw socket (WebSocket), and streaming HTTP.
// Each adapter satisfies the same narrow Connection interface so the state
// machine above it never needs to know which one it is holding.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/mcppool/connmgr/internal/util"
	"github.com/mcppool/connmgr/jsonrpc"
)

// Connection is a single open duplex channel to an MCP server: read one
// message at a time, write one message at a time, close once. Transports
// return a Connection from Connect; nothing above this package touches the
// underlying process, socket, or HTTP client directly.
type Connection interface {
	Read(ctx context.Context) (jsonrpc.Message, error)
	Write(ctx context.Context, msg jsonrpc.Message) error
	Close() error
	// SessionID returns the transport-assigned session identifier, or ""
	// for transports (stdio, SSE, socket) that have no server-assigned
	// session identity distinct from the connection itself.
	SessionID() string
}

// Transport knows how to dial one kind of wire and produce a Connection.
// sessionID, when non-empty, is a previously held streaming-HTTP session
// id the caller wants the new Connection to resume rather than start
// fresh; transports without a server-assigned session identity ignore
// it.
type Transport interface {
	Connect(ctx context.Context, sessionID string) (Connection, error)
}

// Kind names one of the four transport varieties a ServerDescriptor can
// select.
type Kind string

const (
	KindStdio         Kind = "stdio"
	KindSSE           Kind = "sse"
	KindSocket        Kind = "socket"
	KindStreamingHTTP Kind = "streaming-http"
)

// Select picks the transport a server descriptor implies: a command
// implies stdio; else a websocket-scheme URL implies socket; else an
// explicit streaming-http kind wins; else SSE, the fallback for servers
// that predate the streaming-HTTP transport.
func Select(kind Kind, command, url string) (Kind, error) {
	if command != "" {
		return KindStdio, nil
	}
	if url == "" {
		return "", fmt.Errorf("transport: cannot select a transport: no command and no url")
	}
	switch {
	case hasScheme(url, "ws"), hasScheme(url, "wss"):
		return KindSocket, nil
	case kind == KindStreamingHTTP:
		return KindStreamingHTTP, nil
	default:
		return KindSSE, nil
	}
}

func hasScheme(url, scheme string) bool {
	prefix := scheme + "://"
	return len(url) >= len(prefix) && url[:len(prefix)] == prefix
}

// RejectPlaintextCredentials refuses to dial an http:// or ws:// endpoint
// that carries an Authorization header or bearer token unless the host is
// loopback: a bearer token sent to a non-loopback plaintext endpoint is
// readable by anyone on the network path.
func RejectPlaintextCredentials(rawURL string, header http.Header) error {
	if header.Get("Authorization") == "" {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("transport: parsing url %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "https", "wss":
		return nil
	}
	if util.IsLoopback(u.Host) {
		return nil
	}
	return fmt.Errorf("transport: refusing to send credentials to %s over %s: use https/wss, or target loopback", u.Host, u.Scheme)
}
