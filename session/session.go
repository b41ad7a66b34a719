// Package session tracks the lifecycle of a streaming-HTTP logical session:
// extracting and validating the Mcp-Session-Id header, classifying the
// errors a server can return about it, and issuing the DELETE request that
// terminates one explicitly. Stdio, SSE, and socket transports have no
// server-assigned session identity and do not use this package.
package session

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/mcppool/connmgr/jsonrpc"
)

// HeaderName is the HTTP header a streaming-HTTP server uses to assign and
// echo back a session identifier.
const HeaderName = "Mcp-Session-Id"

// Extract reads the session id header from an HTTP response, returning ""
// if absent.
func Extract(resp *http.Response) string {
	return resp.Header.Get(HeaderName)
}

// Validate reports whether id is a legal session identifier: one or more
// printable ASCII characters in the range 0x21-0x7E, per the streaming-HTTP
// transport's wire requirements. A server that sends anything else is
// treated as protocol-broken rather than silently accepted.
func Validate(id string) error {
	if id == "" {
		return fmt.Errorf("session: empty session id")
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if c < 0x21 || c > 0x7E {
			return fmt.Errorf("session: id contains non-printable-ASCII byte %#x at offset %d", c, i)
		}
	}
	return nil
}

// Status classifies what a server's response implies about a session's
// continued validity.
type Status int

const (
	// StatusOK means the response carries no indication the session is
	// in trouble.
	StatusOK Status = iota
	// StatusTerminated means the server no longer recognizes the
	// session (HTTP 404 or a "not found" body).
	StatusTerminated
	// StatusInvalid means the server rejected the session id itself
	// (HTTP 400 or a "bad request" body).
	StatusInvalid
	// StatusExpired means the server reports the session timed out.
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusTerminated:
		return "terminated"
	case StatusInvalid:
		return "invalid"
	case StatusExpired:
		return "expired"
	default:
		return "ok"
	}
}

// ClassifyError inspects an HTTP status code and response body snippet to
// decide what happened to a session. Streaming-HTTP servers do not agree on
// a single error schema, so classification falls back to substring matching
// on the body the way a tolerant HTTP client has to.
func ClassifyError(statusCode int, body string) Status {
	lower := strings.ToLower(body)
	switch {
	case statusCode == http.StatusNotFound, strings.Contains(lower, "not found"):
		return StatusTerminated
	case statusCode == http.StatusBadRequest, strings.Contains(lower, "bad request"):
		return StatusInvalid
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "expired"):
		return StatusExpired
	default:
		return StatusOK
	}
}

// AsError converts a non-OK Status into a *jsonrpc.Error scoped to server
// and tagged KindSessionError, suitable for returning from a Connection
// method.
func AsError(status Status, server, op string) *jsonrpc.Error {
	return jsonrpc.NewError(jsonrpc.KindSessionError, server, op, fmt.Errorf("session %s", status))
}

// Terminate issues the HTTP DELETE that explicitly ends a streaming-HTTP
// session, as the protocol recommends a well-behaved client do when it is
// finished rather than leaving the server to reap it on a timer. The
// DELETE targets the server URL's path suffixed with "/session", not the
// base URL itself.
func Terminate(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("session: parsing base url %q: %w", baseURL, err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/session"
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u.String(), nil)
	if err != nil {
		return fmt.Errorf("session: building DELETE request: %w", err)
	}
	req.Header.Set(HeaderName, sessionID)
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("session: DELETE request: %w", err)
	}
	defer resp.Body.Close()
	return nil
}
