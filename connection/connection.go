// Package connection implements the per-(scope, server) connection state
// machine: one Transport Adapter plus one JSON-RPC client, with
// reconnect-with-backoff, streaming-HTTP session recovery, and an
// authorization handshake delegated to an external coordinator.
package connection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	internaljson "github.com/mcppool/connmgr/internal/json"
	"github.com/mcppool/connmgr/internal/mcpgodebug"
	"github.com/mcppool/connmgr/jsonrpc"
	"github.com/mcppool/connmgr/session"
	"github.com/mcppool/connmgr/transport"
)

// wiretrace, set via MCPCONNMGRDEBUG=wiretrace=1, logs every message this
// Connection sends and receives at debug level. Off by default: a tool
// call's arguments can carry arbitrary user data that shouldn't hit logs
// unasked.
var wiretrace = mcpgodebug.Value("wiretrace") == "1"

// State is one node of the Connection's state machine.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// EventKind names the lifecycle events a Connection emits.
type EventKind string

const (
	EventStateChange       EventKind = "state-change"
	EventOAuthRequired     EventKind = "oauth-required"
	EventOAuthHandled      EventKind = "oauth-handled"
	EventOAuthFailed       EventKind = "oauth-failed"
	EventSessionCreated    EventKind = "session-created"
	EventSessionTerminated EventKind = "session-terminated"
	EventSessionError      EventKind = "session-error"
	EventResourcesChanged  EventKind = "resources-changed"
	EventError             EventKind = "error"
)

// Event is one lifecycle notification posted to a Connection's EventSink.
type Event struct {
	Kind      EventKind
	Server    string
	Principal string
	ThreadID  string
	State     State
	Err       error
}

// Authorizer is the narrow slice of the authorization coordinator a
// Connection needs. It is defined here, not imported from oauthcoord, so
// that oauthcoord can depend on connection's exported types without a
// cycle; oauthcoord.Coordinator satisfies this interface structurally.
type Authorizer interface {
	Authorize(ctx context.Context, principal, server, serverURL string, target TokenTarget, cause error) error
}

// TokenTarget receives tokens obtained by an authorization flow.
type TokenTarget interface {
	SetAuthTokens(accessToken, refreshToken string)
}

// Options configures a new Connection.
type Options struct {
	Server      string
	ServerURL   string // used only to seed an authorization flow; may be empty for stdio
	Principal   string // "system" sentinel for process-scope
	ThreadID    string // empty for non-thread-scoped connections
	Transport   transport.Transport
	InitTimeout time.Duration // default 120s per spec; pool overrides to 30s
	Authorizer  Authorizer
	EventSink   func(Event)
	Logger      *slog.Logger
	ClientInfo  jsonrpc.Implementation
}

// Connection wraps one Transport Adapter and one JSON-RPC client for one
// server, for one scope (process, user, or thread). All state transitions
// are serialized through stateMu; the connection is its own single owner,
// per the "message passing, not callbacks into self" design.
type Connection struct {
	opts   Options
	logger *slog.Logger

	stateMu          sync.Mutex
	state            State
	reconnectRunning bool
	reconnecting     bool // true while recoverSession is re-establishing the session
	attempt          int
	lastPing         time.Time
	sessionID        string
	authTokens       struct {
		access, refresh string
	}
	serverCaps   *jsonrpc.ServerCapabilities
	instructions string
	toolCache    []*jsonrpc.Tool

	conn      transport.Connection
	connMu    sync.Mutex
	nextID    atomic.Int64
	pending   map[int64]chan *jsonrpc.Response
	pendingMu sync.Mutex
	readerWG  sync.WaitGroup
	closed    chan struct{}
}

// New constructs a Connection in the disconnected state. Call Connect to
// establish the transport.
func New(opts Options) *Connection {
	if opts.InitTimeout == 0 {
		opts.InitTimeout = 120 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("server", opts.Server, "principal", opts.Principal)
	if opts.ThreadID != "" {
		logger = logger.With("thread_id", opts.ThreadID)
	}
	return &Connection{
		opts:    opts,
		logger:  logger,
		state:   StateDisconnected,
		pending: make(map[int64]chan *jsonrpc.Response),
		closed:  make(chan struct{}),
	}
}

func (c *Connection) setState(s State) {
	c.stateMu.Lock()
	prev := c.state
	c.state = s
	c.stateMu.Unlock()
	if prev != s {
		c.logger.Debug("connection state change", "from", prev, "to", s)
		c.emit(Event{Kind: EventStateChange, State: s})
	}
}

func (c *Connection) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Connection) emit(evt Event) {
	evt.Server = c.opts.Server
	evt.Principal = c.opts.Principal
	evt.ThreadID = c.opts.ThreadID
	if c.opts.EventSink != nil {
		c.opts.EventSink(evt)
	}
}

// heldSessionID returns the session id from a prior connection attempt,
// if one is still held, so a (re)connect can ask the server to resume it.
func (c *Connection) heldSessionID() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.sessionID
}

// SetAuthTokens records tokens on the Connection. Implements TokenTarget.
// The recorded tokens are not passed to the transport: outgoing requests
// carry only the headers the transport itself was built with.
func (c *Connection) SetAuthTokens(accessToken, refreshToken string) {
	c.stateMu.Lock()
	c.authTokens.access = accessToken
	c.authTokens.refresh = refreshToken
	c.stateMu.Unlock()
}

// Connect drives the Connection to the connected state. It is idempotent
// when already connected; otherwise it tears down any prior transport,
// establishes a new one (supplying the held session id for streaming-HTTP,
// if any), and races the handshake against InitTimeout.
func (c *Connection) Connect(ctx context.Context) error {
	if c.State() == StateConnected {
		return nil
	}
	c.setState(StateConnecting)

	ctx, cancel := context.WithTimeout(ctx, c.opts.InitTimeout)
	defer cancel()

	if err := c.connectOnce(ctx); err != nil {
		if isAuthError(err) {
			authErr := c.handleAuthRequired(ctx, err)
			if authErr != nil {
				c.setState(StateError)
				c.triggerReconnect()
				return authErr
			}
			// Authorization succeeded; resume the original connect attempt.
			return c.Connect(ctx)
		}
		c.setState(StateError)
		c.triggerReconnect()
		return fmt.Errorf("connection: connect %s: %w", c.opts.Server, err)
	}

	c.stateMu.Lock()
	c.attempt = 0
	c.stateMu.Unlock()
	c.setState(StateConnected)
	return nil
}

func (c *Connection) connectOnce(ctx context.Context) error {
	c.closeTransport()
	tconn, err := c.opts.Transport.Connect(ctx, c.heldSessionID())
	if err != nil {
		return jsonrpc.NewError(jsonrpc.KindTransportFailure, c.opts.Server, "connect", err)
	}

	c.connMu.Lock()
	c.conn = tconn
	c.connMu.Unlock()

	c.readerWG.Add(1)
	go c.readLoop(tconn)

	initResult, err := c.initialize(ctx)
	if err != nil {
		c.closeTransport()
		return err
	}

	c.stateMu.Lock()
	c.serverCaps = &initResult.Capabilities
	c.instructions = initResult.Instructions
	c.stateMu.Unlock()

	if err := c.send(ctx, &jsonrpc.Notification{Method: "notifications/initialized"}); err != nil {
		c.closeTransport()
		return jsonrpc.NewError(jsonrpc.KindTransportFailure, c.opts.Server, "initialized", err)
	}

	if sid := tconn.SessionID(); sid != "" {
		if err := session.Validate(sid); err == nil {
			c.stateMu.Lock()
			c.sessionID = sid
			c.stateMu.Unlock()
			c.emit(Event{Kind: EventSessionCreated})
		}
	}
	return nil
}

func (c *Connection) initialize(ctx context.Context) (*jsonrpc.InitializeResult, error) {
	params := jsonrpc.InitializeParams{
		ProtocolVersion: jsonrpc.ProtocolVersion,
		Capabilities:    jsonrpc.ClientCapabilities{},
		ClientInfo:      c.opts.ClientInfo,
	}
	var result jsonrpc.InitializeResult
	if err := c.call(ctx, "initialize", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Disconnect tears the Connection down: on streaming-HTTP with a live
// session, terminates it explicitly first. Safe to call in any state.
func (c *Connection) Disconnect(ctx context.Context) error {
	c.stateMu.Lock()
	c.sessionID = ""
	c.stateMu.Unlock()

	// Entering the disconnected state first lets the reader treat the
	// error from the Close below as expected.
	c.setState(StateDisconnected)

	// The transport's own Close issues the session-termination DELETE
	// for streaming-HTTP; see streamingHTTPConn.Close in package transport.
	c.closeTransport()
	return nil
}

func (c *Connection) closeTransport() {
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()
	if conn != nil {
		conn.Close()
	}
	c.readerWG.Wait()
}

// IsConnected performs an active liveness probe via ping; it does not
// differentiate an authorization-failed connection from a transport-dead
// one, matching the source's "either way, not connected" treatment.
func (c *Connection) IsConnected(ctx context.Context) bool {
	if c.State() != StateConnected {
		return false
	}
	var result struct{}
	if err := c.call(ctx, "ping", jsonrpc.PingParams{}, &result); err != nil {
		return false
	}
	return c.State() == StateConnected
}

// ListTools fetches (and caches) the tool catalog. Requires the connected
// state: spec.md does not permit issuing tools/list through an error-state
// Connection.
func (c *Connection) ListTools(ctx context.Context) ([]*jsonrpc.Tool, error) {
	if c.State() != StateConnected {
		return nil, jsonrpc.NewError(jsonrpc.KindTransportFailure, c.opts.Server, "tools/list", fmt.Errorf("not connected"))
	}
	var tools []*jsonrpc.Tool
	cursor := ""
	for {
		var result jsonrpc.ListToolsResult
		if err := c.call(ctx, "tools/list", jsonrpc.ListToolsParams{Cursor: cursor}, &result); err != nil {
			return nil, err
		}
		tools = append(tools, result.Tools...)
		if result.NextCursor == "" {
			break
		}
		cursor = result.NextCursor
	}
	c.stateMu.Lock()
	c.toolCache = tools
	c.stateMu.Unlock()
	return tools, nil
}

func (c *Connection) ListResources(ctx context.Context) ([]*jsonrpc.Resource, error) {
	if c.State() != StateConnected {
		return nil, jsonrpc.NewError(jsonrpc.KindTransportFailure, c.opts.Server, "resources/list", fmt.Errorf("not connected"))
	}
	var result jsonrpc.ListResourcesResult
	if err := c.call(ctx, "resources/list", jsonrpc.ListResourcesParams{}, &result); err != nil {
		return nil, err
	}
	return result.Resources, nil
}

func (c *Connection) ListPrompts(ctx context.Context) ([]*jsonrpc.Prompt, error) {
	if c.State() != StateConnected {
		return nil, jsonrpc.NewError(jsonrpc.KindTransportFailure, c.opts.Server, "prompts/list", fmt.Errorf("not connected"))
	}
	var result jsonrpc.ListPromptsResult
	if err := c.call(ctx, "prompts/list", jsonrpc.ListPromptsParams{}, &result); err != nil {
		return nil, err
	}
	return result.Prompts, nil
}

// Call invokes a tool by name. Requires the connected state.
func (c *Connection) Call(ctx context.Context, name string, arguments any) (*jsonrpc.CallToolResult, error) {
	if c.State() != StateConnected {
		return nil, jsonrpc.NewError(jsonrpc.KindTransportFailure, c.opts.Server, "tools/call", fmt.Errorf("not connected"))
	}
	var result jsonrpc.CallToolResult
	if err := c.call(ctx, "tools/call", jsonrpc.CallToolParams{Name: name, Arguments: arguments}, &result); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.KindToolError, c.opts.Server, "tools/call", err)
	}
	return &result, nil
}

func isAuthError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "Non-200 status code (401)")
}

// handleAuthRequired drives the oauth-required handshake described in
// spec.md §4.4: emit oauth-required, await the coordinator synchronously
// (the coordinator itself serializes concurrent demands via its flow-id
// mechanism), then emit oauth-handled or oauth-failed.
func (c *Connection) handleAuthRequired(ctx context.Context, cause error) error {
	if c.opts.Authorizer == nil {
		return fmt.Errorf("connection: authorization required for %s but no Authorizer configured: %w", c.opts.Server, cause)
	}
	c.emit(Event{Kind: EventOAuthRequired, Err: cause})

	authCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	err := c.opts.Authorizer.Authorize(authCtx, c.opts.Principal, c.opts.Server, c.opts.ServerURL, c, cause)
	if err != nil {
		c.emit(Event{Kind: EventOAuthFailed, Err: err})
		return jsonrpc.NewError(jsonrpc.KindAuthorizationFailed, c.opts.Server, "authorize", err)
	}
	c.emit(Event{Kind: EventOAuthHandled})
	return nil
}

// triggerReconnect starts the bounded-retry reconnect loop unless one is
// already running. Only one reconnect loop may run per Connection (I4).
func (c *Connection) triggerReconnect() {
	c.stateMu.Lock()
	if c.reconnectRunning {
		c.stateMu.Unlock()
		return
	}
	c.reconnectRunning = true
	c.stateMu.Unlock()

	go c.reconnectLoop()
}

// reconnectLoop runs up to 3 attempts with exponential backoff
// min(1000*2^n, 30000) ms, per spec.md §4.3.
func (c *Connection) reconnectLoop() {
	defer func() {
		c.stateMu.Lock()
		c.reconnectRunning = false
		c.stateMu.Unlock()
	}()

	for n := 0; n < 3; n++ {
		select {
		case <-c.closed:
			return
		default:
		}

		backoff := time.Duration(1000*(1<<uint(n))) * time.Millisecond
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
		select {
		case <-c.closed:
			return
		case <-time.After(backoff):
		}

		c.stateMu.Lock()
		c.attempt = n + 1
		c.stateMu.Unlock()
		c.setState(StateReconnecting)

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.InitTimeout)
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		c.logger.Warn("reconnect attempt failed", "attempt", n+1, "error", err)
	}
	c.setState(StateError)
}

// recoverSession implements the session-recovery path of spec.md §4.3: on
// a terminated or expired session, clear it, close the transport, wait
// 1000ms, and reconnect to obtain a fresh one. It does not also raise the
// generic error transition — recovery is first-class.
func (c *Connection) recoverSession(status session.Status) {
	c.stateMu.Lock()
	if c.reconnecting || c.reconnectRunning {
		c.stateMu.Unlock()
		return
	}
	c.reconnecting = true
	c.sessionID = ""
	c.stateMu.Unlock()

	kind := EventSessionTerminated
	if status == session.StatusExpired {
		kind = EventSessionError
	}
	c.emit(Event{Kind: kind})

	c.closeTransport()
	time.Sleep(1000 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.InitTimeout)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		c.logger.Warn("session recovery reconnect failed", "error", err)
	}

	c.stateMu.Lock()
	c.reconnecting = false
	c.stateMu.Unlock()
}

// call issues a JSON-RPC request and blocks for its response.
func (c *Connection) call(ctx context.Context, method string, params, out any) error {
	id := c.nextID.Add(1)
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	respCh := make(chan *jsonrpc.Response, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	req := &jsonrpc.Request{ID: jsonrpc.NewID(id), Method: method, Params: raw}
	if err := c.send(ctx, req); err != nil {
		if status, ok := classifySessionError(err); ok {
			if status == session.StatusInvalid {
				c.emit(Event{Kind: EventSessionError, Err: err})
			} else {
				go c.recoverSession(status)
			}
		}
		return err
	}

	select {
	case <-ctx.Done():
		return jsonrpc.NewError(jsonrpc.KindTimeout, c.opts.Server, method, ctx.Err())
	case resp := <-respCh:
		if resp.Error != nil {
			if isAuthErrorCode(resp.Error) {
				return jsonrpc.NewError(jsonrpc.KindAuthorizationRequired, c.opts.Server, method, resp.Error)
			}
			return fmt.Errorf("%s: %w", method, resp.Error)
		}
		if out != nil {
			return unmarshalResult(resp.Result, out)
		}
		return nil
	}
}

func isAuthErrorCode(e *jsonrpc.RPCError) bool {
	return e.Code == 401 || e.Code == 403
}

func (c *Connection) send(ctx context.Context, msg jsonrpc.Message) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return jsonrpc.NewError(jsonrpc.KindTransportFailure, c.opts.Server, "send", fmt.Errorf("no active transport"))
	}
	if wiretrace {
		c.logger.Debug("wire send", "server", c.opts.Server, "message", fmt.Sprintf("%+v", msg))
	}
	return conn.Write(ctx, msg)
}

// readLoop is the Connection's single reader: it owns the transport's
// Read side for this Connection's lifetime and fans responses out to
// waiting callers, notifications out to state-machine handling.
func (c *Connection) readLoop(conn transport.Connection) {
	defer c.readerWG.Done()
	ctx := context.Background()
	for {
		msg, err := conn.Read(ctx)
		if err != nil {
			c.handleTransportError(err)
			return
		}
		if wiretrace {
			c.logger.Debug("wire recv", "server", c.opts.Server, "message", fmt.Sprintf("%+v", msg))
		}
		switch m := msg.(type) {
		case *jsonrpc.Response:
			id, convErr := strconv.ParseInt(m.ID.String(), 10, 64)
			if convErr != nil {
				continue
			}
			c.pendingMu.Lock()
			ch, ok := c.pending[id]
			c.pendingMu.Unlock()
			if ok {
				ch <- m
				continue
			}
			// An unmatched response is, by elimination, neither a
			// request nor a notification. A bare empty one is the
			// ping/keep-alive guard's target.
			if isEmptyResult(m) {
				if err := c.checkPingGuard(); err != nil {
					c.emit(Event{Kind: EventError, Err: err})
				}
			}
		case *jsonrpc.Notification:
			c.handleNotification(m)
		case *jsonrpc.Request:
			// This client never answers server-initiated requests
			// (sampling, elicitation); drop silently.
		}
	}
}

func (c *Connection) handleNotification(n *jsonrpc.Notification) {
	switch n.Method {
	case "notifications/tools/list_changed", "notifications/resources/list_changed", "notifications/prompts/list_changed":
		c.emit(Event{Kind: EventResourcesChanged})
	}
}

// isEmptyResult reports whether resp carries no error and a result body
// that is absent, null, or {}: the shape of an idle ping reply.
func isEmptyResult(resp *jsonrpc.Response) bool {
	if resp.Error != nil {
		return false
	}
	trimmed := bytes.TrimSpace(resp.Result)
	return len(trimmed) == 0 || string(trimmed) == "{}" || string(trimmed) == "null"
}

// checkPingGuard enforces the keep-alive guard against an orphan
// empty-result reply: one arriving less than five minutes after the last
// is refused, since a server using empty pings to pin the connection open
// shouldn't be able to outpace reconnect/idle logic by pinging faster
// than anything else times out.
func (c *Connection) checkPingGuard() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	now := time.Now()
	if !c.lastPing.IsZero() && now.Sub(c.lastPing) < 5*time.Minute {
		return jsonrpc.NewError(jsonrpc.KindEmptyResult, c.opts.Server, "ping", errors.New("empty result"))
	}
	c.lastPing = now
	return nil
}

// classifySessionError reports whether err is a *jsonrpc.Error of
// KindSessionError and, if so, which session.Status it implies. Shared
// between handleTransportError (read-side failures) and call (write-side
// failures from a transport like streaming-HTTP that classifies session
// errors synchronously on POST rather than on a later Read).
func classifySessionError(err error) (status session.Status, ok bool) {
	var rpcErr *jsonrpc.Error
	if !errors.As(err, &rpcErr) || rpcErr.Kind != jsonrpc.KindSessionError {
		return session.StatusOK, false
	}
	switch {
	case strings.Contains(rpcErr.Error(), "invalid"):
		return session.StatusInvalid, true
	case strings.Contains(rpcErr.Error(), "expired"):
		return session.StatusExpired, true
	default:
		return session.StatusTerminated, true
	}
}

func (c *Connection) handleTransportError(err error) {
	if c.State() == StateDisconnected {
		return // an expected read error from our own Close
	}
	c.stateMu.Lock()
	recovering := c.reconnecting
	c.stateMu.Unlock()
	if recovering {
		return // recoverSession closed this transport and is reconnecting
	}

	if status, ok := classifySessionError(err); ok {
		if status == session.StatusInvalid {
			// session_invalid surfaces to the caller rather than
			// auto-recovering.
			c.emit(Event{Kind: EventSessionError, Err: err})
			return
		}
		go c.recoverSession(status)
		return
	}

	c.emit(Event{Kind: EventError, Err: err})
	c.setState(StateError)
	c.triggerReconnect()
}

// Close tears the Connection down permanently: no further reconnect
// attempts will run.
func (c *Connection) Close(ctx context.Context) error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return c.Disconnect(ctx)
}

func marshalParams(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := internaljson.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("connection: marshaling params: %w", err)
	}
	return data, nil
}

func unmarshalResult(raw []byte, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := internaljson.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("connection: unmarshaling result: %w", err)
	}
	return nil
}
