// Package pool implements the three-scope Connection pool: process-scope
// Connections established at startup for every configured server,
// thread-scope Connections created lazily per (thread, server), and the
// activity-based reclamation that tears down idle thread-scope state.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mcppool/connmgr/config"
	"github.com/mcppool/connmgr/connection"
	"github.com/mcppool/connmgr/jsonrpc"
	"github.com/mcppool/connmgr/store"
	"github.com/mcppool/connmgr/transport"
)

const (
	// TThread is how long a thread-scope Connection survives without a
	// call before it is reclaimed.
	TThread = 60 * time.Minute
	// TUser is how long a user's thread-scope Connections survive
	// without any activity before the user is reclaimed wholesale.
	TUser = 15 * time.Minute

	processPrincipal = "system"
)

// DialerFor builds a transport.Transport for a (possibly per-user
// variable-substituted) ServerDescriptor. The pool never dials a
// transport directly: this indirection is what lets tests substitute a
// fake transport without touching real processes or sockets.
type DialerFor func(desc config.ServerDescriptor) (transport.Transport, error)

// Refresher performs an OAuth2 refresh-token-grant exchange on behalf of
// the pool's token store. oauthcoord.Coordinator satisfies this in
// addition to connection.Authorizer.
type Refresher interface {
	Refresh(ctx context.Context, principal, server, serverURL string, stale store.Tokens) (store.Tokens, error)
}

// Options configures a Manager.
type Options struct {
	Dialer          DialerFor
	Tokens          store.TokenStore
	Flows           store.FlowStore
	Authorizer      connection.Authorizer
	Refresher       Refresher
	Logger          *slog.Logger
	EventSink       func(connection.Event)
	ThreadIdleAfter time.Duration // default TThread
	UserIdleAfter   time.Duration // default TUser
	ClientInfo      jsonrpc.Implementation
}

// Manager is the pool's top-level facade: the process-scope connection
// table, the thread-scope table, and the activity indexes that drive
// reclamation, matching spec.md's Pool State exactly.
type Manager struct {
	opts   Options
	logger *slog.Logger

	mu                 sync.RWMutex
	mcpConfigs         map[string]config.ServerDescriptor
	serverInstructions map[string]string
	processConnections map[string]*connection.Connection
	threadConnections  map[string]map[string]*connection.Connection
	threadLastActivity map[string]time.Time
	userLastActivity   map[string]time.Time
	userThreads        map[string]map[string]bool

	creatingMu sync.Mutex
	creating   map[string]*inFlightCreate

	shutdownMu sync.Mutex
	shutdown   bool
}

// inFlightCreate lets concurrent GetThreadConnection calls for the same
// (threadID, server) that has no Connection yet attach to the single
// creation already underway instead of each independently dialing.
type inFlightCreate struct {
	done chan struct{}
	conn *connection.Connection
	err  error
}

// Initialize builds a Manager and establishes a process-scope Connection
// for every server in servers, matching spec.md §6's
// initializeMCP(servers, flowManager, tokenMethods) library entry point.
func Initialize(ctx context.Context, servers []config.ServerDescriptor, opts Options) (*Manager, error) {
	if opts.Dialer == nil {
		return nil, fmt.Errorf("pool: Options.Dialer is required")
	}
	if opts.ThreadIdleAfter == 0 {
		opts.ThreadIdleAfter = TThread
	}
	if opts.UserIdleAfter == 0 {
		opts.UserIdleAfter = TUser
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		opts:               opts,
		logger:             logger,
		mcpConfigs:         make(map[string]config.ServerDescriptor, len(servers)),
		serverInstructions: make(map[string]string),
		processConnections: make(map[string]*connection.Connection, len(servers)),
		threadConnections:  make(map[string]map[string]*connection.Connection),
		threadLastActivity: make(map[string]time.Time),
		userLastActivity:   make(map[string]time.Time),
		userThreads:        make(map[string]map[string]bool),
		creating:           make(map[string]*inFlightCreate),
	}

	for _, desc := range servers {
		if err := desc.Validate(); err != nil {
			return nil, err
		}
		m.mcpConfigs[desc.Name] = desc
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	var firstErr error
	for _, desc := range servers {
		wg.Add(1)
		go func(desc config.ServerDescriptor) {
			defer wg.Done()
			conn, err := m.newConnection(desc, processPrincipal, "")
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("pool: starting %s: %w", desc.Name, err)
				}
				mu.Unlock()
				return
			}
			if err := initializeWithRetry(ctx, conn, desc); err != nil {
				logger.Error("process-scope connection failed to initialize", "server", desc.Name, "error", err)
				return
			}
			mu.Lock()
			m.processConnections[desc.Name] = conn
			if desc.ServerInstructions != nil && desc.ServerInstructions.Enabled {
				instr := desc.ServerInstructions.Override
				m.serverInstructions[desc.Name] = instr
			}
			mu.Unlock()
		}(desc)
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return m, nil
}

// initializeWithRetry implements initializeServer's bounded retry loop:
// up to 3 attempts, 2000*n ms between attempts. An authorization error is
// not retried at this level — the Connection's own coordinator handshake
// already handled it by the time Connect returns.
func initializeWithRetry(ctx context.Context, conn *connection.Connection, desc config.ServerDescriptor) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(2000*attempt) * time.Millisecond):
			}
		}
		connectCtx, cancel := context.WithTimeout(ctx, desc.InitTimeout())
		err = conn.Connect(connectCtx)
		cancel()
		if err == nil {
			return nil
		}
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) && rpcErr.Kind == jsonrpc.KindAuthorizationFailed {
			return err
		}
	}
	return err
}

func (m *Manager) newConnection(desc config.ServerDescriptor, principal, threadID string) (*connection.Connection, error) {
	tr, err := m.opts.Dialer(desc)
	if err != nil {
		return nil, jsonrpc.NewError(jsonrpc.KindConfiguration, desc.Name, "dial", err)
	}
	initTimeout := desc.InitTimeout()
	if desc.InitTimeoutMS <= 0 {
		initTimeout = 30 * time.Second
	}
	conn := connection.New(connection.Options{
		Server:      desc.Name,
		ServerURL:   desc.URL,
		Principal:   principal,
		ThreadID:    threadID,
		Transport:   tr,
		InitTimeout: initTimeout,
		Authorizer:  m.opts.Authorizer,
		EventSink:   m.opts.EventSink,
		Logger:      m.logger,
		ClientInfo:  m.opts.ClientInfo,
	})
	if desc.OAuth != nil && m.opts.Tokens != nil {
		refresh := m.refreshFunc(principal, desc.Name, desc.URL)
		if tokens, ok, err := m.opts.Tokens.FindToken(context.Background(), principal, desc.Name, refresh); err == nil && ok {
			conn.SetAuthTokens(tokens.AccessToken, tokens.RefreshToken)
		}
	}
	return conn, nil
}

// refreshFunc closes over (principal, server) so the token store can
// trigger a refresh-token-grant exchange without knowing about the
// authorization coordinator itself. Returns nil when no Refresher is
// configured, which MemoryTokenStore treats as "cannot refresh, return
// the stale token as-is".
func (m *Manager) refreshFunc(principal, server, serverURL string) store.RefreshFunc {
	if m.opts.Refresher == nil {
		return nil
	}
	return func(ctx context.Context, stale store.Tokens) (store.Tokens, error) {
		return m.opts.Refresher.Refresh(ctx, principal, server, serverURL, stale)
	}
}

// GetThreadConnection implements getThreadConnection: dispatch rule plus
// lazy creation, per spec.md §4.5 (P1). customUserVars, when non-nil, is
// substituted into the server's descriptor (command, args, env, URL,
// headers) before a new thread-scope Connection is dialed; it has no
// effect when an existing Connection is returned.
func (m *Manager) GetThreadConnection(ctx context.Context, userID, threadID, server string, customUserVars map[string]string) (*connection.Connection, error) {
	if m.isShutdown() {
		return nil, jsonrpc.NewError(jsonrpc.KindShutdown, server, "get-thread-connection", fmt.Errorf("pool is shut down"))
	}
	m.reclaim(userID)

	if userID != "" && threadID == "" {
		return m.ProcessConnection(server)
	}
	if userID == "" || threadID == "" {
		return m.ProcessConnection(server)
	}

	if conn, ok := m.existingThreadConnection(userID, threadID, server); ok {
		return conn, nil
	}
	return m.createThreadConnection(ctx, userID, threadID, server, customUserVars)
}

func (m *Manager) existingThreadConnection(userID, threadID, server string) (*connection.Connection, bool) {
	m.mu.Lock()
	conn, ok := m.threadConnections[threadID][server]
	lastActivity, hasActivity := m.threadLastActivity[threadID]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	stale := hasActivity && time.Since(lastActivity) > m.opts.ThreadIdleAfter
	if stale {
		m.disconnectThreadConnections(threadID)
		return nil, false
	}
	if !conn.IsConnected(context.Background()) {
		m.removeThreadConnection(threadID, server)
		return nil, false
	}
	m.touchActivity(userID, threadID)
	return conn, true
}

// createThreadConnection serializes concurrent creation attempts for the
// same (threadID, server) through m.creating: the first caller does the
// work, every other caller that arrives before it finishes waits for and
// shares its result. Without this, concurrent GetThreadConnection calls
// for a brand-new thread+server each dial, connect, and store their own
// Connection independently, and only the last write to threadConnections
// survives — violating the guarantee that a given (thread, server) names
// exactly one live Connection.
func (m *Manager) createThreadConnection(ctx context.Context, userID, threadID, server string, customUserVars map[string]string) (*connection.Connection, error) {
	key := threadID + "\x00" + server

	m.creatingMu.Lock()
	if inFlight, ok := m.creating[key]; ok {
		m.creatingMu.Unlock()
		return waitForCreate(ctx, inFlight)
	}
	inFlight := &inFlightCreate{done: make(chan struct{})}
	m.creating[key] = inFlight
	m.creatingMu.Unlock()

	conn, err := m.doCreateThreadConnection(ctx, userID, threadID, server, customUserVars)

	m.creatingMu.Lock()
	inFlight.conn, inFlight.err = conn, err
	close(inFlight.done)
	delete(m.creating, key)
	m.creatingMu.Unlock()

	return conn, err
}

// waitForCreate blocks until the in-flight creation f completes or ctx is
// canceled, whichever comes first.
func waitForCreate(ctx context.Context, f *inFlightCreate) (*connection.Connection, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		return f.conn, f.err
	}
}

func (m *Manager) doCreateThreadConnection(ctx context.Context, userID, threadID, server string, customUserVars map[string]string) (*connection.Connection, error) {
	m.mu.RLock()
	desc, ok := m.mcpConfigs[server]
	m.mu.RUnlock()
	if !ok {
		return nil, jsonrpc.NewError(jsonrpc.KindConfiguration, server, "get-thread-connection", fmt.Errorf("unknown server %q", server))
	}

	if len(customUserVars) > 0 {
		substituted, err := config.SubstituteUserVars(desc, customUserVars)
		if err != nil {
			return nil, fmt.Errorf("pool: substituting user vars for %s/%s: %w", userID, server, err)
		}
		desc = substituted
	}

	flowID := userID + "\x00" + server
	tokensState, err := m.opts.Flows.CreateFlowWithHandler(ctx, flowID, "mcp_get_tokens", func(ctx context.Context) (store.Tokens, error) {
		if m.opts.Tokens == nil {
			return store.Tokens{}, nil
		}
		tok, _, err := m.opts.Tokens.FindToken(ctx, userID, server, m.refreshFunc(userID, server, desc.URL))
		return tok, err
	})
	if err != nil {
		return nil, fmt.Errorf("pool: loading tokens for %s/%s: %w", userID, server, err)
	}

	conn, err := m.newConnection(desc, userID, threadID)
	if err != nil {
		return nil, err
	}
	if tokensState.Tokens.AccessToken != "" {
		conn.SetAuthTokens(tokensState.Tokens.AccessToken, tokensState.Tokens.RefreshToken)
	}

	connectCtx, cancel := context.WithTimeout(ctx, desc.InitTimeout())
	defer cancel()
	if err := conn.Connect(connectCtx); err != nil {
		conn.Disconnect(context.Background())
		return nil, err
	}

	m.mu.Lock()
	if _, ok := m.threadConnections[threadID]; !ok {
		m.threadConnections[threadID] = make(map[string]*connection.Connection)
	}
	m.threadConnections[threadID][server] = conn
	if _, ok := m.userThreads[userID]; !ok {
		m.userThreads[userID] = make(map[string]bool)
	}
	m.userThreads[userID][threadID] = true
	now := time.Now()
	m.threadLastActivity[threadID] = now
	m.userLastActivity[userID] = now
	m.mu.Unlock()

	return conn, nil
}

func (m *Manager) isShutdown() bool {
	m.shutdownMu.Lock()
	defer m.shutdownMu.Unlock()
	return m.shutdown
}

func (m *Manager) touchActivity(userID, threadID string) {
	m.mu.Lock()
	now := time.Now()
	m.threadLastActivity[threadID] = now
	m.userLastActivity[userID] = now
	m.mu.Unlock()
}

// ProcessConnection returns the process-scope Connection for server.
func (m *Manager) ProcessConnection(server string) (*connection.Connection, error) {
	m.mu.RLock()
	conn, ok := m.processConnections[server]
	m.mu.RUnlock()
	if !ok {
		return nil, jsonrpc.NewError(jsonrpc.KindConfiguration, server, "process-connection", fmt.Errorf("no process-scope connection for %q", server))
	}
	return conn, nil
}

// CallTool dispatches a tool call to the appropriate scope and advances
// both activity timestamps on success (P2).
func (m *Manager) CallTool(ctx context.Context, userID, threadID, server, tool string, args any, customUserVars map[string]string) (*jsonrpc.CallToolResult, error) {
	conn, err := m.GetThreadConnection(ctx, userID, threadID, server, customUserVars)
	if err != nil {
		return nil, err
	}
	result, err := conn.Call(ctx, tool, args)
	if err != nil {
		return nil, err
	}
	if userID != "" && threadID != "" {
		m.touchActivity(userID, threadID)
	}
	return result, nil
}

func (m *Manager) removeThreadConnection(threadID, server string) {
	m.mu.Lock()
	delete(m.threadConnections[threadID], server)
	if len(m.threadConnections[threadID]) == 0 {
		delete(m.threadConnections, threadID)
	}
	m.mu.Unlock()
}

// disconnectThreadConnections tears down every server Connection for one
// thread, fire-and-forget.
func (m *Manager) disconnectThreadConnections(threadID string) {
	m.mu.Lock()
	conns := m.threadConnections[threadID]
	delete(m.threadConnections, threadID)
	delete(m.threadLastActivity, threadID)
	for userID, threads := range m.userThreads {
		delete(threads, threadID)
		if len(threads) == 0 {
			delete(m.userThreads, userID)
		}
	}
	m.mu.Unlock()

	for server, conn := range conns {
		go func(server string, conn *connection.Connection) {
			if err := conn.Disconnect(context.Background()); err != nil {
				m.logger.Warn("error disconnecting reclaimed thread connection", "server", server, "thread_id", threadID, "error", err)
			}
		}(server, conn)
	}
}

// disconnectUserThreads tears down every thread owned by userID.
func (m *Manager) disconnectUserThreads(userID string) {
	m.mu.Lock()
	threads := make([]string, 0, len(m.userThreads[userID]))
	for t := range m.userThreads[userID] {
		threads = append(threads, t)
	}
	delete(m.userThreads, userID)
	delete(m.userLastActivity, userID)
	m.mu.Unlock()

	for _, threadID := range threads {
		m.disconnectThreadConnections(threadID)
	}
}

// reclaim runs the activity-based reclamation pass described in
// spec.md §4.5, skipping activeUserID (the user driving the current
// call, if any) so it is never reclaimed out from under itself.
func (m *Manager) reclaim(activeUserID string) {
	now := time.Now()

	m.mu.RLock()
	staleThreads := make([]string, 0)
	for threadID, last := range m.threadLastActivity {
		if now.Sub(last) > m.opts.ThreadIdleAfter {
			staleThreads = append(staleThreads, threadID)
		}
	}
	staleUsers := make([]string, 0)
	for userID, last := range m.userLastActivity {
		if userID == activeUserID {
			continue
		}
		if now.Sub(last) > m.opts.UserIdleAfter {
			staleUsers = append(staleUsers, userID)
		}
	}
	m.mu.RUnlock()

	for _, threadID := range staleThreads {
		go m.disconnectThreadConnections(threadID)
	}
	for _, userID := range staleUsers {
		go m.disconnectUserThreads(userID)
	}
}

// Shutdown implements disconnectAll: tear down every thread scope and
// disconnect every process-scope Connection, concurrently, then clear the
// connection tables and activity indexes. Failures are logged, not
// propagated.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdownMu.Lock()
	m.shutdown = true
	m.shutdownMu.Unlock()

	m.mu.Lock()
	threadIDs := make([]string, 0, len(m.threadConnections))
	for t := range m.threadConnections {
		threadIDs = append(threadIDs, t)
	}
	processConns := make(map[string]*connection.Connection, len(m.processConnections))
	for s, c := range m.processConnections {
		processConns[s] = c
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, threadID := range threadIDs {
		wg.Add(1)
		go func(threadID string) {
			defer wg.Done()
			m.disconnectThreadConnections(threadID)
		}(threadID)
	}
	for server, conn := range processConns {
		wg.Add(1)
		go func(server string, conn *connection.Connection) {
			defer wg.Done()
			if err := conn.Disconnect(ctx); err != nil {
				m.logger.Warn("error disconnecting process-scope connection", "server", server, "error", err)
			}
		}(server, conn)
	}
	wg.Wait()

	m.mu.Lock()
	m.threadConnections = make(map[string]map[string]*connection.Connection)
	m.threadLastActivity = make(map[string]time.Time)
	m.userLastActivity = make(map[string]time.Time)
	m.userThreads = make(map[string]map[string]bool)
	m.processConnections = make(map[string]*connection.Connection)
	m.mu.Unlock()

	return nil
}

// ToolSink receives one namespaced tool during MapAvailableTools or
// LoadManifestTools.
type ToolSink func(qualifiedName, server string, tool *jsonrpc.Tool)

// MapAvailableTools iterates every process-scope Connection, optionally
// reconnecting unhealthy ones, and projects each server's tool catalog
// into delim-namespaced names via sink. Individual server failures are
// logged and do not abort the sweep.
func (m *Manager) MapAvailableTools(ctx context.Context, delim string, reconnectUnhealthy bool, sink ToolSink) {
	if delim == "" {
		delim = "__"
	}
	m.mu.RLock()
	servers := make([]string, 0, len(m.processConnections))
	for s := range m.processConnections {
		servers = append(servers, s)
	}
	m.mu.RUnlock()
	sort.Strings(servers)

	for _, server := range servers {
		conn, err := m.ProcessConnection(server)
		if err != nil {
			continue
		}
		if reconnectUnhealthy && !conn.IsConnected(ctx) {
			if err := conn.Connect(ctx); err != nil {
				m.logger.Warn("mapAvailableTools: reconnect failed", "server", server, "error", err)
				continue
			}
		}
		tools, err := conn.ListTools(ctx)
		if err != nil {
			m.logger.Warn("mapAvailableTools: listing tools failed", "server", server, "error", err)
			continue
		}
		for _, tool := range tools {
			sink(tool.Name+delim+server, server, tool)
		}
	}
}

// LoadManifestTools is an alias surface for MapAvailableTools matching
// spec.md's loadManifestTools name, provided for callers that load a
// static manifest of tools rather than streaming them one at a time.
func (m *Manager) LoadManifestTools(ctx context.Context, delim string) map[string]*jsonrpc.Tool {
	out := make(map[string]*jsonrpc.Tool)
	m.MapAvailableTools(ctx, delim, true, func(qualifiedName, server string, tool *jsonrpc.Tool) {
		out[qualifiedName] = tool
	})
	return out
}
