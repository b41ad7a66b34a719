package pool

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mcppool/connmgr/config"
	"github.com/mcppool/connmgr/jsonrpc"
	"github.com/mcppool/connmgr/store"
	"github.com/mcppool/connmgr/transport"
)

// fakeDialer hands out a scripted in-memory transport for any server,
// mirroring the request/response wiring in connection/connection_test.go
// but kept local so pool tests don't depend on the connection package's
// test-only types.
type fakeDialer struct {
	mu    sync.Mutex
	dials int
}

func (d *fakeDialer) dialerFor(desc config.ServerDescriptor) (transport.Transport, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	return &scriptedTransport{}, nil
}

type scriptedTransport struct{}

func (t *scriptedTransport) Connect(ctx context.Context, sessionID string) (transport.Connection, error) {
	return &scriptedConn{out: make(chan jsonrpc.Message, 4), closed: make(chan struct{})}, nil
}

type scriptedConn struct {
	out    chan jsonrpc.Message
	mu     sync.Mutex
	once   sync.Once
	closed chan struct{}
}

func (c *scriptedConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, context.Canceled
	case m := <-c.out:
		return m, nil
	}
}

func (c *scriptedConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	req, ok := msg.(*jsonrpc.Request)
	if !ok {
		return nil
	}
	var resp *jsonrpc.Response
	switch req.Method {
	case "initialize":
		result := jsonrpc.InitializeResult{ProtocolVersion: jsonrpc.ProtocolVersion, ServerInfo: jsonrpc.Implementation{Name: "calc"}}
		raw, _ := marshal(result)
		resp = &jsonrpc.Response{ID: req.ID, Result: raw}
	case "tools/list":
		result := jsonrpc.ListToolsResult{Tools: []*jsonrpc.Tool{{Name: "add", InputSchema: map[string]any{}}}}
		raw, _ := marshal(result)
		resp = &jsonrpc.Response{ID: req.ID, Result: raw}
	case "tools/call":
		result := jsonrpc.CallToolResult{Content: []jsonrpc.Content{&jsonrpc.TextContent{Text: "3"}}}
		raw, _ := marshal(result)
		resp = &jsonrpc.Response{ID: req.ID, Result: raw}
	case "ping":
		resp = &jsonrpc.Response{ID: req.ID, Result: []byte("{}")}
	default:
		resp = &jsonrpc.Response{ID: req.ID, Result: []byte("{}")}
	}
	go func() {
		select {
		case c.out <- resp:
		case <-c.closed:
		}
	}()
	return nil
}

func (c *scriptedConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *scriptedConn) SessionID() string { return "" }

func marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func newTestManager(t *testing.T, servers []config.ServerDescriptor) (*Manager, *fakeDialer) {
	t.Helper()
	d := &fakeDialer{}
	m, err := Initialize(context.Background(), servers, Options{
		Dialer: d.dialerFor,
		Tokens: store.NewMemoryTokenStore(),
		Flows:  store.NewMemoryFlowStore(),
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return m, d
}

func calcServer() config.ServerDescriptor {
	return config.ServerDescriptor{Name: "calc", Type: "stdio", Command: "./calc-server"}
}

func TestInitializeEstablishesProcessScopeConnections(t *testing.T) {
	m, d := newTestManager(t, []config.ServerDescriptor{calcServer()})
	if _, err := m.ProcessConnection("calc"); err != nil {
		t.Fatalf("ProcessConnection: %v", err)
	}
	if d.dials != 1 {
		t.Errorf("dialer invoked %d times, want 1", d.dials)
	}
}

func TestGetThreadConnectionReturnsSameInstanceConcurrently(t *testing.T) {
	m, _ := newTestManager(t, []config.ServerDescriptor{calcServer()})

	const n = 8
	var wg sync.WaitGroup
	conns := make([]interface{}, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := m.GetThreadConnection(context.Background(), "alice", "thread-1", "calc", nil)
			if err != nil {
				t.Errorf("GetThreadConnection: %v", err)
				return
			}
			conns[i] = conn
		}(i)
	}
	wg.Wait()
	first := conns[0]
	for i, c := range conns {
		if c != first {
			t.Errorf("conns[%d] differs from conns[0]: P1 (scope uniqueness) violated", i)
		}
	}
}

func TestGetThreadConnectionDialsOnceForConcurrentFirstCreate(t *testing.T) {
	m, d := newTestManager(t, []config.ServerDescriptor{calcServer()})

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.GetThreadConnection(context.Background(), "alice", "thread-dedup", "calc", nil); err != nil {
				t.Errorf("GetThreadConnection: %v", err)
			}
		}()
	}
	wg.Wait()

	// One dial for the process-scope connection from Initialize, one more
	// for the thread-scope connection shared by all n callers.
	if d.dials != 2 {
		t.Errorf("dialer invoked %d times, want 2 (one process-scope, one thread-scope shared by all callers)", d.dials)
	}
}

func TestGetThreadConnectionSubstitutesCustomUserVars(t *testing.T) {
	m, _ := newTestManager(t, []config.ServerDescriptor{calcServer()})

	var gotArgs []string
	m.opts.Dialer = func(desc config.ServerDescriptor) (transport.Transport, error) {
		gotArgs = desc.Args
		return &scriptedTransport{}, nil
	}
	m.mu.Lock()
	withTemplate := calcServer()
	withTemplate.Args = []string{"--workspace={workspace}"}
	m.mcpConfigs["calc"] = withTemplate
	m.mu.Unlock()

	if _, err := m.GetThreadConnection(context.Background(), "alice", "thread-vars", "calc", map[string]string{"workspace": "/home/alice"}); err != nil {
		t.Fatalf("GetThreadConnection: %v", err)
	}
	if len(gotArgs) != 1 || gotArgs[0] != "--workspace=/home/alice" {
		t.Errorf("dialer saw args %v, want [--workspace=/home/alice]", gotArgs)
	}
}

func TestCallToolAdvancesActivityTimestamps(t *testing.T) {
	m, _ := newTestManager(t, []config.ServerDescriptor{calcServer()})
	ctx := context.Background()
	if _, err := m.CallTool(ctx, "alice", "thread-1", "calc", "add", map[string]any{"a": 1, "b": 2}, nil); err != nil {
		t.Fatalf("CallTool: %v", err)
	}

	m.mu.RLock()
	threadTS, ok1 := m.threadLastActivity["thread-1"]
	userTS, ok2 := m.userLastActivity["alice"]
	m.mu.RUnlock()
	if !ok1 || !ok2 {
		t.Fatal("activity timestamps not recorded")
	}
	if time.Since(threadTS) > time.Second || time.Since(userTS) > time.Second {
		t.Error("activity timestamps not advanced to near-now")
	}
}

func TestDispatchFallsBackToProcessScopeWithoutThreadID(t *testing.T) {
	m, _ := newTestManager(t, []config.ServerDescriptor{calcServer()})
	conn, err := m.GetThreadConnection(context.Background(), "alice", "", "calc", nil)
	if err != nil {
		t.Fatalf("GetThreadConnection: %v", err)
	}
	procConn, _ := m.ProcessConnection("calc")
	if conn != procConn {
		t.Error("dispatch without threadID did not fall back to the process-scope connection")
	}
}

func TestReclaimTearsDownIdleThreads(t *testing.T) {
	m, _ := newTestManager(t, []config.ServerDescriptor{calcServer()})
	m.opts.ThreadIdleAfter = time.Millisecond

	if _, err := m.GetThreadConnection(context.Background(), "alice", "thread-1", "calc", nil); err != nil {
		t.Fatalf("GetThreadConnection: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	// A second call for an unrelated thread triggers the reclamation pass.
	if _, err := m.GetThreadConnection(context.Background(), "bob", "thread-2", "calc", nil); err != nil {
		t.Fatalf("GetThreadConnection: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		m.mu.RLock()
		_, stillPresent := m.threadConnections["thread-1"]
		m.mu.RUnlock()
		if !stillPresent {
			break
		}
		select {
		case <-deadline:
			t.Fatal("idle thread-1 was not reclaimed")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestShutdownRejectsNewOperations(t *testing.T) {
	m, _ := newTestManager(t, []config.ServerDescriptor{calcServer()})
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, err := m.GetThreadConnection(context.Background(), "alice", "thread-1", "calc", nil); err == nil {
		t.Fatal("GetThreadConnection succeeded after shutdown, want error")
	}
}

func TestMapAvailableToolsNamespacesToolNames(t *testing.T) {
	m, _ := newTestManager(t, []config.ServerDescriptor{calcServer()})
	found := map[string]string{}
	m.MapAvailableTools(context.Background(), "__", false, func(qualifiedName, server string, tool *jsonrpc.Tool) {
		found[qualifiedName] = server
	})
	if found["add__calc"] != "calc" {
		t.Errorf("MapAvailableTools() = %v, want add__calc -> calc", found)
	}
}
