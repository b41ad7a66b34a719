package transport

import (
	"testing"

	"github.com/mcppool/connmgr/jsonrpc"
)

// TestStdioTransportRoundTrip drives a tiny shell script that echoes a
// canned initialize response back at the client, exercising the same
// newline-delimited framing a real MCP stdio server uses.
func TestStdioTransportRoundTrip(t *testing.T) {
	script := `read line
printf '{"jsonrpc":"2.0","id":1,"result":{"ok":true}}\n'
`
	tr := &StdioTransport{Command: "/bin/sh", Args: []string{"-c", script}}
	conn, err := tr.Connect(t.Context(), "")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	req := &jsonrpc.Request{ID: jsonrpc.NewID(1), Method: "ping"}
	if err := conn.Write(t.Context(), req); err != nil {
		t.Fatalf("Write: %v", err)
	}
	msg, err := conn.Read(t.Context())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	resp, ok := msg.(*jsonrpc.Response)
	if !ok {
		t.Fatalf("Read returned %T, want *jsonrpc.Response", msg)
	}
	if resp.Error != nil {
		t.Errorf("unexpected error in response: %v", resp.Error)
	}
}

func TestTrimNewline(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "hello\n", want: "hello"},
		{in: "hello\r\n", want: "hello"},
		{in: "hello", want: "hello"},
		{in: "\n", want: ""},
	}
	for _, tt := range tests {
		if got := string(trimNewline([]byte(tt.in))); got != tt.want {
			t.Errorf("trimNewline(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
