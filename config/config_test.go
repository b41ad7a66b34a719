package config

import (
	"strings"
	"testing"

	"github.com/mcppool/connmgr/transport"
)

const sampleYAML = `
servers:
  - name: calc
    type: stdio
    command: "./calc-server"
    args: ["--user", "{userID}"]
    env:
      API_KEY: "{apiKey}"
    customUserVars:
      userID:
        title: User ID
      apiKey:
        title: API Key
        description: Per-user API key
  - name: weather
    type: streamable-http
    url: "https://weather.example.com/mcp"
    oauth:
      issuer_url: "https://weather.example.com"
      redirect_uri: "http://localhost:8787/callback"
      scopes: ["weather:read"]
`

func TestLoadYAML(t *testing.T) {
	servers, err := LoadYAML(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("LoadYAML: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("got %d servers, want 2", len(servers))
	}
	if servers[0].Name != "calc" || servers[0].Command != "./calc-server" {
		t.Errorf("servers[0] = %+v", servers[0])
	}
	if servers[1].OAuth == nil || servers[1].OAuth.IssuerURL != "https://weather.example.com" {
		t.Errorf("servers[1].OAuth = %+v", servers[1].OAuth)
	}
}

func TestLoadYAMLRejectsDuplicateNames(t *testing.T) {
	const dup = `
servers:
  - name: calc
    type: stdio
    command: "a"
  - name: calc
    type: stdio
    command: "b"
`
	if _, err := LoadYAML(strings.NewReader(dup)); err == nil {
		t.Fatal("LoadYAML succeeded with duplicate server names, want error")
	}
}

func TestResolveTransportKind(t *testing.T) {
	tests := []struct {
		desc ServerDescriptor
		want transport.Kind
	}{
		{desc: ServerDescriptor{Type: "stdio", Command: "x"}, want: transport.KindStdio},
		{desc: ServerDescriptor{Type: "sse", URL: "https://x"}, want: transport.KindSSE},
		{desc: ServerDescriptor{Type: "websocket", URL: "wss://x"}, want: transport.KindSocket},
		{desc: ServerDescriptor{Type: "streamable-http", URL: "https://x"}, want: transport.KindStreamingHTTP},
		{desc: ServerDescriptor{URL: "wss://x"}, want: transport.KindSocket},
	}
	for _, tt := range tests {
		got, err := tt.desc.ResolveTransportKind()
		if err != nil {
			t.Fatalf("ResolveTransportKind(%+v): %v", tt.desc, err)
		}
		if got != tt.want {
			t.Errorf("ResolveTransportKind(%+v) = %v, want %v", tt.desc, got, tt.want)
		}
	}
}

func TestValidateRequiresOAuthFields(t *testing.T) {
	d := ServerDescriptor{Name: "x", Type: "streamable-http", URL: "https://x", OAuth: &OAuthConfig{}}
	if err := d.Validate(); err == nil {
		t.Fatal("Validate succeeded with incomplete oauth config, want error")
	}
}

func TestSubstituteUserVars(t *testing.T) {
	d := ServerDescriptor{
		Name:    "calc",
		Type:    "stdio",
		Command: "./calc-server",
		Args:    []string{"--user", "{userID}"},
		Env:     map[string]string{"API_KEY": "{apiKey}"},
	}
	out, err := SubstituteUserVars(d, map[string]string{"userID": "u-123", "apiKey": "secret"})
	if err != nil {
		t.Fatalf("SubstituteUserVars: %v", err)
	}
	if out.Args[1] != "u-123" {
		t.Errorf("Args[1] = %q, want u-123", out.Args[1])
	}
	if out.Env["API_KEY"] != "secret" {
		t.Errorf("Env[API_KEY] = %q, want secret", out.Env["API_KEY"])
	}
	// the original descriptor is untouched
	if d.Args[1] != "{userID}" {
		t.Errorf("original descriptor was mutated: Args[1] = %q", d.Args[1])
	}
}
