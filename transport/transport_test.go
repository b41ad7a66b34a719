package transport

import "testing"

func TestSelect(t *testing.T) {
	tests := []struct {
		name    string
		kind    Kind
		command string
		url     string
		want    Kind
		wantErr bool
	}{
		{name: "command implies stdio even with a url present", command: "foo", url: "https://x", want: KindStdio},
		{name: "command implies stdio", command: "npx", want: KindStdio},
		{name: "ws url implies socket", url: "ws://localhost:8080/mcp", want: KindSocket},
		{name: "wss url implies socket", url: "wss://localhost:8080/mcp", want: KindSocket},
		{name: "explicit streaming-http kind wins over plain url", kind: KindStreamingHTTP, url: "https://example.com/mcp", want: KindStreamingHTTP},
		{name: "plain https url defaults to sse", url: "https://example.com/mcp", want: KindSSE},
		{name: "nothing set is an error", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Select(tt.kind, tt.command, tt.url)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Select() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("Select() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHasScheme(t *testing.T) {
	tests := []struct {
		url    string
		scheme string
		want   bool
	}{
		{url: "ws://host", scheme: "ws", want: true},
		{url: "wss://host", scheme: "ws", want: false},
		{url: "ws", scheme: "ws", want: false},
		{url: "httpws://host", scheme: "ws", want: false},
	}
	for _, tt := range tests {
		if got := hasScheme(tt.url, tt.scheme); got != tt.want {
			t.Errorf("hasScheme(%q, %q) = %v, want %v", tt.url, tt.scheme, got, tt.want)
		}
	}
}
