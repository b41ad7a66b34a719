package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the MCP protocol revision this client requests in
// initialize. Servers may reply with another revision; Connection.Connect
// does not check the revision the server returns.
const ProtocolVersion = "2025-06-18"

// Implementation identifies either end of a session: the client
// (this connection manager) or the remote server.
type Implementation struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// ClientCapabilities is sent with initialize. This client does not
// implement sampling, elicitation, or roots, so it advertises none of them.
type ClientCapabilities struct {
	Experimental map[string]any `json:"experimental,omitempty"`
}

// ServerCapabilities is the capability set a server reports back from
// initialize. Only the subset this client acts on is parsed; other
// top-level capabilities are dropped on decode.
type ServerCapabilities struct {
	Experimental map[string]any     `json:"experimental,omitempty"`
	Logging      map[string]any     `json:"logging,omitempty"`
	Prompts      *PromptCapability  `json:"prompts,omitempty"`
	Resources    *ResourceCapability `json:"resources,omitempty"`
	Tools        *ToolCapability    `json:"tools,omitempty"`
}

type PromptCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type ResourceCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
	Subscribe   bool `json:"subscribe,omitempty"`
}

type ToolCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// InitializeParams is sent as the first request on every new connection.
type InitializeParams struct {
	ProtocolVersion string              `json:"protocolVersion"`
	Capabilities    ClientCapabilities  `json:"capabilities"`
	ClientInfo      Implementation      `json:"clientInfo"`
}

// InitializeResult is the server's answer. ProtocolVersion may differ from
// what was requested; Connection.Connect accepts any value.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// InitializedParams accompanies the "notifications/initialized" notification
// that completes the handshake. It carries no fields.
type InitializedParams struct{}

// PingParams is sent as a liveness probe and carries no fields.
type PingParams struct{}

// ListToolsParams requests the tool catalog, optionally resuming from Cursor.
type ListToolsParams struct {
	Cursor string `json:"cursor,omitempty"`
}

type ListToolsResult struct {
	Tools      []*Tool `json:"tools"`
	NextCursor string  `json:"nextCursor,omitempty"`
}

// Tool describes one callable tool as advertised by a server.
type Tool struct {
	Name         string           `json:"name"`
	Title        string           `json:"title,omitempty"`
	Description  string           `json:"description,omitempty"`
	InputSchema  any              `json:"inputSchema"`
	OutputSchema any              `json:"outputSchema,omitempty"`
	Annotations  *ToolAnnotations `json:"annotations,omitempty"`
}

// ToolAnnotations are hints only; a server is free to lie, so callers must
// not make authorization decisions based on them.
type ToolAnnotations struct {
	Title           string `json:"title,omitempty"`
	ReadOnlyHint    bool   `json:"readOnlyHint,omitempty"`
	DestructiveHint *bool  `json:"destructiveHint,omitempty"`
	IdempotentHint  bool   `json:"idempotentHint,omitempty"`
	OpenWorldHint   *bool  `json:"openWorldHint,omitempty"`
}

// CallToolParams invokes a named tool with arbitrary JSON-marshalable
// arguments.
type CallToolParams struct {
	Name      string `json:"name"`
	Arguments any    `json:"arguments,omitempty"`
}

// CallToolResult is the server's response to a tool call. Content carries
// the unstructured result; IsError reports a tool-level (not protocol-level)
// failure, per the distinction the protocol draws between the two.
type CallToolResult struct {
	Content           []Content `json:"content"`
	StructuredContent any       `json:"structuredContent,omitempty"`
	IsError           bool      `json:"isError,omitempty"`
}

func (r CallToolResult) MarshalJSON() ([]byte, error) {
	wire := struct {
		Content           []wireContent `json:"content"`
		StructuredContent any           `json:"structuredContent,omitempty"`
		IsError           bool          `json:"isError,omitempty"`
	}{
		Content:           make([]wireContent, len(r.Content)),
		StructuredContent: r.StructuredContent,
		IsError:           r.IsError,
	}
	for i, c := range r.Content {
		wire.Content[i] = encodeContent(c)
	}
	return json.Marshal(wire)
}

func encodeContent(c Content) wireContent {
	switch v := c.(type) {
	case *TextContent:
		return wireContent{Type: "text", Text: v.Text}
	case *ImageContent:
		return wireContent{Type: "image", Data: v.Data, MIMEType: v.MIMEType}
	case *EmbeddedResource:
		return wireContent{Type: "resource", Resource: &wireContentInner{URI: v.URI, MIMEType: v.MIMEType, Text: v.Text, Blob: v.Blob}}
	case *ResourceLink:
		return wireContent{Type: "resource_link", URI: v.URI, Name: v.Name, Descr: v.Description, MIMEType: v.MIMEType}
	default:
		return wireContent{}
	}
}

func (r *CallToolResult) UnmarshalJSON(data []byte) error {
	var wire struct {
		Content           []json.RawMessage `json:"content"`
		StructuredContent any               `json:"structuredContent,omitempty"`
		IsError           bool              `json:"isError,omitempty"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	content, err := decodeContentList(wire.Content)
	if err != nil {
		return fmt.Errorf("jsonrpc: decoding CallToolResult.content: %w", err)
	}
	r.Content = content
	r.StructuredContent = wire.StructuredContent
	r.IsError = wire.IsError
	return nil
}

// ListResourcesParams requests the resource catalog.
type ListResourcesParams struct {
	Cursor string `json:"cursor,omitempty"`
}

type ListResourcesResult struct {
	Resources  []*Resource `json:"resources"`
	NextCursor string      `json:"nextCursor,omitempty"`
}

// Resource describes one resource a server exposes for reading.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// ListPromptsParams requests the prompt catalog.
type ListPromptsParams struct {
	Cursor string `json:"cursor,omitempty"`
}

type ListPromptsResult struct {
	Prompts    []*Prompt `json:"prompts"`
	NextCursor string    `json:"nextCursor,omitempty"`
}

// Prompt describes a reusable prompt template a server exposes.
type Prompt struct {
	Name        string            `json:"name"`
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	Arguments   []*PromptArgument `json:"arguments,omitempty"`
}

type PromptArgument struct {
	Name        string `json:"name"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Content is the union of result content a server can return: TextContent,
// ImageContent, EmbeddedResource, or ResourceLink. Sampling- and elicitation-only variants
// (ToolUseContent, ToolResultContent) are omitted: this client never
// initiates sampling and so never needs to decode them.
type Content interface {
	contentType() string
}

type TextContent struct {
	Text string `json:"text"`
}

func (*TextContent) contentType() string { return "text" }

type ImageContent struct {
	Data     []byte `json:"data"`
	MIMEType string `json:"mimeType"`
}

func (*ImageContent) contentType() string { return "image" }

// EmbeddedResource carries the full contents of a resource inline, as
// opposed to a ResourceLink which only points at one.
type EmbeddedResource struct {
	URI      string `json:"uri"`
	MIMEType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     []byte `json:"blob,omitempty"`
}

func (*EmbeddedResource) contentType() string { return "resource" }

// ResourceLink points at a resource the tool result references without
// inlining it.
type ResourceLink struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
}

func (*ResourceLink) contentType() string { return "resource_link" }

// wireContent is the on-the-wire shape shared by every Content variant; the
// Type field selects which Go type to decode into.
type wireContent struct {
	Type     string           `json:"type"`
	Text     string           `json:"text,omitempty"`
	MIMEType string           `json:"mimeType,omitempty"`
	Data     []byte           `json:"data,omitempty"`
	URI      string           `json:"uri,omitempty"`
	Name     string           `json:"name,omitempty"`
	Descr    string           `json:"description,omitempty"`
	Resource *wireContentInner `json:"resource,omitempty"`
}

type wireContentInner struct {
	URI      string `json:"uri"`
	MIMEType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     []byte `json:"blob,omitempty"`
}

func decodeContentList(raw []json.RawMessage) ([]Content, error) {
	out := make([]Content, 0, len(raw))
	for i, item := range raw {
		var wc wireContent
		if err := json.Unmarshal(item, &wc); err != nil {
			return nil, fmt.Errorf("content[%d]: %w", i, err)
		}
		switch wc.Type {
		case "text":
			out = append(out, &TextContent{Text: wc.Text})
		case "image":
			out = append(out, &ImageContent{Data: wc.Data, MIMEType: wc.MIMEType})
		case "resource":
			if wc.Resource == nil {
				return nil, fmt.Errorf("content[%d]: resource content missing resource field", i)
			}
			out = append(out, &EmbeddedResource{
				URI:      wc.Resource.URI,
				MIMEType: wc.Resource.MIMEType,
				Text:     wc.Resource.Text,
				Blob:     wc.Resource.Blob,
			})
		case "resource_link":
			out = append(out, &ResourceLink{URI: wc.URI, Name: wc.Name, Description: wc.Descr, MIMEType: wc.MIMEType})
		default:
			return nil, fmt.Errorf("content[%d]: unknown content type %q", i, wc.Type)
		}
	}
	return out, nil
}
