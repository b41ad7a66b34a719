// Package jsonrpc implements the minimal JSON-RPC 2.0 envelope and the
// MCP wire types consumed by a client: enough to initialize a session,
// list and call tools, and receive server-pushed notifications. It does
// not implement a server-side codec or general-purpose JSON-RPC dispatch;
// that is out of scope for a connection manager that only drives remote
// MCP servers.
package jsonrpc

import (
	"encoding/json"
	"fmt"

	"github.com/mcppool/connmgr/internal/jsonrpc2"
)

const protocolVersion = "2.0"

// ID is a JSON-RPC request identifier: a string, a number, or absent.
// MCP servers are free to use either representation, so ID preserves
// whichever the wire sent rather than forcing a type.
type ID struct {
	value any // nil, string, or float64/int64
}

// NewID returns an ID wrapping an int64 value, as used for all requests
// originated by this client.
func NewID(n int64) ID { return ID{value: n} }

func (id ID) IsZero() bool { return id.value == nil }

func (id ID) String() string {
	switch v := id.value.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

func (id ID) MarshalJSON() ([]byte, error) {
	if id.value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(id.value)
}

func (id *ID) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	id.value = v
	return nil
}

// RPCError is a JSON-RPC error object, as carried on the wire inside a
// Response's error field. It is distinct from Error, this package's own
// classified-failure type returned across API boundaries.
type RPCError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc: code %d: %s", e.Code, e.Message)
}

// Message is the union of the three JSON-RPC message shapes this package
// sends and receives: Request, Response, and Notification.
type Message interface {
	isMessage()
}

// Request is an outbound call expecting a Response, or an inbound call
// from the server (MCP servers call back into the client for sampling
// and elicitation; this client does not implement those, but must still
// be able to decode and reject them cleanly).
type Request struct {
	ID     ID              `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (*Request) isMessage() {}

// Response answers a prior Request by ID. Exactly one of Result or Error
// is set.
type Response struct {
	ID     ID              `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

func (*Response) isMessage() {}

// Notification is a one-way message with no ID and no reply.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (*Notification) isMessage() {}

// wireEnvelope is the shape used to both encode and sniff incoming frames.
type wireEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// EncodeMessage renders a Message as a JSON-RPC 2.0 frame.
func EncodeMessage(msg Message) ([]byte, error) {
	var env wireEnvelope
	env.JSONRPC = protocolVersion
	switch m := msg.(type) {
	case *Request:
		env.ID = &m.ID
		env.Method = m.Method
		env.Params = m.Params
	case *Response:
		env.ID = &m.ID
		env.Result = m.Result
		env.Error = m.Error
	case *Notification:
		env.Method = m.Method
		env.Params = m.Params
	default:
		return nil, fmt.Errorf("jsonrpc: unencodable message type %T", msg)
	}
	return json.Marshal(env)
}

// DecodeMessage parses a single JSON-RPC 2.0 frame into the appropriate
// Message variant, applying strict field validation to guard against
// message-smuggling via case-folded field names (see internal/jsonrpc2).
func DecodeMessage(data []byte) (Message, error) {
	var env wireEnvelope
	if err := jsonrpc2.StrictUnmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("jsonrpc: %w", err)
	}
	switch {
	case env.Method != "" && env.ID != nil:
		return &Request{ID: *env.ID, Method: env.Method, Params: env.Params}, nil
	case env.Method != "":
		return &Notification{Method: env.Method, Params: env.Params}, nil
	case env.ID != nil:
		return &Response{ID: *env.ID, Result: env.Result, Error: env.Error}, nil
	default:
		return nil, fmt.Errorf("jsonrpc: message has neither method nor id")
	}
}
