package jsonrpc

import "fmt"

// Kind classifies a connection-manager error for callers that need to
// branch on failure category (retry, surface to a user, fail a request)
// without string-matching error text.
type Kind int

const (
	// KindUnknown is the zero value; it should never be returned to a
	// caller and indicates a missing classification somewhere upstream.
	KindUnknown Kind = iota
	// KindConfiguration marks a bad ServerDescriptor: missing fields,
	// an unrecognized transport kind, or a descriptor that fails its
	// own validation.
	KindConfiguration
	// KindTransportFailure marks a failure to establish or maintain
	// the underlying transport: dial errors, child process exit,
	// stream reset.
	KindTransportFailure
	// KindAuthorizationRequired marks a server response indicating the
	// caller must complete an OAuth flow before the call can proceed.
	KindAuthorizationRequired
	// KindAuthorizationFailed marks a completed but unsuccessful
	// authorization attempt (token exchange failure, denied consent).
	KindAuthorizationFailed
	// KindSessionError marks a streaming-HTTP session that the server
	// has terminated, rejected, or expired.
	KindSessionError
	// KindTimeout marks a request or connect attempt that exceeded its
	// deadline.
	KindTimeout
	// KindToolError marks a tools/call request that failed: an error
	// response from the server, or a failure to send or await the call.
	// A CallToolResult with IsError set is returned as a result, not as
	// this error.
	KindToolError
	// KindShutdown marks an operation rejected because the owning
	// Connection or Manager has already been shut down.
	KindShutdown
	// KindEmptyResult marks a bare empty-result reply arriving less than
	// five minutes after the previous one, tripping the ping/keep-alive
	// guard.
	KindEmptyResult
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindTransportFailure:
		return "transport_failure"
	case KindAuthorizationRequired:
		return "authorization_required"
	case KindAuthorizationFailed:
		return "authorization_failed"
	case KindSessionError:
		return "session_error"
	case KindTimeout:
		return "timeout"
	case KindToolError:
		return "tool_error"
	case KindShutdown:
		return "shutdown"
	case KindEmptyResult:
		return "empty_result"
	default:
		return "unknown"
	}
}

// Error is the single error type this module returns across package
// boundaries. Callers that need to branch on failure category should use
// errors.As and inspect Kind rather than matching on message text.
type Error struct {
	Kind   Kind
	Server string // server name, when the error is scoped to one
	Op     string // the operation that failed, e.g. "connect", "tools/call"
	Err    error  // underlying cause, if any
}

func NewError(kind Kind, server, op string, cause error) *Error {
	return &Error{Kind: kind, Server: server, Op: op, Err: cause}
}

func (e *Error) Error() string {
	switch {
	case e.Server != "" && e.Err != nil:
		return fmt.Sprintf("connmgr: %s: %s (%s): %v", e.Kind, e.Op, e.Server, e.Err)
	case e.Server != "":
		return fmt.Sprintf("connmgr: %s: %s (%s)", e.Kind, e.Op, e.Server)
	case e.Err != nil:
		return fmt.Sprintf("connmgr: %s: %s: %v", e.Kind, e.Op, e.Err)
	default:
		return fmt.Sprintf("connmgr: %s: %s", e.Kind, e.Op)
	}
}

func (e *Error) Unwrap() error { return e.Err }
