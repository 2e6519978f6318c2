package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
)

// ToolInvoker is the boundary between the transport layer and the host
// application's tools. The transport hands over the JSON-RPC method name, the
// raw parameters, and the context of the invocation; the implementation returns
// a JSON-serializable result or an error. The transport layer never inspects
// what happens behind this boundary.
type ToolInvoker interface {
	// Invoke executes one tool call. The returned raw message becomes the
	// JSON-RPC result; a returned error becomes a JSON-RPC error object with
	// the error's message. Implementations must honor ctx cancellation.
	Invoke(ctx context.Context, method string, params json.RawMessage, ic InvocationContext) (json.RawMessage, error)
}

// ToolInvokerFunc adapts a plain function to the ToolInvoker interface.
type ToolInvokerFunc func(ctx context.Context, method string, params json.RawMessage, ic InvocationContext) (json.RawMessage, error)

// Invoke calls f.
func (f ToolInvokerFunc) Invoke(
	ctx context.Context,
	method string,
	params json.RawMessage,
	ic InvocationContext,
) (json.RawMessage, error) {
	return f(ctx, method, params, ic)
}

// InvocationContext carries per-call transient data from the transport layer
// into the tool boundary. It is built fresh for every call and never stored
// beyond the call's lifetime.
type InvocationContext struct {
	// SessionID identifies the session the call arrived on.
	SessionID string

	// CallerIdentity is the identity bound to the session at creation time.
	// Empty when the host provided no IdentityResolver or the caller is
	// anonymous.
	CallerIdentity string

	// RemoteAddr is the network address the triggering HTTP request came from.
	RemoteAddr string
}

// IdentityResolver resolves the caller's identity from the HTTP request that
// creates a session. It is consulted exactly once per session; the resolved
// identity is then attached to every later message on that session. A nil
// resolver or an empty return value leaves the session anonymous.
type IdentityResolver func(r *http.Request) string
