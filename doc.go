// Package mcpserver implements the transport and session layer of a Model Context
// Protocol (MCP) server, exposing host-application operations to LLM-driven clients
// over HTTP. It follows the official specification from
// https://spec.modelcontextprotocol.io/specification/.
//
// Two wire protocols are served side by side: the legacy Server-Sent Events
// transport (one long-lived GET stream per session plus a POST endpoint for
// inbound messages) and the streamable HTTP transport (POST for requests and
// responses, with an optional standing event stream and resumable replay via
// Last-Event-ID). Sessions from both transports share one registry, one
// broadcast fan-out, and one graceful-shutdown path.
//
// The package owns no domain logic: every tool call crosses the ToolInvoker
// boundary, carrying an InvocationContext with the caller's identity as resolved
// when the session was created.
package mcpserver
