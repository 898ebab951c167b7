// Package streaminghttp implements the streamable HTTP transport of the
// Model Context Protocol: a single endpoint path where POST carries
// client-to-server messages, GET opens the server-to-client notification
// stream, and DELETE terminates the session.
//
// Sessions are multiplexed over discrete HTTP requests using the
// Mcp-Session-Id header. The handler routes each request to a per-session
// transport which owns the protocol state machine for that client.
package streaminghttp
