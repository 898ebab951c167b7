// Package mcp contains the wire-level types of the Model Context Protocol
// surface this server speaks: the initialize handshake, the tools capability,
// and the small set of notifications exchanged over the streamable HTTP
// transport.
//
// The types mirror the protocol's JSON shapes directly and carry no behavior.
package mcp
