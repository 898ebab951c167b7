// Package mcpservice describes what this server offers to MCP clients: its
// identity, instructions, and a fixed set of tools. The protocol engine reads
// these capabilities; HTTP transport concerns live elsewhere.
package mcpservice
