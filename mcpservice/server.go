package mcpservice

import (
	"github.com/docbridge/docbridge/mcp"
)

// ServerCapabilities is the read surface the protocol engine consumes when
// answering the initialize handshake and dispatching tool methods.
type ServerCapabilities interface {
	GetServerInfo() mcp.ImplementationInfo
	GetInstructions() (string, bool)
	GetTools() (ToolsCapability, bool)
}

// ServerOption configures a concrete ServerCapabilities implementation.
type ServerOption func(*server)

type server struct {
	info         mcp.ImplementationInfo
	instructions *string
	toolsCap     ToolsCapability
}

// NewServer builds a ServerCapabilities value using functional options.
func NewServer(opts ...ServerOption) ServerCapabilities {
	s := &server{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithServerInfo sets the server's implementation info.
func WithServerInfo(info mcp.ImplementationInfo) ServerOption {
	return func(s *server) { s.info = info }
}

// WithInstructions sets human-readable instructions returned during initialize.
func WithInstructions(instr string) ServerOption {
	return func(s *server) { s.instructions = &instr }
}

// WithToolsCapability wires the tools capability shared by all sessions.
func WithToolsCapability(cap ToolsCapability) ServerOption {
	return func(s *server) { s.toolsCap = cap }
}

func (s *server) GetServerInfo() mcp.ImplementationInfo { return s.info }

func (s *server) GetInstructions() (string, bool) {
	if s.instructions == nil {
		return "", false
	}
	return *s.instructions, true
}

func (s *server) GetTools() (ToolsCapability, bool) {
	if s.toolsCap == nil {
		return nil, false
	}
	return s.toolsCap, true
}
