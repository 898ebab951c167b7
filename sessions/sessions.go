package sessions

import (
	"context"
	"errors"
)

var (
	// ErrSessionNotFound indicates the session id is not present in the registry.
	ErrSessionNotFound = errors.New("session not found")
	// ErrDuplicateSession indicates a create collided with a live session id.
	// Identifier generation makes this vanishingly unlikely; it is surfaced
	// instead of overwriting so a collision can never cross two transports.
	ErrDuplicateSession = errors.New("duplicate session id")
)

// Session is the read-only view of a negotiated session exposed to tool
// handlers and the protocol engine. Implementations must be safe for
// concurrent use.
type Session interface {
	SessionID() string
	// ProtocolVersion is the negotiated MCP protocol version baked into the session.
	ProtocolVersion() string
}

// Transport is the per-session connection surface the registry owns. Close
// must be idempotent and must release any live notification stream.
type Transport interface {
	Session

	Close(ctx context.Context) error
}

// ClientInfo identifies the client that established a session.
type ClientInfo struct {
	Name    string
	Version string
}
