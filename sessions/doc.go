// Package sessions owns the mapping from session identifiers to their live
// transports. The Registry is the single owner of session lifecycle: a
// transport is inserted when its handshake completes and removed when it
// closes, and nothing else mutates the mapping.
package sessions
