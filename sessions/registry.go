package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Registry maps live session ids to their transports. It is safe for
// concurrent use; operations on different session ids never interfere.
type Registry struct {
	mu         sync.RWMutex
	transports map[string]Transport

	log *slog.Logger
}

// NewRegistry constructs an empty Registry. A nil logger discards logs.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		transports: make(map[string]Transport),
		log:        log,
	}
}

// Create registers a transport under id. A live duplicate id is an error; the
// existing transport is left untouched.
func (r *Registry) Create(id string, t Transport) error {
	if id == "" {
		return fmt.Errorf("empty session id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.transports[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}
	r.transports[id] = t
	return nil
}

// Lookup returns the transport registered under id, if any.
func (r *Registry) Lookup(id string) (Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.transports[id]
	return t, ok
}

// Remove drops the mapping for id. Removing an absent id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.transports, id)
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.transports)
}

// CloseAll closes every live transport. It is used at process shutdown to
// drain sessions; each close fires the transport's removal callback, so the
// registry empties as a side effect.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.RLock()
	snapshot := make([]Transport, 0, len(r.transports))
	for _, t := range r.transports {
		snapshot = append(snapshot, t)
	}
	r.mu.RUnlock()

	for _, t := range snapshot {
		if err := t.Close(ctx); err != nil {
			r.log.WarnContext(ctx, "session.drain.fail",
				slog.String("session_id", t.SessionID()),
				slog.String("err", err.Error()))
		}
	}
}
