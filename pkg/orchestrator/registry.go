package orchestrator

import (
	"context"
	"sync"
)

// Registry tracks live sessions so the API can cancel them. Each entry
// is the session's context cancel function.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]context.CancelFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]context.CancelFunc)}
}

// Add registers a running session.
func (r *Registry) Add(sessionID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sessionID] = cancel
}

// Remove unregisters a finished session.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

// Cancel cancels a running session. Returns false when the session is
// not live.
func (r *Registry) Cancel(sessionID string) bool {
	r.mu.Lock()
	cancel, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Len reports how many sessions are live.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
