// ABOUTME: Registry of live sessions keyed by session id
// ABOUTME: The lock only guards membership; each session guards its own state

package session

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
)

// ErrSessionExists indicates a session with the same id is already registered.
var ErrSessionExists = errors.New("session already registered")

// Registry holds every session the process is responsible for.
type Registry struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger.With("component", "registry"),
	}
}

// Add registers a session. Returns ErrSessionExists if the id is taken.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ID]; exists {
		return ErrSessionExists
	}
	r.sessions[s.ID] = s
	r.logger.Info("session registered",
		"session_id", s.ID,
		"tenant_id", s.TenantID,
		"total_sessions", len(r.sessions))
	return nil
}

// Get returns a session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove unregisters a session and returns it.
func (r *Registry) Remove(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	delete(r.sessions, id)
	r.logger.Info("session unregistered",
		"session_id", id,
		"total_sessions", len(r.sessions))
	return s, true
}

// List returns every session, oldest first.
func (r *Registry) List() []*Session {
	return r.filter(func(*Session) bool { return true })
}

// ListTenant returns a tenant's sessions, oldest first.
func (r *Registry) ListTenant(tenantID string) []*Session {
	return r.filter(func(s *Session) bool { return s.TenantID == tenantID })
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) filter(keep func(*Session) bool) []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if keep(s) {
			out = append(out, s)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
