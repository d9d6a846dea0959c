// ABOUTME: A single gateway session: lifecycle state, pairing and link data, active connection
// ABOUTME: Connections are tagged with a generation so events from replaced ones can be ignored

package session

import (
	"sync"
	"time"

	"github.com/2389/tether-gateway/internal/driver"
)

// Session is one tenant-owned messaging account link. Only the session's
// orchestrator actor mutates it; the lock makes reads from other goroutines safe.
type Session struct {
	ID        string
	TenantID  string
	CreatedAt time.Time

	mu                sync.RWMutex
	state             State
	reconnectAttempts int
	pairingCode       string
	accountID         string
	conn              driver.Connection
	generation        uint64
	updatedAt         time.Time
}

// Info is a point-in-time copy of a session.
type Info struct {
	ID                string    `json:"id"`
	TenantID          string    `json:"tenant_id"`
	State             State     `json:"state"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	PairingCode       string    `json:"pairing_code,omitempty"`
	AccountID         string    `json:"account_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// New creates an uninitialized session. accountID is set for sessions
// restored with stored credentials.
func New(id, tenantID, accountID string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        id,
		TenantID:  tenantID,
		CreatedAt: now,
		state:     StateUninitialized,
		accountID: accountID,
		updatedAt: now,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Transition moves the session to a new state and returns the previous one.
func (s *Session) Transition(to State) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.state
	if err := checkTransition(from, to); err != nil {
		return from, err
	}
	s.state = to
	s.updatedAt = time.Now().UTC()
	return from, nil
}

// PairingCode returns the pending pairing code, if any.
func (s *Session) PairingCode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pairingCode
}

// SetPairingCode replaces the pending pairing code.
func (s *Session) SetPairingCode(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairingCode = code
	s.updatedAt = time.Now().UTC()
}

// AccountID returns the linked platform account, if any.
func (s *Session) AccountID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accountID
}

// SetAccountID records the linked account.
func (s *Session) SetAccountID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accountID = id
	s.updatedAt = time.Now().UTC()
}

// ReconnectAttempts returns the reconnect counter.
func (s *Session) ReconnectAttempts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reconnectAttempts
}

// NextReconnectAttempt increments the counter and returns its previous value.
func (s *Session) NextReconnectAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.reconnectAttempts
	s.reconnectAttempts++
	return n
}

// ResetReconnectAttempts sets the counter back to zero.
func (s *Session) ResetReconnectAttempts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnectAttempts = 0
}

// Attach installs conn as the active connection and returns its generation.
// A previously attached connection is returned so the caller can drop it.
func (s *Session) Attach(conn driver.Connection) (uint64, driver.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.conn
	s.generation++
	s.conn = conn
	return s.generation, prev
}

// Detach clears the active connection and returns it. The generation is
// bumped so anything tagged with the old one is stale.
func (s *Session) Detach() driver.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn := s.conn
	s.conn = nil
	s.generation++
	return conn
}

// Connection returns the active connection, or nil.
func (s *Session) Connection() driver.Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// Generation returns the current connection generation.
func (s *Session) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Current reports whether gen is still the active generation.
func (s *Session) Current(gen uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation == gen
}

// Info returns a copy of the session's visible fields.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		ID:                s.ID,
		TenantID:          s.TenantID,
		State:             s.state,
		ReconnectAttempts: s.reconnectAttempts,
		PairingCode:       s.pairingCode,
		AccountID:         s.accountID,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.updatedAt,
	}
}
