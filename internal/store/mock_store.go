// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	tenants  map[string]*Tenant
	sessions map[string]*Session
	messages map[string]*Message
	msgSeq   map[string]uint64 // insertion order, breaks CreatedAt ties
	nextSeq  uint64
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		tenants:  make(map[string]*Tenant),
		sessions: make(map[string]*Session),
		messages: make(map[string]*Message),
		msgSeq:   make(map[string]uint64),
	}
}

// CreateTenant stores a new tenant.
func (m *MockStore) CreateTenant(ctx context.Context, tenant *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tenants[tenant.ID]; ok {
		return ErrDuplicate
	}
	now := time.Now().UTC()
	if tenant.CreatedAt.IsZero() {
		tenant.CreatedAt = now
	}
	tenant.UpdatedAt = now

	t := *tenant
	m.tenants[t.ID] = &t
	return nil
}

// GetTenant retrieves a tenant by ID.
func (m *MockStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// ListTenants returns all tenants ordered by creation time.
func (m *MockStore) ListTenants(ctx context.Context) ([]*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpdateTenantWebhook replaces a tenant's webhook URL and secret.
func (m *MockStore) UpdateTenantWebhook(ctx context.Context, id, url, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tenants[id]
	if !ok {
		return ErrNotFound
	}
	t.WebhookURL = url
	t.WebhookSecret = secret
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// CreateSession stores a new session.
func (m *MockStore) CreateSession(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[session.ID]; ok {
		return ErrDuplicate
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	s := *session
	m.sessions[s.ID] = &s
	return nil
}

// GetSession retrieves a session by ID.
func (m *MockStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// ListSessions returns all sessions, oldest first.
func (m *MockStore) ListSessions(ctx context.Context) ([]*Session, error) {
	return m.filterSessions(func(*Session) bool { return true }), nil
}

// ListTenantSessions returns the sessions owned by one tenant, oldest first.
func (m *MockStore) ListTenantSessions(ctx context.Context, tenantID string) ([]*Session, error) {
	return m.filterSessions(func(s *Session) bool { return s.TenantID == tenantID }), nil
}

func (m *MockStore) filterSessions(keep func(*Session) bool) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Session
	for _, s := range m.sessions {
		if keep(s) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// UpdateSession applies a partial update.
func (m *MockStore) UpdateSession(ctx context.Context, id string, update SessionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if update.Status != nil {
		s.Status = *update.Status
	}
	if update.AccountID != nil {
		s.AccountID = *update.AccountID
	}
	if update.PairingCode != nil {
		s.PairingCode = *update.PairingCode
	}
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteSession removes a session and its messages.
func (m *MockStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	for msgID, msg := range m.messages {
		if msg.SessionID == id {
			delete(m.messages, msgID)
			delete(m.msgSeq, msgID)
		}
	}
	return nil
}

// InsertMessage stores a new message.
func (m *MockStore) InsertMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.messages[msg.ID]; ok {
		return ErrDuplicate
	}
	now := time.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now

	cp := *msg
	m.messages[cp.ID] = &cp
	m.nextSeq++
	m.msgSeq[cp.ID] = m.nextSeq
	return nil
}

// GetMessage retrieves a message by ID.
func (m *MockStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

// UpdateMessage applies a partial update.
func (m *MockStore) UpdateMessage(ctx context.Context, id string, update MessageUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return ErrNotFound
	}
	if update.Status != nil {
		msg.Status = *update.Status
	}
	if update.ExternalID != nil {
		msg.ExternalID = *update.ExternalID
	}
	if update.FailureReason != nil {
		msg.FailureReason = *update.FailureReason
	}
	if update.Attempts != nil {
		msg.Attempts = *update.Attempts
	}
	msg.UpdatedAt = time.Now().UTC()
	return nil
}

// ListQueued returns queued outbound messages for a session, oldest first.
func (m *MockStore) ListQueued(ctx context.Context, sessionID string, limit int) ([]*Message, error) {
	out := m.filterMessages(func(msg *Message) bool {
		return msg.SessionID == sessionID && msg.Status == MessageQueued && msg.Direction == DirectionOutbound
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListMessages returns the most recent limit messages for a session in chronological order.
func (m *MockStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error) {
	out := m.filterMessages(func(msg *Message) bool { return msg.SessionID == sessionID })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *MockStore) filterMessages(keep func(*Message) bool) []*Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Message
	for _, msg := range m.messages {
		if keep(msg) {
			cp := *msg
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return m.msgSeq[out[i].ID] < m.msgSeq[out[j].ID]
	})
	return out
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Store interface.
var _ Store = (*MockStore)(nil)
