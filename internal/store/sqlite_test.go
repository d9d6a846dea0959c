// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers tenant, session and message persistence, partial updates and queued scans

package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedSession(t *testing.T, s Store, tenantID, sessionID string) {
	t.Helper()
	ctx := t.Context()
	if _, err := s.GetTenant(ctx, tenantID); errors.Is(err, ErrNotFound) {
		require.NoError(t, s.CreateTenant(ctx, &Tenant{ID: tenantID, Name: tenantID}))
	}
	require.NoError(t, s.CreateSession(ctx, &Session{ID: sessionID, TenantID: tenantID, Status: "uninitialized"}))
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestNewSQLiteStore_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.CreateTenant(t.Context(), &Tenant{ID: "t1", Name: "acme"}))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetTenant(t.Context(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "acme", got.Name)
}

func TestTenants(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	tenant := &Tenant{ID: "t1", Name: "acme", WebhookURL: "https://example.com/hook", WebhookSecret: "s3cret"}
	require.NoError(t, s.CreateTenant(ctx, tenant))
	assert.False(t, tenant.CreatedAt.IsZero())

	err := s.CreateTenant(ctx, &Tenant{ID: "t1", Name: "again"})
	assert.ErrorIs(t, err, ErrDuplicate)

	got, err := s.GetTenant(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/hook", got.WebhookURL)
	assert.Equal(t, "s3cret", got.WebhookSecret)

	require.NoError(t, s.UpdateTenantWebhook(ctx, "t1", "", ""))
	got, err = s.GetTenant(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, got.WebhookURL)
	assert.Empty(t, got.WebhookSecret)

	assert.ErrorIs(t, s.UpdateTenantWebhook(ctx, "missing", "x", "y"), ErrNotFound)

	_, err = s.GetTenant(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.CreateTenant(ctx, &Tenant{ID: "t2", Name: "globex"}))
	all, err := s.ListTenants(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	seedSession(t, s, "t1", "s1")
	seedSession(t, s, "t1", "s2")
	seedSession(t, s, "t2", "s3")

	err := s.CreateSession(ctx, &Session{ID: "s1", TenantID: "t1", Status: "uninitialized"})
	assert.ErrorIs(t, err, ErrDuplicate)

	require.NoError(t, s.UpdateSession(ctx, "s1", SessionUpdate{
		Status:      Ptr("awaiting_pairing"),
		PairingCode: Ptr("2@abc"),
	}))

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "awaiting_pairing", got.Status)
	assert.Equal(t, "2@abc", got.PairingCode)
	assert.Empty(t, got.AccountID)

	// Partial update leaves other fields alone
	require.NoError(t, s.UpdateSession(ctx, "s1", SessionUpdate{AccountID: Ptr("15551234567@s.whatsapp.net")}))
	got, err = s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "awaiting_pairing", got.Status)
	assert.Equal(t, "15551234567@s.whatsapp.net", got.AccountID)

	all, err := s.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	mine, err := s.ListTenantSessions(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	assert.ErrorIs(t, s.UpdateSession(ctx, "missing", SessionUpdate{Status: Ptr("connected")}), ErrNotFound)

	require.NoError(t, s.DeleteSession(ctx, "s1"))
	assert.ErrorIs(t, s.DeleteSession(ctx, "s1"), ErrNotFound)
	_, err = s.GetSession(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMessages_QueuedLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	seedSession(t, s, "t1", "s1")

	base := time.Now().Add(-time.Minute)
	for i, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, s.InsertMessage(ctx, &Message{
			ID:        id,
			SessionID: "s1",
			TenantID:  "t1",
			Direction: DirectionOutbound,
			Recipient: "15551234567",
			Body:      "hello " + id,
			Status:    MessageQueued,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, s.InsertMessage(ctx, &Message{
		ID: "in1", SessionID: "s1", TenantID: "t1", Direction: DirectionInbound,
		Sender: "15550000000", Body: "hi", Status: MessageReceived,
	}))

	assert.ErrorIs(t, s.InsertMessage(ctx, &Message{
		ID: "m1", SessionID: "s1", TenantID: "t1", Direction: DirectionOutbound, Body: "dup", Status: MessageQueued,
	}), ErrDuplicate)

	queued, err := s.ListQueued(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, queued, 3)
	assert.Equal(t, "m1", queued[0].ID)
	assert.Equal(t, "m3", queued[2].ID)

	limited, err := s.ListQueued(ctx, "s1", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	require.NoError(t, s.UpdateMessage(ctx, "m1", MessageUpdate{
		Status:     Ptr(MessageSent),
		ExternalID: Ptr("3EB0ABC"),
		Attempts:   Ptr(1),
	}))
	require.NoError(t, s.UpdateMessage(ctx, "m2", MessageUpdate{
		Status:        Ptr(MessageFailed),
		FailureReason: Ptr("delivery failed after 4 attempts: timeout"),
		Attempts:      Ptr(4),
	}))

	queued, err = s.ListQueued(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "m3", queued[0].ID)

	m1, err := s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, MessageSent, m1.Status)
	assert.Equal(t, "3EB0ABC", m1.ExternalID)
	assert.Equal(t, 1, m1.Attempts)
	assert.Equal(t, "15551234567", m1.Recipient)

	assert.ErrorIs(t, s.UpdateMessage(ctx, "missing", MessageUpdate{Status: Ptr(MessageSent)}), ErrNotFound)
}

func TestListMessages_RecentInOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	seedSession(t, s, "t1", "s1")

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.InsertMessage(ctx, &Message{
			ID: string(rune('a' + i)), SessionID: "s1", TenantID: "t1", Direction: DirectionInbound,
			Body: "x", Status: MessageReceived, CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	recent, err := s.ListMessages(ctx, "s1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "d", recent[0].ID)
	assert.Equal(t, "e", recent[1].ID)

	all, err := s.ListMessages(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestDeleteSession_CascadesMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	seedSession(t, s, "t1", "s1")

	require.NoError(t, s.InsertMessage(ctx, &Message{
		ID: "m1", SessionID: "s1", TenantID: "t1", Direction: DirectionOutbound, Body: "x", Status: MessageQueued,
	}))
	require.NoError(t, s.DeleteSession(ctx, "s1"))

	_, err := s.GetMessage(ctx, "m1")
	assert.ErrorIs(t, err, ErrNotFound)
}
