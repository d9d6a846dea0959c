// ABOUTME: Tests for the in-memory MockStore
// ABOUTME: Keeps MockStore behavior aligned with SQLiteStore for the cases tests rely on

package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_QueuedOrderIsInsertionOrder(t *testing.T) {
	m := NewMockStore()
	ctx := t.Context()
	seedSession(t, m, "t1", "s1")

	for _, id := range []string{"A", "B", "C"} {
		require.NoError(t, m.InsertMessage(ctx, &Message{
			ID: id, SessionID: "s1", TenantID: "t1", Direction: DirectionOutbound,
			Recipient: "1555", Body: id, Status: MessageQueued,
		}))
	}

	queued, err := m.ListQueued(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, queued, 3)
	assert.Equal(t, []string{"A", "B", "C"}, []string{queued[0].ID, queued[1].ID, queued[2].ID})

	require.NoError(t, m.UpdateMessage(ctx, "B", MessageUpdate{Status: Ptr(MessageSent)}))
	queued, err = m.ListQueued(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Len(t, queued, 2)
}

func TestMockStore_NotFoundAndDuplicate(t *testing.T) {
	m := NewMockStore()
	ctx := t.Context()
	seedSession(t, m, "t1", "s1")

	assert.ErrorIs(t, m.CreateSession(ctx, &Session{ID: "s1", TenantID: "t1"}), ErrDuplicate)
	assert.ErrorIs(t, m.UpdateSession(ctx, "nope", SessionUpdate{Status: Ptr("connected")}), ErrNotFound)
	assert.ErrorIs(t, m.UpdateMessage(ctx, "nope", MessageUpdate{Status: Ptr(MessageSent)}), ErrNotFound)

	require.NoError(t, m.DeleteSession(ctx, "s1"))
	assert.ErrorIs(t, m.DeleteSession(ctx, "s1"), ErrNotFound)
}

func TestMockStore_ReturnsCopies(t *testing.T) {
	m := NewMockStore()
	ctx := t.Context()
	seedSession(t, m, "t1", "s1")

	got, err := m.GetSession(ctx, "s1")
	require.NoError(t, err)
	got.Status = "mutated"

	again, err := m.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "uninitialized", again.Status)
}
