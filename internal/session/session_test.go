// ABOUTME: Tests for Session state, connection generations and the Registry
// ABOUTME: Uses the fake driver's connections as attached links

package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tether-gateway/internal/driver"
)

func TestSession_StartsUninitialized(t *testing.T) {
	s := New("s1", "t1", "")
	assert.Equal(t, StateUninitialized, s.State())
	assert.Equal(t, 0, s.ReconnectAttempts())
	assert.Empty(t, s.PairingCode())
	assert.Nil(t, s.Connection())
}

func TestSession_TransitionRejectsInvalid(t *testing.T) {
	s := New("s1", "t1", "")

	_, err := s.Transition(StateConnected)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Contains(t, err.Error(), "uninitialized -> connected")
	assert.Equal(t, StateUninitialized, s.State())

	from, err := s.Transition(StateAwaitingPairing)
	require.NoError(t, err)
	assert.Equal(t, StateUninitialized, from)
	assert.Equal(t, StateAwaitingPairing, s.State())
}

func TestSession_DeletedRefusesEverything(t *testing.T) {
	s := New("s1", "t1", "")
	_, err := s.Transition(StateDeleted)
	require.NoError(t, err)

	for _, to := range States() {
		_, err := s.Transition(to)
		assert.ErrorIs(t, err, ErrInvalidTransition, "deleted -> %s", to)
	}
}

func TestSession_ConcurrentTransitionsApplyOnce(t *testing.T) {
	// Only one of many racing awaiting_pairing -> connected moves can win;
	// the rest see connected -> connected, which is not in the table.
	s := New("s1", "t1", "")
	_, err := s.Transition(StateAwaitingPairing)
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Go(func() {
			if _, err := s.Transition(StateConnected); err == nil {
				wins.Add(1)
			}
		})
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, StateConnected, s.State())
}

func TestSession_ReconnectCounter(t *testing.T) {
	s := New("s1", "t1", "acct@s.whatsapp.net")
	assert.Equal(t, "acct@s.whatsapp.net", s.AccountID())

	assert.Equal(t, 0, s.NextReconnectAttempt())
	assert.Equal(t, 1, s.NextReconnectAttempt())
	assert.Equal(t, 2, s.ReconnectAttempts())

	s.ResetReconnectAttempts()
	assert.Equal(t, 0, s.ReconnectAttempts())
}

func TestSession_GenerationsMarkStaleConnections(t *testing.T) {
	fake := driver.NewFake()
	ctx := context.Background()
	s := New("s1", "t1", "")

	c1, err := fake.Connect(ctx, driver.ConnectRequest{SessionID: "s1"})
	require.NoError(t, err)
	gen1, prev := s.Attach(c1)
	assert.Nil(t, prev)
	assert.True(t, s.Current(gen1))

	c2, err := fake.Connect(ctx, driver.ConnectRequest{SessionID: "s1"})
	require.NoError(t, err)
	gen2, prev := s.Attach(c2)
	assert.Equal(t, c1, prev)
	assert.False(t, s.Current(gen1))
	assert.True(t, s.Current(gen2))

	detached := s.Detach()
	assert.Equal(t, c2, detached)
	assert.Nil(t, s.Connection())
	assert.False(t, s.Current(gen2), "detaching invalidates the last generation")
}

func TestSession_Info(t *testing.T) {
	s := New("s1", "t1", "")
	s.SetPairingCode("code-1")
	s.NextReconnectAttempt()

	info := s.Info()
	assert.Equal(t, "s1", info.ID)
	assert.Equal(t, "t1", info.TenantID)
	assert.Equal(t, StateUninitialized, info.State)
	assert.Equal(t, "code-1", info.PairingCode)
	assert.Equal(t, 1, info.ReconnectAttempts)
	assert.False(t, info.UpdatedAt.Before(info.CreatedAt))
}

func TestRegistry_AddGetRemove(t *testing.T) {
	r := NewRegistry(nil)

	s := New("s1", "t1", "")
	require.NoError(t, r.Add(s))
	assert.ErrorIs(t, r.Add(New("s1", "t1", "")), ErrSessionExists)
	assert.Equal(t, 1, r.Len())

	got, ok := r.Get("s1")
	require.True(t, ok)
	assert.Same(t, s, got)

	removed, ok := r.Remove("s1")
	require.True(t, ok)
	assert.Same(t, s, removed)

	_, ok = r.Remove("s1")
	assert.False(t, ok)
	_, ok = r.Get("s1")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_ListTenant(t *testing.T) {
	r := NewRegistry(nil)
	for i := range 4 {
		tenant := "t1"
		if i%2 == 1 {
			tenant = "t2"
		}
		require.NoError(t, r.Add(New(fmt.Sprintf("s%d", i), tenant, "")))
	}

	assert.Len(t, r.List(), 4)

	t1 := r.ListTenant("t1")
	require.Len(t, t1, 2)
	for _, s := range t1 {
		assert.Equal(t, "t1", s.TenantID)
	}
	assert.Empty(t, r.ListTenant("nobody"))
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry(nil)
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Go(func() {
			id := fmt.Sprintf("s%d", i)
			_ = r.Add(New(id, "t1", ""))
			r.Get(id)
			r.List()
			r.Remove(id)
		})
	}
	wg.Wait()
	assert.Equal(t, 0, r.Len())
}
