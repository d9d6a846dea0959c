// ABOUTME: Tests for recipient validation and the fake driver
// ABOUTME: The fake driver is load-bearing for orchestrator tests, so its script is pinned here

package driver

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecipientValidate(t *testing.T) {
	tests := []struct {
		name    string
		r       Recipient
		wantErr bool
	}{
		{"jid only", Recipient{JID: "15551234567@s.whatsapp.net"}, false},
		{"phone only", Recipient{Phone: "+1 (555) 123-4567"}, false},
		{"both", Recipient{Phone: "15551234567", JID: "120363@g.us"}, false},
		{"neither", Recipient{}, true},
		{"blank", Recipient{Phone: "  ", JID: " "}, true},
		{"too short", Recipient{Phone: "123"}, true},
		{"too long", Recipient{Phone: "1234567890123456"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.r.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsPermanent(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "15551234567", NormalizePhone("+1 (555) 123-4567"))
	assert.Equal(t, "", NormalizePhone("abc"))
}

func TestIsPermanent(t *testing.T) {
	assert.False(t, IsPermanent(errors.New("timeout")))
	assert.False(t, IsPermanent(ErrNotConnected))
}

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestFake_PairsThenLinks(t *testing.T) {
	f := NewFake()
	ctx := t.Context()

	conn, err := f.Connect(ctx, ConnectRequest{SessionID: "s1"})
	require.NoError(t, err)
	ev := recv(t, conn.Events())
	assert.Equal(t, EventPairingCode, ev.Kind)
	assert.NotEmpty(t, ev.PairingCode)

	conn2, err := f.Connect(ctx, ConnectRequest{SessionID: "s1", AccountID: "acct"})
	require.NoError(t, err)
	ev = recv(t, conn2.Events())
	assert.Equal(t, EventLinkEstablished, ev.Kind)
	assert.Equal(t, "acct", ev.AccountID)
	assert.Equal(t, 2, f.Connects("s1"))

	// Emit targets the newest connection
	require.NoError(t, f.Emit("s1", LinkLost(CauseRecoverable, "test")))
	ev = recv(t, conn2.Events())
	assert.Equal(t, EventLinkLost, ev.Kind)
	assert.Equal(t, CauseRecoverable, ev.Cause)
}

func TestFake_PairDelayLinks(t *testing.T) {
	f := NewFake()
	f.PairDelay = 10 * time.Millisecond

	conn, err := f.Connect(t.Context(), ConnectRequest{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, EventPairingCode, recv(t, conn.Events()).Kind)
	assert.Equal(t, EventLinkEstablished, recv(t, conn.Events()).Kind)
}

func TestFake_SendScriptAndRecord(t *testing.T) {
	f := NewFake()
	f.SendFunc = func(sessionID string, to Recipient, body string) (string, error) {
		if body == "fail" {
			return "", errors.New("boom")
		}
		return "ext-" + body, nil
	}

	conn, err := f.Connect(t.Context(), ConnectRequest{SessionID: "s1", AccountID: "acct"})
	require.NoError(t, err)

	id, err := conn.Send(t.Context(), Recipient{Phone: "15551234567"}, "ok")
	require.NoError(t, err)
	assert.Equal(t, "ext-ok", id)

	_, err = conn.Send(t.Context(), Recipient{Phone: "15551234567"}, "fail")
	require.Error(t, err)

	_, err = conn.Send(t.Context(), Recipient{}, "nobody")
	assert.ErrorIs(t, err, ErrInvalidRecipient)

	sent := f.Sent()
	require.Len(t, sent, 2)
	assert.NoError(t, sent[0].Err)
	assert.Error(t, sent[1].Err)
}

func TestFake_DisconnectClosesEvents(t *testing.T) {
	f := NewFake()
	f.AutoPair = false

	conn, err := f.Connect(t.Context(), ConnectRequest{SessionID: "s1"})
	require.NoError(t, err)

	conn.Disconnect()
	conn.Disconnect()

	_, ok := <-conn.Events()
	assert.False(t, ok)
	assert.Error(t, f.Emit("s1", PairingCode("late")))
}
