// ABOUTME: Tests for whatsmeow event mapping and recipient resolution
// ABOUTME: Exercises the translation layer without opening a network connection

package whatsapp

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/2389/tether-gateway/internal/driver"
)

func next(t *testing.T, c *connection) driver.Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return driver.Event{}
	}
}

func TestHandle_LifecycleEvents(t *testing.T) {
	c := newConnection(nil, "s1", slog.Default())
	defer c.Disconnect()

	jid := types.NewJID("15551234567", types.DefaultUserServer)
	c.handle(&events.PairSuccess{ID: jid})
	ev := next(t, c)
	assert.Equal(t, driver.EventLinkEstablished, ev.Kind)
	assert.Equal(t, jid.String(), ev.AccountID)

	c.handle(&events.Disconnected{})
	ev = next(t, c)
	assert.Equal(t, driver.EventLinkLost, ev.Kind)
	assert.Equal(t, driver.CauseRecoverable, ev.Cause)

	c.handle(&events.LoggedOut{Reason: events.ConnectFailureLoggedOut})
	ev = next(t, c)
	assert.Equal(t, driver.CauseTerminal, ev.Cause)

	c.handle(&events.ConnectFailure{Reason: events.ConnectFailureLoggedOut})
	assert.Equal(t, driver.CauseTerminal, next(t, c).Cause)
}

func TestHandle_TextMessage(t *testing.T) {
	c := newConnection(nil, "s1", slog.Default())
	defer c.Disconnect()

	sender := types.NewJID("15550001111", types.DefaultUserServer)
	msg := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: sender, Sender: sender},
			ID:            "3EB0ABCDEF",
			Timestamp:     time.Unix(1700000000, 0),
		},
		Message: &waE2E.Message{Conversation: proto.String("hello")},
	}
	c.handle(msg)

	ev := next(t, c)
	require.Equal(t, driver.EventMessage, ev.Kind)
	assert.Equal(t, "hello", ev.Message.Body)
	assert.Equal(t, "3EB0ABCDEF", ev.Message.ExternalID)
	assert.Equal(t, sender.String(), ev.Message.From)
	assert.False(t, ev.Message.FromMe)
}

func TestHandle_ExtendedTextAndMedia(t *testing.T) {
	ext := &events.Message{Message: &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("linked text")},
	}}
	got, ok := messageFrom(ext)
	require.True(t, ok)
	assert.Equal(t, "linked text", got.Body)

	_, ok = messageFrom(&events.Message{Message: &waE2E.Message{}})
	assert.False(t, ok, "messages without text are skipped")
}

func TestEmitAfterDisconnectIsDropped(t *testing.T) {
	c := newConnection(nil, "s1", slog.Default())
	c.Disconnect()
	c.Disconnect()

	c.handle(&events.Disconnected{})
	_, open := <-c.Events()
	assert.False(t, open)
}

func TestToJID(t *testing.T) {
	jid, err := toJID(driver.Recipient{Phone: "+1 555 123 4567"})
	require.NoError(t, err)
	assert.Equal(t, "15551234567@s.whatsapp.net", jid.String())

	jid, err = toJID(driver.Recipient{Phone: "15551234567", JID: "120363025246125486@g.us"})
	require.NoError(t, err)
	assert.Equal(t, types.GroupServer, jid.Server)

	_, err = toJID(driver.Recipient{})
	assert.ErrorIs(t, err, driver.ErrInvalidRecipient)
}

func TestNew_CreatesCredentialStore(t *testing.T) {
	d, err := New(t.Context(), filepath.Join(t.TempDir(), "creds", "credentials.db"), nil)
	require.NoError(t, err)
	defer d.Close()

	// Unknown and empty accounts purge as no-ops
	require.NoError(t, d.Purge(t.Context(), "s1", ""))
	require.NoError(t, d.Purge(t.Context(), "s1", "15559990000@s.whatsapp.net"))
}
