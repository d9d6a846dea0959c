// ABOUTME: One whatsmeow client wrapped as a driver.Connection
// ABOUTME: Maps whatsmeow events and pairing-channel items onto driver events

package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/2389/tether-gateway/internal/driver"
)

type connection struct {
	cli       *whatsmeow.Client
	sessionID string
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	events chan driver.Event
	closed bool
	once   sync.Once
}

func newConnection(cli *whatsmeow.Client, sessionID string, logger *slog.Logger) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &connection{
		cli:       cli,
		sessionID: sessionID,
		logger:    logger.With("session_id", sessionID),
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan driver.Event, 64),
	}
}

func (c *connection) Events() <-chan driver.Event {
	return c.events
}

// emit blocks until the orchestrator takes the event or the connection closes.
func (c *connection) emit(ev driver.Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

// handle is registered with whatsmeow's event dispatcher.
func (c *connection) handle(evt any) {
	switch e := evt.(type) {
	case *events.PairSuccess:
		c.emit(driver.LinkEstablished(e.ID.String()))
	case *events.Connected:
		if c.cli != nil && c.cli.Store.ID != nil {
			c.emit(driver.LinkEstablished(c.cli.Store.ID.String()))
		}
	case *events.Disconnected:
		c.emit(driver.LinkLost(driver.CauseRecoverable, "disconnected"))
	case *events.StreamReplaced:
		c.emit(driver.LinkLost(driver.CauseRecoverable, "stream replaced by another client"))
	case *events.TemporaryBan:
		c.emit(driver.LinkLost(driver.CauseRecoverable, "temporary ban"))
	case *events.LoggedOut:
		c.emit(driver.LinkLost(driver.CauseTerminal, fmt.Sprintf("logged out: %v", e.Reason)))
	case *events.ConnectFailure:
		cause := driver.CauseRecoverable
		if e.Reason.IsLoggedOut() {
			cause = driver.CauseTerminal
		}
		c.emit(driver.LinkLost(cause, fmt.Sprintf("connect failure: %v", e.Reason)))
	case *events.Message:
		msg, ok := messageFrom(e)
		if !ok {
			c.logger.Debug("ignoring message without text", "external_id", e.Info.ID)
			return
		}
		c.emit(driver.MessageReceived(msg))
	}
}

// pumpPairing forwards pairing codes until the channel ends.
func (c *connection) pumpPairing(qr <-chan whatsmeow.QRChannelItem) {
	for item := range qr {
		switch item.Event {
		case "code":
			c.emit(driver.PairingCode(item.Code))
		case "success":
			// PairSuccess reports the account id
		case "timeout":
			c.emit(driver.LinkLost(driver.CauseTerminal, "pairing code expired"))
		default:
			c.logger.Warn("pairing channel error", "event", item.Event, "error", item.Error)
			c.emit(driver.LinkLost(driver.CauseRecoverable, "pairing: "+item.Event))
		}
	}
}

func (c *connection) Send(ctx context.Context, to driver.Recipient, body string) (string, error) {
	if err := to.Validate(); err != nil {
		return "", err
	}
	if !c.cli.IsLoggedIn() {
		return "", driver.ErrNotConnected
	}

	jid, err := toJID(to)
	if err != nil {
		return "", err
	}

	resp, err := c.cli.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(body)})
	if err != nil {
		return "", fmt.Errorf("sending to %s: %w", jid, err)
	}
	return string(resp.ID), nil
}

func (c *connection) Logout(ctx context.Context) error {
	if c.cli.Store.ID == nil {
		return nil
	}
	return c.cli.Logout(ctx)
}

func (c *connection) Disconnect() {
	c.once.Do(func() {
		c.cancel()
		if c.cli != nil {
			c.cli.Disconnect()
		}
		c.mu.Lock()
		c.closed = true
		close(c.events)
		c.mu.Unlock()
	})
}

// toJID resolves a recipient to a WhatsApp address. Phone numbers map to the
// default user server.
func toJID(to driver.Recipient) (types.JID, error) {
	if to.JID != "" {
		jid, err := types.ParseJID(to.JID)
		if err != nil {
			return types.JID{}, fmt.Errorf("%w: %v", driver.ErrInvalidRecipient, err)
		}
		return jid, nil
	}
	digits := driver.NormalizePhone(to.Phone)
	if digits == "" {
		return types.JID{}, fmt.Errorf("%w: empty phone", driver.ErrInvalidRecipient)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

func messageFrom(e *events.Message) (driver.MessageEvent, bool) {
	body := e.Message.GetConversation()
	if body == "" {
		body = e.Message.GetExtendedTextMessage().GetText()
	}
	if body == "" {
		return driver.MessageEvent{}, false
	}
	return driver.MessageEvent{
		ExternalID: string(e.Info.ID),
		FromMe:     e.Info.IsFromMe,
		From:       e.Info.Sender.String(),
		Chat:       e.Info.Chat.String(),
		Body:       body,
		Timestamp:  e.Info.Timestamp,
	}, true
}

var _ driver.Connection = (*connection)(nil)
