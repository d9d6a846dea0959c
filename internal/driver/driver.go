// ABOUTME: ConnectionDriver contract between the orchestrator and a messaging platform
// ABOUTME: Defines connections, recipients and the tagged-union lifecycle/content events

package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidRecipient is a permanent send failure: retrying cannot succeed.
var ErrInvalidRecipient = errors.New("invalid recipient")

// ErrNotConnected is returned by Send when the connection is not linked.
var ErrNotConnected = errors.New("connection not established")

// IsPermanent reports whether a send error should fail the message without retry.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrInvalidRecipient)
}

// EventKind discriminates the Event union.
type EventKind int

const (
	// EventPairingCode carries a fresh pairing code for an unlinked session.
	EventPairingCode EventKind = iota + 1
	// EventLinkEstablished reports a linked, usable connection.
	EventLinkEstablished
	// EventLinkLost reports the connection dropped, with a cause.
	EventLinkLost
	// EventMessage carries an inbound message or an outbound echo.
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventPairingCode:
		return "pairing_code"
	case EventLinkEstablished:
		return "link_established"
	case EventLinkLost:
		return "link_lost"
	case EventMessage:
		return "message"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// LossCause says whether a lost link may be resumed with the stored credentials.
type LossCause int

const (
	// CauseRecoverable means the transport dropped; credentials are still valid.
	CauseRecoverable LossCause = iota + 1
	// CauseTerminal means the account was unlinked; credentials are useless.
	CauseTerminal
)

func (c LossCause) String() string {
	switch c {
	case CauseRecoverable:
		return "recoverable"
	case CauseTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Event is emitted by a Connection. Exactly the fields for Kind are set.
type Event struct {
	Kind        EventKind
	PairingCode string        // EventPairingCode
	AccountID   string        // EventLinkEstablished
	Cause       LossCause     // EventLinkLost
	Reason      string        // EventLinkLost, for logs
	Message     *MessageEvent // EventMessage
}

// PairingCode builds an EventPairingCode.
func PairingCode(code string) Event {
	return Event{Kind: EventPairingCode, PairingCode: code}
}

// LinkEstablished builds an EventLinkEstablished.
func LinkEstablished(accountID string) Event {
	return Event{Kind: EventLinkEstablished, AccountID: accountID}
}

// LinkLost builds an EventLinkLost.
func LinkLost(cause LossCause, reason string) Event {
	return Event{Kind: EventLinkLost, Cause: cause, Reason: reason}
}

// MessageReceived builds an EventMessage.
func MessageReceived(msg MessageEvent) Event {
	return Event{Kind: EventMessage, Message: &msg}
}

// MessageEvent is a message observed on the connection.
type MessageEvent struct {
	ExternalID string
	FromMe     bool // sent from the linked account by another device
	From       string
	Chat       string
	Body       string
	Timestamp  time.Time
}

// Recipient addresses an outbound message. At least one field must be set;
// JID wins when both are.
type Recipient struct {
	Phone string
	JID   string
}

// Validate rejects recipients that can never be delivered to.
func (r Recipient) Validate() error {
	if strings.TrimSpace(r.JID) != "" {
		return nil
	}
	phone := strings.TrimSpace(r.Phone)
	if phone == "" {
		return fmt.Errorf("%w: neither phone nor jid set", ErrInvalidRecipient)
	}
	digits := NormalizePhone(phone)
	if len(digits) < 6 || len(digits) > 15 {
		return fmt.Errorf("%w: phone %q must have 6 to 15 digits", ErrInvalidRecipient, phone)
	}
	return nil
}

func (r Recipient) String() string {
	if r.JID != "" {
		return r.JID
	}
	return r.Phone
}

// NormalizePhone strips everything but digits from a phone number.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, ch := range phone {
		if ch >= '0' && ch <= '9' {
			b.WriteRune(ch)
		}
	}
	return b.String()
}

// ConnectRequest identifies the session being connected. An empty AccountID
// asks the driver to start a fresh pairing.
type ConnectRequest struct {
	SessionID string
	AccountID string
}

// Connection is one physical link for one session. Events is closed once the
// connection is disconnected.
type Connection interface {
	Events() <-chan Event
	// Send delivers a text message and returns the platform's message id.
	Send(ctx context.Context, to Recipient, body string) (string, error)
	// Logout unlinks the account on the platform side. Best effort.
	Logout(ctx context.Context) error
	// Disconnect drops the transport but keeps credentials.
	Disconnect()
}

// Driver opens connections and manages their stored credentials.
type Driver interface {
	Connect(ctx context.Context, req ConnectRequest) (Connection, error)
	// Purge destroys the stored credentials for a session's account.
	Purge(ctx context.Context, sessionID, accountID string) error
	Close() error
}
