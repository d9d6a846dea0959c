// ABOUTME: Store interface and data types for tether-gateway persistence
// ABOUTME: Defines Tenant, Session and Message records and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when inserting a record whose id already exists
var ErrDuplicate = errors.New("already exists")

// Message directions
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Message statuses. Outbound records start queued and end sent or failed;
// inbound records are stored as received.
const (
	MessageQueued   = "queued"
	MessageSent     = "sent"
	MessageFailed   = "failed"
	MessageReceived = "received"
)

// Tenant owns sessions and receives their webhook events
type Tenant struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	WebhookURL    string    `json:"webhook_url,omitempty"`
	WebhookSecret string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Session is the persisted mirror of a live session's lifecycle
type Session struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Status      string    `json:"status"`
	AccountID   string    `json:"account_id,omitempty"`
	PairingCode string    `json:"pairing_code,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SessionUpdate holds the fields to change on a session. Nil fields are left alone.
type SessionUpdate struct {
	Status      *string
	AccountID   *string
	PairingCode *string
}

// Message is a single inbound or outbound message record
type Message struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	TenantID      string    `json:"tenant_id"`
	Direction     string    `json:"direction"`
	Recipient     string    `json:"recipient,omitempty"`     // phone number digits
	RecipientJID  string    `json:"recipient_jid,omitempty"` // protocol-native address
	Sender        string    `json:"sender,omitempty"`
	Body          string    `json:"body"`
	Status        string    `json:"status"`
	ExternalID    string    `json:"external_id,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	Attempts      int       `json:"attempts"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// MessageUpdate holds the fields to change on a message. Nil fields are left alone.
type MessageUpdate struct {
	Status        *string
	ExternalID    *string
	FailureReason *string
	Attempts      *int
}

// Store defines the persistence operations used by the gateway
type Store interface {
	// Tenants
	CreateTenant(ctx context.Context, tenant *Tenant) error
	GetTenant(ctx context.Context, id string) (*Tenant, error)
	ListTenants(ctx context.Context) ([]*Tenant, error)
	UpdateTenantWebhook(ctx context.Context, id, url, secret string) error

	// Sessions
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context) ([]*Session, error)
	ListTenantSessions(ctx context.Context, tenantID string) ([]*Session, error)
	UpdateSession(ctx context.Context, id string, update SessionUpdate) error
	DeleteSession(ctx context.Context, id string) error

	// Messages
	InsertMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	UpdateMessage(ctx context.Context, id string, update MessageUpdate) error
	ListQueued(ctx context.Context, sessionID string, limit int) ([]*Message, error)
	ListMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error)

	Close() error
}

// Ptr returns a pointer to v, for building update structs.
func Ptr[T any](v T) *T {
	return &v
}
