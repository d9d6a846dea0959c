// ABOUTME: Webhook event envelope and HMAC signing
// ABOUTME: The serialized envelope is signed once and reused for every attempt

package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Kind names a webhook event type.
type Kind string

// Event kinds delivered to tenant endpoints.
const (
	MessageReceived     Kind = "message-received"
	MessageSent         Kind = "message-sent"
	MessageFailed       Kind = "message-failed"
	SessionConnected    Kind = "session-connected"
	SessionDisconnected Kind = "session-disconnected"
	PairingCodeIssued   Kind = "pairing-code-issued"
)

// Event is the immutable envelope posted to a tenant's webhook URL.
type Event struct {
	Type      Kind            `json:"type"`
	TenantID  string          `json:"tenant_id"`
	SessionID string          `json:"session_id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(kind Kind, tenantID, sessionID string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("encoding %s payload: %w", kind, err)
	}
	return Event{
		Type:      kind,
		TenantID:  tenantID,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}, nil
}

// Target is where and how to deliver a tenant's events.
type Target struct {
	TenantID string
	URL      string
	Secret   string
}

// Sign returns the hex HMAC-SHA256 of body keyed by secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(secret string, body []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}
