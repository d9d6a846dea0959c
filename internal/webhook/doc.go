// Package webhook delivers gateway events to tenant-owned HTTP endpoints.
//
// Each event is serialized once into the envelope
//
//	{"type": "...", "tenant_id": "...", "session_id": "...", "timestamp": "...", "data": {...}}
//
// and posted with X-Webhook-Source, X-Webhook-Event, X-Webhook-Timestamp and
// X-Webhook-Attempt headers. When the tenant has a secret, X-Webhook-Signature
// carries the hex HMAC-SHA256 of the raw body; it is identical on every attempt.
//
// Attempts follow a delay schedule indexed by attempt number (by default
// 0, 5s, 30s, 5m) up to a maximum attempt count, each with its own timeout.
// Any non-2xx response or network error counts as a failed attempt. After the
// last failure the event is written to the optional bbolt DeadLetterBox, from
// where tenants can list and replay it.
//
// Submit runs Deliver on a bounded ants pool so callers never wait on a slow
// endpoint. Events are not ordered relative to each other.
package webhook
