// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// Store is the single interface the rest of the gateway depends on. SQLiteStore
// implements it on modernc.org/sqlite (pure Go, no cgo) and MockStore implements
// it in memory for tests.
//
// # Data Models
//
//   - Tenant: owner of sessions, carries the webhook URL and signing secret
//   - Session: persisted mirror of a live session (status, account id, pairing code)
//   - Message: inbound or outbound message with delivery status and attempts
//
// # Message Lifecycle
//
// Outbound messages are inserted with status "queued". The delivery poller reads
// queued records with ListQueued and moves each one to "sent" (with the
// platform's external id) or "failed" (with a failure reason). Inbound messages
// are inserted as "received".
//
// # Update Semantics
//
// UpdateSession and UpdateMessage take partial update structs; nil fields are left
// unchanged. Both return ErrNotFound when the record no longer exists, which
// callers use to implement update-if-present after a session was deleted.
//
// # Timestamps
//
// Timestamps are stored as RFC3339Nano strings in UTC and parsed back on read.
//
// # Usage
//
//	s, err := store.NewSQLiteStore("/var/lib/tether/gateway.db")
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	queued, err := s.ListQueued(ctx, sessionID, 100)
package store
