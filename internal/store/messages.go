// ABOUTME: SQLite persistence for inbound and outbound message records
// ABOUTME: Provides the queued-record scan used by the delivery poller

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const messageColumns = `id, session_id, tenant_id, direction, recipient, recipient_jid, sender,
	body, status, external_id, failure_reason, attempts, created_at, updated_at`

// InsertMessage stores a new message record. Returns ErrDuplicate if the id is taken.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *Message) error {
	now := time.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		msg.SessionID,
		msg.TenantID,
		msg.Direction,
		nullString(msg.Recipient),
		nullString(msg.RecipientJID),
		nullString(msg.Sender),
		msg.Body,
		msg.Status,
		nullString(msg.ExternalID),
		nullString(msg.FailureReason),
		msg.Attempts,
		formatTime(msg.CreatedAt),
		formatTime(msg.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			// Also covers a missing parent session (foreign key)
			if _, getErr := s.GetMessage(ctx, msg.ID); getErr == nil {
				return ErrDuplicate
			}
		}
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// GetMessage retrieves a message by ID.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)

	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return msg, nil
}

// UpdateMessage applies a partial update.
// Returns ErrNotFound if the message no longer exists.
func (s *SQLiteStore) UpdateMessage(ctx context.Context, id string, update MessageUpdate) error {
	var set setClause
	if update.Status != nil {
		set.add("status", *update.Status)
	}
	if update.ExternalID != nil {
		set.add("external_id", nullString(*update.ExternalID))
	}
	if update.FailureReason != nil {
		set.add("failure_reason", nullString(*update.FailureReason))
	}
	if update.Attempts != nil {
		set.add("attempts", *update.Attempts)
	}
	set.add("updated_at", formatTime(time.Now()))

	err := s.execUpdate(ctx, `UPDATE messages SET `+set.sql()+` WHERE id = ?`, append(set.args, id)...)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("updating message: %w", err)
	}
	return err
}

// ListQueued returns up to limit queued outbound messages for a session, oldest first.
// If limit is 0 or negative, all queued messages are returned.
func (s *SQLiteStore) ListQueued(ctx context.Context, sessionID string, limit int) ([]*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE session_id = ? AND status = 'queued' AND direction = 'outbound'
		ORDER BY created_at ASC, rowid ASC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryMessages(ctx, query, args...)
}

// ListMessages returns the most recent limit messages for a session in chronological order.
// If limit is 0 or negative, all messages are returned.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		return s.queryMessages(ctx,
			`SELECT `+messageColumns+` FROM messages WHERE session_id = ? ORDER BY created_at ASC`,
			sessionID)
	}

	// Newest N, returned oldest first
	return s.queryMessages(ctx, `
		SELECT * FROM (
			SELECT `+messageColumns+` FROM messages
			WHERE session_id = ?
			ORDER BY created_at DESC
			LIMIT ?
		) ORDER BY created_at ASC
	`, sessionID, limit)
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var recipient, jid, sender, extID, failure sql.NullString
	var createdAt, updated string
	err := row.Scan(
		&msg.ID, &msg.SessionID, &msg.TenantID, &msg.Direction,
		&recipient, &jid, &sender,
		&msg.Body, &msg.Status, &extID, &failure, &msg.Attempts,
		&createdAt, &updated,
	)
	if err != nil {
		return nil, err
	}
	msg.Recipient = recipient.String
	msg.RecipientJID = jid.String
	msg.Sender = sender.String
	msg.ExternalID = extID.String
	msg.FailureReason = failure.String
	msg.CreatedAt = parseTime(createdAt)
	msg.UpdatedAt = parseTime(updated)
	return &msg, nil
}
