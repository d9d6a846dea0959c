// ABOUTME: SQLite persistence for session records
// ABOUTME: Mirrors live session status so sessions can be restored after restart

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const sessionColumns = `id, tenant_id, status, account_id, pairing_code, created_at, updated_at`

// CreateSession inserts a session record. Returns ErrDuplicate if the id is taken.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		session.ID,
		session.TenantID,
		session.Status,
		nullString(session.AccountID),
		nullString(session.PairingCode),
		formatTime(session.CreatedAt),
		formatTime(session.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return sess, nil
}

// ListSessions returns every stored session, oldest first
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*Session, error) {
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at ASC`)
}

// ListTenantSessions returns the sessions owned by one tenant, oldest first
func (s *SQLiteStore) ListTenantSessions(ctx context.Context, tenantID string) ([]*Session, error) {
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE tenant_id = ? ORDER BY created_at ASC`,
		tenantID)
}

func (s *SQLiteStore) querySessions(ctx context.Context, query string, args ...any) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateSession applies a partial update.
// Returns ErrNotFound if the session no longer exists.
func (s *SQLiteStore) UpdateSession(ctx context.Context, id string, update SessionUpdate) error {
	var set setClause
	if update.Status != nil {
		set.add("status", *update.Status)
	}
	if update.AccountID != nil {
		set.add("account_id", nullString(*update.AccountID))
	}
	if update.PairingCode != nil {
		set.add("pairing_code", nullString(*update.PairingCode))
	}
	set.add("updated_at", formatTime(time.Now()))

	err := s.execUpdate(ctx, `UPDATE sessions SET `+set.sql()+` WHERE id = ?`, append(set.args, id)...)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("updating session: %w", err)
	}
	return err
}

// DeleteSession removes a session and its messages.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	err := s.execUpdate(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("deleting session: %w", err)
	}
	return err
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var account, code sql.NullString
	var createdAt, updated string
	err := row.Scan(&sess.ID, &sess.TenantID, &sess.Status, &account, &code, &createdAt, &updated)
	if err != nil {
		return nil, err
	}
	sess.AccountID = account.String
	sess.PairingCode = code.String
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updated)
	return &sess, nil
}
