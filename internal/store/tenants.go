// ABOUTME: SQLite persistence for tenants
// ABOUTME: Tenants own sessions and carry the webhook endpoint and signing secret

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateTenant inserts a new tenant. Returns ErrDuplicate if the id is taken.
func (s *SQLiteStore) CreateTenant(ctx context.Context, tenant *Tenant) error {
	now := time.Now().UTC()
	if tenant.CreatedAt.IsZero() {
		tenant.CreatedAt = now
	}
	tenant.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, webhook_url, webhook_secret, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		tenant.ID,
		tenant.Name,
		nullString(tenant.WebhookURL),
		nullString(tenant.WebhookSecret),
		formatTime(tenant.CreatedAt),
		formatTime(tenant.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting tenant: %w", err)
	}
	return nil
}

// GetTenant retrieves a tenant by ID.
// Returns ErrNotFound if the tenant doesn't exist.
func (s *SQLiteStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, webhook_url, webhook_secret, created_at, updated_at
		FROM tenants
		WHERE id = ?
	`, id)

	t, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying tenant: %w", err)
	}
	return t, nil
}

// ListTenants returns all tenants ordered by creation time
func (s *SQLiteStore) ListTenants(ctx context.Context) ([]*Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, webhook_url, webhook_secret, created_at, updated_at
		FROM tenants
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// UpdateTenantWebhook replaces a tenant's webhook URL and secret.
// Empty values clear the webhook, which turns delivery into a no-op.
func (s *SQLiteStore) UpdateTenantWebhook(ctx context.Context, id, url, secret string) error {
	err := s.execUpdate(ctx, `
		UPDATE tenants SET webhook_url = ?, webhook_secret = ?, updated_at = ?
		WHERE id = ?
	`, nullString(url), nullString(secret), formatTime(time.Now()), id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("updating tenant webhook: %w", err)
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (*Tenant, error) {
	var t Tenant
	var url, secret sql.NullString
	var createdAt, updated string
	if err := row.Scan(&t.ID, &t.Name, &url, &secret, &createdAt, &updated); err != nil {
		return nil, err
	}
	t.WebhookURL = url.String
	t.WebhookSecret = secret.String
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updated)
	return &t, nil
}
