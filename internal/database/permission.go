package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wacall/wacall/internal/database/models"
)

// permissionRepo implements PermissionRepository.
type permissionRepo struct {
	db *DB
}

// NewPermissionRepository creates a new PermissionRepository.
func NewPermissionRepository(db *DB) PermissionRepository {
	return &permissionRepo{db: db}
}

const permissionColumns = `id, customer_number, business_number, status,
	granted_at, expires_at, calls_in_24h, last_call_at, requests_in_24h,
	requests_in_7d, request_sent_at, created_at, updated_at`

// Get returns the permission record for a (customer, business) pair.
func (r *permissionRepo) Get(ctx context.Context, customerNumber, businessNumber string) (*models.CallPermission, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+permissionColumns+` FROM call_permissions
		 WHERE customer_number = ? AND business_number = ?`,
		customerNumber, businessNumber,
	)

	var p models.CallPermission
	err := row.Scan(
		&p.ID, &p.CustomerNumber, &p.BusinessNumber, &p.Status,
		&p.GrantedAt, &p.ExpiresAt, &p.CallsIn24h, &p.LastCallAt,
		&p.RequestsIn24h, &p.RequestsIn7d, &p.RequestSentAt,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning permission: %w", err)
	}
	return &p, nil
}

// Create inserts a new permission record.
func (r *permissionRepo) Create(ctx context.Context, perm *models.CallPermission) error {
	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO call_permissions (customer_number, business_number, status,
		 granted_at, expires_at, calls_in_24h, last_call_at, requests_in_24h,
		 requests_in_7d, request_sent_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		perm.CustomerNumber, perm.BusinessNumber, perm.Status,
		perm.GrantedAt, perm.ExpiresAt, perm.CallsIn24h, perm.LastCallAt,
		perm.RequestsIn24h, perm.RequestsIn7d, perm.RequestSentAt, now, now,
	)
	if err != nil {
		return fmt.Errorf("inserting permission: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	perm.ID = id
	return nil
}

// Update modifies an existing permission record.
func (r *permissionRepo) Update(ctx context.Context, perm *models.CallPermission) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE call_permissions SET status = ?, granted_at = ?, expires_at = ?,
		 calls_in_24h = ?, last_call_at = ?, requests_in_24h = ?,
		 requests_in_7d = ?, request_sent_at = ?, updated_at = ?
		 WHERE customer_number = ? AND business_number = ?`,
		perm.Status, perm.GrantedAt, perm.ExpiresAt,
		perm.CallsIn24h, perm.LastCallAt, perm.RequestsIn24h,
		perm.RequestsIn7d, perm.RequestSentAt, time.Now().UTC(),
		perm.CustomerNumber, perm.BusinessNumber,
	)
	if err != nil {
		return fmt.Errorf("updating permission: %w", err)
	}
	return nil
}

// List returns permission records, optionally filtered by status,
// most recently updated first.
func (r *permissionRepo) List(ctx context.Context, status string) ([]models.CallPermission, error) {
	query := `SELECT ` + permissionColumns + ` FROM call_permissions`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY updated_at DESC LIMIT 500`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing permissions: %w", err)
	}
	defer rows.Close()

	var perms []models.CallPermission
	for rows.Next() {
		var p models.CallPermission
		err := rows.Scan(
			&p.ID, &p.CustomerNumber, &p.BusinessNumber, &p.Status,
			&p.GrantedAt, &p.ExpiresAt, &p.CallsIn24h, &p.LastCallAt,
			&p.RequestsIn24h, &p.RequestsIn7d, &p.RequestSentAt,
			&p.CreatedAt, &p.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning permission: %w", err)
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// ExpireGranted marks granted permissions past their expiry as expired.
func (r *permissionRepo) ExpireGranted(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE call_permissions SET status = ?, updated_at = ?
		 WHERE status = ? AND expires_at IS NOT NULL AND expires_at < ?`,
		models.PermissionExpired, time.Now().UTC(),
		models.PermissionGranted, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("expiring permissions: %w", err)
	}
	return result.RowsAffected()
}
