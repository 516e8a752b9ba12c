package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wacall/wacall/internal/database/models"
)

// numberRepo implements NumberRepository.
type numberRepo struct {
	db *DB
}

// NewNumberRepository creates a new NumberRepository.
func NewNumberRepository(db *DB) NumberRepository {
	return &numberRepo{db: db}
}

const numberColumns = `id, phone_number, phone_number_id, display_name,
	status, access_token, last_used_at, created_at, updated_at`

// Create inserts a new business number.
func (r *numberRepo) Create(ctx context.Context, num *models.BusinessNumber) error {
	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO business_numbers (phone_number, phone_number_id,
		 display_name, status, access_token, last_used_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		num.PhoneNumber, num.PhoneNumberID, num.DisplayName, num.Status,
		num.AccessToken, num.LastUsedAt, now, now,
	)
	if err != nil {
		return fmt.Errorf("inserting business number: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	num.ID = id
	return nil
}

// GetByPhoneNumber returns a business number by its E.164 phone number.
func (r *numberRepo) GetByPhoneNumber(ctx context.Context, phoneNumber string) (*models.BusinessNumber, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+numberColumns+` FROM business_numbers WHERE phone_number = ?`,
		phoneNumber,
	))
}

// FirstActive returns the first active business number, used as the
// default caller identity when no number is specified.
func (r *numberRepo) FirstActive(ctx context.Context) (*models.BusinessNumber, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+numberColumns+` FROM business_numbers
		 WHERE status = 'active' ORDER BY id LIMIT 1`,
	))
}

// List returns all business numbers.
func (r *numberRepo) List(ctx context.Context) ([]models.BusinessNumber, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+numberColumns+` FROM business_numbers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing business numbers: %w", err)
	}
	defer rows.Close()

	var nums []models.BusinessNumber
	for rows.Next() {
		var n models.BusinessNumber
		if err := scanNumber(rows, &n); err != nil {
			return nil, err
		}
		nums = append(nums, n)
	}
	return nums, rows.Err()
}

// Update modifies an existing business number.
func (r *numberRepo) Update(ctx context.Context, num *models.BusinessNumber) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE business_numbers SET phone_number_id = ?, display_name = ?,
		 status = ?, access_token = ?, last_used_at = ?, updated_at = ?
		 WHERE phone_number = ?`,
		num.PhoneNumberID, num.DisplayName, num.Status, num.AccessToken,
		num.LastUsedAt, time.Now().UTC(), num.PhoneNumber,
	)
	if err != nil {
		return fmt.Errorf("updating business number: %w", err)
	}
	return nil
}

// TouchLastUsed stamps the number as just used for a call.
func (r *numberRepo) TouchLastUsed(ctx context.Context, phoneNumber string) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		`UPDATE business_numbers SET last_used_at = ?, updated_at = ? WHERE phone_number = ?`,
		now, now, phoneNumber,
	)
	if err != nil {
		return fmt.Errorf("touching business number: %w", err)
	}
	return nil
}

func (r *numberRepo) scanOne(row *sql.Row) (*models.BusinessNumber, error) {
	var n models.BusinessNumber
	err := scanNumber(row, &n)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func scanNumber(row rowScanner, n *models.BusinessNumber) error {
	err := row.Scan(
		&n.ID, &n.PhoneNumber, &n.PhoneNumberID, &n.DisplayName,
		&n.Status, &n.AccessToken, &n.LastUsedAt, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return err
		}
		return fmt.Errorf("scanning business number: %w", err)
	}
	return nil
}
