package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wacall/wacall/internal/database/models"
)

// callRepo implements CallRepository.
type callRepo struct {
	db *DB
}

// NewCallRepository creates a new CallRepository.
func NewCallRepository(db *DB) CallRepository {
	return &callRepo{db: db}
}

const callColumns = `id, call_id, provider_call_id, direction, customer_number,
	customer_name, business_number, status, gateway_session_id,
	gateway_handle_id, gateway_room_id, started_at, answered_at, ended_at,
	duration_seconds, fail_reason, created_at, updated_at`

// Create inserts a new call record.
func (r *callRepo) Create(ctx context.Context, call *models.Call) error {
	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO calls (call_id, provider_call_id, direction, customer_number,
		 customer_name, business_number, status, gateway_session_id,
		 gateway_handle_id, gateway_room_id, started_at, answered_at, ended_at,
		 duration_seconds, fail_reason, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		call.CallID, call.ProviderCallID, call.Direction, call.CustomerNumber,
		call.CustomerName, call.BusinessNumber, call.Status, call.GatewaySessionID,
		call.GatewayHandleID, call.GatewayRoomID, call.StartedAt, call.AnsweredAt,
		call.EndedAt, call.DurationSeconds, call.FailReason, now, now,
	)
	if err != nil {
		return fmt.Errorf("inserting call: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	call.ID = id
	return nil
}

// GetByCallID returns a call by its engine/provider call id.
func (r *callRepo) GetByCallID(ctx context.Context, callID string) (*models.Call, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE call_id = ?`, callID,
	))
}

// GetByProviderCallID returns an outbound call by the Cloud API call id.
func (r *callRepo) GetByProviderCallID(ctx context.Context, providerCallID string) (*models.Call, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE provider_call_id = ?`, providerCallID,
	))
}

// Update modifies an existing call record.
func (r *callRepo) Update(ctx context.Context, call *models.Call) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE calls SET provider_call_id = ?, status = ?, gateway_session_id = ?,
		 gateway_handle_id = ?, gateway_room_id = ?, answered_at = ?, ended_at = ?,
		 duration_seconds = ?, fail_reason = ?, customer_name = ?,
		 updated_at = ? WHERE call_id = ?`,
		call.ProviderCallID, call.Status, call.GatewaySessionID,
		call.GatewayHandleID, call.GatewayRoomID, call.AnsweredAt, call.EndedAt,
		call.DurationSeconds, call.FailReason, call.CustomerName,
		time.Now().UTC(), call.CallID,
	)
	if err != nil {
		return fmt.Errorf("updating call: %w", err)
	}
	return nil
}

// List returns calls matching the filter, most recent first.
func (r *callRepo) List(ctx context.Context, filter CallListFilter) ([]models.Call, error) {
	where := "1=1"
	args := []any{}

	if filter.Direction != "" {
		where += " AND direction = ?"
		args = append(args, filter.Direction)
	}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.CustomerNumber != "" {
		where += " AND customer_number = ?"
		args = append(args, filter.CustomerNumber)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE `+where+
			` ORDER BY started_at DESC LIMIT ? OFFSET ?`, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("listing calls: %w", err)
	}
	defer rows.Close()

	var calls []models.Call
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, *call)
	}
	return calls, rows.Err()
}

// CountByDisposition returns call counts grouped by final status.
func (r *callRepo) CountByDisposition(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM calls GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting calls: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning call count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *callRepo) scanOne(row *sql.Row) (*models.Call, error) {
	call, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return call, err
}

func scanCall(row rowScanner) (*models.Call, error) {
	var c models.Call
	err := row.Scan(
		&c.ID, &c.CallID, &c.ProviderCallID, &c.Direction, &c.CustomerNumber,
		&c.CustomerName, &c.BusinessNumber, &c.Status, &c.GatewaySessionID,
		&c.GatewayHandleID, &c.GatewayRoomID, &c.StartedAt, &c.AnsweredAt,
		&c.EndedAt, &c.DurationSeconds, &c.FailReason, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning call: %w", err)
	}
	return &c, nil
}
