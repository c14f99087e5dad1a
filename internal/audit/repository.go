// Package audit persists the service-call trail: every settled call to
// an aircraft, with its method, transaction id, outcome and latency.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/volition/gcs-core/internal/service"
)

// Filter controls which call records to return.
type Filter struct {
	DeviceID string // optional: filter by aircraft serial
	Method   string // optional: filter by service method
	Status   string // optional: filter by outcome (ok, business_error, timeout, failed, sent)
	Limit    int    // default 50, max 200
	Offset   int    // pagination offset
}

// ListResult contains the paginated call records.
type ListResult struct {
	Calls  []service.CallRecord `json:"calls"`
	Total  int                  `json:"total"`
	Limit  int                  `json:"limit"`
	Offset int                  `json:"offset"`
}

// Repository defines the interface for call-audit operations.
type Repository interface {
	Record(ctx context.Context, rec service.CallRecord) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// SQLiteRepository stores call records in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a call-audit repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Record inserts one settled call. The ID and CreatedAt are generated
// if empty, so the service layer can leave them blank.
func (r *SQLiteRepository) Record(ctx context.Context, rec service.CallRecord) error {
	if rec.ID == "" {
		rec.ID = "call-" + uuid.NewString()[:8]
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	paramsJSON, err := marshalNullable(rec.Params)
	if err != nil {
		return fmt.Errorf("marshalling call params: %w", err)
	}
	outputJSON, err := marshalNullable(rec.Output)
	if err != nil {
		return fmt.Errorf("marshalling call output: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO service_calls (id, device_id, method, tid, params, output, result_code, status, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.DeviceID, rec.Method, rec.TID,
		paramsJSON, outputJSON,
		rec.ResultCode, rec.Status, rec.DurationMs,
		rec.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting call record: %w", err)
	}

	return nil
}

// marshalNullable encodes a map for a nullable TEXT column.
func marshalNullable(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// List returns call records matching the filter, most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 200 { //nolint:mnd // max page size for audit queries
		filter.Limit = 200
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any

	if filter.DeviceID != "" {
		conditions = append(conditions, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if filter.Method != "" {
		conditions = append(conditions, "method = ?")
		args = append(args, filter.Method)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM service_calls %s", where) //nolint:gosec // WHERE built from parameterised conditions, not user input
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting call records: %w", err)
	}

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions, not user input
		"SELECT id, device_id, method, tid, params, output, result_code, status, duration_ms, created_at FROM service_calls %s ORDER BY created_at DESC LIMIT ? OFFSET ?",
		where,
	)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying call records: %w", err)
	}
	defer rows.Close()

	var calls []service.CallRecord
	for rows.Next() {
		rec, err := scanCallRecord(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating call records: %w", err)
	}

	if calls == nil {
		calls = []service.CallRecord{}
	}

	return &ListResult{
		Calls:  calls,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}, nil
}

// scanCallRecord reads one row into a CallRecord.
func scanCallRecord(rows *sql.Rows) (service.CallRecord, error) {
	var rec service.CallRecord
	var paramsJSON, outputJSON sql.NullString
	var createdAt string

	if err := rows.Scan(&rec.ID, &rec.DeviceID, &rec.Method, &rec.TID,
		&paramsJSON, &outputJSON,
		&rec.ResultCode, &rec.Status, &rec.DurationMs, &createdAt); err != nil {
		return rec, fmt.Errorf("scanning call record: %w", err)
	}

	if paramsJSON.Valid && paramsJSON.String != "" {
		var params map[string]any
		if json.Unmarshal([]byte(paramsJSON.String), &params) == nil {
			rec.Params = params
		}
	}
	if outputJSON.Valid && outputJSON.String != "" {
		var output map[string]any
		if json.Unmarshal([]byte(outputJSON.String), &output) == nil {
			rec.Output = output
		}
	}

	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return rec, fmt.Errorf("parsing call record timestamp %q: %w", createdAt, err)
	}
	rec.CreatedAt = t

	return rec, nil
}
