package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"swap-engine/internal/domain"
	"swap-engine/internal/observability"
	"swap-engine/internal/storage"
)

// ExecutionRecordStore implements storage.ExecutionRecordStore using ClickHouse.
type ExecutionRecordStore struct {
	conn *Conn
}

// NewExecutionRecordStore creates a new ExecutionRecordStore.
func NewExecutionRecordStore(conn *Conn) *ExecutionRecordStore {
	return &ExecutionRecordStore{conn: conn}
}

// Compile-time interface check.
var _ storage.ExecutionRecordStore = (*ExecutionRecordStore)(nil)

// Insert adds a record. Returns ErrDuplicateKey if order_id exists.
func (s *ExecutionRecordStore) Insert(ctx context.Context, r *domain.ExecutionRecord) (err error) {
	defer observe("insert", time.Now(), &err)
	if r == nil || r.OrderID == "" || !r.Status.IsTerminal() {
		return storage.ErrInvalidInput
	}

	// ReplacingMergeTree would silently collapse duplicates; reject them instead.
	exists, err := s.exists(ctx, r.OrderID)
	if err != nil {
		return fmt.Errorf("check exists: %w", err)
	}
	if exists {
		return storage.ErrDuplicateKey
	}

	query := `
		INSERT INTO execution_records (
			order_id, token_in, token_out, amount, execution_mode, status, venue,
			quoted_price, executed_price, failure_reason, attempts, duration_ms, completed_at
		) VALUES (
			?, ?, ?, ?, ?, ?, ?,
			?, ?, ?, ?, ?, ?
		)
	`

	err = s.conn.Exec(ctx, query,
		r.OrderID, r.TokenIn, r.TokenOut, r.Amount, string(r.ExecutionMode), string(r.Status), r.Venue,
		r.QuotedPrice, r.ExecutedPrice, r.FailureReason, uint8(r.Attempts), r.DurationMs, r.CompletedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert execution record: %w", err)
	}
	return nil
}

// GetByOrderID retrieves a record by order id.
func (s *ExecutionRecordStore) GetByOrderID(ctx context.Context, orderID string) (*domain.ExecutionRecord, error) {
	query := `
		SELECT
			order_id, token_in, token_out, amount, execution_mode, status, venue,
			quoted_price, executed_price, failure_reason, attempts, duration_ms, completed_at
		FROM execution_records FINAL
		WHERE order_id = ?
		LIMIT 1
	`

	var (
		r                        domain.ExecutionRecord
		mode, status             string
		amount, quoted, executed decimal.Decimal
		attempts                 uint8
		completedAt              time.Time
	)
	err := s.conn.QueryRow(ctx, query, orderID).Scan(
		&r.OrderID, &r.TokenIn, &r.TokenOut, &amount, &mode, &status, &r.Venue,
		&quoted, &executed, &r.FailureReason, &attempts, &r.DurationMs, &completedAt,
	)
	if err != nil {
		return nil, storage.ErrNotFound
	}

	r.Amount = amount
	r.QuotedPrice = quoted
	r.ExecutedPrice = executed
	r.ExecutionMode = domain.ExecutionMode(mode)
	r.Status = domain.Status(status)
	r.Attempts = int(attempts)
	r.CompletedAt = completedAt
	return &r, nil
}

// CountByVenue returns record counts per venue for status.
func (s *ExecutionRecordStore) CountByVenue(ctx context.Context, status domain.Status) (_ map[string]int64, err error) {
	defer observe("count_by_venue", time.Now(), &err)
	query := `
		SELECT venue, count() FROM execution_records FINAL
		WHERE status = ?
		GROUP BY venue
	`

	rows, err := s.conn.Query(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("query venue counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var venue string
		var n uint64
		if err := rows.Scan(&venue, &n); err != nil {
			return nil, fmt.Errorf("scan venue count: %w", err)
		}
		counts[venue] = int64(n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate venue counts: %w", err)
	}
	return counts, nil
}

func (s *ExecutionRecordStore) exists(ctx context.Context, orderID string) (bool, error) {
	var count uint64
	err := s.conn.QueryRow(ctx, `SELECT count() FROM execution_records FINAL WHERE order_id = ?`, orderID).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func observe(op string, start time.Time, errp *error) {
	err := *errp
	if errors.Is(err, storage.ErrDuplicateKey) {
		err = nil
	}
	observability.RecordDBQuery("clickhouse", op, time.Since(start).Seconds(), err)
}
