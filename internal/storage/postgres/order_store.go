package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"swap-engine/internal/domain"
	"swap-engine/internal/observability"
	"swap-engine/internal/storage"
)

// OrderStore implements storage.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *Pool
}

// NewOrderStore creates a new OrderStore.
func NewOrderStore(pool *Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// Compile-time interface check.
var _ storage.OrderStore = (*OrderStore)(nil)

const orderColumns = `
	id::text, token_in, token_out, amount::text, slippage::text, wallet_address,
	execution_mode, status, selected_venue, quoted_price::text, executed_price::text,
	tx_hash, failure_reason, retry_attempt, max_retries, queue_position, duration_ms,
	created_at, updated_at, completed_at
`

// Insert adds a new order. Returns ErrDuplicateKey if id exists.
func (s *OrderStore) Insert(ctx context.Context, o *domain.Order) (err error) {
	defer observe("insert", time.Now(), &err)
	if o == nil || o.ID == "" || !o.Status.Valid() {
		return storage.ErrInvalidInput
	}

	createdAt := o.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO orders (
			id, token_in, token_out, amount, slippage, wallet_address,
			execution_mode, status, retry_attempt, max_retries, queue_position,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4::numeric, $5::numeric, $6,
			$7, $8, $9, $10, $11,
			$12, $12
		)
	`

	_, err = s.pool.Exec(ctx, query,
		o.ID, o.TokenIn, o.TokenOut, o.Amount.String(), o.Slippage.String(), o.WalletAddress,
		string(o.ExecutionMode), string(o.Status), o.RetryAttempt, o.MaxRetries, o.QueuePosition,
		createdAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// Update applies a guarded partial update in a single statement.
// The WHERE clause enforces the legal predecessor set and write-once columns;
// when no row matches, the current row is reloaded to report why.
func (s *OrderStore) Update(ctx context.Context, id string, u domain.OrderUpdate) (_ *domain.Order, err error) {
	defer observe("update", time.Now(), &err)
	if id == "" {
		return nil, storage.ErrInvalidInput
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, storage.ErrNotFound
	}

	var status *string
	var predecessors []string
	if u.Status != nil {
		status = domain.Ptr(string(*u.Status))
		for _, p := range domain.Predecessors(*u.Status) {
			predecessors = append(predecessors, string(p))
		}
	}

	query := `
		UPDATE orders SET
			status         = COALESCE($2::text, status),
			selected_venue = COALESCE($3::text, selected_venue),
			quoted_price   = COALESCE($4::numeric, quoted_price),
			executed_price = COALESCE(executed_price, $5::numeric),
			tx_hash        = COALESCE(tx_hash, $6::text),
			failure_reason = COALESCE($7::text, failure_reason),
			retry_attempt  = COALESCE($8::int, retry_attempt),
			max_retries    = COALESCE($9::int, max_retries),
			queue_position = COALESCE($10::int, queue_position),
			duration_ms    = COALESCE($11::bigint, duration_ms),
			completed_at   = CASE WHEN $2::text IN ('confirmed', 'failed') THEN now() ELSE completed_at END,
			updated_at     = now()
		WHERE id = $1
			AND ($2::text IS NULL OR status = ANY($12::text[]))
			AND ($5::numeric IS NULL OR executed_price IS NULL OR executed_price = $5::numeric)
			AND ($6::text IS NULL OR tx_hash IS NULL OR tx_hash = $6::text)
		RETURNING ` + orderColumns

	row := s.pool.QueryRow(ctx, query,
		id, status, u.SelectedVenue, decimalArg(u.QuotedPrice), decimalArg(u.ExecutedPrice),
		u.TransactionReference, u.FailureReason, u.RetryAttempt, u.MaxRetries, u.QueuePosition,
		u.DurationMs, predecessors,
	)

	o, err := scanOrder(row)
	if err == nil {
		return o, nil
	}
	if !isNotFoundError(err) {
		return nil, fmt.Errorf("update order: %w", err)
	}

	current, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if applyErr := storage.ApplyUpdate(current, u, time.Now()); applyErr != nil {
		return nil, applyErr
	}
	// Raced with a concurrent writer between the UPDATE and the reload.
	return nil, storage.ErrInvalidTransition
}

// Get retrieves an order by id. Returns ErrNotFound if not exists.
func (s *OrderStore) Get(ctx context.Context, id string) (_ *domain.Order, err error) {
	defer observe("get", time.Now(), &err)
	if _, err := uuid.Parse(id); err != nil {
		return nil, storage.ErrNotFound
	}

	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	o, err := scanOrder(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// List returns up to limit orders ordered by created_at DESC.
func (s *OrderStore) List(ctx context.Context, limit int) (_ []*domain.Order, err error) {
	defer observe("list", time.Now(), &err)
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + orderColumns + ` FROM orders ORDER BY created_at DESC, id DESC LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var result []*domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		result = append(result, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return result, nil
}

// observe records query latency. Expected outcomes (not found, rejected
// transitions) are not counted as errors.
func observe(op string, start time.Time, errp *error) {
	err := *errp
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidTransition) ||
		errors.Is(err, storage.ErrWriteOnce) || errors.Is(err, storage.ErrDuplicateKey) {
		err = nil
	}
	observability.RecordDBQuery("postgres", op, time.Since(start).Seconds(), err)
}

func decimalArg(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	return domain.Ptr(d.String())
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var (
		o                              domain.Order
		amount, slippage, mode, status string
		quotedPrice, executedPrice     *string
		queuePosition                  *int32
		retryAttempt, maxRetries       int32
	)

	err := row.Scan(
		&o.ID, &o.TokenIn, &o.TokenOut, &amount, &slippage, &o.WalletAddress,
		&mode, &status, &o.SelectedVenue, &quotedPrice, &executedPrice,
		&o.TransactionReference, &o.FailureReason, &retryAttempt, &maxRetries, &queuePosition, &o.DurationMs,
		&o.CreatedAt, &o.UpdatedAt, &o.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	if o.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	if o.Slippage, err = decimal.NewFromString(slippage); err != nil {
		return nil, fmt.Errorf("parse slippage: %w", err)
	}
	if o.QuotedPrice, err = parseDecimalPtr(quotedPrice); err != nil {
		return nil, fmt.Errorf("parse quoted price: %w", err)
	}
	if o.ExecutedPrice, err = parseDecimalPtr(executedPrice); err != nil {
		return nil, fmt.Errorf("parse executed price: %w", err)
	}
	if o.Status, err = domain.ParseStatus(status); err != nil {
		return nil, err
	}

	o.ExecutionMode = domain.ExecutionMode(mode)
	o.RetryAttempt = int(retryAttempt)
	o.MaxRetries = int(maxRetries)
	if queuePosition != nil {
		o.QueuePosition = domain.Ptr(int(*queuePosition))
	}
	return &o, nil
}

func parseDecimalPtr(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
