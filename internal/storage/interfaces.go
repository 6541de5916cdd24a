package storage

import (
	"context"

	"swap-engine/internal/domain"
)

// OrderStore provides access to the orders table.
type OrderStore interface {
	// Insert adds a new order. Returns ErrDuplicateKey if the id exists.
	Insert(ctx context.Context, o *domain.Order) error

	// Update applies a partial update. Returns ErrNotFound if the order does
	// not exist, ErrInvalidTransition if the status change is illegal and
	// ErrWriteOnce if a write-once field would change. Returns the stored order.
	Update(ctx context.Context, id string, u domain.OrderUpdate) (*domain.Order, error)

	// Get retrieves an order by id. Returns ErrNotFound if not exists.
	Get(ctx context.Context, id string) (*domain.Order, error)

	// List returns up to limit orders, newest first.
	List(ctx context.Context, limit int) ([]*domain.Order, error)
}

// ExecutionRecordStore provides access to execution summaries.
type ExecutionRecordStore interface {
	// Insert adds a record. Returns ErrDuplicateKey if order_id exists.
	Insert(ctx context.Context, r *domain.ExecutionRecord) error

	// GetByOrderID retrieves a record. Returns ErrNotFound if not exists.
	GetByOrderID(ctx context.Context, orderID string) (*domain.ExecutionRecord, error)

	// CountByVenue returns the number of records per venue for a status.
	CountByVenue(ctx context.Context, status domain.Status) (map[string]int64, error)
}
