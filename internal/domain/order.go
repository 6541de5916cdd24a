package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionMode selects which router implementation serves an order.
type ExecutionMode string

const (
	ExecutionModeSimulated ExecutionMode = "simulated"
	ExecutionModeLive      ExecutionMode = "live"
)

// Valid reports whether m is a known mode.
func (m ExecutionMode) Valid() bool {
	return m == ExecutionModeSimulated || m == ExecutionModeLive
}

// Order is the persisted record of a swap request.
// ExecutedPrice and TransactionReference are write-once; CompletedAt is
// set only when the order enters a terminal status.
type Order struct {
	ID                   string
	TokenIn              string
	TokenOut             string
	Amount               decimal.Decimal
	Slippage             decimal.Decimal
	WalletAddress        string
	ExecutionMode        ExecutionMode
	Status               Status
	SelectedVenue        *string
	QuotedPrice          *decimal.Decimal
	ExecutedPrice        *decimal.Decimal
	TransactionReference *string
	FailureReason        *string
	RetryAttempt         int
	MaxRetries           int
	QueuePosition        *int
	DurationMs           *int64
	CreatedAt            time.Time
	UpdatedAt            time.Time
	CompletedAt          *time.Time
}

// Clone returns a deep copy of o.
func (o *Order) Clone() *Order {
	c := *o
	c.SelectedVenue = clonePtr(o.SelectedVenue)
	c.QuotedPrice = clonePtr(o.QuotedPrice)
	c.ExecutedPrice = clonePtr(o.ExecutedPrice)
	c.TransactionReference = clonePtr(o.TransactionReference)
	c.FailureReason = clonePtr(o.FailureReason)
	c.QueuePosition = clonePtr(o.QueuePosition)
	c.DurationMs = clonePtr(o.DurationMs)
	c.CompletedAt = clonePtr(o.CompletedAt)
	return &c
}

// OrderUpdate is a partial update. Nil fields are left untouched.
type OrderUpdate struct {
	Status               *Status
	SelectedVenue        *string
	QuotedPrice          *decimal.Decimal
	ExecutedPrice        *decimal.Decimal
	TransactionReference *string
	FailureReason        *string
	RetryAttempt         *int
	MaxRetries           *int
	QueuePosition        *int
	DurationMs           *int64
}

// IsEmpty reports whether the update changes nothing.
func (u OrderUpdate) IsEmpty() bool {
	return u.Status == nil && u.SelectedVenue == nil && u.QuotedPrice == nil &&
		u.ExecutedPrice == nil && u.TransactionReference == nil && u.FailureReason == nil &&
		u.RetryAttempt == nil && u.MaxRetries == nil && u.QueuePosition == nil && u.DurationMs == nil
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
