package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionRecord summarizes a finished order for analytics.
// One record is written per terminal order; it is not an event log.
type ExecutionRecord struct {
	OrderID       string
	TokenIn       string
	TokenOut      string
	Amount        decimal.Decimal
	ExecutionMode ExecutionMode
	Status        Status
	Venue         string
	QuotedPrice   decimal.Decimal
	ExecutedPrice decimal.Decimal
	FailureReason string
	Attempts      int
	DurationMs    int64
	CompletedAt   time.Time
}

// RecordFromOrder builds an ExecutionRecord from a terminal order.
func RecordFromOrder(o *Order) *ExecutionRecord {
	r := &ExecutionRecord{
		OrderID:       o.ID,
		TokenIn:       o.TokenIn,
		TokenOut:      o.TokenOut,
		Amount:        o.Amount,
		ExecutionMode: o.ExecutionMode,
		Status:        o.Status,
		Venue:         deref(o.SelectedVenue),
		QuotedPrice:   deref(o.QuotedPrice),
		ExecutedPrice: deref(o.ExecutedPrice),
		FailureReason: deref(o.FailureReason),
		Attempts:      o.RetryAttempt + 1,
		DurationMs:    deref(o.DurationMs),
	}
	if o.CompletedAt != nil {
		r.CompletedAt = *o.CompletedAt
	} else {
		r.CompletedAt = o.UpdatedAt
	}
	return r
}
