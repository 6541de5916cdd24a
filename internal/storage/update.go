package storage

import (
	"time"

	"swap-engine/internal/domain"
)

// ApplyUpdate validates u against o and applies it in place.
// o is left untouched when an error is returned.
func ApplyUpdate(o *domain.Order, u domain.OrderUpdate, now time.Time) error {
	if u.Status != nil && !domain.CanTransition(o.Status, *u.Status) {
		return ErrInvalidTransition
	}
	if u.ExecutedPrice != nil && o.ExecutedPrice != nil && !o.ExecutedPrice.Equal(*u.ExecutedPrice) {
		return ErrWriteOnce
	}
	if u.TransactionReference != nil && o.TransactionReference != nil && *o.TransactionReference != *u.TransactionReference {
		return ErrWriteOnce
	}

	if u.Status != nil {
		o.Status = *u.Status
		if o.Status.IsTerminal() {
			t := now
			o.CompletedAt = &t
		}
	}
	if u.SelectedVenue != nil {
		o.SelectedVenue = domain.Ptr(*u.SelectedVenue)
	}
	if u.QuotedPrice != nil {
		o.QuotedPrice = domain.Ptr(*u.QuotedPrice)
	}
	if u.ExecutedPrice != nil && o.ExecutedPrice == nil {
		o.ExecutedPrice = domain.Ptr(*u.ExecutedPrice)
	}
	if u.TransactionReference != nil && o.TransactionReference == nil {
		o.TransactionReference = domain.Ptr(*u.TransactionReference)
	}
	if u.FailureReason != nil {
		o.FailureReason = domain.Ptr(*u.FailureReason)
	}
	if u.RetryAttempt != nil {
		o.RetryAttempt = *u.RetryAttempt
	}
	if u.MaxRetries != nil {
		o.MaxRetries = *u.MaxRetries
	}
	if u.QueuePosition != nil {
		o.QueuePosition = domain.Ptr(*u.QueuePosition)
	}
	if u.DurationMs != nil {
		o.DurationMs = domain.Ptr(*u.DurationMs)
	}
	o.UpdatedAt = now
	return nil
}
