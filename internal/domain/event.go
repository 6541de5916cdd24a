package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderUpdatesChannel is the bus channel carrying order lifecycle events.
const OrderUpdatesChannel = "order_updates"

// Event is a lifecycle notification for one order. Each status has its own
// variant carrying only the fields that status defines.
type Event interface {
	OrderID() string
	Status() Status
	At() time.Time
	sealed()
}

// EventHeader holds the fields shared by every variant.
type EventHeader struct {
	ID        string
	Timestamp time.Time
}

func (h EventHeader) OrderID() string { return h.ID }
func (h EventHeader) At() time.Time   { return h.Timestamp }
func (EventHeader) sealed()           {}

// PendingEvent is published once the order is accepted and enqueued.
type PendingEvent struct {
	EventHeader
	QueuePosition int
}

// RoutingEvent is published when the worker starts collecting quotes.
type RoutingEvent struct {
	EventHeader
	RetryAttempt int
	MaxRetries   int
}

// RouteSelectedEvent names the winning venue.
type RouteSelectedEvent struct {
	EventHeader
	Venue       string
	QuotedPrice decimal.Decimal
}

// BuildingEvent marks transaction construction.
type BuildingEvent struct {
	EventHeader
}

// SubmittedEvent carries the transaction reference returned by the venue.
type SubmittedEvent struct {
	EventHeader
	TransactionReference string
	ExecutedPrice        decimal.Decimal
}

// ConfirmedEvent is the successful terminal event.
type ConfirmedEvent struct {
	EventHeader
	ExecutedPrice        decimal.Decimal
	TransactionReference string
	DurationMs           int64
}

// FailedEvent is the unsuccessful terminal event.
type FailedEvent struct {
	EventHeader
	Reason       string
	RetryAttempt int
	MaxRetries   int
}

func (PendingEvent) Status() Status       { return StatusPending }
func (RoutingEvent) Status() Status       { return StatusRouting }
func (RouteSelectedEvent) Status() Status { return StatusRouteSelected }
func (BuildingEvent) Status() Status      { return StatusBuilding }
func (SubmittedEvent) Status() Status     { return StatusSubmitted }
func (ConfirmedEvent) Status() Status     { return StatusConfirmed }
func (FailedEvent) Status() Status        { return StatusFailed }

// Header builds the shared event header for orderID at t.
func Header(orderID string, t time.Time) EventHeader {
	return EventHeader{ID: orderID, Timestamp: t.UTC()}
}

// wireEvent is the flat JSON envelope sent to observers.
type wireEvent struct {
	OrderID              string           `json:"orderId"`
	Status               Status           `json:"status"`
	Timestamp            time.Time        `json:"timestamp"`
	SelectedVenue        *string          `json:"selectedVenue,omitempty"`
	QuotedPrice          *decimal.Decimal `json:"quotedPrice,omitempty"`
	ExecutedPrice        *decimal.Decimal `json:"executedPrice,omitempty"`
	TransactionReference *string          `json:"transactionReference,omitempty"`
	FailureReason        *string          `json:"failureReason,omitempty"`
	QueuePosition        *int             `json:"queuePosition,omitempty"`
	RetryAttempt         *int             `json:"retryAttempt,omitempty"`
	MaxRetries           *int             `json:"maxRetries,omitempty"`
	DurationMs           *int64           `json:"durationMs,omitempty"`
}

// EncodeEvent renders e in the flat wire format.
func EncodeEvent(e Event) ([]byte, error) {
	w := wireEvent{
		OrderID:   e.OrderID(),
		Status:    e.Status(),
		Timestamp: e.At(),
	}

	switch ev := e.(type) {
	case PendingEvent:
		w.QueuePosition = Ptr(ev.QueuePosition)
	case RoutingEvent:
		if ev.RetryAttempt > 0 {
			w.RetryAttempt = Ptr(ev.RetryAttempt)
			w.MaxRetries = Ptr(ev.MaxRetries)
		}
	case RouteSelectedEvent:
		w.SelectedVenue = Ptr(ev.Venue)
		w.QuotedPrice = Ptr(ev.QuotedPrice)
	case BuildingEvent:
	case SubmittedEvent:
		w.TransactionReference = Ptr(ev.TransactionReference)
		w.ExecutedPrice = Ptr(ev.ExecutedPrice)
	case ConfirmedEvent:
		w.ExecutedPrice = Ptr(ev.ExecutedPrice)
		w.TransactionReference = Ptr(ev.TransactionReference)
		w.DurationMs = Ptr(ev.DurationMs)
	case FailedEvent:
		w.FailureReason = Ptr(ev.Reason)
		w.RetryAttempt = Ptr(ev.RetryAttempt)
		w.MaxRetries = Ptr(ev.MaxRetries)
	default:
		return nil, fmt.Errorf("encode event: unsupported type %T", e)
	}

	return json.Marshal(w)
}

// DecodeEvent parses the wire format back into its variant.
func DecodeEvent(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if w.OrderID == "" {
		return nil, fmt.Errorf("decode event: missing orderId")
	}

	h := EventHeader{ID: w.OrderID, Timestamp: w.Timestamp}
	switch w.Status {
	case StatusPending:
		return PendingEvent{EventHeader: h, QueuePosition: deref(w.QueuePosition)}, nil
	case StatusRouting:
		return RoutingEvent{EventHeader: h, RetryAttempt: deref(w.RetryAttempt), MaxRetries: deref(w.MaxRetries)}, nil
	case StatusRouteSelected:
		return RouteSelectedEvent{EventHeader: h, Venue: deref(w.SelectedVenue), QuotedPrice: deref(w.QuotedPrice)}, nil
	case StatusBuilding:
		return BuildingEvent{EventHeader: h}, nil
	case StatusSubmitted:
		return SubmittedEvent{EventHeader: h, TransactionReference: deref(w.TransactionReference), ExecutedPrice: deref(w.ExecutedPrice)}, nil
	case StatusConfirmed:
		return ConfirmedEvent{
			EventHeader:          h,
			ExecutedPrice:        deref(w.ExecutedPrice),
			TransactionReference: deref(w.TransactionReference),
			DurationMs:           deref(w.DurationMs),
		}, nil
	case StatusFailed:
		return FailedEvent{EventHeader: h, Reason: deref(w.FailureReason), RetryAttempt: deref(w.RetryAttempt), MaxRetries: deref(w.MaxRetries)}, nil
	default:
		return nil, fmt.Errorf("decode event: unknown status %q", w.Status)
	}
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
