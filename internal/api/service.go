package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"swap-engine/internal/domain"
	"swap-engine/internal/eventbus"
	"swap-engine/internal/logging"
	"swap-engine/internal/observability"
	"swap-engine/internal/queue"
	"swap-engine/internal/solana"
	"swap-engine/internal/storage"
)

// ErrEnqueue is returned when the order was stored but could not be queued.
var ErrEnqueue = errors.New("order could not be queued")

// ValidationError describes a rejected field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// SubmitRequest is a swap order as received from a client.
type SubmitRequest struct {
	TokenIn       string               `json:"tokenIn"`
	TokenOut      string               `json:"tokenOut"`
	Amount        decimal.Decimal      `json:"amount"`
	Slippage      decimal.Decimal      `json:"slippage"`
	WalletAddress string               `json:"walletAddress"`
	ExecutionMode domain.ExecutionMode `json:"executionMode"`
}

// Validate normalises token symbols and checks every field.
func (r *SubmitRequest) Validate() error {
	r.TokenIn = strings.ToUpper(strings.TrimSpace(r.TokenIn))
	r.TokenOut = strings.ToUpper(strings.TrimSpace(r.TokenOut))
	r.WalletAddress = strings.TrimSpace(r.WalletAddress)

	switch {
	case r.TokenIn == "":
		return &ValidationError{"tokenIn", "required"}
	case r.TokenOut == "":
		return &ValidationError{"tokenOut", "required"}
	case r.TokenIn == r.TokenOut:
		return &ValidationError{"tokenOut", "must differ from tokenIn"}
	case !r.Amount.IsPositive():
		return &ValidationError{"amount", "must be positive"}
	case r.Slippage.IsNegative() || r.Slippage.GreaterThanOrEqual(decimal.NewFromInt(1)):
		return &ValidationError{"slippage", "must be in [0, 1)"}
	case r.ExecutionMode != "" && !r.ExecutionMode.Valid():
		return &ValidationError{"executionMode", "must be simulated or live"}
	}
	if err := solana.ValidateAddress(r.WalletAddress); err != nil {
		return &ValidationError{"walletAddress", err.Error()}
	}
	return nil
}

// ServiceOptions configures a Service.
type ServiceOptions struct {
	Orders      storage.OrderStore
	Queue       queue.Queue
	Bus         eventbus.Bus
	JobOptions  queue.Options
	DefaultMode domain.ExecutionMode
	Logger      *logrus.Logger
}

// Service is the ingress boundary: it persists new orders as pending and
// hands them to the work queue.
type Service struct {
	orders      storage.OrderStore
	queue       queue.Queue
	bus         eventbus.Bus
	jobOptions  queue.Options
	defaultMode domain.ExecutionMode
	logger      *logrus.Logger
	newID       func() string
}

// NewService creates a Service.
func NewService(opts ServiceOptions) *Service {
	if opts.DefaultMode == "" {
		opts.DefaultMode = domain.ExecutionModeSimulated
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Service{
		orders:      opts.Orders,
		queue:       opts.Queue,
		bus:         opts.Bus,
		jobOptions:  opts.JobOptions,
		defaultMode: opts.DefaultMode,
		logger:      opts.Logger,
		newID:       uuid.NewString,
	}
}

// Submit validates req, stores a pending order, enqueues its job and
// publishes the pending event.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*domain.Order, error) {
	if err := req.Validate(); err != nil {
		observability.RecordOrderRejected("validation")
		return nil, err
	}
	mode := req.ExecutionMode
	if mode == "" {
		mode = s.defaultMode
	}

	order := &domain.Order{
		ID:            s.newID(),
		TokenIn:       req.TokenIn,
		TokenOut:      req.TokenOut,
		Amount:        req.Amount,
		Slippage:      req.Slippage,
		WalletAddress: req.WalletAddress,
		ExecutionMode: mode,
		Status:        domain.StatusPending,
		MaxRetries:    s.jobOptions.MaxAttempts - 1,
		CreatedAt:     time.Now().UTC(),
	}
	if order.MaxRetries < 0 {
		order.MaxRetries = 0
	}

	if err := s.orders.Insert(ctx, order); err != nil {
		observability.RecordOrderRejected("store")
		return nil, fmt.Errorf("insert order: %w", err)
	}

	log := s.logger.WithField("order_id", order.ID)

	// The pending event goes out before the job is visible to workers so
	// observers never see a later stage first.
	position, err := s.queue.Depth(ctx)
	if err != nil {
		log.WithError(err).Warn("read queue depth")
		position = 0
	}
	s.publish(ctx, log, domain.PendingEvent{
		EventHeader:   domain.Header(order.ID, time.Now()),
		QueuePosition: position,
	})

	handle, err := s.queue.Enqueue(ctx, domain.PayloadFromOrder(order), s.jobOptions)
	if err != nil {
		observability.RecordOrderRejected("queue")
		log.WithError(err).Error("enqueue order")
		s.failUnqueued(ctx, log, order, err)
		return nil, fmt.Errorf("%w: %w", ErrEnqueue, err)
	}
	position = handle.Position

	if updated, err := s.orders.Update(ctx, order.ID, domain.OrderUpdate{QueuePosition: domain.Ptr(position)}); err == nil {
		order = updated
	} else {
		log.WithError(err).Warn("record queue position")
		order.QueuePosition = domain.Ptr(position)
	}

	observability.RecordOrderSubmitted(string(mode))
	log.WithFields(logrus.Fields{
		"pair":     order.TokenIn + "/" + order.TokenOut,
		"amount":   order.Amount.String(),
		"mode":     mode,
		"position": position,
	}).Info("order accepted")
	return order, nil
}

// failUnqueued marks an order that never reached the queue as failed.
func (s *Service) failUnqueued(ctx context.Context, log *logrus.Entry, order *domain.Order, cause error) {
	reason := "enqueue failed: " + cause.Error()
	if _, err := s.orders.Update(ctx, order.ID, domain.OrderUpdate{
		Status:        domain.Ptr(domain.StatusFailed),
		FailureReason: domain.Ptr(reason),
	}); err != nil {
		log.WithError(err).Error("mark unqueued order failed")
		return
	}
	s.publish(ctx, log, domain.FailedEvent{
		EventHeader: domain.Header(order.ID, time.Now()),
		Reason:      reason,
		MaxRetries:  order.MaxRetries,
	})
}

func (s *Service) publish(ctx context.Context, log *logrus.Entry, ev domain.Event) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		log.WithError(err).WithField("status", ev.Status()).Warn("publish event")
	}
}

// Get returns one order.
func (s *Service) Get(ctx context.Context, id string) (*domain.Order, error) {
	return s.orders.Get(ctx, id)
}

// List returns the newest orders.
func (s *Service) List(ctx context.Context, limit int) ([]*domain.Order, error) {
	return s.orders.List(ctx, limit)
}
