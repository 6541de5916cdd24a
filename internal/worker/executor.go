// Package worker advances orders through the execution state machine.
//
// Each transition is persisted before its event is published. A redelivered
// job resumes from the persisted stage and never repeats an earlier stage's
// side effects.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"swap-engine/internal/domain"
	"swap-engine/internal/eventbus"
	"swap-engine/internal/logging"
	"swap-engine/internal/observability"
	"swap-engine/internal/queue"
	"swap-engine/internal/router"
	"swap-engine/internal/storage"
)

// Failure reasons written to failed orders.
const (
	reasonRouting  = "routing failed"
	reasonExecute  = "execution failed"
	reasonDeadline = "deadline exceeded"
	reasonConfig   = "configuration error"
	reasonPersist  = "persistence failed"
)

// RouterSource returns the router for an execution mode.
type RouterSource interface {
	For(mode domain.ExecutionMode) (router.Router, error)
}

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	Orders  storage.OrderStore
	Records storage.ExecutionRecordStore // optional
	Bus     eventbus.Bus
	Routers RouterSource

	RoutingFloor time.Duration
	StageDwell   time.Duration
	SoftBudget   time.Duration
	HardCutoff   time.Duration

	Logger *logrus.Logger
}

// Executor handles one job at a time; it is safe for concurrent use.
type Executor struct {
	orders  storage.OrderStore
	records storage.ExecutionRecordStore
	bus     eventbus.Bus
	routers RouterSource

	routingFloor time.Duration
	stageDwell   time.Duration
	softBudget   time.Duration
	hardCutoff   time.Duration

	logger *logrus.Logger
	now    func() time.Time
}

// NewExecutor creates an Executor.
func NewExecutor(opts ExecutorOptions) *Executor {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Executor{
		orders:       opts.Orders,
		records:      opts.Records,
		bus:          opts.Bus,
		routers:      opts.Routers,
		routingFloor: opts.RoutingFloor,
		stageDwell:   opts.StageDwell,
		softBudget:   opts.SoftBudget,
		hardCutoff:   opts.HardCutoff,
		logger:       opts.Logger,
		now:          time.Now,
	}
}

// run is the state of one job delivery.
type run struct {
	*Executor
	job    *queue.Job
	order  *domain.Order
	router router.Router
	start  time.Time
	log    *logrus.Entry
}

// Handle drives the order named by job as far as it can go and reports the
// outcome for the queue.
func (e *Executor) Handle(ctx context.Context, job *queue.Job) queue.Result {
	log := e.logger.WithFields(logrus.Fields{
		"order_id": job.ID,
		"attempt":  job.Attempt,
	})

	if err := job.Payload.Validate(); err != nil {
		log.WithError(err).Error("discarding invalid job")
		return queue.Discard(err)
	}

	order, err := e.orders.Get(ctx, job.Payload.OrderID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Error("discarding job for unknown order")
		return queue.Discard(err)
	}
	if err != nil {
		log.WithError(err).Warn("load order")
		return queue.Retry(fmt.Errorf("load order: %w", err))
	}
	if order.Status.IsTerminal() {
		log.WithField("status", order.Status).Info("order already finished, acknowledging redelivery")
		return queue.Ack()
	}

	r := &run{
		Executor: e,
		job:      job,
		order:    order,
		start:    e.now(),
		log:      log,
	}

	rt, err := e.routers.For(job.Payload.ExecutionMode)
	if err != nil {
		return r.fail(ctx, fmt.Errorf("%s: %w", reasonConfig, err), false)
	}
	r.router = rt

	if job.Attempt > 1 {
		if res, ok := r.recordAttempt(ctx); !ok {
			return res
		}
	}

	return r.drive(ctx)
}

func (r *run) recordAttempt(ctx context.Context) (queue.Result, bool) {
	r.log.WithField("status", r.order.Status).Warn("retrying order")

	updated, err := r.orders.Update(ctx, r.order.ID, domain.OrderUpdate{
		RetryAttempt: domain.Ptr(r.job.Attempt - 1),
		MaxRetries:   domain.Ptr(r.job.MaxAttempts - 1),
	})
	if err != nil {
		return r.persistFailure(ctx, fmt.Errorf("record retry attempt: %w", err)), false
	}
	r.order = updated
	return queue.Result{}, true
}

// drive advances the order one stage at a time from its persisted status.
func (r *run) drive(ctx context.Context) queue.Result {
	var quote domain.Quote

	for !r.order.Status.IsTerminal() {
		if err := ctx.Err(); err != nil {
			return queue.Retry(err)
		}

		// Past submission the swap may have landed; always finish.
		if r.order.Status.Rank() < domain.StatusSubmitted.Rank() && r.pastHardCutoff() {
			observability.RecordDeadlineOverrun("hard")
			return r.fail(ctx, errors.New(reasonDeadline), false)
		}

		before := r.order.Status
		var err error

		switch r.order.Status {
		case domain.StatusPending:
			err = r.advance(ctx, domain.OrderUpdate{Status: domain.Ptr(domain.StatusRouting)}, r.routingEvent())

		case domain.StatusRouting:
			quote, err = r.route(ctx)
			if err != nil {
				return r.fail(ctx, fmt.Errorf("%s: %w", reasonRouting, err), true)
			}
			observability.RecordVenueSelected(quote.Venue)
			err = r.advance(ctx, domain.OrderUpdate{
				Status:        domain.Ptr(domain.StatusRouteSelected),
				SelectedVenue: domain.Ptr(quote.Venue),
				QuotedPrice:   domain.Ptr(quote.Price),
			}, domain.RouteSelectedEvent{
				EventHeader: r.header(),
				Venue:       quote.Venue,
				QuotedPrice: quote.Price,
			})

		case domain.StatusRouteSelected:
			if err := r.dwell(ctx); err != nil {
				return queue.Retry(err)
			}
			err = r.advance(ctx, domain.OrderUpdate{Status: domain.Ptr(domain.StatusBuilding)},
				domain.BuildingEvent{EventHeader: r.header()})

		case domain.StatusBuilding:
			if err := r.dwell(ctx); err != nil {
				return queue.Retry(err)
			}
			exec, execErr := r.execute(ctx, quote)
			if execErr != nil {
				return r.fail(ctx, fmt.Errorf("%s: %w", reasonExecute, execErr), retryableExecution(execErr))
			}
			err = r.advance(ctx, domain.OrderUpdate{
				Status:               domain.Ptr(domain.StatusSubmitted),
				ExecutedPrice:        domain.Ptr(exec.RealizedPrice),
				TransactionReference: domain.Ptr(exec.TransactionReference),
			}, domain.SubmittedEvent{
				EventHeader:          r.header(),
				TransactionReference: exec.TransactionReference,
				ExecutedPrice:        exec.RealizedPrice,
			})

		case domain.StatusSubmitted:
			if err := r.dwell(ctx); err != nil {
				return queue.Retry(err)
			}
			r.checkSoftBudget()
			duration := r.now().Sub(r.start).Milliseconds()
			err = r.advance(ctx, domain.OrderUpdate{
				Status:     domain.Ptr(domain.StatusConfirmed),
				DurationMs: domain.Ptr(duration),
			}, domain.ConfirmedEvent{
				EventHeader:          r.header(),
				ExecutedPrice:        deref(r.order.ExecutedPrice),
				TransactionReference: deref(r.order.TransactionReference),
				DurationMs:           duration,
			})

		default:
			return queue.Discard(fmt.Errorf("unexpected status %q", r.order.Status))
		}

		if err != nil {
			return r.persistFailure(ctx, err)
		}
		if r.order.Status == before {
			return r.persistFailure(ctx, fmt.Errorf("no progress from %s", before))
		}
	}

	r.finish(ctx)
	return queue.Ack()
}

// advance persists u, then publishes ev. A transition that was already
// applied reloads the order and publishes nothing.
func (r *run) advance(ctx context.Context, u domain.OrderUpdate, ev domain.Event) error {
	updated, err := r.orders.Update(ctx, r.order.ID, u)
	if errors.Is(err, storage.ErrInvalidTransition) {
		current, getErr := r.orders.Get(ctx, r.order.ID)
		if getErr != nil {
			return fmt.Errorf("reload order: %w", getErr)
		}
		r.log.WithFields(logrus.Fields{
			"to":      *u.Status,
			"current": current.Status,
		}).Info("transition already applied, skipping")
		r.order = current
		return nil
	}
	if err != nil {
		return fmt.Errorf("persist %s: %w", *u.Status, err)
	}

	r.order = updated
	observability.RecordTransition(string(updated.Status), r.now().Sub(r.start).Seconds())
	r.log.WithField("status", updated.Status).Debug("order advanced")

	r.publish(ctx, ev)
	return nil
}

func (r *run) publish(ctx context.Context, ev domain.Event) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, ev); err != nil {
		r.log.WithError(err).WithField("status", ev.Status()).Warn("publish event")
	}
}

// route collects quotes from every venue, holding the stage for at least
// the routing floor.
func (r *run) route(ctx context.Context) (domain.Quote, error) {
	floor := time.NewTimer(r.routingFloor)
	defer floor.Stop()

	quote, err := r.router.FindBest(ctx, r.job.Payload.TokenIn, r.job.Payload.TokenOut, r.job.Payload.Amount)
	if err != nil {
		observability.RecordRoutingFailure()
		return domain.Quote{}, err
	}

	select {
	case <-floor.C:
	case <-ctx.Done():
		return domain.Quote{}, ctx.Err()
	}

	r.log.WithFields(logrus.Fields{
		"venue":           quote.Venue,
		"price":           quote.Price.String(),
		"effective_price": quote.EffectivePrice.String(),
	}).Info("route selected")
	return quote, nil
}

// execute performs the swap. On a resumed run the quote comes from the
// persisted venue and quoted price.
func (r *run) execute(ctx context.Context, quote domain.Quote) (router.Execution, error) {
	if quote.Venue == "" {
		if r.order.SelectedVenue == nil || r.order.QuotedPrice == nil {
			return router.Execution{}, errors.New("no persisted route to resume from")
		}
		quote = domain.Quote{Venue: *r.order.SelectedVenue, Price: *r.order.QuotedPrice}
	}

	p := r.job.Payload
	return r.router.Execute(ctx, router.ExecuteRequest{
		OrderID:       r.order.ID,
		Quote:         quote,
		TokenIn:       p.TokenIn,
		TokenOut:      p.TokenOut,
		Amount:        p.Amount,
		Slippage:      p.Slippage,
		WalletAddress: p.WalletAddress,
	})
}

// fail writes the failed status when the job will not be retried.
// Otherwise the order keeps its stage and the queue redelivers.
func (r *run) fail(ctx context.Context, cause error, retryable bool) queue.Result {
	if ctx.Err() != nil {
		return queue.Retry(cause)
	}
	if retryable && !r.job.Final() {
		r.log.WithError(cause).WithField("status", r.order.Status).Warn("stage failed, will retry")
		return queue.Retry(cause)
	}

	res, err := r.markFailed(ctx, cause)
	if err != nil {
		r.log.WithError(err).Error("persist failed status")
		return queue.Retry(err)
	}
	return res
}

// markFailed writes the failed status and publishes its event.
func (r *run) markFailed(ctx context.Context, cause error) (queue.Result, error) {
	reason := cause.Error()
	u := domain.OrderUpdate{
		Status:        domain.Ptr(domain.StatusFailed),
		FailureReason: domain.Ptr(reason),
		RetryAttempt:  domain.Ptr(r.job.Attempt - 1),
		MaxRetries:    domain.Ptr(r.job.MaxAttempts - 1),
	}
	ev := domain.FailedEvent{
		EventHeader:  r.header(),
		Reason:       reason,
		RetryAttempt: r.job.Attempt - 1,
		MaxRetries:   r.job.MaxAttempts - 1,
	}
	if err := r.advance(ctx, u, ev); err != nil {
		return queue.Result{}, err
	}
	if r.order.Status != domain.StatusFailed {
		// Another delivery finished the order first.
		return queue.Ack(), nil
	}

	r.log.WithField("reason", reason).Error("order failed")
	r.finish(ctx)
	return queue.Discard(cause), nil
}

// persistFailure retries a transition the store rejected. On the last
// attempt the order is failed instead, so a dead-lettered job never leaves
// it mid-pipeline.
func (r *run) persistFailure(ctx context.Context, err error) queue.Result {
	r.log.WithError(err).Error("persist transition")
	if !r.job.Final() || ctx.Err() != nil {
		return queue.Retry(err)
	}

	res, ferr := r.markFailed(ctx, fmt.Errorf("%s: %w", reasonPersist, err))
	if ferr != nil {
		r.log.WithError(ferr).Error("order abandoned without a terminal status")
		return queue.Retry(err)
	}
	return res
}

// finish records metrics and the execution record for a terminal order.
func (r *run) finish(ctx context.Context) {
	if !r.order.Status.IsTerminal() {
		return
	}
	observability.RecordOrderFinished(string(r.order.Status), r.now().Sub(r.start).Seconds())

	if r.records == nil {
		return
	}
	rec := domain.RecordFromOrder(r.order)
	rec.Attempts = r.job.Attempt
	if err := r.records.Insert(ctx, rec); err != nil && !errors.Is(err, storage.ErrDuplicateKey) {
		observability.RecordExecutionRecordError()
		r.log.WithError(err).Warn("write execution record")
	}
}

func (r *run) dwell(ctx context.Context) error {
	if r.stageDwell <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(r.stageDwell)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *run) pastHardCutoff() bool {
	return r.hardCutoff > 0 && r.now().Sub(r.start) > r.hardCutoff
}

func (r *run) checkSoftBudget() {
	if r.softBudget <= 0 {
		return
	}
	if elapsed := r.now().Sub(r.start); elapsed > r.softBudget {
		observability.RecordDeadlineOverrun("soft")
		r.log.WithFields(logrus.Fields{
			"elapsed": elapsed.Round(time.Millisecond),
			"budget":  r.softBudget,
		}).Warn("order exceeded completion budget")
	}
}

func (r *run) header() domain.EventHeader {
	return domain.Header(r.order.ID, r.now())
}

func (r *run) routingEvent() domain.RoutingEvent {
	ev := domain.RoutingEvent{EventHeader: r.header()}
	if r.job.Attempt > 1 {
		ev.RetryAttempt = r.job.Attempt - 1
		ev.MaxRetries = r.job.MaxAttempts - 1
	}
	return ev
}

// retryableExecution reports whether a later attempt could succeed.
func retryableExecution(err error) bool {
	return !errors.Is(err, router.ErrVenueNotImplemented) && !errors.Is(err, router.ErrUnknownVenue)
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
