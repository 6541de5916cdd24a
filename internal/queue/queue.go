// Package queue holds the durable work queue that decouples order intake
// from execution. Delivery is at-least-once: a reserved job that is never
// settled is delivered again.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"swap-engine/internal/domain"
)

// Queue errors.
var (
	ErrClosed       = errors.New("queue closed")
	ErrDuplicateJob = errors.New("job already enqueued for order")
	ErrUnknownJob   = errors.New("unknown job")
)

// Backoff is an exponential retry delay: Base × 2^(attempt-1), capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before redelivering after the given failed attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Options controls retry policy for one job.
type Options struct {
	MaxAttempts int
	Backoff     Backoff
}

// DefaultOptions returns 3 attempts with exponential backoff starting at 1s.
func DefaultOptions() Options {
	return Options{
		MaxAttempts: 3,
		Backoff:     Backoff{Base: time.Second, Max: time.Minute},
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.Backoff.Base <= 0 {
		o.Backoff = d.Backoff
	}
	return o
}

// Job is one reserved delivery. Attempt starts at 1.
type Job struct {
	ID          string
	Payload     domain.JobPayload
	Attempt     int
	MaxAttempts int
	Backoff     Backoff
	EnqueuedAt  time.Time
	LastError   string
}

// Final reports whether a Retry of this delivery would dead-letter the job.
func (j *Job) Final() bool {
	return j.Attempt >= j.MaxAttempts
}

// Handle identifies an accepted job.
type Handle struct {
	ID       string
	Position int
}

type resultKind int

const (
	resultAck resultKind = iota
	resultRetry
	resultDiscard
)

// Result is the outcome of handling a job.
type Result struct {
	kind resultKind
	err  error
}

// Ack completes the job.
func Ack() Result { return Result{kind: resultAck} }

// Retry redelivers the job after its backoff while attempts remain.
func Retry(err error) Result { return Result{kind: resultRetry, err: err} }

// Discard dead-letters the job without further attempts.
func Discard(err error) Result { return Result{kind: resultDiscard, err: err} }

func (r Result) IsAck() bool     { return r.kind == resultAck }
func (r Result) IsRetry() bool   { return r.kind == resultRetry }
func (r Result) IsDiscard() bool { return r.kind == resultDiscard }

// Err returns the failure carried by Retry or Discard.
func (r Result) Err() error { return r.err }

func (r Result) String() string {
	switch r.kind {
	case resultRetry:
		return "retry"
	case resultDiscard:
		return "discard"
	default:
		return "ack"
	}
}

func (r Result) reason() string {
	if r.err == nil {
		return ""
	}
	return r.err.Error()
}

// Queue is a work queue keyed by order id.
type Queue interface {
	// Enqueue adds a job for payload.OrderID. Returns ErrDuplicateJob when
	// the order already has a job.
	Enqueue(ctx context.Context, payload domain.JobPayload, opts Options) (*Handle, error)

	// Reserve blocks until a job is ready, ctx is done, or the queue closes.
	Reserve(ctx context.Context) (*Job, error)

	// Settle reports the outcome of a reserved job.
	Settle(ctx context.Context, job *Job, res Result) error

	// Position returns how many ready jobs are ahead of the order's job.
	Position(ctx context.Context, orderID string) (int, error)

	// Depth returns how many jobs are ready and waiting for a worker.
	Depth(ctx context.Context) (int, error)

	Close() error
}

// StalledRecoverer is implemented by queues that can redeliver jobs whose
// worker stopped heartbeating.
type StalledRecoverer interface {
	RecoverStalled(ctx context.Context) (int, error)
}

func validatePayload(p domain.JobPayload) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}
