package queue

import (
	"context"
	"slices"
	"sync"
	"time"

	"swap-engine/internal/domain"
	"swap-engine/internal/observability"
)

type memoryState int

const (
	stateWaiting memoryState = iota
	stateActive
	stateDelayed
	stateDead
)

type memoryJob struct {
	job   Job
	state memoryState
}

// MemoryQueue is an in-process Queue. Jobs do not survive a restart.
type MemoryQueue struct {
	mu     sync.Mutex
	jobs   map[string]*memoryJob
	ready  []string
	timers map[string]*time.Timer
	notify chan struct{}
	done   chan struct{}
	closed bool
	now    func() time.Time
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates an empty in-process queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		jobs:   make(map[string]*memoryJob),
		timers: make(map[string]*time.Timer),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		now:    time.Now,
	}
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(_ context.Context, payload domain.JobPayload, opts Options) (*Handle, error) {
	if err := validatePayload(payload); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}
	if _, ok := q.jobs[payload.OrderID]; ok {
		return nil, ErrDuplicateJob
	}

	q.jobs[payload.OrderID] = &memoryJob{
		job: Job{
			ID:          payload.OrderID,
			Payload:     payload,
			MaxAttempts: opts.MaxAttempts,
			Backoff:     opts.Backoff,
			EnqueuedAt:  q.now(),
		},
		state: stateWaiting,
	}
	q.ready = append(q.ready, payload.OrderID)
	q.signal()

	return &Handle{ID: payload.OrderID, Position: len(q.ready) - 1}, nil
}

// Reserve implements Queue.
func (q *MemoryQueue) Reserve(ctx context.Context) (*Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if len(q.ready) > 0 {
			id := q.ready[0]
			q.ready = q.ready[1:]
			if len(q.ready) > 0 {
				q.signal()
			}

			mj := q.jobs[id]
			mj.state = stateActive
			mj.job.Attempt++
			job := mj.job
			q.mu.Unlock()
			return &job, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
			return nil, ErrClosed
		case <-q.notify:
		}
	}
}

// Settle implements Queue.
func (q *MemoryQueue) Settle(_ context.Context, job *Job, res Result) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	mj, ok := q.jobs[job.ID]
	if !ok || mj.state != stateActive {
		return ErrUnknownJob
	}
	mj.job.LastError = res.reason()

	switch {
	case res.IsAck():
		delete(q.jobs, job.ID)
	case res.IsRetry() && mj.job.Attempt < mj.job.MaxAttempts:
		mj.state = stateDelayed
		delay := mj.job.Backoff.Delay(mj.job.Attempt)
		q.timers[job.ID] = time.AfterFunc(delay, func() { q.promote(job.ID) })
		observability.RecordQueueRetry()
	default:
		mj.state = stateDead
		observability.RecordDeadLetter()
	}
	return nil
}

func (q *MemoryQueue) promote(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.timers, id)
	mj, ok := q.jobs[id]
	if q.closed || !ok || mj.state != stateDelayed {
		return
	}
	mj.state = stateWaiting
	q.ready = append(q.ready, id)
	q.signal()
}

// Position implements Queue.
func (q *MemoryQueue) Position(_ context.Context, orderID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.jobs[orderID]; !ok {
		return 0, ErrUnknownJob
	}
	if i := slices.Index(q.ready, orderID); i >= 0 {
		return i, nil
	}
	return 0, nil
}

// Depth implements Queue.
func (q *MemoryQueue) Depth(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready), nil
}

// Dead returns the ids of dead-lettered jobs.
func (q *MemoryQueue) Dead() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ids []string
	for id, mj := range q.jobs {
		if mj.state == stateDead {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Close stops pending retries and wakes blocked Reserve calls.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	close(q.done)
	return nil
}

// signal wakes one waiting Reserve. Caller holds q.mu.
func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
