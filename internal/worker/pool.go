package worker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"swap-engine/internal/logging"
	"swap-engine/internal/observability"
	"swap-engine/internal/queue"
)

// Handler processes one job.
type Handler interface {
	Handle(ctx context.Context, job *queue.Job) queue.Result
}

// PoolOptions configures a Pool.
type PoolOptions struct {
	Queue   queue.Queue
	Handler Handler

	Concurrency   int           // Default: 50
	RateLimit     int           // Default: 500; negative disables
	RateWindow    time.Duration // Default: 60s
	StalledEvery  time.Duration // Default: 5s
	SettleTimeout time.Duration // Default: 5s

	Logger *logrus.Logger
}

// Pool reserves jobs and runs them with bounded concurrency.
type Pool struct {
	queue         queue.Queue
	handler       Handler
	sem           *semaphore.Weighted
	concurrency   int
	limiter       *SlidingWindow
	stalledEvery  time.Duration
	settleTimeout time.Duration
	logger        *logrus.Logger

	stats *Stats
}

// NewPool creates a Pool.
func NewPool(opts PoolOptions) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 50
	}
	if opts.RateLimit == 0 {
		opts.RateLimit = 500
	}
	if opts.RateWindow == 0 {
		opts.RateWindow = time.Minute
	}
	if opts.StalledEvery == 0 {
		opts.StalledEvery = 5 * time.Second
	}
	if opts.SettleTimeout == 0 {
		opts.SettleTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}

	return &Pool{
		queue:         opts.Queue,
		handler:       opts.Handler,
		sem:           semaphore.NewWeighted(int64(opts.Concurrency)),
		concurrency:   opts.Concurrency,
		limiter:       NewSlidingWindow(opts.RateLimit, opts.RateWindow),
		stalledEvery:  opts.StalledEvery,
		settleTimeout: opts.SettleTimeout,
		logger:        opts.Logger,
		stats:         &Stats{},
	}
}

// Stats returns the pool's counters.
func (p *Pool) Stats() *Stats { return p.stats }

// Run reserves and handles jobs until ctx is done, then waits for in-flight
// jobs. Jobs keep running after ctx is cancelled so a started swap is never
// abandoned midway.
func (p *Pool) Run(ctx context.Context) error {
	if r, ok := p.queue.(queue.StalledRecoverer); ok {
		go p.recoverLoop(ctx, r)
	}

	jobCtx := context.WithoutCancel(ctx)
	p.logger.WithField("concurrency", p.concurrency).Info("worker pool started")

	for {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			break
		}

		job, err := p.queue.Reserve(ctx)
		if err != nil {
			p.sem.Release(1)
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				break
			}
			p.logger.WithError(err).Warn("reserve job")
			if sleepErr := sleep(ctx, time.Second); sleepErr != nil {
				break
			}
			continue
		}

		go func() {
			defer p.sem.Release(1)
			p.process(ctx, jobCtx, job)
		}()
	}

	p.logger.Info("worker pool draining")
	if err := p.sem.Acquire(context.Background(), int64(p.concurrency)); err != nil {
		return err
	}
	p.sem.Release(int64(p.concurrency))
	p.logger.Info("worker pool stopped")
	return nil
}

func (p *Pool) process(runCtx, jobCtx context.Context, job *queue.Job) {
	log := p.logger.WithFields(logrus.Fields{"order_id": job.ID, "attempt": job.Attempt})

	if err := p.limiter.Wait(runCtx); err != nil {
		// Shutting down before admission. The job stays reserved and is
		// redelivered once its lease lapses.
		log.Info("job not started before shutdown")
		return
	}
	observability.JobStarted()
	p.stats.started.Add(1)
	res := p.handler.Handle(jobCtx, job)
	observability.JobFinished()

	observability.RecordJobResult(res.String())
	p.stats.record(res)

	settleCtx, cancel := context.WithTimeout(jobCtx, p.settleTimeout)
	defer cancel()
	if err := p.queue.Settle(settleCtx, job, res); err != nil {
		log.WithError(err).Error("settle job")
		return
	}
	if !res.IsAck() {
		log.WithError(res.Err()).WithField("result", res.String()).Info("job settled")
	}
}

func (p *Pool) recoverLoop(ctx context.Context, r queue.StalledRecoverer) {
	ticker := time.NewTicker(p.stalledEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RecoverStalled(ctx); err != nil && ctx.Err() == nil {
				p.logger.WithError(err).Warn("recover stalled jobs")
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
