package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"swap-engine/internal/domain"
	"swap-engine/internal/logging"
	"swap-engine/internal/observability"
)

// enqueueScript stores the job record once and appends it to the wait list.
// Returns the number of jobs ahead of it, or -1 for a duplicate.
var enqueueScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then
	return -1
end
redis.call('LPUSH', KEYS[2], ARGV[1])
return redis.call('LLEN', KEYS[2]) - 1
`)

// reserveScript moves the oldest waiting job to active and takes its lease
// in one step, so a reserved job is never visible without a lease.
var reserveScript = redis.NewScript(`
local id = redis.call('RPOP', KEYS[1])
if not id then
	return false
end
redis.call('LPUSH', KEYS[2], id)
redis.call('SET', ARGV[1] .. id, ARGV[2], 'PX', ARGV[3])
return id
`)

// promoteScript moves due delayed jobs to the wait list.
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('LPUSH', KEYS[2], id)
end
return #ids
`)

// recoverScript returns an active job to the head of the wait list when its
// lease has expired.
var recoverScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 then
	return 0
end
local n = redis.call('LREM', KEYS[1], 1, ARGV[1])
if n > 0 then
	redis.call('RPUSH', KEYS[2], ARGV[1])
end
return n
`)

// RedisOptions configures a RedisQueue.
type RedisOptions struct {
	Prefix       string        // Default: swap:orders
	LeaseTTL     time.Duration // Default: 30s
	PollInterval time.Duration // Default: 100ms
	Logger       *logrus.Logger
}

// RedisQueue is a durable Queue on Redis. Keys under Prefix:
//
//	jobs         hash of job records by order id
//	wait         list of ready ids, consumed from the right
//	active       list of reserved ids
//	delayed      zset of ids awaiting retry, scored by ready time in ms
//	dead         list of dead-lettered ids
//	lease:<id>   per-job lease renewed while the job runs
type RedisQueue struct {
	client       redis.UniversalClient
	prefix       string
	leaseTTL     time.Duration
	pollInterval time.Duration
	logger       *logrus.Logger
	owner        string

	mu         sync.Mutex
	heartbeats map[string]context.CancelFunc
	closed     bool
	done       chan struct{}
}

var (
	_ Queue            = (*RedisQueue)(nil)
	_ StalledRecoverer = (*RedisQueue)(nil)
)

type jobRecord struct {
	Payload     domain.JobPayload `json:"payload"`
	Attempt     int               `json:"attempt"`
	MaxAttempts int               `json:"maxAttempts"`
	BackoffBase time.Duration     `json:"backoffBase"`
	BackoffMax  time.Duration     `json:"backoffMax"`
	EnqueuedAt  time.Time         `json:"enqueuedAt"`
	LastError   string            `json:"lastError,omitempty"`
}

// NewRedisQueue creates a queue on client. The client is owned by the caller.
func NewRedisQueue(client redis.UniversalClient, opts RedisOptions) *RedisQueue {
	if opts.Prefix == "" {
		opts.Prefix = "swap:orders"
	}
	if opts.LeaseTTL == 0 {
		opts.LeaseTTL = 30 * time.Second
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}

	return &RedisQueue{
		client:       client,
		prefix:       opts.Prefix,
		leaseTTL:     opts.LeaseTTL,
		pollInterval: opts.PollInterval,
		logger:       opts.Logger,
		owner:        uuid.NewString(),
		heartbeats:   make(map[string]context.CancelFunc),
		done:         make(chan struct{}),
	}
}

func (q *RedisQueue) key(name string) string { return q.prefix + ":" + name }
func (q *RedisQueue) leaseKey(id string) string {
	return q.key("lease:") + id
}

// Enqueue implements Queue.
func (q *RedisQueue) Enqueue(ctx context.Context, payload domain.JobPayload, opts Options) (*Handle, error) {
	if err := validatePayload(payload); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	rec, err := json.Marshal(jobRecord{
		Payload:     payload,
		MaxAttempts: opts.MaxAttempts,
		BackoffBase: opts.Backoff.Base,
		BackoffMax:  opts.Backoff.Max,
		EnqueuedAt:  time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}

	pos, err := enqueueScript.Run(ctx, q.client,
		[]string{q.key("jobs"), q.key("wait")},
		payload.OrderID, rec,
	).Int()
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	if pos < 0 {
		return nil, ErrDuplicateJob
	}
	return &Handle{ID: payload.OrderID, Position: pos}, nil
}

// Reserve implements Queue. It polls the wait list, promoting due retries
// on every pass.
func (q *RedisQueue) Reserve(ctx context.Context) (*Job, error) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		if q.isClosed() {
			return nil, ErrClosed
		}

		job, err := q.tryReserve(ctx)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
			return nil, ErrClosed
		case <-ticker.C:
		}
	}
}

func (q *RedisQueue) tryReserve(ctx context.Context) (*Job, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := promoteScript.Run(ctx, q.client, []string{q.key("delayed"), q.key("wait")}, now).Err(); err != nil {
		return nil, fmt.Errorf("promote delayed: %w", err)
	}

	id, err := reserveScript.Run(ctx, q.client,
		[]string{q.key("wait"), q.key("active")},
		q.key("lease:"), q.owner, q.leaseTTL.Milliseconds(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reserve job: %w", err)
	}

	rec, err := q.load(ctx, id)
	if err != nil {
		if errors.Is(err, ErrUnknownJob) {
			q.logger.WithField("order_id", id).Warn("dropping queue entry without job record")
			q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.LRem(ctx, q.key("active"), 1, id)
				p.Del(ctx, q.leaseKey(id))
				return nil
			})
			return nil, nil
		}
		return nil, err
	}

	rec.Attempt++
	if err := q.store(ctx, id, rec); err != nil {
		return nil, err
	}

	q.startHeartbeat(id)

	return &Job{
		ID:          id,
		Payload:     rec.Payload,
		Attempt:     rec.Attempt,
		MaxAttempts: rec.MaxAttempts,
		Backoff:     Backoff{Base: rec.BackoffBase, Max: rec.BackoffMax},
		EnqueuedAt:  rec.EnqueuedAt,
		LastError:   rec.LastError,
	}, nil
}

// Settle implements Queue.
func (q *RedisQueue) Settle(ctx context.Context, job *Job, res Result) error {
	q.stopHeartbeat(job.ID)

	rec, err := q.load(ctx, job.ID)
	if err != nil {
		return err
	}
	rec.LastError = res.reason()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	retry := res.IsRetry() && rec.Attempt < rec.MaxAttempts

	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, q.key("active"), 1, job.ID)
		p.Del(ctx, q.leaseKey(job.ID))

		switch {
		case res.IsAck():
			p.HDel(ctx, q.key("jobs"), job.ID)
		case retry:
			readyAt := time.Now().Add(Backoff{Base: rec.BackoffBase, Max: rec.BackoffMax}.Delay(rec.Attempt))
			p.HSet(ctx, q.key("jobs"), job.ID, data)
			p.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(readyAt.UnixMilli()), Member: job.ID})
		default:
			p.HSet(ctx, q.key("jobs"), job.ID, data)
			p.LPush(ctx, q.key("dead"), job.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("settle job: %w", err)
	}

	switch {
	case res.IsAck():
	case retry:
		observability.RecordQueueRetry()
	default:
		observability.RecordDeadLetter()
	}
	return nil
}

// Position implements Queue.
func (q *RedisQueue) Position(ctx context.Context, orderID string) (int, error) {
	exists, err := q.client.HExists(ctx, q.key("jobs"), orderID).Result()
	if err != nil {
		return 0, fmt.Errorf("check job: %w", err)
	}
	if !exists {
		return 0, ErrUnknownJob
	}

	idx, err := q.client.LPos(ctx, q.key("wait"), orderID, redis.LPosArgs{}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("locate job: %w", err)
	}

	n, err := q.client.LLen(ctx, q.key("wait")).Result()
	if err != nil {
		return 0, fmt.Errorf("count waiting: %w", err)
	}
	return int(n - 1 - idx), nil
}

// Depth implements Queue.
func (q *RedisQueue) Depth(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key("wait")).Result()
	if err != nil {
		return 0, fmt.Errorf("count waiting: %w", err)
	}
	return int(n), nil
}

// RecoverStalled moves active jobs whose lease expired back to the head of
// the wait list. It returns how many jobs were recovered.
func (q *RedisQueue) RecoverStalled(ctx context.Context) (int, error) {
	ids, err := q.client.LRange(ctx, q.key("active"), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list active: %w", err)
	}

	recovered := 0
	for _, id := range ids {
		n, err := recoverScript.Run(ctx, q.client,
			[]string{q.key("active"), q.key("wait"), q.leaseKey(id)},
			id,
		).Int()
		if err != nil {
			return recovered, fmt.Errorf("recover %s: %w", id, err)
		}
		if n > 0 {
			recovered++
			q.logger.WithField("order_id", id).Warn("recovered stalled job")
		}
	}

	if recovered > 0 {
		observability.RecordStalledRecovered(recovered)
	}
	return recovered, nil
}

// Dead returns dead-lettered job ids, most recent first.
func (q *RedisQueue) Dead(ctx context.Context) ([]string, error) {
	return q.client.LRange(ctx, q.key("dead"), 0, -1).Result()
}

// Close stops lease heartbeats. Leases of unsettled jobs then expire and
// RecoverStalled on another worker redelivers them.
func (q *RedisQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	for id, cancel := range q.heartbeats {
		cancel()
		delete(q.heartbeats, id)
	}
	close(q.done)
	return nil
}

func (q *RedisQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *RedisQueue) load(ctx context.Context, id string) (jobRecord, error) {
	var rec jobRecord
	data, err := q.client.HGet(ctx, q.key("jobs"), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return rec, ErrUnknownJob
	}
	if err != nil {
		return rec, fmt.Errorf("load job: %w", err)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("decode job: %w", err)
	}
	return rec, nil
}

func (q *RedisQueue) store(ctx context.Context, id string, rec jobRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.HSet(ctx, q.key("jobs"), id, data).Err(); err != nil {
		return fmt.Errorf("store job: %w", err)
	}
	return nil
}

func (q *RedisQueue) startHeartbeat(id string) {
	ctx, cancel := context.WithCancel(context.Background())

	q.mu.Lock()
	if prev, ok := q.heartbeats[id]; ok {
		prev()
	}
	q.heartbeats[id] = cancel
	q.mu.Unlock()

	go func() {
		ticker := time.NewTicker(q.leaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := q.client.PExpire(ctx, q.leaseKey(id), q.leaseTTL).Result()
				if err != nil && ctx.Err() == nil {
					q.logger.WithError(err).WithField("order_id", id).Warn("renew job lease")
					continue
				}
				if !ok && ctx.Err() == nil {
					q.logger.WithField("order_id", id).Warn("job lease lost")
				}
			}
		}
	}()
}

func (q *RedisQueue) stopHeartbeat(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if cancel, ok := q.heartbeats[id]; ok {
		cancel()
		delete(q.heartbeats, id)
	}
}
