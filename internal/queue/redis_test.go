package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a connected client.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor: wait.ForLog("Ready to accept connections").
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	require.NoError(t, client.Ping(ctx).Err())

	cleanup := func() {
		client.Close()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}
	return client, cleanup
}

func newTestRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	return NewRedisQueue(client, RedisOptions{
		Prefix:       prefix,
		LeaseTTL:     300 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	})
}

func TestRedisQueue_EnqueueReserveAck(t *testing.T) {
	client, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	q := newTestRedisQueue(client, "t1")
	defer q.Close()

	for i, id := range []string{"a", "b", "c"} {
		h, err := q.Enqueue(ctx, testPayload(id), fastOptions())
		require.NoError(t, err)
		assert.Equal(t, i, h.Position)
	}

	_, err := q.Enqueue(ctx, testPayload("a"), fastOptions())
	assert.ErrorIs(t, err, ErrDuplicateJob)

	pos, err := q.Position(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 2, pos)

	job := reserve(t, q)
	assert.Equal(t, "a", job.ID)
	assert.Equal(t, 1, job.Attempt)
	assert.Equal(t, "SOL", job.Payload.TokenIn)
	assert.True(t, job.Payload.Amount.Equal(testPayload("a").Amount))

	pos, err = q.Position(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	require.NoError(t, q.Settle(ctx, job, Ack()))

	exists, err := client.HExists(ctx, "t1:jobs", "a").Result()
	require.NoError(t, err)
	assert.False(t, exists)

	active, err := client.LLen(ctx, "t1:active").Result()
	require.NoError(t, err)
	assert.Zero(t, active)
}

func TestRedisQueue_RetryBackoffThenDeadLetter(t *testing.T) {
	client, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	q := newTestRedisQueue(client, "t2")
	defer q.Close()

	_, err := q.Enqueue(ctx, testPayload("a"), fastOptions())
	require.NoError(t, err)

	boom := errors.New("venue down")
	for attempt := 1; attempt <= 3; attempt++ {
		job := reserve(t, q)
		assert.Equal(t, attempt, job.Attempt)
		if attempt > 1 {
			assert.Equal(t, "venue down", job.LastError)
		}
		require.NoError(t, q.Settle(ctx, job, Retry(boom)))
	}

	dead, err := q.Dead(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, dead)
}

func TestRedisQueue_RecoverStalled(t *testing.T) {
	client, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	crashed := newTestRedisQueue(client, "t3")

	_, err := crashed.Enqueue(ctx, testPayload("a"), fastOptions())
	require.NoError(t, err)

	job := reserve(t, crashed)
	assert.Equal(t, 1, job.Attempt)

	// Worker dies without settling: heartbeats stop and the lease expires.
	require.NoError(t, crashed.Close())

	survivor := newTestRedisQueue(client, "t3")
	defer survivor.Close()

	n, err := survivor.RecoverStalled(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "lease still live")

	time.Sleep(400 * time.Millisecond)

	n, err = survivor.RecoverStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again := reserve(t, survivor)
	assert.Equal(t, "a", again.ID)
	assert.Equal(t, 2, again.Attempt)
	require.NoError(t, survivor.Settle(ctx, again, Ack()))
}

func TestRedisQueue_HeartbeatKeepsLease(t *testing.T) {
	client, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	q := newTestRedisQueue(client, "t4")
	defer q.Close()

	_, err := q.Enqueue(ctx, testPayload("a"), fastOptions())
	require.NoError(t, err)
	job := reserve(t, q)

	time.Sleep(700 * time.Millisecond)

	n, err := q.RecoverStalled(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, q.Settle(ctx, job, Ack()))
}
