package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"swap-engine/internal/domain"
)

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
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	cleanup := func() {
		client.Close()
		_ = container.Terminate(ctx)
	}
	return client, cleanup
}

func TestRedisBus_PublishSubscribe(t *testing.T) {
	client, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	publisher := NewRedisBus(client, "", nil)
	subscriber := NewRedisBus(client, "", nil)
	defer subscriber.Close()

	sub, err := subscriber.Subscribe(ctx)
	require.NoError(t, err)

	for _, e := range sampleEvents("o1") {
		require.NoError(t, publisher.Publish(ctx, e))
	}

	first := next(t, sub)
	assert.Equal(t, "o1", first.OrderID())
	assert.Equal(t, domain.StatusRouting, first.Status())

	second, ok := next(t, sub).(domain.RouteSelectedEvent)
	require.True(t, ok)
	assert.Equal(t, "149.5", second.QuotedPrice.String())

	sub.Close()
	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed")
	}
}
