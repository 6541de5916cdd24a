package eventbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"swap-engine/internal/domain"
	"swap-engine/internal/logging"
	"swap-engine/internal/observability"
)

// RedisBus fans events out over Redis pub/sub so any API process can serve
// observers of orders executed by any worker process.
type RedisBus struct {
	client  redis.UniversalClient
	channel string
	logger  *logrus.Logger

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus creates a bus on client. An empty channel uses
// domain.OrderUpdatesChannel.
func NewRedisBus(client redis.UniversalClient, channel string, logger *logrus.Logger) *RedisBus {
	if channel == "" {
		channel = domain.OrderUpdatesChannel
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &RedisBus{
		client:  client,
		channel: channel,
		logger:  logger,
		subs:    make(map[*Subscription]struct{}),
	}
}

// Publish implements Bus.
func (b *RedisBus) Publish(ctx context.Context, e domain.Event) error {
	data, err := domain.EncodeEvent(e)
	if err != nil {
		observability.RecordPublish(string(e.Status()), err)
		return fmt.Errorf("encode event: %w", err)
	}

	err = b.client.Publish(ctx, b.channel, data).Err()
	observability.RecordPublish(string(e.Status()), err)
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe implements Bus.
func (b *RedisBus) Subscribe(ctx context.Context) (*Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	ps := b.client.Subscribe(ctx, b.channel)
	// Wait for the subscription confirmation so no event published after
	// Subscribe returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	sub := newSubscription(func() { ps.Close() })

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go b.pump(ps, sub)
	sub.closeOnCancel(ctx)
	return sub, nil
}

func (b *RedisBus) pump(ps *redis.PubSub, sub *Subscription) {
	defer func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
		close(sub.events)
	}()

	for msg := range ps.Channel() {
		e, err := domain.DecodeEvent([]byte(msg.Payload))
		if err != nil {
			b.logger.WithError(err).Warn("dropping undecodable event")
			continue
		}
		if !sub.deliver(e) {
			observability.RecordObserverDrop()
		}
	}
}

// Close ends every subscription. The client is owned by the caller.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return nil
}
