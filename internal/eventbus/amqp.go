package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"swap-engine/internal/domain"
	"swap-engine/internal/logging"
	"swap-engine/internal/observability"
)

// AMQPBus publishes events to a fanout exchange. Each subscription binds its
// own exclusive auto-delete queue.
type AMQPBus struct {
	conn     *amqp.Connection
	exchange string
	logger   *logrus.Logger

	mu     sync.Mutex
	pub    *amqp.Channel
	subs   map[*Subscription]struct{}
	closed bool
}

var _ Bus = (*AMQPBus)(nil)

// NewAMQPBus declares the exchange and opens a publishing channel.
// An empty exchange uses domain.OrderUpdatesChannel.
func NewAMQPBus(conn *amqp.Connection, exchange string, logger *logrus.Logger) (*AMQPBus, error) {
	if exchange == "" {
		exchange = domain.OrderUpdatesChannel
	}
	if logger == nil {
		logger = logging.Discard()
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	return &AMQPBus{
		conn:     conn,
		exchange: exchange,
		logger:   logger,
		pub:      ch,
		subs:     make(map[*Subscription]struct{}),
	}, nil
}

// Publish implements Bus.
func (b *AMQPBus) Publish(ctx context.Context, e domain.Event) error {
	data, err := domain.EncodeEvent(e)
	if err != nil {
		observability.RecordPublish(string(e.Status()), err)
		return fmt.Errorf("encode event: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		observability.RecordPublish(string(e.Status()), ErrClosed)
		return ErrClosed
	}

	err = b.pub.PublishWithContext(ctx, b.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Type:        string(e.Status()),
		Body:        data,
	})
	observability.RecordPublish(string(e.Status()), err)
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe implements Bus.
func (b *AMQPBus) Subscribe(ctx context.Context) (*Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", b.exchange, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("bind queue: %w", err)
	}

	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("consume %s: %w", q.Name, err)
	}

	sub := newSubscription(func() { ch.Close() })

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go b.pump(deliveries, sub)
	sub.closeOnCancel(ctx)
	return sub, nil
}

func (b *AMQPBus) pump(deliveries <-chan amqp.Delivery, sub *Subscription) {
	defer func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
		close(sub.events)
	}()

	for d := range deliveries {
		e, err := domain.DecodeEvent(d.Body)
		if err != nil {
			b.logger.WithError(err).Warn("dropping undecodable event")
			continue
		}
		if !sub.deliver(e) {
			observability.RecordObserverDrop()
		}
	}
}

// Close ends every subscription and the publishing channel. The connection
// is owned by the caller.
func (b *AMQPBus) Close() error {
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
	pub := b.pub
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return pub.Close()
}

// DialAMQP connects to url, retrying until ctx is done.
func DialAMQP(ctx context.Context, url string) (*amqp.Connection, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		conn, err := amqp.Dial(url)
		if err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial amqp: %w", err)
		case <-ticker.C:
		}
	}
}
