// Package eventbus carries order lifecycle events from workers to the
// processes that push them to observers. Delivery is best-effort: a slow or
// absent subscriber never blocks a publisher.
package eventbus

import (
	"context"
	"errors"
	"sync"

	"swap-engine/internal/domain"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("event bus closed")

// subscriberBuffer is the per-subscription channel capacity.
const subscriberBuffer = 256

// Bus publishes and subscribes to order events.
type Bus interface {
	Publish(ctx context.Context, e domain.Event) error
	Subscribe(ctx context.Context) (*Subscription, error)
	Close() error
}

// Subscription is a stream of events. The channel closes when the
// subscription or its bus is closed.
type Subscription struct {
	events chan domain.Event
	done   chan struct{}
	stop   func()
	once   sync.Once
}

func newSubscription(stop func()) *Subscription {
	return &Subscription{
		events: make(chan domain.Event, subscriberBuffer),
		done:   make(chan struct{}),
		stop:   stop,
	}
}

// Events returns the event stream.
func (s *Subscription) Events() <-chan domain.Event {
	return s.events
}

// Close ends the subscription.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.stop != nil {
			s.stop()
		}
	})
}

// closeOnCancel closes s when ctx is done.
func (s *Subscription) closeOnCancel(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
}

// deliver hands e to the subscriber without blocking. Reports false on drop.
func (s *Subscription) deliver(e domain.Event) bool {
	select {
	case s.events <- e:
		return true
	default:
		return false
	}
}
