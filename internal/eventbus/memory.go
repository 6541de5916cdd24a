package eventbus

import (
	"context"
	"sync"

	"swap-engine/internal/domain"
	"swap-engine/internal/observability"
)

// MemoryBus delivers events within one process.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

var _ Bus = (*MemoryBus)(nil)

// NewMemoryBus creates an in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[*Subscription]struct{})}
}

// Publish implements Bus.
func (b *MemoryBus) Publish(_ context.Context, e domain.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		observability.RecordPublish(string(e.Status()), ErrClosed)
		return ErrClosed
	}
	for sub := range b.subs {
		if !sub.deliver(e) {
			observability.RecordObserverDrop()
		}
	}
	observability.RecordPublish(string(e.Status()), nil)
	return nil
}

// Subscribe implements Bus. The subscription ends when ctx is done.
func (b *MemoryBus) Subscribe(ctx context.Context) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	var sub *Subscription
	sub = newSubscription(func() { b.remove(sub) })
	b.subs[sub] = struct{}{}

	sub.closeOnCancel(ctx)
	return sub, nil
}

func (b *MemoryBus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.events)
	}
}

// Close implements Bus.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.events)
	}
	return nil
}
