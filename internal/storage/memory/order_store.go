package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"swap-engine/internal/domain"
	"swap-engine/internal/storage"
)

// OrderStore is an in-memory implementation of storage.OrderStore.
type OrderStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Order // keyed by order id
	now  func() time.Time
}

// NewOrderStore creates a new in-memory order store.
func NewOrderStore() *OrderStore {
	return &OrderStore{
		data: make(map[string]*domain.Order),
		now:  time.Now,
	}
}

var _ storage.OrderStore = (*OrderStore)(nil)

// Insert adds a new order. Returns ErrDuplicateKey if id exists.
func (s *OrderStore) Insert(_ context.Context, o *domain.Order) error {
	if o == nil || o.ID == "" || !o.Status.Valid() {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[o.ID]; exists {
		return storage.ErrDuplicateKey
	}

	c := o.Clone()
	now := s.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = c.CreatedAt
	s.data[o.ID] = c
	return nil
}

// Update applies a guarded partial update.
func (s *OrderStore) Update(_ context.Context, id string, u domain.OrderUpdate) (*domain.Order, error) {
	if id == "" {
		return nil, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.data[id]
	if !ok {
		return nil, storage.ErrNotFound
	}

	next := current.Clone()
	if err := storage.ApplyUpdate(next, u, s.now()); err != nil {
		return nil, err
	}
	s.data[id] = next
	return next.Clone(), nil
}

// Get retrieves an order by id.
func (s *OrderStore) Get(_ context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.data[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return o.Clone(), nil
}

// List returns up to limit orders ordered by created_at DESC.
func (s *OrderStore) List(_ context.Context, limit int) ([]*domain.Order, error) {
	s.mu.RLock()
	result := make([]*domain.Order, 0, len(s.data))
	for _, o := range s.data {
		result = append(result, o.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
