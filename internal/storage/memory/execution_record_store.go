package memory

import (
	"context"
	"sync"

	"swap-engine/internal/domain"
	"swap-engine/internal/storage"
)

// ExecutionRecordStore is an in-memory implementation of storage.ExecutionRecordStore.
type ExecutionRecordStore struct {
	mu   sync.RWMutex
	data map[string]*domain.ExecutionRecord
}

// NewExecutionRecordStore creates a new in-memory execution record store.
func NewExecutionRecordStore() *ExecutionRecordStore {
	return &ExecutionRecordStore{
		data: make(map[string]*domain.ExecutionRecord),
	}
}

var _ storage.ExecutionRecordStore = (*ExecutionRecordStore)(nil)

// Insert adds a record. Returns ErrDuplicateKey if order_id exists.
func (s *ExecutionRecordStore) Insert(_ context.Context, r *domain.ExecutionRecord) error {
	if r == nil || r.OrderID == "" || !r.Status.IsTerminal() {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[r.OrderID]; exists {
		return storage.ErrDuplicateKey
	}

	copy := *r
	s.data[r.OrderID] = &copy
	return nil
}

// GetByOrderID retrieves a record by order id.
func (s *ExecutionRecordStore) GetByOrderID(_ context.Context, orderID string) (*domain.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.data[orderID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copy := *r
	return &copy, nil
}

// CountByVenue returns record counts per venue for status.
func (s *ExecutionRecordStore) CountByVenue(_ context.Context, status domain.Status) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int64)
	for _, r := range s.data {
		if r.Status == status {
			counts[r.Venue]++
		}
	}
	return counts, nil
}
