package discovery

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process ResourceStore. It is the default when no
// redis address is configured and the store used throughout the tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Get(ctx context.Context, resource string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[resource]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Resource] = rec
	return nil
}

func (s *MemoryStore) List(ctx context.Context, opts ListOptions) ([]Record, int, error) {
	s.mu.RLock()
	records := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		records = append(records, rec)
	}
	s.mu.RUnlock()

	page, total := selectPage(records, opts)
	return page, total, nil
}

func (s *MemoryStore) Purge(ctx context.Context, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for resource, rec := range s.records {
		if rec.DeletedAt != nil && rec.DeletedAt.Before(before) {
			delete(s.records, resource)
		}
	}
	return nil
}
