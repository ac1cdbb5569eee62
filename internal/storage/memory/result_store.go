package memory

import (
	"context"
	"sync"

	"github.com/tarabot/tarabot/internal/scan"
)

// ResultStore is an in-memory append-only result log per scan.
type ResultStore struct {
	mu      sync.RWMutex
	results map[string][]scan.Result
}

// NewResultStore returns an empty store.
func NewResultStore() *ResultStore {
	return &ResultStore{results: make(map[string][]scan.Result)}
}

// Append adds one result to the scan's log.
func (s *ResultStore) Append(_ context.Context, scanID string, r scan.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[scanID] = append(s.results[scanID], r)
	return nil
}

// List returns one page of results, newest first. Page is 1-based; an
// out-of-range page yields an empty slice, not an error.
func (s *ResultStore) List(_ context.Context, scanID string, page, limit int) ([]scan.Result, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.results[scanID]
	out := make([]scan.Result, 0, limit)
	// Newest first means walking the append-order slice backwards.
	start := len(all) - 1 - (page-1)*limit
	for i := start; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// Delete drops the scan's result log.
func (s *ResultStore) Delete(_ context.Context, scanID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.results, scanID)
	return nil
}
