package memory

import (
	"context"
	"sync"
	"time"

	"github.com/tarabot/tarabot/internal/scan"
)

// StopFlagStore keeps TTL'd stop flags in memory. Expiry is evaluated
// lazily on read.
type StopFlagStore struct {
	mu    sync.Mutex
	flags map[string]time.Time
}

// NewStopFlagStore returns an empty store.
func NewStopFlagStore() *StopFlagStore {
	return &StopFlagStore{flags: make(map[string]time.Time)}
}

// Set records a stop flag that expires after ttl.
func (s *StopFlagStore) Set(_ context.Context, scanID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[scanID] = time.Now().UTC().Add(ttl)
	return nil
}

// Clear removes the flag if present.
func (s *StopFlagStore) Clear(_ context.Context, scanID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flags, scanID)
	return nil
}

// Exists reports whether an unexpired flag is set for the scan.
func (s *StopFlagStore) Exists(_ context.Context, scanID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expires, ok := s.flags[scanID]
	if !ok {
		return false, nil
	}
	if time.Now().UTC().After(expires) {
		delete(s.flags, scanID)
		return false, nil
	}
	return true, nil
}

var _ scan.StopFlagStore = (*StopFlagStore)(nil)
