// Package memory provides in-memory store implementations for development
// and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tarabot/tarabot/internal/scan"
)

// CheckpointStore is a mutex-guarded scan.CheckpointStore.
type CheckpointStore struct {
	mu    sync.RWMutex
	scans map[string]scan.Scan
}

// NewCheckpointStore returns an empty store.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{scans: make(map[string]scan.Scan)}
}

// Load fetches a scan by id.
func (s *CheckpointStore) Load(_ context.Context, scanID string) (scan.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.scans[scanID]
	if !ok {
		return scan.Scan{}, scan.ErrNotFound
	}
	return rec, nil
}

// Save writes the full record after validating it.
func (s *CheckpointStore) Save(_ context.Context, rec scan.Scan) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.UpdatedAt = time.Now().UTC()
	s.scans[rec.ID] = rec
	return nil
}

// Advance moves the checkpoint to the last fully processed index. A lower
// index than the stored one is ignored so the checkpoint never rewinds under
// a stale writer, and the scanned counter derives from the index so a batch
// replayed after a pause lands on the same count instead of inflating it.
func (s *CheckpointStore) Advance(_ context.Context, scanID string, index, foundDelta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.scans[scanID]
	if !ok {
		return scan.ErrNotFound
	}
	if index > rec.Config.CurrentIndex {
		rec.Config.CurrentIndex = index
	}
	if done := index + 1 - rec.Config.StartIndex; done > rec.Progress.ScannedDomains {
		rec.Progress.ScannedDomains = done
	}
	rec.Progress.FoundResults += foundDelta
	rec.UpdatedAt = time.Now().UTC()
	s.scans[scanID] = rec
	return nil
}

// Delete removes the record, reporting whether it existed.
func (s *CheckpointStore) Delete(_ context.Context, scanID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.scans[scanID]
	delete(s.scans, scanID)
	return ok, nil
}

// List returns all scans, most recently updated first.
func (s *CheckpointStore) List(_ context.Context) ([]scan.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]scan.Scan, 0, len(s.scans))
	for _, rec := range s.scans {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}
