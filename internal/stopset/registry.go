// Package stopset coordinates cooperative scan cancellation.
//
// The registry is two-tier: an in-process set gives cheap checks inside hot
// loops, and a durable TTL'd flag in the shared store survives process
// restarts. Writes go through both tiers; reads consult the durable tier
// whenever the local one misses, so a freshly restarted worker still honors
// flags set before it came up.
package stopset

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tarabot/tarabot/internal/scan"
)

// Registry tracks scans that must halt.
type Registry struct {
	mu     sync.RWMutex
	local  map[string]struct{}
	store  scan.StopFlagStore
	ttl    time.Duration
	logger *zap.Logger
}

// New constructs a Registry over the durable flag store. The TTL bounds how
// long a durable flag can outlive a crashed clearing step.
func New(store scan.StopFlagStore, ttl time.Duration, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Registry{
		local:  make(map[string]struct{}),
		store:  store,
		ttl:    ttl,
		logger: logger,
	}
}

// Stop marks the scan as stopped in both tiers. The durable write is
// best-effort: a store outage must not prevent the local halt.
func (r *Registry) Stop(ctx context.Context, scanID string) error {
	r.mu.Lock()
	r.local[scanID] = struct{}{}
	r.mu.Unlock()

	if err := r.store.Set(ctx, scanID, r.ttl); err != nil {
		r.logger.Warn("durable stop flag write failed",
			zap.String("scan_id", scanID), zap.Error(err))
		return fmt.Errorf("set stop flag: %w", err)
	}
	return nil
}

// MarkLocal adds the scan to the local tier only. Used when a failing scan
// must not be resumed by a stale in-flight retry of this process.
func (r *Registry) MarkLocal(scanID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local[scanID] = struct{}{}
}

// Clear removes the scan from both tiers, enabling resume.
func (r *Registry) Clear(ctx context.Context, scanID string) error {
	r.mu.Lock()
	delete(r.local, scanID)
	r.mu.Unlock()

	if err := r.store.Clear(ctx, scanID); err != nil {
		return fmt.Errorf("clear stop flag: %w", err)
	}
	return nil
}

// Stopped reports whether the scan must halt. The local tier is checked
// first; on a miss the durable tier is consulted and a hit is cached
// locally. Store errors are treated as "not stopped" so a flaky store
// cannot wedge every running scan.
func (r *Registry) Stopped(ctx context.Context, scanID string) bool {
	r.mu.RLock()
	_, ok := r.local[scanID]
	r.mu.RUnlock()
	if ok {
		return true
	}

	exists, err := r.store.Exists(ctx, scanID)
	if err != nil {
		r.logger.Warn("durable stop flag check failed",
			zap.String("scan_id", scanID), zap.Error(err))
		return false
	}
	if exists {
		r.MarkLocal(scanID)
	}
	return exists
}
