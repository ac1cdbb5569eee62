package scan

import (
	"context"
	"time"
)

// CheckpointStore persists scan records and their progress checkpoint.
// Implementations must be atomic per scan id; the single-active-worker
// invariant plus read-modify-write inside the processor covers the rest.
type CheckpointStore interface {
	// Load fetches a scan or returns ErrNotFound.
	Load(ctx context.Context, scanID string) (Scan, error)
	// Save writes the full record.
	Save(ctx context.Context, rec Scan) error
	// Advance moves the checkpoint to the last fully processed index.
	// currentIndex never rewinds (a lower index is ignored) and the
	// scanned counter derives from the index, so a batch replayed after
	// a pause or crash is never counted twice. Found results accumulate
	// alongside the duplicate-tolerant result log.
	Advance(ctx context.Context, scanID string, index, foundDelta int) error
	// Delete removes the record; reports whether it existed.
	Delete(ctx context.Context, scanID string) (bool, error)
	// List returns all scans, most recently updated first.
	List(ctx context.Context) ([]Scan, error)
}

// ResultStore is the append-only result log, newest first on read.
type ResultStore interface {
	Append(ctx context.Context, scanID string, r Result) error
	List(ctx context.Context, scanID string, page, limit int) ([]Result, error)
	Delete(ctx context.Context, scanID string) error
}

// StopFlagStore persists durable, TTL'd stop markers keyed by scan id.
// It is the source of truth across process restarts; the in-process stop
// set is only a cache over it.
type StopFlagStore interface {
	Set(ctx context.Context, scanID string, ttl time.Duration) error
	Clear(ctx context.Context, scanID string) error
	Exists(ctx context.Context, scanID string) (bool, error)
}

// DomainProvider returns the ordered domain array for a list id. Domain-list
// management itself lives outside this service.
type DomainProvider interface {
	Domains(ctx context.Context, listID string) ([]string, error)
}
