// Package queue defines the durable scan job queue contract.
//
// Jobs move through waiting -> active -> completed, with delayed as the
// retry-backoff parking state and failed as the bounded diagnostic retention
// set. A worker holds a lease on an active job and must renew it; a job whose
// lease lapses is considered stalled and is requeued for another worker.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/tarabot/tarabot/internal/scan"
)

// State is the queue-level lifecycle state of a job.
type State string

// Job states.
const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Sentinel errors returned by Manager implementations.
var (
	ErrClosed      = errors.New("queue closed")
	ErrJobNotFound = errors.New("queue job not found")
)

// Job is one unit of queued scan work.
type Job struct {
	ID          string
	ScanID      string
	Payload     scan.JobPayload
	State       State
	Priority    int
	Attempt     int
	MaxAttempts int
	Stalls      int
	Backoff     time.Duration
	NextRunAt   time.Time
	LockedUntil time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Options tune a single enqueue call.
type Options struct {
	// Priority orders dequeue; higher wins. Resumed scans enqueue at 10,
	// fresh starts at 5.
	Priority int
	// Attempts caps job-level retries; zero falls back to the queue default.
	Attempts int
	// Backoff is the base delay of the exponential job retry schedule; zero
	// falls back to the queue default.
	Backoff time.Duration
}

// Counts holds job totals by state.
type Counts struct {
	Active    int `json:"active"`
	Waiting   int `json:"waiting"`
	Delayed   int `json:"delayed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Status is the queue snapshot exposed to operators.
type Status struct {
	Counts Counts `json:"counts"`
	Paused bool   `json:"is_paused"`
}

// Manager wraps the durable job queue.
type Manager interface {
	// Enqueue adds a job without blocking on worker availability.
	Enqueue(ctx context.Context, payload scan.JobPayload, opts Options) (Job, error)
	// Dequeue blocks until a job is leased or the context ends. A globally
	// paused queue hands out nothing.
	Dequeue(ctx context.Context) (Job, error)
	// ExtendLease renews the worker's lock on an active job.
	ExtendLease(ctx context.Context, jobID string) error
	// Complete finishes an active job successfully.
	Complete(ctx context.Context, jobID string) error
	// Fail records a job failure. With retry, the job is delayed per the
	// exponential backoff policy until attempts exhaust; without, it moves
	// straight to the failed retention set.
	Fail(ctx context.Context, jobID string, cause error, retry bool) error
	// RemoveByScan purges every job for the scan id: active jobs are failed,
	// waiting/delayed jobs are removed. Returns how many jobs were touched.
	RemoveByScan(ctx context.Context, scanID string) (int, error)
	// Pause stops all workers from pulling new jobs; Resume restarts them.
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	// Status reports job counts by state plus the paused flag.
	Status(ctx context.Context) (Status, error)
	// DrainAndClean forcibly fails active jobs and removes everything else.
	// Intended for process boot, to clear orphaned work from a prior crash.
	DrainAndClean(ctx context.Context) error
	// Close releases queue resources.
	Close() error
}
