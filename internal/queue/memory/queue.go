// Package memory provides the in-memory queue used for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tarabot/tarabot/internal/queue"
	"github.com/tarabot/tarabot/internal/scan"
)

// Settings control queue behavior; zero values fall back to defaults.
type Settings struct {
	LockDuration       time.Duration
	StalledInterval    time.Duration
	MaxStalledCount    int
	DefaultAttempts    int
	DefaultBackoff     time.Duration
	FailedRetention    int
	CompletedRetention int
	PollInterval       time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.LockDuration <= 0 {
		s.LockDuration = 60 * time.Second
	}
	if s.StalledInterval <= 0 {
		s.StalledInterval = 10 * time.Second
	}
	if s.MaxStalledCount <= 0 {
		s.MaxStalledCount = 3
	}
	if s.DefaultAttempts <= 0 {
		s.DefaultAttempts = 3
	}
	if s.DefaultBackoff <= 0 {
		s.DefaultBackoff = 3 * time.Second
	}
	if s.FailedRetention <= 0 {
		s.FailedRetention = 50
	}
	if s.CompletedRetention <= 0 {
		s.CompletedRetention = 200
	}
	if s.PollInterval <= 0 {
		s.PollInterval = 50 * time.Millisecond
	}
	return s
}

// Queue is a mutex-guarded in-memory queue.Manager implementation with the
// same delivery semantics as the Postgres one: priority ordering, delayed
// retries, lease-based stalled-job recovery, and bounded retention.
type Queue struct {
	mu       sync.Mutex
	jobs     map[string]*queue.Job
	finished []string // completed/failed ids, oldest first, for retention trim
	paused   bool
	closed   bool

	wake     chan struct{}
	done     chan struct{}
	settings Settings
}

// NewQueue constructs a Queue and starts its stalled-job reaper.
func NewQueue(settings Settings) *Queue {
	q := &Queue{
		jobs:     make(map[string]*queue.Job),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		settings: settings.withDefaults(),
	}
	go q.reap()
	return q
}

// Enqueue adds a waiting job; the caller never blocks on worker availability.
func (q *Queue) Enqueue(_ context.Context, payload scan.JobPayload, opts queue.Options) (queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.Job{}, queue.ErrClosed
	}

	now := time.Now().UTC()
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = q.settings.DefaultAttempts
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = q.settings.DefaultBackoff
	}
	job := &queue.Job{
		ID:          uuid.NewString(),
		ScanID:      payload.ScanID,
		Payload:     payload,
		State:       queue.StateWaiting,
		Priority:    opts.Priority,
		MaxAttempts: attempts,
		Backoff:     backoff,
		NextRunAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	q.jobs[job.ID] = job
	q.signal()
	return *job, nil
}

// Dequeue blocks until a job is leased, the queue closes, or ctx ends.
func (q *Queue) Dequeue(ctx context.Context) (queue.Job, error) {
	for {
		job, ok, err := q.tryLease()
		if err != nil {
			return queue.Job{}, err
		}
		if ok {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return queue.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.done:
			return queue.Job{}, queue.ErrClosed
		case <-q.wake:
		case <-time.After(q.settings.PollInterval):
		}
	}
}

func (q *Queue) tryLease() (queue.Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.Job{}, false, queue.ErrClosed
	}
	if q.paused {
		return queue.Job{}, false, nil
	}

	now := time.Now().UTC()
	q.promoteDelayedLocked(now)

	var pick *queue.Job
	for _, job := range q.jobs {
		if job.State != queue.StateWaiting || job.NextRunAt.After(now) {
			continue
		}
		if pick == nil || job.Priority > pick.Priority ||
			(job.Priority == pick.Priority && job.CreatedAt.Before(pick.CreatedAt)) {
			pick = job
		}
	}
	if pick == nil {
		return queue.Job{}, false, nil
	}

	pick.State = queue.StateActive
	pick.Attempt++
	pick.LockedUntil = now.Add(q.settings.LockDuration)
	pick.UpdatedAt = now
	return *pick, true, nil
}

// ExtendLease renews the lock on an active job.
func (q *Queue) ExtendLease(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok || job.State != queue.StateActive {
		return queue.ErrJobNotFound
	}
	job.LockedUntil = time.Now().UTC().Add(q.settings.LockDuration)
	return nil
}

// Complete finishes an active job.
func (q *Queue) Complete(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok || job.State != queue.StateActive {
		return queue.ErrJobNotFound
	}
	q.finishLocked(job, queue.StateCompleted, "")
	return nil
}

// Fail applies the retry policy: remaining attempts send the job to delayed
// with exponential backoff, exhaustion (or retry=false) moves it to the
// bounded failed retention set.
func (q *Queue) Fail(_ context.Context, jobID string, cause error, retry bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok || job.State != queue.StateActive {
		return queue.ErrJobNotFound
	}

	errText := ""
	if cause != nil {
		errText = cause.Error()
	}
	now := time.Now().UTC()
	if retry && job.Attempt < job.MaxAttempts {
		job.State = queue.StateDelayed
		job.LastError = errText
		job.NextRunAt = now.Add(job.Backoff << (job.Attempt - 1))
		job.UpdatedAt = now
		q.signal()
		return nil
	}
	q.finishLocked(job, queue.StateFailed, errText)
	return nil
}

// RemoveByScan purges all jobs for one scan: active jobs are failed,
// waiting/delayed jobs are dropped. Safe to call when no jobs exist.
func (q *Queue) RemoveByScan(_ context.Context, scanID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	touched := 0
	for id, job := range q.jobs {
		if job.ScanID != scanID {
			continue
		}
		switch job.State {
		case queue.StateActive:
			q.finishLocked(job, queue.StateFailed, "scan stopped by operator")
			touched++
		case queue.StateWaiting, queue.StateDelayed:
			delete(q.jobs, id)
			touched++
		}
	}
	return touched, nil
}

// Pause stops handing out jobs globally.
func (q *Queue) Pause(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
	return nil
}

// Resume restarts job delivery.
func (q *Queue) Resume(_ context.Context) error {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.signal()
	return nil
}

// Status reports job counts by state plus the paused flag.
func (q *Queue) Status(_ context.Context) (queue.Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := queue.Status{Paused: q.paused}
	for _, job := range q.jobs {
		switch job.State {
		case queue.StateActive:
			st.Counts.Active++
		case queue.StateWaiting:
			st.Counts.Waiting++
		case queue.StateDelayed:
			st.Counts.Delayed++
		case queue.StateCompleted:
			st.Counts.Completed++
		case queue.StateFailed:
			st.Counts.Failed++
		}
	}
	return st, nil
}

// DrainAndClean fails every active job and removes all others. Boot-time
// maintenance for orphaned work left by a prior crash.
func (q *Queue) DrainAndClean(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for id, job := range q.jobs {
		if job.State == queue.StateActive {
			job.State = queue.StateFailed
			job.LastError = "queue drained"
		}
		delete(q.jobs, id)
	}
	q.finished = nil
	return nil
}

// Close stops the reaper and rejects further operations.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.done)
	return nil
}

// JobsByScan returns copies of all jobs for a scan id, newest first.
// Diagnostic helper used by tests and the queue status endpoint.
func (q *Queue) JobsByScan(scanID string) []queue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []queue.Job
	for _, job := range q.jobs {
		if job.ScanID == scanID {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// finishLocked moves a job into a terminal state and trims retention.
func (q *Queue) finishLocked(job *queue.Job, state queue.State, errText string) {
	job.State = state
	job.LastError = errText
	job.UpdatedAt = time.Now().UTC()
	q.finished = append(q.finished, job.ID)

	completed, failed := 0, 0
	for _, j := range q.jobs {
		switch j.State {
		case queue.StateCompleted:
			completed++
		case queue.StateFailed:
			failed++
		}
	}
	for i := 0; i < len(q.finished) && (completed > q.settings.CompletedRetention || failed > q.settings.FailedRetention); i++ {
		old, ok := q.jobs[q.finished[i]]
		if !ok {
			continue
		}
		switch {
		case old.State == queue.StateCompleted && completed > q.settings.CompletedRetention:
			delete(q.jobs, old.ID)
			completed--
		case old.State == queue.StateFailed && failed > q.settings.FailedRetention:
			delete(q.jobs, old.ID)
			failed--
		}
	}
}

func (q *Queue) promoteDelayedLocked(now time.Time) {
	for _, job := range q.jobs {
		if job.State == queue.StateDelayed && !job.NextRunAt.After(now) {
			job.State = queue.StateWaiting
			job.UpdatedAt = now
		}
	}
}

// reap periodically promotes due delayed jobs and requeues stalled actives.
func (q *Queue) reap() {
	ticker := time.NewTicker(q.settings.StalledInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.done:
			return
		case <-ticker.C:
			q.requeueStalled()
		}
	}
}

func (q *Queue) requeueStalled() {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	q.promoteDelayedLocked(now)
	for _, job := range q.jobs {
		if job.State != queue.StateActive || job.LockedUntil.After(now) {
			continue
		}
		job.Stalls++
		if job.Stalls > q.settings.MaxStalledCount {
			q.finishLocked(job, queue.StateFailed, "job stalled too many times")
			continue
		}
		// The worker is presumed dead; hand the job to another one. The
		// attempt is not charged: the checkpoint makes re-execution safe.
		job.State = queue.StateWaiting
		job.Attempt--
		job.NextRunAt = now
		job.UpdatedAt = now
	}
	q.signal()
}
