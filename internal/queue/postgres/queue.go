// Package postgres provides the durable Postgres-backed job queue.
//
// Delivery relies on FOR UPDATE SKIP LOCKED leasing: a dequeue transaction
// claims the highest-priority due job without blocking concurrent workers,
// and a lease deadline (locked_until) lets the reaper reclaim jobs whose
// worker died. Retries are parked in the delayed state with a future
// next_run_at; terminal jobs stay in bounded retention for diagnostics.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tarabot/tarabot/internal/queue"
	"github.com/tarabot/tarabot/internal/scan"
)

// Schema holds the queue DDL. Applied at boot; every statement is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS scan_jobs (
	id           TEXT PRIMARY KEY,
	scan_id      TEXT NOT NULL,
	payload      JSONB NOT NULL,
	state        TEXT NOT NULL,
	priority     INT NOT NULL DEFAULT 0,
	attempt      INT NOT NULL DEFAULT 0,
	max_attempts INT NOT NULL DEFAULT 3,
	stalls       INT NOT NULL DEFAULT 0,
	backoff_ms   BIGINT NOT NULL DEFAULT 3000,
	next_run_at  TIMESTAMPTZ NOT NULL,
	locked_until TIMESTAMPTZ,
	last_error   TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS scan_jobs_ready_idx ON scan_jobs (state, next_run_at, priority DESC, created_at);
CREATE INDEX IF NOT EXISTS scan_jobs_scan_idx ON scan_jobs (scan_id);
CREATE TABLE IF NOT EXISTS queue_control (
	name   TEXT PRIMARY KEY,
	paused BOOLEAN NOT NULL DEFAULT FALSE
);
INSERT INTO queue_control (name, paused) VALUES ('scans', FALSE) ON CONFLICT (name) DO NOTHING;
`

type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Settings control lease and retention behavior; zero values fall back to
// defaults matching the in-memory queue.
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
		s.PollInterval = time.Second
	}
	return s
}

// Queue is a Postgres-backed queue.Manager.
type Queue struct {
	pool     db
	settings Settings
	done     chan struct{}
}

// NewQueue connects a pool from the DSN, applies the schema, and starts the
// stalled-job reaper.
func NewQueue(ctx context.Context, dsn string, maxConns int32, settings Settings) (*Queue, error) {
	if dsn == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	q, err := NewQueueWithPool(pool, settings)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := q.pool.Exec(ctx, Schema); err != nil {
		q.Close()
		return nil, fmt.Errorf("apply queue schema: %w", err)
	}
	return q, nil
}

// NewQueueWithPool constructs a queue from an existing pool (primarily for
// testing). The schema is not applied.
func NewQueueWithPool(pool db, settings Settings) (*Queue, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	q := &Queue{
		pool:     pool,
		settings: settings.withDefaults(),
		done:     make(chan struct{}),
	}
	go q.reap()
	return q, nil
}

const jobColumns = `id, scan_id, payload, state, priority, attempt, max_attempts, stalls, backoff_ms, next_run_at, locked_until, last_error, created_at, updated_at`

// Enqueue inserts a waiting job.
func (q *Queue) Enqueue(ctx context.Context, payload scan.JobPayload, opts queue.Options) (queue.Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return queue.Job{}, fmt.Errorf("marshal job payload: %w", err)
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
	job := queue.Job{
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
	_, err = q.pool.Exec(ctx, `
INSERT INTO scan_jobs (id, scan_id, payload, state, priority, attempt, max_attempts, stalls, backoff_ms, next_run_at, locked_until, last_error, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,0,$6,0,$7,$8,NULL,'',$9,$10)`,
		job.ID, job.ScanID, body, string(job.State), job.Priority, job.MaxAttempts,
		job.Backoff.Milliseconds(), job.NextRunAt, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return queue.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// Dequeue polls until a job is leased or ctx ends.
func (q *Queue) Dequeue(ctx context.Context) (queue.Job, error) {
	for {
		job, ok, err := q.tryLease(ctx)
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
		case <-time.After(q.settings.PollInterval):
		}
	}
}

func (q *Queue) tryLease(ctx context.Context) (queue.Job, bool, error) {
	var paused bool
	if err := q.pool.QueryRow(ctx, `SELECT paused FROM queue_control WHERE name = 'scans'`).Scan(&paused); err != nil {
		return queue.Job{}, false, fmt.Errorf("read queue control: %w", err)
	}
	if paused {
		return queue.Job{}, false, nil
	}

	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return queue.Job{}, false, fmt.Errorf("begin lease tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	row := tx.QueryRow(ctx, `
SELECT `+jobColumns+`
FROM scan_jobs
WHERE state = 'waiting' AND next_run_at <= $1
ORDER BY priority DESC, created_at ASC
LIMIT 1
FOR UPDATE SKIP LOCKED`, now)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return queue.Job{}, false, nil
	}
	if err != nil {
		return queue.Job{}, false, err
	}

	job.State = queue.StateActive
	job.Attempt++
	job.LockedUntil = now.Add(q.settings.LockDuration)
	job.UpdatedAt = now
	if _, err := tx.Exec(ctx, `
UPDATE scan_jobs SET state = 'active', attempt = $2, locked_until = $3, updated_at = $4 WHERE id = $1`,
		job.ID, job.Attempt, job.LockedUntil, job.UpdatedAt); err != nil {
		return queue.Job{}, false, fmt.Errorf("lease job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return queue.Job{}, false, fmt.Errorf("commit lease: %w", err)
	}
	return job, true, nil
}

// ExtendLease pushes out the lock deadline on an active job.
func (q *Queue) ExtendLease(ctx context.Context, jobID string) error {
	tag, err := q.pool.Exec(ctx, `
UPDATE scan_jobs SET locked_until = $2, updated_at = $3 WHERE id = $1 AND state = 'active'`,
		jobID, time.Now().UTC().Add(q.settings.LockDuration), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return queue.ErrJobNotFound
	}
	return nil
}

// Complete moves an active job into completed retention.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	tag, err := q.pool.Exec(ctx, `
UPDATE scan_jobs SET state = 'completed', locked_until = NULL, updated_at = $2 WHERE id = $1 AND state = 'active'`,
		jobID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return queue.ErrJobNotFound
	}
	return q.trimRetention(ctx)
}

// Fail retries via the delayed state while attempts remain, otherwise (or
// when retry is false) parks the job in failed retention.
func (q *Queue) Fail(ctx context.Context, jobID string, cause error, retry bool) error {
	errText := ""
	if cause != nil {
		errText = cause.Error()
	}
	now := time.Now().UTC()

	if retry {
		// Reschedules only when attempts remain; the second statement
		// below catches the exhausted case.
		tag, err := q.pool.Exec(ctx, `
UPDATE scan_jobs
SET state = 'delayed', locked_until = NULL, last_error = $2,
    next_run_at = $3 + (backoff_ms * (1 << (attempt - 1))) * INTERVAL '1 millisecond',
    updated_at = $3
WHERE id = $1 AND state = 'active' AND attempt < max_attempts`, jobID, errText, now)
		if err != nil {
			return fmt.Errorf("delay job: %w", err)
		}
		if tag.RowsAffected() > 0 {
			return nil
		}
	}

	tag, err := q.pool.Exec(ctx, `
UPDATE scan_jobs SET state = 'failed', locked_until = NULL, last_error = $2, updated_at = $3
WHERE id = $1 AND state = 'active'`, jobID, errText, now)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return queue.ErrJobNotFound
	}
	return q.trimRetention(ctx)
}

// RemoveByScan purges a scan's jobs: active ones are failed, waiting and
// delayed ones are deleted.
func (q *Queue) RemoveByScan(ctx context.Context, scanID string) (int, error) {
	now := time.Now().UTC()
	failed, err := q.pool.Exec(ctx, `
UPDATE scan_jobs SET state = 'failed', locked_until = NULL, last_error = 'scan stopped by operator', updated_at = $2
WHERE scan_id = $1 AND state = 'active'`, scanID, now)
	if err != nil {
		return 0, fmt.Errorf("fail active jobs: %w", err)
	}
	removed, err := q.pool.Exec(ctx, `
DELETE FROM scan_jobs WHERE scan_id = $1 AND state IN ('waiting', 'delayed')`, scanID)
	if err != nil {
		return 0, fmt.Errorf("remove pending jobs: %w", err)
	}
	return int(failed.RowsAffected() + removed.RowsAffected()), nil
}

// Pause stops job delivery queue-wide.
func (q *Queue) Pause(ctx context.Context) error {
	if _, err := q.pool.Exec(ctx, `UPDATE queue_control SET paused = TRUE WHERE name = 'scans'`); err != nil {
		return fmt.Errorf("pause queue: %w", err)
	}
	return nil
}

// Resume restarts job delivery.
func (q *Queue) Resume(ctx context.Context) error {
	if _, err := q.pool.Exec(ctx, `UPDATE queue_control SET paused = FALSE WHERE name = 'scans'`); err != nil {
		return fmt.Errorf("resume queue: %w", err)
	}
	return nil
}

// Status reports per-state counts and the paused flag.
func (q *Queue) Status(ctx context.Context) (queue.Status, error) {
	var st queue.Status
	if err := q.pool.QueryRow(ctx, `SELECT paused FROM queue_control WHERE name = 'scans'`).Scan(&st.Paused); err != nil {
		return queue.Status{}, fmt.Errorf("read queue control: %w", err)
	}

	rows, err := q.pool.Query(ctx, `SELECT state, COUNT(*) FROM scan_jobs GROUP BY state`)
	if err != nil {
		return queue.Status{}, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return queue.Status{}, fmt.Errorf("scan job count: %w", err)
		}
		switch queue.State(state) {
		case queue.StateActive:
			st.Counts.Active = count
		case queue.StateWaiting:
			st.Counts.Waiting = count
		case queue.StateDelayed:
			st.Counts.Delayed = count
		case queue.StateCompleted:
			st.Counts.Completed = count
		case queue.StateFailed:
			st.Counts.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return queue.Status{}, fmt.Errorf("iterate job counts: %w", err)
	}
	return st, nil
}

// DrainAndClean fails every active job and deletes everything else.
func (q *Queue) DrainAndClean(ctx context.Context) error {
	if _, err := q.pool.Exec(ctx, `
UPDATE scan_jobs SET state = 'failed', locked_until = NULL, last_error = 'queue drained', updated_at = $1
WHERE state = 'active'`, time.Now().UTC()); err != nil {
		return fmt.Errorf("drain active jobs: %w", err)
	}
	if _, err := q.pool.Exec(ctx, `DELETE FROM scan_jobs`); err != nil {
		return fmt.Errorf("clean queue: %w", err)
	}
	return nil
}

// Close stops the reaper and releases the pool.
func (q *Queue) Close() error {
	select {
	case <-q.done:
	default:
		close(q.done)
	}
	q.pool.Close()
	return nil
}

func (q *Queue) trimRetention(ctx context.Context) error {
	_, err := q.pool.Exec(ctx, `
DELETE FROM scan_jobs WHERE id IN (
	SELECT id FROM scan_jobs WHERE state = 'completed'
	ORDER BY updated_at DESC OFFSET $1
)`, q.settings.CompletedRetention)
	if err != nil {
		return fmt.Errorf("trim completed jobs: %w", err)
	}
	_, err = q.pool.Exec(ctx, `
DELETE FROM scan_jobs WHERE id IN (
	SELECT id FROM scan_jobs WHERE state = 'failed'
	ORDER BY updated_at DESC OFFSET $1
)`, q.settings.FailedRetention)
	if err != nil {
		return fmt.Errorf("trim failed jobs: %w", err)
	}
	return nil
}

// reap promotes due delayed jobs and reclaims jobs whose lease expired.
func (q *Queue) reap() {
	ticker := time.NewTicker(q.settings.StalledInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), q.settings.StalledInterval)
			q.reapOnce(ctx)
			cancel()
		}
	}
}

func (q *Queue) reapOnce(ctx context.Context) {
	now := time.Now().UTC()
	_, _ = q.pool.Exec(ctx, `
UPDATE scan_jobs SET state = 'waiting', updated_at = $1
WHERE state = 'delayed' AND next_run_at <= $1`, now)
	// Expired leases: uncharge the attempt and requeue until the stall
	// budget runs out. The checkpoint makes re-execution safe.
	_, _ = q.pool.Exec(ctx, `
UPDATE scan_jobs
SET state = 'waiting', attempt = attempt - 1, stalls = stalls + 1,
    locked_until = NULL, next_run_at = $1, updated_at = $1
WHERE state = 'active' AND locked_until <= $1 AND stalls < $2`, now, q.settings.MaxStalledCount)
	_, _ = q.pool.Exec(ctx, `
UPDATE scan_jobs
SET state = 'failed', locked_until = NULL, last_error = 'job stalled too many times', updated_at = $1
WHERE state = 'active' AND locked_until <= $1 AND stalls >= $2`, now, q.settings.MaxStalledCount)
}

func scanJob(row pgx.Row) (queue.Job, error) {
	var (
		job         queue.Job
		state       string
		backoffMS   int64
		payloadRaw  []byte
		lockedUntil *time.Time
	)
	err := row.Scan(&job.ID, &job.ScanID, &payloadRaw, &state, &job.Priority, &job.Attempt,
		&job.MaxAttempts, &job.Stalls, &backoffMS, &job.NextRunAt, &lockedUntil,
		&job.LastError, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return queue.Job{}, err
	}
	if err := json.Unmarshal(payloadRaw, &job.Payload); err != nil {
		return queue.Job{}, fmt.Errorf("unmarshal job payload: %w", err)
	}
	job.State = queue.State(state)
	job.Backoff = time.Duration(backoffMS) * time.Millisecond
	if lockedUntil != nil {
		job.LockedUntil = *lockedUntil
	}
	return job, nil
}
