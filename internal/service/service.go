// Package service implements the scan control surface: lifecycle operations
// over the checkpoint store, queue, and stop registry.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tarabot/tarabot/internal/metrics"
	"github.com/tarabot/tarabot/internal/queue"
	"github.com/tarabot/tarabot/internal/scan"
	"github.com/tarabot/tarabot/internal/stopset"
)

// ErrConflict marks an operation that is invalid for the scan's current
// status (starting a running scan, pausing a completed one, and so on).
var ErrConflict = errors.New("operation conflicts with scan status")

// Options configure the service.
type Options struct {
	// Queue policy for enqueued scan jobs.
	Attempts int
	Backoff  time.Duration
	// FreshPriority is used for first starts, ResumePriority for resumes so
	// interrupted work jumps the line.
	FreshPriority  int
	ResumePriority int
	// PauseSettle bounds how long pauseScan waits for the in-flight batch
	// to exit before marking the record paused itself.
	PauseSettle time.Duration
}

func (o Options) withDefaults() Options {
	if o.FreshPriority <= 0 {
		o.FreshPriority = 5
	}
	if o.ResumePriority <= 0 {
		o.ResumePriority = 10
	}
	if o.PauseSettle <= 0 {
		o.PauseSettle = 3 * time.Second
	}
	return o
}

// Service coordinates scan lifecycle operations.
type Service struct {
	checkpoints scan.CheckpointStore
	results     scan.ResultStore
	queue       queue.Manager
	stops       *stopset.Registry
	domains     scan.DomainProvider
	opts        Options
	logger      *zap.Logger
}

// New builds a Service.
func New(checkpoints scan.CheckpointStore, results scan.ResultStore, q queue.Manager,
	stops *stopset.Registry, domains scan.DomainProvider, opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		checkpoints: checkpoints,
		results:     results,
		queue:       q,
		stops:       stops,
		domains:     domains,
		opts:        opts.withDefaults(),
		logger:      logger,
	}
}

// CreateScan registers a new scan in pending state. The domain list must
// exist and the start index must fall inside it.
func (s *Service) CreateScan(ctx context.Context, cfg scan.Config) (scan.Scan, error) {
	domains, err := s.domains.Domains(ctx, cfg.DomainListID)
	if err != nil {
		return scan.Scan{}, fmt.Errorf("resolve domain list: %w", err)
	}
	if cfg.StartIndex < 0 || cfg.StartIndex >= len(domains) {
		return scan.Scan{}, fmt.Errorf("start index %d outside domain list of %d: %w",
			cfg.StartIndex, len(domains), scan.ErrInvalidPayload)
	}

	now := time.Now().UTC()
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	cfg.CurrentIndex = cfg.StartIndex
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	rec := scan.Scan{
		ID:        cfg.ID,
		Config:    cfg,
		Status:    scan.StatusPending,
		Progress:  scan.Progress{TotalDomains: len(domains)},
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := s.checkpoints.Save(ctx, rec); err != nil {
		return scan.Scan{}, fmt.Errorf("create scan: %w", err)
	}
	s.logger.Info("scan created", zap.String("scan_id", rec.ID),
		zap.String("domain_list", cfg.DomainListID), zap.Int("total_domains", len(domains)))
	return rec, nil
}

// StartScan enqueues a job for a pending scan, or resumes a paused one. A
// resume clears stop flags, clamps an invalid checkpoint, purges stale jobs
// for the scan id, and enqueues at elevated priority.
func (s *Service) StartScan(ctx context.Context, scanID string) (scan.Scan, error) {
	rec, err := s.checkpoints.Load(ctx, scanID)
	if err != nil {
		return scan.Scan{}, err
	}

	switch rec.Status {
	case scan.StatusPending:
		return s.enqueue(ctx, rec, rec.Config.StartIndex, s.opts.FreshPriority)
	case scan.StatusPaused:
		return s.resume(ctx, rec)
	default:
		return scan.Scan{}, fmt.Errorf("scan %s is %s: %w", scanID, rec.Status, ErrConflict)
	}
}

func (s *Service) resume(ctx context.Context, rec scan.Scan) (scan.Scan, error) {
	if err := s.stops.Clear(ctx, rec.ID); err != nil {
		return scan.Scan{}, fmt.Errorf("clear stop flag: %w", err)
	}

	domains, err := s.domains.Domains(ctx, rec.Config.DomainListID)
	if err != nil {
		return scan.Scan{}, fmt.Errorf("resolve domain list: %w", err)
	}

	index := rec.Config.CurrentIndex
	if index < rec.Config.StartIndex {
		// Corrupt checkpoint; reset rather than guess.
		s.logger.Warn("checkpoint below start index, resetting",
			zap.String("scan_id", rec.ID), zap.Int("index", index))
		index = rec.Config.StartIndex
	}
	if index >= len(domains) {
		// Nothing left to do; close the scan out instead of re-enqueueing.
		now := time.Now().UTC()
		rec.Status = scan.StatusCompleted
		rec.CompletedAt = &now
		rec.PausedAt = nil
		if err := s.checkpoints.Save(ctx, rec); err != nil {
			return scan.Scan{}, fmt.Errorf("complete exhausted scan: %w", err)
		}
		return rec, nil
	}
	rec.Config.CurrentIndex = index

	// Purge leftovers so two workers never process the same scan id.
	if n, err := s.queue.RemoveByScan(ctx, rec.ID); err != nil {
		return scan.Scan{}, fmt.Errorf("purge stale jobs: %w", err)
	} else if n > 0 {
		s.logger.Info("purged stale jobs", zap.String("scan_id", rec.ID), zap.Int("jobs", n))
	}
	return s.enqueue(ctx, rec, index, s.opts.ResumePriority)
}

func (s *Service) enqueue(ctx context.Context, rec scan.Scan, startIndex, priority int) (scan.Scan, error) {
	domains, err := s.domains.Domains(ctx, rec.Config.DomainListID)
	if err != nil {
		return scan.Scan{}, fmt.Errorf("resolve domain list: %w", err)
	}

	payload := scan.JobPayload{
		ScanID:       rec.ID,
		Domains:      domains,
		StartIndex:   startIndex,
		IncludeSubs:  rec.Config.IncludeSubs,
		Subdomains:   rec.Config.Subdomains,
		Paths:        rec.Config.Paths,
		SearchTerms:  rec.Config.SearchTerms,
		Concurrency:  rec.Config.Concurrency,
		Timeout:      rec.Config.Timeout,
		BatchSize:    rec.Config.BatchSize,
		URLBatchSize: rec.Config.URLBatchSize,
		Retries:      rec.Config.Retries,
	}
	job, err := s.queue.Enqueue(ctx, payload, queue.Options{
		Priority: priority,
		Attempts: s.opts.Attempts,
		Backoff:  s.opts.Backoff,
	})
	if err != nil {
		return scan.Scan{}, fmt.Errorf("enqueue scan job: %w", err)
	}
	s.logger.Info("scan job enqueued", zap.String("scan_id", rec.ID),
		zap.String("job_id", job.ID), zap.Int("start_index", startIndex), zap.Int("priority", priority))

	if err := s.checkpoints.Save(ctx, rec); err != nil {
		return scan.Scan{}, fmt.Errorf("save scan: %w", err)
	}
	return rec, nil
}

// PauseScan stops a running scan: stop semantics first, then a bounded wait
// for the in-flight batch to exit; if the processor has not marked the record
// paused by then, the service does. Safe to call repeatedly.
func (s *Service) PauseScan(ctx context.Context, scanID string) (scan.Scan, error) {
	rec, err := s.checkpoints.Load(ctx, scanID)
	if err != nil {
		return scan.Scan{}, err
	}
	if rec.Status == scan.StatusPaused {
		return rec, nil
	}
	if rec.Status != scan.StatusRunning {
		return scan.Scan{}, fmt.Errorf("scan %s is %s: %w", scanID, rec.Status, ErrConflict)
	}

	if err := s.stop(ctx, scanID); err != nil {
		return scan.Scan{}, err
	}

	// Give the in-flight batch a chance to exit at its next poll point.
	deadline := time.Now().Add(s.opts.PauseSettle)
	for time.Now().Before(deadline) {
		rec, err = s.checkpoints.Load(ctx, scanID)
		if err != nil {
			return scan.Scan{}, err
		}
		if rec.Status != scan.StatusRunning {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return scan.Scan{}, fmt.Errorf("pause interrupted: %w", ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}

	// Worker gone or still mid-fetch; record the pause ourselves.
	now := time.Now().UTC()
	rec.Status = scan.StatusPaused
	rec.PausedAt = &now
	if err := s.checkpoints.Save(ctx, rec); err != nil {
		return scan.Scan{}, fmt.Errorf("mark scan paused: %w", err)
	}
	s.logger.Info("scan paused", zap.String("scan_id", scanID))
	return rec, nil
}

// CancelScan stops a scan for good. Unlike pause it applies to pending scans
// too and is not intended to be resumed.
func (s *Service) CancelScan(ctx context.Context, scanID string) (scan.Scan, error) {
	rec, err := s.checkpoints.Load(ctx, scanID)
	if err != nil {
		return scan.Scan{}, err
	}
	if rec.Status.Terminal() {
		return scan.Scan{}, fmt.Errorf("scan %s is %s: %w", scanID, rec.Status, ErrConflict)
	}

	if err := s.stop(ctx, scanID); err != nil {
		return scan.Scan{}, err
	}

	now := time.Now().UTC()
	rec.Status = scan.StatusCanceled
	rec.CompletedAt = &now
	if err := s.checkpoints.Save(ctx, rec); err != nil {
		return scan.Scan{}, fmt.Errorf("mark scan canceled: %w", err)
	}
	metrics.ObserveScan(string(scan.StatusCanceled))
	s.logger.Info("scan canceled", zap.String("scan_id", scanID))
	return rec, nil
}

// DeleteScan removes a scan and its result log, canceling it first when it
// is still live. Reports whether the record existed.
func (s *Service) DeleteScan(ctx context.Context, scanID string) (bool, error) {
	rec, err := s.checkpoints.Load(ctx, scanID)
	if errors.Is(err, scan.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if !rec.Status.Terminal() {
		if _, err := s.CancelScan(ctx, scanID); err != nil {
			return false, fmt.Errorf("cancel before delete: %w", err)
		}
	}

	if err := s.results.Delete(ctx, scanID); err != nil {
		return false, fmt.Errorf("delete results: %w", err)
	}
	existed, err := s.checkpoints.Delete(ctx, scanID)
	if err != nil {
		return false, fmt.Errorf("delete scan: %w", err)
	}
	// Drop the stop flag so a future scan reusing the id is not wedged.
	if err := s.stops.Clear(ctx, scanID); err != nil {
		s.logger.Warn("clear stop flag after delete failed",
			zap.String("scan_id", scanID), zap.Error(err))
	}
	s.logger.Info("scan deleted", zap.String("scan_id", scanID))
	return existed, nil
}

// GetScan loads one scan record.
func (s *Service) GetScan(ctx context.Context, scanID string) (scan.Scan, error) {
	return s.checkpoints.Load(ctx, scanID)
}

// ListScans returns all scans, most recently updated first.
func (s *Service) ListScans(ctx context.Context) ([]scan.Scan, error) {
	return s.checkpoints.List(ctx)
}

// Results returns one page of a scan's results, newest first.
func (s *Service) Results(ctx context.Context, scanID string, page, limit int) ([]scan.Result, error) {
	if _, err := s.checkpoints.Load(ctx, scanID); err != nil {
		return nil, err
	}
	return s.results.List(ctx, scanID, page, limit)
}

// QueueStatus reports job counts and the paused flag, refreshing the queue
// gauges as a side effect.
func (s *Service) QueueStatus(ctx context.Context) (queue.Status, error) {
	st, err := s.queue.Status(ctx)
	if err != nil {
		return queue.Status{}, err
	}
	metrics.SetQueueJobs(string(queue.StateActive), st.Counts.Active)
	metrics.SetQueueJobs(string(queue.StateWaiting), st.Counts.Waiting)
	metrics.SetQueueJobs(string(queue.StateDelayed), st.Counts.Delayed)
	metrics.SetQueueJobs(string(queue.StateCompleted), st.Counts.Completed)
	metrics.SetQueueJobs(string(queue.StateFailed), st.Counts.Failed)
	return st, nil
}

// PauseQueue stops job delivery queue-wide.
func (s *Service) PauseQueue(ctx context.Context) error {
	return s.queue.Pause(ctx)
}

// ResumeQueue restarts job delivery.
func (s *Service) ResumeQueue(ctx context.Context) error {
	return s.queue.Resume(ctx)
}

// CleanQueue drains and clears the queue. Maintenance only, normally run at
// process boot.
func (s *Service) CleanQueue(ctx context.Context) error {
	s.logger.Warn("cleaning queue")
	return s.queue.DrainAndClean(ctx)
}

// stop applies stop semantics: seed the stop set (local + durable TTL'd
// flag), then purge the scan's jobs. Idempotent, and a no-op on a scan with
// no queued work.
func (s *Service) stop(ctx context.Context, scanID string) error {
	if err := s.stops.Stop(ctx, scanID); err != nil {
		// Local halt still holds; the durable flag is what failed.
		s.logger.Warn("durable stop flag write failed",
			zap.String("scan_id", scanID), zap.Error(err))
	}
	if _, err := s.queue.RemoveByScan(ctx, scanID); err != nil {
		return fmt.Errorf("purge scan jobs: %w", err)
	}
	return nil
}
