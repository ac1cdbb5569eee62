// Package processor executes scan jobs: the checkpointed batch loop, status
// transitions, and stop handling.
package processor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tarabot/tarabot/internal/fetcher"
	"github.com/tarabot/tarabot/internal/metrics"
	"github.com/tarabot/tarabot/internal/progress"
	"github.com/tarabot/tarabot/internal/scan"
	"github.com/tarabot/tarabot/internal/stopset"
)

// DomainScanner is the slice of the URL fetcher the processor needs.
type DomainScanner interface {
	ScanDomain(ctx context.Context, req fetcher.Request) (fetcher.Outcome, error)
}

// ScannerFactory builds a DomainScanner tuned for one normalized payload.
type ScannerFactory func(p scan.JobPayload) DomainScanner

// Options configure the processor.
type Options struct {
	Defaults scan.Defaults
	// RecheckEveryBatches and RecheckInterval bound how long an externally
	// requested stop can go unnoticed by the running loop.
	RecheckEveryBatches int
	RecheckInterval     time.Duration

	// Base fetcher tuning shared by every scan; per-payload tunables are
	// layered on top in the default scanner factory.
	UserAgent     string
	SubBatchDelay time.Duration
	HaltEvery     int
	HTTPClient    *http.Client
}

func (o Options) withDefaults() Options {
	if o.RecheckEveryBatches <= 0 {
		o.RecheckEveryBatches = 10
	}
	if o.RecheckInterval <= 0 {
		o.RecheckInterval = 2 * time.Minute
	}
	return o
}

// Outcome summarizes one job execution.
type Outcome struct {
	Scanned   int
	Found     int
	Index     int
	Stopped   bool
	Completed bool
}

// Processor runs one scan job at a time; instances are safe for concurrent
// use across distinct scan ids.
type Processor struct {
	checkpoints scan.CheckpointStore
	results     scan.ResultStore
	stops       *stopset.Registry
	hub         *progress.Hub
	factory     ScannerFactory
	opts        Options
	logger      *zap.Logger
}

// New builds a Processor. A nil factory gets the default fetcher-backed one.
func New(checkpoints scan.CheckpointStore, results scan.ResultStore, stops *stopset.Registry,
	hub *progress.Hub, factory ScannerFactory, opts Options, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	p := &Processor{
		checkpoints: checkpoints,
		results:     results,
		stops:       stops,
		hub:         hub,
		factory:     factory,
		opts:        opts,
		logger:      logger,
	}
	if p.factory == nil {
		p.factory = p.defaultFactory
	}
	return p
}

func (p *Processor) defaultFactory(payload scan.JobPayload) DomainScanner {
	return fetcher.New(fetcher.Options{
		Client:        p.opts.HTTPClient,
		Timeout:       payload.Timeout,
		UserAgent:     p.opts.UserAgent,
		URLBatchSize:  payload.URLBatchSize,
		SubBatchDelay: p.opts.SubBatchDelay,
		Retries:       payload.Retries,
		RetryWait:     payload.RetryWait,
		HaltEvery:     p.opts.HaltEvery,
	}, p.logger)
}

// Run executes one scan job to completion, pause, or failure.
//
// The returned error is nil for clean exits including stops; a non-nil error
// means the job should go back to the queue's retry policy (the worker
// decides, see worker.Pool).
func (p *Processor) Run(ctx context.Context, payload scan.JobPayload) (Outcome, error) {
	if err := payload.Validate(); err != nil {
		return Outcome{}, err
	}
	scanID := payload.ScanID
	logger := p.logger.With(zap.String("scan_id", scanID))

	// A stop that raced the enqueue wins: exit before touching status.
	if p.stops.Stopped(ctx, scanID) {
		logger.Info("scan already stopped, skipping job")
		return Outcome{Stopped: true, Index: payload.StartIndex}, nil
	}

	payload = payload.Normalized(p.opts.Defaults)

	rec, err := p.checkpoints.Load(ctx, scanID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load scan %s: %w", scanID, err)
	}
	if rec.Status.Terminal() {
		logger.Info("scan already terminal, skipping job", zap.String("status", string(rec.Status)))
		return Outcome{Stopped: true, Index: rec.Config.CurrentIndex}, nil
	}

	total := len(payload.Domains)
	startAt := rec.Config.CurrentIndex
	if payload.StartIndex > startAt {
		startAt = payload.StartIndex
	}

	rec.Status = scan.StatusRunning
	rec.PausedAt = nil
	rec.Error = ""
	rec.Progress.TotalDomains = total
	rec.Config.CurrentIndex = startAt
	if err := p.checkpoints.Save(ctx, rec); err != nil {
		return Outcome{}, fmt.Errorf("mark scan running: %w", err)
	}
	logger.Info("scan started",
		zap.Int("total_domains", total),
		zap.Int("start_index", startAt),
		zap.Int("batch_size", payload.BatchSize))

	scanner := p.factory(payload)
	out := Outcome{Index: startAt}
	origin := rec.Config.StartIndex
	foundTotal := rec.Progress.FoundResults
	lastRecheck := time.Now()

	for i, batchNum := startAt, 0; i < total; batchNum++ {
		if err := ctx.Err(); err != nil {
			// Lease context ended; leave status running so a redelivery
			// resumes from the checkpoint.
			return out, fmt.Errorf("scan interrupted: %w", err)
		}

		// 5a: periodically reload the record so an external status change
		// or durable stop flag is honored even when the local set is cold.
		if batchNum > 0 && (batchNum%p.opts.RecheckEveryBatches == 0 || time.Since(lastRecheck) >= p.opts.RecheckInterval) {
			lastRecheck = time.Now()
			fresh, err := p.checkpoints.Load(ctx, scanID)
			if err != nil {
				return out, p.failScan(ctx, scanID, fmt.Errorf("recheck scan: %w", err))
			}
			if fresh.Status != scan.StatusRunning {
				logger.Info("scan status changed externally, stopping",
					zap.String("status", string(fresh.Status)), zap.Int("index", i))
				_ = p.checkpoints.Advance(ctx, scanID, i-1, 0)
				out.Stopped, out.Index = true, i-1
				return out, nil
			}
		}

		// 5b: stop set, local first with a durable consult on miss.
		if p.stops.Stopped(ctx, scanID) {
			return p.pauseAt(ctx, scanID, i-1, out, logger)
		}

		end := i + payload.BatchSize
		if end > total {
			end = total
		}
		batch, err := p.runBatch(ctx, scanner, payload, payload.Domains[i:end], i)
		if err != nil {
			return out, p.failScan(ctx, scanID, err)
		}

		foundTotal += batch.Found
		out.Scanned += batch.Scanned
		out.Found += batch.Found

		if batch.Stopped {
			// Partially processed batch: the checkpoint keeps the last
			// fully processed index so the remainder is redone on resume.
			// Persisted matches are counted now; the scanned counter is
			// index-derived, so the redo cannot inflate it.
			_ = p.checkpoints.Advance(ctx, scanID, i-1, batch.Found)
			return p.pauseAt(ctx, scanID, i-1, out, logger)
		}

		// Checkpoint lands on the batch's last index; a resume may redo
		// one domain, which result storage tolerates.
		out.Index = end - 1
		if err := p.checkpoints.Advance(ctx, scanID, out.Index, batch.Found); err != nil {
			return out, p.failScan(ctx, scanID, fmt.Errorf("advance checkpoint: %w", err))
		}
		p.publish(scanID, end-origin, foundTotal, total, out.Index, batch.Scanned, batch.Found)
		i = end
	}

	if err := p.complete(ctx, scanID); err != nil {
		return out, err
	}
	metrics.ObserveScan(string(scan.StatusCompleted))
	logger.Info("scan completed", zap.Int("scanned", out.Scanned), zap.Int("found", out.Found))
	out.Completed = true
	out.Index = total
	return out, nil
}

func (p *Processor) pauseAt(ctx context.Context, scanID string, index int, out Outcome, logger *zap.Logger) (Outcome, error) {
	if err := p.checkpoints.Advance(ctx, scanID, index, 0); err != nil {
		logger.Warn("persist pause checkpoint failed", zap.Error(err))
	}
	rec, err := p.checkpoints.Load(ctx, scanID)
	if err == nil && rec.Status == scan.StatusRunning {
		now := time.Now().UTC()
		rec.Status = scan.StatusPaused
		rec.PausedAt = &now
		if err := p.checkpoints.Save(ctx, rec); err != nil {
			logger.Warn("mark scan paused failed", zap.Error(err))
		}
	}
	metrics.ObserveScan(string(scan.StatusPaused))
	logger.Info("scan stopped", zap.Int("index", index))
	out.Stopped = true
	out.Index = index
	return out, nil
}

func (p *Processor) complete(ctx context.Context, scanID string) error {
	rec, err := p.checkpoints.Load(ctx, scanID)
	if err != nil {
		return fmt.Errorf("load scan for completion: %w", err)
	}
	now := time.Now().UTC()
	rec.Status = scan.StatusCompleted
	rec.CompletedAt = &now
	if err := p.checkpoints.Save(ctx, rec); err != nil {
		return fmt.Errorf("mark scan completed: %w", err)
	}
	return nil
}

// failScan marks the scan failed and seeds the stop set so a stale queue
// retry cannot resume mid-batch. The cause is returned for the queue's
// job-level policy.
func (p *Processor) failScan(ctx context.Context, scanID string, cause error) error {
	p.logger.Error("scan failed", zap.String("scan_id", scanID), zap.Error(cause))
	p.stops.MarkLocal(scanID)

	rec, err := p.checkpoints.Load(ctx, scanID)
	if err == nil {
		rec.Status = scan.StatusFailed
		rec.Error = cause.Error()
		if err := p.checkpoints.Save(ctx, rec); err != nil {
			p.logger.Warn("mark scan failed errored", zap.String("scan_id", scanID), zap.Error(err))
		}
	}
	metrics.ObserveScan(string(scan.StatusFailed))
	return cause
}

func (p *Processor) publish(scanID string, scanned, found, total, index, scannedDelta, foundDelta int) {
	if p.hub == nil {
		return
	}
	p.hub.Publish(progress.Event{
		ScanID:       scanID,
		Scanned:      scanned,
		Found:        found,
		Total:        total,
		Index:        index,
		ScannedDelta: scannedDelta,
		FoundDelta:   foundDelta,
		At:           time.Now().UTC(),
	})
}
