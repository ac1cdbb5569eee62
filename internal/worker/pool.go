// Package worker runs the queue-consuming worker pool.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tarabot/tarabot/internal/metrics"
	"github.com/tarabot/tarabot/internal/processor"
	"github.com/tarabot/tarabot/internal/queue"
	"github.com/tarabot/tarabot/internal/scan"
)

// Processor is the slice of the scan processor a worker needs.
type Processor interface {
	Run(ctx context.Context, payload scan.JobPayload) (processor.Outcome, error)
}

// Options configure the pool.
type Options struct {
	// Workers is the number of concurrent scan jobs system-wide.
	Workers int
	// RenewInterval is how often an in-flight job's lease is extended.
	// It must be comfortably below the queue's lock duration.
	RenewInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.RenewInterval <= 0 {
		o.RenewInterval = 30 * time.Second
	}
	return o
}

// Pool fans N workers out over the shared queue.
type Pool struct {
	queue       queue.Manager
	proc        Processor
	checkpoints scan.CheckpointStore
	opts        Options
	logger      *zap.Logger
	wg          sync.WaitGroup
}

// NewPool builds a Pool.
func NewPool(q queue.Manager, proc Processor, checkpoints scan.CheckpointStore, opts Options, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		queue:       q,
		proc:        proc,
		checkpoints: checkpoints,
		opts:        opts.withDefaults(),
		logger:      logger,
	}
}

// Start launches the workers. They exit when ctx ends or the queue closes.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.run(ctx, id)
		}(i)
	}
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, id int) {
	logger := p.logger.With(zap.Int("worker", id))
	logger.Info("worker started")
	defer logger.Info("worker stopped")

	for {
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return
			}
			logger.Warn("dequeue failed", zap.Error(err))
			continue
		}
		p.handle(ctx, job, logger)
	}
}

func (p *Pool) handle(ctx context.Context, job queue.Job, logger *zap.Logger) {
	logger = logger.With(zap.String("job_id", job.ID), zap.String("scan_id", job.ScanID),
		zap.Int("attempt", job.Attempt))
	logger.Info("job picked up")

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	renewDone := make(chan struct{})
	var renewWG sync.WaitGroup
	renewWG.Add(1)
	go func() {
		defer renewWG.Done()
		p.renewLease(ctx, job.ID, renewDone, logger)
	}()

	outcome, runErr := p.proc.Run(ctx, job.Payload)
	close(renewDone)
	renewWG.Wait()

	if runErr == nil {
		if err := p.queue.Complete(ctx, job.ID); err != nil {
			logger.Warn("complete job failed", zap.Error(err))
		}
		logger.Info("job finished",
			zap.Bool("completed", outcome.Completed),
			zap.Bool("stopped", outcome.Stopped),
			zap.Int("scanned", outcome.Scanned),
			zap.Int("found", outcome.Found))
		return
	}

	retry := p.shouldRetry(ctx, job.ScanID, runErr)
	if err := p.queue.Fail(ctx, job.ID, runErr, retry); err != nil {
		logger.Warn("fail job errored", zap.Error(err))
	}
	logger.Error("job failed", zap.Bool("retry", retry), zap.Error(runErr))
}

// shouldRetry decides whether a job error goes back through the queue's
// retry policy. Invalid payloads and scans already in a terminal state are
// failed permanently; everything else retries.
func (p *Pool) shouldRetry(ctx context.Context, scanID string, runErr error) bool {
	if errors.Is(runErr, scan.ErrInvalidPayload) {
		return false
	}
	rec, err := p.checkpoints.Load(ctx, scanID)
	if errors.Is(err, scan.ErrNotFound) {
		return false
	}
	if err != nil {
		// Can't tell; let the queue retry and the next attempt decide.
		return true
	}
	return !rec.Status.Terminal()
}

func (p *Pool) renewLease(ctx context.Context, jobID string, done <-chan struct{}, logger *zap.Logger) {
	ticker := time.NewTicker(p.opts.RenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.ExtendLease(ctx, jobID); err != nil {
				logger.Warn("extend lease failed", zap.Error(err))
			}
		}
	}
}
