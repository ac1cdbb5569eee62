// Package app initializes and holds long-lived application services, acting
// as a dependency injection container. It wires the storage and queue
// providers selected by configuration, the scan processor and worker pool,
// the lifecycle service, and the HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/tarabot/tarabot/internal/api"
	"github.com/tarabot/tarabot/internal/config"
	"github.com/tarabot/tarabot/internal/logging"
	"github.com/tarabot/tarabot/internal/processor"
	"github.com/tarabot/tarabot/internal/progress"
	"github.com/tarabot/tarabot/internal/queue"
	qmemory "github.com/tarabot/tarabot/internal/queue/memory"
	qpostgres "github.com/tarabot/tarabot/internal/queue/postgres"
	"github.com/tarabot/tarabot/internal/scan"
	"github.com/tarabot/tarabot/internal/service"
	"github.com/tarabot/tarabot/internal/stopset"
	smemory "github.com/tarabot/tarabot/internal/storage/memory"
	spostgres "github.com/tarabot/tarabot/internal/storage/postgres"
	"github.com/tarabot/tarabot/internal/worker"
)

// App holds all shared, long-lived services. It is initialized once at
// startup and torn down by Close.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	queue   queue.Manager
	service *service.Service
	pool    *worker.Pool
	server  *api.Server

	// Only set for the postgres provider; nil otherwise.
	pgPool *pgxpool.Pool
}

// New creates and initializes an App from configuration. It fails fast if
// any critical service cannot be initialized.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	logger.Info("initializing services", zap.String("storage_provider", cfg.Storage.Provider))

	a := &App{cfg: cfg, logger: logger}

	var (
		checkpoints scan.CheckpointStore
		results     scan.ResultStore
		flags       scan.StopFlagStore
		domains     scan.DomainProvider
	)

	switch cfg.Storage.Provider {
	case "postgres":
		pool, perr := spostgres.NewPool(ctx, spostgres.PoolConfig{
			DSN:      cfg.DB.DSN,
			MaxConns: cfg.DB.MaxConns,
		})
		if perr != nil {
			return nil, fmt.Errorf("init postgres storage: %w", perr)
		}
		a.pgPool = pool
		if checkpoints, err = spostgres.NewCheckpointStore(pool); err != nil {
			return nil, err
		}
		if results, err = spostgres.NewResultStore(pool); err != nil {
			return nil, err
		}
		if flags, err = spostgres.NewStopFlagStore(pool); err != nil {
			return nil, err
		}
		if domains, err = spostgres.NewDomainLists(pool); err != nil {
			return nil, err
		}
		a.queue, err = qpostgres.NewQueue(ctx, cfg.DB.DSN, cfg.DB.MaxConns, qpostgres.Settings{
			LockDuration:       cfg.Queue.LockDuration,
			StalledInterval:    cfg.Queue.StalledInterval,
			MaxStalledCount:    cfg.Queue.MaxStalledCount,
			DefaultAttempts:    cfg.Queue.Attempts,
			DefaultBackoff:     cfg.Queue.Backoff,
			FailedRetention:    cfg.Queue.FailedRetention,
			CompletedRetention: cfg.Queue.CompletedRetention,
		})
		if err != nil {
			return nil, fmt.Errorf("init postgres queue: %w", err)
		}
	case "memory":
		logger.Info("using in-memory storage; state is lost on restart")
		checkpoints = smemory.NewCheckpointStore()
		results = smemory.NewResultStore()
		flags = smemory.NewStopFlagStore()
		domains = smemory.NewDomainLists()
		a.queue = qmemory.NewQueue(qmemory.Settings{
			LockDuration:       cfg.Queue.LockDuration,
			StalledInterval:    cfg.Queue.StalledInterval,
			MaxStalledCount:    cfg.Queue.MaxStalledCount,
			DefaultAttempts:    cfg.Queue.Attempts,
			DefaultBackoff:     cfg.Queue.Backoff,
			FailedRetention:    cfg.Queue.FailedRetention,
			CompletedRetention: cfg.Queue.CompletedRetention,
		})
	default:
		return nil, fmt.Errorf("unknown storage provider: %s", cfg.Storage.Provider)
	}

	if cfg.Queue.DrainOnBoot {
		if err := a.queue.DrainAndClean(ctx); err != nil {
			return nil, fmt.Errorf("drain queue at boot: %w", err)
		}
		logger.Info("queue drained at boot; interrupted scans resume from their checkpoints")
	}

	stops := stopset.New(flags, cfg.Scanner.StopFlagTTL, logger)

	hub := progress.NewHub()
	hub.Register(progress.NewLogSink(logger))
	hub.Register(progress.NewPrometheusSink())

	proc := processor.New(checkpoints, results, stops, hub, nil, processor.Options{
		Defaults:            cfg.ScanDefaults(),
		RecheckEveryBatches: cfg.Scanner.RecheckEveryBatches,
		RecheckInterval:     cfg.Scanner.RecheckInterval,
		UserAgent:           cfg.Scanner.UserAgent,
		SubBatchDelay:       cfg.Scanner.SubBatchDelay,
		HaltEvery:           cfg.Scanner.StatusCheckEveryURLs,
	}, logger.Named("processor"))

	a.pool = worker.NewPool(a.queue, proc, checkpoints, worker.Options{
		Workers:       cfg.Queue.Workers,
		RenewInterval: cfg.Queue.LockRenewInterval,
	}, logger.Named("worker"))

	a.service = service.New(checkpoints, results, a.queue, stops, domains, service.Options{
		Attempts:    cfg.Queue.Attempts,
		Backoff:     cfg.Queue.Backoff,
		PauseSettle: cfg.Scanner.PauseSettle,
	}, logger.Named("service"))

	a.server = api.NewServer(a.service, cfg, logger.Named("api"))

	logger.Info("services initialized")
	return a, nil
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Service exposes the scan lifecycle service.
func (a *App) Service() *service.Service { return a.service }

// Queue exposes the job queue manager.
func (a *App) Queue() queue.Manager { return a.queue }

// Handler returns the HTTP API handler.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Run starts the worker pool and the HTTP server and blocks until ctx is
// canceled or the server fails. Shutdown is graceful: the listener stops
// accepting, in-flight requests drain, workers checkpoint and exit.
func (a *App) Run(ctx context.Context) error {
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	a.pool.Start(workerCtx)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.Int("port", a.cfg.Server.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown requested")
	case err := <-errCh:
		runErr = fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown", zap.Error(err))
	}

	stopWorkers()
	if err := a.queue.Close(); err != nil {
		a.logger.Warn("queue close", zap.Error(err))
	}
	a.pool.Wait()

	return runErr
}

// Close releases remaining resources. Safe after Run has returned.
func (a *App) Close() {
	if a.pgPool != nil {
		a.pgPool.Close()
	}
	// Flush buffered log entries; stderr sync errors are expected on some
	// platforms and not actionable.
	_ = a.logger.Sync()
}
