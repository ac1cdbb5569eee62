package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tarabot/tarabot/internal/fetcher"
	"github.com/tarabot/tarabot/internal/progress"
	"github.com/tarabot/tarabot/internal/scan"
	"github.com/tarabot/tarabot/internal/storage/memory"
	"github.com/tarabot/tarabot/internal/stopset"
)

// fakeScanner maps domains to canned outcomes and records call order.
type fakeScanner struct {
	mu      sync.Mutex
	calls   []string
	outcome func(domain string) (fetcher.Outcome, error)
}

func (f *fakeScanner) ScanDomain(_ context.Context, req fetcher.Request) (fetcher.Outcome, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.Domain)
	f.mu.Unlock()
	if f.outcome == nil {
		return fetcher.Outcome{URLsTried: 1}, nil
	}
	return f.outcome(req.Domain)
}

func (f *fakeScanner) domains() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fixture struct {
	proc        *Processor
	checkpoints *memory.CheckpointStore
	results     *memory.ResultStore
	stops       *stopset.Registry
	scanner     *fakeScanner
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		checkpoints: memory.NewCheckpointStore(),
		results:     memory.NewResultStore(),
		stops:       stopset.New(memory.NewStopFlagStore(), time.Hour, zap.NewNop()),
		scanner:     &fakeScanner{},
	}
	if opts.Defaults == (scan.Defaults{}) {
		opts.Defaults = scan.Defaults{
			Concurrency: 2, Timeout: time.Second, BatchSize: 10,
			URLBatchSize: 2, Retries: 3, RetryWait: time.Millisecond,
		}
	}
	factory := func(scan.JobPayload) DomainScanner { return f.scanner }
	f.proc = New(f.checkpoints, f.results, f.stops, nil, factory, opts, zap.NewNop())
	return f
}

func (f *fixture) seed(t *testing.T, id string, domains []string) scan.JobPayload {
	t.Helper()
	now := time.Now().UTC()
	rec := scan.Scan{
		ID: id,
		Config: scan.Config{
			ID:           id,
			Name:         "test",
			DomainListID: "list-1",
			Paths:        []string{"/"},
			SearchTerms:  []string{"term"},
			CreatedAt:    now,
		},
		Status:    scan.StatusPending,
		StartedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, f.checkpoints.Save(context.Background(), rec))
	return scan.JobPayload{
		ScanID:      id,
		Domains:     domains,
		Paths:       []string{"/"},
		SearchTerms: []string{"term"},
	}
}

func matchResult(domain string) fetcher.Outcome {
	return fetcher.Outcome{
		URLsTried: 1,
		Results: []scan.Result{{
			URL:        "https://" + domain + "/",
			Domain:     domain,
			Path:       "/",
			FoundTerms: []string{"term"},
			StatusCode: 200,
			Timestamp:  time.Now().UTC(),
		}},
	}
}

func TestRunCompletesAndCounts(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	payload := f.seed(t, "scan-1", []string{"a.com", "b.com"})

	// a.com matches, b.com times out on every URL (absorbed, still scanned).
	f.scanner.outcome = func(domain string) (fetcher.Outcome, error) {
		if domain == "a.com" {
			return matchResult(domain), nil
		}
		return fetcher.Outcome{URLsTried: 1}, nil
	}

	out, err := f.proc.Run(context.Background(), payload)
	require.NoError(t, err)
	require.True(t, out.Completed)
	require.Equal(t, 2, out.Scanned)
	require.Equal(t, 1, out.Found)

	rec, err := f.checkpoints.Load(context.Background(), "scan-1")
	require.NoError(t, err)
	require.Equal(t, scan.StatusCompleted, rec.Status)
	require.NotNil(t, rec.CompletedAt)
	require.Equal(t, 2, rec.Progress.TotalDomains)
	require.Equal(t, 2, rec.Progress.ScannedDomains)
	require.Equal(t, 1, rec.Progress.FoundResults)

	results, err := f.results.List(context.Background(), "scan-1", 1, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "a.com", results[0].Domain)
}

func TestRunBatchesAndCheckpoints(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{Defaults: scan.Defaults{
		Concurrency: 2, Timeout: time.Second, BatchSize: 5,
		URLBatchSize: 2, Retries: 1, RetryWait: time.Millisecond,
	}})

	domains := make([]string, 10)
	for i := range domains {
		domains[i] = string(rune('a'+i)) + ".com"
	}
	payload := f.seed(t, "scan-1", domains)

	out, err := f.proc.Run(context.Background(), payload)
	require.NoError(t, err)
	require.True(t, out.Completed)
	require.Equal(t, 10, out.Scanned)
	require.Equal(t, domains, f.scanner.domains())

	rec, err := f.checkpoints.Load(context.Background(), "scan-1")
	require.NoError(t, err)
	require.Equal(t, 9, rec.Config.CurrentIndex)
}

func TestRunInvalidPayload(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})

	_, err := f.proc.Run(context.Background(), scan.JobPayload{Domains: []string{"a.com"}})
	require.ErrorIs(t, err, scan.ErrInvalidPayload)
}

func TestRunExitsEarlyWhenAlreadyStopped(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	payload := f.seed(t, "scan-1", []string{"a.com"})

	f.stops.MarkLocal("scan-1")
	out, err := f.proc.Run(context.Background(), payload)
	require.NoError(t, err)
	require.True(t, out.Stopped)
	require.Empty(t, f.scanner.domains())

	// Status untouched: the job never claimed the scan.
	rec, err := f.checkpoints.Load(context.Background(), "scan-1")
	require.NoError(t, err)
	require.Equal(t, scan.StatusPending, rec.Status)
}

func TestStopMidRunPausesAtCheckpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{Defaults: scan.Defaults{
		Concurrency: 2, Timeout: time.Second, BatchSize: 2,
		URLBatchSize: 2, Retries: 1, RetryWait: time.Millisecond,
	}})
	payload := f.seed(t, "scan-1", []string{"a.com", "b.com", "c.com", "d.com", "e.com", "f.com"})

	// Request the stop while the second batch is in flight.
	f.scanner.outcome = func(domain string) (fetcher.Outcome, error) {
		if domain == "c.com" {
			f.stops.MarkLocal("scan-1")
		}
		return fetcher.Outcome{URLsTried: 1}, nil
	}

	out, err := f.proc.Run(context.Background(), payload)
	require.NoError(t, err)
	require.True(t, out.Stopped)
	require.False(t, out.Completed)

	rec, err := f.checkpoints.Load(context.Background(), "scan-1")
	require.NoError(t, err)
	require.Equal(t, scan.StatusPaused, rec.Status)
	require.NotNil(t, rec.PausedAt)
	require.GreaterOrEqual(t, rec.Config.CurrentIndex, 1)
	require.Less(t, rec.Config.CurrentIndex, 6)

	// Resume: clear the stop set and run a fresh job from the checkpoint.
	require.NoError(t, f.stops.Clear(context.Background(), "scan-1"))
	f.scanner.outcome = nil
	resume := payload
	resume.StartIndex = rec.Config.CurrentIndex
	out, err = f.proc.Run(context.Background(), resume)
	require.NoError(t, err)
	require.True(t, out.Completed)

	rec, err = f.checkpoints.Load(context.Background(), "scan-1")
	require.NoError(t, err)
	require.Equal(t, scan.StatusCompleted, rec.Status)
	require.Equal(t, 5, rec.Config.CurrentIndex)
}

func TestHaltedFetchKeepsPartialResults(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	payload := f.seed(t, "scan-1", []string{"a.com", "b.com"})

	f.scanner.outcome = func(domain string) (fetcher.Outcome, error) {
		out := matchResult(domain)
		return out, fetcher.ErrHalted
	}

	out, err := f.proc.Run(context.Background(), payload)
	require.NoError(t, err)
	require.True(t, out.Stopped)
	require.Equal(t, 1, out.Found)
	require.Zero(t, out.Scanned)

	results, err := f.results.List(context.Background(), "scan-1", 1, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestScanErrorMarksFailedAndStops(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	payload := f.seed(t, "scan-1", []string{"a.com"})

	boom := errors.New("store exploded")
	f.scanner.outcome = func(string) (fetcher.Outcome, error) {
		return fetcher.Outcome{}, boom
	}

	_, err := f.proc.Run(context.Background(), payload)
	require.ErrorIs(t, err, boom)

	rec, err := f.checkpoints.Load(context.Background(), "scan-1")
	require.NoError(t, err)
	require.Equal(t, scan.StatusFailed, rec.Status)
	require.Contains(t, rec.Error, "store exploded")

	// Failure seeds the stop set so a stale retry cannot resume.
	require.True(t, f.stops.Stopped(context.Background(), "scan-1"))
}

func TestExternalStatusChangeBreaksLoop(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{
		RecheckEveryBatches: 2,
		Defaults: scan.Defaults{
			Concurrency: 2, Timeout: time.Second, BatchSize: 1,
			URLBatchSize: 2, Retries: 1, RetryWait: time.Millisecond,
		},
	})
	payload := f.seed(t, "scan-1", []string{"a.com", "b.com", "c.com", "d.com"})

	// Cancel the scan in the store after the first domain; the recheck at
	// batch 2 must observe it and leave the status alone.
	f.scanner.outcome = func(domain string) (fetcher.Outcome, error) {
		if domain == "a.com" {
			rec, err := f.checkpoints.Load(context.Background(), "scan-1")
			if err != nil {
				return fetcher.Outcome{}, err
			}
			rec.Status = scan.StatusCanceled
			if err := f.checkpoints.Save(context.Background(), rec); err != nil {
				return fetcher.Outcome{}, err
			}
		}
		return fetcher.Outcome{URLsTried: 1}, nil
	}

	out, err := f.proc.Run(context.Background(), payload)
	require.NoError(t, err)
	require.True(t, out.Stopped)

	rec, err := f.checkpoints.Load(context.Background(), "scan-1")
	require.NoError(t, err)
	require.Equal(t, scan.StatusCanceled, rec.Status)
	require.LessOrEqual(t, len(f.scanner.domains()), 2)
}

func TestTerminalScanSkipsJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	payload := f.seed(t, "scan-1", []string{"a.com"})

	rec, err := f.checkpoints.Load(context.Background(), "scan-1")
	require.NoError(t, err)
	rec.Status = scan.StatusRunning
	require.NoError(t, f.checkpoints.Save(context.Background(), rec))
	rec.Status = scan.StatusCanceled
	require.NoError(t, f.checkpoints.Save(context.Background(), rec))

	out, err := f.proc.Run(context.Background(), payload)
	require.NoError(t, err)
	require.True(t, out.Stopped)
	require.Empty(t, f.scanner.domains())
}

func TestPauseMidBatchResumeCountsExactly(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{Defaults: scan.Defaults{
		Concurrency: 2, Timeout: time.Second, BatchSize: 3,
		URLBatchSize: 2, Retries: 1, RetryWait: time.Millisecond,
	}})
	domains := make([]string, 10)
	for i := range domains {
		domains[i] = string(rune('a'+i)) + ".com"
	}
	payload := f.seed(t, "scan-1", domains)

	// Stop lands while the second batch is processing domain index 3.
	f.scanner.outcome = func(domain string) (fetcher.Outcome, error) {
		if domain == "d.com" {
			f.stops.MarkLocal("scan-1")
		}
		return fetcher.Outcome{URLsTried: 1}, nil
	}

	_, err := f.proc.Run(context.Background(), payload)
	require.NoError(t, err)

	rec, err := f.checkpoints.Load(context.Background(), "scan-1")
	require.NoError(t, err)
	require.Equal(t, scan.StatusPaused, rec.Status)
	require.Equal(t, 2, rec.Config.CurrentIndex)
	require.Equal(t, 3, rec.Progress.ScannedDomains)

	// Resume from the checkpoint; the interrupted batch is redone but the
	// scanned counter must land on exactly the domain-list size.
	require.NoError(t, f.stops.Clear(context.Background(), "scan-1"))
	f.scanner.outcome = nil
	resume := payload
	resume.StartIndex = rec.Config.CurrentIndex
	out, err := f.proc.Run(context.Background(), resume)
	require.NoError(t, err)
	require.True(t, out.Completed)

	rec, err = f.checkpoints.Load(context.Background(), "scan-1")
	require.NoError(t, err)
	require.Equal(t, scan.StatusCompleted, rec.Status)
	require.Equal(t, 9, rec.Config.CurrentIndex)
	require.Equal(t, 10, rec.Progress.ScannedDomains)
	require.Equal(t, 10, rec.Progress.TotalDomains)
}

type recordSink struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordSink) Publish(e progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordSink) all() []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.Event(nil), r.events...)
}

func TestProgressEventsCarryBatchDeltas(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	sink := &recordSink{}
	hub := progress.NewHub()
	hub.Register(sink)
	opts := Options{Defaults: scan.Defaults{
		Concurrency: 2, Timeout: time.Second, BatchSize: 2,
		URLBatchSize: 2, Retries: 1, RetryWait: time.Millisecond,
	}}
	proc := New(f.checkpoints, f.results, f.stops, hub,
		func(scan.JobPayload) DomainScanner { return f.scanner }, opts, zap.NewNop())

	payload := f.seed(t, "scan-1", []string{"a.com", "b.com", "c.com", "d.com"})
	f.scanner.outcome = func(domain string) (fetcher.Outcome, error) {
		if domain == "c.com" {
			f.stops.MarkLocal("scan-1")
		}
		return fetcher.Outcome{URLsTried: 1}, nil
	}

	_, err := proc.Run(context.Background(), payload)
	require.NoError(t, err)

	rec, err := f.checkpoints.Load(context.Background(), "scan-1")
	require.NoError(t, err)
	require.Equal(t, scan.StatusPaused, rec.Status)

	require.NoError(t, f.stops.Clear(context.Background(), "scan-1"))
	f.scanner.outcome = nil
	resume := payload
	resume.StartIndex = rec.Config.CurrentIndex
	_, err = proc.Run(context.Background(), resume)
	require.NoError(t, err)

	events := sink.all()
	require.NotEmpty(t, events)
	// Every event's delta covers one batch at most; the first event after
	// the resume must not replay history through its delta.
	for _, e := range events {
		require.LessOrEqual(t, e.ScannedDelta, 2)
		require.Equal(t, 4, e.Total)
	}
	require.Equal(t, 2, events[0].ScannedDelta)
	require.Equal(t, 2, events[0].Scanned)
	last := events[len(events)-1]
	require.Equal(t, 4, last.Scanned)
}
