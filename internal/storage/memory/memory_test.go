package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tarabot/tarabot/internal/scan"
)

func testScan(id string) scan.Scan {
	now := time.Now().UTC()
	return scan.Scan{
		ID: id,
		Config: scan.Config{
			ID:           id,
			Name:         "nightly",
			DomainListID: "list-1",
			Paths:        []string{"/"},
			SearchTerms:  []string{"term"},
			CreatedAt:    now,
		},
		Status:    scan.StatusPending,
		StartedAt: now,
		UpdatedAt: now,
	}
}

func TestCheckpointStoreRoundTrip(t *testing.T) {
	t.Parallel()
	store := NewCheckpointStore()
	ctx := context.Background()

	_, err := store.Load(ctx, "missing")
	require.ErrorIs(t, err, scan.ErrNotFound)

	rec := testScan("scan-1")
	require.NoError(t, store.Save(ctx, rec))

	got, err := store.Load(ctx, "scan-1")
	require.NoError(t, err)
	require.Equal(t, "nightly", got.Config.Name)
	require.Equal(t, scan.StatusPending, got.Status)
}

func TestCheckpointStoreRejectsInvalid(t *testing.T) {
	t.Parallel()
	store := NewCheckpointStore()

	rec := testScan("scan-1")
	rec.Config.SearchTerms = nil
	require.Error(t, store.Save(context.Background(), rec))
}

func TestAdvanceNeverRewinds(t *testing.T) {
	t.Parallel()
	store := NewCheckpointStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, testScan("scan-1")))

	require.NoError(t, store.Advance(ctx, "scan-1", 9, 1))
	require.NoError(t, store.Advance(ctx, "scan-1", 4, 0))

	got, err := store.Load(ctx, "scan-1")
	require.NoError(t, err)
	require.Equal(t, 9, got.Config.CurrentIndex)
	require.Equal(t, 10, got.Progress.ScannedDomains)
	require.Equal(t, 1, got.Progress.FoundResults)

	require.ErrorIs(t, store.Advance(ctx, "missing", 1, 1), scan.ErrNotFound)
}

func TestAdvanceDerivesScannedFromIndex(t *testing.T) {
	t.Parallel()
	store := NewCheckpointStore()
	ctx := context.Background()

	rec := testScan("scan-1")
	rec.Config.StartIndex = 3
	rec.Config.CurrentIndex = 3
	require.NoError(t, store.Save(ctx, rec))

	// A replayed batch lands on the same index and must not double count.
	require.NoError(t, store.Advance(ctx, "scan-1", 7, 0))
	require.NoError(t, store.Advance(ctx, "scan-1", 7, 0))

	got, err := store.Load(ctx, "scan-1")
	require.NoError(t, err)
	require.Equal(t, 7, got.Config.CurrentIndex)
	require.Equal(t, 5, got.Progress.ScannedDomains)
}

func TestListNewestFirst(t *testing.T) {
	t.Parallel()
	store := NewCheckpointStore()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, testScan("scan-a")))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, store.Save(ctx, testScan("scan-b")))

	scans, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, scans, 2)
	require.Equal(t, "scan-b", scans[0].ID)
}

func TestDeleteReportsExistence(t *testing.T) {
	t.Parallel()
	store := NewCheckpointStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, testScan("scan-1")))

	ok, err := store.Delete(ctx, "scan-1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Delete(ctx, "scan-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestResultStorePagination(t *testing.T) {
	t.Parallel()
	store := NewResultStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(ctx, "scan-1", scan.Result{
			URL:       fmt.Sprintf("https://d%d.com/", i),
			Domain:    fmt.Sprintf("d%d.com", i),
			Timestamp: time.Now().UTC(),
		}))
	}

	page1, err := store.List(ctx, "scan-1", 1, 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.Equal(t, "d4.com", page1[0].Domain)
	require.Equal(t, "d3.com", page1[1].Domain)

	page3, err := store.List(ctx, "scan-1", 3, 2)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	require.Equal(t, "d0.com", page3[0].Domain)

	empty, err := store.List(ctx, "scan-1", 4, 2)
	require.NoError(t, err)
	require.Empty(t, empty)

	require.NoError(t, store.Delete(ctx, "scan-1"))
	gone, err := store.List(ctx, "scan-1", 1, 10)
	require.NoError(t, err)
	require.Empty(t, gone)
}

func TestStopFlagExpiry(t *testing.T) {
	t.Parallel()
	store := NewStopFlagStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "scan-1", 20*time.Millisecond))
	ok, err := store.Exists(ctx, "scan-1")
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)
	ok, err = store.Exists(ctx, "scan-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStopFlagClear(t *testing.T) {
	t.Parallel()
	store := NewStopFlagStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "scan-1", time.Hour))
	require.NoError(t, store.Clear(ctx, "scan-1"))
	ok, err := store.Exists(ctx, "scan-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDomainLists(t *testing.T) {
	t.Parallel()
	lists := NewDomainLists()
	lists.Register("list-1", []string{"a.com", "b.com"})

	domains, err := lists.Domains(context.Background(), "list-1")
	require.NoError(t, err)
	require.Equal(t, []string{"a.com", "b.com"}, domains)

	// The returned slice is a copy.
	domains[0] = "mutated.com"
	again, err := lists.Domains(context.Background(), "list-1")
	require.NoError(t, err)
	require.Equal(t, "a.com", again[0])

	_, err = lists.Domains(context.Background(), "missing")
	require.Error(t, err)
}
