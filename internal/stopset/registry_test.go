package stopset

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeFlagStore struct {
	mu    sync.Mutex
	flags map[string]struct{}

	setErr    error
	clearErr  error
	existsErr error

	existsCalls int
}

func newFakeFlagStore() *fakeFlagStore {
	return &fakeFlagStore{flags: map[string]struct{}{}}
}

func (f *fakeFlagStore) Set(_ context.Context, scanID string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.flags[scanID] = struct{}{}
	return nil
}

func (f *fakeFlagStore) Clear(_ context.Context, scanID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.clearErr != nil {
		return f.clearErr
	}
	delete(f.flags, scanID)
	return nil
}

func (f *fakeFlagStore) Exists(_ context.Context, scanID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.existsCalls++
	if f.existsErr != nil {
		return false, f.existsErr
	}
	_, ok := f.flags[scanID]
	return ok, nil
}

func TestStopWritesBothTiers(t *testing.T) {
	t.Parallel()

	store := newFakeFlagStore()
	reg := New(store, time.Hour, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, reg.Stop(ctx, "scan-1"))
	require.True(t, reg.Stopped(ctx, "scan-1"))
	_, durable := store.flags["scan-1"]
	require.True(t, durable)

	require.NoError(t, reg.Clear(ctx, "scan-1"))
	require.False(t, reg.Stopped(ctx, "scan-1"))
}

func TestStoppedConsultsDurableTierOnLocalMiss(t *testing.T) {
	t.Parallel()

	store := newFakeFlagStore()
	ctx := context.Background()

	// First registry sets the flag, then the process "restarts": a fresh
	// registry with an empty local set must still see the durable flag.
	first := New(store, time.Hour, zap.NewNop())
	require.NoError(t, first.Stop(ctx, "scan-1"))

	restarted := New(store, time.Hour, zap.NewNop())
	require.True(t, restarted.Stopped(ctx, "scan-1"))

	// The durable hit is cached locally; further checks skip the store.
	calls := store.existsCalls
	require.True(t, restarted.Stopped(ctx, "scan-1"))
	require.Equal(t, calls, store.existsCalls)
}

func TestStopStillHaltsLocallyWhenDurableWriteFails(t *testing.T) {
	t.Parallel()

	store := newFakeFlagStore()
	store.setErr = errors.New("store down")
	reg := New(store, time.Hour, zap.NewNop())
	ctx := context.Background()

	require.Error(t, reg.Stop(ctx, "scan-1"))
	require.True(t, reg.Stopped(ctx, "scan-1"))
}

func TestStoppedTreatsStoreErrorAsNotStopped(t *testing.T) {
	t.Parallel()

	store := newFakeFlagStore()
	store.existsErr = errors.New("store down")
	reg := New(store, time.Hour, zap.NewNop())

	require.False(t, reg.Stopped(context.Background(), "scan-1"))
}

func TestMarkLocalDoesNotTouchStore(t *testing.T) {
	t.Parallel()

	store := newFakeFlagStore()
	reg := New(store, time.Hour, zap.NewNop())

	reg.MarkLocal("scan-1")
	require.True(t, reg.Stopped(context.Background(), "scan-1"))
	require.Empty(t, store.flags)
}
