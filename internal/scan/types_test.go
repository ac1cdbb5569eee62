package scan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusCanceled, true},
		{StatusPending, StatusPaused, false},
		{StatusRunning, StatusPaused, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCanceled, true},
		{StatusPaused, StatusRunning, true},
		{StatusPaused, StatusCanceled, true},
		{StatusPaused, StatusCompleted, false},
		{StatusCompleted, StatusRunning, false},
		{StatusFailed, StatusRunning, false},
		{StatusCanceled, StatusRunning, false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, tt.from.CanTransition(tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()

	require.False(t, StatusPending.Terminal())
	require.False(t, StatusRunning.Terminal())
	require.False(t, StatusPaused.Terminal())
	require.True(t, StatusCompleted.Terminal())
	require.True(t, StatusFailed.Terminal())
	require.True(t, StatusCanceled.Terminal())
}

func TestScanValidate(t *testing.T) {
	t.Parallel()

	valid := Scan{
		ID:     "scan-1",
		Status: StatusPending,
		Config: Config{
			Paths:       []string{"/.env"},
			SearchTerms: []string{"SECRET_KEY"},
		},
	}
	require.NoError(t, valid.Validate())

	noID := valid
	noID.ID = ""
	require.Error(t, noID.Validate())

	badStatus := valid
	badStatus.Status = Status("sleeping")
	require.Error(t, badStatus.Validate())

	negativeStart := valid
	negativeStart.Config.StartIndex = -1
	require.Error(t, negativeStart.Validate())

	noPaths := valid
	noPaths.Config.Paths = nil
	require.Error(t, noPaths.Validate())

	noTerms := valid
	noTerms.Config.SearchTerms = nil
	require.Error(t, noTerms.Validate())
}

func TestPayloadNormalized(t *testing.T) {
	t.Parallel()

	defaults := Defaults{
		Concurrency:  2,
		Timeout:      20 * time.Second,
		BatchSize:    10,
		URLBatchSize: 2,
		Retries:      3,
		RetryWait:    3 * time.Second,
	}

	empty := JobPayload{ScanID: "scan-1"}.Normalized(defaults)
	require.Equal(t, 2, empty.Concurrency)
	require.Equal(t, 20*time.Second, empty.Timeout)
	require.Equal(t, 10, empty.BatchSize)
	require.Equal(t, 2, empty.URLBatchSize)
	require.Equal(t, 3, empty.Retries)
	require.Equal(t, 3*time.Second, empty.RetryWait)

	// Explicit values survive normalization untouched.
	set := JobPayload{
		ScanID:       "scan-1",
		Concurrency:  8,
		Timeout:      5 * time.Second,
		BatchSize:    50,
		URLBatchSize: 5,
		Retries:      1,
		RetryWait:    time.Second,
	}.Normalized(defaults)
	require.Equal(t, 8, set.Concurrency)
	require.Equal(t, 5*time.Second, set.Timeout)
	require.Equal(t, 50, set.BatchSize)
	require.Equal(t, 5, set.URLBatchSize)
	require.Equal(t, 1, set.Retries)
	require.Equal(t, time.Second, set.RetryWait)
}

func TestPayloadValidate(t *testing.T) {
	t.Parallel()

	valid := JobPayload{
		ScanID:      "scan-1",
		Domains:     []string{"a.com"},
		Paths:       []string{"/.env"},
		SearchTerms: []string{"SECRET_KEY"},
	}
	require.NoError(t, valid.Validate())

	noScan := valid
	noScan.ScanID = ""
	require.ErrorIs(t, noScan.Validate(), ErrInvalidPayload)

	negative := valid
	negative.StartIndex = -5
	require.ErrorIs(t, negative.Validate(), ErrInvalidPayload)

	noPaths := valid
	noPaths.Paths = nil
	require.ErrorIs(t, noPaths.Validate(), ErrInvalidPayload)
}
