package logging_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/tarabot/tarabot/internal/logging"
)

func TestNewDefaultsToInfo(t *testing.T) {
	t.Parallel()
	logger, err := logging.New(logging.Options{})
	require.NoError(t, err)
	require.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	require.False(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNewDevelopmentEnablesDebug(t *testing.T) {
	t.Parallel()
	logger, err := logging.New(logging.Options{Development: true})
	require.NoError(t, err)
	require.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNewLevelOverride(t *testing.T) {
	t.Parallel()
	logger, err := logging.New(logging.Options{Level: "warn"})
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	require.True(t, logger.Core().Enabled(zapcore.WarnLevel))
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	t.Parallel()
	_, err := logging.New(logging.Options{Level: "loud"})
	require.Error(t, err)
}
