package progress

import (
	"go.uber.org/zap"

	"github.com/tarabot/tarabot/internal/metrics"
)

// LogSink writes progress events to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink constructs a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Publish logs the event at info level.
func (s *LogSink) Publish(e Event) {
	s.logger.Info("scan progress",
		zap.String("scan_id", e.ScanID),
		zap.Int("percent", e.Percent()),
		zap.Int("scanned", e.Scanned),
		zap.Int("total", e.Total),
		zap.Int("found", e.Found),
		zap.Int("index", e.Index),
	)
}

// PrometheusSink forwards per-batch deltas to the metrics collectors. It is
// the only place scan throughput counters are incremented.
type PrometheusSink struct{}

// NewPrometheusSink constructs a PrometheusSink.
func NewPrometheusSink() *PrometheusSink {
	return &PrometheusSink{}
}

// Publish increments the throughput counters by the event's batch deltas.
// The cumulative fields are ignored here: they include progress from before
// a resume, which was already counted when it happened.
func (s *PrometheusSink) Publish(e Event) {
	metrics.ObserveDomains(e.ScannedDelta)
	metrics.ObserveResults(e.FoundDelta)
}
