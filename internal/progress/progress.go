// Package progress fans scan progress events out to pluggable sinks.
package progress

import (
	"sync"
	"time"
)

// Event describes the state of a scan after one processed batch. Scanned and
// Found are cumulative over the scan's lifetime; ScannedDelta and FoundDelta
// cover only the batch that produced the event, so counter-style consumers
// never re-count history after a resume.
type Event struct {
	ScanID       string
	Scanned      int
	Found        int
	Total        int
	Index        int
	ScannedDelta int
	FoundDelta   int
	At           time.Time
}

// Percent returns the completion percentage, floored, in [0,100].
func (e Event) Percent() int {
	if e.Total <= 0 {
		return 0
	}
	p := e.Scanned * 100 / e.Total
	if p > 100 {
		p = 100
	}
	return p
}

// Sink receives progress events. Implementations must not block for long;
// publishing happens on the scan loop.
type Sink interface {
	Publish(Event)
}

// Hub broadcasts events to all registered sinks.
type Hub struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{}
}

// Register adds a sink. Registration order is delivery order.
func (h *Hub) Register(s Sink) {
	if s == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks = append(h.sinks, s)
}

// Publish delivers the event to every sink. A panicking sink is isolated so
// one bad consumer cannot kill the scan loop.
func (h *Hub) Publish(e Event) {
	h.mu.RLock()
	sinks := make([]Sink, len(h.sinks))
	copy(sinks, h.sinks)
	h.mu.RUnlock()

	for _, s := range sinks {
		publishSafe(s, e)
	}
}

func publishSafe(s Sink, e Event) {
	defer func() {
		_ = recover()
	}()
	s.Publish(e)
}
