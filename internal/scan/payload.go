package scan

import (
	"errors"
	"time"
)

// ErrInvalidPayload marks a job payload that can never be processed. Jobs
// carrying one are failed immediately, without retry.
var ErrInvalidPayload = errors.New("invalid scan job payload")

// JobPayload is the durable queue message for one scan run. It snapshots the
// domain set so a redelivered job re-runs from its checkpoint without a list
// lookup.
type JobPayload struct {
	ScanID      string   `json:"scan_id"`
	Domains     []string `json:"domains"`
	StartIndex  int      `json:"start_index"`
	IncludeSubs bool     `json:"include_subdomains"`
	Subdomains  []string `json:"subdomains,omitempty"`
	Paths       []string `json:"paths"`
	SearchTerms []string `json:"search_terms"`

	// Concurrency is informational: worker parallelism comes from queue
	// configuration, not from individual jobs.
	Concurrency  int           `json:"concurrency"`
	Timeout      time.Duration `json:"timeout"`
	BatchSize    int           `json:"batch_size"`
	URLBatchSize int           `json:"url_batch_size"`
	Retries      int           `json:"retries"`
	RetryWait    time.Duration `json:"retry_wait"`
}

// Defaults holds the fallback tunables applied when a payload omits a value.
// A zero tunable must never stall a scan.
type Defaults struct {
	Concurrency  int
	Timeout      time.Duration
	BatchSize    int
	URLBatchSize int
	Retries      int
	RetryWait    time.Duration
}

// Validate checks the fields without which the job cannot run at all.
func (p JobPayload) Validate() error {
	if p.ScanID == "" {
		return ErrInvalidPayload
	}
	if p.StartIndex < 0 {
		return ErrInvalidPayload
	}
	if len(p.Paths) == 0 || len(p.SearchTerms) == 0 {
		return ErrInvalidPayload
	}
	return nil
}

// Normalized returns a copy with every zero tunable replaced by its default.
// Normalization runs exactly once, at job start; downstream components receive
// the fully resolved payload and never apply fallbacks of their own.
func (p JobPayload) Normalized(d Defaults) JobPayload {
	out := p
	if out.Concurrency <= 0 {
		out.Concurrency = d.Concurrency
	}
	if out.Timeout <= 0 {
		out.Timeout = d.Timeout
	}
	if out.BatchSize <= 0 {
		out.BatchSize = d.BatchSize
	}
	if out.URLBatchSize <= 0 {
		out.URLBatchSize = d.URLBatchSize
	}
	if out.Retries <= 0 {
		out.Retries = d.Retries
	}
	if out.RetryWait <= 0 {
		out.RetryWait = d.RetryWait
	}
	return out
}
