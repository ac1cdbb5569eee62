// Package scan defines the core scan data model shared across subsystems.
package scan

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound signals that the requested scan record does not exist.
var ErrNotFound = errors.New("scan not found")

// Status represents the lifecycle state of a scan.
type Status string

// Scan status values persisted in the checkpoint store.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether the status admits no further processing.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPaused, StatusCompleted, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a transition from s to next is allowed.
// paused -> running is the only re-entry edge; completed is final, while
// failed and canceled scans remain only deletable.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusCanceled
	case StatusRunning:
		return next == StatusPaused || next == StatusCompleted ||
			next == StatusFailed || next == StatusCanceled
	case StatusPaused:
		return next == StatusRunning || next == StatusCanceled
	default:
		return false
	}
}

// Config captures the parameters of one scan. Every field is immutable after
// creation except CurrentIndex, which the execution engine advances.
type Config struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	DomainListID   string   `json:"domain_list_id"`
	DomainListName string   `json:"domain_list_name"`
	StartIndex     int      `json:"start_index"`
	CurrentIndex   int      `json:"current_index"`
	IncludeSubs    bool     `json:"include_subdomains"`
	Subdomains     []string `json:"subdomains"`
	Paths          []string `json:"paths"`
	SearchTerms    []string `json:"search_terms"`

	// Per-scan tuning overrides; zero values fall back to service defaults.
	Concurrency  int           `json:"concurrency,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty"`
	BatchSize    int           `json:"batch_size,omitempty"`
	URLBatchSize int           `json:"url_batch_size,omitempty"`
	Retries      int           `json:"retries,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Progress tracks cumulative scan counters.
type Progress struct {
	TotalDomains   int `json:"total_domains"`
	ScannedDomains int `json:"scanned_domains"`
	FoundResults   int `json:"found_results"`
}

// Scan is the persisted record for one scan execution.
type Scan struct {
	ID          string     `json:"id"`
	Config      Config     `json:"config"`
	Status      Status     `json:"status"`
	Error       string     `json:"error,omitempty"`
	Progress    Progress   `json:"progress"`
	StartedAt   time.Time  `json:"started_at"`
	PausedAt    *time.Time `json:"paused_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Validate rejects malformed records at the store boundary. A scan that fails
// validation must not be processed or silently defaulted.
func (s Scan) Validate() error {
	if s.ID == "" {
		return errors.New("scan id is required")
	}
	if !s.Status.Valid() {
		return fmt.Errorf("unknown scan status %q", s.Status)
	}
	if s.Config.StartIndex < 0 {
		return fmt.Errorf("start index %d is negative", s.Config.StartIndex)
	}
	if len(s.Config.Paths) == 0 {
		return errors.New("at least one path is required")
	}
	if len(s.Config.SearchTerms) == 0 {
		return errors.New("at least one search term is required")
	}
	return nil
}

// Result is one content match, appended to the result log by the URL fetcher.
// Duplicates across retries are tolerated; findings are advisory.
type Result struct {
	URL         string    `json:"url"`
	Domain      string    `json:"domain"`
	Path        string    `json:"path"`
	Subdomain   string    `json:"subdomain,omitempty"`
	SearchTerms []string  `json:"search_terms"`
	FoundTerms  []string  `json:"found_terms"`
	StatusCode  int       `json:"status_code"`
	Timestamp   time.Time `json:"timestamp"`
}
