package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tarabot/tarabot/internal/scan"
)

// CheckpointStore persists scan records in the scans table.
type CheckpointStore struct {
	pool db
}

// NewCheckpointStore constructs a store over an existing pool.
func NewCheckpointStore(pool db) (*CheckpointStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &CheckpointStore{pool: pool}, nil
}

const scanColumns = `id, name, domain_list_id, domain_list_name, start_index, current_index,
include_subs, subdomains, paths, search_terms, concurrency, timeout_ms, batch_size,
url_batch_size, retries, status, error, total_domains, scanned_domains, found_results,
started_at, paused_at, completed_at, created_at, updated_at`

// Load fetches a scan or returns scan.ErrNotFound.
func (s *CheckpointStore) Load(ctx context.Context, scanID string) (scan.Scan, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+scanColumns+` FROM scans WHERE id = $1`, scanID)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return scan.Scan{}, scan.ErrNotFound
	}
	return rec, err
}

// Save upserts the full record after validating it.
func (s *CheckpointStore) Save(ctx context.Context, rec scan.Scan) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	subdomains, err := json.Marshal(emptyIfNil(rec.Config.Subdomains))
	if err != nil {
		return fmt.Errorf("marshal subdomains: %w", err)
	}
	paths, err := json.Marshal(emptyIfNil(rec.Config.Paths))
	if err != nil {
		return fmt.Errorf("marshal paths: %w", err)
	}
	terms, err := json.Marshal(emptyIfNil(rec.Config.SearchTerms))
	if err != nil {
		return fmt.Errorf("marshal search terms: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
INSERT INTO scans (`+scanColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	current_index = EXCLUDED.current_index,
	status = EXCLUDED.status,
	error = EXCLUDED.error,
	total_domains = EXCLUDED.total_domains,
	scanned_domains = EXCLUDED.scanned_domains,
	found_results = EXCLUDED.found_results,
	paused_at = EXCLUDED.paused_at,
	completed_at = EXCLUDED.completed_at,
	updated_at = EXCLUDED.updated_at`,
		rec.ID, rec.Config.Name, rec.Config.DomainListID, rec.Config.DomainListName,
		rec.Config.StartIndex, rec.Config.CurrentIndex, rec.Config.IncludeSubs,
		subdomains, paths, terms,
		rec.Config.Concurrency, rec.Config.Timeout.Milliseconds(), rec.Config.BatchSize,
		rec.Config.URLBatchSize, rec.Config.Retries,
		string(rec.Status), rec.Error,
		rec.Progress.TotalDomains, rec.Progress.ScannedDomains, rec.Progress.FoundResults,
		rec.StartedAt, rec.PausedAt, rec.CompletedAt, rec.Config.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("save scan: %w", err)
	}
	return nil
}

// Advance moves the checkpoint to the last fully processed index in a single
// statement so concurrent stale writers cannot rewind it. The scanned counter
// derives from the index, keeping replayed batches from inflating it.
func (s *CheckpointStore) Advance(ctx context.Context, scanID string, index, foundDelta int) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE scans
SET current_index = GREATEST(current_index, $2),
    scanned_domains = GREATEST(scanned_domains, $2 + 1 - start_index),
    found_results = found_results + $3,
    updated_at = $4
WHERE id = $1`, scanID, index, foundDelta, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return scan.ErrNotFound
	}
	return nil
}

// Delete removes the record, reporting whether it existed.
func (s *CheckpointStore) Delete(ctx context.Context, scanID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM scans WHERE id = $1`, scanID)
	if err != nil {
		return false, fmt.Errorf("delete scan: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// List returns all scans, most recently updated first.
func (s *CheckpointStore) List(ctx context.Context) ([]scan.Scan, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+scanColumns+` FROM scans ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	defer rows.Close()

	var out []scan.Scan
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scans: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (scan.Scan, error) {
	var (
		rec        scan.Scan
		status     string
		timeoutMS  int64
		subdomains []byte
		paths      []byte
		terms      []byte
	)
	err := row.Scan(&rec.ID, &rec.Config.Name, &rec.Config.DomainListID, &rec.Config.DomainListName,
		&rec.Config.StartIndex, &rec.Config.CurrentIndex, &rec.Config.IncludeSubs,
		&subdomains, &paths, &terms,
		&rec.Config.Concurrency, &timeoutMS, &rec.Config.BatchSize,
		&rec.Config.URLBatchSize, &rec.Config.Retries,
		&status, &rec.Error,
		&rec.Progress.TotalDomains, &rec.Progress.ScannedDomains, &rec.Progress.FoundResults,
		&rec.StartedAt, &rec.PausedAt, &rec.CompletedAt, &rec.Config.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return scan.Scan{}, err
	}
	if err := json.Unmarshal(subdomains, &rec.Config.Subdomains); err != nil {
		return scan.Scan{}, fmt.Errorf("unmarshal subdomains: %w", err)
	}
	if err := json.Unmarshal(paths, &rec.Config.Paths); err != nil {
		return scan.Scan{}, fmt.Errorf("unmarshal paths: %w", err)
	}
	if err := json.Unmarshal(terms, &rec.Config.SearchTerms); err != nil {
		return scan.Scan{}, fmt.Errorf("unmarshal search terms: %w", err)
	}
	rec.Config.ID = rec.ID
	rec.Config.Timeout = time.Duration(timeoutMS) * time.Millisecond
	rec.Config.UpdatedAt = rec.UpdatedAt
	rec.Status = scan.Status(status)
	return rec, nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
