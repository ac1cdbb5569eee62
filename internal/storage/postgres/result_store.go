package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tarabot/tarabot/internal/scan"
)

// ResultStore appends scan results to the scan_results table.
type ResultStore struct {
	pool db
}

// NewResultStore constructs a store over an existing pool.
func NewResultStore(pool db) (*ResultStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ResultStore{pool: pool}, nil
}

// Append inserts one result row.
func (s *ResultStore) Append(ctx context.Context, scanID string, r scan.Result) error {
	terms, err := json.Marshal(emptyIfNil(r.SearchTerms))
	if err != nil {
		return fmt.Errorf("marshal search terms: %w", err)
	}
	found, err := json.Marshal(emptyIfNil(r.FoundTerms))
	if err != nil {
		return fmt.Errorf("marshal found terms: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO scan_results (scan_id, url, domain, path, subdomain, search_terms, found_terms, status_code, found_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		scanID, r.URL, r.Domain, r.Path, r.Subdomain, terms, found, r.StatusCode, r.Timestamp)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// List returns one page of results, newest first. Page is 1-based.
func (s *ResultStore) List(ctx context.Context, scanID string, page, limit int) ([]scan.Result, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
SELECT url, domain, path, subdomain, search_terms, found_terms, status_code, found_at
FROM scan_results WHERE scan_id = $1
ORDER BY id DESC LIMIT $2 OFFSET $3`, scanID, limit, (page-1)*limit)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	out := make([]scan.Result, 0, limit)
	for rows.Next() {
		var (
			r     scan.Result
			terms []byte
			found []byte
		)
		if err := rows.Scan(&r.URL, &r.Domain, &r.Path, &r.Subdomain, &terms, &found, &r.StatusCode, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		if err := json.Unmarshal(terms, &r.SearchTerms); err != nil {
			return nil, fmt.Errorf("unmarshal search terms: %w", err)
		}
		if err := json.Unmarshal(found, &r.FoundTerms); err != nil {
			return nil, fmt.Errorf("unmarshal found terms: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return out, nil
}

// Delete drops all results for one scan.
func (s *ResultStore) Delete(ctx context.Context, scanID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM scan_results WHERE scan_id = $1`, scanID); err != nil {
		return fmt.Errorf("delete results: %w", err)
	}
	return nil
}
