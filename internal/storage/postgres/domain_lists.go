package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// DomainLists reads ordered domain arrays from the domain_lists table.
type DomainLists struct {
	pool db
}

// NewDomainLists constructs a provider over an existing pool.
func NewDomainLists(pool db) (*DomainLists, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &DomainLists{pool: pool}, nil
}

// Domains returns the list's domain array in stored order.
func (p *DomainLists) Domains(ctx context.Context, listID string) ([]string, error) {
	var raw []byte
	row := p.pool.QueryRow(ctx, `SELECT domains FROM domain_lists WHERE id = $1`, listID)
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("domain list %q not found", listID)
		}
		return nil, fmt.Errorf("read domain list: %w", err)
	}
	var domains []string
	if err := json.Unmarshal(raw, &domains); err != nil {
		return nil, fmt.Errorf("unmarshal domain list: %w", err)
	}
	return domains, nil
}

// Upsert stores the ordered domain array under the list id.
func (p *DomainLists) Upsert(ctx context.Context, listID, name string, domains []string) error {
	raw, err := json.Marshal(emptyIfNil(domains))
	if err != nil {
		return fmt.Errorf("marshal domain list: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
INSERT INTO domain_lists (id, name, domains) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, domains = EXCLUDED.domains`,
		listID, name, raw)
	if err != nil {
		return fmt.Errorf("upsert domain list: %w", err)
	}
	return nil
}
