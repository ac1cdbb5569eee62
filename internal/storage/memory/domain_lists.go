package memory

import (
	"context"
	"fmt"
	"sync"
)

// DomainLists is an in-memory scan.DomainProvider with registration support,
// used in development mode and tests.
type DomainLists struct {
	mu    sync.RWMutex
	lists map[string][]string
}

// NewDomainLists returns an empty provider.
func NewDomainLists() *DomainLists {
	return &DomainLists{lists: make(map[string][]string)}
}

// Register stores the ordered domain array under the list id, replacing any
// previous contents.
func (p *DomainLists) Register(listID string, domains []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lists[listID] = append([]string(nil), domains...)
}

// Domains returns a copy of the list's domain array.
func (p *DomainLists) Domains(_ context.Context, listID string) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	domains, ok := p.lists[listID]
	if !ok {
		return nil, fmt.Errorf("domain list %q not found", listID)
	}
	return append([]string(nil), domains...), nil
}
