package processor

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tarabot/tarabot/internal/fetcher"
	"github.com/tarabot/tarabot/internal/scan"
)

// batchOutcome is the per-batch summary handed back to the main loop.
type batchOutcome struct {
	Scanned int
	Found   int
	Stopped bool
}

// runBatch processes one slice of domains sequentially. Matches are persisted
// as they arrive; a stop observed mid-batch returns the partial counts with
// Stopped set. Only persistence failures abort the batch with an error —
// unreachable domains still count as scanned.
func (p *Processor) runBatch(ctx context.Context, scanner DomainScanner, payload scan.JobPayload, domains []string, startIndex int) (batchOutcome, error) {
	var out batchOutcome
	halt := func(ctx context.Context) bool {
		return p.stops.Stopped(ctx, payload.ScanID)
	}

	for n, domain := range domains {
		if p.stops.Stopped(ctx, payload.ScanID) {
			out.Stopped = true
			return out, nil
		}

		fetched, err := scanner.ScanDomain(ctx, fetcher.Request{
			Domain:      domain,
			IncludeSubs: payload.IncludeSubs,
			Subdomains:  payload.Subdomains,
			Paths:       payload.Paths,
			SearchTerms: payload.SearchTerms,
			Halt:        halt,
		})

		// Matches collected before a halt or error are kept.
		for _, result := range fetched.Results {
			if appendErr := p.results.Append(ctx, payload.ScanID, result); appendErr != nil {
				return out, fmt.Errorf("append result for %s: %w", domain, appendErr)
			}
			out.Found++
		}

		if errors.Is(err, fetcher.ErrHalted) {
			out.Stopped = true
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("scan domain %s: %w", domain, err)
		}

		out.Scanned++
		p.logger.Debug("domain scanned",
			zap.String("scan_id", payload.ScanID),
			zap.String("domain", domain),
			zap.Int("index", startIndex+n),
			zap.Int("urls", fetched.URLsTried),
			zap.Int("matches", len(fetched.Results)))
	}
	return out, nil
}
