// Package fetcher performs the per-domain URL fetch, retry, and content
// matching work for a scan.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tarabot/tarabot/internal/metrics"
	"github.com/tarabot/tarabot/internal/scan"
)

// ErrHalted signals that the halt callback asked the fetch to stop; the
// caller decides what to persist.
var ErrHalted = errors.New("domain fetch halted")

const defaultUserAgent = "Mozilla/5.0 (compatible; TaraBot/1.0; +https://tarabot.com)"

// Options tune the fetcher. Zero values fall back to service defaults.
type Options struct {
	// Client is the HTTP client used for all requests. Tests inject one
	// with a stub RoundTripper.
	Client        *http.Client
	Timeout       time.Duration
	UserAgent     string
	URLBatchSize  int
	SubBatchDelay time.Duration
	Retries       int
	RetryWait     time.Duration
	// HaltEvery is the URL interval between halt-callback checks.
	HaltEvery int
	// MaxBodyBytes bounds how much of a response body is read for matching.
	MaxBodyBytes int64
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 20 * time.Second
	}
	if o.UserAgent == "" {
		o.UserAgent = defaultUserAgent
	}
	if o.URLBatchSize <= 0 {
		o.URLBatchSize = 2
	}
	if o.SubBatchDelay <= 0 {
		o.SubBatchDelay = 500 * time.Millisecond
	}
	if o.Retries <= 0 {
		o.Retries = 3
	}
	if o.RetryWait <= 0 {
		o.RetryWait = 3 * time.Second
	}
	if o.HaltEvery <= 0 {
		o.HaltEvery = 20
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 2 << 20
	}
	if o.Client == nil {
		o.Client = &http.Client{Timeout: o.Timeout}
	}
	return o
}

// Target is one URL to fetch, with the provenance recorded on any match.
type Target struct {
	URL       string
	Domain    string
	Path      string
	Subdomain string
}

// Targets expands a domain into its HTTPS URL set: the apex for every path,
// plus each subdomain prefix when includeSubs is set. Order is deterministic.
func Targets(domain string, includeSubs bool, subdomains, paths []string) []Target {
	if len(paths) == 0 {
		paths = []string{"/"}
	}
	hosts := []struct{ host, sub string }{{domain, ""}}
	if includeSubs {
		for _, sub := range subdomains {
			sub = strings.TrimSpace(sub)
			if sub == "" {
				continue
			}
			hosts = append(hosts, struct{ host, sub string }{sub + "." + domain, sub})
		}
	}

	out := make([]Target, 0, len(hosts)*len(paths))
	for _, h := range hosts {
		for _, p := range paths {
			if !strings.HasPrefix(p, "/") {
				p = "/" + p
			}
			out = append(out, Target{
				URL:       "https://" + h.host + p,
				Domain:    domain,
				Path:      p,
				Subdomain: h.sub,
			})
		}
	}
	return out
}

// Request is one domain's fetch work order.
type Request struct {
	Domain      string
	IncludeSubs bool
	Subdomains  []string
	Paths       []string
	SearchTerms []string
	// Halt is polled periodically; returning true aborts with ErrHalted.
	// May be nil.
	Halt func(ctx context.Context) bool
}

// Outcome is the per-domain summary.
type Outcome struct {
	Results   []scan.Result
	URLsTried int
}

// Fetcher fetches one domain's URLs with bounded concurrency and retries.
type Fetcher struct {
	opts   Options
	logger *zap.Logger
}

// New builds a Fetcher.
func New(opts Options, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{opts: opts.withDefaults(), logger: logger}
}

// ScanDomain fetches the domain's URL set in sub-batches and returns every
// content match. URL-level failures are absorbed: a domain with unreachable
// URLs still counts as scanned. Only a halt or context end aborts early.
func (f *Fetcher) ScanDomain(ctx context.Context, req Request) (Outcome, error) {
	targets := Targets(req.Domain, req.IncludeSubs, req.Subdomains, req.Paths)

	var (
		mu      sync.Mutex
		outcome Outcome
	)
	for start := 0; start < len(targets); start += f.opts.URLBatchSize {
		if err := ctx.Err(); err != nil {
			return outcome, fmt.Errorf("domain fetch canceled: %w", err)
		}
		if req.Halt != nil && start%f.opts.HaltEvery < f.opts.URLBatchSize && req.Halt(ctx) {
			return outcome, ErrHalted
		}

		end := start + f.opts.URLBatchSize
		if end > len(targets) {
			end = len(targets)
		}
		g, gctx := errgroup.WithContext(ctx)
		for _, target := range targets[start:end] {
			target := target
			g.Go(func() error {
				result, ok := f.fetchOne(gctx, target, req.SearchTerms)
				mu.Lock()
				outcome.URLsTried++
				if ok {
					outcome.Results = append(outcome.Results, result)
				}
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return outcome, err
		}

		if end < len(targets) {
			select {
			case <-ctx.Done():
				return outcome, fmt.Errorf("domain fetch canceled: %w", ctx.Err())
			case <-time.After(f.opts.SubBatchDelay):
			}
		}
	}
	return outcome, nil
}

// fetchOne runs the retry loop for one HTTPS URL, falling back to plain HTTP
// once after the retry budget is spent.
func (f *Fetcher) fetchOne(ctx context.Context, target Target, terms []string) (scan.Result, bool) {
	for attempt := 1; attempt <= f.opts.Retries; attempt++ {
		result, ok, retryable := f.tryURL(ctx, target.URL, target, terms)
		if !retryable {
			return result, ok
		}
		if attempt < f.opts.Retries {
			metrics.ObserveFetchRetry()
			select {
			case <-ctx.Done():
				return scan.Result{}, false
			case <-time.After(f.opts.RetryWait * time.Duration(attempt)):
			}
		}
	}

	// HTTPS never produced a verdict; one plain-HTTP attempt, no retries.
	httpURL := "http://" + strings.TrimPrefix(target.URL, "https://")
	f.logger.Debug("falling back to http", zap.String("url", httpURL))
	result, ok, _ := f.tryURL(ctx, httpURL, target, terms)
	return result, ok
}

// tryURL performs one request. It reports the result (if matched), whether a
// result was produced, and whether the failure is worth retrying.
func (f *Fetcher) tryURL(ctx context.Context, url string, target Target, terms []string) (scan.Result, bool, bool) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		f.logger.Debug("build request failed", zap.String("url", url), zap.Error(err))
		return scan.Result{}, false, false
	}
	httpReq.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.opts.Client.Do(httpReq)
	if err != nil {
		// Transport-level failures (DNS, TLS, timeouts) are retryable.
		metrics.ObserveFetch("error")
		f.logger.Debug("fetch failed", zap.String("url", url), zap.Error(err))
		return scan.Result{}, false, true
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		metrics.ObserveFetch("retryable_status")
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return scan.Result{}, false, true
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Other client errors are a definitive non-match.
		metrics.ObserveFetch("non_match_status")
		return scan.Result{}, false, false
	}
	if !textualContent(resp.Header.Get("Content-Type")) {
		metrics.ObserveFetch("skipped_content_type")
		return scan.Result{}, false, false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBodyBytes))
	if err != nil {
		metrics.ObserveFetch("error")
		f.logger.Debug("read body failed", zap.String("url", url), zap.Error(err))
		return scan.Result{}, false, true
	}

	found := MatchTerms(body, resp.Header.Get("Content-Type"), terms)
	if len(found) == 0 {
		metrics.ObserveFetch("no_match")
		return scan.Result{}, false, false
	}
	metrics.ObserveFetch("match")
	return scan.Result{
		URL:         url,
		Domain:      target.Domain,
		Path:        target.Path,
		Subdomain:   target.Subdomain,
		SearchTerms: terms,
		FoundTerms:  found,
		StatusCode:  resp.StatusCode,
		Timestamp:   time.Now().UTC(),
	}, true, false
}

func textualContent(contentType string) bool {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "text/"),
		strings.Contains(ct, "application/json"),
		strings.Contains(ct, "application/xml"),
		strings.Contains(ct, "application/xhtml"),
		strings.Contains(ct, "application/javascript"):
		return true
	case ct == "":
		// Servers that omit the header still get matched; HTML without a
		// content type is common enough on small hosts.
		return true
	default:
		return false
	}
}
