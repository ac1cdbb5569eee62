// Package main hosts the tarabot service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes scan lifecycle endpoints
//     (create/start/pause/cancel/delete, results) plus queue controls,
//     health probes, and Prometheus metrics.
//   - Durable queue: internal/queue provides priority ordering, delayed
//     retries with exponential backoff, lease-based stalled-job recovery,
//     and bounded retention, backed by Postgres or memory.
//   - Scan loop: internal/processor iterates domain batches, checkpointing
//     the current index after every batch so an interrupted scan resumes
//     where it left off rather than restarting.
//   - Fetch pipeline: internal/fetcher expands each domain into URL targets,
//     fetches them in small concurrent sub-batches with per-URL retries and
//     an HTTPS-to-HTTP fallback, and matches search terms against both raw
//     bytes and rendered HTML text.
//   - Stop coordination: internal/stopset layers an in-process flag cache
//     over a durable TTL'd store so pause and cancel reach running loops
//     across process boundaries.
//
// Run locally: go run ./cmd/tarabot serve --config config.yaml (or rely on
// TARABOT_* environment overrides). The process reacts to SIGINT/SIGTERM
// with graceful drain; interrupted scans resume from their checkpoints.
package main

import "github.com/tarabot/tarabot/cmd"

func main() {
	cmd.Execute()
}
