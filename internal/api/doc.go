// Package api hosts the optional status server for a running crawl. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/run for run progress.
//   - GET /v1/papers/{id} for a stored paper.
//   - GET /v1/dead-letters?limit=&offset= for abandoned ids.
package api
