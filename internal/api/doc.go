// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/stats/latest for the latest run's category report.
//   - POST /v1/runs/collect and /v1/runs/backfill to trigger runs; only one
//     run executes at a time.
//   - GET /v1/runs/current for the state of the active or last run.
package api
