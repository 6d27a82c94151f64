// Package api hosts the operator HTTP server. Routes:
//   - GET /healthz and /readyz for liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/lanes and /v1/lanes/{lane} for in-flight lane progress.
//   - GET /v1/checkpoints/{lane} for the persisted resume point.
//   - GET /v1/summary for snapshot counts (never the records themselves).
package api
