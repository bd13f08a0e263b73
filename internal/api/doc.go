// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status, /v1/history, and /v1/sources for service state.
//   - POST /v1/updates to run sources now; PUT /v1/auto-update to schedule.
//   - GET /v1/grading for an on-demand population lookup.
//   - GET /v1/progress streams run milestones as server-sent events.
package api
