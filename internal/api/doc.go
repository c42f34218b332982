// Package api hosts the dashboard HTTP server, middleware, and handlers.
// Notable routes:
//   - GET /state for the dashboard projection {runs, versions, url}.
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/diff for the unified diff of a changed chunk.
//   - GET /v1/events for drift events via the EventRepository interface.
package api
