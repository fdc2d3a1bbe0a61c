// Package api hosts the HTTP server, middleware, and REST handlers of the
// banner inspector. Notable routes:
//   - GET /healthz and /readyz for Kubernetes liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/crawl for a stateless extraction of one page.
//   - POST /v1/collections to crawl and persist a collection.
//   - POST /v1/jobs and /v1/jobs/process to create and dispatch inspection jobs.
//   - GET /v1/jobs/{id}/logs and /v1/banners/{id}/result for audit outcomes.
package api
