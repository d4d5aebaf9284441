// Package api hosts the HTTP server, middleware, and REST handlers for the
// crawl engine. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/sessions to create (and optionally start) a crawl session.
//   - POST /v1/sessions/{id}/start|pause|resume|cancel for lifecycle control.
//   - GET /v1/sessions/{id}/status for the live progress view.
//   - GET /v1/sessions/{id}/pages and /errors for crawled pages and the error log.
package api
