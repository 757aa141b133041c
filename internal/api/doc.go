// Package api hosts the HTTP server, middleware, and handlers for the audit
// service. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /functions/{stage} to invoke a pipeline stage.
//   - GET /v1/jobs/{job_id} and /v1/jobs/{job_id}/logs for job inspection.
package api
