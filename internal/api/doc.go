// Package api hosts the admin HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/zones to enqueue a seed job.
//   - GET /v1/zones/{slug} and /v1/domains/{name} to inspect the graph.
package api
