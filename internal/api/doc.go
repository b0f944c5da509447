// Package api hosts the admin HTTP server, its middleware, and the operator
// handlers. It listens separately from the dispatcher so that probes and
// debugging never compete with tenant traffic. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes; readyz pings the domain store.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/resolve/{hostname} to see where a hostname would be dispatched.
//   - DELETE /v1/cache/{hostname} and POST /v1/cache/purge to evict cached records.
package api
