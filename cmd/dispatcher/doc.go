// Package main hosts the edge dispatcher entrypoint.
//
// Architecture overview:
//   - Public listener: internal/dispatcher.Handler accepts every method, path and host. The Host header is
//     normalized and classified: the fixed preview hostnames are routed straight to their engine, every other
//     hostname is looked up in the domain store to find its environment.
//   - Domain store: memory, file (YAML with fsnotify hot reload), Postgres, or GCS (one JSON object per hostname).
//     An optional TTL cache with negative caching fronts the store, and a Pub/Sub subscriber evicts entries when a
//     domain is reconfigured.
//   - Forwarding: httputil.ReverseProxy streams the request to the dev, preview or production engine with the
//     reserved X-Firebuzz-* trust headers stripped from the client request and re-set from the routing decision.
//   - Admin listener: internal/api.Server exposes /healthz, /readyz, /metrics, a resolve debug endpoint and cache
//     controls on a separate port.
//
// Quick checklist:
//   - Configure env vars: DISPATCHER_SERVER_PORT, DISPATCHER_ENGINES_{DEV,PREVIEW,PRODUCTION},
//     DISPATCHER_STORE_BACKEND and the matching DISPATCHER_STORE_* settings.
//   - Run locally: go run ./cmd/dispatcher -config config.yaml (or rely solely on env overrides).
//   - The process drains in-flight requests on SIGTERM, bounded by server.shutdown_timeout.
package main
