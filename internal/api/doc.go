// Package api implements the HTTP status API of the warden daemon.
//
// # Overview
//
// The API exposes supervised processes and workflow instances as JSON,
// lets clients start, cancel and resume workflows, streams hub events over
// a websocket and serves Prometheus metrics.
//
// # Endpoints
//
//   - GET  /health                     - liveness
//   - GET  /v1/status                  - uptime and counts
//   - GET  /v1/processes               - process records (?name=)
//   - GET  /v1/processes/{id}          - one process record
//   - GET  /v1/processes/{id}/stats    - recent CPU and memory samples
//   - GET  /v1/definitions             - registered workflows
//   - GET  /v1/workflows               - instances (?workflow=&status=a,b)
//   - GET  /v1/workflows/{id}          - one instance
//   - GET  /v1/workflows/{id}/logs     - buffered executor logs (?limit=)
//   - POST /v1/workflows/{name}/start  - start an instance
//   - POST /v1/workflows/{id}/cancel   - cancel a running instance
//   - POST /v1/workflows/{id}/resume   - resume a failed or cancelled instance
//   - GET  /v1/audit                   - control action log (?action=&resource=&since=&limit=)
//   - GET  /v1/events                  - websocket event stream (?topics=)
//   - GET  /metrics                    - Prometheus metrics
//
// The POST endpoints are rate limited per client host. A client over its
// budget gets 429 with a Retry-After header, and the rejection is audited.
//
// # Adding New Endpoints
//
//  1. Create handler function: func (s *Server) handleFoo(w, r)
//  2. Register route in initRoutes() in server.go
package api
