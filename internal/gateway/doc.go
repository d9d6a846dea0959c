// Package gateway assembles the tether-gateway server.
//
// # Overview
//
// A Gateway owns the record store, the connection driver, the webhook
// dispatcher (with its optional bbolt dead-letter box), the viewer
// broadcaster and the session orchestrator, and exposes them over HTTP and a
// gRPC health endpoint. Run restores stored sessions, serves until its context
// is canceled, then shuts down in order: viewers are told, servers stop,
// session actors stop without logging out, webhooks drain and storage closes.
//
// # HTTP API
//
// Every /api route requires a tenant token (see package auth). Sessions of
// other tenants are reported as 404.
//
//	POST   /api/sessions                              create a session, starts pairing
//	GET    /api/sessions                              list the tenant's sessions
//	GET    /api/sessions/{id}                         session state and queue length
//	DELETE /api/sessions/{id}                         log out, purge and delete
//	POST   /api/sessions/{id}/pairing                 regenerate the pairing code
//	POST   /api/sessions/{id}/disconnect              drop the link, keep credentials
//	POST   /api/sessions/{id}/connect                 resume or start pairing
//	POST   /api/sessions/{id}/messages                queue an outbound message
//	GET    /api/sessions/{id}/messages?limit=N        recent messages
//	GET    /api/sessions/{id}/events                  NDJSON viewer stream
//	GET    /api/sessions/{id}/ws                      WebSocket viewer stream
//	PUT    /api/webhook                               set webhook url and secret
//	GET    /api/webhook/dead-letters                  undeliverable webhook events
//	POST   /api/webhook/dead-letters/{id}/replay      resend one to the current webhook
//	GET    /health                                    liveness
//	GET    /health/ready                              readiness
//
// Errors are JSON objects {"error": "..."}: 400 for invalid input, 404 for
// unknown sessions, 409 for commands the session's state does not allow and
// 503 while shutting down.
//
// # gRPC
//
// The standard grpc.health.v1 service reports "" as SERVING while the gateway
// runs and "session/<id>" as SERVING while that session is connected.
//
// # Tailscale
//
// With tailscale.enabled the gateway joins the tailnet through tsnet and
// listens there instead (HTTP on :80, or Funnel on :443; gRPC on :50051).
package gateway
