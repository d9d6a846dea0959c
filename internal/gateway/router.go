// ABOUTME: HTTP route table for the tenant API and health endpoints
// ABOUTME: Every /api route runs behind the tenant token middleware

package gateway

import (
	"log/slog"
	"net/http"

	"github.com/2389/tether-gateway/internal/auth"
)

// routes builds the HTTP handler. Health endpoints need no token.
func (g *Gateway) routes(logger *slog.Logger) http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/sessions", g.handleCreateSession)
	api.HandleFunc("GET /api/sessions", g.handleListSessions)
	api.HandleFunc("GET /api/sessions/{id}", g.handleGetSession)
	api.HandleFunc("DELETE /api/sessions/{id}", g.handleDeleteSession)
	api.HandleFunc("POST /api/sessions/{id}/pairing", g.sessionCommand(regenerate))
	api.HandleFunc("POST /api/sessions/{id}/disconnect", g.sessionCommand(disconnect))
	api.HandleFunc("POST /api/sessions/{id}/connect", g.sessionCommand(connect))
	api.HandleFunc("POST /api/sessions/{id}/messages", g.handleSendMessage)
	api.HandleFunc("GET /api/sessions/{id}/messages", g.handleListMessages)
	api.HandleFunc("GET /api/sessions/{id}/events", g.handleSessionEvents)
	api.HandleFunc("GET /api/sessions/{id}/ws", g.handleSessionSocket)
	api.HandleFunc("PUT /api/webhook", g.handleUpdateWebhook)
	api.HandleFunc("GET /api/webhook/dead-letters", g.handleListDeadLetters)
	api.HandleFunc("POST /api/webhook/dead-letters/{id}/replay", g.handleReplayDeadLetter)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	mux.Handle("/api/", auth.HTTPAuthMiddleware(g.store, g.verifier, logger)(api))
	return mux
}
