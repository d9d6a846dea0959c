// ABOUTME: HTTP API handlers for tenant session management and messaging
// ABOUTME: Maps orchestrator results to JSON responses and typed errors to status codes

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/2389/tether-gateway/internal/auth"
	"github.com/2389/tether-gateway/internal/driver"
	"github.com/2389/tether-gateway/internal/orchestrator"
	"github.com/2389/tether-gateway/internal/session"
	"github.com/2389/tether-gateway/internal/store"
	"github.com/2389/tether-gateway/internal/webhook"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 500
	maxRequestBody      = 64 << 10
)

// SessionResponse is the JSON shape of one session.
type SessionResponse struct {
	session.Info
	QueueLength int `json:"queue_length"`
}

// ListSessionsResponse is the JSON response for GET /api/sessions.
type ListSessionsResponse struct {
	Sessions []SessionResponse `json:"sessions"`
}

// SendMessageRequest is the JSON request body for POST /api/sessions/{id}/messages.
type SendMessageRequest struct {
	To   string `json:"to,omitempty"`  // phone number, any formatting
	JID  string `json:"jid,omitempty"` // protocol-native address, wins over To
	Body string `json:"body"`
}

// ListMessagesResponse is the JSON response for GET /api/sessions/{id}/messages.
type ListMessagesResponse struct {
	SessionID string           `json:"session_id"`
	Messages  []*store.Message `json:"messages"`
}

// UpdateWebhookRequest is the JSON request body for PUT /api/webhook.
type UpdateWebhookRequest struct {
	URL    string `json:"url"`
	Secret string `json:"secret,omitempty"`
}

// WebhookResponse describes a tenant's webhook configuration.
type WebhookResponse struct {
	TenantID  string `json:"tenant_id"`
	URL       string `json:"url"`
	HasSecret bool   `json:"has_secret"`
}

// ListDeadLettersResponse is the JSON response for GET /api/webhook/dead-letters.
type ListDeadLettersResponse struct {
	Letters []webhook.Letter `json:"letters"`
}

// writeJSON writes v with the given status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}

// sendError maps orchestrator and store errors to HTTP statuses.
func (g *Gateway) sendError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, driver.ErrInvalidRecipient), errors.Is(err, orchestrator.ErrEmptyBody):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, orchestrator.ErrSessionNotFound), errors.Is(err, store.ErrNotFound),
		errors.Is(err, webhook.ErrLetterNotFound):
		g.sendJSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, session.ErrInvalidTransition):
		g.sendJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, orchestrator.ErrClosed):
		g.sendJSONError(w, http.StatusServiceUnavailable, "gateway shutting down")
	default:
		g.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// decodeBody decodes a bounded JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

// ownedSession resolves the {id} path value to a session of the calling
// tenant. Sessions of other tenants are reported as not found.
func (g *Gateway) ownedSession(w http.ResponseWriter, r *http.Request) (session.Info, bool) {
	tenant := auth.MustTenant(r.Context())
	info, err := g.orchestrator.Session(r.PathValue("id"))
	if err != nil || info.TenantID != tenant.ID {
		g.sendJSONError(w, http.StatusNotFound, "session not found")
		return session.Info{}, false
	}
	return info, true
}

func (g *Gateway) sessionResponse(info session.Info) SessionResponse {
	return SessionResponse{Info: info, QueueLength: g.orchestrator.QueueLen(info.ID)}
}

// handleCreateSession handles POST /api/sessions.
func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	tenant := auth.MustTenant(r.Context())
	info, err := g.orchestrator.CreateSession(r.Context(), tenant.ID)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	g.logger.Info("session created", "tenant_id", tenant.ID, "session_id", info.ID)
	g.writeJSON(w, http.StatusCreated, g.sessionResponse(info))
}

// handleListSessions handles GET /api/sessions.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	tenant := auth.MustTenant(r.Context())
	infos := g.orchestrator.Sessions(tenant.ID)
	resp := ListSessionsResponse{Sessions: make([]SessionResponse, 0, len(infos))}
	for _, info := range infos {
		resp.Sessions = append(resp.Sessions, g.sessionResponse(info))
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleGetSession handles GET /api/sessions/{id}.
func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	info, ok := g.ownedSession(w, r)
	if !ok {
		return
	}
	g.writeJSON(w, http.StatusOK, g.sessionResponse(info))
}

// handleDeleteSession handles DELETE /api/sessions/{id}.
func (g *Gateway) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	info, ok := g.ownedSession(w, r)
	if !ok {
		return
	}
	found, err := g.orchestrator.DeleteSession(r.Context(), info.ID)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	if !found {
		g.sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// sessionCommand runs an operator command against an owned session and
// replies with the session's state afterwards.
func (g *Gateway) sessionCommand(run func(*Gateway, *http.Request, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, ok := g.ownedSession(w, r)
		if !ok {
			return
		}
		if err := run(g, r, info.ID); err != nil {
			g.sendError(w, r, err)
			return
		}
		info, err := g.orchestrator.Session(info.ID)
		if err != nil {
			g.sendError(w, r, err)
			return
		}
		g.writeJSON(w, http.StatusAccepted, g.sessionResponse(info))
	}
}

func regenerate(g *Gateway, r *http.Request, id string) error {
	return g.orchestrator.Regenerate(r.Context(), id)
}

func disconnect(g *Gateway, r *http.Request, id string) error {
	return g.orchestrator.Disconnect(r.Context(), id)
}

func connect(g *Gateway, r *http.Request, id string) error {
	return g.orchestrator.Connect(r.Context(), id)
}

// handleSendMessage handles POST /api/sessions/{id}/messages.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	info, ok := g.ownedSession(w, r)
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := decodeBody(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := g.orchestrator.SendMessage(r.Context(), info.ID, driver.Recipient{Phone: req.To, JID: req.JID}, req.Body)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusAccepted, msg)
}

// handleListMessages handles GET /api/sessions/{id}/messages?limit=N.
func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	info, ok := g.ownedSession(w, r)
	if !ok {
		return
	}

	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	msgs, err := g.store.ListMessages(r.Context(), info.ID, limit)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []*store.Message{}
	}
	g.writeJSON(w, http.StatusOK, ListMessagesResponse{SessionID: info.ID, Messages: msgs})
}

// parseLimit parses the limit query parameter, clamping it to maxMessageLimit.
func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultMessageLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, maxMessageLimit), nil
}

// handleUpdateWebhook handles PUT /api/webhook. An empty URL disables webhooks.
func (g *Gateway) handleUpdateWebhook(w http.ResponseWriter, r *http.Request) {
	tenant := auth.MustTenant(r.Context())

	var req UpdateWebhookRequest
	if err := decodeBody(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if err := validateWebhookURL(req.URL); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := g.store.UpdateTenantWebhook(r.Context(), tenant.ID, req.URL, req.Secret); err != nil {
		g.sendError(w, r, err)
		return
	}
	g.logger.Info("tenant webhook updated", "tenant_id", tenant.ID, "enabled", req.URL != "")
	g.writeJSON(w, http.StatusOK, WebhookResponse{
		TenantID:  tenant.ID,
		URL:       req.URL,
		HasSecret: req.Secret != "",
	})
}

func validateWebhookURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return errors.New("webhook url must be an absolute http(s) url")
	}
	return nil
}

// handleListDeadLetters handles GET /api/webhook/dead-letters?limit=N.
func (g *Gateway) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	tenant := auth.MustTenant(r.Context())
	if g.deadLetters == nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "dead letters are disabled")
		return
	}

	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	letters, err := g.deadLetters.List(tenant.ID, limit)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	if letters == nil {
		letters = []webhook.Letter{}
	}
	g.writeJSON(w, http.StatusOK, ListDeadLettersResponse{Letters: letters})
}

// handleReplayDeadLetter handles POST /api/webhook/dead-letters/{id}/replay.
// The letter is resent to the tenant's current webhook.
func (g *Gateway) handleReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	tenant := auth.MustTenant(r.Context())
	if g.deadLetters == nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "dead letters are disabled")
		return
	}

	id := r.PathValue("id")
	letter, err := g.deadLetters.Get(id)
	if err != nil || letter.TenantID != tenant.ID {
		g.sendJSONError(w, http.StatusNotFound, "dead letter not found")
		return
	}
	if tenant.WebhookURL == "" {
		g.sendJSONError(w, http.StatusConflict, "tenant has no webhook url")
		return
	}

	target := webhook.Target{TenantID: tenant.ID, URL: tenant.WebhookURL, Secret: tenant.WebhookSecret}
	if err := g.webhooks.Replay(id, target); err != nil {
		g.sendError(w, r, err)
		return
	}
	g.logger.Info("dead letter replayed", "tenant_id", tenant.ID, "letter_id", id, "event", letter.Event.Type)
	w.WriteHeader(http.StatusAccepted)
}

// handleHealth returns 200 OK while the process is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the store answers and the gateway is not draining.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if g.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("shutting down"))
		return
	}
	if _, err := g.store.ListTenants(r.Context()); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d sessions)", g.orchestrator.SessionCount())
}
