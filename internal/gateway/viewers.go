// ABOUTME: Live viewer endpoints streaming session frames over NDJSON or WebSocket
// ABOUTME: Each request registers a viewer with the broadcaster for its lifetime

package gateway

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/2389/tether-gateway/internal/broadcast"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Viewers authenticate with a tenant token, not cookies, so any origin may connect.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleSessionEvents handles GET /api/sessions/{id}/events as an NDJSON stream.
func (g *Gateway) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	info, ok := g.ownedSession(w, r)
	if !ok {
		return
	}

	viewer := broadcast.NewStreamViewer(g.config.Viewers.BufferSize)
	if err := g.viewers.AddViewer(info.ID, viewer); err != nil {
		g.viewerRejected(w, err)
		return
	}
	defer g.viewers.RemoveViewer(info.ID, viewer.ID())

	if err := viewer.Serve(r.Context(), w); err != nil && r.Context().Err() == nil {
		g.logger.Debug("stream viewer ended", "session_id", info.ID, "viewer_id", viewer.ID(), "error", err)
	}
}

// handleSessionSocket handles GET /api/sessions/{id}/ws.
func (g *Gateway) handleSessionSocket(w http.ResponseWriter, r *http.Request) {
	info, ok := g.ownedSession(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		g.logger.Debug("websocket upgrade failed", "session_id", info.ID, "error", err)
		return
	}

	viewer := broadcast.NewSocketViewer(conn, g.config.Viewers.BufferSize)
	if err := g.viewers.AddViewer(info.ID, viewer); err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
		_ = conn.Close()
		return
	}
	defer g.viewers.RemoveViewer(info.ID, viewer.ID())

	if err := viewer.Serve(r.Context()); err != nil {
		g.logger.Debug("socket viewer ended", "session_id", info.ID, "viewer_id", viewer.ID(), "error", err)
	}
}

func (g *Gateway) viewerRejected(w http.ResponseWriter, err error) {
	if errors.Is(err, broadcast.ErrClosed) {
		g.sendJSONError(w, http.StatusServiceUnavailable, "gateway shutting down")
		return
	}
	g.sendJSONError(w, http.StatusInternalServerError, "could not attach viewer")
}
