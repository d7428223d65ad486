package handler

import (
	"net/http"

	"github.com/campushq/messaging/internal/middleware"
	"github.com/campushq/messaging/internal/realtime"
)

// WSHandler exposes the event transport endpoint.
type WSHandler struct {
	hub *realtime.Hub
}

// NewWSHandler creates a new websocket handler.
func NewWSHandler(hub *realtime.Hub) *WSHandler {
	return &WSHandler{hub: hub}
}

// Serve handles GET /ws. Identity comes from the auth middleware; the hub
// owns the connection from here.
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}
	h.hub.ServeWS(w, r, userID)
}
