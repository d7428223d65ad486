package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"

	"github.com/campushq/messaging/internal/cache"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	pool   *pgxpool.Pool
	unread cache.Unread
	nc     *nats.Conn
}

// NewHealthHandler creates a new health handler. unread and nc may be nil
// when the deployment runs without them.
func NewHealthHandler(pool *pgxpool.Pool, unread cache.Unread, nc *nats.Conn) *HealthHandler {
	return &HealthHandler{
		pool:   pool,
		unread: unread,
		nc:     nc,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.pool == nil || h.pool.Ping(ctx) != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "postgres not reachable",
		})
		return
	}

	if h.unread != nil {
		if err := h.unread.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"reason": "redis not reachable",
			})
			return
		}
	}

	if h.nc != nil && !h.nc.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "NATS not connected",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
