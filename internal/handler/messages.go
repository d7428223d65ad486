package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/campushq/messaging/internal/middleware"
	"github.com/campushq/messaging/internal/model"
	"github.com/campushq/messaging/internal/service"
	"github.com/campushq/messaging/pkg/logger"
)

// MessageHandler handles message log endpoints.
type MessageHandler struct {
	service *service.MessageService
	logger  *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(svc *service.MessageService, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		service: svc,
		logger:  log,
	}
}

// History handles GET /api/v1/conversations/{id}/messages.
// Optional query params: limit (default all), before_seq for backfill.
func (h *MessageHandler) History(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	var beforeSeq int64
	if b := r.URL.Query().Get("before_seq"); b != "" {
		if parsed, err := strconv.ParseInt(b, 10, 64); err == nil && parsed > 0 {
			beforeSeq = parsed
		}
	}

	msgs, err := h.service.History(ctx, conversationID, userID, limit, beforeSeq)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	var lastSeq int64
	if len(msgs) > 0 {
		lastSeq = msgs[len(msgs)-1].Seq
	}
	writeJSON(w, http.StatusOK, model.ListMessagesResponse{
		Messages: msgs,
		LastSeq:  lastSeq,
	})
}

// MarkRead handles PUT /api/v1/conversations/{id}/read
func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.service.MarkRead(ctx, conversationID, userID); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
