package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/campushq/messaging/internal/model"
	"github.com/campushq/messaging/internal/queue"
	"github.com/campushq/messaging/internal/relay"
	"github.com/campushq/messaging/internal/service"
	"github.com/campushq/messaging/pkg/logger"
	"github.com/campushq/messaging/pkg/metrics"
)

const (
	readLimit   = 1 << 20 // 1MB payload cap
	readTimeout = 60 * time.Second
	callTimeout = 5 * time.Second
)

// Hub is the event broker endpoint. It upgrades connections, dispatches
// inbound frames, and is the sole mutator of room and typing state.
// Broadcast happens only after the durable append succeeds, so any peer
// that observes a message can always re-fetch it from history.
type Hub struct {
	router        *Router
	typing        *TypingTracker
	messages      *service.MessageService
	conversations *service.ConversationService
	relay         *relay.Relay
	notify        queue.Client
	logger        *logger.Logger
	upgrader      websocket.Upgrader
}

// NewHub wires the broker. relay and notify may be nil for single-instance
// deployments without a task queue.
func NewHub(
	router *Router,
	messages *service.MessageService,
	conversations *service.ConversationService,
	rl *relay.Relay,
	notify queue.Client,
	typingTimeout time.Duration,
	log *logger.Logger,
) *Hub {
	h := &Hub{
		router:        router,
		messages:      messages,
		conversations: conversations,
		relay:         rl,
		notify:        notify,
		logger:        log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Identity comes from the bearer credential, not the Origin
			// header; browsers enforce their own policies upstream.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	h.typing = NewTypingTracker(typingTimeout, h.typingExpired)
	return h
}

// DeliverRemote feeds an event relayed from a peer instance into the local
// room. Wired as the relay's subscribe hook.
func (h *Hub) DeliverRemote(conversationID, excludeUserID string, frame []byte) {
	h.router.BroadcastExceptUser(conversationID, frame, excludeUserID)
}

// ServeWS upgrades the request and processes frames until the client
// disconnects. userID must come from the authenticated request context.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response.
		return
	}

	sess := NewSession(userID, ws)
	h.router.Attach(sess)
	log := h.logger.WithSession(sess.ID, userID)
	log.Info("session connected")

	defer func() {
		h.stopTypingEverywhere(sess)
		h.router.Detach(sess)
		sess.Close(websocket.CloseNormalClosure, "session closed")
		log.Info("session disconnected")
	}()

	ws.SetReadLimit(readLimit)
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	h.sendFrame(sess, model.Frame{Type: model.EventConnected})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
				errors.Is(err, websocket.ErrCloseSent) {
				return
			}
			return
		}

		var frame model.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.sendError(sess, "bad_request", "invalid frame", nil)
			continue
		}

		switch frame.Type {
		case model.EventJoin:
			h.handleJoin(r.Context(), sess, frame)
		case model.EventLeave:
			h.handleLeave(sess, frame)
		case model.EventNewMessage:
			h.handleNewMessage(r.Context(), sess, frame)
		case model.EventTyping:
			h.handleTyping(sess, frame, true)
		case model.EventStopTyping:
			h.handleTyping(sess, frame, false)
		default:
			h.sendError(sess, "unsupported_type", "unknown frame type", nil)
		}
	}
}

func (h *Hub) handleJoin(parent context.Context, sess *Session, frame model.Frame) {
	if frame.ConversationID == "" {
		h.sendError(sess, "bad_request", "conversation_id is required", nil)
		return
	}

	ctx, cancel := context.WithTimeout(parent, callTimeout)
	defer cancel()

	conv, err := h.conversations.Get(ctx, frame.ConversationID)
	if err != nil {
		h.sendServiceError(sess, err, nil)
		return
	}
	if !conv.HasParticipant(sess.UserID) {
		h.sendError(sess, "forbidden", "not a participant of this conversation", nil)
		return
	}

	h.router.Join(frame.ConversationID, sess)
	h.sendFrame(sess, model.Frame{Type: model.EventJoined, ConversationID: frame.ConversationID})
}

func (h *Hub) handleLeave(sess *Session, frame model.Frame) {
	if frame.ConversationID == "" {
		h.sendError(sess, "bad_request", "conversation_id is required", nil)
		return
	}
	h.router.Leave(frame.ConversationID, sess)
	h.sendFrame(sess, model.Frame{Type: model.EventLeft, ConversationID: frame.ConversationID})
}

func (h *Hub) handleNewMessage(parent context.Context, sess *Session, frame model.Frame) {
	if frame.ConversationID == "" {
		h.sendError(sess, "bad_request", "conversation_id is required", nil)
		return
	}

	var payload model.SendPayload
	if frame.Payload != nil {
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			h.sendError(sess, "bad_request", "invalid message payload", nil)
			return
		}
	}
	if payload.Kind == "" {
		payload.Kind = model.KindText
	}

	ctx, cancel := context.WithTimeout(parent, callTimeout)
	defer cancel()

	// Durable append first; nothing is broadcast on failure, and the sender
	// learns so it can mark its optimistic echo unsent.
	msg, err := h.messages.Append(ctx, frame.ConversationID, sess.UserID, &model.SendMessageRequest{
		Content:   payload.Content,
		Kind:      payload.Kind,
		FileURL:   payload.FileURL,
		DedupeKey: payload.DedupeKey,
	})
	if err != nil {
		h.sendServiceError(sess, err, payload.DedupeKey)
		return
	}

	// Composer sent something; their typing indicator is moot.
	if h.typing.Stop(frame.ConversationID, sess.UserID) {
		h.broadcastTyping(frame.ConversationID, sess.UserID, "", false, sess.ID)
	}

	out, err := marshalFrame(model.Frame{
		Type:           model.EventMessageReceived,
		ConversationID: frame.ConversationID,
	}, model.MessagePayload{Message: *msg})
	if err != nil {
		h.sendError(sess, "internal_error", "failed to encode message", payload.DedupeKey)
		return
	}

	reached := h.router.Broadcast(frame.ConversationID, out, sess.ID)
	h.relay.Publish(frame.ConversationID, sess.UserID, out)

	ack, err := marshalFrame(model.Frame{
		Type:           model.EventMessageAck,
		ConversationID: frame.ConversationID,
	}, model.MessagePayload{Message: *msg})
	if err == nil {
		_ = sess.Send(ack)
	}

	h.notifyOffline(ctx, msg, reached)
}

func (h *Hub) handleTyping(sess *Session, frame model.Frame, start bool) {
	// Typing is best-effort and never a hard error.
	if frame.ConversationID == "" {
		return
	}

	var payload model.TypingPayload
	if frame.Payload != nil {
		_ = json.Unmarshal(frame.Payload, &payload)
	}

	if start {
		h.typing.Touch(frame.ConversationID, sess.UserID)
		metrics.TypingEventsTotal.WithLabelValues("typing").Inc()
	} else {
		if !h.typing.Stop(frame.ConversationID, sess.UserID) {
			return
		}
		metrics.TypingEventsTotal.WithLabelValues("stop_typing").Inc()
	}

	h.broadcastTyping(frame.ConversationID, sess.UserID, payload.SenderName, start, sess.ID)
}

// typingExpired is the tracker callback: the composer went quiet without a
// stop_typing, so clear the indicator for everyone.
func (h *Hub) typingExpired(conversationID, userID string) {
	metrics.TypingEventsTotal.WithLabelValues("expired").Inc()
	h.broadcastTyping(conversationID, userID, "", false, "")
}

func (h *Hub) broadcastTyping(conversationID, userID, senderName string, start bool, excludeSessionID string) {
	eventType := model.EventStopTyping
	if start {
		eventType = model.EventTyping
	}
	out, err := marshalFrame(model.Frame{
		Type:           eventType,
		ConversationID: conversationID,
	}, model.TypingPayload{SenderID: userID, SenderName: senderName})
	if err != nil {
		return
	}
	h.router.Broadcast(conversationID, out, excludeSessionID)
	h.relay.Publish(conversationID, userID, out)
}

// stopTypingEverywhere clears a disconnecting session's typing state so
// peers are not left with a stale indicator.
func (h *Hub) stopTypingEverywhere(sess *Session) {
	for _, conversationID := range h.typing.StopAll(sess.UserID) {
		h.broadcastTyping(conversationID, sess.UserID, "", false, sess.ID)
	}
}

// notifyOffline enqueues a notification task for participants who neither
// received the broadcast nor hold any live session.
func (h *Hub) notifyOffline(ctx context.Context, msg *model.Message, reached []string) {
	if h.notify == nil {
		return
	}

	participants, err := h.conversations.Participants(ctx, msg.ConversationID)
	if err != nil {
		return
	}

	delivered := make(map[string]bool, len(reached))
	for _, id := range reached {
		delivered[id] = true
	}

	connected := h.router.ConnectedUsers(participants)
	var offline []string
	for _, id := range participants {
		if id == msg.SenderID || delivered[id] || connected[id] {
			continue
		}
		offline = append(offline, id)
	}
	if len(offline) == 0 {
		return
	}

	err = queue.EnqueueNotify(ctx, h.notify, queue.NotifyPayload{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		SenderID:       msg.SenderID,
		Recipients:     offline,
		Preview:        preview(msg),
		SentAt:         msg.CreatedAt,
	})
	if err != nil {
		h.logger.Warn("notify enqueue failed",
			zap.String("conversation_id", msg.ConversationID), zap.Error(err))
	}
}

func preview(msg *model.Message) string {
	if msg.Kind != model.KindText {
		return string(msg.Kind)
	}
	const max = 120
	if len(msg.Content) <= max {
		return msg.Content
	}
	return msg.Content[:max]
}

func (h *Hub) sendFrame(sess *Session, frame model.Frame) {
	if data, err := json.Marshal(frame); err == nil {
		_ = sess.Send(data)
	}
}

func (h *Hub) sendError(sess *Session, code, message string, dedupeKey *string) {
	out, err := marshalFrame(model.Frame{Type: model.EventError}, model.ErrorPayload{
		Code:      code,
		Message:   message,
		DedupeKey: dedupeKey,
	})
	if err != nil {
		return
	}
	_ = sess.Send(out)
}

func (h *Hub) sendServiceError(sess *Session, err error, dedupeKey *string) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		h.sendError(sess, "not_found", "conversation not found", dedupeKey)
	case errors.Is(err, service.ErrNotParticipant):
		h.sendError(sess, "not_a_participant", "sender is not a participant", dedupeKey)
	case errors.Is(err, service.ErrForbidden):
		h.sendError(sess, "forbidden", "operation not permitted", dedupeKey)
	case errors.Is(err, service.ErrInvalidPayload):
		h.sendError(sess, "invalid_payload", err.Error(), dedupeKey)
	default:
		h.sendError(sess, "internal_error", "unexpected persistence error", dedupeKey)
	}
}

func marshalFrame(frame model.Frame, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	frame.Payload = data
	return json.Marshal(frame)
}
