package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/campushq/messaging/internal/middleware"
	"github.com/campushq/messaging/internal/model"
	"github.com/campushq/messaging/internal/service"
	"github.com/campushq/messaging/internal/store"
	"github.com/campushq/messaging/pkg/logger"
)

const testSecret = "test-secret"

// memConvStore is an in-memory conversation store with pair-key dedup.
type memConvStore struct {
	mu      sync.Mutex
	convs   map[string]*model.Conversation
	pairKey map[string]string
}

func newMemConvStore() *memConvStore {
	return &memConvStore{
		convs:   make(map[string]*model.Conversation),
		pairKey: make(map[string]string),
	}
}

func (s *memConvStore) Create(ctx context.Context, participants []string, isGroup bool, topic *string) (*model.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !isGroup {
		if id, ok := s.pairKey[store.PairKey(participants)]; ok {
			return s.convs[id], false, nil
		}
	}
	conv := &model.Conversation{
		ID:           uuid.NewString(),
		Participants: append([]string(nil), participants...),
		IsGroup:      isGroup,
		Topic:        topic,
		CreatedAt:    time.Now(),
	}
	s.convs[conv.ID] = conv
	if !isGroup {
		s.pairKey[store.PairKey(participants)] = conv.ID
	}
	return conv, true, nil
}

func (s *memConvStore) Get(ctx context.Context, conversationID string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := *conv
	return &dup, nil
}

func (s *memConvStore) ListByUser(ctx context.Context, userID string) ([]model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Conversation
	for _, conv := range s.convs {
		if conv.HasParticipant(userID) {
			out = append(out, *conv)
		}
	}
	return out, nil
}

func (s *memConvStore) UpdateTopic(ctx context.Context, conversationID, topic string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return nil, store.ErrNotFound
	}
	conv.Topic = &topic
	dup := *conv
	return &dup, nil
}

func (s *memConvStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	conv, err := s.Get(ctx, conversationID)
	if err != nil {
		return false, nil
	}
	return conv.HasParticipant(userID), nil
}

func (s *memConvStore) Participants(ctx context.Context, conversationID string) ([]string, error) {
	conv, err := s.Get(ctx, conversationID)
	if err != nil {
		return nil, nil
	}
	return conv.Participants, nil
}

// memMsgStore is an append-only in-memory message log.
type memMsgStore struct {
	mu      sync.Mutex
	nextSeq int64
	logs    map[string][]model.Message
}

func newMemMsgStore() *memMsgStore {
	return &memMsgStore{logs: make(map[string][]model.Message)}
}

func (s *memMsgStore) Append(ctx context.Context, conversationID, senderID string, kind model.Kind, content string, fileURL, dedupeKey *string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	msg := model.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Kind:           kind,
		Content:        content,
		FileURL:        fileURL,
		DedupeKey:      dedupeKey,
		Seq:            s.nextSeq,
		CreatedAt:      time.Now(),
	}
	s.logs[conversationID] = append(s.logs[conversationID], msg)
	return &msg, nil
}

func (s *memMsgStore) History(ctx context.Context, conversationID string, limit int, beforeSeq int64) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Message
	for _, m := range s.logs[conversationID] {
		if beforeSeq > 0 && m.Seq >= beforeSeq {
			continue
		}
		out = append(out, m)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *memMsgStore) MarkRead(ctx context.Context, conversationID, userID string) error {
	return nil
}

type apiHarness struct {
	t      *testing.T
	router chi.Router
	msgs   *service.MessageService
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	log, err := logger.New("error")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}

	convSvc := service.NewConversationService(newMemConvStore(), nil, log)
	msgSvc := service.NewMessageService(newMemMsgStore(), convSvc, nil, log)

	conversations := NewConversationHandler(convSvc, log)
	messages := NewMessageHandler(msgSvc, log)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(testSecret))
		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", conversations.Create)
			r.Get("/", conversations.List)
			r.Route("/{id}", func(r chi.Router) {
				r.Put("/topic", conversations.RenameTopic)
				r.Get("/messages", messages.History)
				r.Put("/read", messages.MarkRead)
			})
		})
	})
	return &apiHarness{t: t, router: r, msgs: msgSvc}
}

func signToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (h *apiHarness) do(user, method, path string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			h.t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+signToken(h.t, user))
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func (h *apiHarness) createConversation(user string, participants ...string) model.Conversation {
	h.t.Helper()
	rec := h.do(user, http.MethodPost, "/api/v1/conversations", model.CreateConversationRequest{Participants: participants})
	if rec.Code != http.StatusCreated {
		h.t.Fatalf("create conversation: %d %s", rec.Code, rec.Body.String())
	}
	return decode[model.Conversation](h.t, rec)
}

func TestAPIRequiresValidToken(t *testing.T) {
	h := newAPIHarness(t)

	if rec := h.do("", http.MethodGet, "/api/v1/conversations", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: %d", rec.Code)
	}
}

func TestCreateConversationStatusCodes(t *testing.T) {
	h := newAPIHarness(t)

	first := h.do("alice", http.MethodPost, "/api/v1/conversations", model.CreateConversationRequest{Participants: []string{"bob"}})
	if first.Code != http.StatusCreated {
		t.Fatalf("first create: %d %s", first.Code, first.Body.String())
	}
	created := decode[model.Conversation](t, first)

	// The same pair from the other side returns the existing record.
	second := h.do("bob", http.MethodPost, "/api/v1/conversations", model.CreateConversationRequest{Participants: []string{"alice"}})
	if second.Code != http.StatusOK {
		t.Fatalf("repeat create: %d %s", second.Code, second.Body.String())
	}
	if existing := decode[model.Conversation](t, second); existing.ID != created.ID {
		t.Fatalf("repeat create returned %s, want %s", existing.ID, created.ID)
	}

	if rec := h.do("alice", http.MethodPost, "/api/v1/conversations", model.CreateConversationRequest{Participants: []string{"alice"}}); rec.Code != http.StatusBadRequest {
		t.Fatalf("self-only create: %d", rec.Code)
	}
}

func TestListConversations(t *testing.T) {
	h := newAPIHarness(t)
	h.createConversation("alice", "bob")
	h.createConversation("alice", "carol", "dave")

	rec := h.do("alice", http.MethodGet, "/api/v1/conversations", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	resp := decode[model.ListConversationsResponse](t, rec)
	if resp.Total != 2 || len(resp.Conversations) != 2 {
		t.Fatalf("alice sees %d conversations, want 2", resp.Total)
	}

	rec = h.do("dave", http.MethodGet, "/api/v1/conversations", nil)
	resp = decode[model.ListConversationsResponse](t, rec)
	if resp.Total != 1 {
		t.Fatalf("dave sees %d conversations, want 1", resp.Total)
	}
}

func TestRenameTopicStatusCodes(t *testing.T) {
	h := newAPIHarness(t)
	group := h.createConversation("alice", "bob", "carol")
	direct := h.createConversation("alice", "bob")

	body := model.RenameTopicRequest{Topic: "Field Trip"}

	if rec := h.do("alice", http.MethodPut, "/api/v1/conversations/"+direct.ID+"/topic", body); rec.Code != http.StatusForbidden {
		t.Fatalf("rename direct: %d", rec.Code)
	}
	if rec := h.do("mallory", http.MethodPut, "/api/v1/conversations/"+group.ID+"/topic", body); rec.Code != http.StatusForbidden {
		t.Fatalf("rename by outsider: %d", rec.Code)
	}
	if rec := h.do("alice", http.MethodPut, "/api/v1/conversations/"+uuid.NewString()+"/topic", body); rec.Code != http.StatusNotFound {
		t.Fatalf("rename unknown: %d", rec.Code)
	}
	if rec := h.do("alice", http.MethodPut, "/api/v1/conversations/not-a-uuid/topic", body); rec.Code != http.StatusBadRequest {
		t.Fatalf("rename malformed id: %d", rec.Code)
	}
	if rec := h.do("alice", http.MethodPut, "/api/v1/conversations/"+group.ID+"/topic", model.RenameTopicRequest{}); rec.Code != http.StatusBadRequest {
		t.Fatalf("rename to empty topic: %d", rec.Code)
	}

	rec := h.do("bob", http.MethodPut, "/api/v1/conversations/"+group.ID+"/topic", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("rename: %d %s", rec.Code, rec.Body.String())
	}
	if conv := decode[model.Conversation](t, rec); conv.Topic == nil || *conv.Topic != "Field Trip" {
		t.Fatalf("renamed topic %v", conv.Topic)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	conv := h.createConversation("alice", "bob")

	ctx := context.Background()
	for _, content := range []string{"one", "two", "three"} {
		if _, err := h.msgs.Append(ctx, conv.ID, "alice", &model.SendMessageRequest{Kind: model.KindText, Content: content}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	rec := h.do("bob", http.MethodGet, "/api/v1/conversations/"+conv.ID+"/messages", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history: %d %s", rec.Code, rec.Body.String())
	}
	resp := decode[model.ListMessagesResponse](t, rec)
	if len(resp.Messages) != 3 {
		t.Fatalf("history has %d messages, want 3", len(resp.Messages))
	}
	if resp.Messages[0].Content != "one" || resp.Messages[2].Content != "three" {
		t.Fatalf("history out of order: %+v", resp.Messages)
	}
	if resp.LastSeq != resp.Messages[2].Seq {
		t.Fatalf("last_seq %d, want %d", resp.LastSeq, resp.Messages[2].Seq)
	}

	paged := h.do("bob", http.MethodGet, "/api/v1/conversations/"+conv.ID+"/messages?limit=1", nil)
	if got := decode[model.ListMessagesResponse](t, paged); len(got.Messages) != 1 || got.Messages[0].Content != "three" {
		t.Fatalf("limited history: %+v", got.Messages)
	}

	if rec := h.do("mallory", http.MethodGet, "/api/v1/conversations/"+conv.ID+"/messages", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("outsider history: %d", rec.Code)
	}
	if rec := h.do("alice", http.MethodGet, "/api/v1/conversations/"+uuid.NewString()+"/messages", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown conversation history: %d", rec.Code)
	}
}

func TestMarkReadEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	conv := h.createConversation("alice", "bob")

	if rec := h.do("bob", http.MethodPut, "/api/v1/conversations/"+conv.ID+"/read", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("mark read: %d", rec.Code)
	}
	// Idempotent.
	if rec := h.do("bob", http.MethodPut, "/api/v1/conversations/"+conv.ID+"/read", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("repeat mark read: %d", rec.Code)
	}
	if rec := h.do("mallory", http.MethodPut, "/api/v1/conversations/"+conv.ID+"/read", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("outsider mark read: %d", rec.Code)
	}
}
