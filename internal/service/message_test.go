package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/campushq/messaging/internal/cache"
	"github.com/campushq/messaging/internal/model"
	"github.com/campushq/messaging/internal/store"
)

// fakeMessageStore keeps an append-only log per conversation with the same
// (created_at, seq) ordering and dedupe-key semantics as Postgres.
type fakeMessageStore struct {
	mu       sync.Mutex
	nextSeq  int64
	logs     map[string][]model.Message
	lastRead map[string]int64 // "<conv>:<user>" -> seq
	convs    *fakeConversationStore
}

func newFakeMessageStore(convs *fakeConversationStore) *fakeMessageStore {
	return &fakeMessageStore{
		logs:     make(map[string][]model.Message),
		lastRead: make(map[string]int64),
		convs:    convs,
	}
}

func (f *fakeMessageStore) Append(ctx context.Context, conversationID, senderID string, kind model.Kind, content string, fileURL, dedupeKey *string) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if dedupeKey != nil {
		for _, m := range f.logs[conversationID] {
			if m.SenderID == senderID && m.DedupeKey != nil && *m.DedupeKey == *dedupeKey {
				dup := m
				return &dup, nil
			}
		}
	}

	f.nextSeq++
	msg := model.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Kind:           kind,
		Content:        content,
		FileURL:        fileURL,
		DedupeKey:      dedupeKey,
		Seq:            f.nextSeq,
		CreatedAt:      time.Now(),
	}
	f.logs[conversationID] = append(f.logs[conversationID], msg)
	if f.convs != nil {
		f.convs.bumpLastMessage(conversationID, msg.CreatedAt)
	}
	return &msg, nil
}

func (f *fakeMessageStore) History(ctx context.Context, conversationID string, limit int, beforeSeq int64) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []model.Message
	for _, m := range f.logs[conversationID] {
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

func (f *fakeMessageStore) MarkRead(ctx context.Context, conversationID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.convs != nil {
		if _, ok := f.convs.convs[conversationID]; !ok {
			return store.ErrNotFound
		}
	}
	var max int64
	for _, m := range f.logs[conversationID] {
		if m.Seq > max {
			max = m.Seq
		}
	}
	f.lastRead[conversationID+":"+userID] = max
	return nil
}

// fakeUnread records counter traffic so tests can assert who got incremented.
type fakeUnread struct {
	mu     sync.Mutex
	counts map[string]int64 // "<conv>:<user>"
}

func newFakeUnread() *fakeUnread {
	return &fakeUnread{counts: make(map[string]int64)}
}

func (f *fakeUnread) Increment(ctx context.Context, conversationID string, userIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range userIDs {
		f.counts[conversationID+":"+u]++
	}
	return nil
}

func (f *fakeUnread) Get(ctx context.Context, conversationID, userID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.counts[conversationID+":"+userID]
	if !ok {
		return 0, cache.ErrMiss
	}
	return n, nil
}

func (f *fakeUnread) Clear(ctx context.Context, conversationID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.counts, conversationID+":"+userID)
	return nil
}

func (f *fakeUnread) Ping(ctx context.Context) error { return nil }
func (f *fakeUnread) Close() error                   { return nil }

func newMessageService(t *testing.T) (*MessageService, *ConversationService, *fakeUnread) {
	t.Helper()
	convStore := newFakeConversationStore()
	unread := newFakeUnread()
	log := testLogger(t)
	convSvc := NewConversationService(convStore, unread, log)
	msgSvc := NewMessageService(newFakeMessageStore(convStore), convSvc, unread, log)
	return msgSvc, convSvc, unread
}

func text(content string) *model.SendMessageRequest {
	return &model.SendMessageRequest{Kind: model.KindText, Content: content}
}

func TestAppendRejectsInvalidPayloads(t *testing.T) {
	svc, convSvc, _ := newMessageService(t)
	ctx := context.Background()
	conv, _, err := convSvc.Create(ctx, "alice", &model.CreateConversationRequest{Participants: []string{"bob"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	url := "https://files.example/voice.ogg"
	cases := []struct {
		name string
		req  *model.SendMessageRequest
	}{
		{"empty text", text("")},
		{"unknown kind", &model.SendMessageRequest{Kind: "sticker", Content: "hi"}},
		{"voice without file", &model.SendMessageRequest{Kind: model.KindVoice}},
		{"image without file", &model.SendMessageRequest{Kind: model.KindImage}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Append(ctx, conv.ID, "alice", tc.req); !errors.Is(err, ErrInvalidPayload) {
				t.Fatalf("got %v, want ErrInvalidPayload", err)
			}
		})
	}

	// Valid voice message with a file does go through.
	msg, err := svc.Append(ctx, conv.ID, "alice", &model.SendMessageRequest{Kind: model.KindVoice, FileURL: &url})
	if err != nil {
		t.Fatalf("append voice: %v", err)
	}
	if msg.FileURL == nil || *msg.FileURL != url {
		t.Fatalf("file url not persisted: %v", msg.FileURL)
	}
}

func TestAppendRejectsOutsiders(t *testing.T) {
	svc, convSvc, _ := newMessageService(t)
	ctx := context.Background()
	conv, _, _ := convSvc.Create(ctx, "alice", &model.CreateConversationRequest{Participants: []string{"bob"}})

	if _, err := svc.Append(ctx, conv.ID, "mallory", text("hi")); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("got %v, want ErrNotParticipant", err)
	}
	if _, err := svc.Append(ctx, uuid.NewString(), "alice", text("hi")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestAppendAssignsMonotonicOrder(t *testing.T) {
	svc, convSvc, _ := newMessageService(t)
	ctx := context.Background()
	conv, _, _ := convSvc.Create(ctx, "alice", &model.CreateConversationRequest{Participants: []string{"bob"}})

	for i, body := range []string{"one", "two", "three"} {
		sender := "alice"
		if i%2 == 1 {
			sender = "bob"
		}
		if _, err := svc.Append(ctx, conv.ID, sender, text(body)); err != nil {
			t.Fatalf("append %q: %v", body, err)
		}
	}

	msgs, err := svc.History(ctx, conv.ID, "alice", 0, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Seq <= msgs[i-1].Seq {
			t.Fatalf("seq not increasing: %d then %d", msgs[i-1].Seq, msgs[i].Seq)
		}
	}
	if msgs[0].Content != "one" || msgs[2].Content != "three" {
		t.Fatalf("history not in send order: %s .. %s", msgs[0].Content, msgs[2].Content)
	}
}

func TestAppendDedupesByKey(t *testing.T) {
	svc, convSvc, unread := newMessageService(t)
	ctx := context.Background()
	conv, _, _ := convSvc.Create(ctx, "alice", &model.CreateConversationRequest{Participants: []string{"bob"}})

	key := uuid.NewString()
	req := text("only once")
	req.DedupeKey = &key

	first, err := svc.Append(ctx, conv.ID, "alice", req)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	// Client retry after a lost ack.
	second, err := svc.Append(ctx, conv.ID, "alice", req)
	if err != nil {
		t.Fatalf("retry append: %v", err)
	}
	if second.ID != first.ID || second.Seq != first.Seq {
		t.Fatalf("retry created a new message: %s/%d vs %s/%d", first.ID, first.Seq, second.ID, second.Seq)
	}

	msgs, err := svc.History(ctx, conv.ID, "bob", 0, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("log has %d messages, want 1", len(msgs))
	}

	// Unread still counts the retry; MarkRead clears it either way.
	if n, _ := unread.Get(ctx, conv.ID, "bob"); n == 0 {
		t.Fatal("recipient unread not incremented")
	}
	if n, err := unread.Get(ctx, conv.ID, "alice"); !errors.Is(err, cache.ErrMiss) {
		t.Fatalf("sender unread incremented to %d", n)
	}
}

func TestHistoryRequiresMembership(t *testing.T) {
	svc, convSvc, _ := newMessageService(t)
	ctx := context.Background()
	conv, _, _ := convSvc.Create(ctx, "alice", &model.CreateConversationRequest{Participants: []string{"bob"}})

	if _, err := svc.History(ctx, conv.ID, "mallory", 0, 0); !errors.Is(err, ErrForbidden) {
		t.Fatalf("got %v, want ErrForbidden", err)
	}
}

func TestHistoryPagination(t *testing.T) {
	svc, convSvc, _ := newMessageService(t)
	ctx := context.Background()
	conv, _, _ := convSvc.Create(ctx, "alice", &model.CreateConversationRequest{Participants: []string{"bob"}})

	var seqs []int64
	for _, body := range []string{"a", "b", "c", "d", "e"} {
		msg, err := svc.Append(ctx, conv.ID, "alice", text(body))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		seqs = append(seqs, msg.Seq)
	}

	page, err := svc.History(ctx, conv.ID, "bob", 2, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page) != 2 || page[1].Content != "e" {
		t.Fatalf("latest page wrong: %+v", page)
	}

	older, err := svc.History(ctx, conv.ID, "bob", 2, seqs[3])
	if err != nil {
		t.Fatalf("history before %d: %v", seqs[3], err)
	}
	if len(older) != 2 || older[0].Content != "b" || older[1].Content != "c" {
		t.Fatalf("older page wrong: %+v", older)
	}
}

func TestMarkReadIsIdempotent(t *testing.T) {
	svc, convSvc, unread := newMessageService(t)
	ctx := context.Background()
	conv, _, _ := convSvc.Create(ctx, "alice", &model.CreateConversationRequest{Participants: []string{"bob"}})

	if _, err := svc.Append(ctx, conv.ID, "alice", text("hello")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if n, _ := unread.Get(ctx, conv.ID, "bob"); n != 1 {
		t.Fatalf("unread = %d, want 1", n)
	}

	for i := 0; i < 2; i++ {
		if err := svc.MarkRead(ctx, conv.ID, "bob"); err != nil {
			t.Fatalf("mark read (call %d): %v", i+1, err)
		}
	}
	if _, err := unread.Get(ctx, conv.ID, "bob"); !errors.Is(err, cache.ErrMiss) {
		t.Fatal("unread not cleared")
	}

	if err := svc.MarkRead(ctx, conv.ID, "mallory"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("outsider mark read: got %v, want ErrForbidden", err)
	}
}
