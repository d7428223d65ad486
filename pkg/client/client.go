// Package client implements the reconciliation layer a connected client
// keeps on top of the messaging API: one active conversation, optimistic
// local echo on send, merge of live events without duplication, and state
// recovery through a history refetch after reconnect.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/campushq/messaging/internal/model"
)

// Transport is the event connection to the broker.
type Transport interface {
	Send(frame model.Frame) error
}

// API is the REST surface used for authoritative reads.
type API interface {
	ListConversations(ctx context.Context) ([]model.Conversation, error)
	History(ctx context.Context, conversationID string) ([]model.Message, error)
	MarkRead(ctx context.Context, conversationID string) error
}

// SendState tracks the lifecycle of an optimistic echo.
type SendState string

const (
	// SendPending marks a locally rendered message awaiting the broker ack.
	SendPending SendState = "pending"
	// SendConfirmed marks a message acknowledged as durably persisted.
	SendConfirmed SendState = "confirmed"
	// SendFailed marks a send the broker rejected; the user may retry.
	SendFailed SendState = "failed"
)

// Entry is one rendered message in the active timeline.
type Entry struct {
	Message model.Message
	State   SendState
}

// Client reconciles persisted state with live events for one user session.
// All methods are safe for concurrent use.
type Client struct {
	transport Transport
	api       API
	userID    string

	typingExpiry time.Duration
	idleTimeout  time.Duration

	mu            sync.Mutex
	active        string
	conversations []model.Conversation
	timeline      []Entry
	rendered      map[string]struct{} // persisted message ids already rendered
	pendingByKey  map[string]int      // dedupe key -> timeline index
	typingPeers   map[string]*time.Timer
	composing     bool
	composeTimer  *time.Timer
	onChange      func()
}

// Option configures a Client.
type Option func(*Client)

// WithOnChange registers a callback fired after every state change, for
// render loops.
func WithOnChange(fn func()) Option {
	return func(c *Client) { c.onChange = fn }
}

// WithTypingExpiry overrides the receiver-side indicator expiry. It must
// not exceed the sender's idle timeout or indicators can go stale.
func WithTypingExpiry(d time.Duration) Option {
	return func(c *Client) { c.typingExpiry = d }
}

// New creates a reconciliation client for userID.
func New(transport Transport, api API, userID string, opts ...Option) *Client {
	c := &Client{
		transport:    transport,
		api:          api,
		userID:       userID,
		typingExpiry: 3 * time.Second,
		idleTimeout:  3 * time.Second,
		rendered:     make(map[string]struct{}),
		pendingByKey: make(map[string]int),
		typingPeers:  make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Refresh reloads the conversation list.
func (c *Client) Refresh(ctx context.Context) error {
	convs, err := c.api.ListConversations(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conversations = convs
	c.mu.Unlock()
	c.changed()
	return nil
}

// Conversations returns the current conversation list snapshot.
func (c *Client) Conversations() []model.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Conversation(nil), c.conversations...)
}

// Active returns the active conversation id, empty when none.
func (c *Client) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Timeline returns the active conversation's rendered messages in order.
func (c *Client) Timeline() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Entry(nil), c.timeline...)
}

// TypingPeers returns user ids currently showing a typing indicator in the
// active conversation.
func (c *Client) TypingPeers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	peers := make([]string, 0, len(c.typingPeers))
	for id := range c.typingPeers {
		peers = append(peers, id)
	}
	sort.Strings(peers)
	return peers
}

// Select makes conversationID the active conversation: leaves the previous
// room, joins the new one, loads history and marks it read.
func (c *Client) Select(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	previous := c.active
	c.mu.Unlock()

	if previous == conversationID {
		return nil
	}
	if previous != "" {
		_ = c.transport.Send(model.Frame{Type: model.EventLeave, ConversationID: previous})
	}
	if err := c.transport.Send(model.Frame{Type: model.EventJoin, ConversationID: conversationID}); err != nil {
		return fmt.Errorf("join: %w", err)
	}

	history, err := c.api.History(ctx, conversationID)
	if err != nil {
		// Restore the previous membership so the still-active conversation
		// keeps receiving live events.
		_ = c.transport.Send(model.Frame{Type: model.EventLeave, ConversationID: conversationID})
		if previous != "" {
			_ = c.transport.Send(model.Frame{Type: model.EventJoin, ConversationID: previous})
		}
		return fmt.Errorf("history: %w", err)
	}

	c.mu.Lock()
	c.active = conversationID
	c.resetTimelineLocked(history)
	c.mu.Unlock()
	c.changed()

	return c.api.MarkRead(ctx, conversationID)
}

// Send renders an optimistic echo and hands the payload to the broker. The
// echo carries a generated dedupe key; the broker ack resolves it and an
// error frame marks it failed, so a failed send is always distinguishable.
func (c *Client) Send(content string, kind model.Kind, fileURL *string) (string, error) {
	c.mu.Lock()
	conversationID := c.active
	if conversationID == "" {
		c.mu.Unlock()
		return "", fmt.Errorf("no active conversation")
	}

	key := uuid.NewString()
	echo := model.Message{
		ID:             "pending:" + key,
		ConversationID: conversationID,
		SenderID:       c.userID,
		Kind:           kind,
		Content:        content,
		FileURL:        fileURL,
		DedupeKey:      &key,
		CreatedAt:      time.Now(),
	}
	c.timeline = append(c.timeline, Entry{Message: echo, State: SendPending})
	c.pendingByKey[key] = len(c.timeline) - 1
	c.stopComposingLocked()
	c.mu.Unlock()
	c.changed()

	payload, err := json.Marshal(model.SendPayload{
		Content:   content,
		Kind:      kind,
		FileURL:   fileURL,
		DedupeKey: &key,
	})
	if err != nil {
		return key, err
	}
	err = c.transport.Send(model.Frame{
		Type:           model.EventNewMessage,
		ConversationID: conversationID,
		Payload:        payload,
	})
	if err != nil {
		c.markFailed(key)
		return key, err
	}
	return key, nil
}

// InputChanged implements the sender side of the typing state machine: any
// content-changing input emits typing and re-arms the idle timeout; after
// 3s of silence stop_typing goes out without further broker involvement.
func (c *Client) InputChanged() {
	c.mu.Lock()
	conversationID := c.active
	if conversationID == "" {
		c.mu.Unlock()
		return
	}
	wasComposing := c.composing
	c.composing = true
	if c.composeTimer != nil {
		c.composeTimer.Reset(c.idleTimeout)
	} else {
		c.composeTimer = time.AfterFunc(c.idleTimeout, func() {
			c.mu.Lock()
			c.composing = false
			c.composeTimer = nil
			active := c.active
			c.mu.Unlock()
			if active != "" {
				_ = c.transport.Send(model.Frame{Type: model.EventStopTyping, ConversationID: active})
			}
		})
	}
	c.mu.Unlock()

	if !wasComposing {
		_ = c.transport.Send(model.Frame{Type: model.EventTyping, ConversationID: conversationID})
	}
}

// HandleFrame merges one server frame into local state.
func (c *Client) HandleFrame(ctx context.Context, frame model.Frame) {
	switch frame.Type {
	case model.EventMessageReceived:
		c.handleMessage(ctx, frame, false)
	case model.EventMessageAck:
		c.handleMessage(ctx, frame, true)
	case model.EventError:
		c.handleError(frame)
	case model.EventTyping:
		c.handleTyping(frame, true)
	case model.EventStopTyping:
		c.handleTyping(frame, false)
	}
}

// Reconnected recovers state after the transport dropped: rejoin the active
// room, then refetch history to cover the gap, preserving unresolved local
// echoes.
func (c *Client) Reconnected(ctx context.Context) error {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if active == "" {
		return c.Refresh(ctx)
	}

	if err := c.transport.Send(model.Frame{Type: model.EventJoin, ConversationID: active}); err != nil {
		return fmt.Errorf("rejoin: %w", err)
	}
	history, err := c.api.History(ctx, active)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}

	c.mu.Lock()
	pending := make([]Entry, 0)
	for _, e := range c.timeline {
		if e.State != SendConfirmed {
			if e.Message.DedupeKey != nil && containsKey(history, *e.Message.DedupeKey) {
				continue // send landed while we were away
			}
			pending = append(pending, e)
		}
	}
	c.resetTimelineLocked(history)
	for _, e := range pending {
		c.timeline = append(c.timeline, e)
		if e.Message.DedupeKey != nil {
			c.pendingByKey[*e.Message.DedupeKey] = len(c.timeline) - 1
		}
	}
	c.mu.Unlock()
	c.changed()
	return nil
}

func (c *Client) handleMessage(ctx context.Context, frame model.Frame, ack bool) {
	var payload model.MessagePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		return
	}
	msg := payload.Message

	c.mu.Lock()
	if frame.ConversationID != c.active {
		// Only the list ordering changes for inactive conversations.
		c.bumpConversationLocked(frame.ConversationID, msg)
		c.mu.Unlock()
		c.changed()
		return
	}

	if _, seen := c.rendered[msg.ID]; seen {
		c.mu.Unlock()
		return
	}

	// Resolve an optimistic echo by its dedupe key.
	if msg.DedupeKey != nil {
		if idx, ok := c.pendingByKey[*msg.DedupeKey]; ok {
			c.timeline[idx] = Entry{Message: msg, State: SendConfirmed}
			c.rendered[msg.ID] = struct{}{}
			delete(c.pendingByKey, *msg.DedupeKey)
			c.bumpConversationLocked(frame.ConversationID, msg)
			c.mu.Unlock()
			c.changed()
			return
		}
	}

	c.insertOrderedLocked(msg)
	c.rendered[msg.ID] = struct{}{}
	// A peer that was typing just delivered; clear their indicator.
	c.clearTypingLocked(msg.SenderID)
	c.bumpConversationLocked(frame.ConversationID, msg)
	c.mu.Unlock()
	c.changed()

	if !ack {
		_ = c.api.MarkRead(ctx, frame.ConversationID)
	}
}

func (c *Client) handleError(frame model.Frame) {
	var payload model.ErrorPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		return
	}
	if payload.DedupeKey == nil {
		return
	}
	c.markFailed(*payload.DedupeKey)
}

func (c *Client) handleTyping(frame model.Frame, start bool) {
	var payload model.TypingPayload
	if frame.Payload != nil {
		_ = json.Unmarshal(frame.Payload, &payload)
	}
	if payload.SenderID == "" || payload.SenderID == c.userID {
		return
	}

	c.mu.Lock()
	if frame.ConversationID != c.active {
		c.mu.Unlock()
		return
	}
	if !start {
		c.clearTypingLocked(payload.SenderID)
		c.mu.Unlock()
		c.changed()
		return
	}

	// The indicator self-expires: a lost stop_typing must never leave it
	// shown indefinitely.
	sender := payload.SenderID
	if timer, ok := c.typingPeers[sender]; ok {
		timer.Reset(c.typingExpiry)
	} else {
		c.typingPeers[sender] = time.AfterFunc(c.typingExpiry, func() {
			c.mu.Lock()
			delete(c.typingPeers, sender)
			c.mu.Unlock()
			c.changed()
		})
	}
	c.mu.Unlock()
	c.changed()
}

func (c *Client) markFailed(dedupeKey string) {
	c.mu.Lock()
	if idx, ok := c.pendingByKey[dedupeKey]; ok {
		c.timeline[idx].State = SendFailed
		delete(c.pendingByKey, dedupeKey)
	}
	c.mu.Unlock()
	c.changed()
}

func (c *Client) resetTimelineLocked(history []model.Message) {
	c.timeline = c.timeline[:0]
	c.rendered = make(map[string]struct{}, len(history))
	c.pendingByKey = make(map[string]int)
	for _, timer := range c.typingPeers {
		timer.Stop()
	}
	c.typingPeers = make(map[string]*time.Timer)
	for _, msg := range history {
		c.timeline = append(c.timeline, Entry{Message: msg, State: SendConfirmed})
		c.rendered[msg.ID] = struct{}{}
	}
}

// insertOrderedLocked places a delivered message at its (created_at, seq)
// position. Frames relayed across instances can interleave out of order, so
// delivery order alone is not trustworthy.
func (c *Client) insertOrderedLocked(msg model.Message) {
	pos := len(c.timeline)
	for pos > 0 && messageBefore(msg, c.timeline[pos-1].Message) {
		pos--
	}
	c.timeline = append(c.timeline, Entry{})
	copy(c.timeline[pos+1:], c.timeline[pos:])
	c.timeline[pos] = Entry{Message: msg, State: SendConfirmed}

	for key, idx := range c.pendingByKey {
		if idx >= pos {
			c.pendingByKey[key] = idx + 1
		}
	}
}

func messageBefore(a, b model.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}

func (c *Client) bumpConversationLocked(conversationID string, msg model.Message) {
	idx := -1
	for i := range c.conversations {
		if c.conversations[i].ID == conversationID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	conv := c.conversations[idx]
	t := msg.CreatedAt
	conv.LastMessageAt = &t
	conv.LastMessage = &msg
	copy(c.conversations[1:idx+1], c.conversations[:idx])
	c.conversations[0] = conv
}

func (c *Client) clearTypingLocked(userID string) {
	if timer, ok := c.typingPeers[userID]; ok {
		timer.Stop()
		delete(c.typingPeers, userID)
	}
}

func (c *Client) stopComposingLocked() {
	c.composing = false
	if c.composeTimer != nil {
		c.composeTimer.Stop()
		c.composeTimer = nil
	}
}

func (c *Client) changed() {
	if c.onChange != nil {
		c.onChange()
	}
}

func containsKey(history []model.Message, dedupeKey string) bool {
	for _, msg := range history {
		if msg.DedupeKey != nil && *msg.DedupeKey == dedupeKey {
			return true
		}
	}
	return false
}
