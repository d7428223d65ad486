package realtime

import (
	"sync"
	"time"
)

// typingKey identifies one composer in one conversation.
type typingKey struct {
	conversationID string
	userID         string
}

// TypingTracker holds ephemeral typing state. The sender's client emits
// stop_typing after its own idle timeout, but a lossy link can swallow it;
// the tracker fires the expiry callback when no typing refresh arrives
// within the timeout so receivers never see a stale indicator.
type TypingTracker struct {
	mu      sync.Mutex
	timeout time.Duration
	timers  map[typingKey]*time.Timer
	expired func(conversationID, userID string)
}

// NewTypingTracker constructs a tracker. expired is invoked outside the
// tracker's lock when a typing entry times out.
func NewTypingTracker(timeout time.Duration, expired func(conversationID, userID string)) *TypingTracker {
	return &TypingTracker{
		timeout: timeout,
		timers:  make(map[typingKey]*time.Timer),
		expired: expired,
	}
}

// Touch records a typing event, (re)arming the expiry timer.
func (t *TypingTracker) Touch(conversationID, userID string) {
	key := typingKey{conversationID, userID}

	t.mu.Lock()
	defer t.mu.Unlock()

	if timer, ok := t.timers[key]; ok {
		timer.Reset(t.timeout)
		return
	}
	t.timers[key] = time.AfterFunc(t.timeout, func() {
		t.mu.Lock()
		delete(t.timers, key)
		t.mu.Unlock()
		if t.expired != nil {
			t.expired(conversationID, userID)
		}
	})
}

// Stop clears typing state without firing the expiry callback. Reports
// whether the user was marked typing.
func (t *TypingTracker) Stop(conversationID, userID string) bool {
	key := typingKey{conversationID, userID}

	t.mu.Lock()
	defer t.mu.Unlock()

	timer, ok := t.timers[key]
	if !ok {
		return false
	}
	timer.Stop()
	delete(t.timers, key)
	return true
}

// StopAll clears every typing entry for userID and returns the conversation
// ids that were active. Used when a session disconnects mid-composition.
func (t *TypingTracker) StopAll(userID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var conversations []string
	for key, timer := range t.timers {
		if key.userID != userID {
			continue
		}
		timer.Stop()
		delete(t.timers, key)
		conversations = append(conversations, key.conversationID)
	}
	return conversations
}
