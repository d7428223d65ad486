package realtime

import (
	"sync"

	"github.com/campushq/messaging/pkg/metrics"
)

// Router tracks sessions and their room memberships. A room is the live
// subscriber set of one conversation; room id and conversation id are the
// same value by invariant. All map mutations happen under one mutex so a
// leave racing a broadcast can never deliver to a session that already left.
type Router struct {
	mu           sync.RWMutex
	sessions     map[string]*Session            // session id -> session
	rooms        map[string]map[string]*Session // conversation id -> session id -> session
	sessionRooms map[string]map[string]struct{} // session id -> joined conversation ids
}

// NewRouter constructs an initialized Router.
func NewRouter() *Router {
	return &Router{
		sessions:     make(map[string]*Session),
		rooms:        make(map[string]map[string]*Session),
		sessionRooms: make(map[string]map[string]struct{}),
	}
}

// Attach registers a session and starts its write loop.
func (r *Router) Attach(sess *Session) {
	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.sessionRooms[sess.ID] = make(map[string]struct{})
	r.mu.Unlock()

	sess.Start()
	metrics.IncrementWSSessions()
}

// Detach removes a session and all its room memberships.
func (r *Router) Detach(sess *Session) {
	r.mu.Lock()
	if _, ok := r.sessions[sess.ID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sess.ID)
	for roomID := range r.sessionRooms[sess.ID] {
		r.leaveLocked(roomID, sess.ID)
	}
	delete(r.sessionRooms, sess.ID)
	r.mu.Unlock()

	metrics.DecrementWSSessions()
}

// Join adds the session to the conversation's room. Idempotent.
func (r *Router) Join(conversationID string, sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sess.ID]; !ok {
		return
	}

	room := r.rooms[conversationID]
	if room == nil {
		room = make(map[string]*Session)
		r.rooms[conversationID] = room
		metrics.RoomsActive.Inc()
	}
	room[sess.ID] = sess
	r.sessionRooms[sess.ID][conversationID] = struct{}{}
}

// Leave removes the session from the conversation's room. Leaving a room
// the session is not in is a no-op.
func (r *Router) Leave(conversationID string, sess *Session) {
	r.mu.Lock()
	r.leaveLocked(conversationID, sess.ID)
	r.mu.Unlock()
}

// Broadcast delivers payload to every room subscriber except excludeSessionID.
// Returns the distinct user ids that were reached.
func (r *Router) Broadcast(conversationID string, payload []byte, excludeSessionID string) []string {
	r.mu.RLock()
	room := r.rooms[conversationID]
	targets := make([]*Session, 0, len(room))
	for id, sess := range room {
		if id == excludeSessionID {
			continue
		}
		targets = append(targets, sess)
	}
	r.mu.RUnlock()

	reached := make([]string, 0, len(targets))
	seen := make(map[string]struct{}, len(targets))
	for _, sess := range targets {
		if err := sess.Send(payload); err != nil {
			continue
		}
		if _, ok := seen[sess.UserID]; !ok {
			seen[sess.UserID] = struct{}{}
			reached = append(reached, sess.UserID)
		}
	}
	metrics.BroadcastFanout.Observe(float64(len(targets)))
	return reached
}

// BroadcastExceptUser delivers payload to every room subscriber not owned
// by excludeUserID. Used for events relayed from peer instances, where the
// excluded sender has no local session id.
func (r *Router) BroadcastExceptUser(conversationID string, payload []byte, excludeUserID string) {
	r.mu.RLock()
	room := r.rooms[conversationID]
	targets := make([]*Session, 0, len(room))
	for _, sess := range room {
		if excludeUserID != "" && sess.UserID == excludeUserID {
			continue
		}
		targets = append(targets, sess)
	}
	r.mu.RUnlock()

	for _, sess := range targets {
		_ = sess.Send(payload)
	}
}

// ConnectedUsers reports which of userIDs currently have at least one
// attached session.
func (r *Router) ConnectedUsers(userIDs []string) map[string]bool {
	online := make(map[string]bool, len(userIDs))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sess := range r.sessions {
		online[sess.UserID] = true
	}
	connected := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		connected[id] = online[id]
	}
	return connected
}

// Close terminates all tracked sessions and clears router state.
func (r *Router) Close() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.sessions = make(map[string]*Session)
	r.rooms = make(map[string]map[string]*Session)
	r.sessionRooms = make(map[string]map[string]struct{})
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.Close(1001, "server shutdown")
	}
}

func (r *Router) leaveLocked(conversationID, sessionID string) {
	room := r.rooms[conversationID]
	if room == nil {
		return
	}
	delete(room, sessionID)
	if len(room) == 0 {
		delete(r.rooms, conversationID)
		metrics.RoomsActive.Dec()
	}
	if memberships, ok := r.sessionRooms[sessionID]; ok {
		delete(memberships, conversationID)
	}
}
