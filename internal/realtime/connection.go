// Package realtime implements the event broker: websocket sessions, room
// membership, typing state and fan-out of conversation events.
package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// Session wraps a websocket connection for one authenticated client.
// Outbound writes go through a buffered channel so any goroutine may send;
// a session is uniquely identified independent of the user.
type Session struct {
	ID     string
	UserID string

	ws     *websocket.Conn
	egress chan []byte
	once   sync.Once
	done   chan struct{}
}

// NewSession constructs a Session for the given user.
func NewSession(userID string, ws *websocket.Conn) *Session {
	return &Session{
		ID:     uuid.NewString(),
		UserID: userID,
		ws:     ws,
		egress: make(chan []byte, 128),
		done:   make(chan struct{}),
	}
}

// Start launches the write loop. Call exactly once per session.
func (s *Session) Start() {
	go s.writeLoop()
}

// Send enqueues payload for delivery. A slow client whose buffer fills is
// closed to keep backpressure bounded.
func (s *Session) Send(payload []byte) error {
	select {
	case <-s.done:
		return errors.New("session closed")
	case s.egress <- payload:
		return nil
	default:
		s.Close(websocket.CloseGoingAway, "send buffer full")
		return errors.New("session buffer exceeded")
	}
}

// Close terminates the session and stops the write loop.
func (s *Session) Close(code int, reason string) {
	s.once.Do(func() {
		close(s.done)
		close(s.egress)
		_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = s.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = s.ws.Close()
	})
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-s.egress:
			if !ok {
				return
			}
			if err := s.write(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) write(messageType int, payload []byte) error {
	if err := s.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.ws.WriteMessage(messageType, payload)
}
