package relay

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/campushq/messaging/pkg/logger"
	"github.com/campushq/messaging/pkg/metrics"
)

// SubjectPrefix is the prefix for all room relay subjects.
const SubjectPrefix = "room"

// RoomSubject returns the relay subject for a conversation's room.
func RoomSubject(conversationID string) string {
	return fmt.Sprintf("%s.%s", SubjectPrefix, conversationID)
}

// Envelope wraps a room event for transport between instances. Origin is
// the publishing instance id; an instance skips its own publications.
// ExcludeUserID propagates the no-self-rebroadcast rule across instances.
type Envelope struct {
	Origin         string          `json:"origin"`
	ConversationID string          `json:"conversation_id"`
	ExcludeUserID  string          `json:"exclude_user_id,omitempty"`
	Frame          json.RawMessage `json:"frame"`
}

// Relay publishes local room events to peers and feeds remote events into
// the local router.
type Relay struct {
	nc         *nats.Conn
	instanceID string
	logger     *logger.Logger
	sub        *nats.Subscription
}

// New creates a relay over an established NATS connection. A nil connection
// yields a disabled relay whose Publish is a no-op, so single-instance
// deployments need no NATS at all.
func New(nc *nats.Conn, log *logger.Logger) *Relay {
	return &Relay{
		nc:         nc,
		instanceID: uuid.NewString(),
		logger:     log,
	}
}

// Publish relays a serialized frame for a conversation to peer instances.
func (r *Relay) Publish(conversationID, excludeUserID string, frame []byte) {
	if r == nil || r.nc == nil {
		return
	}
	env := Envelope{
		Origin:         r.instanceID,
		ConversationID: conversationID,
		ExcludeUserID:  excludeUserID,
		Frame:          frame,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := r.nc.Publish(RoomSubject(conversationID), data); err != nil {
		r.logger.Warn("relay publish failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}
	metrics.RelayPublishesTotal.Inc()
}

// Deliver is the local fan-out hook invoked for events from peer instances.
type Deliver func(conversationID, excludeUserID string, frame []byte)

// Subscribe starts consuming peer events for every room subject.
func (r *Relay) Subscribe(deliver Deliver) error {
	if r == nil || r.nc == nil {
		return nil
	}
	sub, err := r.nc.Subscribe(SubjectPrefix+".>", func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			return
		}
		if env.Origin == r.instanceID {
			return
		}
		metrics.RelayDeliveriesTotal.Inc()
		deliver(env.ConversationID, env.ExcludeUserID, env.Frame)
	})
	if err != nil {
		return fmt.Errorf("relay subscribe: %w", err)
	}
	r.sub = sub
	return nil
}

// Close drains the subscription.
func (r *Relay) Close() {
	if r == nil || r.sub == nil {
		return
	}
	_ = r.sub.Unsubscribe()
}
