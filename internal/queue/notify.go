package queue

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/campushq/messaging/pkg/logger"
	"github.com/campushq/messaging/pkg/metrics"
)

// NotifyTaskType is the queue task name for offline message notifications.
const NotifyTaskType = "messaging:notify"

// NotifyPayload is the JSON payload transported via the queue. It carries
// enough for a push worker to render a notification without a DB round trip.
type NotifyPayload struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	SenderID       string    `json:"sender_id"`
	Recipients     []string  `json:"recipients"`
	Preview        string    `json:"preview"`
	SentAt         time.Time `json:"sent_at"`
}

// EnqueueNotify enqueues a notification task for recipients with no live
// session. Best-effort: callers log and continue on error.
func EnqueueNotify(ctx context.Context, client Client, p NotifyPayload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = client.Enqueue(ctx, Task{Type: NotifyTaskType, Payload: data}, EnqueueOption{
		Queue:    "notify",
		MaxRetry: 3,
	})
	if err == nil {
		metrics.NotifyTasksTotal.Inc()
	}
	return err
}

// RegisterNotifyHandler binds the notify task handler. Actual push delivery
// is owned by an external collaborator; the handler here records the task so
// deployments without a push worker drain the queue cleanly.
func RegisterNotifyHandler(srv Server, log *logger.Logger) {
	srv.Register(NotifyTaskType, func(ctx context.Context, t Task) error {
		var p NotifyPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			// Malformed payload: do not retry.
			return nil
		}
		log.Info("notify task processed",
			zap.String("conversation_id", p.ConversationID),
			zap.String("message_id", p.MessageID),
			zap.Int("recipients", len(p.Recipients)),
		)
		return nil
	})
}
