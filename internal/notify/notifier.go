package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"vault-service/internal/client"
	"vault-service/internal/config"
	"vault-service/internal/util"
)

// Event kinds published to the notification topic. Downstream consumers fan
// these out to email and push channels.
const (
	EventRecoveryInitiated = "recovery.initiated"
	EventRecoveryCompleted = "recovery.completed"
	EventRecoveryExpired   = "recovery.expired"
	EventGroupUnlockOpened = "group_unlock.opened"
	EventGroupUnlocked     = "group_unlock.unlocked"
	EventGroupLocked       = "group_unlock.locked"
	EventDeviceEnrolled    = "device.enrolled"
	EventDeviceLockedOut   = "device.locked_out"
)

type Event struct {
	Kind       string            `json:"kind"`
	SubjectID  string            `json:"subject_id"`
	Recipients []string          `json:"recipients,omitempty"`
	Detail     map[string]string `json:"detail,omitempty"`
	EmittedAt  time.Time         `json:"emitted_at"`
}

// messageProducer is the slice of the kafka client the notifier needs.
type messageProducer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Notifier publishes vault lifecycle events to kafka. Publishing is best
// effort and runs off the request path: a slow or down broker never delays
// or fails the operation that triggered the event.
type Notifier struct {
	producer messageProducer
	topic    string
}

func NewNotifier(producer *client.KafkaProducer, cfg *config.Config) *Notifier {
	n := &Notifier{topic: cfg.Kafka.NotifyTopic}
	if producer != nil {
		n.producer = producer
	}
	return n
}

// Publish hands the event to a background delivery attempt and returns
// immediately. The retry loop runs on a detached context so it survives the
// caller's request finishing.
func (n *Notifier) Publish(ctx context.Context, event *Event) {
	event.EmittedAt = time.Now().UTC()

	if n.producer == nil {
		util.Debug("Notification dropped, no producer configured",
			zap.String("kind", event.Kind))
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		util.Error("Failed to marshal notification event",
			zap.String("kind", event.Kind),
			zap.Error(err))
		return
	}

	go n.deliver(context.WithoutCancel(ctx), event.Kind, event.SubjectID, payload)
}

func (n *Notifier) deliver(ctx context.Context, kind, subjectID string, payload []byte) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := n.publishWithRetry(ctx, subjectID, payload); err != nil {
		util.Error("Failed to publish notification event",
			zap.String("kind", kind),
			zap.String("subject_id", subjectID),
			zap.Error(err))
		return
	}

	util.Debug("Notification event published",
		zap.String("kind", kind),
		zap.String("subject_id", subjectID))
}

func (n *Notifier) publishWithRetry(ctx context.Context, key string, payload []byte) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := n.producer.ProduceMessage(ctx, n.topic, []byte(key), payload, nil)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
	}
	return fmt.Errorf("failed to produce notification after retries: %w", lastErr)
}
