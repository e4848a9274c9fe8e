package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vault-service/internal/config"
)

// stallingProducer blocks every ProduceMessage call until released, recording
// what it was asked to send.
type stallingProducer struct {
	release   chan struct{}
	delivered chan []byte
}

func newStallingProducer() *stallingProducer {
	return &stallingProducer{
		release:   make(chan struct{}),
		delivered: make(chan []byte, 1),
	}
}

func (p *stallingProducer) ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	select {
	case <-p.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.delivered <- value
	return nil
}

// flakyProducer fails a fixed number of attempts before accepting.
type flakyProducer struct {
	failures  int32
	attempts  atomic.Int32
	delivered chan []byte
}

func (p *flakyProducer) ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	if p.attempts.Add(1) <= p.failures {
		return errors.New("broker unavailable")
	}
	p.delivered <- value
	return nil
}

func TestNotifier_PublishReturnsWhileBrokerStalls(t *testing.T) {
	producer := newStallingProducer()
	n := &Notifier{producer: producer, topic: "notify"}

	start := time.Now()
	n.Publish(context.Background(), &Event{Kind: EventRecoveryInitiated, SubjectID: "user-1"})
	assert.Less(t, time.Since(start), time.Second,
		"Publish must return without waiting on the broker")

	// Delivery still happens once the broker comes back.
	close(producer.release)
	select {
	case payload := <-producer.delivered:
		var got Event
		require.NoError(t, json.Unmarshal(payload, &got))
		assert.Equal(t, EventRecoveryInitiated, got.Kind)
		assert.Equal(t, "user-1", got.SubjectID)
	case <-time.After(5 * time.Second):
		t.Fatal("event was never delivered after the broker recovered")
	}
}

func TestNotifier_DeliverySurvivesCallerContext(t *testing.T) {
	producer := newStallingProducer()
	n := &Notifier{producer: producer, topic: "notify"}

	// The caller's request context ends immediately after Publish, the way a
	// finished HTTP request would.
	ctx, cancel := context.WithCancel(context.Background())
	n.Publish(ctx, &Event{Kind: EventGroupUnlocked, SubjectID: "group-1"})
	cancel()

	close(producer.release)
	select {
	case payload := <-producer.delivered:
		var got Event
		require.NoError(t, json.Unmarshal(payload, &got))
		assert.Equal(t, EventGroupUnlocked, got.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelling the caller's context must not abort delivery")
	}
}

func TestNotifier_RetriesBeforeDelivering(t *testing.T) {
	producer := &flakyProducer{failures: 2, delivered: make(chan []byte, 1)}
	n := &Notifier{producer: producer, topic: "notify"}

	n.Publish(context.Background(), &Event{Kind: EventDeviceEnrolled, SubjectID: "user-1"})

	select {
	case <-producer.delivered:
		assert.Equal(t, int32(3), producer.attempts.Load(), "Two failures then one success")
	case <-time.After(5 * time.Second):
		t.Fatal("event was never delivered despite retry budget")
	}
}

func TestNotifier_NoProducerDropsQuietly(t *testing.T) {
	cfg := &config.Config{}
	cfg.Kafka.NotifyTopic = "notify"

	n := NewNotifier(nil, cfg)
	assert.NotPanics(t, func() {
		n.Publish(context.Background(), &Event{Kind: EventGroupLocked, SubjectID: "group-1"})
	})
}
