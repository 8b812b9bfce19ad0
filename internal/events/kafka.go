package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/CedrosPay/entitlements/internal/logger"
	"github.com/CedrosPay/entitlements/internal/metrics"
)

// messageWriter is the part of *kafka.Writer the notifier uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier writes events as JSON to a Kafka topic, keyed by user ID so
// one user's events stay ordered within a partition.
type KafkaNotifier struct {
	writer  messageWriter
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewKafkaNotifier creates a writer for topic on brokers.
func NewKafkaNotifier(brokers []string, topic string, m *metrics.Metrics) (*KafkaNotifier, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("events: kafka brokers required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
	return newKafkaNotifier(w, m), nil
}

func newKafkaNotifier(w messageWriter, m *metrics.Metrics) *KafkaNotifier {
	return &KafkaNotifier{writer: w, metrics: m, now: time.Now}
}

// PurchaseCompleted publishes a purchase.completed event.
func (k *KafkaNotifier) PurchaseCompleted(ctx context.Context, event PurchaseEvent) {
	stamp(&event.EventID, &event.EventType, &event.EventTimestamp, TypePurchaseCompleted, k.now())
	k.publish(ctx, event.EventType, event.EventID, event.UserID, event)
}

// PurchasesRestored publishes a purchases.restored event.
func (k *KafkaNotifier) PurchasesRestored(ctx context.Context, event RestoreEvent) {
	stamp(&event.EventID, &event.EventType, &event.EventTimestamp, TypePurchasesRestored, k.now())
	k.publish(ctx, event.EventType, event.EventID, event.UserID, event)
}

func (k *KafkaNotifier) publish(ctx context.Context, eventType, eventID, key string, payload any) {
	log := logger.FromContext(ctx)
	body, err := json.Marshal(payload)
	if err == nil {
		err = k.writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(key),
			Value: body,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(eventType)},
				{Key: "event_id", Value: []byte(eventID)},
			},
		})
	}
	k.metrics.ObserveEvent(eventType, err)
	if err != nil {
		log.Error().Err(err).Str("event_type", eventType).Str("event_id", eventID).Msg("events.publish_failed")
		return
	}
	log.Debug().Str("event_type", eventType).Str("event_id", eventID).Msg("events.published")
}

// Close flushes and closes the writer.
func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}
