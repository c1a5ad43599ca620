// Package notify dispatches domain events to downstream consumers
// (email/push rendering, credit scoring, dashboards). Dispatch is
// fire-and-forget: a failed notification is logged and never rolls back
// the financial operation that produced it.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// Event types published by the engine.
const (
	EventEscrowFunded       = "escrow.funded"
	EventEscrowReleased     = "escrow.released"
	EventEscrowRefunded     = "escrow.refunded"
	EventEscrowCancelled    = "escrow.cancelled"
	EventRepaymentPaid      = "repayment.paid"
	EventRepaymentFailed    = "repayment.failed"
	EventPenaltyAccrued     = "penalty.accrued"
	EventLoanCompleted      = "loan.completed"
	EventCreditScoreRefresh = "credit_score.refresh"
)

// Notifier delivers events. Implementations must never block financial
// flow on delivery problems; that is why Notify returns nothing.
type Notifier interface {
	Notify(ctx context.Context, eventType string, payload any)
}

// KafkaNotifier publishes events to Kafka, one topic per event type
// unless remapped. The partition key keeps events for one entity in
// order.
type KafkaNotifier struct {
	writer       *kafka.Writer
	topicByEvent map[string]string
}

// NewKafkaNotifier creates a notifier writing to the given brokers.
func NewKafkaNotifier(brokers []string, topicByEvent map[string]string) *KafkaNotifier {
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			RequiredAcks: kafka.RequireOne,
			Balancer:     &kafka.Hash{},
		},
		topicByEvent: topicByEvent,
	}
}

func (n *KafkaNotifier) Notify(ctx context.Context, eventType string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("notify: encode payload", "event", eventType, "err", err)
		return
	}

	topic := eventType
	if mapped, ok := n.topicByEvent[eventType]; ok && mapped != "" {
		topic = mapped
	}

	err = n.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(eventType),
		Value: body,
		Time:  time.Now().UTC(),
	})
	if err != nil {
		slog.Error("notify: publish failed", "event", eventType, "topic", topic, "err", err)
	}
}

// Close flushes and closes the underlying writer.
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}

// LogNotifier writes events to the log. Used when no brokers are
// configured and in tests.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, eventType string, payload any) {
	slog.Info("event", "type", eventType, "payload", payload)
}
