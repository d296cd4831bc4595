// Package kafka publishes payment outcomes for downstream consumers.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/loan-payments/internal/models"
)

// Event types carried in the event-type header
const (
	EventPaymentConfirmed = "payment.confirmed"
	EventPaymentFailed    = "payment.failed"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Notifier writes payment events to a single topic. Confirmed events are keyed
// by loan so a consumer sees one loan's payments in order.
type Notifier struct {
	writer messageWriter
	log    *logrus.Logger
	now    func() time.Time
}

// NewNotifier creates a notifier writing to topic on the given brokers
func NewNotifier(brokers []string, topic string, log *logrus.Logger) *Notifier {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafkago.RequireAll,
	}
	return &Notifier{writer: w, log: log, now: time.Now}
}

// PaymentConfirmed publishes a payment.confirmed event
func (n *Notifier) PaymentConfirmed(ctx context.Context, ev models.PaymentConfirmedEvent) error {
	key := ev.LoanID
	if key == "" {
		key = ev.IntentID
	}
	return n.publish(ctx, EventPaymentConfirmed, key, ev)
}

// PaymentFailed publishes a payment.failed event
func (n *Notifier) PaymentFailed(ctx context.Context, ev models.PaymentFailedEvent) error {
	return n.publish(ctx, EventPaymentFailed, ev.IntentID, ev)
}

// Close flushes and closes the writer
func (n *Notifier) Close() error {
	return n.writer.Close()
}

func (n *Notifier) publish(ctx context.Context, eventType, key string, payload any) error {
	msg, err := n.message(eventType, key, payload)
	if err != nil {
		return err
	}
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		n.log.Errorf("Failed to publish %s for %s: %v", eventType, key, err)
		return fmt.Errorf("kafka publish %s: %w", eventType, err)
	}
	n.log.Debugf("Published %s for %s", eventType, key)
	return nil
}

func (n *Notifier) message(eventType, key string, payload any) (kafkago.Message, error) {
	value, err := json.Marshal(payload)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("encode %s: %w", eventType, err)
	}
	return kafkago.Message{
		Key:   []byte(key),
		Value: value,
		Time:  n.now().UTC(),
		Headers: []kafkago.Header{
			{Key: "event-type", Value: []byte(eventType)},
		},
	}, nil
}
