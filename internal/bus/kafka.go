package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmehdipour/event-outbox/internal/kafka"
	kafkago "github.com/segmentio/kafka-go"
)

type kafkaWriter interface {
	Write(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes each event to topic TopicPrefix+eventType, keyed by the
// correlation id so related events land on one partition.
type Kafka struct {
	w           kafkaWriter
	topicPrefix string
}

func NewKafka(w kafkaWriter, topicPrefix string) *Kafka {
	return &Kafka{w: w, topicPrefix: topicPrefix}
}

func (k *Kafka) Topic(eventType string) string { return k.topicPrefix + eventType }

func (k *Kafka) Publish(ctx context.Context, eventType string, payload []byte, correlationID string) error {
	msg := kafka.Message{
		Topic: k.Topic(eventType),
		Key:   []byte(correlationID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(eventType)},
			{Key: "correlation_id", Value: []byte(correlationID)},
		},
	}

	if err := k.w.Write(ctx, msg); err != nil {
		err = fmt.Errorf("kafka write %s: %w", msg.Topic, err)
		if permanentKafkaError(err) {
			return Permanent(err)
		}
		return err
	}

	return nil
}

func (k *Kafka) Close() error { return k.w.Close() }

func permanentKafkaError(err error) bool {
	// WriteErrors holds one entry per message and does not unwrap.
	var werrs kafkago.WriteErrors
	if errors.As(err, &werrs) {
		for _, e := range werrs {
			if e != nil && permanentKafkaError(e) {
				return true
			}
		}
		return false
	}

	var kerr kafkago.Error
	if !errors.As(err, &kerr) {
		return false
	}
	switch kerr {
	case kafkago.MessageSizeTooLarge,
		kafkago.InvalidTopic,
		kafkago.TopicAuthorizationFailed,
		kafkago.InvalidMessage,
		kafkago.UnsupportedVersion:
		return true
	}
	return false
}
