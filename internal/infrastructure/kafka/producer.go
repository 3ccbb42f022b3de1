package kafka

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"tutorchat-ws/internal/domain"

	"github.com/segmentio/kafka-go"
)

const (
	TopicChatEvents     = "chat-events"
	TopicPresenceEvents = "presence-events"
	TopicTypingEvents   = "typing-events"
)

// Topics lists every topic a gateway instance consumes.
func Topics() []string {
	return []string{TopicChatEvents, TopicPresenceEvents, TopicTypingEvents}
}

type KafkaProducer struct {
	Writer *kafka.Writer
}

func NewKafkaProducer(brokers []string) *KafkaProducer {
	writer := &kafka.Writer{
		Addr: kafka.TCP(brokers...),
		// Same key, same partition: per-chat order survives fan-out.
		Balancer:     &kafka.Hash{},
		BatchSize:    1,
		BatchTimeout: 0 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	return &KafkaProducer{Writer: writer}
}

// Publish implements delivery.EventBus.
func (k *KafkaProducer) Publish(ctx context.Context, event domain.FanoutEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	topic := TopicForEvent(event.Message.Type)
	msg := kafka.Message{
		Topic: topic,
		Value: data,
	}
	if event.Key != "" {
		msg.Key = []byte(event.Key)
	}

	if err := k.Writer.WriteMessages(ctx, msg); err != nil {
		log.Printf("Failed to send event %s to Kafka topic %s: %v", event.Message.Type, topic, err)
		return err
	}
	return nil
}

func TopicForEvent(eventType domain.EventType) string {
	switch eventType {
	case domain.EventUserOnline, domain.EventUserOffline:
		return TopicPresenceEvents
	case domain.EventTypingIndicator:
		return TopicTypingEvents
	default:
		return TopicChatEvents
	}
}

func (k *KafkaProducer) Close() error {
	return k.Writer.Close()
}
