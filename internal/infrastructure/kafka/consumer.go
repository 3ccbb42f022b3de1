package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"time"

	"tutorchat-ws/internal/domain"

	"github.com/segmentio/kafka-go"
)

// EventHandler receives every fan-out event published by any instance,
// this one included.
type EventHandler interface {
	Deliver(event domain.FanoutEvent)
}

type KafkaConsumer struct {
	readers []*kafka.Reader
	handler EventHandler
}

// NewKafkaConsumer builds one reader per topic. groupID must be unique per
// gateway instance so that every instance sees every event.
func NewKafkaConsumer(brokers []string, groupID string, topics []string, handler EventHandler) *KafkaConsumer {
	var readers []*kafka.Reader

	for _, topic := range topics {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			Topic:          topic,
			GroupID:        groupID,
			MinBytes:       1,
			MaxBytes:       10e6,
			CommitInterval: 100 * time.Millisecond,
			StartOffset:    kafka.LastOffset,
			MaxWait:        100 * time.Millisecond,
		})
		readers = append(readers, reader)
	}

	return &KafkaConsumer{
		readers: readers,
		handler: handler,
	}
}

func (k *KafkaConsumer) Start(ctx context.Context) error {
	for i := range k.readers {
		go func(readerIndex int) {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("Recovered from panic in Kafka consumer goroutine %d: %v", readerIndex, r)
				}
			}()

			reader := k.readers[readerIndex]
			topic := reader.Config().Topic

			for {
				m, err := reader.ReadMessage(ctx)
				if err != nil {
					if ctx.Err() != nil {
						log.Printf("Kafka consumer for topic %s stopping...", topic)
						return
					}
					if errors.Is(err, kafka.RebalanceInProgress) || errors.Is(err, kafka.LeaderNotAvailable) {
						log.Printf("Kafka topic %s is rebalancing, continuing...", topic)
						continue
					}
					if errors.Is(err, io.EOF) {
						return
					}
					log.Printf("Error reading Kafka message from %s: %v", topic, err)
					continue
				}

				if k.handler != nil {
					k.handleMessage(m.Topic, m.Value)
				}
			}
		}(i)
	}

	return nil
}

func (k *KafkaConsumer) handleMessage(topic string, value []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic in handleMessage for topic %s: %v", topic, r)
		}
	}()

	var event domain.FanoutEvent
	if err := json.Unmarshal(value, &event); err != nil {
		log.Printf("Error unmarshaling fan-out event from %s: %v", topic, err)
		return
	}
	if event.Message.Type == "" {
		log.Printf("Dropping fan-out event without type from %s", topic)
		return
	}

	k.handler.Deliver(event)
}

func (k *KafkaConsumer) Close() error {
	for i := range k.readers {
		if err := k.readers[i].Close(); err != nil {
			log.Printf("Error closing Kafka reader: %v", err)
		}
	}
	return nil
}
