package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// Kafka publishes notifications to a topic, keyed by recipient so one recipient's messages
// stay ordered.
type Kafka struct {
	Producer sarama.SyncProducer
	Topic    string
}

func NewKafkaProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return producer, nil
}

func (k Kafka) Notify(_ context.Context, n Notification) error {
	if n.SentAt.IsZero() {
		n.SentAt = time.Now().UTC()
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: k.Topic,
		Key:   sarama.StringEncoder(n.Recipient),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("kind"), Value: []byte(n.Kind)},
		},
	}
	if _, _, err := k.Producer.SendMessage(msg); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

func (k Kafka) Close() error {
	if k.Producer == nil {
		return nil
	}
	return k.Producer.Close()
}
