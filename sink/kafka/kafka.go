// Package kafka publishes engine events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/rustyeddy/algotrader/events"
)

const (
	DefaultBroker = "localhost:9092"
	DefaultTopic  = "algotrader_events"
)

type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Brokers string `yaml:"brokers" json:"brokers"`
	Topic   string `yaml:"topic" json:"topic"`
}

// Producer is the subset of *kafka.Producer the sink uses.
type Producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Events() chan kafka.Event
	Flush(timeoutMs int) int
	Close()
}

// Sink is an events.Sink writing JSON events keyed by account.
type Sink struct {
	producer Producer
	topic    string
	log      *zap.Logger
	done     chan struct{}
}

// New creates a librdkafka producer for cfg.
func New(cfg Config, log *zap.Logger) (*Sink, error) {
	if cfg.Brokers == "" {
		cfg.Brokers = DefaultBroker
	}
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	log.Info("kafka producer initialized", zap.String("brokers", cfg.Brokers))
	return NewWithProducer(p, cfg.Topic, log), nil
}

// NewWithProducer wraps an existing producer and starts the delivery report
// loop.
func NewWithProducer(p Producer, topic string, log *zap.Logger) *Sink {
	if topic == "" {
		topic = DefaultTopic
	}
	s := &Sink{producer: p, topic: topic, log: log, done: make(chan struct{})}
	go s.deliveryReports()
	return s
}

// deliveryReports logs failed deliveries from the producer's Events channel.
func (s *Sink) deliveryReports() {
	defer close(s.done)
	for e := range s.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				s.log.Error("kafka delivery failed", zap.Error(ev.TopicPartition.Error))
			}
		case kafka.Error:
			s.log.Warn("kafka error", zap.Error(ev))
		}
	}
}

func (s *Sink) Send(_ context.Context, e events.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	topic := s.topic
	return s.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(e.Account),
		Value:          b,
		Headers:        []kafka.Header{{Key: "kind", Value: []byte(e.Kind)}},
	}, nil)
}

// Close flushes outstanding messages for up to 5s and closes the producer.
func (s *Sink) Close() error {
	if n := s.producer.Flush(5000); n > 0 {
		s.log.Warn("kafka close with unflushed messages", zap.Int("pending", n))
	}
	s.producer.Close()
	<-s.done
	return nil
}
