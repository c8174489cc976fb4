package kafka

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/millpulse/backend/internal/config"
	"github.com/millpulse/backend/internal/utils"
	"go.uber.org/zap"
)

// Producer publishes JSON messages to Kafka topics
type Producer struct {
	producer *kafka.Producer
	logger   *utils.Logger
	config   *config.KafkaConfig
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg *config.KafkaConfig, logger *utils.Logger) (*Producer, error) {
	kafkaLogger := logger.Named("kafka_producer")

	kafkaConfig := &kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
		"client.id":         "millpulse-producer",
		"acks":              "all",
	}
	if err := applySecurity(kafkaConfig, cfg); err != nil {
		return nil, err
	}

	producer, err := kafka.NewProducer(kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	// Delivery reports for async produces
	go func() {
		for e := range producer.Events() {
			ev, ok := e.(*kafka.Message)
			if !ok {
				continue
			}
			if ev.TopicPartition.Error != nil {
				kafkaLogger.Error("Failed to deliver message",
					zap.String("topic", *ev.TopicPartition.Topic),
					zap.Error(ev.TopicPartition.Error),
				)
				continue
			}
			kafkaLogger.Debug("Message delivered",
				zap.String("topic", *ev.TopicPartition.Topic),
				zap.Int32("partition", ev.TopicPartition.Partition),
				zap.Int64("offset", int64(ev.TopicPartition.Offset)),
			)
		}
	}()

	return &Producer{
		producer: producer,
		logger:   kafkaLogger,
		config:   cfg,
	}, nil
}

// Message represents a message to be sent to Kafka. A []byte or json.RawMessage value is
// sent as is, anything else is JSON encoded.
type Message struct {
	Key       string
	Value     interface{}
	Timestamp time.Time
	Headers   map[string]string
}

// buildMessage converts a Message into the wire message for topic
func buildMessage(topic string, message *Message) (*kafka.Message, error) {
	var valueBytes []byte
	switch v := message.Value.(type) {
	case []byte:
		valueBytes = v
	case json.RawMessage:
		valueBytes = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message value: %w", err)
		}
		valueBytes = encoded
	}

	kafkaMessage := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Value:          valueBytes,
		Timestamp:      message.Timestamp,
	}
	if message.Key != "" {
		kafkaMessage.Key = []byte(message.Key)
	}

	if len(message.Headers) > 0 {
		keys := make([]string, 0, len(message.Headers))
		for k := range message.Headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		kafkaMessage.Headers = make([]kafka.Header, 0, len(keys))
		for _, k := range keys {
			kafkaMessage.Headers = append(kafkaMessage.Headers, kafka.Header{
				Key:   k,
				Value: []byte(message.Headers[k]),
			})
		}
	}
	return kafkaMessage, nil
}

// Produce sends a message to a Kafka topic without waiting for delivery
func (p *Producer) Produce(topic string, message *Message) error {
	kafkaMessage, err := buildMessage(topic, message)
	if err != nil {
		return err
	}

	p.logger.Debug("Producing message",
		zap.String("topic", topic),
		zap.String("key", message.Key),
		zap.Time("timestamp", message.Timestamp),
	)

	if err := p.producer.Produce(kafkaMessage, nil); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}
	return nil
}

// ProduceSync sends a message to a Kafka topic and waits for the delivery report
func (p *Producer) ProduceSync(topic string, message *Message) error {
	kafkaMessage, err := buildMessage(topic, message)
	if err != nil {
		return err
	}

	deliveryChan := make(chan kafka.Event, 1)
	if err := p.producer.Produce(kafkaMessage, deliveryChan); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}

	e := <-deliveryChan
	m, ok := e.(*kafka.Message)
	if !ok {
		return fmt.Errorf("unexpected delivery event %v", e)
	}
	if m.TopicPartition.Error != nil {
		return fmt.Errorf("failed to deliver message: %w", m.TopicPartition.Error)
	}
	return nil
}

// Flush flushes the producer's message queue
func (p *Producer) Flush(timeoutMs int) int {
	return p.producer.Flush(timeoutMs)
}

// Close flushes outstanding messages and closes the producer
func (p *Producer) Close() {
	if remaining := p.producer.Flush(5000); remaining > 0 {
		p.logger.Warn("Failed to deliver all messages during flush", zap.Int("remaining", remaining))
	}
	p.producer.Close()
	p.logger.Info("Kafka producer closed")
}

// applySecurity adds SASL_SSL settings when enabled
func applySecurity(kafkaConfig *kafka.ConfigMap, cfg *config.KafkaConfig) error {
	if !cfg.SecurityEnable {
		return nil
	}

	settings := []struct {
		key   string
		value string
	}{
		{"security.protocol", "SASL_SSL"},
		{"sasl.mechanisms", "PLAIN"},
		{"sasl.username", cfg.SecurityUser},
		{"sasl.password", cfg.SecurityPass},
	}
	for _, s := range settings {
		if err := kafkaConfig.SetKey(s.key, s.value); err != nil {
			return fmt.Errorf("failed to set %s: %w", s.key, err)
		}
	}
	return nil
}
