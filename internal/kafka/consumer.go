package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/millpulse/backend/internal/config"
	"github.com/millpulse/backend/internal/utils"
	"go.uber.org/zap"
)

// MessageHandler processes one Kafka message. A returned error routes the message to the
// topic's dead letter queue.
type MessageHandler func(ctx context.Context, msg *kafka.Message) error

// Consumer reads messages from subscribed topics and dispatches them to handlers
type Consumer struct {
	consumer    *kafka.Consumer
	logger      *utils.Logger
	config      *config.KafkaConfig
	handlers    map[string][]MessageHandler
	dlqProducer *Producer

	mu       sync.Mutex
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
	stopOnce sync.Once
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg *config.KafkaConfig, logger *utils.Logger, dlqProducer *Producer) (*Consumer, error) {
	kafkaConfig := &kafka.ConfigMap{
		"bootstrap.servers":       cfg.Brokers,
		"group.id":                cfg.ConsumerGroup,
		"auto.offset.reset":       "earliest",
		"enable.auto.commit":      true,
		"auto.commit.interval.ms": 5000,
	}
	if err := applySecurity(kafkaConfig, cfg); err != nil {
		return nil, err
	}

	consumer, err := kafka.NewConsumer(kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}

	return &Consumer{
		consumer:    consumer,
		logger:      logger.Named("kafka_consumer"),
		config:      cfg,
		handlers:    make(map[string][]MessageHandler),
		dlqProducer: dlqProducer,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// RegisterHandler registers a message handler for a specific topic
func (c *Consumer) RegisterHandler(topic string, handler MessageHandler) {
	c.handlers[topic] = append(c.handlers[topic], handler)
	c.logger.Info("Registered handler for topic", zap.String("topic", topic))
}

// Start subscribes to every topic with a handler and begins polling
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("consumer is already running")
	}

	topics := make([]string, 0, len(c.handlers))
	for topic := range c.handlers {
		topics = append(topics, topic)
	}
	if len(topics) == 0 {
		return fmt.Errorf("no topics registered")
	}

	if err := c.consumer.SubscribeTopics(topics, nil); err != nil {
		return fmt.Errorf("failed to subscribe to topics: %w", err)
	}
	c.logger.Info("Subscribed to topics", zap.Strings("topics", topics))

	c.running = true
	go c.consumeLoop(ctx)
	return nil
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer close(c.doneCh)
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		_ = c.consumer.Close()
	}()

	c.logger.Info("Starting Kafka consumer loop")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Context canceled, stopping consumer")
			return
		case <-c.stopCh:
			c.logger.Info("Received stop signal, stopping consumer")
			return
		default:
		}

		msg, err := c.consumer.ReadMessage(100 * time.Millisecond)
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) && kerr.Code() == kafka.ErrTimedOut {
				continue
			}
			c.logger.Error("Error reading message from Kafka", zap.Error(err))
			continue
		}

		c.processMessage(ctx, msg)
	}
}

// processMessage runs every handler for the message's topic and dead-letters failures
func (c *Consumer) processMessage(ctx context.Context, msg *kafka.Message) {
	if msg == nil || msg.TopicPartition.Topic == nil {
		return
	}

	topic := *msg.TopicPartition.Topic
	handlers := c.handlers[topic]
	if len(handlers) == 0 {
		c.logger.Warn("No handlers registered for topic", zap.String("topic", topic))
		return
	}

	c.logger.Debug("Processing message",
		zap.String("topic", topic),
		zap.Int32("partition", msg.TopicPartition.Partition),
		zap.Int64("offset", int64(msg.TopicPartition.Offset)),
		zap.Time("timestamp", msg.Timestamp),
	)

	for i, handler := range handlers {
		err := handler(ctx, msg)
		if err == nil {
			continue
		}

		c.logger.Error("Handler failed to process message",
			zap.String("topic", topic),
			zap.Int("handler_index", i),
			zap.Error(err),
		)
		if c.dlqProducer == nil {
			continue
		}

		dlqTopic := DLQTopic(topic)
		if err := c.dlqProducer.Produce(dlqTopic, dlqMessage(msg, topic, err)); err != nil {
			c.logger.Error("Failed to send message to DLQ",
				zap.String("dlq_topic", dlqTopic),
				zap.Error(err),
			)
		}
	}
}

// DLQTopic names the dead letter topic of topic
func DLQTopic(topic string) string {
	return topic + ".dlq"
}

// dlqMessage copies the failed payload verbatim and records why it failed
func dlqMessage(msg *kafka.Message, topic string, cause error) *Message {
	return &Message{
		Key:       string(msg.Key),
		Value:     msg.Value,
		Timestamp: time.Now(),
		Headers: map[string]string{
			"error":          cause.Error(),
			"original_topic": topic,
		},
	}
}

// Stop stops the consumer and waits for the poll loop to exit
func (c *Consumer) Stop() {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()

	c.stopOnce.Do(func() { close(c.stopCh) })
	if running {
		<-c.doneCh
	}
	c.logger.Info("Kafka consumer stopped")
}
