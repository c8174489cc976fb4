package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/millpulse/backend/internal/config"
	"github.com/millpulse/backend/internal/utils"
	"go.uber.org/zap"
)

// TopicMachineEvents is the default topic carrying machine-state events
const TopicMachineEvents = "machine-events"

// Manager coordinates Kafka producers and consumers
type Manager struct {
	config           *config.KafkaConfig
	logger           *utils.Logger
	mainProducer     *Producer
	dlqProducer      *Producer
	consumers        map[string]*Consumer
	consumerCtx      context.Context
	consumerCancel   context.CancelFunc
	wg               sync.WaitGroup
	mu               sync.Mutex
	isRunning        bool
	messageProcessed chan struct{}
}

// NewManager creates a new Kafka manager
func NewManager(cfg *config.KafkaConfig, logger *utils.Logger) (*Manager, error) {
	kafkaLogger := logger.Named("kafka_manager")

	mainProducer, err := NewProducer(cfg, kafkaLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to create main producer: %w", err)
	}

	dlqProducer, err := NewProducer(cfg, kafkaLogger)
	if err != nil {
		mainProducer.Close()
		return nil, fmt.Errorf("failed to create DLQ producer: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		config:           cfg,
		logger:           kafkaLogger,
		mainProducer:     mainProducer,
		dlqProducer:      dlqProducer,
		consumers:        make(map[string]*Consumer),
		consumerCtx:      ctx,
		consumerCancel:   cancel,
		messageProcessed: make(chan struct{}, 100),
	}, nil
}

// EventsTopic returns the configured machine-events topic
func (m *Manager) EventsTopic() string {
	if m.config.EventsTopic != "" {
		return m.config.EventsTopic
	}
	return TopicMachineEvents
}

// Start starts all registered consumers
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRunning {
		return fmt.Errorf("kafka manager is already running")
	}

	for name, consumer := range m.consumers {
		m.logger.Info("Starting consumer", zap.String("name", name))
		if err := consumer.Start(m.consumerCtx); err != nil {
			m.logger.Error("Failed to start consumer", zap.String("name", name), zap.Error(err))
			m.stopAllConsumers()
			return fmt.Errorf("failed to start consumer %s: %w", name, err)
		}
	}

	m.wg.Add(1)
	go m.monitorProcessing()

	m.isRunning = true
	m.logger.Info("Kafka manager started")
	return nil
}

// AddConsumer creates and registers a consumer with per-topic handlers
func (m *Manager) AddConsumer(name string, handlers map[string][]MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRunning {
		return fmt.Errorf("cannot add consumer while manager is running")
	}
	if _, exists := m.consumers[name]; exists {
		return fmt.Errorf("consumer with name %s already exists", name)
	}

	consumer, err := NewConsumer(m.config, m.logger, m.dlqProducer)
	if err != nil {
		return fmt.Errorf("failed to create consumer %s: %w", name, err)
	}

	topics := make([]string, 0, len(handlers))
	for topic, topicHandlers := range handlers {
		topics = append(topics, topic)
		for _, handler := range topicHandlers {
			consumer.RegisterHandler(topic, m.wrapHandler(handler))
		}
	}

	m.consumers[name] = consumer
	m.logger.Info("Added consumer", zap.String("name", name), zap.Strings("topics", topics))
	return nil
}

// wrapHandler signals the processing monitor after each message
func (m *Manager) wrapHandler(handler MessageHandler) MessageHandler {
	return func(ctx context.Context, msg *kafka.Message) error {
		defer func() {
			select {
			case m.messageProcessed <- struct{}{}:
			default:
			}
		}()
		return handler(ctx, msg)
	}
}

// ProduceMessage sends a message to the specified topic
func (m *Manager) ProduceMessage(topic string, key string, value interface{}, headers map[string]string) error {
	return m.mainProducer.Produce(topic, &Message{
		Key:       key,
		Value:     value,
		Timestamp: time.Now(),
		Headers:   headers,
	})
}

// ProduceMachineEvent publishes one raw event payload keyed by mill, so a mill's events
// stay ordered within a partition
func (m *Manager) ProduceMachineEvent(mill string, payload []byte) error {
	return m.ProduceMessage(m.EventsTopic(), mill, payload, nil)
}

// RegisterMachineEventHandler consumes the machine-events topic and hands each raw payload
// to handler. Failed payloads land on the topic's DLQ.
func (m *Manager) RegisterMachineEventHandler(name string, handler func(ctx context.Context, payload []byte) error) error {
	topic := m.EventsTopic()
	msgHandler := func(ctx context.Context, msg *kafka.Message) error {
		return handler(ctx, msg.Value)
	}

	return m.AddConsumer(
		fmt.Sprintf("%s-%s", name, topic),
		map[string][]MessageHandler{topic: {msgHandler}},
	)
}

// monitorProcessing logs throughput once a minute
func (m *Manager) monitorProcessing() {
	defer m.wg.Done()

	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	messageCount := 0
	for {
		select {
		case <-m.consumerCtx.Done():
			m.logger.Info("Message processing monitor stopped")
			return
		case <-m.messageProcessed:
			messageCount++
		case <-ticker.C:
			if messageCount > 0 {
				m.logger.Info("Message processing statistics",
					zap.Int("processed_messages", messageCount),
					zap.String("interval", "1m"))
				messageCount = 0
			}
		}
	}
}

func (m *Manager) stopAllConsumers() {
	for name, consumer := range m.consumers {
		m.logger.Info("Stopping consumer", zap.String("name", name))
		consumer.Stop()
	}
}

// Stop stops all consumers and closes the producers
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isRunning {
		return fmt.Errorf("kafka manager is not running")
	}

	m.consumerCancel()
	m.stopAllConsumers()
	m.wg.Wait()

	m.mainProducer.Close()
	m.dlqProducer.Close()

	m.isRunning = false
	m.logger.Info("Kafka manager stopped")
	return nil
}

// Close releases the producers of a manager that was never started
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isRunning {
		return
	}
	m.consumerCancel()
	m.mainProducer.Close()
	m.dlqProducer.Close()
}

// IsRunning returns whether the Kafka manager is running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isRunning
}
