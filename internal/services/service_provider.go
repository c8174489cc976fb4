package services

import (
	"context"
	"fmt"
	"time"

	"github.com/millpulse/backend/internal/cache"
	"github.com/millpulse/backend/internal/config"
	"github.com/millpulse/backend/internal/db"
	"github.com/millpulse/backend/internal/db/repository"
	"github.com/millpulse/backend/internal/kafka"
	"github.com/millpulse/backend/internal/metrics"
	"github.com/millpulse/backend/internal/utils"
	"go.uber.org/zap"
)

// ServiceProvider manages all services for the application
type ServiceProvider struct {
	logger              *utils.Logger
	config              *config.Config
	database            *db.Database
	stats               *metrics.Stats
	resultCache         cache.ResultCache
	kafkaManager        *kafka.Manager
	eventRepo           repository.EventRepository
	analyticsService    *AnalyticsService
	ingestService       *IngestService
	notificationService *NotificationService
}

// NewServiceProvider creates a new service provider. stats may be nil.
func NewServiceProvider(
	logger *utils.Logger,
	config *config.Config,
	database *db.Database,
	stats *metrics.Stats,
) *ServiceProvider {
	if stats == nil {
		stats = metrics.NewStats()
	}
	return &ServiceProvider{
		logger:   logger.Named("services"),
		config:   config,
		database: database,
		stats:    stats,
	}
}

// Initialize initializes all services
func (sp *ServiceProvider) Initialize(ctx context.Context) error {
	var err error

	repoFactory := repository.NewRepositoryFactory(sp.database.DB)
	sp.eventRepo = repoFactory.Event()

	ttl := time.Duration(sp.config.Analytics.CacheTTLSeconds) * time.Second
	sp.resultCache, err = cache.New(&sp.config.Redis, ttl)
	if err != nil {
		return fmt.Errorf("failed to connect to result cache: %w", err)
	}
	if sp.config.Redis.Enabled {
		sp.logger.Info("Result cache connected",
			zap.String("address", sp.config.Redis.Address),
			zap.Duration("ttl", ttl))
	}

	sp.notificationService = NewNotificationService(sp.logger)
	sp.logger.Info("Notification service initialized")

	sp.ingestService, err = NewIngestService(sp.eventRepo, sp.notificationService, sp.resultCache, sp.stats, sp.logger)
	if err != nil {
		return fmt.Errorf("failed to create ingest service: %w", err)
	}

	sp.analyticsService = NewAnalyticsService(sp.eventRepo, sp.resultCache, sp.stats, sp.config.Analytics, sp.logger)
	sp.logger.Info("Analytics service initialized",
		zap.Int("max_events", sp.config.Analytics.MaxEvents),
		zap.Int("fetch_chunk_size", sp.config.Analytics.FetchChunkSize))

	if !sp.config.Kafka.Enabled {
		sp.logger.Info("Kafka ingest disabled")
		return nil
	}

	sp.kafkaManager, err = kafka.NewManager(&sp.config.Kafka, sp.logger)
	if err != nil {
		return fmt.Errorf("failed to create Kafka manager: %w", err)
	}

	if err = sp.kafkaManager.RegisterMachineEventHandler("ingest", sp.ingestService.HandleKafkaMessage); err != nil {
		return fmt.Errorf("failed to register machine event consumer: %w", err)
	}

	if err = sp.kafkaManager.Start(); err != nil {
		return fmt.Errorf("failed to start Kafka manager: %w", err)
	}
	sp.logger.Info("Kafka manager started", zap.String("topic", sp.kafkaManager.EventsTopic()))

	return nil
}

// Shutdown performs a graceful shutdown of all services
func (sp *ServiceProvider) Shutdown() error {
	sp.logger.Info("Shutting down services")

	if sp.kafkaManager != nil {
		if sp.kafkaManager.IsRunning() {
			sp.logger.Info("Stopping Kafka manager")
			if err := sp.kafkaManager.Stop(); err != nil {
				sp.logger.Error("Failed to stop Kafka manager", zap.Error(err))
			}
		} else {
			sp.kafkaManager.Close()
		}
	}

	if sp.notificationService != nil {
		sp.notificationService.Close()
	}

	if sp.resultCache != nil {
		if err := sp.resultCache.Close(); err != nil {
			sp.logger.Error("Failed to close result cache", zap.Error(err))
		}
	}

	sp.logger.Info("Services shut down successfully")
	return nil
}

// GetStats returns the metrics registry shared by all services
func (sp *ServiceProvider) GetStats() *metrics.Stats {
	return sp.stats
}

// GetKafkaManager returns the Kafka manager, nil when Kafka is disabled
func (sp *ServiceProvider) GetKafkaManager() *kafka.Manager {
	return sp.kafkaManager
}

// GetEventRepository returns the event repository
func (sp *ServiceProvider) GetEventRepository() repository.EventRepository {
	return sp.eventRepo
}

// GetAnalyticsService returns the analytics service
func (sp *ServiceProvider) GetAnalyticsService() *AnalyticsService {
	return sp.analyticsService
}

// GetIngestService returns the ingest service
func (sp *ServiceProvider) GetIngestService() *IngestService {
	return sp.ingestService
}

// GetNotificationService returns the notification service
func (sp *ServiceProvider) GetNotificationService() *NotificationService {
	return sp.notificationService
}
