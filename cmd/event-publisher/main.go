package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/millpulse/backend/internal/config"
	"github.com/millpulse/backend/internal/eventlog"
	"github.com/millpulse/backend/internal/kafka"
	"github.com/millpulse/backend/internal/utils"
	"go.uber.org/zap"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "./config", "Path to the configuration directory")
	file := flag.String("file", "", "Event log to publish (.json or .xlsx)")
	interval := flag.Duration("interval", 0, "Delay between messages, e.g. 100ms to replay slowly")
	flag.Parse()

	if *file == "" {
		fmt.Println("Usage: event-publisher -file events.json [-config ./config] [-interval 100ms]")
		os.Exit(2)
	}

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Set up logging
	logger, err := utils.NewLogger(&cfg.Log)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	events, err := eventlog.Load(*file)
	if err != nil {
		logger.Fatal("Failed to read event log", zap.String("file", *file), zap.Error(err))
	}

	kafkaManager, err := kafka.NewManager(&cfg.Kafka, logger)
	if err != nil {
		logger.Fatal("Failed to create Kafka manager", zap.Error(err))
	}
	defer kafkaManager.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signals
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	logger.Info("Publishing machine events",
		zap.String("topic", kafkaManager.EventsTopic()),
		zap.Int("count", len(events)),
		zap.Duration("interval", *interval))

	published := 0
	for _, event := range events {
		if ctx.Err() != nil {
			break
		}

		payload, err := json.Marshal(event)
		if err != nil {
			logger.Error("Failed to encode event", zap.String("id", event.ID), zap.Error(err))
			continue
		}

		if err := kafkaManager.ProduceMachineEvent(event.Mill, payload); err != nil {
			logger.Error("Failed to publish event", zap.String("id", event.ID), zap.Error(err))
			continue
		}
		published++

		if *interval > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(*interval):
			}
		}
	}

	logger.Info("Publishing completed", zap.Int("published", published), zap.Int("total", len(events)))
}
