package db

import (
	"context"
	"fmt"
	"time"

	"github.com/millpulse/backend/internal/config"
	"github.com/millpulse/backend/internal/db/models"
	"github.com/millpulse/backend/internal/utils"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Database wraps a GORM DB connection with additional functionality
type Database struct {
	*gorm.DB
	logger *utils.Logger
}

// NewDatabase connects to Postgres and verifies the connection
func NewDatabase(cfg *config.DatabaseConfig, log *utils.Logger) (*Database, error) {
	dbLogger := log.Named("database")

	gormConfig := &gorm.Config{
		Logger:                 NewGormLogger(dbLogger),
		PrepareStmt:            true,
		SkipDefaultTransaction: true,
	}

	dbLogger.Info("Connecting to database",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("dbname", cfg.DBName),
		zap.String("user", cfg.User),
	)

	gdb, err := gorm.Open(postgres.Open(cfg.GetDSN()), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB instance: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	database := Wrap(gdb, log)
	if err := database.VerifyConnection(context.Background()); err != nil {
		return nil, err
	}
	return database, nil
}

// Wrap adopts an already opened GORM connection, such as an in-memory SQLite database
func Wrap(gdb *gorm.DB, log *utils.Logger) *Database {
	return &Database{DB: gdb, logger: log.Named("database")}
}

// NewGormLogger routes GORM's warnings and slow queries through zap
func NewGormLogger(log *utils.Logger) logger.Interface {
	return logger.New(
		&logAdapter{logger: log},
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

// VerifyConnection checks if the database connection is working
func (db *Database) VerifyConnection(ctx context.Context) error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB instance: %w", err)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	db.logger.Info("Successfully connected to database")
	return nil
}

// AutoMigrate creates or updates the event table and its indexes
func (db *Database) AutoMigrate() error {
	db.logger.Info("Running auto migrations")

	if err := db.DB.AutoMigrate(&models.HistoricalEvent{}); err != nil {
		return fmt.Errorf("failed to auto migrate models: %w", err)
	}
	return nil
}

// Close closes the database connection
func (db *Database) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB instance: %w", err)
	}

	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}

	db.logger.Info("Database connection closed")
	return nil
}

// logAdapter adapts our logger to GORM's logger writer
type logAdapter struct {
	logger *utils.Logger
}

// Printf implements GORM's logger.Writer
func (l *logAdapter) Printf(format string, v ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, v...))
}
