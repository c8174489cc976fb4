package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Analytics AnalyticsConfig `mapstructure:"analytics"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	Host         string `mapstructure:"host"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
	IdleTimeout  int    `mapstructure:"idle_timeout"`
	Environment  string `mapstructure:"environment"`
}

// DatabaseConfig holds database-specific configuration
type DatabaseConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	DBName      string `mapstructure:"dbname"`
	SSLMode     string `mapstructure:"sslmode"`
	TimeZone    string `mapstructure:"timezone"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// KafkaConfig holds Kafka configuration
type KafkaConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Brokers        string `mapstructure:"brokers"`
	ConsumerGroup  string `mapstructure:"consumer_group"`
	EventsTopic    string `mapstructure:"events_topic"`
	SecurityEnable bool   `mapstructure:"security_enable"`
	SecurityUser   string `mapstructure:"security_user"`
	SecurityPass   string `mapstructure:"security_pass"`
}

// RedisConfig holds the analytics result cache configuration
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
	Timeout  int    `mapstructure:"timeout"` // seconds
}

// AnalyticsConfig holds defaults and resource limits for the downtime analyzers
type AnalyticsConfig struct {
	DefaultThresholdMinutes float64 `mapstructure:"default_threshold_minutes"`
	DefaultTopN             int     `mapstructure:"default_top_n"`
	MaxEvents               int     `mapstructure:"max_events"`
	FetchChunkSize          int     `mapstructure:"fetch_chunk_size"`
	CacheTTLSeconds         int     `mapstructure:"cache_ttl_seconds"`
}

// TelemetryConfig holds OpenTelemetry tracing configuration
type TelemetryConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	ServiceName  string  `mapstructure:"service_name"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	Insecure     bool    `mapstructure:"insecure"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// LoadConfig loads the application configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	var config Config

	// Set default configuration file path if not provided
	if configPath == "" {
		configPath = "./config"
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)

	// Environment overrides, e.g. MILLPULSE_ANALYTICS_MAX_EVENTS
	v.SetEnvPrefix("MILLPULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine, defaults and env vars still apply
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read configuration file: %w", err)
		}
	}

	v.AutomaticEnv()

	setDefaults(v)

	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// setDefaults sets default values for the configuration
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", 15)  // seconds
	v.SetDefault("server.write_timeout", 60) // seconds, exports can be slow
	v.SetDefault("server.idle_timeout", 60)  // seconds
	v.SetDefault("server.environment", "development")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.dbname", "millpulse")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.timezone", "UTC")
	v.SetDefault("database.auto_migrate", true)

	// Kafka defaults
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", "kafka:9092")
	v.SetDefault("kafka.consumer_group", "millpulse")
	v.SetDefault("kafka.events_topic", "machine-events")
	v.SetDefault("kafka.security_enable", false)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "millpulse:analytics:")
	v.SetDefault("redis.timeout", 5)

	// Analytics defaults
	v.SetDefault("analytics.default_threshold_minutes", 20)
	v.SetDefault("analytics.default_top_n", 12)
	v.SetDefault("analytics.max_events", 50000)
	v.SetDefault("analytics.fetch_chunk_size", 1000)
	v.SetDefault("analytics.cache_ttl_seconds", 300)

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "millpulse-backend")
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4318")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.sample_ratio", 1.0)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output_path", "stdout")
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	if config.Database.Password == "" {
		dbPassword := os.Getenv("MILLPULSE_DATABASE_PASSWORD")
		if dbPassword == "" {
			if config.Server.Environment != "development" && config.Server.Environment != "test" {
				return fmt.Errorf("database password is required in non-development environments")
			}
		} else {
			config.Database.Password = dbPassword
		}
	}

	if err := config.Analytics.Validate(); err != nil {
		return err
	}

	if config.Kafka.Enabled && config.Kafka.EventsTopic == "" {
		return fmt.Errorf("kafka events topic is required when kafka is enabled")
	}

	return nil
}

// Validate checks the analytics limits
func (c *AnalyticsConfig) Validate() error {
	if c.DefaultThresholdMinutes <= 0 {
		return fmt.Errorf("analytics.default_threshold_minutes must be positive, got %v", c.DefaultThresholdMinutes)
	}
	if c.DefaultTopN < 1 {
		return fmt.Errorf("analytics.default_top_n must be at least 1, got %d", c.DefaultTopN)
	}
	if c.MaxEvents < 1 {
		return fmt.Errorf("analytics.max_events must be at least 1, got %d", c.MaxEvents)
	}
	if c.FetchChunkSize < 1 {
		return fmt.Errorf("analytics.fetch_chunk_size must be at least 1, got %d", c.FetchChunkSize)
	}
	return nil
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode, c.TimeZone)
}

// IsProduction returns true if the environment is production
func (c *ServerConfig) IsProduction() bool {
	return c.Environment == "production"
}

// IsDevelopment returns true if the environment is development
func (c *ServerConfig) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsTest returns true if the environment is test
func (c *ServerConfig) IsTest() bool {
	return c.Environment == "test"
}
