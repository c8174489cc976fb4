package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.True(t, cfg.Server.IsDevelopment())
	assert.Equal(t, 20.0, cfg.Analytics.DefaultThresholdMinutes)
	assert.Equal(t, 12, cfg.Analytics.DefaultTopN)
	assert.Equal(t, 50000, cfg.Analytics.MaxEvents)
	assert.Equal(t, 1000, cfg.Analytics.FetchChunkSize)
	assert.Equal(t, "machine-events", cfg.Kafka.EventsTopic)
	assert.False(t, cfg.Redis.Enabled)
}

func TestLoadConfig_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	content := []byte(`
server:
  port: 9090
analytics:
  max_events: 1000
  default_top_n: 5
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o600))

	t.Setenv("MILLPULSE_ANALYTICS_FETCH_CHUNK_SIZE", "250")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 1000, cfg.Analytics.MaxEvents)
	assert.Equal(t, 5, cfg.Analytics.DefaultTopN)
	assert.Equal(t, 250, cfg.Analytics.FetchChunkSize)
}

func TestLoadConfig_RejectsInvalidAnalyticsLimits(t *testing.T) {
	dir := t.TempDir()
	content := []byte(`
analytics:
  max_events: 0
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o600))

	_, err := LoadConfig(dir)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "max_events")
}

func TestLoadConfig_ProductionRequiresPassword(t *testing.T) {
	t.Setenv("MILLPULSE_SERVER_ENVIRONMENT", "production")
	t.Setenv("MILLPULSE_DATABASE_PASSWORD", "")

	_, err := LoadConfig(t.TempDir())
	assert.Error(t, err)
}

func TestDatabaseConfig_GetDSN(t *testing.T) {
	c := DatabaseConfig{
		Host: "db", Port: 5432, User: "u", Password: "p",
		DBName: "millpulse", SSLMode: "disable", TimeZone: "UTC",
	}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=millpulse sslmode=disable TimeZone=UTC", c.GetDSN())
}
