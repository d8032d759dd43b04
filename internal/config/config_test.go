package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"rebook/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	t.Setenv("REBOOK_BOT_TOKEN", "test_token")

	yamlContent := `
database:
  path: "test.db"
dispatch:
  requests_per_second: 2
  base_delay: 500ms
provider:
  type: telegram
  telegram:
    bot_token: "${REBOOK_BOT_TOKEN}"
workers:
  sweep_interval: 1m
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0o644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "test_token", cfg.Provider.Telegram.BotToken)
	assert.Equal(t, 2.0, cfg.Dispatch.RequestsPerSecond)
	assert.Equal(t, 500*time.Millisecond, cfg.Dispatch.BaseDelay)
	assert.Equal(t, time.Minute, cfg.Workers.SweepInterval)
	assert.Equal(t, LimiterStoreMemory, cfg.Dispatch.LimiterStore)
}

func TestLoadShippedConfig(t *testing.T) {
	for _, key := range []string{"REBOOK_PUBLIC_URL", "REDIS_ADDR", "REDIS_PASSWORD", "DELIVERY_WEBHOOK_SECRET", "TELEGRAM_BOT_TOKEN"} {
		t.Setenv(key, "")
	}

	cfg, err := Load(filepath.Join("..", "..", "configs", "config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ProviderLog, cfg.Provider.Type)
	assert.Equal(t, time.UTC, cfg.App.Location())
	assert.Equal(t, "http://localhost:8080", cfg.App.PublicURL)
	assert.False(t, cfg.Redis.Enabled())
	assert.Equal(t, models.ConfirmationTTL, cfg.Confirmation.TTL)
	assert.Equal(t, models.OfferResponseWindow, cfg.Waitlist.ResponseWindow)
	assert.True(t, cfg.Backup.Enabled)
	assert.Equal(t, 7, cfg.Backup.RetentionDays)
	assert.Equal(t, "Europe/Moscow", cfg.App.Location().String())
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	valid := func() Config {
		cfg := Config{Database: DatabaseConfig{Path: "path"}}
		cfg.applyDefaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "missing database", mutate: func(c *Config) { c.Database.Path = "" }, wantErr: true},
		{name: "negative rps", mutate: func(c *Config) { c.Dispatch.RequestsPerSecond = -1 }, wantErr: true},
		{name: "unknown limiter", mutate: func(c *Config) { c.Dispatch.LimiterStore = "etcd" }, wantErr: true},
		{name: "redis limiter without redis", mutate: func(c *Config) { c.Dispatch.LimiterStore = LimiterStoreRedis }, wantErr: true},
		{
			name: "redis limiter with redis",
			mutate: func(c *Config) {
				c.Dispatch.LimiterStore = LimiterStoreRedis
				c.Redis.Address = "localhost:6379"
			},
		},
		{name: "telegram without token", mutate: func(c *Config) { c.Provider.Type = ProviderTelegram }, wantErr: true},
		{name: "unknown provider", mutate: func(c *Config) { c.Provider.Type = "pigeon" }, wantErr: true},
		{name: "unknown time zone", mutate: func(c *Config) { c.App.TimeZone = "Mars/Olympus" }, wantErr: true},
		{name: "salon time zone", mutate: func(c *Config) { c.App.TimeZone = "Asia/Yekaterinburg" }},
		{
			name: "inverted window",
			mutate: func(c *Config) {
				c.Confirmation.WindowStart = 72 * time.Hour
				c.Confirmation.WindowEnd = 48 * time.Hour
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()

	assert.Equal(t, 8080, cfg.API.Port)
	assert.Equal(t, models.ConfirmationTTL, cfg.Confirmation.TTL)
	assert.Equal(t, models.ConfirmationGrace, cfg.Confirmation.Grace)
	assert.Equal(t, models.DefaultMaxReminders, cfg.Confirmation.MaxReminders)
	assert.Equal(t, models.DefaultCandidateLimit, cfg.Waitlist.CandidateLimit)
	assert.Equal(t, models.DispatchMaxRetries, cfg.Dispatch.MaxRetries)
	assert.Equal(t, time.Second, cfg.Dispatch.BaseDelay)
	assert.Equal(t, LimiterStoreMemory, cfg.Dispatch.LimiterStore)
	assert.Equal(t, ProviderLog, cfg.Provider.Type)

	withRedis := &Config{Redis: RedisConfig{Address: "localhost:6379"}}
	withRedis.applyDefaults()
	assert.Equal(t, LimiterStoreFailover, withRedis.Dispatch.LimiterStore)
}
