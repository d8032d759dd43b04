package config

import (
	"errors"
	"fmt"
	"os"
	"time"
	_ "time/tzdata" // зоны без системной tzdata

	"rebook/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	LimiterStoreMemory   = "memory"
	LimiterStoreRedis    = "redis"
	LimiterStoreFailover = "failover"

	ProviderLog      = "log"
	ProviderTelegram = "telegram"
)

type Config struct {
	App          AppConfig          `yaml:"app"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Logging      LoggingConfig      `yaml:"logging"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
	API          APIConfig          `yaml:"api"`
	Confirmation ConfirmationConfig `yaml:"confirmation"`
	Waitlist     WaitlistConfig     `yaml:"waitlist"`
	Dispatch     DispatchConfig     `yaml:"dispatch"`
	Workers      WorkersConfig      `yaml:"workers"`
	Provider     ProviderConfig     `yaml:"provider"`
	Exports      ExportConfig       `yaml:"exports"`
	Backup       BackupConfig       `yaml:"backup"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
	// PublicURL is the base of links sent to customers.
	PublicURL string `yaml:"public_url"`
	// TimeZone is the IANA zone of the salons: slot fit and message times use it.
	TimeZone string `yaml:"time_zone"`
}

// Location returns the configured zone, UTC when it cannot be loaded.
func (a AppConfig) Location() *time.Location {
	loc, err := time.LoadLocation(a.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// Enabled reports whether a Redis address is configured.
func (r RedisConfig) Enabled() bool {
	return r.Address != ""
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type APIConfig struct {
	Enabled       bool               `yaml:"enabled"`
	Port          int                `yaml:"port"`
	WebhookSecret string             `yaml:"webhook_secret"`
	RateLimit     APIRateLimitConfig `yaml:"rate_limit"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type ConfirmationConfig struct {
	TTL          time.Duration `yaml:"ttl"`
	Grace        time.Duration `yaml:"grace"`
	WindowStart  time.Duration `yaml:"window_start"`
	WindowEnd    time.Duration `yaml:"window_end"`
	MaxReminders int           `yaml:"max_reminders"`
	// ReminderLead: a reminder goes out once the deadline is closer than this.
	ReminderLead time.Duration `yaml:"reminder_lead"`
	// ReminderGap is the minimum pause between two messages with the same link.
	ReminderGap time.Duration `yaml:"reminder_gap"`
}

type WaitlistConfig struct {
	CandidateLimit int           `yaml:"candidate_limit"`
	ResponseWindow time.Duration `yaml:"response_window"`
}

type DispatchConfig struct {
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	MaxRetries        int           `yaml:"max_retries"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	LimiterStore      string        `yaml:"limiter_store"`
	QueueSize         int           `yaml:"queue_size"`
	From              string        `yaml:"from"`
}

type WorkersConfig struct {
	IssuerInterval   time.Duration `yaml:"issuer_interval"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	AdvanceInterval  time.Duration `yaml:"advance_interval"`
	ReminderInterval time.Duration `yaml:"reminder_interval"`
	RunTimeout       time.Duration `yaml:"run_timeout"`
}

type ProviderConfig struct {
	Type           string         `yaml:"type"`
	CostPerMessage float64        `yaml:"cost_per_message"`
	Telegram       TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	Debug    bool   `yaml:"debug"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

type BackupConfig struct {
	// Enabled schedules the database-backup worker; `rebook backup` works either way.
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	Path          string        `yaml:"path"`
	RetentionDays int           `yaml:"retention_days"`
}

func Load(configPath string) (*Config, error) {
	// Загружаем .env файл если существует
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// Предварительная замена переменных окружения в YAML
	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}

	if _, err := time.LoadLocation(c.App.TimeZone); err != nil {
		return fmt.Errorf("invalid app.time_zone %q: %w", c.App.TimeZone, err)
	}

	if c.Dispatch.RequestsPerSecond <= 0 {
		return errors.New("dispatch.requests_per_second must be positive")
	}

	switch c.Dispatch.LimiterStore {
	case LimiterStoreMemory:
	case LimiterStoreRedis, LimiterStoreFailover:
		if !c.Redis.Enabled() {
			return fmt.Errorf("limiter store %q requires redis.address", c.Dispatch.LimiterStore)
		}
	default:
		return fmt.Errorf("unknown dispatch.limiter_store %q", c.Dispatch.LimiterStore)
	}

	switch c.Provider.Type {
	case ProviderLog:
	case ProviderTelegram:
		if c.Provider.Telegram.BotToken == "" || c.Provider.Telegram.BotToken == "YOUR_BOT_TOKEN_HERE" {
			return errors.New("telegram bot token is required")
		}
	default:
		return fmt.Errorf("unknown provider.type %q", c.Provider.Type)
	}

	if c.Confirmation.WindowEnd < c.Confirmation.WindowStart {
		return errors.New("confirmation.window_end must not precede window_start")
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "rebook"
	}
	if c.App.TimeZone == "" {
		c.App.TimeZone = "UTC"
	}
	if c.App.PublicURL == "" {
		c.App.PublicURL = "http://localhost:8080"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.API.RateLimit.RPS == 0 {
		c.API.RateLimit.RPS = 5
	}
	if c.API.RateLimit.Burst == 0 {
		c.API.RateLimit.Burst = 10
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 10
	}

	// Confirmation defaults
	if c.Confirmation.TTL == 0 {
		c.Confirmation.TTL = models.ConfirmationTTL
	}
	if c.Confirmation.Grace == 0 {
		c.Confirmation.Grace = models.ConfirmationGrace
	}
	if c.Confirmation.WindowStart == 0 {
		c.Confirmation.WindowStart = models.ConfirmationWindowStart
	}
	if c.Confirmation.WindowEnd == 0 {
		c.Confirmation.WindowEnd = models.ConfirmationWindowEnd
	}
	if c.Confirmation.MaxReminders == 0 {
		c.Confirmation.MaxReminders = models.DefaultMaxReminders
	}
	if c.Confirmation.ReminderLead == 0 {
		c.Confirmation.ReminderLead = 24 * time.Hour
	}
	if c.Confirmation.ReminderGap == 0 {
		c.Confirmation.ReminderGap = 6 * time.Hour
	}

	// Waitlist defaults
	if c.Waitlist.CandidateLimit == 0 {
		c.Waitlist.CandidateLimit = models.DefaultCandidateLimit
	}
	if c.Waitlist.ResponseWindow == 0 {
		c.Waitlist.ResponseWindow = models.OfferResponseWindow
	}

	// Dispatch defaults
	if c.Dispatch.RequestsPerSecond == 0 {
		c.Dispatch.RequestsPerSecond = 1
	}
	if c.Dispatch.MaxRetries == 0 {
		c.Dispatch.MaxRetries = models.DispatchMaxRetries
	}
	if c.Dispatch.BaseDelay == 0 {
		c.Dispatch.BaseDelay = time.Second
	}
	if c.Dispatch.LimiterStore == "" {
		c.Dispatch.LimiterStore = LimiterStoreMemory
		if c.Redis.Enabled() {
			c.Dispatch.LimiterStore = LimiterStoreFailover
		}
	}
	if c.Dispatch.QueueSize == 0 {
		c.Dispatch.QueueSize = 1000
	}

	// Workers defaults
	if c.Workers.IssuerInterval == 0 {
		c.Workers.IssuerInterval = 15 * time.Minute
	}
	if c.Workers.SweepInterval == 0 {
		c.Workers.SweepInterval = 5 * time.Minute
	}
	if c.Workers.AdvanceInterval == 0 {
		c.Workers.AdvanceInterval = time.Minute
	}
	if c.Workers.ReminderInterval == 0 {
		c.Workers.ReminderInterval = 30 * time.Minute
	}
	if c.Workers.RunTimeout == 0 {
		c.Workers.RunTimeout = 2 * time.Minute
	}

	if c.Provider.Type == "" {
		c.Provider.Type = ProviderLog
	}
	if c.Exports.Path == "" {
		c.Exports.Path = "./exports"
	}

	if c.Backup.Interval == 0 {
		c.Backup.Interval = 24 * time.Hour
	}
	if c.Backup.Path == "" {
		c.Backup.Path = "./backups"
	}
	if c.Backup.RetentionDays == 0 {
		c.Backup.RetentionDays = 7
	}
}
