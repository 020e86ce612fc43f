package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Email     EmailConfig     `yaml:"email"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Cache     CacheConfig     `yaml:"cache"`
	Lock      LockConfig      `yaml:"lock"`
	Redis     RedisConfig     `yaml:"redis"`
	Events    EventsConfig    `yaml:"events"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	APIKey     string `yaml:"api_key"` // empty disables authentication
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type SchedulerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Schedule     string        `yaml:"schedule"` // cron spec, e.g. "@every 60s"
	BatchSize    int           `yaml:"batch_size"`
	Concurrency  int           `yaml:"concurrency"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	LeaseTTL     time.Duration `yaml:"lease_ttl"`
	MaxRetries   int           `yaml:"max_retries"` // 0 retries transient failures forever
}

type EmailConfig struct {
	Driver    string        `yaml:"driver"` // sendry, smtp, log
	FromEmail string        `yaml:"from_email"`
	FromName  string        `yaml:"from_name"`
	Sendry    SendryConfig  `yaml:"sendry"`
	SMTP      SMTPConfig    `yaml:"smtp"`
	DKIM      DKIMConfig    `yaml:"dkim"`
	Timeout   time.Duration `yaml:"timeout"`
}

type SendryConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	StartTLS bool   `yaml:"starttls"`
	HeloName string `yaml:"helo_name"`
}

type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Domain   string `yaml:"domain"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
}

type WebhookConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
}

type CacheConfig struct {
	Driver string        `yaml:"driver"` // bolt, redis, none
	Path   string        `yaml:"path"`
	TTL    time.Duration `yaml:"ttl"`
}

type LockConfig struct {
	Driver string `yaml:"driver"` // db, redis
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type EventsConfig struct {
	Buffer int `yaml:"buffer"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	Path       string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const maxBatchSize = 100

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML configuration, applies defaults and validates it
func Parse(data []byte) (*Config, error) {
	cfg := &Config{Scheduler: SchedulerConfig{Enabled: true}}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8090"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "/var/lib/sendry-flow/flow.db"
	}
	if cfg.Scheduler.Schedule == "" {
		cfg.Scheduler.Schedule = "@every 60s"
	}
	if cfg.Scheduler.BatchSize == 0 {
		cfg.Scheduler.BatchSize = maxBatchSize
	}
	if cfg.Scheduler.Concurrency == 0 {
		cfg.Scheduler.Concurrency = 5
	}
	if cfg.Scheduler.RetryBackoff == 0 {
		cfg.Scheduler.RetryBackoff = 5 * time.Minute
	}
	if cfg.Scheduler.LeaseTTL == 0 {
		cfg.Scheduler.LeaseTTL = 5 * time.Minute
	}
	if cfg.Email.Driver == "" {
		cfg.Email.Driver = "log"
	}
	if cfg.Email.Timeout == 0 {
		cfg.Email.Timeout = 30 * time.Second
	}
	if cfg.Email.SMTP.Port == 0 {
		cfg.Email.SMTP.Port = 587
	}
	if cfg.Email.DKIM.Selector == "" {
		cfg.Email.DKIM.Selector = "default"
	}
	if cfg.Webhook.Timeout == 0 {
		cfg.Webhook.Timeout = 30 * time.Second
	}
	if cfg.Webhook.UserAgent == "" {
		cfg.Webhook.UserAgent = "sendry-flow/1.0"
	}
	if cfg.Cache.Driver == "" {
		cfg.Cache.Driver = "none"
	}
	if cfg.Cache.Path == "" {
		cfg.Cache.Path = "/var/lib/sendry-flow/cache.db"
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = 10 * time.Minute
	}
	if cfg.Lock.Driver == "" {
		cfg.Lock.Driver = "db"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Events.Buffer == 0 {
		cfg.Events.Buffer = 1000
	}
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9090"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func validate(cfg *Config) error {
	if cfg.Scheduler.BatchSize < 1 || cfg.Scheduler.BatchSize > maxBatchSize {
		return fmt.Errorf("scheduler.batch_size must be between 1 and %d", maxBatchSize)
	}
	if cfg.Scheduler.Concurrency < 1 {
		return fmt.Errorf("scheduler.concurrency must be positive")
	}
	if cfg.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("scheduler.max_retries must not be negative")
	}

	switch cfg.Email.Driver {
	case "log":
	case "sendry":
		if cfg.Email.Sendry.BaseURL == "" {
			return fmt.Errorf("email.sendry.base_url is required when email.driver is sendry")
		}
	case "smtp":
		if cfg.Email.SMTP.Host == "" {
			return fmt.Errorf("email.smtp.host is required when email.driver is smtp")
		}
		if cfg.Email.DKIM.Enabled && (cfg.Email.DKIM.Domain == "" || cfg.Email.DKIM.KeyFile == "") {
			return fmt.Errorf("email.dkim.domain and email.dkim.key_file are required when DKIM is enabled")
		}
	default:
		return fmt.Errorf("unknown email.driver %q", cfg.Email.Driver)
	}

	switch cfg.Cache.Driver {
	case "none", "bolt", "redis":
	default:
		return fmt.Errorf("unknown cache.driver %q", cfg.Cache.Driver)
	}

	switch cfg.Lock.Driver {
	case "db", "redis":
	default:
		return fmt.Errorf("unknown lock.driver %q", cfg.Lock.Driver)
	}

	return nil
}
