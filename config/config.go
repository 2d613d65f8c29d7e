// Package config loads and saves stoat.yaml, the endpoint configuration read
// by the stoat CLI and by applications wiring a dispatcher from a file.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the default config file name
const ConfigFileName = "stoat.yaml"

// Config represents a stoat endpoint configuration
type Config struct {
	// Version of the config file format
	Version string `yaml:"version"`

	// Endpoint identifies the receiving endpoint
	Endpoint EndpointConfig `yaml:"endpoint"`

	// Database configures saga and outbox persistence
	Database DatabaseConfig `yaml:"database"`

	// Scheduler selects the message scheduler
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Outbox configures the outbox processor
	Outbox OutboxConfig `yaml:"outbox"`

	// Routes maps message types to destinations, for example
	// OrderSubmitted: "kafka:orders".
	Routes map[string]string `yaml:"routes,omitempty"`

	// Logging configures the slog handler
	Logging LoggingConfig `yaml:"logging"`
}

// EndpointConfig names the endpoint.
type EndpointConfig struct {
	// Name is the endpoint name; local routes are "local:<name>".
	Name string `yaml:"name"`

	// ErrorQueue receives envelopes whose handling failed. Empty disables it.
	ErrorQueue string `yaml:"error_queue,omitempty"`
}

// DatabaseConfig contains database connection settings
type DatabaseConfig struct {
	// Driver is the database driver (postgres, memory)
	Driver string `yaml:"driver"`

	// URL is the database connection string. ${VAR} references are expanded.
	URL string `yaml:"url,omitempty"`

	// Schema is the database schema to use
	Schema string `yaml:"schema"`
}

// Scheduler kinds.
const (
	SchedulerTransport = "transport"
	SchedulerRedis     = "redis"
)

// SchedulerConfig selects and configures the message scheduler.
type SchedulerConfig struct {
	// Kind is "transport" (deferred outbox delivery) or "redis".
	Kind string `yaml:"kind"`

	// Redis is used when Kind is "redis".
	Redis RedisConfig `yaml:"redis,omitempty"`
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password,omitempty"`
	DB           int           `yaml:"db"`
	KeyPrefix    string        `yaml:"key_prefix"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// OutboxConfig configures outbox processing.
type OutboxConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	CleanupAge   time.Duration `yaml:"cleanup_age"`

	// KafkaBrokers enables the kafka publisher.
	KafkaBrokers []string `yaml:"kafka_brokers,omitempty"`

	// WebhookTimeout bounds webhook deliveries. Zero uses the publisher default.
	WebhookTimeout time.Duration `yaml:"webhook_timeout,omitempty"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is debug, info, warn or error
	Level string `yaml:"level"`

	// Format is text or json
	Format string `yaml:"format"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Version: "1",
		Endpoint: EndpointConfig{
			Name:       "app",
			ErrorQueue: "local:app_error",
		},
		Database: DatabaseConfig{
			Driver: "postgres",
			URL:    "${DATABASE_URL}",
			Schema: "stoat",
		},
		Scheduler: SchedulerConfig{
			Kind: SchedulerTransport,
			Redis: RedisConfig{
				Addr:         "localhost:6379",
				KeyPrefix:    "stoat:scheduler:",
				PollInterval: time.Second,
			},
		},
		Outbox: OutboxConfig{
			BatchSize:    100,
			PollInterval: time.Second,
			MaxRetries:   5,
			RetryBackoff: 5 * time.Second,
			CleanupAge:   7 * 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from the specified directory
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, ConfigFileName))
}

// LoadFile loads configuration from a specific file path. Missing fields keep
// their defaults and ${VAR} references in connection settings and routes are
// expanded from the environment.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.expandEnv()

	return cfg, nil
}

// expandEnv replaces ${VAR} references in connection settings and routes.
func (c *Config) expandEnv() {
	c.Database.URL = os.ExpandEnv(c.Database.URL)
	c.Scheduler.Redis.Addr = os.ExpandEnv(c.Scheduler.Redis.Addr)
	c.Scheduler.Redis.Password = os.ExpandEnv(c.Scheduler.Redis.Password)
	for messageType, destination := range c.Routes {
		c.Routes[messageType] = os.ExpandEnv(destination)
	}
}

// Save saves the configuration to the specified directory
func (c *Config) Save(dir string) error {
	return c.SaveFile(filepath.Join(dir, ConfigFileName))
}

// SaveFile saves the configuration to a specific file path
func (c *Config) SaveFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Exists checks if a config file exists in the directory
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ConfigFileName))
	return err == nil
}

// FindConfig searches for a config file starting from dir and going up
func FindConfig(dir string) (string, *Config, error) {
	current := dir
	for {
		configPath := filepath.Join(current, ConfigFileName)
		if _, err := os.Stat(configPath); err == nil {
			cfg, err := LoadFile(configPath)
			if err != nil {
				return "", nil, err
			}
			return current, cfg, nil
		}

		parent := filepath.Dir(current)
		if parent == current {
			return "", nil, os.ErrNotExist
		}
		current = parent
	}
}

// Validate validates the configuration
func (c *Config) Validate() []string {
	var errors []string

	if c.Endpoint.Name == "" {
		errors = append(errors, "endpoint.name is required")
	}

	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" || strings.HasPrefix(c.Database.URL, "${") {
			errors = append(errors, "database.url is required for postgres driver")
		}
	case "memory":
	case "":
		errors = append(errors, "database.driver is required")
	default:
		errors = append(errors, "database.driver must be 'postgres' or 'memory'")
	}

	switch c.Scheduler.Kind {
	case SchedulerTransport, "":
	case SchedulerRedis:
		if c.Scheduler.Redis.Addr == "" {
			errors = append(errors, "scheduler.redis.addr is required for redis scheduler")
		}
	default:
		errors = append(errors, "scheduler.kind must be 'transport' or 'redis'")
	}

	if c.Outbox.BatchSize <= 0 {
		errors = append(errors, "outbox.batch_size must be positive")
	}
	if c.Outbox.MaxRetries <= 0 {
		errors = append(errors, "outbox.max_retries must be positive")
	}

	for messageType, destination := range c.Routes {
		if !strings.Contains(destination, ":") {
			errors = append(errors, fmt.Sprintf("routes.%s: destination %q has no prefix", messageType, destination))
		}
	}

	if _, err := parseLevel(c.Logging.Level); err != nil {
		errors = append(errors, err.Error())
	}
	if f := c.Logging.Format; f != "" && f != "text" && f != "json" {
		errors = append(errors, "logging.format must be 'text' or 'json'")
	}

	return errors
}

// Logger builds a slog logger writing to w.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Logging.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", s)
	}
}

// GenerateYAML generates YAML content with comments
func GenerateYAML(cfg *Config) string {
	var routes strings.Builder
	for messageType, destination := range cfg.Routes {
		routes.WriteString("  " + messageType + ": \"" + destination + "\"\n")
	}
	if routes.Len() == 0 {
		routes.WriteString("  # OrderSubmitted: \"kafka:orders\"\n")
	}

	return `# stoat endpoint configuration

version: "1"

endpoint:
  # Local destinations are "local:<name>"
  name: "` + cfg.Endpoint.Name + `"
  # Failed envelopes are forwarded here (leave empty to disable)
  error_queue: "` + cfg.Endpoint.ErrorQueue + `"

database:
  # Driver: postgres or memory
  driver: "` + cfg.Database.Driver + `"
  # Connection URL (required for postgres)
  url: "` + cfg.Database.URL + `"
  schema: "` + cfg.Database.Schema + `"

scheduler:
  # transport: deferred outbox delivery; redis: durable, cancellable
  kind: "` + cfg.Scheduler.Kind + `"
  redis:
    addr: "` + cfg.Scheduler.Redis.Addr + `"
    db: ` + fmt.Sprint(cfg.Scheduler.Redis.DB) + `
    key_prefix: "` + cfg.Scheduler.Redis.KeyPrefix + `"
    poll_interval: ` + cfg.Scheduler.Redis.PollInterval.String() + `

outbox:
  batch_size: ` + fmt.Sprint(cfg.Outbox.BatchSize) + `
  poll_interval: ` + cfg.Outbox.PollInterval.String() + `
  max_retries: ` + fmt.Sprint(cfg.Outbox.MaxRetries) + `
  retry_backoff: ` + cfg.Outbox.RetryBackoff.String() + `
  cleanup_age: ` + cfg.Outbox.CleanupAge.String() + `
  # kafka_brokers: ["localhost:9092"]

# Message type to destination
routes:
` + routes.String() + `
logging:
  level: "` + cfg.Logging.Level + `"
  format: "` + cfg.Logging.Format + `"
`
}
