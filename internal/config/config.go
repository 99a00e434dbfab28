package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Database      DatabaseConfig
	API           APIConfig
	Worker        WorkerConfig
	Queue         QueueConfig
	Auth          AuthConfig
	Logging       LoggingConfig
	CRM           CRMConfig
	Dispatch      DispatchConfig
	Pull          PullConfig
	Webhook       WebhookConfig
	StatusMapping StatusMappingConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host           string
	Port           string
	User           string
	Password       string
	DBName         string
	SSLMode        string
	ConnectRetries int
}

// APIConfig holds API server settings
type APIConfig struct {
	Port           string
	Host           string
	MigrationsPath string
}

// WorkerConfig holds worker settings
type WorkerConfig struct {
	PollInterval            time.Duration
	RegistryRefreshInterval time.Duration
}

// QueueConfig holds queue settings
type QueueConfig struct {
	Type string // only "database" is supported
}

// AuthConfig holds authentication settings for inbound webhooks
type AuthConfig struct {
	Enabled      bool
	SharedSecret string
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string
	Format string
}

// CRMConfig holds CRM-wide defaults used when the settings store has no value
type CRMConfig struct {
	Timezone string
}

// DispatchConfig holds outbound send settings
type DispatchConfig struct {
	BrokerTimeout  time.Duration
	MockMinLatency time.Duration
	MockMaxLatency time.Duration
}

// PullConfig holds reconciliation poller settings
type PullConfig struct {
	Enabled        bool
	// Host names the binary that runs the poller: "worker" or "api"
	Host           string
	Interval       time.Duration
	DefaultWindow  time.Duration
	LeadLookback   time.Duration
	Concurrency    int
	ImportLookback time.Duration
}

// WebhookConfig holds inbound webhook settings
type WebhookConfig struct {
	RateLimit float64
	Burst     int
}

// StatusMappingConfig holds the broker status vocabulary overrides
type StatusMappingConfig struct {
	FilePath string
	Default  map[string]string
	Brokers  map[string]map[string]string
}

// Load loads configuration from environment variables and files
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Database: DatabaseConfig{
			Host:           getEnv("DB_HOST", "localhost"),
			Port:           getEnv("DB_PORT", "5432"),
			User:           getEnv("DB_USER", "postgres"),
			Password:       getEnv("DB_PASSWORD", "postgres"),
			DBName:         getEnv("DB_NAME", "broker_dispatch"),
			SSLMode:        getEnv("DB_SSLMODE", "disable"),
			ConnectRetries: parseInt(getEnv("DB_CONNECT_RETRIES", "5"), 5),
		},
		API: APIConfig{
			Port:           getEnv("API_PORT", "8080"),
			Host:           getEnv("API_HOST", "0.0.0.0"),
			MigrationsPath: getEnv("MIGRATIONS_PATH", "./migrations"),
		},
		Worker: WorkerConfig{
			PollInterval:            parseDuration(getEnv("WORKER_POLL_INTERVAL", "2s"), 2*time.Second),
			RegistryRefreshInterval: parseDuration(getEnv("REGISTRY_REFRESH_INTERVAL", "1m"), time.Minute),
		},
		Queue: QueueConfig{
			Type: getEnv("QUEUE_TYPE", "database"),
		},
		Auth: AuthConfig{
			Enabled:      parseBool(getEnv("ENABLE_AUTH", "false")),
			SharedSecret: getEnv("SHARED_SECRET", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		CRM: CRMConfig{
			Timezone: getEnv("CRM_TIMEZONE", "UTC"),
		},
		Dispatch: DispatchConfig{
			BrokerTimeout:  parseDuration(getEnv("BROKER_HTTP_TIMEOUT", "30s"), 30*time.Second),
			MockMinLatency: parseDuration(getEnv("MOCK_MIN_LATENCY", "200ms"), 200*time.Millisecond),
			MockMaxLatency: parseDuration(getEnv("MOCK_MAX_LATENCY", "600ms"), 600*time.Millisecond),
		},
		Pull: PullConfig{
			Enabled:        parseBool(getEnv("PULL_ENABLED", "true")),
			Host:           strings.ToLower(getEnv("PULL_HOST", "worker")),
			Interval:       parseDuration(getEnv("PULL_INTERVAL", "5m"), 5*time.Minute),
			DefaultWindow:  parseDuration(getEnv("PULL_DEFAULT_WINDOW", "24h"), 24*time.Hour),
			LeadLookback:   parseDuration(getEnv("PULL_LEAD_LOOKBACK", "336h"), 14*24*time.Hour),
			Concurrency:    parseInt(getEnv("PULL_CONCURRENCY", "4"), 4),
			ImportLookback: parseDuration(getEnv("IMPORT_LOOKBACK", "168h"), 7*24*time.Hour),
		},
		Webhook: WebhookConfig{
			RateLimit: parseFloat(getEnv("WEBHOOK_RATE_LIMIT", "50"), 50),
			Burst:     parseInt(getEnv("WEBHOOK_RATE_BURST", "100"), 100),
		},
		StatusMapping: StatusMappingConfig{
			FilePath: getEnv("STATUS_MAPPING_FILE", ""),
		},
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	// Load status vocabulary overrides from file
	if err := cfg.LoadStatusMapping(); err != nil {
		return nil, fmt.Errorf("failed to load status mapping: %w", err)
	}

	return cfg, nil
}

// Validate checks that configuration values are consistent
func (c *Config) Validate() error {
	if c.Auth.Enabled && c.Auth.SharedSecret == "" {
		return fmt.Errorf("SHARED_SECRET is required when ENABLE_AUTH is true")
	}
	if c.Queue.Type != "database" {
		return fmt.Errorf("unsupported QUEUE_TYPE %q", c.Queue.Type)
	}
	if _, err := time.LoadLocation(c.CRM.Timezone); err != nil {
		return fmt.Errorf("invalid CRM_TIMEZONE %q: %w", c.CRM.Timezone, err)
	}
	if c.Dispatch.MockMinLatency > c.Dispatch.MockMaxLatency {
		return fmt.Errorf("MOCK_MIN_LATENCY must not exceed MOCK_MAX_LATENCY")
	}
	if c.Pull.Interval <= 0 {
		return fmt.Errorf("PULL_INTERVAL must be positive")
	}
	if c.Pull.Host != "worker" && c.Pull.Host != "api" {
		return fmt.Errorf("PULL_HOST must be worker or api, got %q", c.Pull.Host)
	}
	if c.Pull.Concurrency <= 0 {
		return fmt.Errorf("PULL_CONCURRENCY must be positive")
	}
	return nil
}

// statusMappingFile is the on-disk layout of the status vocabulary file
type statusMappingFile struct {
	Default map[string]string            `yaml:"default"`
	Brokers map[string]map[string]string `yaml:"brokers"`
}

// LoadStatusMapping loads broker status vocabulary overrides from a YAML file.
// An empty path leaves the built-in vocabulary untouched.
func (c *Config) LoadStatusMapping() error {
	if c.StatusMapping.FilePath == "" {
		return nil
	}

	data, err := os.ReadFile(c.StatusMapping.FilePath)
	if err != nil {
		return fmt.Errorf("failed to read status mapping file: %w", err)
	}

	var file statusMappingFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse status mapping YAML: %w", err)
	}

	c.StatusMapping.Default = make(map[string]string, len(file.Default))
	for raw, canonical := range file.Default {
		if strings.TrimSpace(canonical) == "" {
			return fmt.Errorf("empty canonical status for raw status '%s'", raw)
		}
		c.StatusMapping.Default[raw] = canonical
	}

	c.StatusMapping.Brokers = make(map[string]map[string]string, len(file.Brokers))
	for broker, table := range file.Brokers {
		c.StatusMapping.Brokers[strings.ToUpper(strings.TrimSpace(broker))] = table
	}

	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseDuration(value string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

func parseInt(value string, defaultValue int) int {
	var result int
	_, err := fmt.Sscanf(value, "%d", &result)
	if err != nil {
		return defaultValue
	}
	return result
}

func parseFloat(value string, defaultValue float64) float64 {
	var result float64
	_, err := fmt.Sscanf(value, "%g", &result)
	if err != nil {
		return defaultValue
	}
	return result
}

func parseBool(value string) bool {
	return value == "true" || value == "1" || value == "yes"
}
