// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir               string // Base directory for the rebalancer database (always absolute)
	LogLevel              string
	Port                  int
	DevMode               bool
	AllocationProfileFile string // Optional YAML override for allocation bounds
	Broker                BrokerConfig
	LLM                   LLMConfig
	Notifier              NotifierConfig
	Work                  WorkConfig
	Redis                 RedisConfig
	Archive               ArchiveConfig
}

// BrokerConfig points at the portfolio-data service
type BrokerConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// LLMConfig configures the OpenAI-compatible text generation provider
type LLMConfig struct {
	Endpoint string
	APIKey   string
	Model    string
}

// Enabled reports whether a text generation provider is configured
func (c LLMConfig) Enabled() bool {
	return c.APIKey != ""
}

// NotifierConfig configures callbacks to the sibling workflow coordinator
type NotifierConfig struct {
	URL         string
	Token       string
	MaxAttempts int
	RetryDelay  time.Duration
}

// WorkConfig configures the durable rebalance task queue
type WorkConfig struct {
	Timeout     time.Duration // Watchdog window per attempt
	MaxAttempts int
	SweepCron   string // Cron spec for the stale-run sweep
}

// RedisConfig configures the optional per-account lease
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	LeaseTTL time.Duration
}

// Enabled reports whether the account lease is backed by Redis
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// ArchiveConfig configures the optional S3-compatible plan archive
type ArchiveConfig struct {
	Bucket          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
}

// Enabled reports whether completed plans are archived
func (c ArchiveConfig) Enabled() bool {
	return c.Bucket != ""
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("REBALANCER_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:               absDataDir,
		Port:                  getEnvAsInt("PORT", 8080),
		DevMode:               getEnvAsBool("DEV_MODE", false),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		AllocationProfileFile: getEnv("ALLOCATION_PROFILE_FILE", ""),
		Broker: BrokerConfig{
			BaseURL: getEnv("BROKER_API_URL", "http://localhost:9100"),
			APIKey:  getEnv("BROKER_API_KEY", ""),
			Timeout: time.Duration(getEnvAsInt("BROKER_TIMEOUT_SECONDS", 30)) * time.Second,
		},
		LLM: LLMConfig{
			Endpoint: getEnv("LLM_ENDPOINT", "https://openrouter.ai/api/v1"),
			APIKey:   getEnv("LLM_API_KEY", ""),
			Model:    getEnv("LLM_MODEL", "gpt-4o-mini"),
		},
		Notifier: NotifierConfig{
			URL:         getEnv("COORDINATOR_URL", ""),
			Token:       getEnv("COORDINATOR_TOKEN", ""),
			MaxAttempts: getEnvAsInt("NOTIFY_MAX_ATTEMPTS", 3),
			RetryDelay:  time.Duration(getEnvAsInt("NOTIFY_RETRY_DELAY_MS", 500)) * time.Millisecond,
		},
		Work: WorkConfig{
			Timeout:     time.Duration(getEnvAsInt("WORK_TIMEOUT_SECONDS", 420)) * time.Second,
			MaxAttempts: getEnvAsInt("WORK_MAX_ATTEMPTS", 3),
			SweepCron:   getEnv("SWEEP_CRON", "0 */2 * * * *"), // Every 2 minutes (with seconds)
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			LeaseTTL: time.Duration(getEnvAsInt("LEASE_TTL_SECONDS", 300)) * time.Second,
		},
		Archive: ArchiveConfig{
			Bucket:          getEnv("ARCHIVE_BUCKET", ""),
			Endpoint:        getEnv("ARCHIVE_ENDPOINT", ""),
			Region:          getEnv("ARCHIVE_REGION", "auto"),
			AccessKeyID:     getEnv("ARCHIVE_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("ARCHIVE_SECRET_ACCESS_KEY", ""),
			Prefix:          getEnv("ARCHIVE_PREFIX", "plans"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT: %d", c.Port)
	}
	if c.Work.MaxAttempts < 1 {
		return fmt.Errorf("WORK_MAX_ATTEMPTS must be at least 1, got %d", c.Work.MaxAttempts)
	}
	if c.Work.Timeout <= 0 {
		return fmt.Errorf("WORK_TIMEOUT_SECONDS must be positive")
	}
	if c.Notifier.MaxAttempts < 1 {
		return fmt.Errorf("NOTIFY_MAX_ATTEMPTS must be at least 1, got %d", c.Notifier.MaxAttempts)
	}
	if c.Archive.Enabled() && (c.Archive.AccessKeyID == "" || c.Archive.SecretAccessKey == "") {
		return fmt.Errorf("ARCHIVE_BUCKET is set but archive credentials are missing")
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

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
