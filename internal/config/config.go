package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all SDK configuration.
type Config struct {
	Backend  BackendConfig  `json:"backend"`
	Identity IdentityConfig `json:"identity"`
	Storage  StorageConfig  `json:"storage"`
	Tracing  TracingConfig  `json:"tracing"`
	LogLevel string         `json:"log_level"`
}

// BackendConfig holds entitlement-backend connection settings.
type BackendConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
	// TimeoutSeconds bounds a single confirmation round-trip.
	TimeoutSeconds int `json:"timeout_seconds"`
	// MaxRetries is the retry budget for transient failures.
	MaxRetries int `json:"max_retries"`
	// BackoffInitialMS and BackoffMaxMS bound the exponential backoff
	// between retries.
	BackoffInitialMS int `json:"backoff_initial_ms"`
	BackoffMaxMS     int `json:"backoff_max_ms"`
}

// IdentityConfig optionally pins the user/device identity. Empty values
// mean "load persisted or generate".
type IdentityConfig struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

// StorageConfig holds local persistence settings.
type StorageConfig struct {
	// Path of the sqlite file backing the entitlement snapshot, identity
	// and reconciliation journal.
	Path string `json:"path"`
	// JournalLimit bounds the recently-reconciled transaction set.
	JournalLimit int `json:"journal_limit"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint"` // Jaeger collector endpoint
	Environment string `json:"environment"`
}

// LoadConfig loads configuration from environment variables and/or config file.
// Environment variables take precedence over config file values.
func LoadConfig(configFile string) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	overrideFromEnv(cfg)

	return cfg, nil
}

// Default returns the configuration defaults before file and environment
// overrides are applied.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			BaseURL:          getEnv("PURCHASEKIT_BASE_URL", "http://localhost:8080"),
			APIKey:           getEnv("PURCHASEKIT_API_KEY", ""),
			TimeoutSeconds:   getEnvInt("PURCHASEKIT_TIMEOUT_SECONDS", 10),
			MaxRetries:       getEnvInt("PURCHASEKIT_MAX_RETRIES", 3),
			BackoffInitialMS: getEnvInt("PURCHASEKIT_BACKOFF_INITIAL_MS", 500),
			BackoffMaxMS:     getEnvInt("PURCHASEKIT_BACKOFF_MAX_MS", 8000),
		},
		Identity: IdentityConfig{
			UserID:   getEnv("PURCHASEKIT_USER_ID", ""),
			DeviceID: getEnv("PURCHASEKIT_DEVICE_ID", ""),
		},
		Storage: StorageConfig{
			Path:         getEnv("PURCHASEKIT_STORE_PATH", "./purchasekit.db"),
			JournalLimit: getEnvInt("PURCHASEKIT_JOURNAL_LIMIT", 256),
		},
		Tracing: TracingConfig{
			Enabled:     getEnvBool("PURCHASEKIT_TRACING_ENABLED", false),
			Endpoint:    getEnv("PURCHASEKIT_TRACING_ENDPOINT", "http://localhost:14268/api/traces"),
			Environment: getEnv("PURCHASEKIT_TRACING_ENV", "development"),
		},
		LogLevel: getEnv("PURCHASEKIT_LOG_LEVEL", "info"),
	}
}

// loadFromFile loads configuration from a JSON file.
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, cfg)
}

// overrideFromEnv overrides configuration with environment variables.
func overrideFromEnv(cfg *Config) {
	if v := os.Getenv("PURCHASEKIT_BASE_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv("PURCHASEKIT_API_KEY"); v != "" {
		cfg.Backend.APIKey = v
	}
	if v := os.Getenv("PURCHASEKIT_TIMEOUT_SECONDS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Backend.TimeoutSeconds = i
		}
	}
	if v := os.Getenv("PURCHASEKIT_MAX_RETRIES"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Backend.MaxRetries = i
		}
	}
	if v := os.Getenv("PURCHASEKIT_BACKOFF_INITIAL_MS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Backend.BackoffInitialMS = i
		}
	}
	if v := os.Getenv("PURCHASEKIT_BACKOFF_MAX_MS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Backend.BackoffMaxMS = i
		}
	}
	if v := os.Getenv("PURCHASEKIT_USER_ID"); v != "" {
		cfg.Identity.UserID = v
	}
	if v := os.Getenv("PURCHASEKIT_DEVICE_ID"); v != "" {
		cfg.Identity.DeviceID = v
	}
	if v := os.Getenv("PURCHASEKIT_STORE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("PURCHASEKIT_JOURNAL_LIMIT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Storage.JournalLimit = i
		}
	}
	if v := os.Getenv("PURCHASEKIT_TRACING_ENABLED"); v != "" {
		cfg.Tracing.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("PURCHASEKIT_TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
	if v := os.Getenv("PURCHASEKIT_TRACING_ENV"); v != "" {
		cfg.Tracing.Environment = v
	}
	if v := os.Getenv("PURCHASEKIT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// RequestTimeout returns the single round-trip timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Backend.TimeoutSeconds) * time.Second
}

// BackoffInitial returns the initial retry delay as a duration.
func (c *Config) BackoffInitial() time.Duration {
	return time.Duration(c.Backend.BackoffInitialMS) * time.Millisecond
}

// BackoffMax returns the retry delay cap as a duration.
func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.Backend.BackoffMaxMS) * time.Millisecond
}

// getEnv gets an environment variable or returns the default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable or returns the default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable or returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	if c.Backend.APIKey == "" {
		return fmt.Errorf("backend API key is required")
	}
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend base URL is required")
	}
	if u, err := url.Parse(c.Backend.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("backend base URL must be an absolute URL")
	}
	if c.Backend.TimeoutSeconds <= 0 {
		return fmt.Errorf("backend timeout must be positive")
	}
	if c.Backend.MaxRetries < 0 {
		return fmt.Errorf("backend retry budget cannot be negative")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage path is required")
	}
	if c.Storage.JournalLimit <= 0 {
		return fmt.Errorf("journal limit must be positive")
	}
	return nil
}
