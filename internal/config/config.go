// Package config provides configuration management for the round proxy.
// Process settings come from environment variables with sensible defaults;
// proxy and upstream definitions come from a YAML or TOML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the process-level configuration
type Config struct {
	// Service identification
	ServiceName string
	Version     string
	Environment string

	// Miner-facing listener
	ListenAddr string
	ListenPort int

	// Proxy and upstream definitions
	ConfigFile string

	// Store
	DatabaseDriver string
	DatabaseURL    string

	// Optional sinks; empty disables them
	RedisURL      string
	InfluxURL     string
	InfluxToken   string
	InfluxOrg     string
	InfluxBucket  string
	KafkaBrokers  []string
	EventEncoding string

	// Miner table
	MinerStaleAfter time.Duration
	MinerPruneEvery time.Duration

	// HTTP timeouts
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// Logging
	LogLevel  string
	LogFormat string

	// Loaded from ConfigFile
	Proxies []ProxyConfig
}

// Load loads configuration from environment variables and the proxy file they point to
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "roundproxy"),
		Version:     getEnv("VERSION", "dev"),
		Environment: getEnv("ENVIRONMENT", "development"),

		ListenAddr: getEnv("LISTEN_ADDR", "0.0.0.0"),
		ListenPort: getEnvInt("LISTEN_PORT", 12345),

		ConfigFile: getEnv("CONFIG_FILE", "config.yaml"),

		DatabaseDriver: getEnv("DATABASE_DRIVER", "sqlite"),
		DatabaseURL:    getEnv("DATABASE_URL", "file:roundproxy.db?_pragma=busy_timeout(5000)"),

		RedisURL:      getEnv("REDIS_URL", ""),
		InfluxURL:     getEnv("INFLUX_URL", ""),
		InfluxToken:   getEnv("INFLUX_TOKEN", ""),
		InfluxOrg:     getEnv("INFLUX_ORG", "roundproxy"),
		InfluxBucket:  getEnv("INFLUX_BUCKET", "rounds"),
		KafkaBrokers:  getEnvSlice("KAFKA_BROKERS", nil),
		EventEncoding: getEnv("EVENT_ENCODING", "protobuf"),

		MinerStaleAfter: getEnvDuration("MINER_STALE_AFTER", time.Hour),
		MinerPruneEvery: getEnvDuration("MINER_PRUNE_INTERVAL", time.Minute),

		ReadTimeout:     getEnvDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:    getEnvDuration("WRITE_TIMEOUT", 30*time.Second),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	proxies, err := LoadProxies(cfg.ConfigFile)
	if err != nil {
		return nil, err
	}
	cfg.Proxies = proxies

	return cfg, nil
}

// ListenAddress returns host:port for the miner listener.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.ListenAddr, c.ListenPort)
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}

	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("LISTEN_PORT must be between 1 and 65535")
	}

	switch c.DatabaseDriver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be sqlite, postgres or memory, got %q", c.DatabaseDriver)
	}

	if c.DatabaseURL == "" && c.DatabaseDriver != "memory" {
		return fmt.Errorf("DATABASE_URL cannot be empty")
	}

	switch c.EventEncoding {
	case "protobuf", "json":
	default:
		return fmt.Errorf("EVENT_ENCODING must be protobuf or json, got %q", c.EventEncoding)
	}

	if c.InfluxURL != "" && c.InfluxToken == "" {
		return fmt.Errorf("INFLUX_TOKEN is required when INFLUX_URL is set")
	}

	if c.MinerStaleAfter <= 0 || c.MinerPruneEvery <= 0 {
		return fmt.Errorf("miner staleness and prune interval must be positive")
	}

	return nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for part := range strings.SplitSeq(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
