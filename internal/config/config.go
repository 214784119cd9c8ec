// Package config provides configuration management for Eventflow
// deployments. It supports loading configuration from files, environment
// variables, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Substrate names accepted by Substrate.Kind
const (
	SubstrateMemory   = "memory"
	SubstrateFile     = "file"
	SubstrateRedpanda = "redpanda"
	SubstrateNATS     = "nats"
)

// Config holds all configuration for an eventflow process
type Config struct {
	Substrate SubstrateConfig `mapstructure:"substrate"`
	Redpanda  RedpandaConfig  `mapstructure:"redpanda"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Database  DatabaseConfig  `mapstructure:"database"`
	CatchUp   CatchUpConfig   `mapstructure:"catch_up"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// SubstrateConfig selects the topic substrate
type SubstrateConfig struct {
	Kind string `mapstructure:"kind"` // memory, file, redpanda, nats
	// Dir is the log directory for the file substrate
	Dir string `mapstructure:"dir"`
}

// RedpandaConfig holds broker connection configuration
type RedpandaConfig struct {
	Brokers           []string      `mapstructure:"brokers"`
	SessionTimeout    time.Duration `mapstructure:"session_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// NATSConfig holds NATS configuration
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
}

// RedisConfig holds the read-model Redis store configuration
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DatabaseConfig holds the read-model PostgreSQL store configuration
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// DSN returns the PostgreSQL connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode,
	)
}

// CatchUpConfig tunes catch-up detection
type CatchUpConfig struct {
	IdleTimeout         time.Duration `mapstructure:"idle_timeout"`
	ProgressLogInterval time.Duration `mapstructure:"progress_log_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, console
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("EVENTFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("substrate.kind", SubstrateMemory)
	v.SetDefault("substrate.dir", "./eventflow-logs")

	v.SetDefault("redpanda.brokers", []string{"localhost:9092"})
	v.SetDefault("redpanda.session_timeout", 30*time.Second)
	v.SetDefault("redpanda.heartbeat_interval", 3*time.Second)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.max_reconnects", -1)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "eventflow")
	v.SetDefault("database.user", "eventflow")
	v.SetDefault("database.ssl_mode", "disable")

	v.SetDefault("catch_up.idle_timeout", time.Second)
	v.SetDefault("catch_up.progress_log_interval", 3*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Substrate.Kind {
	case SubstrateMemory, SubstrateNATS:
	case SubstrateFile:
		if c.Substrate.Dir == "" {
			return fmt.Errorf("substrate.dir is required for the file substrate")
		}
	case SubstrateRedpanda:
		if len(c.Redpanda.Brokers) == 0 {
			return fmt.Errorf("redpanda.brokers is required for the redpanda substrate")
		}
	default:
		return fmt.Errorf("unknown substrate kind: %s", c.Substrate.Kind)
	}

	if c.CatchUp.IdleTimeout <= 0 {
		return fmt.Errorf("catch_up.idle_timeout must be positive")
	}
	return nil
}
