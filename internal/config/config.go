// Package config provides configuration management for the fulfillment service.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// SSL mode constants for database connections.
const (
	// SSLModeDisable disables SSL (use only for local development).
	SSLModeDisable = "disable"
	// SSLModeRequire requires SSL but does not verify certificates.
	SSLModeRequire = "require"
	// SSLModeVerifyCA verifies the server certificate against a CA.
	SSLModeVerifyCA = "verify-ca"
	// SSLModeVerifyFull verifies the server certificate and hostname.
	SSLModeVerifyFull = "verify-full"
)

// Config holds all configuration for the fulfillment service.
type Config struct {
	// Server contains HTTP server settings.
	Server ServerConfig `mapstructure:"server"`
	// Database contains PostgreSQL connection settings.
	Database DatabaseConfig `mapstructure:"database"`
	// Logging contains structured logging settings.
	Logging LoggingConfig `mapstructure:"logging"`
	// Metrics contains Prometheus metrics exposure settings.
	Metrics MetricsConfig `mapstructure:"metrics"`
	// Engine contains process engine settings.
	Engine EngineConfig `mapstructure:"engine"`
	// Gateways contains settings for the external collaborator clients.
	Gateways GatewaysConfig `mapstructure:"gateways"`
	// Kafka contains Kafka publisher settings for the audit relay.
	Kafka KafkaConfig `mapstructure:"kafka"`
	// Relay contains audit-event relay settings.
	Relay RelayConfig `mapstructure:"relay"`
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	// Host is the address to bind the server to (default: 0.0.0.0).
	Host string `mapstructure:"host"`
	// HTTPPort is the HTTP server port (default: 8080).
	HTTPPort int `mapstructure:"http_port"`
	// MetricsPort is the metrics server port (default: 9091).
	MetricsPort int `mapstructure:"metrics_port"`
	// ReadTimeout is the maximum duration for reading request body.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the maximum duration for writing response.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	// Host is the PostgreSQL server hostname.
	Host string `mapstructure:"host"`
	// Port is the PostgreSQL server port (default: 5432).
	Port int `mapstructure:"port"`
	// User is the database username.
	User string `mapstructure:"user"`
	// Password is the database password (use environment variable in production).
	Password string `mapstructure:"password"`
	// Name is the database name.
	Name string `mapstructure:"name"`
	// SSLMode controls SSL connection security (require, verify-ca, verify-full, disable).
	// Default is "require" for production security. Use "disable" only for local development.
	SSLMode string `mapstructure:"ssl_mode"`
	// MaxConns is the maximum number of connections in the pool (default: 25).
	MaxConns int32 `mapstructure:"max_conns"`
	// MinConns is the minimum number of connections to keep open (default: 5).
	MinConns int32 `mapstructure:"min_conns"`
	// MaxConnLifetime is the maximum lifetime of a connection before it's closed.
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	// MaxConnIdleTime is the maximum time a connection can be idle before it's closed.
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	// HealthCheckPeriod is the interval between health checks of idle connections.
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	// ConnectTimeout is the maximum time to wait for a connection.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// MigrationPath is the path to migration files (relative or absolute).
	MigrationPath string `mapstructure:"migration_path"`
	// MigrationAutoRun enables automatic migration on startup (default: false).
	MigrationAutoRun bool `mapstructure:"migration_auto_run"`
	// StatementCacheCapacity is the size of the prepared statement cache.
	StatementCacheCapacity int `mapstructure:"statement_cache_capacity"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level (trace, debug, info, warn, error, fatal, panic).
	Level string `mapstructure:"level"`
	// Format is the log format (json, console).
	Format string `mapstructure:"format"`
	// Output is the log output destination (stdout, stderr, file path).
	Output string `mapstructure:"output"`
	// AddSource adds source file and line to log output.
	AddSource bool `mapstructure:"add_source"`
	// TimeFormat is the timestamp format.
	TimeFormat string `mapstructure:"time_format"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	// Enabled enables metrics collection and exposure.
	Enabled bool `mapstructure:"enabled"`
	// Path is the HTTP path for metrics endpoint.
	Path string `mapstructure:"path"`
}

// EngineConfig holds process engine configuration.
type EngineConfig struct {
	// MaxAttempts is the retry attempt cap for activities (default: 3).
	MaxAttempts int `mapstructure:"max_attempts"`
	// ReceiveTimeout bounds a single ReceiveOrder attempt.
	ReceiveTimeout time.Duration `mapstructure:"receive_timeout"`
	// ValidateTimeout bounds a single ValidateOrder attempt.
	ValidateTimeout time.Duration `mapstructure:"validate_timeout"`
	// ChargeTimeout bounds a single ChargePayment attempt.
	ChargeTimeout time.Duration `mapstructure:"charge_timeout"`
	// PrepareTimeout bounds a single PreparePackage attempt.
	PrepareTimeout time.Duration `mapstructure:"prepare_timeout"`
	// DispatchTimeout bounds a single DispatchCarrier attempt.
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout"`
	// ManualReviewDelay is the pause before payment for manual review.
	ManualReviewDelay time.Duration `mapstructure:"manual_review_delay"`
	// SignalBuffer is the per-instance signal mailbox capacity.
	SignalBuffer int `mapstructure:"signal_buffer"`
	// RecoveryTimeout bounds the crash-recovery pass at startup.
	RecoveryTimeout time.Duration `mapstructure:"recovery_timeout"`
}

// GatewaysConfig holds settings for the simulated external collaborators.
type GatewaysConfig struct {
	// FailureRate is the probability an external call errors immediately (0.0-1.0).
	FailureRate float64 `mapstructure:"failure_rate"`
	// StallRate is the probability an external call stalls past its timeout (0.0-1.0).
	StallRate float64 `mapstructure:"stall_rate"`
	// StallDuration is how long a stalled call blocks before giving up.
	StallDuration time.Duration `mapstructure:"stall_duration"`
	// PaymentRateLimit is the payment gateway requests-per-second cap.
	PaymentRateLimit float64 `mapstructure:"payment_rate_limit"`
	// PaymentRateBurst is the payment gateway rate limiter burst size.
	PaymentRateBurst int `mapstructure:"payment_rate_burst"`
}

// KafkaConfig holds Kafka publisher settings for the audit relay.
type KafkaConfig struct {
	// Enabled controls whether Kafka publishing is active.
	Enabled bool `mapstructure:"enabled"`
	// Brokers is the list of Kafka broker addresses.
	Brokers []string `mapstructure:"brokers"`
	// Topic is the Kafka topic to publish audit events to.
	Topic string `mapstructure:"topic"`
	// BatchSize is the maximum number of messages to batch before sending.
	BatchSize int `mapstructure:"batch_size"`
	// BatchTimeout is the maximum time to wait for a batch to fill before sending.
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// RelayConfig holds audit-event relay settings.
type RelayConfig struct {
	// Consumer is the relay's cursor name in relay_offsets.
	Consumer string `mapstructure:"consumer"`
	// PollInterval is how often the relay polls for new events.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// BatchSize is the number of events to publish per poll.
	BatchSize int `mapstructure:"batch_size"`
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	params := url.Values{}
	params.Set("sslmode", c.SSLMode)
	if c.ConnectTimeout > 0 {
		params.Set("connect_timeout", fmt.Sprintf("%d", int(c.ConnectTimeout.Seconds())))
	}
	if c.StatementCacheCapacity > 0 {
		params.Set("statement_cache_capacity", fmt.Sprintf("%d", c.StatementCacheCapacity))
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?%s",
		url.QueryEscape(c.User),
		url.QueryEscape(c.Password),
		c.Host,
		c.Port,
		c.Name,
		params.Encode(),
	)
}

// HTTPAddress returns the HTTP server address.
func (c *ServerConfig) HTTPAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.HTTPPort)
}

// MetricsAddress returns the metrics server address.
func (c *ServerConfig) MetricsAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.MetricsPort)
}

// Load loads configuration from environment variables and config files.
func Load() (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read from environment variables
	v.SetEnvPrefix("FULFILLMENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file if present
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/fulfillment-service")

	if err := v.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we'll use env vars and defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.metrics_port", 9091)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "fulfillment")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "fulfillment_service")
	// Default to "require" for production security. Use FULFILLMENT_DATABASE_SSL_MODE=disable for local development.
	v.SetDefault("database.ssl_mode", SSLModeRequire)
	v.SetDefault("database.max_conns", 25)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")
	v.SetDefault("database.health_check_period", "30s")
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.migration_path", "migrations")
	v.SetDefault("database.migration_auto_run", false)
	v.SetDefault("database.statement_cache_capacity", 512)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// Engine defaults. Attempt timeouts mirror the reference behavior of
	// the collaborators: fetch/validate allow 5s, payment 4s, packaging
	// and carrier dispatch 3s, all capped at 3 attempts.
	v.SetDefault("engine.max_attempts", 3)
	v.SetDefault("engine.receive_timeout", "5s")
	v.SetDefault("engine.validate_timeout", "5s")
	v.SetDefault("engine.charge_timeout", "4s")
	v.SetDefault("engine.prepare_timeout", "3s")
	v.SetDefault("engine.dispatch_timeout", "3s")
	v.SetDefault("engine.manual_review_delay", "2s")
	v.SetDefault("engine.signal_buffer", 16)
	v.SetDefault("engine.recovery_timeout", "30s")

	// Gateway defaults
	v.SetDefault("gateways.failure_rate", 0.33)
	v.SetDefault("gateways.stall_rate", 0.33)
	v.SetDefault("gateways.stall_duration", "300s")
	v.SetDefault("gateways.payment_rate_limit", 50.0)
	v.SetDefault("gateways.payment_rate_burst", 100)

	// Kafka defaults
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "events.audit.fulfillment_service")
	v.SetDefault("kafka.batch_size", 100)
	v.SetDefault("kafka.batch_timeout", "10ms")

	// Relay defaults
	v.SetDefault("relay.consumer", "audit-relay")
	v.SetDefault("relay.poll_interval", "1s")
	v.SetDefault("relay.batch_size", 100)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	// Validate server ports
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.Server.HTTPPort)
	}
	if c.Server.MetricsPort <= 0 || c.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.Server.MetricsPort)
	}

	// Validate database config
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("invalid database port: %d", c.Database.Port)
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database name is required")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns (%d) must be >= min_conns (%d)", c.Database.MaxConns, c.Database.MinConns)
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	// Validate engine config
	if c.Engine.MaxAttempts <= 0 {
		return fmt.Errorf("engine max_attempts must be positive")
	}
	for name, d := range map[string]time.Duration{
		"receive_timeout":  c.Engine.ReceiveTimeout,
		"validate_timeout": c.Engine.ValidateTimeout,
		"charge_timeout":   c.Engine.ChargeTimeout,
		"prepare_timeout":  c.Engine.PrepareTimeout,
		"dispatch_timeout": c.Engine.DispatchTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("engine %s must be positive", name)
		}
	}
	if c.Engine.ManualReviewDelay < 0 {
		return fmt.Errorf("engine manual_review_delay must not be negative")
	}
	if c.Engine.SignalBuffer <= 0 {
		return fmt.Errorf("engine signal_buffer must be positive")
	}

	// Validate gateway config
	if c.Gateways.FailureRate < 0 || c.Gateways.FailureRate > 1 {
		return fmt.Errorf("gateway failure_rate must be between 0 and 1")
	}
	if c.Gateways.StallRate < 0 || c.Gateways.StallRate > 1 {
		return fmt.Errorf("gateway stall_rate must be between 0 and 1")
	}
	if c.Gateways.FailureRate+c.Gateways.StallRate > 1 {
		return fmt.Errorf("gateway failure_rate + stall_rate must not exceed 1")
	}

	// Validate Kafka config
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers are required when kafka is enabled")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("kafka topic is required when kafka is enabled")
		}
	}
	if c.Relay.BatchSize <= 0 {
		return fmt.Errorf("relay batch_size must be positive")
	}

	return nil
}
