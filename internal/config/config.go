// Package config provides environment variable-based configuration loading.
//
// Purpose:
//
//	This package defines the service configuration structure and provides
//	functions to load configuration from environment variables using envconfig.
//	Both binaries (authserver, migrate) share this configuration structure.
//
// Dependencies:
//   - github.com/kelseyhightower/envconfig: Environment variable parsing
//
// Key Responsibilities:
//   - Config struct defines all service configuration fields
//   - Load reads and validates environment variables
//   - MustLoad exits the process if configuration is invalid
//
// Debugging Notes:
//   - Required fields: DATABASE_URL, AUTH_SECRETS, IP_SALT
//   - AUTH_SECRETS is a comma-separated list of base64 peppers; its length and
//     order are fixed for the life of a deployment
//   - ENVIRONMENT selects cookie security flags and mail behavior (local logs
//     instead of sending)
//
// Thread Safety:
//   - Config struct is read-only after loading (safe for concurrent read access)
//
// Error Handling:
//   - Load returns wrapped errors from envconfig.Process
//   - MustLoad writes to stderr and exits on error
package config

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
)

// Environment names recognized by the service.
const (
	EnvLocal = "local"
	EnvDev   = "dev"
	EnvProd  = "prod"
	EnvTest  = "test"
)

// Config represents shared runtime configuration for binaries in this service.
// All fields are populated from environment variables with defaults where specified.
// Required fields must be set or Load/MustLoad will return an error.
type Config struct {
	// ServiceName is emitted in logs and metrics.
	ServiceName string `envconfig:"SERVICE_NAME" default:"authserver"`
	// HTTPPort is the port the HTTP server listens on.
	HTTPPort int `envconfig:"HTTP_PORT" default:"8080"`
	// Environment describes the current deployment environment (local, dev, prod, test).
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	// LogLevel controls the zerolog global level (debug, info, warn, error).
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// DatabaseURL is the Postgres connection string for the primary service database.
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	// RedisAddr is the host:port of the Redis instance backing the token registry and caches.
	RedisAddr string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	// RedisPassword is the optional password for Redis authentication.
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	// RedisDB selects the logical Redis database index.
	RedisDB int `envconfig:"REDIS_DB" default:"0"`

	// AuthSecrets is a comma-separated list of base64-encoded server-side peppers.
	// Password hashes, email hashes, and OTP envelopes reference these by index,
	// so the sequence must never be reordered.
	AuthSecrets string `envconfig:"AUTH_SECRETS" required:"true"`
	// IPSalt is the base64-encoded salt mixed into hashed IP addresses for ban lookups.
	IPSalt string `envconfig:"IP_SALT" required:"true"`

	// ArgonTime, ArgonMemory, and ArgonThreads configure the Argon2id cost parameters.
	// Raising any of them causes stored hashes to be upgraded on next successful verify.
	ArgonTime    uint32 `envconfig:"ARGON_TIME" default:"1"`
	ArgonMemory  uint32 `envconfig:"ARGON_MEMORY" default:"65536"`
	ArgonThreads uint8  `envconfig:"ARGON_THREADS" default:"4"`

	// SMTPHost is the mail relay host. Empty disables SMTP (mail is logged instead).
	SMTPHost string `envconfig:"SMTP_HOST" default:""`
	// SMTPPort is the mail relay port.
	SMTPPort int `envconfig:"SMTP_PORT" default:"587"`
	// SMTPUsername authenticates against the mail relay.
	SMTPUsername string `envconfig:"SMTP_USERNAME" default:""`
	// SMTPPassword authenticates against the mail relay.
	SMTPPassword string `envconfig:"SMTP_PASSWORD" default:""`
	// MailSender is the From address on outbound account mail.
	MailSender string `envconfig:"MAIL_SENDER" default:"accounts@fuzz.ly"`
	// FrontendURL is the base URL embedded in account mail links.
	FrontendURL string `envconfig:"FRONTEND_URL" default:"https://fuzz.ly"`

	// KafkaBrokers is a comma-separated list of Kafka broker addresses.
	// If empty, audit events are logged instead of sent to Kafka.
	KafkaBrokers string `envconfig:"KAFKA_BROKERS" default:""`
	// KafkaTopic is the Kafka topic name for audit events.
	KafkaTopic string `envconfig:"KAFKA_TOPIC" default:"audit.auth"`
	// KafkaClientID is the client ID used when connecting to Kafka.
	KafkaClientID string `envconfig:"KAFKA_CLIENT_ID" default:"authserver"`
}

// Load reads environment variables into Config, applying defaults where necessary.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: process env: %w", err)
	}
	switch cfg.Environment {
	case EnvLocal, EnvDev, EnvProd, EnvTest:
	default:
		return nil, fmt.Errorf("config: unknown ENVIRONMENT %q", cfg.Environment)
	}
	return &cfg, nil
}

// MustLoad returns Config or exits the process.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// IsLocal reports whether the service runs in the local or test environment.
// Local disables the Secure flag on auth cookies and logs mail instead of sending it.
func (c *Config) IsLocal() bool {
	return c.Environment == EnvLocal || c.Environment == EnvTest
}
