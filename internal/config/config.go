// Package config loads the sidecar's configuration from environment
// variables. It follows the teacher's ambient loading style -- an optional
// local .env file read via godotenv before the environment is consulted --
// while the actual configuration surface (§6) is environment-variable
// driven rather than a YAML file, per the spec.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// ServerConfig holds the HTTP server's own tunables. The spec does not
// enumerate these; they follow the teacher's ServerConfig shape.
type ServerConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// LoggingConfig controls shared/logger's output.
type LoggingConfig struct {
	Level        string
	Format       string
	Output       string
	EnableCaller bool
}

// AppConfig carries application metadata echoed into startup logs.
type AppConfig struct {
	Name        string
	Version     string
	Environment string
}

// RetryPolicy mirrors queue.RetryPolicy's source fields, read from
// ASYNC_RETRY_*.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelayMs int
	MaxDelayMs  int
}

// CooldownConfig mirrors queue.CooldownDurations's source fields, read
// from ASYNC_*_COOLDOWN_MS.
type CooldownConfig struct {
	AuthRequiredMs int
	ChallengeMs    int
	RateLimitedMs  int
	DegradedMs     int
}

// QueueConfig is the queue manager's configuration surface enumerated in
// spec.md §6, read from ASYNC_* environment variables.
type QueueConfig struct {
	MaxInFlight   int
	MaxQueueDepth int
	Retry         RetryPolicy
	Cooldown      CooldownConfig
}

// UpstreamConfig configures the chat-completions client the queue manager
// forwards jobs to.
type UpstreamConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// DatabaseConfig is the optional Postgres connection used by
// internal/persistence to append a best-effort replay history row. A
// blank Host disables it entirely.
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// RabbitMQConfig is the optional AMQP sink internal/events publishes
// terminal envelopes to. A blank Host disables it entirely.
type RabbitMQConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	VHost             string
	ExchangeName      string
	ExchangeType      string
	RoutingKey        string
	Heartbeat         time.Duration
	ConnectionTimeout time.Duration
	RetryAttempts     int
	RetryInterval     time.Duration
}

// Config is the complete sidecar configuration.
type Config struct {
	Server   ServerConfig
	Logging  LoggingConfig
	App      AppConfig
	Queue    QueueConfig
	Upstream UpstreamConfig
	Database DatabaseConfig
	RabbitMQ RabbitMQConfig

	// ReplayReportsDir is where internal/replay.Store persists
	// replay-<id>.json / latest-<name>.json files. Blank disables
	// persistence (and therefore drift alerts).
	ReplayReportsDir string
	// TrafficLogSize bounds the in-memory debug traffic ring buffer.
	TrafficLogSize int
}

// Load reads Config from the environment, applying the documented
// defaults and floors from spec.md §6. It never fails: every variable
// degrades to its default on a missing or unparseable value.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            envInt("PORT", 8080),
			ReadTimeout:     envDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    envDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:     envDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: envDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Logging: LoggingConfig{
			Level:        envString("LOG_LEVEL", "info"),
			Format:       envString("LOG_FORMAT", "console"),
			Output:       envString("LOG_OUTPUT", "stdout"),
			EnableCaller: envBool("LOG_ENABLE_CALLER", false),
		},
		App: AppConfig{
			Name:        envString("APP_NAME", "async-sidecar"),
			Version:     envString("APP_VERSION", "dev"),
			Environment: envString("APP_ENV", "development"),
		},
		Queue: QueueConfig{
			MaxInFlight:   envIntMin("ASYNC_MAX_IN_FLIGHT", 1, 1),
			MaxQueueDepth: envIntMin("ASYNC_QUEUE_MAX_DEPTH", 120, 1),
			Retry: RetryPolicy{
				MaxAttempts: envIntMin("ASYNC_RETRY_MAX_ATTEMPTS", 2, 1),
				BaseDelayMs: envIntMin("ASYNC_RETRY_BASE_MS", 1500, 0),
				MaxDelayMs:  envIntMin("ASYNC_RETRY_MAX_DELAY_MS", 45000, 100),
			},
			Cooldown: CooldownConfig{
				AuthRequiredMs: envIntMin("ASYNC_AUTH_COOLDOWN_MS", 300000, 1000),
				ChallengeMs:    envIntMin("ASYNC_CHALLENGE_COOLDOWN_MS", 90000, 1000),
				RateLimitedMs:  envIntMin("ASYNC_RATE_COOLDOWN_MS", 45000, 1000),
				DegradedMs:     envIntMin("ASYNC_DEGRADED_COOLDOWN_MS", 15000, 1000),
			},
		},
		Upstream: UpstreamConfig{
			BaseURL: envString("UPSTREAM_BASE_URL", "http://127.0.0.1:8000"),
			APIKey:  envString("UPSTREAM_API_KEY", ""),
			Timeout: envDuration("UPSTREAM_TIMEOUT", 120*time.Second),
		},
		Database: DatabaseConfig{
			Host:            envString("DB_HOST", ""),
			Port:            envInt("DB_PORT", 5432),
			User:            envString("DB_USER", "postgres"),
			Password:        envString("DB_PASSWORD", ""),
			Database:        envString("DB_NAME", "async_sidecar"),
			SSLMode:         envString("DB_SSLMODE", "disable"),
			MaxOpenConns:    envInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    envInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DB_CONN_MAX_LIFETIME", time.Hour),
			ConnMaxIdleTime: envDuration("DB_CONN_MAX_IDLE_TIME", 10*time.Minute),
		},
		RabbitMQ: RabbitMQConfig{
			Host:              envString("RABBITMQ_HOST", ""),
			Port:              envInt("RABBITMQ_PORT", 5672),
			User:              envString("RABBITMQ_USER", "guest"),
			Password:          envString("RABBITMQ_PASSWORD", "guest"),
			VHost:             envString("RABBITMQ_VHOST", "/"),
			ExchangeName:      envString("RABBITMQ_EXCHANGE", "async_sidecar.events"),
			ExchangeType:      envString("RABBITMQ_EXCHANGE_TYPE", "fanout"),
			RoutingKey:        envString("RABBITMQ_ROUTING_KEY", "job.final"),
			Heartbeat:         envDuration("RABBITMQ_HEARTBEAT", 10*time.Second),
			ConnectionTimeout: envDuration("RABBITMQ_CONNECTION_TIMEOUT", 5*time.Second),
			RetryAttempts:     envIntMin("RABBITMQ_RETRY_ATTEMPTS", 3, 1),
			RetryInterval:     envDuration("RABBITMQ_RETRY_INTERVAL", 2*time.Second),
		},
		ReplayReportsDir: envString("REPLAY_REPORTS_DIR", "replay-reports"),
		TrafficLogSize:   envIntMin("TRAFFIC_LOG_SIZE", 200, 1),
	}
}

// Validate checks the handful of settings that must be sane for the
// process to start at all. The ASYNC_* queue tunables are never invalid --
// they are floored instead -- so there is nothing to validate about them.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	return nil
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// envIntMin reads an integer and floors it at min, the pattern every
// ASYNC_* variable in §6 follows.
func envIntMin(key string, def, min int) int {
	n := envInt(key, def)
	if n < min {
		n = min
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
