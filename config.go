package main

import (
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	ListenPort int    `env:"LISTEN_PORT" envDefault:"8080"`
	InstanceID string `env:"INSTANCE_ID"` // generated at boot when empty

	// Upstream source of truth, fetched at boot and on reconcile
	UpstreamEventsURL string `env:"UPSTREAM_EVENTS_URL"`

	// Event bus
	PubSubDriver       string `env:"PUBSUB_DRIVER" envDefault:"nats"` // nats or kafka
	PubSubHost         string `env:"PUBSUB_HOST" envDefault:"localhost"`
	PubSubPort         int    `env:"PUBSUB_PORT" envDefault:"4222"`
	PubSubPassword     string `env:"PUBSUB_PASSWORD"`
	PubSubChannel      string `env:"PUBSUB_CHANNEL" envDefault:"marker.events"`
	KafkaBrokers       string `env:"KAFKA_BROKERS" envDefault:"localhost:19092"`
	KafkaConsumerGroup string `env:"KAFKA_CONSUMER_GROUP" envDefault:"marker-ws-group"`

	// Fan-out tuning
	BatchIntervalMS  int `env:"BATCH_INTERVAL_MS" envDefault:"50"`
	IdleTimeoutSec   int `env:"IDLE_TIMEOUT_SEC" envDefault:"300"`
	OutboundQueueCap int `env:"OUTBOUND_QUEUE_CAP" envDefault:"256"`
	FlushWorkers     int `env:"FLUSH_WORKERS" envDefault:"8"`
	ShutdownFlushMS  int `env:"SHUTDOWN_FLUSH_MS" envDefault:"500"`

	// Hydration
	HydrateRetries   int `env:"HYDRATE_RETRIES" envDefault:"5"`
	HydrateBackoffMS int `env:"HYDRATE_BACKOFF_MS" envDefault:"2000"`

	// Capacity and admission control
	MaxConnections           int     `env:"MAX_CONNECTIONS" envDefault:"10000"`
	ConnRateLimitEnabled     bool    `env:"CONN_RATE_LIMIT_ENABLED" envDefault:"false"`
	ConnRateLimitIPBurst     int     `env:"CONN_RATE_LIMIT_IP_BURST" envDefault:"10"`
	ConnRateLimitIPRate      float64 `env:"CONN_RATE_LIMIT_IP_RATE" envDefault:"1.0"`
	ConnRateLimitGlobalBurst int     `env:"CONN_RATE_LIMIT_GLOBAL_BURST" envDefault:"300"`
	ConnRateLimitGlobalRate  float64 `env:"CONN_RATE_LIMIT_GLOBAL_RATE" envDefault:"50.0"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`
	AlertWebhookURL string        `env:"ALERT_WEBHOOK_URL"`
	DebugEvents     bool          `env:"DEBUG_EVENTS" envDefault:"false"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// LoadConfig reads configuration from .env file and environment variables
// Priority: ENV vars > .env file > defaults
//
// Optional logger parameter for structured logging. If nil, logs to stdout.
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; production supplies real env vars
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		} else {
			fmt.Println("Info: No .env file found (using environment variables only)")
		}
	} else {
		if logger != nil {
			logger.Info().Msg("Loaded configuration from .env file")
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return fmt.Errorf("LISTEN_PORT must be 1-65535, got %d", c.ListenPort)
	}

	if c.UpstreamEventsURL == "" {
		return fmt.Errorf("UPSTREAM_EVENTS_URL is required")
	}
	u, err := url.Parse(c.UpstreamEventsURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("UPSTREAM_EVENTS_URL must be an absolute http(s) URL, got %q", c.UpstreamEventsURL)
	}

	switch c.PubSubDriver {
	case "nats":
		if c.PubSubHost == "" {
			return fmt.Errorf("PUBSUB_HOST is required for the nats driver")
		}
		if c.PubSubPort < 1 || c.PubSubPort > 65535 {
			return fmt.Errorf("PUBSUB_PORT must be 1-65535, got %d", c.PubSubPort)
		}
	case "kafka":
		if c.KafkaBrokers == "" {
			return fmt.Errorf("KAFKA_BROKERS is required for the kafka driver")
		}
		if c.KafkaConsumerGroup == "" {
			return fmt.Errorf("KAFKA_CONSUMER_GROUP is required for the kafka driver")
		}
	default:
		return fmt.Errorf("PUBSUB_DRIVER must be one of: nats, kafka (got: %s)", c.PubSubDriver)
	}
	if c.PubSubChannel == "" {
		return fmt.Errorf("PUBSUB_CHANNEL is required")
	}

	// Range checks
	if c.BatchIntervalMS < 1 {
		return fmt.Errorf("BATCH_INTERVAL_MS must be > 0, got %d", c.BatchIntervalMS)
	}
	if c.IdleTimeoutSec < 1 {
		return fmt.Errorf("IDLE_TIMEOUT_SEC must be > 0, got %d", c.IdleTimeoutSec)
	}
	if c.OutboundQueueCap < 1 {
		return fmt.Errorf("OUTBOUND_QUEUE_CAP must be > 0, got %d", c.OutboundQueueCap)
	}
	if c.FlushWorkers < 1 {
		return fmt.Errorf("FLUSH_WORKERS must be > 0, got %d", c.FlushWorkers)
	}
	if c.ShutdownFlushMS < 0 {
		return fmt.Errorf("SHUTDOWN_FLUSH_MS must be >= 0, got %d", c.ShutdownFlushMS)
	}
	if c.HydrateRetries < 1 {
		return fmt.Errorf("HYDRATE_RETRIES must be > 0, got %d", c.HydrateRetries)
	}
	if c.HydrateBackoffMS < 1 {
		return fmt.Errorf("HYDRATE_BACKOFF_MS must be > 0, got %d", c.HydrateBackoffMS)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}

	if c.ConnRateLimitEnabled {
		if c.ConnRateLimitIPBurst < 1 {
			return fmt.Errorf("CONN_RATE_LIMIT_IP_BURST must be > 0, got %d", c.ConnRateLimitIPBurst)
		}
		if c.ConnRateLimitIPRate <= 0 {
			return fmt.Errorf("CONN_RATE_LIMIT_IP_RATE must be > 0, got %f", c.ConnRateLimitIPRate)
		}
		if c.ConnRateLimitGlobalBurst < 1 {
			return fmt.Errorf("CONN_RATE_LIMIT_GLOBAL_BURST must be > 0, got %d", c.ConnRateLimitGlobalBurst)
		}
		if c.ConnRateLimitGlobalRate <= 0 {
			return fmt.Errorf("CONN_RATE_LIMIT_GLOBAL_RATE must be > 0, got %f", c.ConnRateLimitGlobalRate)
		}
	}

	// Enum checks
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "fatal": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error, fatal (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// Addr is the listen address derived from LISTEN_PORT.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.ListenPort)
}

func (c *Config) BatchInterval() time.Duration {
	return time.Duration(c.BatchIntervalMS) * time.Millisecond
}

func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSec) * time.Second
}

func (c *Config) HydrateBackoff() time.Duration {
	return time.Duration(c.HydrateBackoffMS) * time.Millisecond
}

// FlushGrace bounds how long shutdown waits for final batches to drain.
func (c *Config) FlushGrace() time.Duration {
	return time.Duration(c.ShutdownFlushMS) * time.Millisecond
}

// LogConfig logs configuration using structured logging (Loki-compatible)
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr()).
		Str("instance_id", c.InstanceID).
		Str("upstream_events_url", c.UpstreamEventsURL).
		Str("pubsub_driver", c.PubSubDriver).
		Str("pubsub_channel", c.PubSubChannel).
		Int("batch_interval_ms", c.BatchIntervalMS).
		Int("idle_timeout_sec", c.IdleTimeoutSec).
		Int("outbound_queue_cap", c.OutboundQueueCap).
		Int("flush_workers", c.FlushWorkers).
		Int("shutdown_flush_ms", c.ShutdownFlushMS).
		Int("hydrate_retries", c.HydrateRetries).
		Int("hydrate_backoff_ms", c.HydrateBackoffMS).
		Int("max_connections", c.MaxConnections).
		Bool("conn_rate_limit", c.ConnRateLimitEnabled).
		Bool("debug_events", c.DebugEvents).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
