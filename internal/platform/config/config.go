package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv     string `env:"APP_ENV" default:"development"`
	Port       string `env:"PORT" default:"8080"`
	LogLevel   string `env:"LOG_LEVEL" default:"info"`
	LogFormat  string `env:"LOG_FORMAT" default:"text"`
	InstanceID string `env:"INSTANCE_ID"`

	RedisURL    string `env:"REDIS_URL"`
	DatabaseURL string `env:"DATABASE_URL"`

	BrokerChannel      string        `env:"BROKER_CHANNEL" default:"fanout:notifications"`
	ClientIDHeader     string        `env:"CLIENT_ID_HEADER" default:"X-Client-ID"`
	HeartbeatInterval  time.Duration `env:"HEARTBEAT_INTERVAL" default:"10s"`
	StreamWriteTimeout time.Duration `env:"STREAM_WRITE_TIMEOUT" default:"5s"`
	InstanceHeartbeat  time.Duration `env:"INSTANCE_HEARTBEAT" default:"15s"`

	MaxStreamConnections int     `env:"MAX_STREAM_CONNECTIONS" default:"10000"`
	MaxStreamsPerIP      int     `env:"MAX_STREAMS_PER_IP" default:"100"`
	StreamConnectRate    float64 `env:"STREAM_CONNECT_RATE" default:"10"`
	StreamConnectBurst   int     `env:"STREAM_CONNECT_BURST" default:"20"`

	APIRateLimit     float64  `env:"API_RATE_LIMIT" default:"20"`
	APIRateBurst     int      `env:"API_RATE_BURST" default:"40"`
	CORSAllowOrigins []string `env:"CORS_ALLOW_ORIGINS" default:"*"`
}

// IsProduction reports whether the process runs with APP_ENV=production.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	// A single process can run on the in-process broker; more than one needs Redis.
	if cfg.IsProduction() && cfg.RedisURL == "" {
		return errors.New("REDIS_URL is required in production")
	}

	if cfg.BrokerChannel == "" {
		return errors.New("BROKER_CHANNEL must not be empty")
	}

	if cfg.ClientIDHeader == "" || http.CanonicalHeaderKey(cfg.ClientIDHeader) != cfg.ClientIDHeader {
		return fmt.Errorf("CLIENT_ID_HEADER must be a canonical header name, got %q", cfg.ClientIDHeader)
	}

	if cfg.HeartbeatInterval < time.Second || cfg.HeartbeatInterval > time.Minute {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be between 1s and 60s, got %s", cfg.HeartbeatInterval)
	}

	if cfg.StreamWriteTimeout <= 0 {
		return errors.New("STREAM_WRITE_TIMEOUT must be positive")
	}
	if cfg.StreamWriteTimeout >= cfg.HeartbeatInterval {
		return fmt.Errorf("STREAM_WRITE_TIMEOUT (%s) must be shorter than HEARTBEAT_INTERVAL (%s)", cfg.StreamWriteTimeout, cfg.HeartbeatInterval)
	}

	if cfg.InstanceHeartbeat <= 0 {
		return errors.New("INSTANCE_HEARTBEAT must be positive")
	}

	if cfg.MaxStreamConnections < 1 || cfg.MaxStreamsPerIP < 1 {
		return errors.New("MAX_STREAM_CONNECTIONS and MAX_STREAMS_PER_IP must be at least 1")
	}
	if cfg.StreamConnectRate <= 0 || cfg.StreamConnectBurst < 1 {
		return errors.New("STREAM_CONNECT_RATE must be positive and STREAM_CONNECT_BURST at least 1")
	}
	if cfg.APIRateLimit <= 0 || cfg.APIRateBurst < 1 {
		return errors.New("API_RATE_LIMIT must be positive and API_RATE_BURST at least 1")
	}

	return nil
}
