package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
)

// Config holds every tunable the server reads from the environment.
type Config struct {
	Addr      string `env:"ADDR" envDefault:":8080"`
	DSN       string `env:"DB_DSN,required"`
	RedisAddr string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	JWTSecret string `env:"JWT_SECRET,required"`

	// InstanceID identifies this pod on the fan-out channels. Each replica
	// behind the load balancer must have a distinct one; when unset a random
	// id is generated at startup.
	InstanceID string `env:"INSTANCE_ID"`

	RateLimitMax     int           `env:"RATE_LIMIT_MAX" envDefault:"60"`
	RateLimitWindow  time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"60s"`
	MaxMessageLength int           `env:"MAX_MESSAGE_LENGTH" envDefault:"1000"`

	// ListenerBackoffMax caps the retry delay when the broker listener dies.
	ListenerBackoffMax time.Duration `env:"LISTENER_BACKOFF_MAX" envDefault:"5s"`
}

// Load parses the environment into a Config.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	return &cfg, nil
}
