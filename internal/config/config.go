// Package config loads the client configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the client configuration.
type Config struct {
	ServerURL        string        `env:"TICTAC_SERVER_URL" envDefault:"ws://localhost:2567"`
	RoomKind         string        `env:"TICTAC_ROOM_KIND" envDefault:"tic_tac_toe"`
	StorePath        string        `env:"TICTAC_STORE_PATH" envDefault:"tictac.db"`
	HandshakeTimeout time.Duration `env:"TICTAC_HANDSHAKE_TIMEOUT" envDefault:"10s"`
	OTelEndpoint     string        `env:"TICTAC_OTEL_ENDPOINT"`
	OTelEnabled      bool          `env:"TICTAC_OTEL_ENABLED" envDefault:"true"`
}

// ParseEnv loads configuration from environment variables into target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load reads Config from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.ServerURL == "" {
		return Config{}, fmt.Errorf("TICTAC_SERVER_URL is empty")
	}
	if cfg.HandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("TICTAC_HANDSHAKE_TIMEOUT must be positive, got %s", cfg.HandshakeTimeout)
	}
	return cfg, nil
}
