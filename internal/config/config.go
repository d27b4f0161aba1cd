package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	DBFile          string        `envconfig:"CHATSYNC_DB" default:"chatsync.db"`
	ListenAddr      string        `envconfig:"LISTEN_ADDR" default:":8080"`
	MaxMessageLen   int           `envconfig:"MAX_MESSAGE_LEN" default:"500"`
	ReconcileWindow time.Duration `envconfig:"RECONCILE_WINDOW" default:"10s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"5s"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.MaxMessageLen <= 0 {
		return fmt.Errorf("MAX_MESSAGE_LEN must be greater than 0")
	}

	if c.ReconcileWindow <= 0 {
		return fmt.Errorf("RECONCILE_WINDOW must be greater than 0")
	}

	return nil
}
