// internal/workers/campaign/start-campaign/config.go
package startcampaign

import (
	"time"

	"campaign-dispatch/internal/common/config"
)

type Config struct {
	BatchSize      int
	PacingInterval time.Duration
	Timeout        time.Duration
}

func LoadConfig(cfg config.DispatchConfig) *Config {
	return &Config{
		BatchSize:      cfg.BatchSize,
		PacingInterval: cfg.PacingInterval,
		Timeout:        2 * time.Minute,
	}
}
