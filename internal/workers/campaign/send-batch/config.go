// internal/workers/campaign/send-batch/config.go
package sendbatch

import (
	"time"

	"campaign-dispatch/internal/common/config"
)

type Config struct {
	RequeueDelay time.Duration
	Timeout      time.Duration
}

func LoadConfig(cfg config.DispatchConfig) *Config {
	return &Config{
		RequeueDelay: cfg.BatchRequeueDelay,
		Timeout:      10 * time.Minute,
	}
}
