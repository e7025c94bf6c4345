// internal/workers/campaign/send-message/config.go
package sendmessage

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
		RequeueDelay: cfg.MessageRequeueDelay,
		Timeout:      time.Minute,
	}
}
