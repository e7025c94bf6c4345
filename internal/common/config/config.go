// internal/common/config/config.go
package config

import (
	"fmt"
	"time"
)

// Config is the main application configuration struct.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Health    HealthConfig    `mapstructure:"health"`
	Transport TransportConfig `mapstructure:"transport"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// --- Core App/Infrastructure Config ---
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	HTTPPort    int    `mapstructure:"http_port"`
}

type DatabaseConfig struct {
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type ElasticsearchConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	Addresses  []string `mapstructure:"addresses"`
	Username   string   `mapstructure:"username"`
	Password   string   `mapstructure:"password"`
	AuditIndex string   `mapstructure:"audit_index"`
}

// QueueConfig holds the durable work queue settings.
type QueueConfig struct {
	Namespace    string        `mapstructure:"namespace"`
	Concurrency  int           `mapstructure:"concurrency"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	BackoffMax   time.Duration `mapstructure:"backoff_max"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// VisibilityTimeout bounds how long a fetched job may stay in flight
	// before the reaper returns it to the ready list.
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	Retention         time.Duration `mapstructure:"retention"`
	EnqueueRetries    int           `mapstructure:"enqueue_retries"`
	EnqueueBackoff    time.Duration `mapstructure:"enqueue_backoff"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// DispatchConfig holds the batch fan-out and requeue settings.
type DispatchConfig struct {
	BatchSize           int           `mapstructure:"batch_size"`
	PacingInterval      time.Duration `mapstructure:"pacing_interval"`
	BatchRequeueDelay   time.Duration `mapstructure:"batch_requeue_delay"`
	MessageRequeueDelay time.Duration `mapstructure:"message_requeue_delay"`
}

// RateLimitConfig holds the reference rates, hard ceilings and high-risk
// floors for the policy engine. Computed policies never exceed the ceilings.
type RateLimitConfig struct {
	BasePerMinute int `mapstructure:"base_per_minute"`
	BasePerHour   int `mapstructure:"base_per_hour"`
	BasePerDay    int `mapstructure:"base_per_day"`
	BaseBurst     int `mapstructure:"base_burst"`

	MaxPerMinute    int           `mapstructure:"max_per_minute"`
	MaxPerHour      int           `mapstructure:"max_per_hour"`
	MaxPerDay       int           `mapstructure:"max_per_day"`
	MaxBurst        int           `mapstructure:"max_burst"`
	MinMessageDelay time.Duration `mapstructure:"min_message_delay"`

	HighRiskPerMinute int           `mapstructure:"high_risk_per_minute"`
	HighRiskDelay     time.Duration `mapstructure:"high_risk_delay"`
	HighRiskBurst     int           `mapstructure:"high_risk_burst"`

	MaxRetries int `mapstructure:"max_retries"`
}

// HealthConfig holds the channel health monitor settings.
type HealthConfig struct {
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	RecoverBackoff time.Duration `mapstructure:"recover_backoff"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
}

// TransportConfig holds settings for the reference channel senders.
type TransportConfig struct {
	AWS struct {
		Region string `mapstructure:"region"`
		SES    struct {
			Enabled   bool   `mapstructure:"enabled"`
			FromEmail string `mapstructure:"from_email"`
		} `mapstructure:"ses"`
		SNS struct {
			Enabled  bool   `mapstructure:"enabled"`
			SenderID string `mapstructure:"sender_id"`
		} `mapstructure:"sns"`
	} `mapstructure:"aws"`
}

// AuditConfig controls the delivery-event audit sink.
type AuditConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}
