// internal/common/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

func Load() (*Config, error) {
	loadEnvFile()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("../../configs")
	viper.AddConfigPath(".")

	// Enable ENV override like DATABASE_POSTGRES_PASSWORD
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	// Environment overlay, ignored when the file is absent.
	viper.SetConfigName(fmt.Sprintf("config.%s", env))
	_ = viper.MergeInConfig()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// loadEnvFile loads .env from the working directory or the project root so
// the binary and tests behave the same from any directory.
func loadEnvFile() {
	possiblePaths := []string{
		".env",
		"../.env",
		"../../.env",
	}

	if rootDir := findProjectRoot(); rootDir != "" {
		possiblePaths = append(possiblePaths, filepath.Join(rootDir, ".env"))
	}

	for _, path := range possiblePaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				return
			}
		}
	}
}

// findProjectRoot walks up directories looking for go.mod.
func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "dispatch-manager"
	}
	if cfg.App.HTTPPort == 0 {
		cfg.App.HTTPPort = 8080
	}
	if cfg.Database.Postgres.MaxConnections == 0 {
		cfg.Database.Postgres.MaxConnections = 20
	}
	if cfg.Database.Postgres.MaxIdle == 0 {
		cfg.Database.Postgres.MaxIdle = 5
	}
	if cfg.Database.Postgres.SSLMode == "" {
		cfg.Database.Postgres.SSLMode = "disable"
	}
	if cfg.Database.Elasticsearch.AuditIndex == "" {
		cfg.Database.Elasticsearch.AuditIndex = "campaign-delivery-events"
	}

	if cfg.Queue.Namespace == "" {
		cfg.Queue.Namespace = "dispatch"
	}
	if cfg.Queue.Concurrency == 0 {
		cfg.Queue.Concurrency = 5
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 3
	}
	if cfg.Queue.BackoffBase == 0 {
		cfg.Queue.BackoffBase = 1 * time.Second
	}
	if cfg.Queue.BackoffMax == 0 {
		cfg.Queue.BackoffMax = 10 * time.Minute
	}
	if cfg.Queue.PollInterval == 0 {
		cfg.Queue.PollInterval = 500 * time.Millisecond
	}
	if cfg.Queue.VisibilityTimeout == 0 {
		cfg.Queue.VisibilityTimeout = 5 * time.Minute
	}
	if cfg.Queue.Retention == 0 {
		cfg.Queue.Retention = 24 * time.Hour
	}
	if cfg.Queue.EnqueueRetries == 0 {
		cfg.Queue.EnqueueRetries = 3
	}
	if cfg.Queue.EnqueueBackoff == 0 {
		cfg.Queue.EnqueueBackoff = 500 * time.Millisecond
	}
	if cfg.Queue.ShutdownTimeout == 0 {
		cfg.Queue.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Dispatch.BatchSize == 0 {
		cfg.Dispatch.BatchSize = 20
	}
	if cfg.Dispatch.PacingInterval == 0 {
		cfg.Dispatch.PacingInterval = 5 * time.Second
	}
	if cfg.Dispatch.BatchRequeueDelay == 0 {
		cfg.Dispatch.BatchRequeueDelay = 1 * time.Minute
	}
	if cfg.Dispatch.MessageRequeueDelay == 0 {
		cfg.Dispatch.MessageRequeueDelay = 30 * time.Second
	}

	if cfg.RateLimit.BasePerMinute == 0 {
		cfg.RateLimit.BasePerMinute = 30
	}
	if cfg.RateLimit.BasePerHour == 0 {
		cfg.RateLimit.BasePerHour = 600
	}
	if cfg.RateLimit.BasePerDay == 0 {
		cfg.RateLimit.BasePerDay = 4000
	}
	if cfg.RateLimit.BaseBurst == 0 {
		cfg.RateLimit.BaseBurst = 10
	}
	if cfg.RateLimit.MaxPerMinute == 0 {
		cfg.RateLimit.MaxPerMinute = 30
	}
	if cfg.RateLimit.MaxPerHour == 0 {
		cfg.RateLimit.MaxPerHour = 800
	}
	if cfg.RateLimit.MaxPerDay == 0 {
		cfg.RateLimit.MaxPerDay = 5000
	}
	if cfg.RateLimit.MaxBurst == 0 {
		cfg.RateLimit.MaxBurst = 10
	}
	if cfg.RateLimit.MinMessageDelay == 0 {
		cfg.RateLimit.MinMessageDelay = 1500 * time.Millisecond
	}
	if cfg.RateLimit.HighRiskPerMinute == 0 {
		cfg.RateLimit.HighRiskPerMinute = 10
	}
	if cfg.RateLimit.HighRiskDelay == 0 {
		cfg.RateLimit.HighRiskDelay = 3000 * time.Millisecond
	}
	if cfg.RateLimit.HighRiskBurst == 0 {
		cfg.RateLimit.HighRiskBurst = 3
	}
	if cfg.RateLimit.MaxRetries == 0 {
		cfg.RateLimit.MaxRetries = 3
	}

	if cfg.Health.CacheTTL == 0 {
		cfg.Health.CacheTTL = 60 * time.Second
	}
	if cfg.Health.RecoverBackoff == 0 {
		cfg.Health.RecoverBackoff = 2 * time.Second
	}
	if cfg.Health.MaxAttempts == 0 {
		cfg.Health.MaxAttempts = 3
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Database.Postgres.Host == "" {
		return fmt.Errorf("database.postgres.host is required")
	}
	if cfg.Database.Redis.Address == "" {
		return fmt.Errorf("database.redis.address is required")
	}
	if cfg.Dispatch.BatchSize < 1 {
		return fmt.Errorf("dispatch.batch_size must be positive")
	}
	if cfg.Queue.Concurrency < 1 {
		return fmt.Errorf("queue.concurrency must be positive")
	}
	if cfg.RateLimit.MaxPerMinute < 1 {
		return fmt.Errorf("rate_limit.max_per_minute must be positive")
	}
	if cfg.Database.Elasticsearch.Enabled && len(cfg.Database.Elasticsearch.Addresses) == 0 {
		return fmt.Errorf("database.elasticsearch.addresses is required when elasticsearch is enabled")
	}
	return nil
}
