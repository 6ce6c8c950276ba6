package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

func Load() (*Config, error) {
	loadEnvFile()

	// Base config
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("../../configs")
	viper.AddConfigPath(".")

	// Enable ENV override like STORE_REDIS_ADDRESS
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	// Defaults that applyDefaults cannot express because the zero value is
	// a legal explicit setting. Authorization is on unless switched off.
	viper.SetDefault("engine.enable_authorization", true)

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	// Environment-specific overlay, e.g. config.production.yaml
	envConfigFile := fmt.Sprintf("config.%s", env)
	viper.SetConfigName(envConfigFile)
	_ = viper.MergeInConfig() // ignore error if not found

	expandEnvVars(viper.GetViper())

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

// loadEnvFile tries .env from multiple locations so the binary works when
// started from the repo root, a package dir, or a test dir.
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

// findProjectRoot walks up from the working directory looking for go.mod.
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

// expandEnvVars resolves ${VAR} placeholders in string config values.
func expandEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		val := v.Get(key)

		if strVal, ok := val.(string); ok {
			if strings.Contains(strVal, "${") || (strings.HasPrefix(strVal, "$") && len(strVal) > 1) {
				expanded := os.ExpandEnv(strVal)
				if expanded != strVal && expanded != "" {
					v.Set(key, expanded)
				}
			}
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "subscription-engine"
	}
	if cfg.App.Environment == "" {
		cfg.App.Environment = "development"
	}

	if cfg.Engine.MaxSubscriptionsPerUser <= 0 {
		cfg.Engine.MaxSubscriptionsPerUser = 100
	}

	if cfg.Cleanup.IntervalSeconds <= 0 {
		cfg.Cleanup.IntervalSeconds = 3600
	}
	if cfg.Cleanup.MaxAgeDays <= 0 {
		cfg.Cleanup.MaxAgeDays = 30
	}
	if cfg.Cleanup.ShutdownTimeoutSeconds <= 0 {
		cfg.Cleanup.ShutdownTimeoutSeconds = 10
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if cfg.Store.Redis.Address == "" {
		cfg.Store.Redis.Address = "localhost:6379"
	}
	if cfg.Store.Postgres.SSLMode == "" {
		cfg.Store.Postgres.SSLMode = "disable"
	}
	if cfg.Store.Postgres.MaxConnections <= 0 {
		cfg.Store.Postgres.MaxConnections = 25
	}
	if cfg.Store.Postgres.MaxIdle <= 0 {
		cfg.Store.Postgres.MaxIdle = 5
	}

	if cfg.Delivery.Webhook.TimeoutSeconds <= 0 {
		cfg.Delivery.Webhook.TimeoutSeconds = 10
	}
	if cfg.Delivery.SSE.BufferSize <= 0 {
		cfg.Delivery.SSE.BufferSize = 64
	}
	if cfg.Delivery.Elasticsearch.Index == "" {
		cfg.Delivery.Elasticsearch.Index = "subscription-events"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = ":9090"
	}
}

func validateConfig(cfg *Config) error {
	switch cfg.Store.Backend {
	case "memory", "redis", "postgres":
	default:
		return fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	if cfg.Store.Backend == "postgres" {
		if cfg.Store.Postgres.Host == "" || cfg.Store.Postgres.Database == "" {
			return fmt.Errorf("postgres backend requires host and database")
		}
	}

	if cfg.Delivery.Notification.Enabled {
		if cfg.Delivery.Notification.AWSRegion == "" {
			return fmt.Errorf("notification delivery requires aws_region")
		}
	}

	if cfg.Delivery.Elasticsearch.Enabled && len(cfg.Delivery.Elasticsearch.Addresses) == 0 {
		return fmt.Errorf("elasticsearch delivery requires at least one address")
	}

	return nil
}
