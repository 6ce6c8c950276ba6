package config

import "fmt"

// Config is the main application configuration struct.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Cleanup  CleanupConfig  `mapstructure:"cleanup"`
	Store    StoreConfig    `mapstructure:"store"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// EngineConfig holds the subscription manager settings.
type EngineConfig struct {
	MaxSubscriptionsPerUser int  `mapstructure:"max_subscriptions_per_user"`
	EnableAuthorization     bool `mapstructure:"enable_authorization"`
}

// CleanupConfig holds the background sweeper settings.
type CleanupConfig struct {
	IntervalSeconds        int `mapstructure:"interval_seconds"`
	MaxAgeDays             int `mapstructure:"max_age_days"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// StoreConfig selects and configures the subscription store backend.
type StoreConfig struct {
	// Backend is one of "memory", "redis", "postgres".
	Backend  string         `mapstructure:"backend"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
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

// DeliveryConfig holds settings for the delivery adapters registered as
// event handlers.
type DeliveryConfig struct {
	Notification  NotificationConfig  `mapstructure:"notification"`
	Webhook       WebhookConfig       `mapstructure:"webhook"`
	WebSocket     WebSocketConfig     `mapstructure:"websocket"`
	SSE           SSEConfig           `mapstructure:"sse"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
}

type NotificationConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	AWSRegion   string `mapstructure:"aws_region"`
	SenderEmail string `mapstructure:"sender_email"`
	SNSTopicARN string `mapstructure:"sns_topic_arn"`
}

type WebhookConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	TimeoutSeconds int  `mapstructure:"timeout_seconds"`
}

type WebSocketConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type SSEConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	BufferSize int  `mapstructure:"buffer_size"`
}

type ElasticsearchConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	Index     string   `mapstructure:"index"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}
