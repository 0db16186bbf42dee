package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

const EnvPrefix = "EVOUT"

// ---- Root ----

type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Database   DatabaseConfig   `mapstructure:"database"`
	ClickHouse ClickHouseConfig `mapstructure:"clickhouse"`
	Redis      RedisConfig      `mapstructure:"redis"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Outbox     OutboxConfig     `mapstructure:"outbox"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Bus        BusConfig        `mapstructure:"bus"`
}

// ---- Leaf structs ----

type LogConfig struct {
	Level    string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Encoding string `mapstructure:"encoding" validate:"oneof=json console"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
	// APIKeys maps an X-API-Key value to the tenant it authenticates.
	APIKeys         map[string]string `mapstructure:"api_keys"`
	ShutdownTimeout time.Duration     `mapstructure:"shutdown_timeout"`
}

type PoolConfig struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=mysql sqlite"`
	// DSN is a MySQL DSN or, for sqlite, a file path (":memory:" allowed).
	DSN         string        `mapstructure:"dsn" validate:"required"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
	Pool        PoolConfig    `mapstructure:"pool"`
}

type ClickHouseConfig struct {
	Enabled bool       `mapstructure:"enabled"`
	DSN     string     `mapstructure:"dsn" validate:"required_if=Enabled true"`
	Pool    PoolConfig `mapstructure:"pool"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type RateLimitConfig struct {
	// RPS is the per-tenant limit of one fixed one-second window. 0 disables it.
	RPS int `mapstructure:"rps" validate:"gte=0"`
}

type OutboxConfig struct {
	MaxAttempts int `mapstructure:"max_attempts" validate:"gte=1"`
	// ClaimLease must outlast the slowest batch a dispatcher can work through,
	// see Validate.
	ClaimLease time.Duration `mapstructure:"claim_lease" validate:"gt=0"`
}

type BreakerConfig struct {
	FailThreshold int           `mapstructure:"fail_threshold" validate:"gte=0"`
	OpenFor       time.Duration `mapstructure:"open_for"`
}

type DispatcherConfig struct {
	// Embedded runs a dispatcher inside `serve`.
	Embedded       bool          `mapstructure:"embedded"`
	Interval       time.Duration `mapstructure:"interval" validate:"gt=0"`
	BatchSize      int           `mapstructure:"batch_size" validate:"gte=1,lte=1000"`
	Workers        int           `mapstructure:"workers" validate:"gte=1"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout" validate:"gt=0"`
	InstanceID     string        `mapstructure:"instance_id"`
	MetricsAddr    string        `mapstructure:"metrics_addr"`
	Breaker        BreakerConfig `mapstructure:"breaker"`
}

type BusConfig struct {
	Driver  string        `mapstructure:"driver" validate:"oneof=kafka pubsub webhook"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Webhook WebhookConfig `mapstructure:"webhook"`
}

type KafkaConfig struct {
	Brokers                []string      `mapstructure:"brokers"`
	TopicPrefix            string        `mapstructure:"topic_prefix"`
	BatchTimeout           time.Duration `mapstructure:"batch_timeout"`
	WriteTimeout           time.Duration `mapstructure:"write_timeout"`
	MaxAttempts            int           `mapstructure:"max_attempts"`
	RequiredAcks           int           `mapstructure:"required_acks" validate:"oneof=-1 1"`
	AllowAutoTopicCreation bool          `mapstructure:"allow_auto_topic_creation"`
}

type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
	Ordering  bool   `mapstructure:"ordering"`
}

type WebhookConfig struct {
	Name    string            `mapstructure:"name"`
	URL     string            `mapstructure:"url"`
	Timeout time.Duration     `mapstructure:"timeout"`
	Headers map[string]string `mapstructure:"headers"`
}

var validate = validator.New()

// Load reads embedded defaults, merges user YAML (if provided), applies env
// overrides (EVOUT_*) and validates the result.
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	// env override (EVOUT_DATABASE_DSN -> database.dsn)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// MinClaimLease is the time one worker may spend on its share of a batch when
// every publish runs into the timeout, plus one more timeout of slack.
func (d DispatcherConfig) MinClaimLease() time.Duration {
	if d.Workers <= 0 || d.BatchSize <= 0 {
		return 0
	}
	perWorker := (d.BatchSize + d.Workers - 1) / d.Workers
	return time.Duration(perWorker+1) * d.PublishTimeout
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if floor := c.Dispatcher.MinClaimLease(); c.Outbox.ClaimLease <= floor {
		return fmt.Errorf("invalid config: outbox.claim_lease %s must exceed %s (one publish_timeout per event a worker handles in a batch, plus one)",
			c.Outbox.ClaimLease, floor)
	}

	switch c.Bus.Driver {
	case "kafka":
		if len(c.Bus.Kafka.Brokers) == 0 {
			return fmt.Errorf("invalid config: bus.kafka.brokers is required")
		}
	case "pubsub":
		if c.Bus.PubSub.ProjectID == "" || c.Bus.PubSub.TopicID == "" {
			return fmt.Errorf("invalid config: bus.pubsub.project_id and bus.pubsub.topic_id are required")
		}
	case "webhook":
		if c.Bus.Webhook.URL == "" {
			return fmt.Errorf("invalid config: bus.webhook.url is required")
		}
	}

	return nil
}
