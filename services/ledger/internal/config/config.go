package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	base "github.com/AfshinJalili/gowallet/libs/config"
	"github.com/AfshinJalili/gowallet/libs/mongoclient"
	"github.com/AfshinJalili/gowallet/libs/postgres"
	"github.com/AfshinJalili/gowallet/libs/redisclient"
	"github.com/spf13/viper"
)

type KafkaTopics struct {
	Deposits            string `mapstructure:"deposits"`
	WithdrawalRequested string `mapstructure:"withdrawal_requested"`
	WithdrawalReviewed  string `mapstructure:"withdrawal_reviewed"`
	DeadLetter          string `mapstructure:"dead_letter"`
}

type KafkaConfig struct {
	Brokers       []string      `mapstructure:"brokers"`
	ConsumerGroup string        `mapstructure:"consumer_group"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	Topics        KafkaTopics   `mapstructure:"topics"`
}

// LedgerConfig covers the balance cache and its stream. Stream, group and
// consumer names are shared with every other writer and reader of the
// ledger and are only overridden in tests.
type LedgerConfig struct {
	Scale                int32         `mapstructure:"scale"`
	IdempotencyTTL       time.Duration `mapstructure:"idempotency_ttl"`
	Stream               string        `mapstructure:"stream"`
	Group                string        `mapstructure:"group"`
	Consumer             string        `mapstructure:"consumer"`
	CompensationAttempts int           `mapstructure:"compensation_attempts"`
	CompensationBackoff  time.Duration `mapstructure:"compensation_backoff"`
}

type ReconcilerConfig struct {
	BatchSize     int64         `mapstructure:"batch_size"`
	Block         time.Duration `mapstructure:"block"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	ErrorBackoff  time.Duration `mapstructure:"error_backoff"`
}

type DepositConfig struct {
	Retention     time.Duration `mapstructure:"retention"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type CurrencyConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

type Config struct {
	App        base.AppConfig     `mapstructure:",squash"`
	Redis      redisclient.Config `mapstructure:"redis"`
	Postgres   postgres.Config    `mapstructure:"postgres"`
	Mongo      mongoclient.Config `mapstructure:"mongo"`
	Kafka      KafkaConfig        `mapstructure:"kafka"`
	Ledger     LedgerConfig       `mapstructure:"ledger"`
	Reconciler ReconcilerConfig   `mapstructure:"reconciler"`
	Deposit    DepositConfig      `mapstructure:"deposit"`
	Currency   CurrencyConfig     `mapstructure:"currency"`
}

func Load(path string) (*Config, error) {
	v, err := base.NewViper(path)
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

func FromViper(v *viper.Viper) (*Config, error) {
	base.SetDefaults(v)
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma-separated broker lists are the norm in container envs.
	cfg.Kafka.Brokers = envCSV(base.EnvPrefix+"_KAFKA_BROKERS", cfg.Kafka.Brokers)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.name", "wallet")
	v.SetDefault("postgres.user", "wallet")
	v.SetDefault("postgres.password", "wallet")
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("postgres.max_conns", 10)

	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "wallet")

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.consumer_group", "wallet-group")
	v.SetDefault("kafka.max_attempts", 5)
	v.SetDefault("kafka.retry_backoff", "500ms")
	v.SetDefault("kafka.topics.deposits", "deposit-events")
	v.SetDefault("kafka.topics.withdrawal_requested", "withdrawals.requested")
	v.SetDefault("kafka.topics.withdrawal_reviewed", "withdrawals.reviewed")
	v.SetDefault("kafka.topics.dead_letter", "wallet.dead-letter")

	v.SetDefault("ledger.scale", 8)
	v.SetDefault("ledger.idempotency_ttl", "168h")
	v.SetDefault("ledger.stream", "balance_logs")
	v.SetDefault("ledger.group", "balance_group")
	v.SetDefault("ledger.consumer", "balance_sync_worker")
	v.SetDefault("ledger.compensation_attempts", 5)
	v.SetDefault("ledger.compensation_backoff", "100ms")

	v.SetDefault("reconciler.batch_size", 100)
	v.SetDefault("reconciler.block", "5s")
	v.SetDefault("reconciler.retry_interval", "30s")
	v.SetDefault("reconciler.error_backoff", "1s")

	v.SetDefault("deposit.retention", "720h")
	v.SetDefault("deposit.sweep_interval", "1h")

	v.SetDefault("currency.refresh_interval", "1m")
}

func (c *Config) Validate() error {
	if c.App.HTTP.Port <= 0 {
		return fmt.Errorf("http.port must be positive")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr required")
	}
	if c.Postgres.Host == "" || c.Postgres.Name == "" {
		return fmt.Errorf("postgres host and name required")
	}
	if c.Mongo.URI == "" || c.Mongo.Database == "" {
		return fmt.Errorf("mongo uri and database required")
	}
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka brokers required")
	}
	if c.Kafka.ConsumerGroup == "" {
		return fmt.Errorf("kafka consumer group required")
	}
	if c.Kafka.Topics.Deposits == "" {
		return fmt.Errorf("kafka deposits topic required")
	}
	if c.Ledger.Scale < 1 || c.Ledger.Scale > 18 {
		return fmt.Errorf("ledger.scale must be between 1 and 18")
	}
	if c.Ledger.IdempotencyTTL < time.Second {
		return fmt.Errorf("ledger.idempotency_ttl must be at least 1s")
	}
	if c.Ledger.Stream == "" || c.Ledger.Group == "" || c.Ledger.Consumer == "" {
		return fmt.Errorf("ledger stream, group and consumer required")
	}
	if c.Deposit.Retention <= 0 {
		return fmt.Errorf("deposit.retention must be positive")
	}
	return nil
}

func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
