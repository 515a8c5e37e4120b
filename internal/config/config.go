package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config представляет структуру конфигурации для приложения.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Stripe   StripeConfig   `mapstructure:"stripe"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Drift    DriftConfig    `mapstructure:"drift"`
}

type AppConfig struct {
	Port            string        `mapstructure:"port" validate:"required"`
	Env             string        `mapstructure:"env" validate:"oneof=development staging production test"`
	LogLevel        string        `mapstructure:"log_level"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
}

// DatabaseConfig хранилище: postgres (по умолчанию) или memory для локальной разработки
type DatabaseConfig struct {
	Driver        string        `mapstructure:"driver" validate:"oneof=postgres memory"`
	DSN           string        `mapstructure:"dsn" validate:"required_if=Driver postgres"`
	MaxConns      int32         `mapstructure:"max_conns" validate:"gte=1"`
	MinConns      int32         `mapstructure:"min_conns" validate:"gte=0"`
	LockTimeout   time.Duration `mapstructure:"lock_timeout" validate:"gt=0"`
	RunMigrations bool          `mapstructure:"run_migrations"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr" validate:"required_if=Enabled true"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	CacheTTL time.Duration `mapstructure:"cache_ttl" validate:"gt=0"`
}

type KafkaConfig struct {
	Enabled      bool        `mapstructure:"enabled"`
	Driver       string      `mapstructure:"driver" validate:"oneof=kafka-go sarama"`
	Brokers      []string    `mapstructure:"brokers" validate:"required_if=Enabled true"`
	EnsureTopics bool        `mapstructure:"ensure_topics"`
	Topics       KafkaTopics `mapstructure:"topics"`
}

type KafkaTopics struct {
	SubscriptionChanged string `mapstructure:"subscription_changed" validate:"required"`
	DeadLetter          string `mapstructure:"dead_letter" validate:"required"`
	DriftDetected       string `mapstructure:"drift_detected" validate:"required"`
}

type StripeConfig struct {
	APIKey           string        `mapstructure:"api_key"`
	WebhookSecret    string        `mapstructure:"webhook_secret" validate:"required"`
	WebhookTolerance time.Duration `mapstructure:"webhook_tolerance" validate:"gt=0"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" validate:"required"`
}

// SyncConfig параметры конвейера событий и планировщика повторов
type SyncConfig struct {
	MaxRetries     int           `mapstructure:"max_retries" validate:"gte=0"`
	BackoffBase    time.Duration `mapstructure:"backoff_base" validate:"gt=0"`
	BackoffCap     time.Duration `mapstructure:"backoff_cap" validate:"gtefield=BackoffBase"`
	BackoffJitter  float64       `mapstructure:"backoff_jitter" validate:"gte=0,lte=1"`
	LeaseTimeout   time.Duration `mapstructure:"lease_timeout" validate:"gt=0"`
	ScanInterval   time.Duration `mapstructure:"scan_interval" validate:"gt=0"`
	ScanBatch      int           `mapstructure:"scan_batch" validate:"gte=1"`
	Workers        int           `mapstructure:"workers" validate:"gte=1"`
	QueueSize      int           `mapstructure:"queue_size" validate:"gte=1"`
	ProcessTimeout time.Duration `mapstructure:"process_timeout" validate:"gt=0,ltfield=LeaseTimeout"`
	RemoteTimeout  time.Duration `mapstructure:"remote_timeout" validate:"gt=0"`
	DBTimeout      time.Duration `mapstructure:"db_timeout" validate:"gt=0"`
	OutboxInterval time.Duration `mapstructure:"outbox_interval" validate:"gt=0"`
	OutboxBatch    int           `mapstructure:"outbox_batch" validate:"gte=1"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes" validate:"gte=1024"`
}

// DriftConfig параметры аудитора расхождений
type DriftConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Interval       time.Duration `mapstructure:"interval" validate:"gt=0"`
	BatchSize      int           `mapstructure:"batch_size" validate:"gte=1"`
	RatePerSecond  float64       `mapstructure:"rate_per_second" validate:"gt=0"`
	Burst          int           `mapstructure:"burst" validate:"gte=1"`
	Concurrency    int           `mapstructure:"concurrency" validate:"gte=1"`
	AlertThreshold int           `mapstructure:"alert_threshold" validate:"gte=1"`
}

// SetDefaults регистрирует документированные значения по умолчанию.
// Каждый ключ должен быть зарегистрирован, иначе viper не подхватит его из окружения.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("app.port", "8080")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.shutdown_timeout", 15*time.Second)
	v.SetDefault("app.read_timeout", 10*time.Second)
	v.SetDefault("app.write_timeout", 10*time.Second)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.lock_timeout", 5*time.Second)
	v.SetDefault("database.run_migrations", true)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.cache_ttl", 15*time.Minute)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.driver", "kafka-go")
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.ensure_topics", true)
	v.SetDefault("kafka.topics.subscription_changed", "billing.subscription_changed")
	v.SetDefault("kafka.topics.dead_letter", "billing.dead_letter")
	v.SetDefault("kafka.topics.drift_detected", "billing.drift_detected")

	v.SetDefault("stripe.api_key", "")
	v.SetDefault("stripe.webhook_secret", "")
	v.SetDefault("stripe.webhook_tolerance", 5*time.Minute)

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("sync.max_retries", 5)
	v.SetDefault("sync.backoff_base", 30*time.Second)
	v.SetDefault("sync.backoff_cap", time.Hour)
	v.SetDefault("sync.backoff_jitter", 0.5)
	v.SetDefault("sync.lease_timeout", 2*time.Minute)
	v.SetDefault("sync.scan_interval", 15*time.Second)
	v.SetDefault("sync.scan_batch", 100)
	v.SetDefault("sync.workers", 8)
	v.SetDefault("sync.queue_size", 1024)
	v.SetDefault("sync.process_timeout", 30*time.Second)
	v.SetDefault("sync.remote_timeout", 10*time.Second)
	v.SetDefault("sync.db_timeout", 5*time.Second)
	v.SetDefault("sync.outbox_interval", 5*time.Second)
	v.SetDefault("sync.outbox_batch", 100)
	v.SetDefault("sync.max_body_bytes", 65536)

	v.SetDefault("drift.enabled", true)
	v.SetDefault("drift.interval", 15*time.Minute)
	v.SetDefault("drift.batch_size", 50)
	v.SetDefault("drift.rate_per_second", 5.0)
	v.SetDefault("drift.burst", 5)
	v.SetDefault("drift.concurrency", 4)
	v.SetDefault("drift.alert_threshold", 5)
}

// LoadConfig загружает конфигурацию: значения по умолчанию, затем .env (если есть),
// затем YAML-файл (если задан и существует), затем переменные окружения.
func LoadConfig(path string) (*Config, error) {
	if os.Getenv("APP_ENV") != "production" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: load .env: %w", err)
		}
	}

	v := viper.New()
	SetDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv() // Чтение переменных окружения

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет конфигурацию тегами validator
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}
