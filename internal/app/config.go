package app

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/vladislavdragonenkov/backoffice/internal/service/checkout"
)

// Поддерживаемые драйверы хранилища.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// Config описывает настройки запуска приложения. Все поля читаются из
// переменных окружения; значения по умолчанию задаёт DefaultConfig.
type Config struct {
	HTTPAddr    string `env:"BACKOFFICE_HTTP_ADDR"`
	MetricsAddr string `env:"BACKOFFICE_METRICS_ADDR"`

	StorageDriver       string `env:"BACKOFFICE_STORAGE_DRIVER"`
	PostgresDSN         string `env:"BACKOFFICE_POSTGRES_DSN"`
	PostgresAutoMigrate bool   `env:"BACKOFFICE_POSTGRES_AUTO_MIGRATE"`

	// KafkaBrokers — список брокеров через запятую. Пустое значение
	// отключает публикацию событий: outbox просто копит записи.
	KafkaBrokers string `env:"KAFKA_BROKERS"`

	DuplicateLinePolicy string        `env:"BACKOFFICE_DUPLICATE_LINE_POLICY"`
	StockRetryAttempts  int           `env:"BACKOFFICE_STOCK_RETRY_ATTEMPTS"`
	StockRetryBaseDelay time.Duration `env:"BACKOFFICE_STOCK_RETRY_BASE_DELAY"`

	OutboxPollInterval time.Duration `env:"BACKOFFICE_OUTBOX_POLL_INTERVAL"`
	OutboxBatchSize    int           `env:"BACKOFFICE_OUTBOX_BATCH_SIZE"`
	OutboxMaxAttempts  int           `env:"BACKOFFICE_OUTBOX_MAX_ATTEMPTS"`
	OutboxRetryDelay   time.Duration `env:"BACKOFFICE_OUTBOX_RETRY_DELAY"`
	OutboxMaxPending   int           `env:"BACKOFFICE_OUTBOX_MAX_PENDING"`

	// OutboxPendingAgeAlert — возраст старейшей pending-записи, после
	// которого health check помечает outbox как degraded.
	OutboxPendingAgeAlert time.Duration `env:"BACKOFFICE_OUTBOX_PENDING_AGE_ALERT"`

	IdempotencyTTL              time.Duration `env:"BACKOFFICE_IDEMPOTENCY_TTL"`
	IdempotencyCleanupInterval  time.Duration `env:"BACKOFFICE_IDEMPOTENCY_CLEANUP_INTERVAL"`
	IdempotencyCleanupBatchSize int           `env:"BACKOFFICE_IDEMPOTENCY_CLEANUP_BATCH_SIZE"`
}

// DefaultConfig возвращает настройки по умолчанию для локального запуска.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:    ":8080",
		MetricsAddr: ":9090",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,

		DuplicateLinePolicy: string(checkout.DuplicatePolicyMerge),
		StockRetryAttempts:  3,
		StockRetryBaseDelay: 25 * time.Millisecond,

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  3,
		OutboxRetryDelay:   100 * time.Millisecond,
		OutboxMaxPending:   1000,

		OutboxPendingAgeAlert: time.Minute,

		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,
	}
}

// LoadConfig строит конфигурацию из переменных окружения поверх значений
// по умолчанию и валидирует её.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	switch c.StorageDriver {
	case StorageDriverMemory, StorageDriverPostgres:
	default:
		return fmt.Errorf("unsupported storage driver %q", c.StorageDriver)
	}
	if c.StorageDriver == StorageDriverPostgres && c.PostgresDSN == "" {
		return fmt.Errorf("postgres dsn is required for %s storage driver", StorageDriverPostgres)
	}
	if !checkout.DuplicateLinePolicy(c.DuplicateLinePolicy).Valid() {
		return fmt.Errorf("unsupported duplicate line policy %q", c.DuplicateLinePolicy)
	}
	return nil
}
