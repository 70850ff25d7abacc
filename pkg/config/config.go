// Package config предоставляет загрузку конфигурации из переменных окружения.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config содержит полную конфигурацию приложения.
type Config struct {
	App       AppConfig
	Redis     RedisConfig
	Notify    NotifyConfig
	Breaker   BreakerConfig
	Retry     RetryConfig
	Scheduler SchedulerConfig
	Admin     AdminConfig
	Metrics   MetricsConfig
}

// AppConfig содержит общие настройки приложения.
type AppConfig struct {
	Name      string `env:"APP_NAME" envDefault:"admin-notify"`
	Env       string `env:"APP_ENV" envDefault:"development"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"false"`
}

// RedisConfig содержит настройки подключения к Redis.
type RedisConfig struct {
	Host     string `env:"REDIS_HOST" envDefault:"localhost"`
	Port     int    `env:"REDIS_PORT" envDefault:"6379"`
	Password string `env:"REDIS_PASSWORD" envDefault:""`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

// Addr возвращает адрес Redis сервера.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NotifyConfig содержит настройки пайплайна уведомлений.
type NotifyConfig struct {
	// Channel — канал Pub/Sub для live-событий админки.
	Channel string `env:"NOTIFY_CHANNEL" envDefault:"orders:events"`

	// MaxRetries — максимальное количество попыток доставки записи outbox.
	// После превышения запись переносится в dead-letter.
	MaxRetries int `env:"NOTIFY_MAX_RETRIES" envDefault:"5"`

	// MaxOutboxAge — максимальный возраст записи outbox.
	// Старше — в dead-letter с причиной "Expired".
	MaxOutboxAge time.Duration `env:"NOTIFY_MAX_OUTBOX_AGE" envDefault:"24h"`

	// BatchSize — количество записей outbox за один проход.
	BatchSize int `env:"NOTIFY_BATCH_SIZE" envDefault:"20"`

	// MaxOrderAge — возраст, после которого активный заказ считается
	// устаревшим и удаляется задачей очистки.
	MaxOrderAge time.Duration `env:"NOTIFY_MAX_ORDER_AGE" envDefault:"12h"`
}

// BreakerConfig содержит настройки Circuit Breaker для операций с Redis.
type BreakerConfig struct {
	// FailureThreshold — количество подряд идущих ошибок для перехода в Open.
	FailureThreshold uint32 `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"3"`

	// Cooldown — время в Open до перехода в Half-Open.
	Cooldown time.Duration `env:"BREAKER_COOLDOWN" envDefault:"10s"`
}

// RetryConfig содержит настройки повторных попыток с экспоненциальным backoff.
type RetryConfig struct {
	Attempts     int           `env:"RETRY_ATTEMPTS" envDefault:"5"`
	InitialDelay time.Duration `env:"RETRY_INITIAL_DELAY" envDefault:"200ms"`
	Factor       float64       `env:"RETRY_FACTOR" envDefault:"2"`
	MaxDelay     time.Duration `env:"RETRY_MAX_DELAY" envDefault:"10s"`
	Jitter       bool          `env:"RETRY_JITTER" envDefault:"true"`
}

// SchedulerConfig содержит интервалы периодических задач и TTL блокировок.
// Каждая мутирующая задача выполняется под распределённой блокировкой,
// поэтому несколько экземпляров процесса не мешают друг другу.
type SchedulerConfig struct {
	DrainInterval   time.Duration `env:"SCHED_DRAIN_INTERVAL" envDefault:"1m"`
	DrainLockTTL    time.Duration `env:"SCHED_DRAIN_LOCK_TTL" envDefault:"120s"`
	CleanupInterval time.Duration `env:"SCHED_CLEANUP_INTERVAL" envDefault:"2h"`
	CleanupLockTTL  time.Duration `env:"SCHED_CLEANUP_LOCK_TTL" envDefault:"600s"`
	CompactInterval time.Duration `env:"SCHED_COMPACT_INTERVAL" envDefault:"24h"`
	CompactLockTTL  time.Duration `env:"SCHED_COMPACT_LOCK_TTL" envDefault:"600s"`
	StatsInterval   time.Duration `env:"SCHED_STATS_INTERVAL" envDefault:"10m"`

	// Timezone — фиксированная зона для человекочитаемых меток времени
	// в логах периодических задач. На корректность не влияет.
	Timezone string `env:"SCHED_TIMEZONE" envDefault:"UTC"`
}

// AdminConfig содержит настройки административного HTTP API.
type AdminConfig struct {
	Port int `env:"ADMIN_PORT" envDefault:"8080"`
}

// Addr возвращает адрес для Admin HTTP сервера.
func (c AdminConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// MetricsConfig содержит настройки Prometheus метрик.
type MetricsConfig struct {
	Enabled bool `env:"METRICS_ENABLED" envDefault:"true"` // Включить metrics endpoint
	Port    int  `env:"METRICS_PORT" envDefault:"9090"`    // Порт для /metrics
}

// Addr возвращает адрес для Metrics HTTP сервера.
func (c MetricsConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Load загружает конфигурацию из переменных окружения.
// Опционально загружает .env файл, если он существует.
func Load() (*Config, error) {
	// Пытаемся загрузить .env файл (игнорируем ошибку, если файл не найден)
	_ = godotenv.Load()

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("ошибка парсинга конфигурации: %w", err)
	}

	return cfg, nil
}

// LoadFromFile загружает конфигурацию из указанного .env файла.
func LoadFromFile(path string) (*Config, error) {
	if err := godotenv.Load(path); err != nil {
		return nil, fmt.Errorf("ошибка загрузки .env файла %s: %w", path, err)
	}

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("ошибка парсинга конфигурации: %w", err)
	}

	return cfg, nil
}

// IsDevelopment возвращает true, если приложение запущено в development режиме.
func (c *Config) IsDevelopment() bool {
	return c.App.Env == "development"
}

// IsProduction возвращает true, если приложение запущено в production режиме.
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}
