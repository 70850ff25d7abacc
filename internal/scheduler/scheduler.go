// Package scheduler запускает периодические задачи обслуживания пайплайна:
// дренаж outbox, очистку устаревших заказов, компактацию outbox и отчёт
// статистики. Мутирующие задачи выполняются под распределённой блокировкой,
// поэтому при нескольких экземплярах процесса задачу делает ровно один.
package scheduler

import (
	"context"
	"time"

	"example.com/food-notify/internal/notify"
	"example.com/food-notify/pkg/logger"
	"example.com/food-notify/pkg/metrics"
)

// Ключи распределённых блокировок задач.
const (
	lockDrain   = "lock:outbox:drain"
	lockCleanup = "lock:orders:cleanup"
	lockCompact = "lock:outbox:compact"
)

// deadLetterWarnThreshold — длина dead-letter, после которой отчёт
// статистики логирует предупреждение.
const deadLetterWarnThreshold = 10

// NotifyService — операции сервиса уведомлений, нужные планировщику.
// Интерфейс для тестируемости (Dependency Inversion).
type NotifyService interface {
	ProcessOutboxBatch(ctx context.Context, maxItems int) (notify.BatchResult, error)
	CleanupOldOrders(ctx context.Context, maxAge time.Duration) (int, error)
	CleanupOutbox(ctx context.Context) (kept int, moved int, err error)
	GetStats(ctx context.Context) (*notify.Stats, error)
}

// Locker — захват распределённой блокировки.
// Реализуется pkg/redislock; интерфейс позволяет замокать в тестах.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error)
}

// Config — интервалы задач и TTL блокировок.
type Config struct {
	DrainInterval time.Duration
	DrainLockTTL  time.Duration

	CleanupInterval time.Duration
	CleanupLockTTL  time.Duration

	CompactInterval time.Duration
	CompactLockTTL  time.Duration

	StatsInterval time.Duration

	// BatchSize — сколько записей outbox обрабатывается за один дренаж.
	BatchSize int

	// MaxOrderAge — порог возраста для очистки активных заказов.
	MaxOrderAge time.Duration

	// Location — фиксированная зона для человекочитаемых меток времени
	// в логах задач. На корректность не влияет.
	Location *time.Location
}

// DefaultConfig возвращает конфигурацию по умолчанию.
func DefaultConfig() Config {
	return Config{
		DrainInterval:   1 * time.Minute,
		DrainLockTTL:    120 * time.Second,
		CleanupInterval: 2 * time.Hour,
		CleanupLockTTL:  600 * time.Second,
		CompactInterval: 24 * time.Hour,
		CompactLockTTL:  600 * time.Second,
		StatsInterval:   10 * time.Minute,
		BatchSize:       20,
		MaxOrderAge:     12 * time.Hour,
		Location:        time.UTC,
	}
}

// Scheduler — планировщик периодических задач.
type Scheduler struct {
	svc    NotifyService
	locker Locker
	cfg    Config
}

// New создаёт планировщик.
func New(svc NotifyService, locker Locker, cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxOrderAge <= 0 {
		cfg.MaxOrderAge = def.MaxOrderAge
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	return &Scheduler{svc: svc, locker: locker, cfg: cfg}
}

// Run запускает все задачи. Блокирует выполнение до отмены контекста.
func (s *Scheduler) Run(ctx context.Context) {
	log := logger.FromContext(ctx)
	log.Info().
		Dur("drain_interval", s.cfg.DrainInterval).
		Dur("cleanup_interval", s.cfg.CleanupInterval).
		Dur("compact_interval", s.cfg.CompactInterval).
		Dur("stats_interval", s.cfg.StatsInterval).
		Str("timezone", s.cfg.Location.String()).
		Msg("Запуск планировщика")

	drainTicker := time.NewTicker(s.cfg.DrainInterval)
	defer drainTicker.Stop()

	cleanupTicker := time.NewTicker(s.cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	compactTicker := time.NewTicker(s.cfg.CompactInterval)
	defer compactTicker.Stop()

	statsTicker := time.NewTicker(s.cfg.StatsInterval)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Остановка планировщика")
			return
		case <-drainTicker.C:
			s.runLocked(ctx, "outbox_drain", lockDrain, s.cfg.DrainLockTTL, s.drainOutbox)
		case <-cleanupTicker.C:
			s.runLocked(ctx, "orders_cleanup", lockCleanup, s.cfg.CleanupLockTTL, s.cleanupOrders)
		case <-compactTicker.C:
			s.runLocked(ctx, "outbox_compact", lockCompact, s.cfg.CompactLockTTL, s.compactOutbox)
		case <-statsTicker.C:
			// Чтение без мутаций — блокировка не нужна.
			s.reportStats(ctx)
		}
	}
}

// runLocked выполняет задачу под распределённой блокировкой.
// Если блокировка занята другим экземпляром — задача пропускается.
func (s *Scheduler) runLocked(ctx context.Context, task, key string, ttl time.Duration, fn func(ctx context.Context) error) {
	log := logger.FromContext(ctx)

	acquired, err := s.locker.WithLock(ctx, key, ttl, fn)
	switch {
	case err != nil:
		metrics.LockAcquisitionsTotal.WithLabelValues(task, "error").Inc()
		log.Error().Err(err).Str("task", task).Msg("Ошибка выполнения задачи")
	case !acquired:
		metrics.LockAcquisitionsTotal.WithLabelValues(task, "skipped").Inc()
		log.Debug().Str("task", task).Msg("Задачу выполняет другой экземпляр, пропуск")
	default:
		metrics.LockAcquisitionsTotal.WithLabelValues(task, "acquired").Inc()
	}
}

// drainOutbox обрабатывает пачку записей outbox.
func (s *Scheduler) drainOutbox(ctx context.Context) error {
	log := logger.FromContext(ctx)

	res, err := s.svc.ProcessOutboxBatch(ctx, s.cfg.BatchSize)
	if err != nil {
		return err
	}

	if res.Processed+res.Failed+res.MovedToDeadLetter > 0 {
		log.Info().
			Int("processed", res.Processed).
			Int("failed", res.Failed).
			Int("dead_letter", res.MovedToDeadLetter).
			Msg("Дренаж outbox завершён")
	}

	// Постоянные неудачи одного прохода — признак отравленной записи,
	// циклически возвращающейся в хвост очереди.
	if res.Failed > 0 {
		log.Warn().Int("failed", res.Failed).Msg("Часть записей outbox не доставлена и вернулась в очередь")
	}

	return nil
}

// cleanupOrders удаляет устаревшие и повреждённые активные заказы.
func (s *Scheduler) cleanupOrders(ctx context.Context) error {
	log := logger.FromContext(ctx)

	removed, err := s.svc.CleanupOldOrders(ctx, s.cfg.MaxOrderAge)
	if err != nil {
		return err
	}

	if removed > 0 {
		log.Info().
			Int("removed", removed).
			Str("local_time", s.localTime()).
			Msg("Очистка устаревших заказов завершена")
	}

	return nil
}

// compactOutbox — страховочная компактация всего outbox.
func (s *Scheduler) compactOutbox(ctx context.Context) error {
	log := logger.FromContext(ctx)

	kept, moved, err := s.svc.CleanupOutbox(ctx)
	if err != nil {
		return err
	}

	log.Info().
		Int("kept", kept).
		Int("moved_to_dead_letter", moved).
		Str("local_time", s.localTime()).
		Msg("Компактация outbox завершена")

	return nil
}

// reportStats логирует сводку состояния пайплайна.
func (s *Scheduler) reportStats(ctx context.Context) {
	log := logger.FromContext(ctx)

	stats, err := s.svc.GetStats(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Ошибка чтения статистики")
		return
	}

	log.Info().
		Int64("active_orders", stats.ActiveOrders).
		Int64("outbox_length", stats.OutboxLength).
		Int64("dead_letter_length", stats.DeadLetterLength).
		Dur("oldest_order_age", stats.OldestOrderAge).
		Str("local_time", s.localTime()).
		Msg("Статистика пайплайна")

	if stats.DeadLetterLength > deadLetterWarnThreshold {
		log.Warn().
			Int64("dead_letter_length", stats.DeadLetterLength).
			Msg("Dead-letter очередь растёт — требуется ручной разбор")
	}
}

// localTime возвращает текущее время в закреплённой зоне для логов.
func (s *Scheduler) localTime() string {
	return time.Now().In(s.cfg.Location).Format(time.RFC3339)
}
