package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"example.com/food-notify/pkg/logger"
	"example.com/food-notify/pkg/metrics"
	"example.com/food-notify/pkg/retry"
)

// Config — настройки сервиса уведомлений.
type Config struct {
	// Channel — канал Pub/Sub для live-событий.
	Channel string

	// MaxRetries — потолок попыток доставки записи outbox.
	MaxRetries int

	// MaxOutboxAge — срок жизни записи outbox.
	MaxOutboxAge time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию.
func DefaultConfig() Config {
	return Config{
		Channel:      "orders:events",
		MaxRetries:   5,
		MaxOutboxAge: 24 * time.Hour,
	}
}

// Service — доменный сервис пайплайна уведомлений.
// Владеет hash активных заказов, outbox и dead-letter очередью в Redis;
// все мутации этих структур идут через его методы. Один логический
// экземпляр на процесс, передаётся планировщику и обработчикам явно.
type Service struct {
	redis *redis.Client
	exec  *retry.Executor
	cfg   Config

	// now подменяется в тестах для детерминированных проверок возраста.
	now func() time.Time
}

// ServiceOption — функциональная опция для настройки Service.
type ServiceOption func(*Service)

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// NewService создаёт сервис уведомлений.
func NewService(client *redis.Client, exec *retry.Executor, cfg Config, opts ...ServiceOption) *Service {
	if cfg.Channel == "" {
		cfg.Channel = DefaultConfig().Channel
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.MaxOutboxAge <= 0 {
		cfg.MaxOutboxAge = DefaultConfig().MaxOutboxAge
	}

	s := &Service{
		redis: client,
		exec:  exec,
		cfg:   cfg,
		now:   time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// =============================================================================
// Входящие события (подтверждение оплаты, действия администратора)
// =============================================================================

// NotifyConfirmedOrder строит уведомление о подтверждённом заказе, сохраняет
// его в hash активных заказов и публикует live-событие.
//
// Ошибки доставки не пробрасываются вызывающему: при любом сбое событие
// уходит в outbox и будет доставлено позже. Ошибка возвращается только если
// не удалась и запись в outbox — это последняя линия обороны, событие
// потеряно (логируется на уровне error).
func (s *Service) NotifyConfirmedOrder(ctx context.Context, data OrderData) (*OrderNotification, error) {
	ctx = logger.WithOrderID(ctx, data.ID)
	log := logger.FromContext(ctx)

	n := &OrderNotification{
		ID:        data.ID,
		Type:      EventTypeOrderConfirmed,
		Data:      data,
		Timestamp: s.now().UTC(),
	}

	if err := s.deliverNew(ctx, s.cfg.Channel, n); err != nil {
		log.Warn().Err(err).Msg("Прямая доставка не удалась, событие уходит в outbox")

		item := s.newOutboxItem(ActionNew, n.ID)
		item.Notification = n

		if enqErr := s.enqueueOutbox(ctx, item); enqErr != nil {
			metrics.EventsLostTotal.Inc()
			log.Error().Err(enqErr).Msg("СОБЫТИЕ ПОТЕРЯНО: не удалась запись в outbox")
			return n, fmt.Errorf("запись события в outbox: %w", enqErr)
		}
	}

	return n, nil
}

// RemoveOrder убирает заказ из списка активных (администратор принял или
// отклонил его) и публикует событие удаления. Сбой доставки абсорбируется
// в outbox по той же схеме, что и NotifyConfirmedOrder.
func (s *Service) RemoveOrder(ctx context.Context, orderID string) error {
	ctx = logger.WithOrderID(ctx, orderID)
	log := logger.FromContext(ctx)

	if err := s.deliverRemoved(ctx, s.cfg.Channel, orderID); err != nil {
		log.Warn().Err(err).Msg("Удаление не доставлено, событие уходит в outbox")

		item := s.newOutboxItem(ActionRemoved, orderID)

		if enqErr := s.enqueueOutbox(ctx, item); enqErr != nil {
			metrics.EventsLostTotal.Inc()
			log.Error().Err(enqErr).Msg("СОБЫТИЕ ПОТЕРЯНО: не удалась запись в outbox")
			return fmt.Errorf("запись события в outbox: %w", enqErr)
		}
	}

	return nil
}

// GetActiveOrders возвращает все уведомления, ожидающие действия администратора.
// Повреждённые записи пропускаются с предупреждением; их удалит задача очистки.
func (s *Service) GetActiveOrders(ctx context.Context) ([]*OrderNotification, error) {
	log := logger.FromContext(ctx)

	entries, err := s.redis.HGetAll(ctx, activeOrdersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("чтение активных заказов: %w", err)
	}

	orders := make([]*OrderNotification, 0, len(entries))
	for orderID, raw := range entries {
		n, decErr := decodeNotification(raw)
		if decErr != nil {
			log.Warn().Err(decErr).Str("order_id", orderID).Msg("Пропуск повреждённой записи заказа")
			continue
		}
		orders = append(orders, n)
	}

	return orders, nil
}

// =============================================================================
// Периодические задачи (вызываются планировщиком под блокировкой)
// =============================================================================

// CleanupOldOrders удаляет из hash активных заказов записи старше maxAge,
// а также записи, которые не удаётся разобрать (повреждены).
// Возвращает количество удалённых записей.
func (s *Service) CleanupOldOrders(ctx context.Context, maxAge time.Duration) (int, error) {
	log := logger.FromContext(ctx)

	entries, err := s.redis.HGetAll(ctx, activeOrdersKey).Result()
	if err != nil {
		return 0, fmt.Errorf("чтение активных заказов: %w", err)
	}

	now := s.now()
	removed := 0

	for orderID, raw := range entries {
		n, decErr := decodeNotification(raw)

		switch {
		case decErr != nil:
			log.Warn().Err(decErr).Str("order_id", orderID).Msg("Удаление повреждённой записи заказа")
		case now.Sub(n.Timestamp) > maxAge:
			log.Info().
				Str("order_id", orderID).
				Dur("age", now.Sub(n.Timestamp)).
				Msg("Удаление устаревшего заказа")
		default:
			continue
		}

		if delErr := s.redis.HDel(ctx, activeOrdersKey, orderID).Err(); delErr != nil {
			log.Error().Err(delErr).Str("order_id", orderID).Msg("Ошибка удаления заказа")
			continue
		}
		removed++
	}

	return removed, nil
}

// ProcessOutboxBatch снимает с головы outbox до maxItems записей и пытается
// доставить каждую повторно.
//
// Просроченные записи и записи с исчерпанными попытками уходят в dead-letter
// без попытки доставки. Неудачная доставка возвращает запись в хвост outbox
// с увеличенным retry_count — отравленная запись у головы не блокирует
// остальные, ценой нарушения порядка для повторов.
func (s *Service) ProcessOutboxBatch(ctx context.Context, maxItems int) (BatchResult, error) {
	log := logger.FromContext(ctx)

	var res BatchResult

	for i := 0; i < maxItems; i++ {
		raw, err := s.redis.LPop(ctx, outboxKey).Result()
		if err == redis.Nil {
			break // Outbox пуст
		}
		if err != nil {
			return res, fmt.Errorf("чтение outbox: %w", err)
		}

		item, decErr := decodeOutboxItem(raw)
		if decErr != nil {
			// Повреждённую запись восстановить нельзя — только отбросить.
			log.Error().Err(decErr).Msg("Отброшена нечитаемая запись outbox")
			continue
		}

		now := s.now()

		if item.Age(now) > s.cfg.MaxOutboxAge {
			if err := s.moveToDeadLetter(ctx, item, ReasonExpired); err != nil {
				return res, err
			}
			res.MovedToDeadLetter++
			continue
		}

		if item.RetryCount >= s.cfg.MaxRetries {
			if err := s.moveToDeadLetter(ctx, item, ReasonMaxRetries); err != nil {
				return res, err
			}
			res.MovedToDeadLetter++
			continue
		}

		if err := s.deliverItem(ctx, item); err != nil {
			item.RetryCount++
			item.LastError = err.Error()

			log.Warn().
				Err(err).
				Str("outbox_id", item.ID).
				Int("retry_count", item.RetryCount).
				Msg("Повторная доставка не удалась, запись возвращена в хвост outbox")

			if pushErr := s.pushOutboxRaw(ctx, item); pushErr != nil {
				return res, pushErr
			}
			res.Failed++
			metrics.OutboxProcessedTotal.WithLabelValues("failed").Inc()
			continue
		}

		log.Debug().Str("outbox_id", item.ID).Str("action", item.Action).Msg("Запись outbox доставлена")
		res.Processed++
		metrics.OutboxProcessedTotal.WithLabelValues("processed").Inc()
	}

	return res, nil
}

// CleanupOutbox вычитывает весь outbox и возвращает в него только живые
// записи; просроченные и исчерпавшие попытки уходят в dead-letter.
// Страховка, независимая от пакетной обработки: даже если дренаж отстаёт,
// мёртвые записи не копятся в outbox бесконечно.
func (s *Service) CleanupOutbox(ctx context.Context) (kept int, moved int, err error) {
	log := logger.FromContext(ctx)

	var alive []*OutboxItem

	for {
		raw, popErr := s.redis.LPop(ctx, outboxKey).Result()
		if popErr == redis.Nil {
			break
		}
		if popErr != nil {
			return kept, moved, fmt.Errorf("чтение outbox: %w", popErr)
		}

		item, decErr := decodeOutboxItem(raw)
		if decErr != nil {
			log.Error().Err(decErr).Msg("Отброшена нечитаемая запись outbox")
			continue
		}

		now := s.now()

		switch {
		case item.Age(now) > s.cfg.MaxOutboxAge:
			if err := s.moveToDeadLetter(ctx, item, ReasonExpired); err != nil {
				return kept, moved, err
			}
			moved++
		case item.RetryCount >= s.cfg.MaxRetries:
			if err := s.moveToDeadLetter(ctx, item, ReasonMaxRetries); err != nil {
				return kept, moved, err
			}
			moved++
		default:
			alive = append(alive, item)
		}
	}

	// Возвращаем живые записи в исходном порядке.
	for _, item := range alive {
		if pushErr := s.pushOutboxRaw(ctx, item); pushErr != nil {
			return kept, moved, pushErr
		}
		kept++
	}

	return kept, moved, nil
}

// GetStats возвращает сводку состояния пайплайна и обновляет gauge-метрики.
func (s *Service) GetStats(ctx context.Context) (*Stats, error) {
	active, err := s.redis.HLen(ctx, activeOrdersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("чтение количества активных заказов: %w", err)
	}

	outboxLen, err := s.redis.LLen(ctx, outboxKey).Result()
	if err != nil {
		return nil, fmt.Errorf("чтение длины outbox: %w", err)
	}

	deadLen, err := s.redis.LLen(ctx, deadLetterKey).Result()
	if err != nil {
		return nil, fmt.Errorf("чтение длины dead-letter: %w", err)
	}

	stats := &Stats{
		ActiveOrders:     active,
		OutboxLength:     outboxLen,
		DeadLetterLength: deadLen,
	}

	// Возраст самого старого активного заказа — полный проход по hash.
	// Активных заказов единицы-десятки, это дёшево.
	if active > 0 {
		entries, err := s.redis.HGetAll(ctx, activeOrdersKey).Result()
		if err != nil {
			return nil, fmt.Errorf("чтение активных заказов: %w", err)
		}

		now := s.now()
		for _, raw := range entries {
			n, decErr := decodeNotification(raw)
			if decErr != nil {
				continue
			}
			if age := now.Sub(n.Timestamp); age > stats.OldestOrderAge {
				stats.OldestOrderAge = age
			}
		}
	}

	metrics.ActiveOrders.Set(float64(stats.ActiveOrders))
	metrics.OutboxLength.Set(float64(stats.OutboxLength))
	metrics.DeadLetterLength.Set(float64(stats.DeadLetterLength))

	return stats, nil
}

// =============================================================================
// Операторский интерфейс dead-letter
// =============================================================================

// GetDeadLetterItems возвращает первые limit записей dead-letter очереди.
func (s *Service) GetDeadLetterItems(ctx context.Context, limit int) ([]*DeadLetterItem, error) {
	log := logger.FromContext(ctx)

	if limit <= 0 {
		limit = 50
	}

	raws, err := s.redis.LRange(ctx, deadLetterKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("чтение dead-letter: %w", err)
	}

	items := make([]*DeadLetterItem, 0, len(raws))
	for _, raw := range raws {
		item, decErr := decodeDeadLetterItem(raw)
		if decErr != nil {
			log.Warn().Err(decErr).Msg("Пропуск нечитаемой записи dead-letter")
			continue
		}
		items = append(items, item)
	}

	return items, nil
}

// RetryDeadLetterItem возвращает запись dead-letter в outbox: счётчик попыток
// и метаданные dead-letter сбрасываются, запись встаёт в хвост outbox.
// Ручная операция оператора после устранения причины сбоя.
func (s *Service) RetryDeadLetterItem(ctx context.Context, id string) error {
	log := logger.FromContext(ctx)

	raws, err := s.redis.LRange(ctx, deadLetterKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("чтение dead-letter: %w", err)
	}

	for _, raw := range raws {
		item, decErr := decodeDeadLetterItem(raw)
		if decErr != nil || item.ID != id {
			continue
		}

		// Убираем исходную запись из dead-letter (первое совпадение по значению).
		if err := s.redis.LRem(ctx, deadLetterKey, 1, raw).Err(); err != nil {
			return fmt.Errorf("удаление записи dead-letter: %w", err)
		}

		// Сбрасываем счётчики и метаданные dead-letter. Возраст отсчитывается
		// заново: иначе запись с причиной "Expired" вернётся в dead-letter
		// на ближайшем дренаже, не получив ни одной попытки доставки.
		requeued := item.OutboxItem
		requeued.RetryCount = 0
		requeued.LastError = ""
		requeued.CreatedAt = s.now().UnixMilli()

		if err := s.pushOutboxRaw(ctx, &requeued); err != nil {
			return err
		}

		log.Info().
			Str("outbox_id", id).
			Str("reason", item.Reason).
			Msg("Запись dead-letter возвращена в outbox")
		return nil
	}

	return ErrDeadLetterNotFound
}

// =============================================================================
// Внутренние операции доставки
// =============================================================================

// deliverNew сохраняет уведомление в hash активных заказов и публикует
// live-событие в указанный канал. Обе операции — через retry executor
// с circuit breaker.
func (s *Service) deliverNew(ctx context.Context, channel string, n *OrderNotification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("сериализация уведомления: %w", err)
	}

	if err := s.exec.Do(ctx, "hset active", func() error {
		return s.redis.HSet(ctx, activeOrdersKey, n.ID, payload).Err()
	}); err != nil {
		return err
	}

	if err := s.publishEvent(ctx, channel, Event{Action: ActionNew, Notification: n}); err != nil {
		return err
	}

	metrics.PublishedTotal.WithLabelValues(ActionNew).Inc()
	return nil
}

// deliverRemoved удаляет заказ из hash активных и публикует событие удаления.
func (s *Service) deliverRemoved(ctx context.Context, channel string, orderID string) error {
	if err := s.exec.Do(ctx, "hdel active", func() error {
		return s.redis.HDel(ctx, activeOrdersKey, orderID).Err()
	}); err != nil {
		return err
	}

	if err := s.publishEvent(ctx, channel, Event{Action: ActionRemoved, OrderID: orderID}); err != nil {
		return err
	}

	metrics.PublishedTotal.WithLabelValues(ActionRemoved).Inc()
	return nil
}

// deliverItem повторно применяет эффект записи outbox.
// Операции идемпотентны (HSET/HDEL по ключу), поэтому at-least-once доставка
// безопасна для hash активных заказов.
func (s *Service) deliverItem(ctx context.Context, item *OutboxItem) error {
	// Публикуем в канал, зафиксированный при постановке в outbox;
	// записи без канала уходят в текущий настроенный.
	channel := item.Channel
	if channel == "" {
		channel = s.cfg.Channel
	}

	switch item.Action {
	case ActionNew:
		if item.Notification == nil {
			return fmt.Errorf("запись outbox %s: отсутствует уведомление", item.ID)
		}
		return s.deliverNew(ctx, channel, item.Notification)
	case ActionRemoved:
		return s.deliverRemoved(ctx, channel, item.OrderID)
	default:
		return fmt.Errorf("запись outbox %s: неизвестное действие %q", item.ID, item.Action)
	}
}

// publishEvent публикует live-событие в указанный канал через retry executor.
func (s *Service) publishEvent(ctx context.Context, channel string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("сериализация события: %w", err)
	}

	return s.exec.Do(ctx, "publish event", func() error {
		return s.redis.Publish(ctx, channel, payload).Err()
	})
}

// newOutboxItem создаёт запись outbox для указанного действия.
func (s *Service) newOutboxItem(action, orderID string) *OutboxItem {
	return &OutboxItem{
		ID:        uuid.New().String(),
		Action:    action,
		OrderID:   orderID,
		Channel:   s.cfg.Channel,
		CreatedAt: s.now().UnixMilli(),
	}
}

// enqueueOutbox добавляет запись в хвост outbox одной прямой попыткой.
// Без retry executor: это последняя линия обороны, и если брокер лежит,
// повторы здесь лишь растянут отказ; единственная прямая попытка обходит
// и открытый breaker.
func (s *Service) enqueueOutbox(ctx context.Context, item *OutboxItem) error {
	if err := s.pushOutboxRaw(ctx, item); err != nil {
		return err
	}
	metrics.OutboxEnqueuedTotal.Inc()
	return nil
}

// pushOutboxRaw сериализует запись и кладёт её в хвост outbox.
func (s *Service) pushOutboxRaw(ctx context.Context, item *OutboxItem) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("сериализация записи outbox: %w", err)
	}
	if err := s.redis.RPush(ctx, outboxKey, payload).Err(); err != nil {
		return fmt.Errorf("запись в outbox: %w", err)
	}
	return nil
}

// moveToDeadLetter переносит запись в dead-letter очередь.
// При ошибке переноса запись возвращается в outbox: потерять её нельзя.
func (s *Service) moveToDeadLetter(ctx context.Context, item *OutboxItem, reason string) error {
	log := logger.FromContext(ctx)

	dl := DeadLetterItem{
		OutboxItem: *item,
		MovedAt:    s.now().UTC(),
		Reason:     reason,
	}

	payload, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("сериализация записи dead-letter: %w", err)
	}

	if err := s.redis.RPush(ctx, deadLetterKey, payload).Err(); err != nil {
		// Возвращаем запись в outbox: лучше лишний повтор, чем тихая потеря.
		if pushErr := s.pushOutboxRaw(ctx, item); pushErr != nil {
			log.Error().Err(pushErr).Str("outbox_id", item.ID).Msg("Запись не попала ни в dead-letter, ни обратно в outbox")
		}
		return fmt.Errorf("запись в dead-letter: %w", err)
	}

	metrics.OutboxProcessedTotal.WithLabelValues("dead_letter").Inc()
	log.Warn().
		Str("outbox_id", item.ID).
		Str("order_id", item.OrderID).
		Str("reason", reason).
		Int("retry_count", item.RetryCount).
		Msg("Запись перенесена в dead-letter")

	return nil
}
