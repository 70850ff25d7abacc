// Package circuitbreaker предоставляет Circuit Breaker для защиты от каскадных сбоев.
// Один экземпляр охраняет все операции с Redis, выполняемые через pkg/retry:
// при недоступности брокера запросы отклоняются мгновенно, не усиливая нагрузку.
//
// Состояния Circuit Breaker:
//   - Closed: нормальная работа, запросы проходят
//   - Open: брокер недоступен, запросы отклоняются мгновенно (без ожидания timeout)
//   - Half-Open: пробный период, пропускаем один запрос для проверки восстановления
//
// Использование:
//
//	cb := circuitbreaker.New("redis")
//	_, err := cb.Execute(func() (any, error) { return nil, rdb.Set(...).Err() })
package circuitbreaker

import (
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"

	"example.com/food-notify/pkg/logger"
	"example.com/food-notify/pkg/metrics"
)

// Settings — настройки Circuit Breaker.
type Settings struct {
	FailureThreshold uint32        // Подряд идущих ошибок до перехода в Open (по умолчанию 3)
	Cooldown         time.Duration // Время в Open до перехода в Half-Open (по умолчанию 10s)
}

// DefaultSettings возвращает настройки по умолчанию.
// Подобраны под транзиентные сбои сети до Redis: быстро открываемся,
// быстро пробуем восстановиться.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 3,                // Три подряд ошибки — открываемся
		Cooldown:         10 * time.Second, // Через 10 секунд пробуем восстановить связь
	}
}

// Breaker — обёртка над gobreaker с логированием.
type Breaker struct {
	cb   *gobreaker.CircuitBreaker[any]
	name string
}

// New создаёт новый Circuit Breaker с настройками по умолчанию.
func New(name string) *Breaker {
	return NewWithSettings(name, DefaultSettings())
}

// NewWithSettings создаёт Circuit Breaker с пользовательскими настройками.
func NewWithSettings(name string, s Settings) *Breaker {
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name: name,

		// В Half-Open пропускаем ровно один пробный запрос.
		MaxRequests: 1,

		// Interval = 0: счётчики в Closed не сбрасываются по таймеру.
		// Сброс происходит при любом успешном вызове (ConsecutiveFailures = 0).
		Interval: 0,

		Timeout: s.Cooldown,

		// ReadyToTrip определяет когда открыть breaker.
		// Открываем после FailureThreshold подряд идущих ошибок.
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.FailureThreshold
		},

		// OnStateChange логирует смену состояния и обновляет gauge-метрику.
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			metrics.BreakerState.Set(stateGauge(to))

			log := logger.With().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Logger()

			switch to {
			case gobreaker.StateOpen:
				log.Warn().Msg("Circuit Breaker ОТКРЫТ — брокер недоступен")
			case gobreaker.StateHalfOpen:
				log.Info().Msg("Circuit Breaker ПОЛУОТКРЫТ — пробуем восстановить")
			case gobreaker.StateClosed:
				log.Info().Msg("Circuit Breaker ЗАКРЫТ — брокер восстановлен")
			}
		},
	})

	// Новый breaker всегда в Closed
	metrics.BreakerState.Set(stateGauge(gobreaker.StateClosed))

	return &Breaker{cb: cb, name: name}
}

// stateGauge переводит состояние breaker в значение gauge-метрики
// (0=closed, 1=half-open, 2=open).
func stateGauge(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Execute выполняет операцию через Circuit Breaker.
// В состоянии Open возвращает gobreaker.ErrOpenState не вызывая операцию;
// в Half-Open при занятом пробном слоте — gobreaker.ErrTooManyRequests.
// Результат операции (успех/ошибка) учитывается в счётчиках breaker.
func (b *Breaker) Execute(op func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, op()
	})
	return err
}

// IsOpen сообщает, был ли вызов отклонён breaker'ом без выполнения операции.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests)
}

// State возвращает текущее состояние breaker.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Name возвращает имя breaker.
func (b *Breaker) Name() string {
	return b.name
}
