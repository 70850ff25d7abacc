// Package retry предоставляет выполнение операций с повторными попытками.
// Каждая попытка проходит через Circuit Breaker: при открытом breaker вызов
// завершается сразу, не расходуя попытки и не нагружая брокер.
//
// Backoff экспоненциальный с верхней границей и случайным jitter, чтобы
// несколько процессов не повторяли попытки синхронно.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"example.com/food-notify/pkg/circuitbreaker"
	"example.com/food-notify/pkg/logger"
)

// ErrBreakerOpen возвращается, когда Circuit Breaker отклонил вызов.
// Вызывающий код решает, что делать дальше (обычно — записать в outbox).
var ErrBreakerOpen = errors.New("circuit breaker открыт")

// jitterCap — верхняя граница случайной добавки к задержке.
const jitterCap = time.Second

// Options — настройки повторных попыток.
type Options struct {
	// Attempts — максимальное количество вызовов операции.
	Attempts int

	// InitialDelay — задержка перед второй попыткой.
	InitialDelay time.Duration

	// Factor — множитель задержки для каждой следующей попытки.
	Factor float64

	// MaxDelay — верхняя граница задержки между попытками.
	MaxDelay time.Duration

	// Jitter добавляет к задержке случайное значение из
	// [0, min(1s, задержка)) для размазывания повторов во времени.
	Jitter bool
}

// DefaultOptions возвращает настройки по умолчанию.
func DefaultOptions() Options {
	return Options{
		Attempts:     5,
		InitialDelay: 200 * time.Millisecond,
		Factor:       2,
		MaxDelay:     10 * time.Second,
		Jitter:       true,
	}
}

// Executor выполняет операции с повторами через общий Circuit Breaker.
// Один экземпляр на процесс: все операции с брокером делят счётчики breaker.
type Executor struct {
	breaker *circuitbreaker.Breaker
	opts    Options
}

// NewExecutor создаёт Executor.
func NewExecutor(breaker *circuitbreaker.Breaker, opts Options) *Executor {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	return &Executor{breaker: breaker, opts: opts}
}

// Do выполняет op с повторными попытками.
//
// Отказ breaker'а (Open/Half-Open занят) не считается попыткой: Do сразу
// возвращает ErrBreakerOpen, повторов не будет. Ошибка самой операции
// повторяется до исчерпания Attempts, затем возвращается последняя ошибка.
// Ожидание между попытками прерывается отменой контекста.
func (e *Executor) Do(ctx context.Context, name string, op func() error) error {
	log := logger.FromContext(ctx)

	var lastErr error

	for attempt := 1; attempt <= e.opts.Attempts; attempt++ {
		err := e.breaker.Execute(op)
		if err == nil {
			return nil
		}

		// Breaker отклонил вызов — операция не выполнялась,
		// попытка не расходуется, повторять бессмысленно.
		if circuitbreaker.IsOpen(err) {
			log.Warn().Str("op", name).Msg("Операция отклонена: circuit breaker открыт")
			return fmt.Errorf("%s: %w", name, ErrBreakerOpen)
		}

		lastErr = err

		if attempt == e.opts.Attempts {
			break
		}

		delay := e.delay(attempt)
		log.Debug().
			Str("op", name).
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(err).
			Msg("Ошибка операции, повтор после задержки")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("%s: исчерпаны попытки (%d): %w", name, e.opts.Attempts, lastErr)
}

// delay возвращает задержку после попытки attempt (нумерация с 1):
// min(MaxDelay, InitialDelay × Factor^(attempt-1)) плюс jitter.
func (e *Executor) delay(attempt int) time.Duration {
	d := float64(e.opts.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= e.opts.Factor
		if time.Duration(d) >= e.opts.MaxDelay {
			break
		}
	}

	delay := time.Duration(d)
	if delay > e.opts.MaxDelay {
		delay = e.opts.MaxDelay
	}

	if e.opts.Jitter {
		bound := delay
		if bound > jitterCap {
			bound = jitterCap
		}
		if bound > 0 {
			delay += rand.N(bound)
		}
	}

	return delay
}
