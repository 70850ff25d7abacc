// Package retry — тесты повторных попыток и backoff.
package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/food-notify/pkg/circuitbreaker"
)

var errOp = errors.New("операция не удалась")

// newTestBreaker возвращает breaker с большим порогом,
// чтобы он не открывался в ходе теста.
func newTestBreaker() *circuitbreaker.Breaker {
	return circuitbreaker.NewWithSettings("test", circuitbreaker.Settings{
		FailureThreshold: 100,
		Cooldown:         time.Hour,
	})
}

// fastOptions — минимальные задержки для быстрых тестов.
func fastOptions(attempts int) Options {
	return Options{
		Attempts:     attempts,
		InitialDelay: time.Millisecond,
		Factor:       2,
		MaxDelay:     10 * time.Millisecond,
		Jitter:       false,
	}
}

func TestDo_AlwaysFailing(t *testing.T) {
	exec := NewExecutor(newTestBreaker(), fastOptions(3))

	calls := 0
	err := exec.Do(context.Background(), "op", func() error {
		calls++
		return errOp
	})

	// Ровно 3 вызова, в ошибке — последняя ошибка операции
	require.Error(t, err)
	assert.ErrorIs(t, err, errOp)
	assert.Equal(t, 3, calls)
}

func TestDo_SucceedsOnSecondAttempt(t *testing.T) {
	exec := NewExecutor(newTestBreaker(), fastOptions(5))

	calls := 0
	err := exec.Do(context.Background(), "op", func() error {
		calls++
		if calls < 2 {
			return errOp
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDo_BreakerOpenFailsImmediately(t *testing.T) {
	// Открываем breaker одной ошибкой
	b := circuitbreaker.NewWithSettings("test", circuitbreaker.Settings{
		FailureThreshold: 1,
		Cooldown:         time.Hour,
	})
	require.Error(t, b.Execute(func() error { return errOp }))

	exec := NewExecutor(b, fastOptions(5))

	calls := 0
	start := time.Now()
	err := exec.Do(context.Background(), "op", func() error {
		calls++
		return nil
	})

	// Отказ breaker: операция не вызывалась, повторов не было
	require.ErrorIs(t, err, ErrBreakerOpen)
	assert.Equal(t, 0, calls)
	assert.Less(t, time.Since(start), 50*time.Millisecond, "отказ должен быть мгновенным")
}

func TestDo_ContextCancelDuringBackoff(t *testing.T) {
	opts := Options{
		Attempts:     5,
		InitialDelay: time.Hour, // Backoff заведомо дольше теста
		Factor:       2,
		MaxDelay:     time.Hour,
		Jitter:       false,
	}
	exec := NewExecutor(newTestBreaker(), opts)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	calls := 0
	err := exec.Do(ctx, "op", func() error {
		calls++
		return errOp
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls, "отмена контекста прерывает ожидание между попытками")
}

func TestDelay_ExponentialGrowthAndCap(t *testing.T) {
	exec := NewExecutor(newTestBreaker(), Options{
		Attempts:     10,
		InitialDelay: 200 * time.Millisecond,
		Factor:       2,
		MaxDelay:     time.Second,
		Jitter:       false,
	})

	// min(MaxDelay, InitialDelay × Factor^(n-1))
	assert.Equal(t, 200*time.Millisecond, exec.delay(1))
	assert.Equal(t, 400*time.Millisecond, exec.delay(2))
	assert.Equal(t, 800*time.Millisecond, exec.delay(3))
	assert.Equal(t, time.Second, exec.delay(4), "задержка ограничена MaxDelay")
	assert.Equal(t, time.Second, exec.delay(7))
}

func TestDelay_JitterBounds(t *testing.T) {
	exec := NewExecutor(newTestBreaker(), Options{
		Attempts:     5,
		InitialDelay: 100 * time.Millisecond,
		Factor:       2,
		MaxDelay:     10 * time.Second,
		Jitter:       true,
	})

	// Jitter лежит строго в [0, min(1s, базовая задержка))
	for i := 0; i < 100; i++ {
		d := exec.delay(1)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.Less(t, d, 200*time.Millisecond)
	}

	// Для больших задержек jitter ограничен секундой
	for i := 0; i < 100; i++ {
		d := exec.delay(6) // База: min(10s, 100ms × 2^5) = 3.2s
		assert.GreaterOrEqual(t, d, 3200*time.Millisecond)
		assert.Less(t, d, 4200*time.Millisecond)
	}
}
