// Package redislock реализует распределённую блокировку на Redis.
// Используется планировщиком: при горизонтальном масштабировании только один
// экземпляр процесса выполняет периодическую задачу одновременно.
//
// Блокировка — ключ с TTL, созданный через SET NX. Значение ключа — uuid,
// уникальный для каждого захвата: освобождение выполняется Lua-скриптом
// compare-and-delete, поэтому процесс не может удалить чужую блокировку
// после истечения своего TTL.
package redislock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"example.com/food-notify/pkg/logger"
)

// releaseScript удаляет ключ блокировки, только если значение совпадает
// с токеном владельца. Выполняется атомарно на стороне Redis.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker выдаёт блокировки в одном Redis.
type Locker struct {
	redis *redis.Client
}

// NewLocker создаёт Locker.
func NewLocker(client *redis.Client) *Locker {
	return &Locker{redis: client}
}

// WithLock выполняет fn под блокировкой key с временем жизни ttl.
//
// Если блокировка уже занята другим процессом, возвращает acquired=false,
// не вызывая fn — для периодических задач это означает «работу уже делает
// другой экземпляр, пропускаем». Освобождение происходит в defer на любом
// пути выхода; если процесс умрёт до освобождения, ключ истечёт сам по ttl.
func (l *Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) (acquired bool, err error) {
	token := uuid.New().String()

	ok, err := l.redis.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("ошибка захвата блокировки %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}

	defer func() {
		// Освобождаем только свою блокировку (compare-and-delete).
		// Отдельный контекст: освобождение должно пройти даже при отменённом ctx.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		if _, relErr := releaseScript.Run(releaseCtx, l.redis, []string{key}, token).Result(); relErr != nil {
			// Не фатально: ключ истечёт сам по TTL.
			log := logger.FromContext(ctx)
			log.Warn().
				Err(relErr).
				Str("lock", key).
				Msg("Не удалось освободить блокировку, сработает TTL")
		}
	}()

	return true, fn(ctx)
}
