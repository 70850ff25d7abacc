// Admin Notify — сервис надёжной доставки уведомлений о подтверждённых
// заказах в админку. Публикует live-события в Redis Pub/Sub, при сбоях
// брокера копит события в outbox и доводит их до доставки фоновыми
// задачами; безнадёжные записи уходят в dead-letter для ручного разбора.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"example.com/food-notify/internal/admin"
	"example.com/food-notify/internal/notify"
	"example.com/food-notify/internal/scheduler"
	"example.com/food-notify/pkg/circuitbreaker"
	"example.com/food-notify/pkg/config"
	dbpkg "example.com/food-notify/pkg/db"
	"example.com/food-notify/pkg/healthcheck"
	"example.com/food-notify/pkg/logger"
	"example.com/food-notify/pkg/metrics"
	"example.com/food-notify/pkg/redislock"
	"example.com/food-notify/pkg/retry"
)

func main() {
	// Загружаем конфигурацию
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка загрузки конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Инициализируем логгер
	logger.Init(logger.Config{
		Level:  cfg.App.LogLevel,
		Pretty: cfg.App.LogPretty,
	})

	// Создаём логгер с контекстом сервиса
	log := logger.With().Str("service", "admin-notify").Logger()

	log.Info().
		Str("env", cfg.App.Env).
		Int("admin_port", cfg.Admin.Port).
		Msg("Запуск Admin Notify")

	// === Подключение к зависимостям ===

	// Подключаемся к Redis
	rdb := dbpkg.ConnectRedis(cfg.Redis)
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Error().Err(err).Msg("Ошибка закрытия Redis")
		}
	}()

	// Проверяем подключение к Redis
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		// Не фатально: breaker и outbox рассчитаны на временную недоступность.
		log.Warn().Err(err).Msg("Redis недоступен при старте, продолжаем")
	} else {
		log.Info().Msg("Подключение к Redis установлено")
	}
	pingCancel()

	// ReadinessChecker для /readyz — проверяет Redis
	readinessCheck := healthcheck.Composite(
		func(ctx context.Context) error { return healthcheck.CheckRedis(ctx, rdb) },
	)

	// === Observability: Metrics ===

	// Запускаем HTTP сервер для Prometheus метрик
	var metricsServer *metrics.Server
	var metricsWg sync.WaitGroup
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(
			cfg.Metrics.Addr(),
			"admin-notify",
			metrics.WithReadinessCheck(readinessCheck),
		)
		metricsWg.Add(1)
		go func() {
			defer metricsWg.Done()
			if err := metricsServer.Start(); err != nil {
				log.Error().Err(err).Msg("Ошибка Metrics Server")
			}
		}()
	}

	// === Инициализация бизнес-логики ===

	// Один Circuit Breaker на все операции с Redis через retry executor
	breaker := circuitbreaker.NewWithSettings("redis", circuitbreaker.Settings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
	})

	exec := retry.NewExecutor(breaker, retry.Options{
		Attempts:     cfg.Retry.Attempts,
		InitialDelay: cfg.Retry.InitialDelay,
		Factor:       cfg.Retry.Factor,
		MaxDelay:     cfg.Retry.MaxDelay,
		Jitter:       cfg.Retry.Jitter,
	})

	notifySvc := notify.NewService(rdb, exec, notify.Config{
		Channel:      cfg.Notify.Channel,
		MaxRetries:   cfg.Notify.MaxRetries,
		MaxOutboxAge: cfg.Notify.MaxOutboxAge,
	})

	// Зона для человекочитаемых меток времени в логах задач
	loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		log.Warn().Err(err).Str("timezone", cfg.Scheduler.Timezone).Msg("Неизвестная зона, используем UTC")
		loc = time.UTC
	}

	// Контекст для graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// === Планировщик ===

	locker := redislock.NewLocker(rdb)
	sched := scheduler.New(notifySvc, locker, scheduler.Config{
		DrainInterval:   cfg.Scheduler.DrainInterval,
		DrainLockTTL:    cfg.Scheduler.DrainLockTTL,
		CleanupInterval: cfg.Scheduler.CleanupInterval,
		CleanupLockTTL:  cfg.Scheduler.CleanupLockTTL,
		CompactInterval: cfg.Scheduler.CompactInterval,
		CompactLockTTL:  cfg.Scheduler.CompactLockTTL,
		StatsInterval:   cfg.Scheduler.StatsInterval,
		BatchSize:       cfg.Notify.BatchSize,
		MaxOrderAge:     cfg.Notify.MaxOrderAge,
		Location:        loc,
	})

	var workersWg sync.WaitGroup
	workersWg.Add(1)
	go func() {
		defer workersWg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("Паника в планировщике")
			}
		}()
		sched.Run(ctx)
	}()

	// === Операторский HTTP API ===

	router := admin.NewRouter(admin.RouterConfig{
		Service: notifySvc,
		Debug:   cfg.IsDevelopment(),
	})
	adminServer := router.Server(cfg.Admin.Addr())

	workersWg.Add(1)
	go func() {
		defer workersWg.Done()
		log.Info().Str("addr", cfg.Admin.Addr()).Msg("Запуск операторского API")
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Ошибка операторского API")
		}
	}()

	log.Info().Msg("Admin Notify запущен")

	// Ожидаем сигнал завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Получен сигнал завершения, останавливаем сервис...")

	// Останавливаем операторский API
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Ошибка остановки операторского API")
	}

	// Отменяем контекст — останавливаем планировщик
	cancel()

	// Ждём завершения всех фоновых горутин перед закрытием ресурсов
	workersWg.Wait()

	// Останавливаем Metrics Server (если был запущен) и ждём завершения горутины.
	// Свой таймаут: общий shutdownCtx к этому моменту мог уже истечь,
	// пока останавливались API и фоновые горутины.
	if metricsServer != nil {
		metricsCtx, metricsCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer metricsCancel()
		if err := metricsServer.Shutdown(metricsCtx); err != nil {
			log.Error().Err(err).Msg("Ошибка остановки Metrics Server")
		}
		metricsWg.Wait()
	}

	log.Info().Msg("Admin Notify остановлен")
}
