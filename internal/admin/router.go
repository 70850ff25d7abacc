// Package admin содержит HTTP обработчики операторского API пайплайна:
// просмотр активных заказов и статистики, разбор dead-letter очереди.
// Аутентификация — забота внешнего слоя (reverse proxy), здесь её нет.
package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"example.com/food-notify/internal/notify"
	"example.com/food-notify/pkg/metrics"
)

// NotifyService — операции сервиса уведомлений, доступные оператору.
// Интерфейс для тестируемости (Dependency Inversion).
type NotifyService interface {
	GetActiveOrders(ctx context.Context) ([]*notify.OrderNotification, error)
	RemoveOrder(ctx context.Context, orderID string) error
	GetStats(ctx context.Context) (*notify.Stats, error)
	GetDeadLetterItems(ctx context.Context, limit int) ([]*notify.DeadLetterItem, error)
	RetryDeadLetterItem(ctx context.Context, id string) error
}

// Router — конфигурация роутера операторского API.
type Router struct {
	engine *gin.Engine
	svc    NotifyService
}

// RouterConfig — параметры для создания роутера.
type RouterConfig struct {
	Service NotifyService
	Debug   bool // Режим отладки Gin
}

// NewRouter создаёт и настраивает HTTP роутер.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()

	// Стандартные middleware Gin
	engine.Use(gin.Recovery())

	// Prometheus метрики — requests_total, request_duration_seconds
	engine.Use(metrics.GinMetricsMiddleware("admin-notify"))

	r := &Router{
		engine: engine,
		svc:    cfg.Service,
	}

	r.setupRoutes()
	return r
}

// setupRoutes настраивает маршруты API.
func (r *Router) setupRoutes() {
	api := r.engine.Group("/api/v1")
	{
		api.GET("/stats", r.getStats)
		api.GET("/orders", r.getActiveOrders)
		api.DELETE("/orders/:id", r.removeOrder)
		api.GET("/dead-letter", r.getDeadLetterItems)
		api.POST("/dead-letter/:id/retry", r.retryDeadLetterItem)
	}

	// Простой health check для отладки
	r.engine.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
}

// Handler возвращает http.Handler роутера (для httptest в тестах).
func (r *Router) Handler() http.Handler {
	return r.engine
}

// Server создаёт http.Server для операторского API.
func (r *Router) Server(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      r.engine,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
