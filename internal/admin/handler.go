package admin

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"example.com/food-notify/internal/notify"
	"example.com/food-notify/pkg/logger"
)

// ErrorResponse — стандартный формат ошибки API.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// getStats возвращает сводку состояния пайплайна.
// GET /api/v1/stats
func (r *Router) getStats(c *gin.Context) {
	stats, err := r.svc.GetStats(c.Request.Context())
	if err != nil {
		r.internalError(c, err, "GetStats")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"active_orders":         stats.ActiveOrders,
		"outbox_length":         stats.OutboxLength,
		"dead_letter_length":    stats.DeadLetterLength,
		"oldest_order_age_secs": int64(stats.OldestOrderAge.Seconds()),
	})
}

// getActiveOrders возвращает заказы, ожидающие действия администратора.
// GET /api/v1/orders
func (r *Router) getActiveOrders(c *gin.Context) {
	orders, err := r.svc.GetActiveOrders(c.Request.Context())
	if err != nil {
		r.internalError(c, err, "GetActiveOrders")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"orders": orders,
		"count":  len(orders),
	})
}

// removeOrder убирает заказ из активных (администратор принял/отклонил).
// DELETE /api/v1/orders/:id
func (r *Router) removeOrder(c *gin.Context) {
	orderID := c.Param("id")
	if orderID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_argument",
			Message: "Не указан id заказа",
		})
		return
	}

	// Сбои доставки абсорбируются в outbox; ошибка здесь означает,
	// что событие не удалось сохранить даже в outbox.
	if err := r.svc.RemoveOrder(c.Request.Context(), orderID); err != nil {
		r.internalError(c, err, "RemoveOrder")
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "removed", "order_id": orderID})
}

// getDeadLetterItems возвращает записи dead-letter очереди.
// GET /api/v1/dead-letter?limit=50
func (r *Router) getDeadLetterItems(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_argument",
				Message: "Параметр limit должен быть положительным числом",
			})
			return
		}
		limit = parsed
	}

	items, err := r.svc.GetDeadLetterItems(c.Request.Context(), limit)
	if err != nil {
		r.internalError(c, err, "GetDeadLetterItems")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"items": items,
		"count": len(items),
	})
}

// retryDeadLetterItem возвращает запись dead-letter в outbox.
// POST /api/v1/dead-letter/:id/retry
func (r *Router) retryDeadLetterItem(c *gin.Context) {
	id := c.Param("id")

	err := r.svc.RetryDeadLetterItem(c.Request.Context(), id)
	if errors.Is(err, notify.ErrDeadLetterNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "Запись dead-letter не найдена",
		})
		return
	}
	if err != nil {
		r.internalError(c, err, "RetryDeadLetterItem")
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "requeued", "id": id})
}

// internalError логирует ошибку и возвращает единообразный 500 ответ.
func (r *Router) internalError(c *gin.Context, err error, method string) {
	log := logger.FromContext(c.Request.Context())
	log.Error().Err(err).Str("method", method).Msg("Внутренняя ошибка операторского API")

	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Error:   "internal_error",
		Message: "Внутренняя ошибка сервера",
	})
}
