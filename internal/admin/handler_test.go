package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/food-notify/internal/notify"
)

// =============================================================================
// Моки
// =============================================================================

type MockNotifyService struct {
	mock.Mock
}

func (m *MockNotifyService) GetActiveOrders(ctx context.Context) ([]*notify.OrderNotification, error) {
	args := m.Called(ctx)
	if orders, ok := args.Get(0).([]*notify.OrderNotification); ok {
		return orders, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockNotifyService) RemoveOrder(ctx context.Context, orderID string) error {
	args := m.Called(ctx, orderID)
	return args.Error(0)
}

func (m *MockNotifyService) GetStats(ctx context.Context) (*notify.Stats, error) {
	args := m.Called(ctx)
	if stats, ok := args.Get(0).(*notify.Stats); ok {
		return stats, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockNotifyService) GetDeadLetterItems(ctx context.Context, limit int) ([]*notify.DeadLetterItem, error) {
	args := m.Called(ctx, limit)
	if items, ok := args.Get(0).([]*notify.DeadLetterItem); ok {
		return items, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockNotifyService) RetryDeadLetterItem(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func setupRouter(svc NotifyService) http.Handler {
	return NewRouter(RouterConfig{Service: svc}).Handler()
}

func doRequest(t *testing.T, handler http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

// =============================================================================
// Тесты обработчиков
// =============================================================================

func TestGetStats(t *testing.T) {
	svc := new(MockNotifyService)
	svc.On("GetStats", mock.Anything).Return(&notify.Stats{
		ActiveOrders:     3,
		OutboxLength:     2,
		DeadLetterLength: 1,
		OldestOrderAge:   90 * time.Second,
	}, nil)

	w := doRequest(t, setupRouter(svc), http.MethodGet, "/api/v1/stats")

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.EqualValues(t, 3, body["active_orders"])
	assert.EqualValues(t, 2, body["outbox_length"])
	assert.EqualValues(t, 1, body["dead_letter_length"])
	assert.EqualValues(t, 90, body["oldest_order_age_secs"])
	svc.AssertExpectations(t)
}

func TestGetStats_InternalError(t *testing.T) {
	svc := new(MockNotifyService)
	svc.On("GetStats", mock.Anything).Return(nil, errors.New("redis недоступен"))

	w := doRequest(t, setupRouter(svc), http.MethodGet, "/api/v1/stats")

	require.Equal(t, http.StatusInternalServerError, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "internal_error", body["error"])
}

func TestGetActiveOrders(t *testing.T) {
	svc := new(MockNotifyService)
	svc.On("GetActiveOrders", mock.Anything).Return([]*notify.OrderNotification{
		{
			ID:        "order-1",
			Type:      notify.EventTypeOrderConfirmed,
			Data:      notify.OrderData{ID: "order-1", Amount: 500},
			Timestamp: time.Now().UTC(),
		},
	}, nil)

	w := doRequest(t, setupRouter(svc), http.MethodGet, "/api/v1/orders")

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.EqualValues(t, 1, body["count"])
	svc.AssertExpectations(t)
}

func TestRemoveOrder(t *testing.T) {
	svc := new(MockNotifyService)
	svc.On("RemoveOrder", mock.Anything, "order-7").Return(nil)

	w := doRequest(t, setupRouter(svc), http.MethodDelete, "/api/v1/orders/order-7")

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "removed", body["status"])
	assert.Equal(t, "order-7", body["order_id"])
	svc.AssertExpectations(t)
}

func TestRemoveOrder_InternalError(t *testing.T) {
	svc := new(MockNotifyService)
	// Событие не удалось сохранить даже в outbox
	svc.On("RemoveOrder", mock.Anything, "order-8").Return(errors.New("запись события в outbox: обрыв соединения"))

	w := doRequest(t, setupRouter(svc), http.MethodDelete, "/api/v1/orders/order-8")

	require.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestGetDeadLetterItems(t *testing.T) {
	t.Run("Лимит по умолчанию", func(t *testing.T) {
		svc := new(MockNotifyService)
		svc.On("GetDeadLetterItems", mock.Anything, 50).Return([]*notify.DeadLetterItem{}, nil)

		w := doRequest(t, setupRouter(svc), http.MethodGet, "/api/v1/dead-letter")

		require.Equal(t, http.StatusOK, w.Code)
		body := decodeBody(t, w)
		assert.EqualValues(t, 0, body["count"])
		svc.AssertExpectations(t)
	})

	t.Run("Явный лимит", func(t *testing.T) {
		svc := new(MockNotifyService)
		svc.On("GetDeadLetterItems", mock.Anything, 10).Return([]*notify.DeadLetterItem{
			{
				OutboxItem: notify.OutboxItem{ID: "dl-1", Action: notify.ActionRemoved, OrderID: "o"},
				MovedAt:    time.Now().UTC(),
				Reason:     notify.ReasonExpired,
			},
		}, nil)

		w := doRequest(t, setupRouter(svc), http.MethodGet, "/api/v1/dead-letter?limit=10")

		require.Equal(t, http.StatusOK, w.Code)
		body := decodeBody(t, w)
		assert.EqualValues(t, 1, body["count"])
		svc.AssertExpectations(t)
	})

	t.Run("Некорректный лимит", func(t *testing.T) {
		svc := new(MockNotifyService)

		w := doRequest(t, setupRouter(svc), http.MethodGet, "/api/v1/dead-letter?limit=нуль")

		require.Equal(t, http.StatusBadRequest, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "invalid_argument", body["error"])
		svc.AssertNotCalled(t, "GetDeadLetterItems", mock.Anything, mock.Anything)
	})

	t.Run("Отрицательный лимит", func(t *testing.T) {
		svc := new(MockNotifyService)

		w := doRequest(t, setupRouter(svc), http.MethodGet, "/api/v1/dead-letter?limit=-5")

		require.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestRetryDeadLetterItem(t *testing.T) {
	t.Run("Успешный возврат", func(t *testing.T) {
		svc := new(MockNotifyService)
		svc.On("RetryDeadLetterItem", mock.Anything, "dl-1").Return(nil)

		w := doRequest(t, setupRouter(svc), http.MethodPost, "/api/v1/dead-letter/dl-1/retry")

		require.Equal(t, http.StatusOK, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "requeued", body["status"])
		assert.Equal(t, "dl-1", body["id"])
		svc.AssertExpectations(t)
	})

	t.Run("Запись не найдена", func(t *testing.T) {
		svc := new(MockNotifyService)
		svc.On("RetryDeadLetterItem", mock.Anything, "dl-missing").Return(notify.ErrDeadLetterNotFound)

		w := doRequest(t, setupRouter(svc), http.MethodPost, "/api/v1/dead-letter/dl-missing/retry")

		require.Equal(t, http.StatusNotFound, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "not_found", body["error"])
	})

	t.Run("Внутренняя ошибка", func(t *testing.T) {
		svc := new(MockNotifyService)
		svc.On("RetryDeadLetterItem", mock.Anything, "dl-2").Return(errors.New("redis недоступен"))

		w := doRequest(t, setupRouter(svc), http.MethodPost, "/api/v1/dead-letter/dl-2/retry")

		require.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestHealthEndpoint(t *testing.T) {
	w := doRequest(t, setupRouter(new(MockNotifyService)), http.MethodGet, "/health")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}
