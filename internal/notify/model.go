// Package notify реализует надёжный пайплайн доставки уведомлений о заказах
// в админку. Подтверждённый заказ публикуется в live-канал Redis; при сбое
// брокера событие сохраняется в outbox и доставляется позже (at-least-once).
// Записи, исчерпавшие попытки или срок жизни, переносятся в dead-letter
// очередь для ручного разбора.
package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventTypeOrderConfirmed — тип уведомления о подтверждённом заказе.
const EventTypeOrderConfirmed = "ORDER_CONFIRMED"

// Действия записей outbox и live-событий.
const (
	ActionNew     = "new"     // Новое уведомление для админки
	ActionRemoved = "removed" // Заказ обработан администратором, убрать из списка
)

// Причины переноса записи в dead-letter.
const (
	ReasonExpired    = "Expired"
	ReasonMaxRetries = "Max retries exceeded"
)

// Ключи структур в Redis.
const (
	activeOrdersKey = "orders:active"     // hash: order_id → OrderNotification JSON
	outboxKey       = "orders:outbox"     // list: OutboxItem JSON, голова = LPOP
	deadLetterKey   = "orders:deadletter" // list: DeadLetterItem JSON
)

// ErrDeadLetterNotFound — запись dead-letter с указанным id не найдена.
var ErrDeadLetterNotFound = errors.New("запись dead-letter не найдена")

// OrderData — полезная нагрузка подтверждённого заказа.
// Приходит от обработчика подтверждения оплаты, пайплайн её не интерпретирует.
type OrderData struct {
	ID               string  `json:"id"`
	PaymentReference string  `json:"payment_reference"`
	Amount           float64 `json:"amount"`
	PhoneNumber      string  `json:"phone_number"`
}

// OrderNotification — уведомление о заказе, ожидающем действия администратора.
// Живёт в hash активных заказов, пока администратор не примет/отклонит заказ
// или пока задача очистки не удалит его по возрасту.
type OrderNotification struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"` // Всегда EventTypeOrderConfirmed
	Data      OrderData `json:"data"`
	Timestamp time.Time `json:"timestamp"` // Момент подтверждения (RFC3339)
}

// Event — сообщение live-канала админки.
// Форма: {"action":"new","notification":{...}} либо {"action":"removed","orderId":"..."}.
type Event struct {
	Action       string             `json:"action"`
	Notification *OrderNotification `json:"notification,omitempty"`
	OrderID      string             `json:"orderId,omitempty"`
}

// OutboxItem — отложенная доставка, не прошедшая напрямую.
// RetryCount только растёт, пока запись в outbox; запись покидает outbox
// ровно один раз: успешной доставкой либо переносом в dead-letter.
type OutboxItem struct {
	ID           string             `json:"id"` // UUID, уникален на каждую постановку
	Action       string             `json:"action"`
	Notification *OrderNotification `json:"notification,omitempty"` // Для ActionNew
	OrderID      string             `json:"order_id"`
	Channel      string             `json:"channel"` // Канал публикации при повторной доставке
	CreatedAt    int64              `json:"created_at"` // Момент постановки, epoch millis
	RetryCount   int                `json:"retry_count"`
	LastError    string             `json:"last_error,omitempty"`
}

// Age возвращает возраст записи относительно now.
func (i *OutboxItem) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(i.CreatedAt))
}

// DeadLetterItem — запись outbox, доставка которой признана безнадёжной.
// Терминальна, пока оператор не вернёт её в outbox вручную.
type DeadLetterItem struct {
	OutboxItem
	MovedAt time.Time `json:"moved_at"`
	Reason  string    `json:"reason"` // ReasonExpired | ReasonMaxRetries
}

// BatchResult — итоги одного прохода обработки outbox.
type BatchResult struct {
	Processed         int `json:"processed"`            // Успешно доставлено
	Failed            int `json:"failed"`               // Вернулось в хвост outbox
	MovedToDeadLetter int `json:"moved_to_dead_letter"` // Перенесено в dead-letter
}

// Stats — сводка состояния пайплайна для оператора.
type Stats struct {
	ActiveOrders     int64         `json:"active_orders"`
	OutboxLength     int64         `json:"outbox_length"`
	DeadLetterLength int64         `json:"dead_letter_length"`
	OldestOrderAge   time.Duration `json:"oldest_order_age"` // 0, если активных заказов нет
}

// decodeNotification десериализует сохранённое уведомление.
// Любая ошибка разбора или пустой id трактуются как повреждение записи.
func decodeNotification(raw string) (*OrderNotification, error) {
	var n OrderNotification
	if err := json.Unmarshal([]byte(raw), &n); err != nil {
		return nil, fmt.Errorf("повреждённое уведомление: %w", err)
	}
	if n.ID == "" {
		return nil, errors.New("повреждённое уведомление: пустой id")
	}
	return &n, nil
}

// decodeOutboxItem десериализует запись outbox.
func decodeOutboxItem(raw string) (*OutboxItem, error) {
	var item OutboxItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return nil, fmt.Errorf("повреждённая запись outbox: %w", err)
	}
	if item.ID == "" {
		return nil, errors.New("повреждённая запись outbox: пустой id")
	}
	return &item, nil
}

// decodeDeadLetterItem десериализует запись dead-letter.
func decodeDeadLetterItem(raw string) (*DeadLetterItem, error) {
	var item DeadLetterItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return nil, fmt.Errorf("повреждённая запись dead-letter: %w", err)
	}
	if item.ID == "" {
		return nil, errors.New("повреждённая запись dead-letter: пустой id")
	}
	return &item, nil
}
