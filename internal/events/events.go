// Package events публикует события смены статуса заказа для внешних подписчиков
// (уведомления, чат). Доставка не гарантируется: ошибки только логируются.
package events

import (
	"context"
	"fmt"

	"github.com/mmeshcher/washmart/internal/model"
)

// Типы бэкендов публикации.
const (
	BackendLog     = "log"
	BackendKafka   = "kafka"
	BackendPubSub  = "pubsub"
	BackendWebhook = "webhook"
)

// EventType — тип события в атрибутах и заголовках сообщений.
const EventType = "order.status_changed"

// Publisher отправляет событие смены статуса.
type Publisher interface {
	PublishStatusChanged(ctx context.Context, evt model.OrderStatusChanged) error
	Close() error
}

// Recorder получает результат каждой публикации.
type Recorder interface {
	RecordEventPublish(ctx context.Context, backend string, durationSeconds float64, success bool)
}

// ValidateBackend проверяет имя бэкенда из конфигурации.
func ValidateBackend(name string) error {
	switch name {
	case BackendLog, BackendKafka, BackendPubSub, BackendWebhook:
		return nil
	default:
		return fmt.Errorf("unknown events backend %q", name)
	}
}
