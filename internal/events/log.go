package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/mmeshcher/washmart/internal/model"
)

// LogPublisher пишет события в лог вместо брокера. Используется локально и по умолчанию.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher создаёт публикатор, пишущий события в лог.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) PublishStatusChanged(_ context.Context, evt model.OrderStatusChanged) error {
	p.logger.Info("order status changed",
		zap.String("orderID", evt.OrderID),
		zap.Int64("orderNumber", evt.OrderNumber),
		zap.String("shopID", evt.ShopID),
		zap.String("userID", evt.UserID),
		zap.String("previousStatus", string(evt.PreviousStatus)),
		zap.String("newStatus", string(evt.NewStatus)),
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
