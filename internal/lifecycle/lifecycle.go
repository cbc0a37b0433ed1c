// Package lifecycle описывает конечный автомат статусов заказа.
package lifecycle

import (
	"fmt"

	"github.com/mmeshcher/washmart/internal/model"
)

var transitions = map[model.OrderStatus][]model.OrderStatus{
	model.OrderStatusPending:    {model.OrderStatusProceeding, model.OrderStatusCancelled},
	model.OrderStatusProceeding: {model.OrderStatusWashing, model.OrderStatusCancelled},
	model.OrderStatusWashing:    {model.OrderStatusDelivery, model.OrderStatusCancelled},
	model.OrderStatusDelivery:   {model.OrderStatusCompleted, model.OrderStatusCancelled},
	model.OrderStatusCompleted:  nil,
	model.OrderStatusCancelled:  nil,
}

// IsTerminal сообщает, что из статуса нет переходов.
func IsTerminal(s model.OrderStatus) bool {
	return s == model.OrderStatusCompleted || s == model.OrderStatusCancelled
}

// Next возвращает допустимые статусы после from.
func Next(from model.OrderStatus) []model.OrderStatus {
	next := transitions[from]
	out := make([]model.OrderStatus, len(next))
	copy(out, next)
	return out
}

// Validate проверяет переход from -> to. Из конечного статуса любой переход
// отклоняется с ErrOrderTerminal, прочие недопустимые — с ErrInvalidTransition.
func Validate(from, to model.OrderStatus) error {
	allowed, known := transitions[from]
	if !known {
		return model.NewValidationError("status", fmt.Sprintf("unknown current status %q", from))
	}
	if IsTerminal(from) {
		return fmt.Errorf("%w: order is %s", model.ErrOrderTerminal, from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return model.WrapValidation("status", fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, from, to))
}

// IsForward сообщает, что переход продвигает заказ, а не отменяет его.
func IsForward(to model.OrderStatus) bool {
	return to != model.OrderStatusCancelled
}
