// Package validation содержит функции валидации входных данных.
package validation

import (
	"fmt"
	"strings"

	"github.com/mmeshcher/washmart/internal/model"
)

const (
	MinScore = 1
	MaxScore = 5

	MinPercentOff = 1
	MaxPercentOff = 100
)

// Score проверяет, что оценка отзыва лежит в диапазоне [1, 5].
func Score(score int) error {
	if score < MinScore || score > MaxScore {
		return model.NewValidationError("score", "must be between 1 and 5")
	}
	return nil
}

// PercentOff проверяет процент скидки акции.
func PercentOff(pct int64) error {
	if pct < MinPercentOff || pct > MaxPercentOff {
		return model.NewValidationError("percentOff", "must be between 1 and 100")
	}
	return nil
}

// MaxQuantity — наибольшее количество единиц в одной позиции корзины.
const MaxQuantity int64 = 1000

// Quantity проверяет количество единиц в позиции корзины.
func Quantity(q int64) error {
	if q < 1 {
		return model.NewValidationError("quantity", "must be at least 1")
	}
	if q > MaxQuantity {
		return model.NewValidationError("quantity", fmt.Sprintf("must not exceed %d", MaxQuantity))
	}
	return nil
}

// Points проверяет, что количество баллов неотрицательно.
func Points(field string, points int64) error {
	if points < 0 {
		return model.NewValidationError(field, "must not be negative")
	}
	return nil
}

// DeliveryOption проверяет вариант доставки.
func DeliveryOption(opt model.DeliveryOption) error {
	switch opt {
	case model.DeliveryNormal, model.DeliveryUrgent:
		return nil
	default:
		return model.NewValidationError("deliveryOption", "must be normal or urgent")
	}
}

// PaymentMethod проверяет способ оплаты.
func PaymentMethod(m model.PaymentMethod) error {
	switch m {
	case model.PaymentCashOnDelivery, model.PaymentCard:
		return nil
	default:
		return model.NewValidationError("paymentMethod", "must be cash_on_delivery or card")
	}
}

// OrderStatus проверяет, что строка является известным статусом заказа.
func OrderStatus(s model.OrderStatus) error {
	switch s {
	case model.OrderStatusPending, model.OrderStatusProceeding, model.OrderStatusWashing,
		model.OrderStatusDelivery, model.OrderStatusCompleted, model.OrderStatusCancelled:
		return nil
	default:
		return model.NewValidationError("status", "unknown order status")
	}
}

// Required проверяет, что строковое поле не пустое.
func Required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return model.NewValidationError(field, "is required")
	}
	return nil
}

// MaxDocumentIDLength — наибольшая длина идентификатора, задаваемого клиентом.
const MaxDocumentIDLength = 64

// DocumentID проверяет идентификатор, который становится частью ключа документа.
func DocumentID(field, id string) error {
	if err := Required(field, id); err != nil {
		return err
	}
	if len(id) > MaxDocumentIDLength {
		return model.NewValidationError(field, fmt.Sprintf("must not exceed %d characters", MaxDocumentIDLength))
	}
	if id == "." || id == ".." || strings.ContainsAny(id, "/ \t\r\n") {
		return model.NewValidationError(field, "must not contain slashes or whitespace")
	}
	return nil
}
