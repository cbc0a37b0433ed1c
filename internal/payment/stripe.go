// Package payment принимает подтверждения оплаты от платёжного шлюза.
package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

// OrderIDMetadataKey — ключ метаданных Stripe с ID заказа.
const OrderIDMetadataKey = "order_id"

var (
	// ErrInvalidSignature возвращается, если подпись вебхука не прошла проверку.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrMissingOrderID возвращается, если в событии нет ID заказа.
	ErrMissingOrderID = errors.New("payment event has no order id")
)

// Confirmation — подтверждённая оплата заказа.
type Confirmation struct {
	OrderID   string
	Reference string
	EventID   string
}

// StripeWebhook проверяет подпись и разбирает события Stripe.
type StripeWebhook struct {
	secret string
}

// NewStripeWebhook создаёт обработчик событий с секретом подписи вебхука.
func NewStripeWebhook(secret string) (*StripeWebhook, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("stripe: webhook secret is required")
	}
	return &StripeWebhook{secret: secret}, nil
}

// Parse проверяет подпись и возвращает подтверждение оплаты. Второе значение
// false означает событие, не относящееся к оплате заказа; его нужно подтвердить и пропустить.
func (h *StripeWebhook) Parse(payload []byte, signatureHeader string) (Confirmation, bool, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Confirmation{}, false, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	if event.Data == nil {
		return Confirmation{}, false, nil
	}

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted, stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return Confirmation{}, false, fmt.Errorf("decode checkout session: %w", err)
		}
		if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			return Confirmation{}, false, nil
		}
		return confirmation(event.ID, session.ID, session.Metadata)

	case stripe.EventTypePaymentIntentSucceeded:
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return Confirmation{}, false, fmt.Errorf("decode payment intent: %w", err)
		}
		return confirmation(event.ID, intent.ID, intent.Metadata)

	default:
		return Confirmation{}, false, nil
	}
}

func confirmation(eventID, reference string, metadata map[string]string) (Confirmation, bool, error) {
	orderID := strings.TrimSpace(metadata[OrderIDMetadataKey])
	if orderID == "" {
		return Confirmation{}, false, ErrMissingOrderID
	}
	return Confirmation{OrderID: orderID, Reference: reference, EventID: eventID}, true, nil
}
