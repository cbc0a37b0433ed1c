package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/mmeshcher/washmart/internal/cart"
	"github.com/mmeshcher/washmart/internal/model"
	"github.com/mmeshcher/washmart/internal/pricing"
	"github.com/mmeshcher/washmart/internal/repository"
	"github.com/mmeshcher/washmart/internal/validation"
)

// Состояния записи о намерении оформить заказ.
const (
	intentStarted = "started"
	intentAborted = "aborted"
)

var reconcilerActor = model.Actor{ID: "reconciler"}

// QuoteRequest — запрос расчёта стоимости корзины.
type QuoteRequest struct {
	UserID         string               `json:"-"`
	Lines          []model.CartLine     `json:"lines"`
	DeliveryOption model.DeliveryOption `json:"deliveryOption"`
	RedeemPoints   int64                `json:"redeemPoints"`
}

// CheckoutRequest — запрос оформления заказа.
type CheckoutRequest struct {
	QuoteRequest
	PaymentMethod   model.PaymentMethod `json:"paymentMethod"`
	DeliveryAddress string              `json:"deliveryAddress"`
}

// checkoutIntent — запись checkouts/{orderID}, по которой сверка доводит
// или откатывает прерванное оформление.
type checkoutIntent struct {
	OrderID     string    `json:"orderId"`
	UserID      string    `json:"userId"`
	ShopID      string    `json:"shopId"`
	OrderNumber int64     `json:"orderNumber"`
	Redemption  int64     `json:"redemption"`
	State       string    `json:"state"`
	CreatedAt   time.Time `json:"createdAt"`
}

func redeemOp(orderID string) string { return orderID + ":redeem" }
func earnOp(orderID string) string   { return orderID + ":earn" }

// Quote рассчитывает стоимость корзины по текущему каталогу магазина и балансу пользователя.
func (s *Service) Quote(ctx context.Context, req QuoteRequest) (model.Quote, error) {
	q, _, err := s.quote(ctx, req)
	return q, err
}

func (s *Service) quote(ctx context.Context, req QuoteRequest) (model.Quote, model.Shop, error) {
	if err := validation.Required("userId", req.UserID); err != nil {
		return model.Quote{}, model.Shop{}, err
	}
	c, err := cart.New(req.Lines)
	if err != nil {
		return model.Quote{}, model.Shop{}, err
	}
	if c.Len() == 0 {
		return model.Quote{}, model.Shop{}, model.NewValidationError("lines", "cart is empty")
	}

	shop, err := s.GetShop(ctx, c.ShopID())
	if err != nil {
		return model.Quote{}, model.Shop{}, err
	}

	var balance int64
	if req.RedeemPoints > 0 {
		balance, err = s.ledger.Balance(ctx, req.UserID)
		if err != nil {
			return model.Quote{}, model.Shop{}, err
		}
	}

	q, err := s.pricing.Quote(pricing.QuoteInput{
		Lines:               c.Lines(),
		Shop:                shop,
		DeliveryOption:      req.DeliveryOption,
		RequestedRedemption: req.RedeemPoints,
		UserBalance:         balance,
	})
	if err != nil {
		return model.Quote{}, model.Shop{}, err
	}
	return q, shop, nil
}

// CreateOrder оформляет заказ: расчёт, номер, списание баллов, запись заказа, начисление баллов.
// Шаги выполняются как сага с записью о намерении; прерванное оформление доводит Reconcile.
func (s *Service) CreateOrder(ctx context.Context, req CheckoutRequest) (model.Order, error) {
	ctx, span := s.tracer.Start(ctx, "CreateOrder")
	defer span.End()

	start := time.Now()
	order, err := s.createOrder(ctx, req)
	s.metrics.RecordCheckoutDuration(ctx, time.Since(start).Seconds())
	s.metrics.RecordOrderCreated(ctx, checkoutOutcome(err))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return model.Order{}, err
	}
	return order, nil
}

func (s *Service) createOrder(ctx context.Context, req CheckoutRequest) (model.Order, error) {
	if err := validation.PaymentMethod(req.PaymentMethod); err != nil {
		return model.Order{}, err
	}
	if err := validation.Required("deliveryAddress", req.DeliveryAddress); err != nil {
		return model.Order{}, err
	}

	q, shop, err := s.quote(ctx, req.QuoteRequest)
	if err != nil {
		return model.Order{}, err
	}

	number, err := s.nextOrderNumber(ctx)
	if err != nil {
		return model.Order{}, err
	}

	now := s.now()
	orderID := s.newID()
	log := s.logger.With(zap.String("orderID", orderID), zap.Int64("orderNumber", number))

	intent := checkoutIntent{
		OrderID:     orderID,
		UserID:      req.UserID,
		ShopID:      shop.ID,
		OrderNumber: number,
		Redemption:  q.Redemption,
		State:       intentStarted,
		CreatedAt:   now,
	}
	if err := s.putIntent(ctx, intent); err != nil {
		return model.Order{}, fmt.Errorf("record checkout intent: %w", err)
	}

	if q.Redemption > 0 {
		if _, err := s.ledger.Apply(ctx, req.UserID, redeemOp(orderID), -q.Redemption); err != nil {
			if delErr := s.store.Delete(context.WithoutCancel(ctx), repository.CheckoutKey(orderID)); delErr != nil {
				log.Warn("failed to delete checkout intent", zap.Error(delErr))
			}
			return model.Order{}, fmt.Errorf("redeem points: %w", err)
		}
		s.metrics.RecordLedger(ctx, "redeem", q.Redemption)
	}

	deliveryAfter := normalDeliveryAfter
	if req.DeliveryOption == model.DeliveryUrgent {
		deliveryAfter = urgentDeliveryAfter
	}
	order := model.Order{
		ID:                   orderID,
		OrderNumber:          number,
		UserID:               req.UserID,
		ShopID:               shop.ID,
		Items:                q.Lines,
		OriginalTotal:        q.ListSubtotal,
		Quote:                q,
		DeliveryOption:       req.DeliveryOption,
		DeliveryAddress:      req.DeliveryAddress,
		DeliveryAt:           now.Add(deliveryAfter),
		PaymentMethod:        req.PaymentMethod,
		Payment:              model.PaymentPending,
		Status:               model.OrderStatusPending,
		RewardPointsEarned:   q.PointsEarned,
		RewardPointsRedeemed: q.Redemption,
		Settlement:           model.SettlementPending,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	if err := s.insertOrder(ctx, order); err != nil {
		// Ошибка записи не означает, что запись не состоялась: решение принимается по факту наличия заказа.
		written, readErr := s.orderExists(context.WithoutCancel(ctx), orderID)
		switch {
		case readErr != nil:
			log.Error("order write outcome unknown, leaving checkout for reconciliation",
				zap.Error(err),
				zap.NamedError("readError", readErr),
			)
			return model.Order{}, fmt.Errorf("save order: %w", err)
		case !written:
			s.abortCheckout(context.WithoutCancel(ctx), intent, log)
			return model.Order{}, fmt.Errorf("save order: %w", err)
		}
		log.Warn("order write reported an error but the order is stored", zap.Error(err))
	}

	// Заказ записан: дальнейшие сбои оставляют settlement=pending для сверки.
	settled, err := s.settle(context.WithoutCancel(ctx), order)
	if err != nil {
		log.Warn("order settlement deferred to reconciliation", zap.Error(err))
		return order, nil
	}

	log.Info("order created",
		zap.String("userID", order.UserID),
		zap.String("shopID", order.ShopID),
		zap.Int64("total", order.Quote.Total),
	)
	return settled, nil
}

// nextOrderNumber повторяет выделение номера с экспоненциальной паузой,
// пока хранилище возвращает ErrSequenceUnavailable.
func (s *Service) nextOrderNumber(ctx context.Context) (int64, error) {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(50*time.Millisecond),
		backoff.WithMaxInterval(time.Second),
		backoff.WithMaxElapsedTime(5*time.Second),
	), 4), ctx)

	return backoff.RetryWithData(func() (int64, error) {
		n, err := s.sequence.Next(ctx)
		if err != nil && !errors.Is(err, model.ErrSequenceUnavailable) {
			return 0, backoff.Permanent(err)
		}
		return n, err
	}, b)
}

func (s *Service) putIntent(ctx context.Context, intent checkoutIntent) error {
	_, err := repository.UpdateJSON(ctx, s.store, repository.CheckoutKey(intent.OrderID), func(doc *checkoutIntent, exists bool) (bool, error) {
		if exists {
			return false, fmt.Errorf("checkout %s: %w", intent.OrderID, model.ErrAlreadyExists)
		}
		*doc = intent
		return true, nil
	})
	return err
}

func (s *Service) insertOrder(ctx context.Context, order model.Order) error {
	_, err := repository.UpdateJSON(ctx, s.store, repository.OrderKey(order.ID), func(doc *model.Order, exists bool) (bool, error) {
		if exists {
			return false, fmt.Errorf("order %s: %w", order.ID, model.ErrAlreadyExists)
		}
		*doc = order
		return true, nil
	})
	return err
}

// abortCheckout возвращает списанные баллы, если запись заказа не удалась.
func (s *Service) abortCheckout(ctx context.Context, intent checkoutIntent, log *zap.Logger) {
	if intent.Redemption > 0 {
		if _, err := s.ledger.Reverse(ctx, intent.UserID, redeemOp(intent.OrderID)); err != nil {
			log.Error("failed to return redeemed points, leaving intent for reconciliation", zap.Error(err))
			return
		}
	}
	_, err := repository.UpdateJSON(ctx, s.store, repository.CheckoutKey(intent.OrderID), func(doc *checkoutIntent, exists bool) (bool, error) {
		if !exists {
			return false, nil
		}
		doc.State = intentAborted
		return true, nil
	})
	if err != nil {
		log.Warn("failed to mark checkout intent aborted", zap.Error(err))
	}
}

func (s *Service) orderExists(ctx context.Context, orderID string) (bool, error) {
	_, err := s.store.Get(ctx, repository.OrderKey(orderID))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, model.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("read order %s: %w", orderID, err)
	}
}

func (s *Service) checkoutAborted(ctx context.Context, orderID string) (bool, error) {
	var intent checkoutIntent
	err := repository.GetJSON(ctx, s.store, repository.CheckoutKey(orderID), &intent)
	switch {
	case err == nil:
		return intent.State == intentAborted, nil
	case errors.Is(err, model.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("read checkout intent %s: %w", orderID, err)
	}
}

// voidOrder отменяет заказ, оформление которого уже откатано: покупатель
// получил ошибку, а списанные баллы возвращены.
func (s *Service) voidOrder(ctx context.Context, order model.Order) (model.Order, error) {
	cancelled, err := s.updateStatus(ctx, order.ID, reconcilerActor, model.OrderStatusCancelled, func(*model.Order) error {
		return nil
	})
	switch {
	case err == nil:
		order = cancelled
	case errors.Is(err, model.ErrOrderTerminal):
		current, loadErr := s.loadOrder(ctx, order.ID)
		if loadErr != nil {
			return order, loadErr
		}
		if current.Status != model.OrderStatusCancelled {
			return order, fmt.Errorf("void order %s: %w", order.ID, err)
		}
		order = current
	default:
		return order, fmt.Errorf("void order %s: %w", order.ID, err)
	}

	compensated, err := s.compensate(ctx, order)
	if err != nil {
		return order, err
	}
	if err := s.store.Delete(ctx, repository.CheckoutKey(order.ID)); err != nil {
		return compensated, fmt.Errorf("delete checkout intent: %w", err)
	}
	s.logger.Warn("order voided after its checkout was rolled back", zap.String("orderID", order.ID))
	return compensated, nil
}

// settle начисляет баллы за заказ и помечает расчёт завершённым. Повторный
// вызов безопасен: начисление идемпотентно по ID операции. Если заказ уже
// отменён, вместо завершения выполняется компенсация, а заказ откатанного
// оформления отменяется.
func (s *Service) settle(ctx context.Context, order model.Order) (model.Order, error) {
	aborted, err := s.checkoutAborted(ctx, order.ID)
	if err != nil {
		return order, err
	}
	if aborted {
		return s.voidOrder(ctx, order)
	}

	if order.RewardPointsEarned > 0 {
		credited, err := s.ledger.Applied(ctx, order.UserID, earnOp(order.ID))
		if err != nil {
			return order, fmt.Errorf("check earned points: %w", err)
		}
		if !credited {
			if _, err := s.ledger.Apply(ctx, order.UserID, earnOp(order.ID), order.RewardPointsEarned); err != nil {
				return order, fmt.Errorf("credit earned points: %w", err)
			}
			s.metrics.RecordLedger(ctx, "earn", order.RewardPointsEarned)
		}
	}

	updated, err := repository.UpdateJSON(ctx, s.store, repository.OrderKey(order.ID), func(doc *model.Order, exists bool) (bool, error) {
		if !exists {
			return false, fmt.Errorf("order %s: %w", order.ID, model.ErrNotFound)
		}
		if doc.Settlement != model.SettlementPending || doc.Status == model.OrderStatusCancelled {
			return false, nil
		}
		doc.Settlement = model.SettlementSettled
		doc.UpdatedAt = s.now()
		return true, nil
	})
	if err != nil {
		return order, fmt.Errorf("mark order settled: %w", err)
	}

	if updated.Status == model.OrderStatusCancelled {
		if updated, err = s.compensate(ctx, updated); err != nil {
			return order, err
		}
	}

	if err := s.store.Delete(ctx, repository.CheckoutKey(order.ID)); err != nil {
		return updated, fmt.Errorf("delete checkout intent: %w", err)
	}
	return updated, nil
}

// GetOrder возвращает заказ, видимый участнику: покупателю — свой, магазину — свои.
func (s *Service) GetOrder(ctx context.Context, actor model.Actor, orderID string) (model.Order, error) {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return model.Order{}, err
	}
	if !canView(actor, order) {
		return model.Order{}, fmt.Errorf("order %s: %w", orderID, model.ErrNotFound)
	}
	return order, nil
}

// ListOrdersByUser возвращает заказы покупателя, новые первыми.
func (s *Service) ListOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	return s.listOrders(ctx, func(o model.Order) bool { return o.UserID == userID })
}

// ListOrdersByShop возвращает заказы магазина, при непустом status — только в этом статусе.
func (s *Service) ListOrdersByShop(ctx context.Context, shopID string, status model.OrderStatus) ([]model.Order, error) {
	if status != "" {
		if err := validation.OrderStatus(status); err != nil {
			return nil, err
		}
	}
	return s.listOrders(ctx, func(o model.Order) bool {
		return o.ShopID == shopID && (status == "" || o.Status == status)
	})
}

func (s *Service) listOrders(ctx context.Context, match func(model.Order) bool) ([]model.Order, error) {
	docs, err := s.store.List(ctx, repository.OrdersPrefix())
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	orders := make([]model.Order, 0)
	for key, data := range docs {
		var o model.Order
		if err := repository.Decode(data, &o); err != nil {
			s.logger.Warn("skipping corrupt order document", zap.String("key", key), zap.Error(err))
			continue
		}
		if match(o) {
			orders = append(orders, o)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].OrderNumber > orders[j].OrderNumber })
	return orders, nil
}

func (s *Service) loadOrder(ctx context.Context, orderID string) (model.Order, error) {
	if err := validation.Required("orderId", orderID); err != nil {
		return model.Order{}, err
	}
	var order model.Order
	if err := repository.GetJSON(ctx, s.store, repository.OrderKey(orderID), &order); err != nil {
		return model.Order{}, fmt.Errorf("order %s: %w", orderID, err)
	}
	return order, nil
}

func canView(actor model.Actor, order model.Order) bool {
	switch actor.Role {
	case model.RoleCustomer:
		return order.UserID == actor.ID
	case model.RoleShop:
		return order.ShopID == actor.ID
	default:
		return false
	}
}

func checkoutOutcome(err error) string {
	switch {
	case err == nil:
		return "created"
	case errors.Is(err, model.ErrBelowMinimumOrder):
		return "below_minimum"
	case errors.Is(err, model.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, model.ErrSequenceUnavailable):
		return "sequence_unavailable"
	case errors.Is(err, model.ErrValidation):
		return "invalid"
	default:
		return "error"
	}
}
