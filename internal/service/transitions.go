package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/washmart/internal/lifecycle"
	"github.com/mmeshcher/washmart/internal/model"
	"github.com/mmeshcher/washmart/internal/repository"
	"github.com/mmeshcher/washmart/internal/validation"
)

// Transition переводит заказ в статус newStatus. Продвигать заказ может только
// магазин, которому он принадлежит; отмена выполняется через Cancel.
func (s *Service) Transition(ctx context.Context, orderID string, actor model.Actor, newStatus model.OrderStatus) (model.Order, error) {
	if err := validation.OrderStatus(newStatus); err != nil {
		return model.Order{}, err
	}
	if !lifecycle.IsForward(newStatus) {
		return s.Cancel(ctx, orderID, actor)
	}
	if actor.Role != model.RoleShop {
		return model.Order{}, fmt.Errorf("%w: only the shop can advance an order", model.ErrForbidden)
	}

	ctx, span := s.tracer.Start(ctx, "Transition")
	defer span.End()

	order, err := s.updateStatus(ctx, orderID, actor, newStatus, func(o *model.Order) error {
		if o.ShopID != actor.ID {
			return fmt.Errorf("%w: order belongs to another shop", model.ErrForbidden)
		}
		return nil
	})
	if err != nil {
		return model.Order{}, err
	}
	return order, nil
}

// Cancel отменяет заказ. Магазин может отменить любой незавершённый заказ,
// покупатель — только свой заказ в статусе pending и только если это разрешено политикой.
// Списанные баллы возвращаются, начисленные списываются в пределах баланса,
// оплаченный заказ помечается к возврату денег.
func (s *Service) Cancel(ctx context.Context, orderID string, actor model.Actor) (model.Order, error) {
	ctx, span := s.tracer.Start(ctx, "Cancel")
	defer span.End()

	order, err := s.updateStatus(ctx, orderID, actor, model.OrderStatusCancelled, func(o *model.Order) error {
		return s.authorizeCancel(actor, *o)
	})
	if err != nil {
		return model.Order{}, err
	}

	compensated, err := s.compensate(context.WithoutCancel(ctx), order)
	if err != nil {
		s.logger.Error("cancellation compensation deferred to reconciliation",
			zap.String("orderID", order.ID),
			zap.Error(err),
		)
		return order, nil
	}
	return compensated, nil
}

func (s *Service) authorizeCancel(actor model.Actor, o model.Order) error {
	switch actor.Role {
	case model.RoleShop:
		if o.ShopID != actor.ID {
			return fmt.Errorf("%w: order belongs to another shop", model.ErrForbidden)
		}
		return nil
	case model.RoleCustomer:
		if o.UserID != actor.ID {
			return fmt.Errorf("order %s: %w", o.ID, model.ErrNotFound)
		}
		if !s.cfg.CustomerCancelAllowed {
			return fmt.Errorf("%w: customer cancellation is disabled", model.ErrForbidden)
		}
		if o.IsTerminal() {
			return nil
		}
		if o.Status != model.OrderStatusPending {
			return fmt.Errorf("%w: customers may cancel only pending orders", model.ErrForbidden)
		}
		return nil
	default:
		return model.ErrForbidden
	}
}

// updateStatus атомарно проверяет и применяет переход, затем публикует событие.
func (s *Service) updateStatus(ctx context.Context, orderID string, actor model.Actor, newStatus model.OrderStatus, authorize func(*model.Order) error) (model.Order, error) {
	if err := validation.Required("orderId", orderID); err != nil {
		return model.Order{}, err
	}

	order, err := repository.UpdateJSON(ctx, s.store, repository.OrderKey(orderID), func(o *model.Order, exists bool) (bool, error) {
		if !exists {
			return false, fmt.Errorf("order %s: %w", orderID, model.ErrNotFound)
		}
		if err := authorize(o); err != nil {
			return false, err
		}
		if err := lifecycle.Validate(o.Status, newStatus); err != nil {
			return false, err
		}
		o.PreviousStatus = o.Status
		o.Status = newStatus
		if newStatus == model.OrderStatusCancelled && o.Payment == model.PaymentPaid {
			o.Payment = model.PaymentRefundDue
		}
		o.UpdatedAt = s.now()
		return true, nil
	})
	if err != nil {
		return model.Order{}, err
	}

	s.metrics.RecordTransition(ctx, string(order.PreviousStatus), string(order.Status))
	s.logger.Info("order status changed",
		zap.String("orderID", order.ID),
		zap.String("actorID", actor.ID),
		zap.String("from", string(order.PreviousStatus)),
		zap.String("to", string(order.Status)),
	)

	evt := model.OrderStatusChanged{
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		ShopID:         order.ShopID,
		UserID:         order.UserID,
		PreviousStatus: order.PreviousStatus,
		NewStatus:      order.Status,
		ActorID:        actor.ID,
		OccurredAt:     order.UpdatedAt,
	}
	if err := s.publisher.PublishStatusChanged(ctx, evt); err != nil {
		s.logger.Warn("failed to publish order event", zap.String("orderID", order.ID), zap.Error(err))
	}

	return order, nil
}

// compensate возвращает списанные по заказу баллы и забирает начисленные.
// Операции журнала идемпотентны, поэтому повторный вызов безопасен.
func (s *Service) compensate(ctx context.Context, order model.Order) (model.Order, error) {
	returned, err := s.ledger.Reverse(ctx, order.UserID, redeemOp(order.ID))
	if err != nil {
		return order, fmt.Errorf("return redeemed points: %w", err)
	}
	if returned != 0 {
		s.metrics.RecordLedger(ctx, "reversal", returned)
	}

	clawed, err := s.ledger.Reverse(ctx, order.UserID, earnOp(order.ID))
	if err != nil {
		return order, fmt.Errorf("claw back earned points: %w", err)
	}
	if clawed != 0 {
		s.metrics.RecordLedger(ctx, "reversal", clawed)
	}

	updated, err := repository.UpdateJSON(ctx, s.store, repository.OrderKey(order.ID), func(o *model.Order, exists bool) (bool, error) {
		if !exists {
			return false, fmt.Errorf("order %s: %w", order.ID, model.ErrNotFound)
		}
		if o.Settlement == model.SettlementCompensated {
			return false, nil
		}
		o.Settlement = model.SettlementCompensated
		o.UpdatedAt = s.now()
		return true, nil
	})
	if err != nil {
		return order, fmt.Errorf("mark order compensated: %w", err)
	}

	s.logger.Info("order compensated",
		zap.String("orderID", order.ID),
		zap.Int64("pointsReturned", returned),
		zap.Int64("pointsClawedBack", -clawed),
	)
	return updated, nil
}

// ConfirmPayment отмечает заказ оплаченным по подтверждению платёжного шлюза.
// Повторное подтверждение ничего не меняет, заказ в конечном статусе отклоняется.
func (s *Service) ConfirmPayment(ctx context.Context, orderID, reference string) (model.Order, error) {
	if err := validation.Required("orderId", orderID); err != nil {
		return model.Order{}, err
	}

	order, err := repository.UpdateJSON(ctx, s.store, repository.OrderKey(orderID), func(o *model.Order, exists bool) (bool, error) {
		if !exists {
			return false, fmt.Errorf("order %s: %w", orderID, model.ErrNotFound)
		}
		if o.Payment == model.PaymentPaid {
			return false, nil
		}
		if o.IsTerminal() {
			return false, fmt.Errorf("%w: order is %s", model.ErrOrderTerminal, o.Status)
		}
		o.Payment = model.PaymentPaid
		o.PaymentReference = reference
		o.UpdatedAt = s.now()
		return true, nil
	})
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			s.logger.Warn("payment confirmation rejected", zap.String("orderID", orderID), zap.Error(err))
		}
		return model.Order{}, err
	}

	s.logger.Info("order paid", zap.String("orderID", orderID), zap.String("reference", reference))
	return order, nil
}
