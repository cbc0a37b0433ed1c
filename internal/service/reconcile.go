package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/washmart/internal/model"
	"github.com/mmeshcher/washmart/internal/repository"
)

// ReconcileReport подсчитывает действия одного прохода сверки.
type ReconcileReport struct {
	Settled     int `json:"settled"`
	RolledBack  int `json:"rolledBack"`
	Compensated int `json:"compensated"`
	Failed      int `json:"failed"`
}

// StartReconciliation периодически запускает Reconcile до отмены контекста.
func (s *Service) StartReconciliation(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report, err := s.Reconcile(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Warn("reconciliation pass failed", zap.Error(err))
				continue
			}
			if report != (ReconcileReport{}) {
				s.logger.Info("reconciliation pass finished",
					zap.Int("settled", report.Settled),
					zap.Int("rolledBack", report.RolledBack),
					zap.Int("compensated", report.Compensated),
					zap.Int("failed", report.Failed),
				)
			}
		}
	}
}

// Reconcile доводит прерванные оформления: заказы с settlement=pending
// завершаются, намерения без записанного заказа откатываются, отменённые
// заказы без компенсации компенсируются.
func (s *Service) Reconcile(ctx context.Context) (ReconcileReport, error) {
	ctx, span := s.tracer.Start(ctx, "Reconcile")
	defer span.End()

	var report ReconcileReport
	staleBefore := s.now().Add(-s.cfg.ReconcileStaleAfter)

	if err := s.reconcileIntents(ctx, staleBefore, &report); err != nil {
		return report, err
	}
	if err := s.reconcileOrders(ctx, staleBefore, &report); err != nil {
		return report, err
	}
	return report, nil
}

func (s *Service) reconcileIntents(ctx context.Context, staleBefore time.Time, report *ReconcileReport) error {
	docs, err := s.store.List(ctx, repository.CheckoutsPrefix())
	if err != nil {
		return fmt.Errorf("list checkout intents: %w", err)
	}

	for key, data := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		var intent checkoutIntent
		if err := repository.Decode(data, &intent); err != nil {
			s.logger.Warn("skipping corrupt checkout intent", zap.String("key", key), zap.Error(err))
			continue
		}
		if intent.State != intentAborted && intent.CreatedAt.After(staleBefore) {
			continue
		}
		log := s.logger.With(zap.String("orderID", intent.OrderID))

		order, err := s.loadOrder(ctx, intent.OrderID)
		switch {
		case err == nil:
			settled, err := s.settle(ctx, order)
			if err != nil {
				log.Warn("failed to settle order", zap.Error(err))
				report.Failed++
				continue
			}
			s.countSettled(ctx, settled, report)
		case errors.Is(err, model.ErrNotFound):
			if err := s.rollbackIntent(ctx, intent); err != nil {
				log.Warn("failed to roll back checkout", zap.Error(err))
				report.Failed++
				continue
			}
			log.Info("checkout rolled back", zap.Int64("pointsReturned", intent.Redemption))
			report.RolledBack++
			s.metrics.RecordReconciled(ctx, "rolled_back")
		default:
			log.Warn("failed to load order", zap.Error(err))
			report.Failed++
		}
	}
	return nil
}

func (s *Service) rollbackIntent(ctx context.Context, intent checkoutIntent) error {
	if intent.Redemption > 0 {
		if _, err := s.ledger.Reverse(ctx, intent.UserID, redeemOp(intent.OrderID)); err != nil {
			return fmt.Errorf("return redeemed points: %w", err)
		}
	}
	if err := s.store.Delete(ctx, repository.CheckoutKey(intent.OrderID)); err != nil {
		return fmt.Errorf("delete checkout intent: %w", err)
	}
	return nil
}

func (s *Service) reconcileOrders(ctx context.Context, staleBefore time.Time, report *ReconcileReport) error {
	orders, err := s.listOrders(ctx, func(o model.Order) bool {
		if o.Status == model.OrderStatusCancelled {
			return o.Settlement != model.SettlementCompensated
		}
		return o.Settlement == model.SettlementPending && !o.CreatedAt.After(staleBefore)
	})
	if err != nil {
		return err
	}

	for _, o := range orders {
		if err := ctx.Err(); err != nil {
			return err
		}
		log := s.logger.With(zap.String("orderID", o.ID))

		if o.Status == model.OrderStatusCancelled {
			if _, err := s.compensate(ctx, o); err != nil {
				log.Warn("failed to compensate order", zap.Error(err))
				report.Failed++
				continue
			}
			report.Compensated++
			s.metrics.RecordReconciled(ctx, "compensated")
			continue
		}

		settled, err := s.settle(ctx, o)
		if err != nil {
			log.Warn("failed to settle order", zap.Error(err))
			report.Failed++
			continue
		}
		s.countSettled(ctx, settled, report)
	}
	return nil
}

// countSettled учитывает результат settle: заказ мог оказаться отменённым и компенсированным.
func (s *Service) countSettled(ctx context.Context, order model.Order, report *ReconcileReport) {
	if order.Status == model.OrderStatusCancelled {
		report.Compensated++
		s.metrics.RecordReconciled(ctx, "compensated")
		return
	}
	report.Settled++
	s.metrics.RecordReconciled(ctx, "settled")
}
