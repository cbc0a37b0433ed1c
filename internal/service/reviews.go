package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/washmart/internal/model"
	"github.com/mmeshcher/washmart/internal/rating"
)

// ReviewRequest — отзыв покупателя по завершённому заказу.
type ReviewRequest struct {
	Score   int    `json:"score"`
	Comment string `json:"comment"`
}

// SubmitReview сохраняет отзыв покупателя о магазине по заказу и возвращает новый рейтинг.
func (s *Service) SubmitReview(ctx context.Context, actor model.Actor, orderID string, req ReviewRequest) (float64, error) {
	if actor.Role != model.RoleCustomer {
		return 0, fmt.Errorf("%w: only customers can review orders", model.ErrForbidden)
	}

	ctx, span := s.tracer.Start(ctx, "SubmitReview")
	defer span.End()

	order, err := s.GetOrder(ctx, actor, orderID)
	if err != nil {
		s.metrics.RecordReview(ctx, false)
		return 0, err
	}

	score, err := s.rating.SubmitReview(ctx, rating.Review{
		OrderID:    order.ID,
		ShopID:     order.ShopID,
		ReviewerID: actor.ID,
		Score:      req.Score,
		Comment:    req.Comment,
	})
	s.metrics.RecordReview(ctx, err == nil)
	if err != nil {
		return 0, err
	}

	s.shops.Forget(order.ShopID)
	s.logger.Info("review submitted",
		zap.String("orderID", order.ID),
		zap.String("shopID", order.ShopID),
		zap.Float64("rating", score),
	)
	return score, nil
}

// ListReviews возвращает отзывы магазина, новые первыми.
func (s *Service) ListReviews(ctx context.Context, shopID string) ([]rating.Review, error) {
	reviews, err := s.rating.ListReviews(ctx, shopID)
	if err != nil {
		return nil, fmt.Errorf("shop %s: %w", shopID, err)
	}
	return reviews, nil
}
