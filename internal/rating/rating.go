// Package rating принимает отзывы по выполненным заказам и пересчитывает рейтинг магазина.
package rating

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"

	"github.com/mmeshcher/washmart/internal/model"
	"github.com/mmeshcher/washmart/internal/repository"
	"github.com/mmeshcher/washmart/internal/validation"
)

// MaxCommentLength ограничивает длину комментария в символах.
const MaxCommentLength = 1000

// Review — отзыв покупателя по заказу.
type Review struct {
	OrderID    string    `json:"orderId"`
	ShopID     string    `json:"shopId"`
	ReviewerID string    `json:"reviewerId"`
	Score      int       `json:"score"`
	Comment    string    `json:"comment"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Aggregator хранит отзывы внутри документа магазина и пересчитывает среднюю оценку
// полным проходом по записям в той же транзакции.
type Aggregator struct {
	store  repository.Store
	policy *bluemonday.Policy
	now    func() time.Time
}

// New создаёт агрегатор рейтинга.
func New(store repository.Store) *Aggregator {
	return &Aggregator{
		store:  store,
		policy: bluemonday.StrictPolicy(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SubmitReview сохраняет отзыв и возвращает новый рейтинг магазина.
func (a *Aggregator) SubmitReview(ctx context.Context, r Review) (float64, error) {
	if err := validation.Score(r.Score); err != nil {
		return 0, err
	}
	if err := validation.Required("orderId", r.OrderID); err != nil {
		return 0, err
	}
	comment := a.Sanitize(r.Comment)
	if utf8.RuneCountInString(comment) > MaxCommentLength {
		return 0, model.NewValidationError("comment", fmt.Sprintf("must be at most %d characters", MaxCommentLength))
	}

	var order model.Order
	if err := repository.GetJSON(ctx, a.store, repository.OrderKey(r.OrderID), &order); err != nil {
		if errors.Is(err, repository.ErrDocumentNotFound) {
			return 0, fmt.Errorf("order %s: %w", r.OrderID, model.ErrNotFound)
		}
		return 0, fmt.Errorf("load order: %w", err)
	}
	if err := checkEligible(order, r); err != nil {
		return 0, err
	}

	entry := model.RatingEntry{
		Score:      r.Score,
		Comment:    comment,
		ReviewerID: r.ReviewerID,
		CreatedAt:  a.now(),
	}
	shop, err := repository.UpdateJSON(ctx, a.store, repository.ShopKey(r.ShopID), func(shop *model.Shop, exists bool) (bool, error) {
		if !exists {
			return false, fmt.Errorf("shop %s: %w", r.ShopID, model.ErrNotFound)
		}
		if _, dup := shop.RatingEntries[r.OrderID]; dup {
			return false, model.ErrDuplicateReview
		}
		if shop.RatingEntries == nil {
			shop.RatingEntries = make(map[string]model.RatingEntry)
		}
		shop.RatingEntries[r.OrderID] = entry
		shop.Rating = Average(shop.RatingEntries)
		shop.UpdatedAt = entry.CreatedAt
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	return shop.Rating, nil
}

// ListReviews возвращает отзывы магазина, новые первыми.
func (a *Aggregator) ListReviews(ctx context.Context, shopID string) ([]Review, error) {
	var shop model.Shop
	if err := repository.GetJSON(ctx, a.store, repository.ShopKey(shopID), &shop); err != nil {
		return nil, err
	}
	reviews := make([]Review, 0, len(shop.RatingEntries))
	for orderID, e := range shop.RatingEntries {
		reviews = append(reviews, Review{
			OrderID:    orderID,
			ShopID:     shopID,
			ReviewerID: e.ReviewerID,
			Score:      e.Score,
			Comment:    e.Comment,
			CreatedAt:  e.CreatedAt,
		})
	}
	sort.Slice(reviews, func(i, j int) bool {
		if reviews[i].CreatedAt.Equal(reviews[j].CreatedAt) {
			return reviews[i].OrderID < reviews[j].OrderID
		}
		return reviews[i].CreatedAt.After(reviews[j].CreatedAt)
	})
	return reviews, nil
}

// Average — среднее арифметическое всех оценок, пересчитанное заново.
func Average(entries map[string]model.RatingEntry) float64 {
	if len(entries) == 0 {
		return 0
	}
	var sum int
	for _, e := range entries {
		sum += e.Score
	}
	return float64(sum) / float64(len(entries))
}

// Sanitize удаляет разметку и управляющие символы, приводит текст к NFKC и схлопывает пробелы.
func (a *Aggregator) Sanitize(input string) string {
	text := norm.NFKC.String(a.policy.Sanitize(input))
	text = strings.ReplaceAll(strings.ReplaceAll(text, "\r\n", "\n"), "\r", "\n")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		line = strings.Map(func(r rune) rune {
			if unicode.IsControl(r) {
				return -1
			}
			return r
		}, line)
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func checkEligible(order model.Order, r Review) error {
	switch {
	case order.ShopID != r.ShopID:
		return fmt.Errorf("%w: order belongs to another shop", model.ErrOrderNotEligible)
	case order.UserID != r.ReviewerID:
		return fmt.Errorf("%w: order belongs to another customer", model.ErrOrderNotEligible)
	case order.Status != model.OrderStatusCompleted:
		return fmt.Errorf("%w: order is %s", model.ErrOrderNotEligible, order.Status)
	}
	return nil
}
