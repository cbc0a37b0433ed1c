// Package sequence выдаёт строго возрастающие номера заказов поверх атомарного обновления хранилища.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/mmeshcher/washmart/internal/model"
	"github.com/mmeshcher/washmart/internal/repository"
)

// DefaultSeed — первый номер заказа для неинициализированного счётчика.
const DefaultSeed int64 = 100000

// Generator выдаёт номера заказов. Счётчик изменяется только атомарным инкрементом.
type Generator struct {
	store repository.Store
	key   string
	seed  int64
}

// NewGenerator создаёт генератор номеров с начальным значением seed.
func NewGenerator(store repository.Store, seed int64) *Generator {
	if seed <= 0 {
		seed = DefaultSeed
	}
	return &Generator{
		store: store,
		key:   repository.OrderCounterKey,
		seed:  seed,
	}
}

// Initialize засевает счётчик значением seed, если он ещё не существует.
// Повторные и конкурентные вызовы ничего не меняют и возвращают текущее значение.
func (g *Generator) Initialize(ctx context.Context) (int64, error) {
	data, err := g.store.TransactionalUpdate(ctx, g.key, func(current []byte, exists bool) ([]byte, error) {
		if exists {
			return nil, nil
		}
		return formatValue(g.seed), nil
	})
	if err != nil {
		return 0, unavailable(err)
	}
	return parseValue(data)
}

// Next возвращает следующий номер заказа. Первый вызов на пустом счётчике возвращает seed.
func (g *Generator) Next(ctx context.Context) (int64, error) {
	var next int64
	_, err := g.store.TransactionalUpdate(ctx, g.key, func(current []byte, exists bool) ([]byte, error) {
		if !exists {
			next = g.seed
			return formatValue(next), nil
		}
		value, err := parseValue(current)
		if err != nil {
			return nil, err
		}
		next = value + 1
		return formatValue(next), nil
	})
	if err != nil {
		return 0, unavailable(err)
	}
	return next, nil
}

func formatValue(v int64) []byte {
	return []byte(strconv.FormatInt(v, 10))
}

func parseValue(data []byte) (int64, error) {
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: corrupt counter value %q", model.ErrSequenceUnavailable, data)
	}
	return v, nil
}

func unavailable(err error) error {
	if errors.Is(err, model.ErrSequenceUnavailable) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", model.ErrSequenceUnavailable, err)
}
