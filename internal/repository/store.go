// Package repository содержит документное хранилище сервиса и его реализации
// поверх PostgreSQL, Firestore, MongoDB и памяти процесса.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/mmeshcher/washmart/internal/model"
)

var (
	// ErrDocumentNotFound возвращается, если документ по ключу отсутствует.
	ErrDocumentNotFound = fmt.Errorf("document %w", model.ErrNotFound)
	// ErrConflict возвращается, если атомарное обновление не удалось после всех повторов.
	ErrConflict = errors.New("document update conflict")
	// ErrUnavailable возвращается при временной недоступности хранилища.
	ErrUnavailable = errors.New("document store unavailable")
)

// UpdateFunc получает текущее значение документа и возвращает новое.
// Возврат nil без ошибки означает «ничего не менять». Функция может
// вызываться несколько раз при повторе транзакции, поэтому не должна иметь побочных эффектов.
type UpdateFunc func(current []byte, exists bool) ([]byte, error)

// Store описывает документное хранилище с единственным атомарным примитивом TransactionalUpdate.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	TransactionalUpdate(ctx context.Context, key string, fn UpdateFunc) ([]byte, error)
	List(ctx context.Context, prefix string) (map[string][]byte, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// Ключи документов.
const (
	OrderCounterKey = "counters/orders"

	shopsPrefix     = "shops/"
	usersPrefix     = "users/"
	rewardsPrefix   = "rewards/"
	ordersPrefix    = "orders/"
	checkoutsPrefix = "checkouts/"
	ridersPrefix    = "riders/"
)

func ShopKey(id string) string     { return shopsPrefix + id }
func UserKey(id string) string     { return usersPrefix + id }
func RewardsKey(id string) string  { return rewardsPrefix + id }
func OrderKey(id string) string    { return ordersPrefix + id }
func CheckoutKey(id string) string { return checkoutsPrefix + id }
func RiderKey(id string) string    { return ridersPrefix + id }

// OrdersPrefix, CheckoutsPrefix и RidersPrefix используются для выборок List.
func OrdersPrefix() string    { return ordersPrefix }
func CheckoutsPrefix() string { return checkoutsPrefix }
func RidersPrefix() string    { return ridersPrefix }

// IDFromKey отрезает префикс коллекции от ключа документа.
func IDFromKey(key string) string {
	if i := strings.LastIndexByte(key, '/'); i >= 0 {
		return key[i+1:]
	}
	return key
}

// Encode сериализует значение документа.
func Encode(v any) ([]byte, error) {
	data, err := sonic.ConfigStd.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return data, nil
}

// Decode десериализует значение документа.
func Decode(data []byte, v any) error {
	if err := sonic.ConfigStd.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

// GetJSON читает документ и декодирует его в v.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	return Decode(data, v)
}

// UpdateJSON выполняет TransactionalUpdate над типизированным документом.
// mutate получает указатель на текущее значение (нулевое, если документа нет)
// и возвращает false, если изменять документ не требуется.
func UpdateJSON[T any](ctx context.Context, s Store, key string, mutate func(doc *T, exists bool) (bool, error)) (T, error) {
	var result T
	_, err := s.TransactionalUpdate(ctx, key, func(current []byte, exists bool) ([]byte, error) {
		var doc T
		if exists {
			if err := Decode(current, &doc); err != nil {
				return nil, err
			}
		}
		changed, err := mutate(&doc, exists)
		if err != nil {
			return nil, err
		}
		result = doc
		if !changed {
			return nil, nil
		}
		return Encode(doc)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
