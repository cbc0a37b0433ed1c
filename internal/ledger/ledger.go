// Package ledger ведёт баланс бонусных баллов пользователей.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/washmart/internal/model"
	"github.com/mmeshcher/washmart/internal/repository"
)

// DefaultAccrualPercent — доля суммы заказа, начисляемая баллами.
const DefaultAccrualPercent int64 = 3

const reversalSuffix = ":reversal"

type account struct {
	Balance   int64            `json:"balance"`
	Entries   map[string]int64 `json:"entries"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// Ledger изменяет баланс только транзакционным чтением-изменением-записью документа rewards/{userID}.
type Ledger struct {
	store          repository.Store
	accrualPercent int64
	now            func() time.Time
}

// New создаёт журнал баллов с заданным процентом начисления.
func New(store repository.Store, accrualPercent int64) *Ledger {
	if accrualPercent < 0 {
		accrualPercent = DefaultAccrualPercent
	}
	return &Ledger{
		store:          store,
		accrualPercent: accrualPercent,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Accrual возвращает количество баллов за заказ с указанной суммой (с округлением вниз).
func (l *Ledger) Accrual(subtotal int64) int64 {
	if subtotal <= 0 {
		return 0
	}
	return subtotal * l.accrualPercent / 100
}

// Balance возвращает текущий баланс. Отсутствующий счёт имеет нулевой баланс.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	var acc account
	err := repository.GetJSON(ctx, l.store, repository.RewardsKey(userID), &acc)
	if err != nil {
		if errors.Is(err, repository.ErrDocumentNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("get reward balance: %w", err)
	}
	return acc.Balance, nil
}

// Credit начисляет points баллов и возвращает новый баланс.
func (l *Ledger) Credit(ctx context.Context, userID string, points int64) (int64, error) {
	if points < 0 {
		return 0, model.NewValidationError("points", "must not be negative")
	}
	return l.Apply(ctx, userID, uuid.NewString(), points)
}

// Debit списывает points баллов. Списание сверх баланса отклоняется с ErrInsufficientBalance.
func (l *Ledger) Debit(ctx context.Context, userID string, points int64) (int64, error) {
	if points < 0 {
		return 0, model.NewValidationError("points", "must not be negative")
	}
	return l.Apply(ctx, userID, uuid.NewString(), -points)
}

// Apply применяет изменение delta под идентификатором opID ровно один раз.
// Повтор с тем же opID ничего не меняет и возвращает текущий баланс.
func (l *Ledger) Apply(ctx context.Context, userID, opID string, delta int64) (int64, error) {
	if userID == "" {
		return 0, model.NewValidationError("userId", "is required")
	}
	if opID == "" {
		return 0, model.NewValidationError("opId", "is required")
	}

	acc, err := repository.UpdateJSON(ctx, l.store, repository.RewardsKey(userID), func(acc *account, _ bool) (bool, error) {
		if _, done := acc.Entries[opID]; done {
			return false, nil
		}
		if acc.Balance+delta < 0 {
			return false, fmt.Errorf("%w: balance %d, requested %d", model.ErrInsufficientBalance, acc.Balance, -delta)
		}
		l.record(acc, opID, delta)
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	return acc.Balance, nil
}

// Reverse однократно отменяет операцию opID. Отмена начисления ограничена текущим
// балансом, поэтому баланс не становится отрицательным. Возвращает фактически
// применённое изменение; для неизвестной операции изменение равно нулю.
func (l *Ledger) Reverse(ctx context.Context, userID, opID string) (int64, error) {
	var applied int64
	_, err := repository.UpdateJSON(ctx, l.store, repository.RewardsKey(userID), func(acc *account, _ bool) (bool, error) {
		applied = 0
		original, ok := acc.Entries[opID]
		if !ok {
			return false, nil
		}
		if _, done := acc.Entries[opID+reversalSuffix]; done {
			return false, nil
		}
		delta := -original
		if acc.Balance+delta < 0 {
			delta = -acc.Balance
		}
		l.record(acc, opID+reversalSuffix, delta)
		applied = delta
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	return applied, nil
}

// Applied сообщает, была ли операция opID уже учтена.
func (l *Ledger) Applied(ctx context.Context, userID, opID string) (bool, error) {
	var acc account
	err := repository.GetJSON(ctx, l.store, repository.RewardsKey(userID), &acc)
	if err != nil {
		if errors.Is(err, repository.ErrDocumentNotFound) {
			return false, nil
		}
		return false, err
	}
	_, ok := acc.Entries[opID]
	return ok, nil
}

func (l *Ledger) record(acc *account, opID string, delta int64) {
	if acc.Entries == nil {
		acc.Entries = make(map[string]int64)
	}
	acc.Entries[opID] = delta
	acc.Balance += delta
	acc.UpdatedAt = l.now()
}
