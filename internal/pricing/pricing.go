// Package pricing рассчитывает стоимость корзины: скидку по акции, наценку за срочность,
// списание баллов и начисляемые баллы.
package pricing

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/washmart/internal/model"
	"github.com/mmeshcher/washmart/internal/validation"
)

// DefaultUrgentSurchargePercent — наценка за срочную доставку.
const DefaultUrgentSurchargePercent int64 = 10

// maxAmount ограничивает суммы заказа так, чтобы процентные расчёты не переполняли int64.
const maxAmount = math.MaxInt64 / 100

var hundred = decimal.NewFromInt(100)

// AccrualFunc возвращает количество баллов за заказ с указанной суммой по прейскуранту.
type AccrualFunc func(listSubtotal int64) int64

// QuoteInput содержит всё, что нужно для расчёта. Цены берутся из каталога Shop.
type QuoteInput struct {
	Lines               []model.CartLine
	Shop                model.Shop
	DeliveryOption      model.DeliveryOption
	RequestedRedemption int64
	UserBalance         int64
}

// Engine — чистый калькулятор стоимости без обращения к хранилищу.
type Engine struct {
	surchargePercent int64
	accrual          AccrualFunc
}

// New создаёт калькулятор. Отрицательный процент наценки заменяется значением по умолчанию.
func New(surchargePercent int64, accrual AccrualFunc) *Engine {
	if surchargePercent < 0 {
		surchargePercent = DefaultUrgentSurchargePercent
	}
	if accrual == nil {
		accrual = func(int64) int64 { return 0 }
	}
	return &Engine{surchargePercent: surchargePercent, accrual: accrual}
}

// Quote рассчитывает итог корзины. Повторный вызов с теми же данными даёт тот же результат.
func (e *Engine) Quote(in QuoteInput) (model.Quote, error) {
	if len(in.Lines) == 0 {
		return model.Quote{}, model.NewValidationError("lines", "cart is empty")
	}
	if err := validation.DeliveryOption(in.DeliveryOption); err != nil {
		return model.Quote{}, err
	}
	if err := validation.Points("redeemPoints", in.RequestedRedemption); err != nil {
		return model.Quote{}, err
	}

	percentOff := activePercentOff(in.Shop.Promotion)

	q := model.Quote{Lines: make([]model.OrderItem, 0, len(in.Lines))}
	for _, line := range in.Lines {
		if line.ShopID != "" && line.ShopID != in.Shop.ID {
			return model.Quote{}, model.WrapValidation("lines", model.ErrMixedShops)
		}
		if err := validation.Quantity(line.Quantity); err != nil {
			return model.Quote{}, err
		}
		listPrice, ok := in.Shop.Services.Price(line.ServiceCategory, line.ServiceType)
		if !ok {
			return model.Quote{}, model.NewValidationError("lines",
				"shop does not offer "+line.ServiceCategory+"/"+line.ServiceType)
		}
		if listPrice <= 0 {
			return model.Quote{}, model.NewValidationError("lines",
				"service "+line.ServiceCategory+"/"+line.ServiceType+" has no valid price")
		}

		unit := DiscountedPrice(listPrice, percentOff)
		lineTotal, err := mulAmount(unit, line.Quantity)
		if err != nil {
			return model.Quote{}, err
		}
		listTotal, err := mulAmount(listPrice, line.Quantity)
		if err != nil {
			return model.Quote{}, err
		}
		item := model.OrderItem{
			ServiceCategory: line.ServiceCategory,
			ServiceType:     line.ServiceType,
			ListPrice:       listPrice,
			UnitPrice:       unit,
			Quantity:        line.Quantity,
			LineTotal:       lineTotal,
		}
		q.Lines = append(q.Lines, item)
		if q.ListSubtotal, err = addAmount(q.ListSubtotal, listTotal); err != nil {
			return model.Quote{}, err
		}
		if q.Subtotal, err = addAmount(q.Subtotal, lineTotal); err != nil {
			return model.Quote{}, err
		}
	}

	q.Discount = q.ListSubtotal - q.Subtotal
	if in.DeliveryOption == model.DeliveryUrgent {
		surcharge := decimal.NewFromInt(q.Subtotal).
			Mul(decimal.NewFromInt(e.surchargePercent)).
			Div(hundred).
			Floor()
		if surcharge.GreaterThan(decimal.NewFromInt(maxAmount)) {
			return model.Quote{}, errAmountTooLarge()
		}
		q.Surcharge = surcharge.IntPart()
	}
	var err error
	if q.TotalBeforeRedemption, err = addAmount(q.Subtotal, q.Surcharge); err != nil {
		return model.Quote{}, err
	}

	if q.TotalBeforeRedemption < in.Shop.MinimumOrderAmount {
		return model.Quote{}, model.ErrBelowMinimumOrder
	}

	q.Redemption = min(in.RequestedRedemption, max(in.UserBalance, 0), q.TotalBeforeRedemption)
	q.Total = max(q.TotalBeforeRedemption-q.Redemption, 0)
	q.PointsEarned = e.accrual(q.ListSubtotal)

	return q, nil
}

// DiscountedPrice применяет скидку к цене одной единицы с округлением до целого (половина вверх).
func DiscountedPrice(listPrice, percentOff int64) int64 {
	if percentOff <= 0 {
		return listPrice
	}
	return decimal.NewFromInt(listPrice).
		Mul(decimal.NewFromInt(100 - percentOff)).
		Div(hundred).
		Round(0).
		IntPart()
}

func activePercentOff(p *model.Promotion) int64 {
	if p == nil || validation.PercentOff(p.PercentOff) != nil {
		return 0
	}
	return p.PercentOff
}

func errAmountTooLarge() error {
	return model.NewValidationError("lines", "order amount is too large")
}

// mulAmount перемножает неотрицательные сумму и количество с проверкой переполнения.
func mulAmount(amount, qty int64) (int64, error) {
	if qty != 0 && amount > maxAmount/qty {
		return 0, errAmountTooLarge()
	}
	return amount * qty, nil
}

func addAmount(a, b int64) (int64, error) {
	if a > maxAmount-b {
		return 0, errAmountTooLarge()
	}
	return a + b, nil
}
