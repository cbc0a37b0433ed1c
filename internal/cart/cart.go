// Package cart содержит корзину покупателя. Все позиции непустой корзины относятся к одному магазину.
package cart

import (
	"github.com/mmeshcher/washmart/internal/model"
	"github.com/mmeshcher/washmart/internal/validation"
)

// Cart — упорядоченный список позиций одного магазина. Нулевое значение готово к использованию.
type Cart struct {
	lines []model.CartLine
}

// New собирает корзину из позиций, проверяя каждую так же, как Add.
func New(lines []model.CartLine) (*Cart, error) {
	c := &Cart{}
	for _, line := range lines {
		if err := c.Add(line); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ShopID возвращает магазин корзины или пустую строку для пустой корзины.
func (c *Cart) ShopID() string {
	if len(c.lines) == 0 {
		return ""
	}
	return c.lines[0].ShopID
}

// Lines возвращает копию позиций.
func (c *Cart) Lines() []model.CartLine {
	out := make([]model.CartLine, len(c.lines))
	copy(out, c.lines)
	return out
}

// Len возвращает количество позиций.
func (c *Cart) Len() int { return len(c.lines) }

// Add добавляет позицию. Позиция другого магазина отклоняется с ErrMixedShops.
// Повторная услуга того же типа увеличивает количество существующей позиции.
func (c *Cart) Add(line model.CartLine) error {
	if err := validation.Required("shopId", line.ShopID); err != nil {
		return err
	}
	if err := validation.Required("serviceCategory", line.ServiceCategory); err != nil {
		return err
	}
	if err := validation.Required("serviceType", line.ServiceType); err != nil {
		return err
	}
	if err := validation.Quantity(line.Quantity); err != nil {
		return err
	}
	if shop := c.ShopID(); shop != "" && shop != line.ShopID {
		return model.WrapValidation("shopId", model.ErrMixedShops)
	}

	if i := c.index(line.ServiceCategory, line.ServiceType); i >= 0 {
		merged := c.lines[i].Quantity + line.Quantity
		if err := validation.Quantity(merged); err != nil {
			return err
		}
		c.lines[i].Quantity = merged
		c.lines[i].UnitPrice = line.UnitPrice
		return nil
	}
	c.lines = append(c.lines, line)
	return nil
}

func (c *Cart) index(category, serviceType string) int {
	for i, l := range c.lines {
		if l.ServiceCategory == category && l.ServiceType == serviceType {
			return i
		}
	}
	return -1
}
