package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mmeshcher/washmart/internal/model"
	"github.com/mmeshcher/washmart/internal/repository"
	"github.com/mmeshcher/washmart/internal/validation"
)

// ShopProfile — изменяемые владельцем реквизиты магазина.
type ShopProfile struct {
	Name               string `json:"name"`
	Address            string `json:"address"`
	Phone              string `json:"phone"`
	MinimumOrderAmount int64  `json:"minimumOrderAmount"`
}

// UserProfile — изменяемые покупателем реквизиты профиля.
type UserProfile struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
}

func (p ShopProfile) validate() error {
	if err := validation.Required("name", p.Name); err != nil {
		return err
	}
	return validation.Points("minimumOrderAmount", p.MinimumOrderAmount)
}

// GetShop возвращает магазин. Одновременные чтения одного магазина объединяются.
func (s *Service) GetShop(ctx context.Context, shopID string) (model.Shop, error) {
	if err := validation.Required("shopId", shopID); err != nil {
		return model.Shop{}, err
	}
	v, err, _ := s.shops.Do(shopID, func() (any, error) {
		var shop model.Shop
		if err := repository.GetJSON(ctx, s.store, repository.ShopKey(shopID), &shop); err != nil {
			return model.Shop{}, fmt.Errorf("shop %s: %w", shopID, err)
		}
		return shop, nil
	})
	if err != nil {
		return model.Shop{}, err
	}
	return v.(model.Shop), nil
}

// RegisterShop создаёт магазин владельца. Идентификатор магазина совпадает с ID владельца.
func (s *Service) RegisterShop(ctx context.Context, actor model.Actor, profile ShopProfile) (model.Shop, error) {
	if err := requireShop(actor); err != nil {
		return model.Shop{}, err
	}
	if err := profile.validate(); err != nil {
		return model.Shop{}, err
	}

	shop, err := repository.UpdateJSON(ctx, s.store, repository.ShopKey(actor.ID), func(shop *model.Shop, exists bool) (bool, error) {
		if exists {
			return false, fmt.Errorf("shop %s: %w", actor.ID, model.ErrAlreadyExists)
		}
		*shop = model.Shop{
			ID:                 actor.ID,
			OwnerID:            actor.ID,
			Name:               strings.TrimSpace(profile.Name),
			Address:            profile.Address,
			Phone:              profile.Phone,
			MinimumOrderAmount: profile.MinimumOrderAmount,
			Services:           model.ServiceCatalog{},
			UpdatedAt:          s.now(),
		}
		return true, nil
	})
	if err != nil {
		return model.Shop{}, err
	}
	s.logger.Info("shop registered", zap.String("shopID", shop.ID))
	return shop, nil
}

// UpdateShopProfile обновляет название, адрес, телефон и минимальную сумму заказа.
func (s *Service) UpdateShopProfile(ctx context.Context, actor model.Actor, profile ShopProfile) (model.Shop, error) {
	if err := profile.validate(); err != nil {
		return model.Shop{}, err
	}
	return s.updateOwnShop(ctx, actor, func(shop *model.Shop) error {
		shop.Name = strings.TrimSpace(profile.Name)
		shop.Address = profile.Address
		shop.Phone = profile.Phone
		shop.MinimumOrderAmount = profile.MinimumOrderAmount
		return nil
	})
}

// SetServices заменяет каталог услуг магазина.
func (s *Service) SetServices(ctx context.Context, actor model.Actor, services model.ServiceCatalog) (model.Shop, error) {
	for category, types := range services {
		if err := validation.Required("services", category); err != nil {
			return model.Shop{}, err
		}
		for serviceType, price := range types {
			if err := validation.Required("services."+category, serviceType); err != nil {
				return model.Shop{}, err
			}
			if price <= 0 {
				return model.Shop{}, model.NewValidationError("services."+category+"."+serviceType, "price must be positive")
			}
		}
	}
	return s.updateOwnShop(ctx, actor, func(shop *model.Shop) error {
		shop.Services = services
		return nil
	})
}

// SetPromotion устанавливает акцию магазина.
func (s *Service) SetPromotion(ctx context.Context, actor model.Actor, promo model.Promotion) (model.Shop, error) {
	if err := validation.Required("name", promo.Name); err != nil {
		return model.Shop{}, err
	}
	if err := validation.Required("description", promo.Description); err != nil {
		return model.Shop{}, err
	}
	if err := validation.PercentOff(promo.PercentOff); err != nil {
		return model.Shop{}, err
	}
	return s.updateOwnShop(ctx, actor, func(shop *model.Shop) error {
		p := promo
		shop.Promotion = &p
		return nil
	})
}

// ClearPromotion снимает акцию магазина.
func (s *Service) ClearPromotion(ctx context.Context, actor model.Actor) (model.Shop, error) {
	return s.updateOwnShop(ctx, actor, func(shop *model.Shop) error {
		shop.Promotion = nil
		return nil
	})
}

func (s *Service) updateOwnShop(ctx context.Context, actor model.Actor, apply func(*model.Shop) error) (model.Shop, error) {
	if err := requireShop(actor); err != nil {
		return model.Shop{}, err
	}
	shop, err := repository.UpdateJSON(ctx, s.store, repository.ShopKey(actor.ID), func(shop *model.Shop, exists bool) (bool, error) {
		if !exists {
			return false, fmt.Errorf("shop %s: %w", actor.ID, model.ErrNotFound)
		}
		if err := apply(shop); err != nil {
			return false, err
		}
		shop.UpdatedAt = s.now()
		return true, nil
	})
	if err != nil {
		return model.Shop{}, err
	}
	s.shops.Forget(actor.ID)
	return shop, nil
}

func requireShop(actor model.Actor) error {
	if actor.Role != model.RoleShop || actor.ID == "" {
		return fmt.Errorf("%w: shop role required", model.ErrForbidden)
	}
	return nil
}

// EnsureUser создаёт профиль покупателя при первом входе.
func (s *Service) EnsureUser(ctx context.Context, userID, email string) (model.User, error) {
	if err := validation.Required("userId", userID); err != nil {
		return model.User{}, err
	}
	user, err := repository.UpdateJSON(ctx, s.store, repository.UserKey(userID), func(u *model.User, exists bool) (bool, error) {
		if exists {
			return false, nil
		}
		*u = model.User{ID: userID, Email: email, UpdatedAt: s.now()}
		return true, nil
	})
	if err != nil {
		return model.User{}, err
	}
	return s.withBalance(ctx, user)
}

// GetUser возвращает профиль покупателя с актуальным балансом баллов из журнала.
func (s *Service) GetUser(ctx context.Context, userID string) (model.User, error) {
	if err := validation.Required("userId", userID); err != nil {
		return model.User{}, err
	}
	var user model.User
	if err := repository.GetJSON(ctx, s.store, repository.UserKey(userID), &user); err != nil {
		return model.User{}, fmt.Errorf("user %s: %w", userID, err)
	}
	return s.withBalance(ctx, user)
}

// UpdateUserProfile обновляет профиль покупателя, создавая его при отсутствии.
func (s *Service) UpdateUserProfile(ctx context.Context, userID string, profile UserProfile) (model.User, error) {
	if err := validation.Required("userId", userID); err != nil {
		return model.User{}, err
	}
	user, err := repository.UpdateJSON(ctx, s.store, repository.UserKey(userID), func(u *model.User, _ bool) (bool, error) {
		u.ID = userID
		u.Name = profile.Name
		u.Email = profile.Email
		u.Phone = profile.Phone
		u.Address = profile.Address
		u.UpdatedAt = s.now()
		return true, nil
	})
	if err != nil {
		return model.User{}, err
	}
	return s.withBalance(ctx, user)
}

// GetUserRewardBalance возвращает баланс баллов покупателя.
func (s *Service) GetUserRewardBalance(ctx context.Context, userID string) (int64, error) {
	if err := validation.Required("userId", userID); err != nil {
		return 0, err
	}
	return s.ledger.Balance(ctx, userID)
}

func (s *Service) withBalance(ctx context.Context, user model.User) (model.User, error) {
	balance, err := s.ledger.Balance(ctx, user.ID)
	if err != nil {
		return model.User{}, fmt.Errorf("load reward balance: %w", err)
	}
	user.RewardPointBalance = balance
	return user, nil
}
