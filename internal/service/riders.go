package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/mmeshcher/washmart/internal/model"
	"github.com/mmeshcher/washmart/internal/repository"
	"github.com/mmeshcher/washmart/internal/validation"
)

// RiderProfile — изменяемые магазином данные курьера.
type RiderProfile struct {
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	BikeNumber string `json:"bikeNumber"`
}

func (p RiderProfile) validate() error {
	if err := validation.Required("name", p.Name); err != nil {
		return err
	}
	return validation.Required("phone", p.Phone)
}

func (p RiderProfile) apply(r *model.Rider) {
	r.Name = strings.TrimSpace(p.Name)
	r.Phone = strings.TrimSpace(p.Phone)
	r.BikeNumber = strings.TrimSpace(p.BikeNumber)
}

// AddRider регистрирует курьера магазина. Занятый ID отклоняется с ErrAlreadyExists.
func (s *Service) AddRider(ctx context.Context, actor model.Actor, riderID string, profile RiderProfile) (model.Rider, error) {
	if err := requireShop(actor); err != nil {
		return model.Rider{}, err
	}
	if err := validation.DocumentID("riderId", riderID); err != nil {
		return model.Rider{}, err
	}
	if err := profile.validate(); err != nil {
		return model.Rider{}, err
	}

	now := s.now()
	rider, err := repository.UpdateJSON(ctx, s.store, repository.RiderKey(riderID), func(r *model.Rider, exists bool) (bool, error) {
		if exists {
			return false, fmt.Errorf("rider %s: %w", riderID, model.ErrAlreadyExists)
		}
		*r = model.Rider{ID: riderID, ShopID: actor.ID, CreatedAt: now, UpdatedAt: now}
		profile.apply(r)
		return true, nil
	})
	if err != nil {
		return model.Rider{}, err
	}

	s.logger.Info("rider added", zap.String("riderID", riderID), zap.String("shopID", actor.ID))
	return rider, nil
}

// UpdateRider изменяет данные своего курьера. Чужой курьер не виден.
func (s *Service) UpdateRider(ctx context.Context, actor model.Actor, riderID string, profile RiderProfile) (model.Rider, error) {
	if err := requireShop(actor); err != nil {
		return model.Rider{}, err
	}
	if err := validation.DocumentID("riderId", riderID); err != nil {
		return model.Rider{}, err
	}
	if err := profile.validate(); err != nil {
		return model.Rider{}, err
	}

	return repository.UpdateJSON(ctx, s.store, repository.RiderKey(riderID), func(r *model.Rider, exists bool) (bool, error) {
		if !exists || r.ShopID != actor.ID {
			return false, fmt.Errorf("rider %s: %w", riderID, model.ErrNotFound)
		}
		profile.apply(r)
		r.UpdatedAt = s.now()
		return true, nil
	})
}

// ListRiders возвращает курьеров магазина, упорядоченных по ID.
func (s *Service) ListRiders(ctx context.Context, shopID string) ([]model.Rider, error) {
	docs, err := s.store.List(ctx, repository.RidersPrefix())
	if err != nil {
		return nil, fmt.Errorf("list riders: %w", err)
	}
	riders := make([]model.Rider, 0)
	for key, data := range docs {
		var r model.Rider
		if err := repository.Decode(data, &r); err != nil {
			s.logger.Warn("skipping corrupt rider document", zap.String("key", key), zap.Error(err))
			continue
		}
		if r.ShopID == shopID {
			riders = append(riders, r)
		}
	}
	sort.Slice(riders, func(i, j int) bool { return riders[i].ID < riders[j].ID })
	return riders, nil
}

// RemoveRider удаляет своего курьера.
func (s *Service) RemoveRider(ctx context.Context, actor model.Actor, riderID string) error {
	if err := requireShop(actor); err != nil {
		return err
	}
	if err := validation.DocumentID("riderId", riderID); err != nil {
		return err
	}

	var rider model.Rider
	if err := repository.GetJSON(ctx, s.store, repository.RiderKey(riderID), &rider); err != nil {
		return fmt.Errorf("rider %s: %w", riderID, err)
	}
	if rider.ShopID != actor.ID {
		return fmt.Errorf("rider %s: %w", riderID, model.ErrNotFound)
	}
	if err := s.store.Delete(ctx, repository.RiderKey(riderID)); err != nil {
		return fmt.Errorf("delete rider %s: %w", riderID, err)
	}

	s.logger.Info("rider removed", zap.String("riderID", riderID), zap.String("shopID", actor.ID))
	return nil
}
