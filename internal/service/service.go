// Package service реализует бизнес-логику сервиса прачечных washmart:
// оформление заказов, жизненный цикл, баллы, отзывы и профили.
package service

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mmeshcher/washmart/internal/events"
	"github.com/mmeshcher/washmart/internal/ledger"
	"github.com/mmeshcher/washmart/internal/pricing"
	"github.com/mmeshcher/washmart/internal/rating"
	"github.com/mmeshcher/washmart/internal/repository"
	"github.com/mmeshcher/washmart/internal/sequence"
	"github.com/mmeshcher/washmart/internal/telemetry"
)

const (
	normalDeliveryAfter = 72 * time.Hour
	urgentDeliveryAfter = 24 * time.Hour

	defaultReconcileInterval = 30 * time.Second
	defaultStaleAfter        = 2 * time.Minute
)

// Config содержит политики сервиса.
type Config struct {
	// CustomerCancelAllowed разрешает покупателю отменять заказ в статусе pending.
	CustomerCancelAllowed bool
	ReconcileInterval     time.Duration
	// ReconcileStaleAfter — возраст незавершённого оформления, после которого его доводит сверка.
	ReconcileStaleAfter time.Duration
}

// Deps содержит зависимости сервиса. Обязательно только Store,
// остальные при отсутствии создаются со значениями по умолчанию.
type Deps struct {
	Store     repository.Store
	Sequence  *sequence.Generator
	Ledger    *ledger.Ledger
	Pricing   *pricing.Engine
	Rating    *rating.Aggregator
	Publisher events.Publisher
	Metrics   *telemetry.Metrics
	Logger    *zap.Logger
	Clock     func() time.Time
	NewID     func() string
}

// Service содержит бизнес-логику сервиса washmart.
type Service struct {
	store     repository.Store
	sequence  *sequence.Generator
	ledger    *ledger.Ledger
	pricing   *pricing.Engine
	rating    *rating.Aggregator
	publisher events.Publisher
	metrics   *telemetry.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
	newID     func() string
	cfg       Config

	shops singleflight.Group
}

// NewService создаёт сервис.
func NewService(deps Deps, cfg Config) *Service {
	s := &Service{
		store:     deps.Store,
		sequence:  deps.Sequence,
		ledger:    deps.Ledger,
		pricing:   deps.Pricing,
		rating:    deps.Rating,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		tracer:    otel.Tracer("github.com/mmeshcher/washmart/internal/service"),
		now:       deps.Clock,
		newID:     deps.NewID,
		cfg:       cfg,
	}

	if s.sequence == nil {
		s.sequence = sequence.NewGenerator(s.store, sequence.DefaultSeed)
	}
	if s.ledger == nil {
		s.ledger = ledger.New(s.store, ledger.DefaultAccrualPercent)
	}
	if s.pricing == nil {
		s.pricing = pricing.New(pricing.DefaultUrgentSurchargePercent, s.ledger.Accrual)
	}
	if s.rating == nil {
		s.rating = rating.New(s.store)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.publisher == nil {
		s.publisher = events.NewLogPublisher(s.logger)
	}
	if s.metrics == nil {
		s.metrics = telemetry.NewNoopMetrics()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.newID == nil {
		s.newID = func() string { return ulid.Make().String() }
	}
	if s.cfg.ReconcileInterval <= 0 {
		s.cfg.ReconcileInterval = defaultReconcileInterval
	}
	if s.cfg.ReconcileStaleAfter <= 0 {
		s.cfg.ReconcileStaleAfter = defaultStaleAfter
	}
	return s
}

// Close закрывает публикатор событий и хранилище.
func (s *Service) Close() error {
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.logger.Warn("failed to close event publisher", zap.Error(err))
		}
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// Ping проверяет доступность хранилища.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Initialize подготавливает счётчик номеров заказов.
func (s *Service) Initialize(ctx context.Context) error {
	n, err := s.sequence.Initialize(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("order number counter ready", zap.Int64("current", n))
	return nil
}
