// Package main запускает HTTP-сервер сервиса washmart.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/google/gops/agent"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/washmart/internal/config"
	"github.com/mmeshcher/washmart/internal/events"
	"github.com/mmeshcher/washmart/internal/handler"
	"github.com/mmeshcher/washmart/internal/ledger"
	"github.com/mmeshcher/washmart/internal/middleware"
	"github.com/mmeshcher/washmart/internal/payment"
	"github.com/mmeshcher/washmart/internal/pricing"
	"github.com/mmeshcher/washmart/internal/repository"
	"github.com/mmeshcher/washmart/internal/sequence"
	"github.com/mmeshcher/washmart/internal/service"
	"github.com/mmeshcher/washmart/internal/telemetry"
)

const serviceName = "washmart"

var version = "dev"

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("application terminated with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	cfg, err := config.Parse()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.DebugAgent {
		if err := agent.Listen(agent.Options{}); err != nil {
			logger.Warn("failed to start gops agent", zap.Error(err))
		} else {
			defer agent.Close()
		}
	}

	tel, err := telemetry.Initialize(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("telemetry initialization error: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown error", zap.Error(err))
		}
	}()

	metrics, err := telemetry.NewMetrics(tel.Meter(serviceName))
	if err != nil {
		return fmt.Errorf("metrics initialization error: %w", err)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("storage initialization error: %w", err)
	}
	logger.Info("document store ready", zap.String("backend", cfg.StorageBackend))

	publisher, cleanup, err := openPublisher(ctx, cfg, logger)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("events initialization error: %w", err)
	}
	defer cleanup()
	async := events.NewAsync(publisher, cfg.EventsBackend, logger, metrics, cfg.EventsQueueSize)

	rewards := ledger.New(store, cfg.RewardAccrualPercent)
	svc := service.NewService(service.Deps{
		Store:     store,
		Sequence:  sequence.NewGenerator(store, cfg.OrderNumberSeed),
		Ledger:    rewards,
		Pricing:   pricing.New(cfg.UrgentSurchargePercent, rewards.Accrual),
		Publisher: async,
		Metrics:   metrics,
		Logger:    logger,
	}, service.Config{
		CustomerCancelAllowed: cfg.CustomerCancelAllowed,
		ReconcileInterval:     cfg.ReconcileInterval,
		ReconcileStaleAfter:   cfg.ReconcileStaleAfter,
	})
	defer svc.Close()

	if err := svc.Initialize(ctx); err != nil {
		return fmt.Errorf("order number counter initialization error: %w", err)
	}

	var opts []handler.Option
	if cfg.FirebaseProjectID != "" {
		verifier, err := middleware.NewFirebaseVerifier(ctx, cfg.FirebaseProjectID, cfg.FirebaseCredentialsFile)
		if err != nil {
			return fmt.Errorf("firebase initialization error: %w", err)
		}
		opts = append(opts, handler.WithTokenVerifier(verifier))
	} else {
		logger.Warn("FIREBASE_PROJECT_ID is not set, sign-in is disabled")
	}
	if cfg.StripeWebhookSecret != "" {
		webhook, err := payment.NewStripeWebhook(cfg.StripeWebhookSecret)
		if err != nil {
			return fmt.Errorf("stripe initialization error: %w", err)
		}
		opts = append(opts, handler.WithPaymentWebhook(webhook))
	}
	if cfg.AuthSecret == "" {
		logger.Warn("AUTH_SECRET is not set, sessions will not survive a restart")
	}

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware, opts...)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return async.Run(ctx)
	})

	g.Go(func() error {
		return svc.StartReconciliation(ctx)
	})

	g.Go(func() error {
		logger.Info("starting washmart server", zap.String("addr", cfg.RunAddress), zap.String("version", version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		logger.Info("server stopped gracefully")
		return nil
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config) (repository.Store, error) {
	switch cfg.StorageBackend {
	case config.StoragePostgres:
		return repository.NewPostgresRepository(ctx, cfg.DatabaseURI)
	case config.StorageFirestore:
		return repository.NewFirestoreRepository(ctx, cfg.FirestoreProjectID)
	case config.StorageMongo:
		return repository.NewMongoRepository(ctx, cfg.MongoURI, cfg.MongoDatabase)
	case config.StorageMemory:
		return repository.NewMemoryRepository(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// openPublisher создаёт публикатор событий. cleanup освобождает ресурсы,
// которые не закрывает сам публикатор.
func openPublisher(ctx context.Context, cfg *config.Config, logger *zap.Logger) (events.Publisher, func(), error) {
	noop := func() {}

	switch cfg.EventsBackend {
	case events.BackendKafka:
		writer, err := events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, noop, err
		}
		p, err := events.NewKafkaPublisher(writer)
		return p, noop, err

	case events.BackendPubSub:
		client, err := pubsub.NewClient(ctx, cfg.PubSubProjectID)
		if err != nil {
			return nil, noop, fmt.Errorf("create pubsub client: %w", err)
		}
		topic := client.Topic(cfg.PubSubTopic)
		topic.EnableMessageOrdering = true
		p, err := events.NewPubSubPublisher(events.WrapTopic(topic))
		if err != nil {
			_ = client.Close()
			return nil, noop, err
		}
		return p, func() {
			if err := client.Close(); err != nil {
				logger.Warn("failed to close pubsub client", zap.Error(err))
			}
		}, nil

	case events.BackendWebhook:
		return events.NewWebhookPublisher(cfg.EventsWebhookURL), noop, nil

	default:
		return events.NewLogPublisher(logger), noop, nil
	}
}
