// Package config содержит логику чтения конфигурации сервиса washmart.
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/mmeshcher/washmart/internal/events"
)

// Хранилища документов.
const (
	StoragePostgres  = "postgres"
	StorageFirestore = "firestore"
	StorageMongo     = "mongo"
	StorageMemory    = "memory"
)

// Config содержит параметры конфигурации сервиса washmart.
type Config struct {
	RunAddress     string `env:"RUN_ADDRESS"`
	DatabaseURI    string `env:"DATABASE_URI"`
	StorageBackend string `env:"STORAGE_BACKEND"`

	FirestoreProjectID string `env:"FIRESTORE_PROJECT_ID"`
	MongoURI           string `env:"MONGO_URI"`
	MongoDatabase      string `env:"MONGO_DATABASE" envDefault:"washmart"`

	AuthSecret string `env:"AUTH_SECRET"`

	OrderNumberSeed        int64         `env:"ORDER_NUMBER_SEED" envDefault:"100000"`
	RewardAccrualPercent   int64         `env:"REWARD_ACCRUAL_PERCENT" envDefault:"3"`
	UrgentSurchargePercent int64         `env:"URGENT_SURCHARGE_PERCENT" envDefault:"10"`
	CustomerCancelAllowed  bool          `env:"CUSTOMER_CANCEL_ALLOWED" envDefault:"false"`
	ReconcileInterval      time.Duration `env:"RECONCILE_INTERVAL" envDefault:"30s"`
	ReconcileStaleAfter    time.Duration `env:"RECONCILE_STALE_AFTER" envDefault:"2m"`

	EventsBackend    string   `env:"EVENTS_BACKEND" envDefault:"log"`
	EventsQueueSize  int      `env:"EVENTS_QUEUE_SIZE" envDefault:"1024"`
	KafkaBrokers     []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic       string   `env:"KAFKA_TOPIC" envDefault:"washmart.order-events"`
	PubSubProjectID  string   `env:"PUBSUB_PROJECT_ID"`
	PubSubTopic      string   `env:"PUBSUB_TOPIC" envDefault:"order-events"`
	EventsWebhookURL string   `env:"EVENTS_WEBHOOK_URL"`

	StripeWebhookSecret     string `env:"STRIPE_WEBHOOK_SECRET"`
	FirebaseProjectID       string `env:"FIREBASE_PROJECT_ID"`
	FirebaseCredentialsFile string `env:"FIREBASE_CREDENTIALS_FILE"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Environment  string `env:"ENVIRONMENT" envDefault:"development"`
	DebugAgent   bool   `env:"DEBUG_AGENT" envDefault:"false"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envStorageBackend := cfg.StorageBackend

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.StorageBackend, "s", "", "document store: postgres, firestore, mongo or memory")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envStorageBackend != "" {
		cfg.StorageBackend = envStorageBackend
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.StorageBackend == "" {
		cfg.StorageBackend = StorageMemory
		if cfg.DatabaseURI != "" {
			cfg.StorageBackend = StoragePostgres
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate проверяет согласованность параметров.
func (c *Config) Validate() error {
	var errs []error

	switch c.StorageBackend {
	case StoragePostgres:
		if c.DatabaseURI == "" {
			errs = append(errs, errors.New("DATABASE_URI is required for the postgres store"))
		}
	case StorageFirestore:
		if c.FirestoreProjectID == "" {
			errs = append(errs, errors.New("FIRESTORE_PROJECT_ID is required for the firestore store"))
		}
	case StorageMongo:
		if c.MongoURI == "" {
			errs = append(errs, errors.New("MONGO_URI is required for the mongo store"))
		}
	case StorageMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend))
	}

	if err := events.ValidateBackend(c.EventsBackend); err != nil {
		errs = append(errs, err)
	}
	switch c.EventsBackend {
	case events.BackendKafka:
		if len(c.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("KAFKA_BROKERS is required for the kafka events backend"))
		}
	case events.BackendPubSub:
		if c.PubSubProjectID == "" {
			errs = append(errs, errors.New("PUBSUB_PROJECT_ID is required for the pubsub events backend"))
		}
	case events.BackendWebhook:
		if c.EventsWebhookURL == "" {
			errs = append(errs, errors.New("EVENTS_WEBHOOK_URL is required for the webhook events backend"))
		}
	}

	if c.OrderNumberSeed <= 0 {
		errs = append(errs, errors.New("ORDER_NUMBER_SEED must be positive"))
	}
	if c.RewardAccrualPercent < 0 || c.RewardAccrualPercent > 100 {
		errs = append(errs, errors.New("REWARD_ACCRUAL_PERCENT must be within [0, 100]"))
	}
	if c.UrgentSurchargePercent < 0 {
		errs = append(errs, errors.New("URGENT_SURCHARGE_PERCENT must not be negative"))
	}
	if c.ReconcileInterval <= 0 || c.ReconcileStaleAfter <= 0 {
		errs = append(errs, errors.New("reconciliation interval and stale age must be positive"))
	}

	return errors.Join(errs...)
}
