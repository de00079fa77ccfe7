package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/backoffice/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/backoffice/internal/health"
	"github.com/vladislavdragonenkov/backoffice/internal/storage/memory"
	"github.com/vladislavdragonenkov/backoffice/internal/storage/postgres"
)

// demoCustomerID — клиент, который сидируется в memory-хранилище, чтобы
// приложение можно было пощупать без подготовки данных.
const demoCustomerID = "demo-customer"

// runtimeDependencies агрегирует хранилища, выбранные по конфигурации.
type runtimeDependencies struct {
	customers       domain.CustomerLookup
	catalog         domain.ProductCatalog
	orders          domain.OrderStore
	outboxRepo      domain.OutboxRepository
	idempotencyRepo domain.IdempotencyRepository

	// placement заполняется только для postgres: списание остатков и заказ
	// фиксируются одной транзакцией. Memory-режим работает двумя вызовами.
	placement domain.PlacementStore

	storageChecker healthcheck.Checker
	closeFn        func() error
}

// initRuntimeDependencies создаёт зависимости хранилища для выбранного драйвера.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (runtimeDependencies, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	switch cfg.StorageDriver {
	case StorageDriverMemory, "":
		return initMemoryDependencies(logger), nil
	case StorageDriverPostgres:
		return initPostgresDependencies(ctx, cfg, logger)
	default:
		return runtimeDependencies{}, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

func initMemoryDependencies(logger *log.Entry) runtimeDependencies {
	customers := memory.NewCustomerRepository()
	customers.Seed(domain.Customer{
		ID:        demoCustomerID,
		Name:      "Demo Customer",
		CreatedAt: time.Now().UTC(),
	})
	logger.WithField("customer_id", demoCustomerID).Info("memory storage initialized with demo customer")

	return runtimeDependencies{
		customers:       customers,
		catalog:         memory.NewProductRepository(),
		orders:          memory.NewOrderRepository(),
		outboxRepo:      memory.NewOutboxRepository(),
		idempotencyRepo: memory.NewIdempotencyRepository(),
	}
}

func initPostgresDependencies(ctx context.Context, cfg Config, logger *log.Entry) (runtimeDependencies, error) {
	if cfg.PostgresDSN == "" {
		return runtimeDependencies{}, errors.New("postgres dsn is required for postgres storage driver")
	}

	store, err := postgres.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return runtimeDependencies{}, fmt.Errorf("open postgres storage: %w", err)
	}

	if cfg.PostgresAutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return runtimeDependencies{}, fmt.Errorf("apply postgres migrations: %w", err)
		}
		logger.Info("postgres migrations applied")
	}

	checker := healthcheck.NewPingChecker("storage", store)

	return runtimeDependencies{
		customers:       postgres.NewCustomerRepository(store),
		catalog:         postgres.NewProductRepository(store),
		orders:          postgres.NewOrderRepository(store),
		outboxRepo:      postgres.NewOutboxRepository(store),
		idempotencyRepo: postgres.NewIdempotencyRepository(store),
		placement:       postgres.NewPlacementRepository(store),
		storageChecker:  checker,
		closeFn:         store.Close,
	}, nil
}
