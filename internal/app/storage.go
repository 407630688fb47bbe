package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orders/internal/domain"
	"github.com/vladislavdragonenkov/orders/internal/storage/memory"
	"github.com/vladislavdragonenkov/orders/internal/storage/postgres"
	redisstore "github.com/vladislavdragonenkov/orders/internal/storage/redis"
)

// runtimeDependencies: хранилища и блокировка, выбранные конфигурацией.
type runtimeDependencies struct {
	store           domain.OrderStore
	outboxRepo      domain.OutboxRepository
	timelineRepo    domain.TimelineRepository
	idempotencyRepo domain.IdempotencyRepository
	locker          domain.SettlementLocker

	postgres *postgres.Store
	redis    goredis.UniversalClient
	lock     *redisstore.SettlementLocker
}

// initRuntimeDependencies открывает хранилище и блокировку оплаты.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	deps := &runtimeDependencies{}

	switch strings.ToLower(strings.TrimSpace(cfg.StorageDriver)) {
	case "", StorageDriverMemory:
		deps.store = memory.NewOrderStore()
		deps.outboxRepo = memory.NewOutboxRepository()
		deps.timelineRepo = memory.NewTimelineRepository()
		deps.idempotencyRepo = memory.NewIdempotencyRepository()
		logger.Info("using in-memory storage")
	case StorageDriverPostgres:
		if strings.TrimSpace(cfg.PostgresDSN) == "" {
			return nil, errors.New("postgres dsn is required for postgres storage driver")
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		if cfg.PostgresAutoMigrate {
			if err := store.MigrateUp(ctx, 0); err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("apply postgres migrations: %w", err)
			}
			logger.Info("postgres migrations applied")
		}
		deps.postgres = store
		deps.store = postgres.NewOrderStore(store)
		deps.outboxRepo = postgres.NewOutboxRepository(store)
		deps.timelineRepo = postgres.NewTimelineRepository(store)
		deps.idempotencyRepo = postgres.NewIdempotencyRepository(store)
		logger.Info("using postgres storage")
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.StorageDriver)
	}

	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		client := goredis.NewClient(&goredis.Options{Addr: addr})
		deps.redis = client
		deps.lock = redisstore.NewSettlementLocker(client,
			redisstore.WithLogger(logger.WithField("component", "settlement-lock")))
		deps.locker = deps.lock
		logger.WithField("redis_addr", addr).Info("using redis settlement lock")
	} else {
		deps.locker = memory.NewSettlementLocker()
	}

	return deps, nil
}

// Close освобождает соединения хранилищ.
func (d *runtimeDependencies) Close(logger *log.Entry) {
	if d == nil {
		return
	}
	if d.redis != nil {
		if err := d.redis.Close(); err != nil {
			logger.WithError(err).Warn("failed to close redis client")
		}
	}
	if d.postgres != nil {
		if err := d.postgres.Close(); err != nil {
			logger.WithError(err).Warn("failed to close postgres store")
		}
	}
}
