// Package idempotency удаляет просроченные ответы, сохранённые по
// x-idempotency-key.
package idempotency

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orders/internal/domain"
)

const (
	defaultInterval  = 10 * time.Minute
	defaultBatchSize = 500
)

// Observer получает результат каждого прохода очистки.
type Observer interface {
	RecordIdempotencyCleanup(deleted int, err error)
}

// Cleaner периодически удаляет записи с истёкшим TTL.
type Cleaner struct {
	repo      domain.IdempotencyRepository
	observer  Observer
	logger    *log.Entry
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

// NewCleaner создаёт очистку. Нулевые interval и batchSize заменяются
// значениями по умолчанию.
func NewCleaner(repo domain.IdempotencyRepository, interval time.Duration, batchSize int, observer Observer, logger *log.Entry) *Cleaner {
	if interval <= 0 {
		interval = defaultInterval
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if logger == nil {
		logger = log.WithField("component", "idempotency-cleaner")
	}
	return &Cleaner{
		repo:      repo,
		observer:  observer,
		logger:    logger,
		interval:  interval,
		batchSize: batchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run чистит ключи сразу и затем каждые interval до отмены ctx.
func (c *Cleaner) Run(ctx context.Context) {
	if c.repo == nil {
		c.logger.Warn("idempotency cleaner is disabled: repo is nil")
		return
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		c.runOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Cleaner) runOnce(ctx context.Context) {
	deleted, err := c.DeleteExpired(ctx, c.now())
	if errors.Is(err, context.Canceled) {
		return
	}
	if c.observer != nil {
		c.observer.RecordIdempotencyCleanup(deleted, err)
	}
	if err != nil {
		c.logger.WithError(err).Warn("idempotency cleanup failed")
		return
	}
	if deleted > 0 {
		c.logger.WithField("deleted", deleted).Info("expired idempotency keys removed")
	}
}

// DeleteExpired удаляет все записи с TTL до before порциями batchSize.
func (c *Cleaner) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		deleted, err := c.repo.DeleteExpired(before, c.batchSize)
		if err != nil {
			return total, err
		}
		total += deleted
		if deleted < c.batchSize {
			return total, nil
		}
	}
}
