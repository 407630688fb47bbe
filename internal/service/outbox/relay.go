// Package outbox переносит события жизненного цикла заказов из outbox в
// Kafka topic событий.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orders/internal/domain"
)

const (
	defaultPollInterval   = time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
)

// Результаты попыток публикации.
const (
	ResultSent       = "sent"
	ResultRetryError = "retry_error"
	ResultFailed     = "failed"
	ResultDLQFailed  = "dlq_failed"
)

// Observer получает метрики relay.
type Observer interface {
	RecordOutboxPublish(result string)
	SetOutboxBacklog(pending int, oldestAge time.Duration)
}

type noopObserver struct{}

func (noopObserver) RecordOutboxPublish(string)          {}
func (noopObserver) SetOutboxBacklog(int, time.Duration) {}

// Config задаёт параметры relay.
type Config struct {
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	RetryBaseDelay time.Duration
}

// DefaultConfig возвращает параметры по умолчанию.
func DefaultConfig() Config {
	return Config{
		PollInterval:   defaultPollInterval,
		BatchSize:      defaultBatchSize,
		MaxAttempts:    defaultMaxAttempts,
		RetryBaseDelay: defaultRetryBaseDelay,
	}
}

func (c Config) normalize() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RetryBaseDelay < 0 {
		c.RetryBaseDelay = 0
	}
	return c
}

// Option настраивает Relay.
type Option func(*Relay)

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(r *Relay) { r.logger = logger }
}

// WithDeadLetter задаёт publisher для событий, которые не удалось опубликовать.
func WithDeadLetter(publisher domain.OutboxPublisher) Option {
	return func(r *Relay) { r.deadLetter = publisher }
}

// WithObserver подключает метрики.
func WithObserver(observer Observer) Option {
	return func(r *Relay) {
		if observer != nil {
			r.observer = observer
		}
	}
}

// Relay читает pending-события из outbox и публикует их. Повторы здесь
// относятся только к доставке в брокер и не затрагивают обработку запросов.
type Relay struct {
	repo       domain.OutboxRepository
	publisher  domain.OutboxPublisher
	deadLetter domain.OutboxPublisher
	observer   Observer
	logger     *log.Entry
	cfg        Config
	now        func() time.Time
}

// NewRelay создаёт relay.
func NewRelay(repo domain.OutboxRepository, publisher domain.OutboxPublisher, cfg Config, opts ...Option) *Relay {
	r := &Relay{
		repo:      repo,
		publisher: publisher,
		observer:  noopObserver{},
		logger:    log.WithField("component", "outbox-relay"),
		cfg:       cfg.normalize(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run публикует события до отмены ctx.
func (r *Relay) Run(ctx context.Context) {
	if r.repo == nil || r.publisher == nil {
		r.logger.Warn("outbox relay is disabled: repo or publisher is nil")
		return
	}

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.ProcessOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce публикует одну порцию событий и возвращает число отправленных.
func (r *Relay) ProcessOnce(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	defer r.refreshBacklog()

	events, err := r.repo.PullPending(r.cfg.BatchSize)
	if err != nil {
		r.logger.WithError(err).Warn("failed to pull pending outbox messages")
		return 0
	}

	sent := 0
	for _, event := range events {
		if ctx.Err() != nil {
			return sent
		}

		logger := r.logger.WithFields(log.Fields{
			"outbox_id":  event.ID,
			"order_id":   event.AggregateID,
			"event_type": event.EventType,
		})

		if err := r.publish(ctx, event); err != nil {
			if ctx.Err() != nil {
				return sent
			}
			logger.WithError(err).Error("outbox publish failed")
			r.observer.RecordOutboxPublish(ResultFailed)

			if dlqErr := r.toDeadLetter(event, err); dlqErr != nil {
				logger.WithError(dlqErr).Warn("failed to publish outbox event to DLQ")
				r.observer.RecordOutboxPublish(ResultDLQFailed)
			}
			if markErr := r.repo.MarkFailed(event.ID); markErr != nil {
				logger.WithError(markErr).Warn("failed to mark outbox message as failed")
			}
			continue
		}

		if err := r.repo.MarkSent(event.ID); err != nil {
			logger.WithError(err).Warn("failed to mark outbox message as sent")
			continue
		}
		sent++
	}
	return sent
}

func (r *Relay) publish(ctx context.Context, event domain.OutboxMessage) error {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if lastErr = r.publisher.Publish(event); lastErr == nil {
			r.observer.RecordOutboxPublish(ResultSent)
			return nil
		}
		r.observer.RecordOutboxPublish(ResultRetryError)

		if attempt == r.cfg.MaxAttempts {
			break
		}
		if delay := backoff(r.cfg.RetryBaseDelay, attempt); delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", domain.ErrOutboxPublish, r.cfg.MaxAttempts, lastErr)
}

// backoff удваивает base на каждой попытке без переполнения.
func backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	const maxDuration = time.Duration(1<<63 - 1)
	delay := base
	for i := 1; i < attempt; i++ {
		if delay > maxDuration/2 {
			return maxDuration
		}
		delay *= 2
	}
	return delay
}

type deadLetterPayload struct {
	OutboxID     string          `json:"outboxId"`
	OrderID      string          `json:"orderId"`
	EventType    string          `json:"eventType"`
	Payload      json.RawMessage `json:"payload"`
	PublishError string          `json:"publishError"`
	FailedAt     time.Time       `json:"failedAt"`
}

func (r *Relay) toDeadLetter(event domain.OutboxMessage, publishErr error) error {
	if r.deadLetter == nil {
		return nil
	}

	body, err := json.Marshal(deadLetterPayload{
		OutboxID:     event.ID,
		OrderID:      event.AggregateID,
		EventType:    event.EventType,
		Payload:      json.RawMessage(event.Payload),
		PublishError: publishErr.Error(),
		FailedAt:     r.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal dead letter payload: %w", err)
	}

	dead := event
	dead.Payload = body
	if err := r.deadLetter.Publish(dead); err != nil {
		return fmt.Errorf("publish to dlq: %w", err)
	}
	return nil
}

func (r *Relay) refreshBacklog() {
	stats, err := r.repo.Stats()
	if err != nil {
		r.logger.WithError(err).Warn("failed to collect outbox backlog stats")
		return
	}
	if stats.PendingCount == 0 || stats.OldestPendingAt.IsZero() {
		r.observer.SetOutboxBacklog(stats.PendingCount, 0)
		return
	}
	r.observer.SetOutboxBacklog(stats.PendingCount, r.now().Sub(stats.OldestPendingAt))
}
