// Package redis содержит распределённую блокировку оплаты заказа.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orders/internal/domain"
)

// Параметры блокировки по умолчанию.
const (
	DefaultLockTTL      = 10 * time.Second
	DefaultPollInterval = 50 * time.Millisecond
	releaseTimeout      = time.Second
)

// releaseScript удаляет ключ, только если он всё ещё принадлежит владельцу.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// SettlementLocker: SettlementLocker поверх SET NX PX. Ключ истекает
// через ttl, даже если владелец упал, не освободив его.
type SettlementLocker struct {
	client goredis.UniversalClient
	ttl    time.Duration
	poll   time.Duration
	prefix string
	logger *log.Entry
}

// Option настраивает SettlementLocker.
type Option func(*SettlementLocker)

// WithTTL задаёт срок жизни блокировки.
func WithTTL(ttl time.Duration) Option {
	return func(l *SettlementLocker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithPollInterval задаёт паузу между попытками захвата.
func WithPollInterval(d time.Duration) Option {
	return func(l *SettlementLocker) {
		if d > 0 {
			l.poll = d
		}
	}
}

// WithKeyPrefix задаёт префикс ключей.
func WithKeyPrefix(prefix string) Option {
	return func(l *SettlementLocker) { l.prefix = prefix }
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(l *SettlementLocker) { l.logger = logger }
}

// NewSettlementLocker создаёт блокировку поверх клиента Redis.
func NewSettlementLocker(client goredis.UniversalClient, opts ...Option) *SettlementLocker {
	l := &SettlementLocker{
		client: client,
		ttl:    DefaultLockTTL,
		poll:   DefaultPollInterval,
		prefix: "orders:settlement:",
		logger: log.WithField("component", "settlement-lock"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire ждёт, пока ключ заказа освободится, или пока не отменят ctx.
func (l *SettlementLocker) Acquire(ctx context.Context, orderID string) (func(), error) {
	key := l.key(orderID)
	token := uuid.NewString()

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis setnx failed: %w", err)
		}
		if ok {
			return l.releaser(key, token), nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *SettlementLocker) releaser(key, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, token) })
	}
}

func (l *SettlementLocker) release(key, token string) {
	// Освобождаем даже после отмены контекста запроса
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	res, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int64()
	if err != nil && !errors.Is(err, goredis.Nil) {
		l.logger.WithError(err).WithField("key", key).Warn("failed to release settlement lock")
		return
	}
	if res == 0 {
		l.logger.WithField("key", key).Warn("settlement lock expired before release")
	}
}

// Ping проверяет доступность Redis.
func (l *SettlementLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *SettlementLocker) key(orderID string) string {
	return l.prefix + orderID
}

var _ domain.SettlementLocker = (*SettlementLocker)(nil)
