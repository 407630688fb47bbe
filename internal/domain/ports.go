package domain

import (
	"context"
	"time"
)

// ProductValidator подтверждает существование товаров в каталоге.
type ProductValidator interface {
	// Validate возвращает по одной записи на каждый уникальный id
	// либо ошибку, если хотя бы один id не найден.
	Validate(ctx context.Context, productIDs []string) (map[string]Product, error)
}

// PaymentGateway открывает платёжные сессии в платёжном сервисе.
type PaymentGateway interface {
	CreateSession(ctx context.Context, req PaymentSessionRequest) (PaymentSession, error)
}

// SettlementLocker обеспечивает взаимоисключение обработки оплаты одного заказа.
type SettlementLocker interface {
	// Acquire блокирует orderID; release нужно вызвать после записи.
	Acquire(ctx context.Context, orderID string) (release func(), err error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(msg OutboxMessage) (OutboxMessage, error)
	PullPending(limit int) ([]OutboxMessage, error)
	Stats() (OutboxStats, error)
	MarkSent(id string) error
	MarkFailed(id string) error
}

// TimelineRepository хранит события жизненного цикла заказа.
type TimelineRepository interface {
	Append(event TimelineEvent) error
	List(orderID string) ([]TimelineEvent, error)
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	// Claim занимает ключ. Живая запись с тем же хешем возвращается вместе с
	// ErrIdempotencyKeyAlreadyExists, с другим хешем с ErrIdempotencyHashMismatch.
	// Просроченная запись перезаписывается.
	Claim(claim IdempotencyClaim) (IdempotencyRecord, error)
	Get(key string) (IdempotencyRecord, error)
	Complete(key string, reply IdempotencyReply) error
	DeleteExpired(before time.Time, limit int) (int, error)
}

// Типы событий, публикуемых через outbox.
const (
	EventOrderCreated       = "OrderCreated"
	EventOrderStatusChanged = "OrderStatusChanged"
	EventOrderPaid          = "OrderPaid"
)

// AggregateOrder: тип агрегата для outbox.
const AggregateOrder = "order"

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
