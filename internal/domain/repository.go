package domain

import (
	"context"
	"time"
)

// SettlementOutcome описывает результат применения оплаты.
type SettlementOutcome string

const (
	// SettlementApplied: оплата применена впервые.
	SettlementApplied SettlementOutcome = "applied"
	// SettlementDuplicate: повторная доставка того же платежа, изменений нет.
	SettlementDuplicate SettlementOutcome = "duplicate"
)

// OrderStore описывает узкий интерфейс хранилища заказов.
type OrderStore interface {
	// Create атомарно сохраняет заказ вместе с позициями.
	Create(ctx context.Context, order Order) (Order, error)
	// FindMany возвращает страницу заказов и общее количество по фильтру.
	FindMany(ctx context.Context, req PageRequest) ([]Order, int, error)
	// FindByID возвращает заказ с позициями и чеком или ErrOrderNotFound.
	FindByID(ctx context.Context, id string) (Order, error)
	// UpdateStatus меняет статус заказа.
	UpdateStatus(ctx context.Context, id string, status OrderStatus) (Order, error)
	// MarkPaid применяет оплату и создаёт чек в одной транзакции.
	// Повторный вызов с тем же chargeID возвращает SettlementDuplicate без записи.
	// Неоплаченный заказ проверяется policy под той же блокировкой; nil policy
	// разрешает оплату из любого статуса.
	MarkPaid(ctx context.Context, s Settlement, paidAt time.Time, policy TransitionPolicy) (Order, SettlementOutcome, error)
}
