package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/orders/internal/domain"
)

// orderStoreInMemory: in-memory реализация OrderStore.
type orderStoreInMemory struct {
	mu      sync.RWMutex
	items   map[string]domain.Order
	charges map[string]string // externalChargeID -> orderID
}

// NewOrderStore возвращает in-memory хранилище для локальной разработки и тестов.
func NewOrderStore() domain.OrderStore {
	return &orderStoreInMemory{
		items:   make(map[string]domain.Order),
		charges: make(map[string]string),
	}
}

// Create сохраняет новый заказ, если ID ещё не занят.
func (r *orderStoreInMemory) Create(ctx context.Context, order domain.Order) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	if errs := order.ValidateInvariants(); len(errs) > 0 {
		return domain.Order{}, fmt.Errorf("order invariants: %w", errs[0])
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[order.ID]; exists {
		return domain.Order{}, domain.ErrOrderExists
	}
	// Храним копию, чтобы вызывающий код не мог мутировать состояние.
	r.items[order.ID] = cloneOrder(order)
	return cloneOrder(order), nil
}

// FindMany возвращает страницу заказов, отсортированных по времени создания.
func (r *orderStoreInMemory) FindMany(ctx context.Context, req domain.PageRequest) ([]domain.Order, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := make([]domain.Order, 0, len(r.items))
	for _, order := range r.items {
		if req.Status != nil && order.Status != *req.Status {
			continue
		}
		matched = append(matched, order)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	offset := req.Offset()
	if offset >= total || req.Limit <= 0 {
		return []domain.Order{}, total, nil
	}
	end := offset + req.Limit
	if end > total {
		end = total
	}

	page := make([]domain.Order, 0, end-offset)
	for _, order := range matched[offset:end] {
		// Списки отдаются без позиций, как и в postgres-реализации.
		o := cloneOrder(order)
		o.Items = nil
		o.Receipt = nil
		page = append(page, o)
	}
	return page, total, nil
}

// FindByID возвращает заказ или ошибку NotFound.
func (r *orderStoreInMemory) FindByID(ctx context.Context, id string) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.items[id]
	if !ok {
		return domain.Order{}, domain.OrderNotFound(id)
	}
	return cloneOrder(order), nil
}

// UpdateStatus перезаписывает статус заказа.
func (r *orderStoreInMemory) UpdateStatus(ctx context.Context, id string, status domain.OrderStatus) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	if !status.Valid() {
		return domain.Order{}, domain.ErrInvalidStatus
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.items[id]
	if !ok {
		return domain.Order{}, domain.OrderNotFound(id)
	}
	order.Status = status
	order.UpdatedAt = time.Now().UTC()
	r.items[id] = order
	return cloneOrder(order), nil
}

// MarkPaid применяет оплату один раз; повтор с тем же chargeID ничего не пишет.
func (r *orderStoreInMemory) MarkPaid(ctx context.Context, s domain.Settlement, paidAt time.Time, policy domain.TransitionPolicy) (domain.Order, domain.SettlementOutcome, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.items[s.OrderID]
	if !ok {
		return domain.Order{}, "", domain.OrderNotFound(s.OrderID)
	}
	if order.Paid {
		if order.ExternalChargeID == s.ExternalChargeID {
			return cloneOrder(order), domain.SettlementDuplicate, nil
		}
		return domain.Order{}, "", fmt.Errorf("%w: order %s", domain.ErrSettlementConflict, s.OrderID)
	}
	if err := order.SettlementAllowed(policy); err != nil {
		return domain.Order{}, "", err
	}
	if owner, taken := r.charges[s.ExternalChargeID]; taken && owner != s.OrderID {
		return domain.Order{}, "", fmt.Errorf("%w: charge %s belongs to order %s", domain.ErrSettlementConflict, s.ExternalChargeID, owner)
	}

	paidAt = paidAt.UTC()
	order.Status = domain.OrderStatusPaid
	order.Paid = true
	order.PaidAt = &paidAt
	order.ExternalChargeID = s.ExternalChargeID
	order.UpdatedAt = paidAt
	order.Receipt = &domain.OrderReceipt{
		ID:         uuid.NewString(),
		OrderID:    order.ID,
		ReceiptURL: s.ReceiptURL,
		CreatedAt:  paidAt,
	}
	r.items[order.ID] = order
	r.charges[s.ExternalChargeID] = order.ID

	return cloneOrder(order), domain.SettlementApplied, nil
}

func cloneOrder(src domain.Order) domain.Order {
	dst := src
	if src.Items != nil {
		dst.Items = append([]domain.OrderItem(nil), src.Items...)
	}
	if src.PaidAt != nil {
		paidAt := *src.PaidAt
		dst.PaidAt = &paidAt
	}
	if src.Receipt != nil {
		receipt := *src.Receipt
		dst.Receipt = &receipt
	}
	return dst
}

var _ domain.OrderStore = (*orderStoreInMemory)(nil)
