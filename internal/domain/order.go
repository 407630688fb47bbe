package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusPending — заказ создан и ждёт оплаты.
	OrderStatusPending OrderStatus = "PENDING"
	// OrderStatusPaid — оплата подтверждена платёжным сервисом.
	OrderStatusPaid OrderStatus = "PAID"
	// OrderStatusDelivered — заказ доставлен.
	OrderStatusDelivered OrderStatus = "DELIVERED"
	// OrderStatusCancelled — заказ отменён.
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// OrderStatusList — закрытое множество допустимых статусов.
var OrderStatusList = []OrderStatus{
	OrderStatusPending,
	OrderStatusPaid,
	OrderStatusDelivered,
	OrderStatusCancelled,
}

func statusNames() []string {
	names := make([]string, 0, len(OrderStatusList))
	for _, s := range OrderStatusList {
		names = append(names, string(s))
	}
	return names
}

// Valid проверяет, что статус входит в OrderStatusList.
func (s OrderStatus) Valid() bool {
	for _, known := range OrderStatusList {
		if s == known {
			return true
		}
	}
	return false
}

// ParseOrderStatus возвращает статус или ErrInvalidStatus.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	s := OrderStatus(raw)
	if !s.Valid() {
		return "", ErrInvalidStatus
	}
	return s, nil
}

// Product — read-only представление товара из каталога.
type Product struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

// MoneyScale — число знаков после запятой у денежных сумм. Совпадает с
// масштабом колонок NUMERIC(12, 2) в PostgreSQL.
const MoneyScale int32 = 2

// LineRequest — строка запроса на создание заказа.
type LineRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// OrderItem представляет одну позицию заказа. Цена зафиксирована на момент создания.
type OrderItem struct {
	ProductID string          `json:"productId"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

// OrderReceipt — чек, создаётся только при оплате.
type OrderReceipt struct {
	ID         string    `json:"id"`
	OrderID    string    `json:"orderId"`
	ReceiptURL string    `json:"receiptUrl"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Order агрегирует состояние заказа и его позиции.
type Order struct {
	ID               string          `json:"id"`
	TotalAmount      decimal.Decimal `json:"totalAmount"`
	TotalItems       int             `json:"totalItems"`
	Status           OrderStatus     `json:"status"`
	Paid             bool            `json:"paid"`
	PaidAt           *time.Time      `json:"paidAt"`
	ExternalChargeID string          `json:"externalChargeId,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
	Items            []OrderItem     `json:"items,omitempty"`
	Receipt          *OrderReceipt   `json:"receipt,omitempty"`
}

// ValidateLines проверяет строки запроса до обращения к каталогу.
func ValidateLines(lines []LineRequest) error {
	if len(lines) == 0 {
		return ErrItemsRequired
	}
	for _, line := range lines {
		if line.ProductID == "" {
			return fmt.Errorf("%w: productId is required", ErrValidation)
		}
		if line.Quantity < 1 {
			return ErrItemQtyInvalid
		}
	}
	return nil
}

// PriceLines собирает позиции по ценам каталога и считает итоги.
// Каждая строка должна найти свой товар по точному совпадению id. Цена
// округляется до MoneyScale до умножения, поэтому итог равен сумме
// сохранённых price*quantity в любом хранилище.
func PriceLines(lines []LineRequest, products map[string]Product) ([]OrderItem, decimal.Decimal, int, error) {
	if err := ValidateLines(lines); err != nil {
		return nil, decimal.Zero, 0, err
	}

	items := make([]OrderItem, 0, len(lines))
	total := decimal.Zero
	count := 0
	for _, line := range lines {
		product, ok := products[line.ProductID]
		if !ok {
			return nil, decimal.Zero, 0, fmt.Errorf("%w: product %s not resolved", ErrProductValidation, line.ProductID)
		}
		if product.Price.IsNegative() {
			return nil, decimal.Zero, 0, ErrItemPriceInvalid
		}
		price := product.Price.Round(MoneyScale)
		items = append(items, OrderItem{
			ProductID: line.ProductID,
			Name:      product.Name,
			Quantity:  line.Quantity,
			Price:     price,
		})
		total = total.Add(price.Mul(decimal.NewFromInt(int64(line.Quantity))))
		count += line.Quantity
	}
	return items, total, count, nil
}

// NewOrder создаёт заказ в статусе PENDING с посчитанными итогами.
func NewOrder(id string, lines []LineRequest, products map[string]Product, now time.Time) (Order, error) {
	items, total, count, err := PriceLines(lines, products)
	if err != nil {
		return Order{}, err
	}
	return Order{
		ID:          id,
		TotalAmount: total,
		TotalItems:  count,
		Status:      OrderStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		Items:       items,
	}, nil
}

// ProductIDs возвращает id товаров позиций в порядке следования.
func (o *Order) ProductIDs() []string {
	ids := make([]string, 0, len(o.Items))
	for _, item := range o.Items {
		ids = append(ids, item.ProductID)
	}
	return ids
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.ID == "" {
		errs = append(errs, ErrOrderIDRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	if !o.Status.Valid() {
		errs = append(errs, ErrInvalidStatus)
	}

	// Итоги должны совпадать с позициями: Σ price*qty и Σ qty.
	total := decimal.Zero
	count := 0
	for _, item := range o.Items {
		if item.Quantity <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.Price.IsNegative() {
			errs = append(errs, ErrItemPriceInvalid)
		}
		total = total.Add(item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
		count += item.Quantity
	}
	if !total.Equal(o.TotalAmount) {
		errs = append(errs, fmt.Errorf("%w: total amount %s does not match items sum %s", ErrValidation, o.TotalAmount, total))
	}
	if count != o.TotalItems {
		errs = append(errs, fmt.Errorf("%w: total items %d does not match items sum %d", ErrValidation, o.TotalItems, count))
	}

	if o.Paid && (o.PaidAt == nil || o.ExternalChargeID == "") {
		errs = append(errs, fmt.Errorf("%w: paid order must have paidAt and charge id", ErrValidation))
	}
	if o.Receipt != nil && !o.Paid {
		errs = append(errs, fmt.Errorf("%w: receipt exists for unpaid order", ErrValidation))
	}

	return errs
}
