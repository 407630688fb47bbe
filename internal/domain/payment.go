package domain

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Settlement: уведомление платёжного сервиса об успешной оплате.
type Settlement struct {
	OrderID          string
	ExternalChargeID string
	ReceiptURL       string
}

// Validate проверяет обязательные поля уведомления.
func (s Settlement) Validate() error {
	switch {
	case s.OrderID == "":
		return ErrOrderIDRequired
	case s.ExternalChargeID == "":
		return ErrChargeIDRequired
	case s.ReceiptURL == "":
		return ErrReceiptURLRequired
	}
	return nil
}

// PaymentSessionItem: позиция в запросе на платёжную сессию.
type PaymentSessionItem struct {
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity"`
}

// PaymentSessionRequest: запрос на открытие платёжной сессии.
type PaymentSessionRequest struct {
	OrderID  string               `json:"orderId"`
	Currency string               `json:"currency"`
	Items    []PaymentSessionItem `json:"items"`
}

// PaymentSession: непрозрачный ответ платёжного сервиса.
type PaymentSession = json.RawMessage

// NewPaymentSessionRequest собирает запрос из позиций заказа.
func NewPaymentSessionRequest(order Order, currency string) PaymentSessionRequest {
	items := make([]PaymentSessionItem, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, PaymentSessionItem{
			Name:     item.Name,
			Price:    item.Price,
			Quantity: item.Quantity,
		})
	}
	return PaymentSessionRequest{
		OrderID:  order.ID,
		Currency: currency,
		Items:    items,
	}
}

// SettlementAllowed проверяет, что неоплаченный заказ может перейти в PAID.
// Оплаченный заказ и заказ, уже переведённый в PAID вручную, не проверяются:
// дубликат и конфликт решает хранилище.
func (o *Order) SettlementAllowed(policy TransitionPolicy) error {
	if o.Paid || o.Status == OrderStatusPaid || policy == nil {
		return nil
	}
	return policy.Allow(o.Status, OrderStatusPaid)
}
