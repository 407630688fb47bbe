package domain

import "time"

// Типы событий жизненного цикла заказа.
const (
	TimelineOrderCreated   = "order.created"
	TimelineStatusChanged  = "order.status_changed"
	TimelineOrderPaid      = "order.paid"
	TimelineSettlementDupe = "order.settlement_duplicate"
)

// TimelineEvent описывает событие в жизненном цикле заказа. Status фиксирует
// статус заказа после события, TraceID связывает событие с трейсом запроса.
type TimelineEvent struct {
	OrderID  string      `json:"orderId"`
	Type     string      `json:"type"`
	Status   OrderStatus `json:"status,omitempty"`
	Reason   string      `json:"reason,omitempty"`
	TraceID  string      `json:"traceId,omitempty"`
	Occurred time.Time   `json:"occurred"`
}
