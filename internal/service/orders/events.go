package orders

import (
	"context"
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/orders/internal/domain"
)

// lifecyclePayload: тело события жизненного цикла в outbox.
type lifecyclePayload struct {
	OrderID          string             `json:"orderId"`
	Status           domain.OrderStatus `json:"status"`
	TotalAmount      string             `json:"totalAmount"`
	TotalItems       int                `json:"totalItems"`
	Paid             bool               `json:"paid"`
	ExternalChargeID string             `json:"externalChargeId,omitempty"`
	Reason           string             `json:"reason,omitempty"`
	TraceID          string             `json:"traceId,omitempty"`
	OccurredAt       time.Time          `json:"occurredAt"`
}

// record пишет событие в timeline и ставит событие в outbox.
// Ошибки побочных каналов только логируются.
func (s *Service) record(ctx context.Context, order domain.Order, timelineType, eventType, reason string) {
	occurred := s.opts.Now()
	traceID := traceIDFrom(ctx)
	s.appendTimeline(domain.TimelineEvent{
		OrderID:  order.ID,
		Type:     timelineType,
		Status:   order.Status,
		Reason:   reason,
		TraceID:  traceID,
		Occurred: occurred,
	})

	if s.opts.Outbox == nil {
		return
	}

	payload := lifecyclePayload{
		OrderID:          order.ID,
		Status:           order.Status,
		TotalAmount:      order.TotalAmount.StringFixed(2),
		TotalItems:       order.TotalItems,
		Paid:             order.Paid,
		ExternalChargeID: order.ExternalChargeID,
		Reason:           reason,
		TraceID:          traceID,
		OccurredAt:       occurred,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"order_id": order.ID,
			"event":    eventType,
		}).Error("marshal event failed")
		return
	}

	msg := domain.OutboxMessage{
		AggregateType: domain.AggregateOrder,
		AggregateID:   order.ID,
		EventType:     eventType,
		Payload:       data,
	}
	if _, err := s.opts.Outbox.Enqueue(msg); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"order_id": order.ID,
			"event":    eventType,
		}).Error("enqueue event failed")
		return
	}
	s.metrics.RecordOutboxEvent()
}

func (s *Service) appendTimeline(event domain.TimelineEvent) {
	if s.opts.Timeline == nil {
		return
	}
	if event.Occurred.IsZero() {
		event.Occurred = s.opts.Now()
	}
	if err := s.opts.Timeline.Append(event); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"order_id": event.OrderID,
			"event":    event.Type,
		}).Warn("append timeline event failed")
		return
	}
	s.metrics.RecordTimelineEvent()
}

func traceIDFrom(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}
