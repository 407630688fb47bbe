package postgres

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/orders/internal/domain"
)

func TestOutboxRepository_PostgresFlow(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewOutboxRepository(store)

	first, err := repo.Enqueue(domain.OutboxMessage{
		AggregateType: domain.AggregateOrder,
		AggregateID:   "order-1",
		EventType:     domain.EventOrderCreated,
		Payload:       []byte(`{"id":"order-1"}`),
	})
	if err != nil {
		t.Fatalf("enqueue first: %v", err)
	}
	fixedID := uuid.NewString()
	second, err := repo.Enqueue(domain.OutboxMessage{
		ID:            fixedID,
		AggregateType: domain.AggregateOrder,
		AggregateID:   "order-2",
		EventType:     domain.EventOrderPaid,
	})
	if err != nil {
		t.Fatalf("enqueue second: %v", err)
	}
	if second.ID != fixedID {
		t.Fatalf("expected fixed id %q, got %q", fixedID, second.ID)
	}

	claimed, err := repo.PullPending(0)
	if err != nil {
		t.Fatalf("pull pending: %v", err)
	}
	if len(claimed) != 2 || claimed[0].ID != first.ID {
		t.Fatalf("expected both messages oldest first, got %+v", claimed)
	}

	// Захваченные сообщения не выдаются повторно до истечения lease.
	again, err := repo.PullPending(10)
	if err != nil {
		t.Fatalf("pull pending again: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected leased messages to be hidden, got %d", len(again))
	}

	stats, err := repo.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.PendingCount != 2 || stats.OldestPendingAt.IsZero() {
		t.Fatalf("unexpected stats %+v", stats)
	}

	if err := repo.MarkSent(first.ID); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if err := repo.MarkFailed(second.ID); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if stats, _ = repo.Stats(); stats.PendingCount != 0 {
		t.Fatalf("expected empty backlog, got %+v", stats)
	}

	if err := repo.MarkSent(uuid.NewString()); !errors.Is(err, domain.ErrOutboxPublish) {
		t.Fatalf("expected ErrOutboxPublish for missing id, got %v", err)
	}
}

func TestTimelineRepository_PostgresAppendAndList(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewTimelineRepository(store)

	orderID := uuid.NewString()
	base := time.Now().UTC().Add(-time.Minute).Round(time.Microsecond)

	if err := repo.Append(domain.TimelineEvent{
		OrderID:  orderID,
		Type:     domain.TimelineOrderPaid,
		Status:   domain.OrderStatusPaid,
		Reason:   "ch_1",
		TraceID:  "4bf92f3577b34da6a3ce929d0e0e4736",
		Occurred: base.Add(10 * time.Second),
	}); err != nil {
		t.Fatalf("append paid: %v", err)
	}
	if err := repo.Append(domain.TimelineEvent{OrderID: orderID, Type: domain.TimelineOrderCreated, Occurred: base}); err != nil {
		t.Fatalf("append created: %v", err)
	}
	if err := repo.Append(domain.TimelineEvent{Type: domain.TimelineOrderCreated}); !errors.Is(err, domain.ErrOrderIDRequired) {
		t.Fatalf("expected ErrOrderIDRequired, got %v", err)
	}

	events, err := repo.List(orderID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != domain.TimelineOrderCreated || events[1].Type != domain.TimelineOrderPaid {
		t.Fatalf("events must be chronological, got %+v", events)
	}
	paid := events[1]
	if paid.Status != domain.OrderStatusPaid || paid.Reason != "ch_1" || paid.TraceID != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Fatalf("unexpected paid event: %+v", paid)
	}
	if !paid.Occurred.Equal(base.Add(10 * time.Second)) {
		t.Fatalf("unexpected occurred: %s", paid.Occurred)
	}
}
