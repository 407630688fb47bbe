package metrics

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Результаты операций оркестратора.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// OrderMetrics содержит метрики операций над заказами и обмена по шине.
type OrderMetrics struct {
	// Счётчики и длительность операций оркестратора
	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec

	// Исходы применения оплаты: applied, duplicate, conflict
	settlements *prometheus.CounterVec

	// Побочные каналы
	timelineEvents prometheus.Counter
	outboxEvents   prometheus.Counter

	// Шина
	busRequests *prometheus.HistogramVec
	remoteCalls *prometheus.HistogramVec

	// Outbox relay
	outboxPublish   *prometheus.CounterVec
	outboxPending   prometheus.Gauge
	outboxOldestAge prometheus.Gauge

	// Очистка ключей идемпотентности
	idempotencyCleanupRuns    *prometheus.CounterVec
	idempotencyCleanupDeleted prometheus.Counter

	// Запросы, которые сейчас обрабатываются
	inFlight prometheus.Gauge
}

// NewOrderMetrics регистрирует метрики в DefaultRegisterer.
func NewOrderMetrics() *OrderMetrics {
	return NewOrderMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewOrderMetricsWithRegisterer регистрирует метрики в registerer.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewOrderMetricsWithRegisterer(registerer prometheus.Registerer) *OrderMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &OrderMetrics{
		operations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "orders_operations_total",
			Help: "Total number of order operations grouped by operation and result",
		}, []string{"operation", "result"}),
		operationDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "orders_operation_duration_seconds",
			Help:    "Duration of order operations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"operation"}),
		settlements: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "orders_settlements_total",
			Help: "Payment settlements grouped by outcome",
		}, []string{"outcome"}),
		timelineEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "orders_timeline_events_total",
			Help: "Total number of timeline events recorded",
		}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "orders_outbox_events_total",
			Help: "Total number of outbox events enqueued",
		}),
		busRequests: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "orders_bus_request_duration_seconds",
			Help:    "Duration of inbound bus requests grouped by pattern and reply status",
			Buckets: prometheus.DefBuckets,
		}, []string{"pattern", "status"}),
		remoteCalls: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "orders_remote_call_duration_seconds",
			Help:    "Duration of outbound request/reply calls grouped by service and outcome",
			Buckets: prometheus.DefBuckets,
		}, []string{"service", "outcome"}),
		outboxPublish: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "orders_outbox_publish_attempts_total",
			Help: "Outbox publish attempts grouped by result",
		}, []string{"result"}),
		outboxPending: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "orders_outbox_pending_records",
			Help: "Current number of pending records in the outbox",
		}),
		outboxOldestAge: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "orders_outbox_oldest_pending_age_seconds",
			Help: "Age in seconds of the oldest pending outbox record",
		}),
		idempotencyCleanupRuns: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "orders_idempotency_cleanup_runs_total",
			Help: "Idempotency cleanup runs grouped by result",
		}, []string{"result"}),
		idempotencyCleanupDeleted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "orders_idempotency_cleanup_deleted_total",
			Help: "Total number of deleted expired idempotency records",
		}),
		inFlight: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "orders_operations_in_flight",
			Help: "Number of order operations currently executing",
		}),
	}
}

func register[T prometheus.Collector](registerer prometheus.Registerer, collector T, name string) T {
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(T)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", name))
			}
			return existing
		}
		panic(fmt.Sprintf("register collector %q: %v", name, err))
	}
	return collector
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	return register[prometheus.Counter](registerer, prometheus.NewCounter(opts), opts.Name)
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	return register(registerer, prometheus.NewCounterVec(opts, labels), opts.Name)
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	return register[prometheus.Gauge](registerer, prometheus.NewGauge(opts), opts.Name)
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	return register(registerer, prometheus.NewHistogramVec(opts, labels), opts.Name)
}

// StartOperation отмечает начало операции и возвращает функцию завершения.
func (m *OrderMetrics) StartOperation(operation string) func(err error) {
	if m == nil {
		return func(error) {}
	}
	started := time.Now()
	m.inFlight.Inc()
	return func(err error) {
		m.inFlight.Dec()
		result := ResultOK
		if err != nil {
			result = ResultError
		}
		m.operations.WithLabelValues(operation, result).Inc()
		m.operationDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
	}
}

// RecordSettlement учитывает исход применения оплаты.
func (m *OrderMetrics) RecordSettlement(outcome string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(outcome).Inc()
}

// RecordTimelineEvent увеличивает счётчик событий timeline.
func (m *OrderMetrics) RecordTimelineEvent() {
	if m == nil {
		return
	}
	m.timelineEvents.Inc()
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *OrderMetrics) RecordOutboxEvent() {
	if m == nil {
		return
	}
	m.outboxEvents.Inc()
}

// ObserveBusRequest записывает обработку входящего запроса шины.
func (m *OrderMetrics) ObserveBusRequest(pattern string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.busRequests.WithLabelValues(pattern, strconv.Itoa(status)).Observe(duration.Seconds())
}

// ObserveRemoteCall записывает исходящий вызов удалённого сервиса.
func (m *OrderMetrics) ObserveRemoteCall(service, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.remoteCalls.WithLabelValues(service, outcome).Observe(duration.Seconds())
}

// RecordOutboxPublish учитывает попытку публикации из outbox.
func (m *OrderMetrics) RecordOutboxPublish(result string) {
	if m == nil {
		return
	}
	m.outboxPublish.WithLabelValues(result).Inc()
}

// SetOutboxBacklog обновляет размер и возраст backlog outbox.
func (m *OrderMetrics) SetOutboxBacklog(pending int, oldestAge time.Duration) {
	if m == nil {
		return
	}
	if oldestAge < 0 {
		oldestAge = 0
	}
	m.outboxPending.Set(float64(pending))
	m.outboxOldestAge.Set(oldestAge.Seconds())
}

// RecordIdempotencyCleanup учитывает один проход очистки.
func (m *OrderMetrics) RecordIdempotencyCleanup(deleted int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.idempotencyCleanupRuns.WithLabelValues(ResultError).Inc()
		return
	}
	m.idempotencyCleanupRuns.WithLabelValues(ResultOK).Inc()
	m.idempotencyCleanupDeleted.Add(float64(deleted))
}
