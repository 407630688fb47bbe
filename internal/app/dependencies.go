package app

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orders/internal/clients"
	"github.com/vladislavdragonenkov/orders/internal/clients/catalog"
	"github.com/vladislavdragonenkov/orders/internal/clients/payments"
	"github.com/vladislavdragonenkov/orders/internal/domain"
	"github.com/vladislavdragonenkov/orders/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/orders/internal/metrics"
	"github.com/vladislavdragonenkov/orders/internal/service/orders"
)

// remoteClients: клиенты каталога и платежей.
type remoteClients struct {
	validator domain.ProductValidator
	payments  domain.PaymentGateway
}

// newRemoteClients создаёт клиентов поверх requester. Без requester (Kafka
// не настроена) допустимы только заглушки.
func newRemoteClients(cfg Config, requester *kafka.Requester, m *metrics.OrderMetrics, logger *log.Entry) (remoteClients, error) {
	if cfg.AllowMockIntegrations {
		logger.Warn("using mock catalog and payments clients")
		return remoteClients{
			validator: catalog.NewMockValidator(),
			payments:  payments.NewMockGateway(),
		}, nil
	}
	if requester == nil {
		return remoteClients{}, fmt.Errorf("kafka is required for catalog and payments clients")
	}

	breaker := clients.DefaultBreakerConfig()
	if cfg.BreakerFailures > 0 {
		breaker.ConsecutiveFailures = cfg.BreakerFailures
	}
	if cfg.BreakerOpenTimeout > 0 {
		breaker.OpenTimeout = cfg.BreakerOpenTimeout
	}

	return remoteClients{
		validator: catalog.NewClient(requester, cfg.ProductsTopic, breaker, catalog.WithObserver(m)),
		payments:  payments.NewClient(requester, cfg.PaymentsTopic, breaker, payments.WithObserver(m)),
	}, nil
}

// newOrderService собирает оркестратор заказов из настроек.
func newOrderService(cfg Config, deps *runtimeDependencies, remote remoteClients, m *metrics.OrderMetrics, logger *log.Entry) (*orders.Service, error) {
	nameSource, err := orders.ParseNameSource(cfg.NameSource)
	if err != nil {
		return nil, err
	}
	transitions, err := orders.NewTransitionPolicy(cfg.TransitionMode, cfg.TransitionRule)
	if err != nil {
		return nil, fmt.Errorf("build transition policy: %w", err)
	}

	return orders.NewService(
		deps.store,
		remote.validator,
		remote.payments,
		deps.locker,
		orders.WithMaxPageSize(cfg.maxPageSize()),
		orders.WithNameSource(nameSource),
		orders.WithTransitions(transitions),
		orders.WithCurrency(cfg.Currency),
		orders.WithOutbox(deps.outboxRepo),
		orders.WithTimeline(deps.timelineRepo),
		orders.WithMetrics(m),
		orders.WithLogger(logger.WithField("component", "orders")),
	)
}
