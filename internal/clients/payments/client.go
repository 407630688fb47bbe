// Package payments: клиент платёжного сервиса.
package payments

import (
	"context"
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"

	"github.com/vladislavdragonenkov/orders/internal/clients"
	"github.com/vladislavdragonenkov/orders/internal/domain"
)

// PatternCreatePaymentSession: паттерн открытия платёжной сессии.
const PatternCreatePaymentSession = "create.payment.session"

const serviceName = "payments"

// Client открывает платёжные сессии через шину.
type Client struct {
	requester clients.Requester
	topic     string
	breaker   *gobreaker.CircuitBreaker[json.RawMessage]
	observer  clients.CallObserver
	logger    *log.Entry
}

// Option настраивает Client.
type Option func(*Client)

// WithObserver подключает метрики вызовов.
func WithObserver(observer clients.CallObserver) Option {
	return func(c *Client) { c.observer = observer }
}

// NewClient создаёт клиента, topic задаёт топик запросов платёжного сервиса.
func NewClient(requester clients.Requester, topic string, breaker clients.BreakerConfig, opts ...Option) *Client {
	logger := log.WithField("component", "payments-client")
	c := &Client{
		requester: requester,
		topic:     topic,
		breaker:   clients.NewBreaker[json.RawMessage](serviceName, breaker, logger),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateSession возвращает непрозрачный дескриптор сессии. Ошибка, которую
// вернул платёжный сервис, передаётся как *domain.RemoteError без изменений.
func (c *Client) CreateSession(ctx context.Context, req domain.PaymentSessionRequest) (domain.PaymentSession, error) {
	started := time.Now()
	session, err := c.breaker.Execute(func() (json.RawMessage, error) {
		var out json.RawMessage
		err := c.requester.Request(ctx, c.topic, PatternCreatePaymentSession, req, &out)
		return out, err
	})
	if c.observer != nil {
		c.observer.ObserveRemoteCall(serviceName, clients.Outcome(err), time.Since(started))
	}
	if err != nil {
		if clients.IsRemoteRejection(err) {
			return nil, err
		}
		c.logger.WithError(err).WithField("order_id", req.OrderID).Warn("payment session call failed")
		return nil, clients.BreakerError(serviceName, err)
	}
	return session, nil
}

var _ domain.PaymentGateway = (*Client)(nil)
