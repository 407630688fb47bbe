// Package catalog: клиент сервиса каталога товаров.
package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"

	"github.com/vladislavdragonenkov/orders/internal/clients"
	"github.com/vladislavdragonenkov/orders/internal/domain"
)

// PatternValidateProducts: паттерн запроса проверки товаров.
const PatternValidateProducts = "validate_products"

const serviceName = "catalog"

// Client проверяет товары через каталог по шине.
type Client struct {
	requester clients.Requester
	topic     string
	breaker   *gobreaker.CircuitBreaker[[]domain.Product]
	observer  clients.CallObserver
	logger    *log.Entry
}

// Option настраивает Client.
type Option func(*Client)

// WithObserver подключает метрики вызовов.
func WithObserver(observer clients.CallObserver) Option {
	return func(c *Client) { c.observer = observer }
}

// NewClient создаёт клиента каталога, topic задаёт топик запросов каталога.
func NewClient(requester clients.Requester, topic string, breaker clients.BreakerConfig, opts ...Option) *Client {
	logger := log.WithField("component", "catalog-client")
	c := &Client{
		requester: requester,
		topic:     topic,
		breaker:   clients.NewBreaker[[]domain.Product](serviceName, breaker, logger),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Validate возвращает товары по уникальным id. Отказ каталога или
// отсутствие хотя бы одного id дают ErrProductValidation.
func (c *Client) Validate(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	if len(productIDs) == 0 {
		return nil, domain.ErrItemsRequired
	}
	ids := lo.Uniq(productIDs)

	started := time.Now()
	products, err := c.breaker.Execute(func() ([]domain.Product, error) {
		var out []domain.Product
		err := c.requester.Request(ctx, c.topic, PatternValidateProducts, ids, &out)
		return out, err
	})
	if c.observer != nil {
		c.observer.ObserveRemoteCall(serviceName, clients.Outcome(err), time.Since(started))
	}
	if err != nil {
		if clients.IsRemoteRejection(err) {
			return nil, fmt.Errorf("%w: %w", domain.ErrProductValidation, err)
		}
		c.logger.WithError(err).WithField("products", len(ids)).Warn("catalog call failed")
		return nil, clients.BreakerError(serviceName, err)
	}

	byID := lo.KeyBy(products, func(p domain.Product) string { return p.ID })
	missing := lo.Filter(ids, func(id string, _ int) bool {
		_, ok := byID[id]
		return !ok
	})
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: products not found: %s", domain.ErrProductValidation, strings.Join(missing, ","))
	}
	return lo.PickByKeys(byID, ids), nil
}

var _ domain.ProductValidator = (*Client)(nil)
