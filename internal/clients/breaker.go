// Package clients содержит общую обвязку клиентов удалённых сервисов шины.
package clients

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"

	"github.com/vladislavdragonenkov/orders/internal/domain"
)

// Requester: request/reply транспорт (реализуется kafka.Requester).
type Requester interface {
	Request(ctx context.Context, topic, pattern string, payload, out any) error
}

// CallObserver получает результат каждого удалённого вызова.
type CallObserver interface {
	ObserveRemoteCall(service, outcome string, duration time.Duration)
}

// Исходы удалённого вызова для метрик.
const (
	OutcomeOK          = "ok"
	OutcomeRejected    = "rejected"
	OutcomeUnavailable = "unavailable"
	OutcomeOpen        = "breaker_open"
)

// BreakerConfig: параметры circuit breaker.
type BreakerConfig struct {
	// ConsecutiveFailures: после стольких подряд ошибок breaker размыкается.
	ConsecutiveFailures uint32
	// OpenTimeout: время в состоянии open до пробного запроса.
	OpenTimeout time.Duration
	// HalfOpenRequests: число пробных запросов в half-open.
	HalfOpenRequests uint32
}

// DefaultBreakerConfig: значения по умолчанию.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
		HalfOpenRequests:    1,
	}
}

// NewBreaker создаёт circuit breaker для сервиса name. Ответы удалённого
// сервиса с ошибкой (RemoteError) считаются успешным обменом и не размыкают его.
func NewBreaker[T any](name string, cfg BreakerConfig, logger *log.Entry) *gobreaker.CircuitBreaker[T] {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = DefaultBreakerConfig().ConsecutiveFailures
	}
	threshold := cfg.ConsecutiveFailures
	return gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsRemoteRejection(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.WithFields(log.Fields{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				}).Warn("circuit breaker state changed")
			}
		},
	})
}

// IsRemoteRejection: удалённый сервис ответил ошибкой (бизнес-отказ).
func IsRemoteRejection(err error) bool {
	var remote *domain.RemoteError
	return errors.As(err, &remote)
}

// BreakerError переводит отказ breaker в ErrUpstreamUnavailable.
func BreakerError(service string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %v", domain.ErrUpstreamUnavailable, service, err)
	}
	return err
}

// Outcome классифицирует ошибку вызова для метрик.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return OutcomeOpen
	case IsRemoteRejection(err), errors.Is(err, domain.ErrProductValidation):
		return OutcomeRejected
	default:
		return OutcomeUnavailable
	}
}
