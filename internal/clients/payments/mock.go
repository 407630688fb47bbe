package payments

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/vladislavdragonenkov/orders/internal/domain"
)

// MockGateway: конфигурируемая заглушка PaymentGateway для тестов и
// локального запуска без платёжного сервиса.
type MockGateway struct {
	mu sync.Mutex

	Session json.RawMessage
	Err     error

	Calls       int
	LastRequest domain.PaymentSessionRequest
}

// NewMockGateway возвращает mock с успешным сценарием по умолчанию.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		Session: json.RawMessage(`{"url":"https://payments.local/session/mock"}`),
	}
}

// CreateSession возвращает заранее настроенный результат и считает вызовы.
func (m *MockGateway) CreateSession(_ context.Context, req domain.PaymentSessionRequest) (domain.PaymentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls++
	m.LastRequest = req
	if m.Err != nil {
		return nil, m.Err
	}
	return append(json.RawMessage(nil), m.Session...), nil
}

// CallCount возвращает число вызовов.
func (m *MockGateway) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls
}

var _ domain.PaymentGateway = (*MockGateway)(nil)
