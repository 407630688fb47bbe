package catalog

import (
	"context"
	"fmt"
	"sync"

	"github.com/vladislavdragonenkov/orders/internal/domain"
)

// MockValidator: конфигурируемая заглушка ProductValidator для тестов и
// локального запуска без каталога.
type MockValidator struct {
	mu       sync.Mutex
	products map[string]domain.Product

	Err     error
	Calls   int
	LastIDs []string
}

// NewMockValidator возвращает mock, знающий переданные товары.
func NewMockValidator(products ...domain.Product) *MockValidator {
	m := &MockValidator{products: make(map[string]domain.Product, len(products))}
	for _, p := range products {
		m.products[p.ID] = p
	}
	return m
}

// Put добавляет или заменяет товар.
func (m *MockValidator) Put(p domain.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ID] = p
}

// SetErr задаёт ошибку для следующих вызовов.
func (m *MockValidator) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}

// CallCount возвращает число вызовов Validate.
func (m *MockValidator) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls
}

// Validate возвращает известные товары и считает вызовы.
func (m *MockValidator) Validate(_ context.Context, productIDs []string) (map[string]domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls++
	m.LastIDs = append([]string(nil), productIDs...)
	if m.Err != nil {
		return nil, m.Err
	}
	if len(productIDs) == 0 {
		return nil, domain.ErrItemsRequired
	}

	out := make(map[string]domain.Product, len(productIDs))
	for _, id := range productIDs {
		p, ok := m.products[id]
		if !ok {
			return nil, fmt.Errorf("%w: products not found: %s", domain.ErrProductValidation, id)
		}
		out[id] = p
	}
	return out, nil
}

var _ domain.ProductValidator = (*MockValidator)(nil)
