package memory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/orders/internal/domain"
)

// settlementLockInMemory: keyed mutex на канал, чтобы ожидание уважало ctx.
type settlementLockInMemory struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewSettlementLocker создаёт локальный SettlementLocker для одного процесса.
func NewSettlementLocker() domain.SettlementLocker {
	return &settlementLockInMemory{locks: make(map[string]chan struct{})}
}

// Acquire ждёт освобождения orderID или отмены ctx.
func (l *settlementLockInMemory) Acquire(ctx context.Context, orderID string) (func(), error) {
	for {
		l.mu.Lock()
		held, busy := l.locks[orderID]
		if !busy {
			done := make(chan struct{})
			l.locks[orderID] = done
			l.mu.Unlock()

			var once sync.Once
			return func() {
				once.Do(func() {
					l.mu.Lock()
					delete(l.locks, orderID)
					l.mu.Unlock()
					close(done)
				})
			}, nil
		}
		l.mu.Unlock()

		select {
		case <-held:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

var _ domain.SettlementLocker = (*settlementLockInMemory)(nil)
