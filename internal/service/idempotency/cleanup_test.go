package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/orders/internal/domain"
	"github.com/vladislavdragonenkov/orders/internal/storage/memory"
)

func TestDeleteExpiredInBatches(t *testing.T) {
	t.Parallel()

	repo := &stubRepo{results: []int{2, 2, 1}}
	cleaner := NewCleaner(repo, time.Minute, 2, nil, nil)

	deleted, err := cleaner.DeleteExpired(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 5, deleted)
	assert.Equal(t, 3, repo.calls())
}

func TestDeleteExpiredError(t *testing.T) {
	t.Parallel()

	repo := &stubRepo{err: errors.New("boom")}
	observer := &recordingObserver{}
	cleaner := NewCleaner(repo, time.Minute, 10, observer, nil)

	cleaner.runOnce(context.Background())

	assert.Equal(t, 1, observer.failures)
	assert.Zero(t, observer.deleted)
}

func TestDeleteExpiredWithMemoryRepository(t *testing.T) {
	t.Parallel()

	repo := memory.NewIdempotencyRepository()
	past := time.Now().UTC().Add(-time.Minute)
	_, err := repo.Claim(domain.IdempotencyClaim{Key: "old-1", Pattern: "paid_order", RequestHash: "hash", ExpiresAt: past})
	require.NoError(t, err)
	_, err = repo.Claim(domain.IdempotencyClaim{Key: "old-2", Pattern: "paid_order", RequestHash: "hash", ExpiresAt: past})
	require.NoError(t, err)
	_, err = repo.Claim(domain.IdempotencyClaim{Key: "fresh", Pattern: "paid_order", RequestHash: "hash", ExpiresAt: time.Now().UTC().Add(time.Hour)})
	require.NoError(t, err)

	observer := &recordingObserver{}
	cleaner := NewCleaner(repo, time.Minute, 1, observer, nil)
	cleaner.runOnce(context.Background())

	assert.Equal(t, 2, observer.deleted)
	_, err = repo.Get("fresh")
	assert.NoError(t, err)
	_, err = repo.Get("old-1")
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	repo := &stubRepo{}
	cleaner := NewCleaner(repo, 5*time.Millisecond, 10, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		cleaner.Run(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleaner did not stop on context cancel")
	}
	assert.Positive(t, repo.calls())
}

// stubRepo реализует только DeleteExpired; остальные методы не вызываются.
type stubRepo struct {
	domain.IdempotencyRepository

	mu        sync.Mutex
	results   []int
	err       error
	callCount int
}

func (s *stubRepo) DeleteExpired(time.Time, int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callCount++
	if s.err != nil {
		return 0, s.err
	}
	if len(s.results) == 0 {
		return 0, nil
	}
	result := s.results[0]
	s.results = s.results[1:]
	return result, nil
}

func (s *stubRepo) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

type recordingObserver struct {
	deleted  int
	failures int
}

func (o *recordingObserver) RecordIdempotencyCleanup(deleted int, err error) {
	if err != nil {
		o.failures++
		return
	}
	o.deleted += deleted
}

var _ domain.IdempotencyRepository = (*stubRepo)(nil)
