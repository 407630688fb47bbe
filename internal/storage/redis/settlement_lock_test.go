package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLocker(t *testing.T, opts ...Option) (*SettlementLocker, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	opts = append([]Option{WithPollInterval(5 * time.Millisecond)}, opts...)
	return NewSettlementLocker(client, opts...), mr
}

func TestAcquireAndRelease(t *testing.T) {
	locker, mr := setupLocker(t)

	release, err := locker.Acquire(context.Background(), "order-1")
	require.NoError(t, err)
	assert.True(t, mr.Exists("orders:settlement:order-1"))
	assert.Greater(t, mr.TTL("orders:settlement:order-1"), time.Duration(0))

	release()
	assert.False(t, mr.Exists("orders:settlement:order-1"))

	// Повторный вызов release безопасен
	release()
}

func TestAcquireWaitsForHolder(t *testing.T) {
	locker, _ := setupLocker(t)

	release, err := locker.Acquire(context.Background(), "order-1")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		second, err := locker.Acquire(context.Background(), "order-1")
		if err == nil {
			second()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire must wait for release")
	case <-time.After(50 * time.Millisecond):
	}

	release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire did not proceed after release")
	}
}

func TestAcquireRespectsContext(t *testing.T) {
	locker, _ := setupLocker(t)

	release, err := locker.Acquire(context.Background(), "order-1")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = locker.Acquire(ctx, "order-1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDifferentOrdersDoNotBlock(t *testing.T) {
	locker, _ := setupLocker(t)

	r1, err := locker.Acquire(context.Background(), "order-1")
	require.NoError(t, err)
	defer r1()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	r2, err := locker.Acquire(ctx, "order-2")
	require.NoError(t, err)
	r2()
}

func TestExpiredLockIsNotReleasedByFormerOwner(t *testing.T) {
	locker, mr := setupLocker(t, WithTTL(time.Second))

	release, err := locker.Acquire(context.Background(), "order-1")
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	require.False(t, mr.Exists("orders:settlement:order-1"))

	other, err := locker.Acquire(context.Background(), "order-1")
	require.NoError(t, err)

	// Старый владелец не должен снять чужую блокировку
	release()
	assert.True(t, mr.Exists("orders:settlement:order-1"))

	other()
	assert.False(t, mr.Exists("orders:settlement:order-1"))
}

func TestMutualExclusion(t *testing.T) {
	locker, _ := setupLocker(t, WithKeyPrefix("test:"))

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locker.Acquire(context.Background(), "order-1")
			if err != nil {
				return
			}
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			inside.Add(-1)
			release()
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, maxInside.Load())
}

func TestAcquireFailsWhenRedisIsDown(t *testing.T) {
	locker, mr := setupLocker(t)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := locker.Acquire(ctx, "order-1")
	require.Error(t, err)
	require.Error(t, locker.Ping(ctx))
}
