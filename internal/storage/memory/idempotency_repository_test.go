package memory_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/orders/internal/domain"
	"github.com/vladislavdragonenkov/orders/internal/storage/memory"
)

func claim(key, hash string, expiresAt time.Time) domain.IdempotencyClaim {
	return domain.IdempotencyClaim{
		Key:           key,
		Pattern:       "create_order",
		CorrelationID: "corr-" + key,
		RequestHash:   hash,
		ExpiresAt:     expiresAt,
	}
}

func TestIdempotencyRepository_ClaimAndGet(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	expiresAt := time.Now().UTC().Add(2 * time.Hour).Round(time.Second)

	created, err := repo.Claim(claim("idem-key-1", "hash-1", expiresAt))
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyStatusProcessing, created.Status)

	got, err := repo.Get("idem-key-1")
	require.NoError(t, err)
	require.Equal(t, "hash-1", got.RequestHash)
	require.Equal(t, "create_order", got.Pattern)
	require.Equal(t, "corr-idem-key-1", got.CorrelationID)
	require.True(t, got.ExpiresAt.Equal(expiresAt))

	_, err = repo.Claim(domain.IdempotencyClaim{Key: " ", RequestHash: "h"})
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyRequired)
	_, err = repo.Get("")
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyRequired)
}

func TestIdempotencyRepository_ConflictAndHashMismatch(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	expiresAt := time.Now().UTC().Add(time.Hour)

	_, err := repo.Claim(claim("idem-key-2", "hash-a", expiresAt))
	require.NoError(t, err)

	existing, err := repo.Claim(claim("idem-key-2", "hash-a", expiresAt))
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyAlreadyExists)
	require.Equal(t, domain.IdempotencyStatusProcessing, existing.Status)

	_, err = repo.Claim(claim("idem-key-2", "hash-b", expiresAt))
	require.ErrorIs(t, err, domain.ErrIdempotencyHashMismatch)
}

func TestIdempotencyRepository_Complete(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	_, err := repo.Claim(claim("idem-active", "hash", time.Now().UTC().Add(time.Hour)))
	require.NoError(t, err)

	err = repo.Complete("idem-active", domain.IdempotencyReply{Status: domain.IdempotencyStatusProcessing})
	require.ErrorIs(t, err, domain.ErrIdempotencyReplyNotFinal)

	require.NoError(t, repo.Complete("idem-active", domain.IdempotencyReply{
		Status:      domain.IdempotencyStatusFailed,
		Body:        []byte(`{"status":400}`),
		ReplyStatus: 400,
	}))

	got, err := repo.Get("idem-active")
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyStatusFailed, got.Status)
	require.Equal(t, 400, got.ReplyStatus)
	require.JSONEq(t, `{"status":400}`, string(got.ResponseBody))

	err = repo.Complete("unknown", domain.IdempotencyReply{Status: domain.IdempotencyStatusDone})
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)
}

func TestIdempotencyRepository_DeleteExpiredOldestFirst(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	now := time.Now().UTC()

	for key, expiresAt := range map[string]time.Time{
		"idem-expired-1": now.Add(-5 * time.Minute),
		"idem-expired-2": now.Add(-4 * time.Minute),
		"idem-expired-3": now.Add(-3 * time.Minute),
		"idem-active":    now.Add(time.Hour),
	} {
		_, err := repo.Claim(claim(key, "hash", expiresAt))
		require.NoError(t, err)
	}

	removed, err := repo.DeleteExpired(now, 2)
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	removed, err = repo.DeleteExpired(now, 0)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = repo.Get("idem-active")
	require.NoError(t, err)
}

func TestIdempotencyRepository_ExpiredKeyCanBeReused(t *testing.T) {
	repo := memory.NewIdempotencyRepository()

	_, err := repo.Claim(claim("idem-reuse", "hash-old", time.Now().UTC().Add(-time.Second)))
	require.NoError(t, err)
	_, err = repo.Get("idem-reuse")
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)

	rec, err := repo.Claim(claim("idem-reuse", "hash-new", time.Now().UTC().Add(time.Hour)))
	require.NoError(t, err)
	require.Equal(t, "hash-new", rec.RequestHash)
}
