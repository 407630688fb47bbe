package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/orders/internal/domain"
)

const idempotencyColumns = `key, pattern, correlation_id, request_hash, response_body, reply_status, status, expires_at, created_at, updated_at`

// idempotencyRepository хранит reply для x-idempotency-key.
type idempotencyRepository struct {
	db *sql.DB
}

// NewIdempotencyRepository создаёт PostgreSQL-реализацию IdempotencyRepository.
func NewIdempotencyRepository(store *Store) domain.IdempotencyRepository {
	return &idempotencyRepository{db: store.DB()}
}

func (r *idempotencyRepository) Claim(claim domain.IdempotencyClaim) (domain.IdempotencyRecord, error) {
	now := time.Now().UTC()
	claim, err := claim.Normalize(now)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	record := claim.Record(now)

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	// Просроченный ключ перезаписывается, живой остаётся как есть и RETURNING
	// ничего не возвращает.
	var claimed string
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO idempotency_keys (`+idempotencyColumns+`)
		VALUES ($1,$2,$3,$4,NULL,NULL,$5,$6,$7,$7)
		ON CONFLICT (key) DO UPDATE
		SET pattern = EXCLUDED.pattern,
		    correlation_id = EXCLUDED.correlation_id,
		    request_hash = EXCLUDED.request_hash,
		    response_body = NULL,
		    reply_status = NULL,
		    status = EXCLUDED.status,
		    expires_at = EXCLUDED.expires_at,
		    created_at = EXCLUDED.created_at,
		    updated_at = EXCLUDED.updated_at
		WHERE idempotency_keys.expires_at <= $7
		RETURNING key
	`,
		record.Key,
		record.Pattern,
		record.CorrelationID,
		record.RequestHash,
		string(record.Status),
		record.ExpiresAt,
		now,
	).Scan(&claimed)
	switch {
	case err == nil:
		return record, nil
	case !errors.Is(err, sql.ErrNoRows):
		return domain.IdempotencyRecord{}, fmt.Errorf("claim idempotency key: %w", err)
	}

	existing, err := r.Get(claim.Key)
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("load claimed idempotency key: %w", err)
	}
	return existing, claim.Conflict(existing)
}

func (r *idempotencyRepository) Get(key string) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		SELECT `+idempotencyColumns+`
		FROM idempotency_keys
		WHERE key = $1 AND expires_at > NOW()
	`, key)

	record, err := scanIdempotencyRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
		}
		return domain.IdempotencyRecord{}, fmt.Errorf("get idempotency record %s: %w", key, err)
	}
	return record, nil
}

func (r *idempotencyRepository) Complete(key string, reply domain.IdempotencyReply) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}
	if err := reply.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET response_body = $1,
		    reply_status = $2,
		    status = $3,
		    updated_at = $4
		WHERE key = $5
	`,
		reply.Body,
		reply.ReplyStatus,
		string(reply.Status),
		time.Now().UTC(),
		key,
	)
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("idempotency rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrIdempotencyKeyNotFound
	}
	return nil
}

// DeleteExpired удаляет до limit самых старых просроченных ключей; limit <= 0
// снимает ограничение.
func (r *idempotencyRepository) DeleteExpired(before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys
		WHERE key IN (
			SELECT key
			FROM idempotency_keys
			WHERE expires_at <= $1
			ORDER BY expires_at ASC
			LIMIT NULLIF($2, 0)
		)
	`, before, max(limit, 0))
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency records: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("idempotency rows affected: %w", err)
	}
	return int(affected), nil
}

func scanIdempotencyRecord(row *sql.Row) (domain.IdempotencyRecord, error) {
	var (
		record       domain.IdempotencyRecord
		statusRaw    string
		responseBody []byte
		replyStatus  sql.NullInt64
	)
	if err := row.Scan(
		&record.Key,
		&record.Pattern,
		&record.CorrelationID,
		&record.RequestHash,
		&responseBody,
		&replyStatus,
		&statusRaw,
		&record.ExpiresAt,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return domain.IdempotencyRecord{}, err
	}

	record.Status = domain.IdempotencyStatus(statusRaw)
	if !record.Status.Valid() {
		return domain.IdempotencyRecord{}, fmt.Errorf("invalid idempotency status %q", statusRaw)
	}
	record.ResponseBody = append([]byte(nil), responseBody...)
	if replyStatus.Valid {
		record.ReplyStatus = int(replyStatus.Int64)
	}
	return record, nil
}

var _ domain.IdempotencyRepository = (*idempotencyRepository)(nil)
