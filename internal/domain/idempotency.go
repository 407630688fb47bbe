package domain

import (
	"strings"
	"time"
)

// IdempotencyStatus описывает жизненный цикл ключа идемпотентности.
type IdempotencyStatus string

const (
	// IdempotencyStatusProcessing означает, что запрос принят и ещё обрабатывается.
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	// IdempotencyStatusDone означает, что запрос завершён и reply сохранён.
	IdempotencyStatusDone IdempotencyStatus = "done"
	// IdempotencyStatusFailed означает, что обработка завершилась ошибкой и сохранён error-конверт.
	IdempotencyStatusFailed IdempotencyStatus = "failed"
)

// DefaultIdempotencyRetention применяется, если claim пришёл без срока хранения.
const DefaultIdempotencyRetention = 24 * time.Hour

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed:
		return true
	default:
		return false
	}
}

// Final сообщает, сохранён ли для ключа окончательный reply.
func (s IdempotencyStatus) Final() bool {
	return s == IdempotencyStatusDone || s == IdempotencyStatusFailed
}

// IdempotencyClaim: попытка запроса шины занять x-idempotency-key.
type IdempotencyClaim struct {
	Key           string
	Pattern       string
	CorrelationID string
	RequestHash   string
	ExpiresAt     time.Time
}

// Normalize обрезает пробелы, проверяет обязательные поля и подставляет
// срок хранения по умолчанию.
func (c IdempotencyClaim) Normalize(now time.Time) (IdempotencyClaim, error) {
	c.Key = strings.TrimSpace(c.Key)
	c.Pattern = strings.TrimSpace(c.Pattern)
	c.CorrelationID = strings.TrimSpace(c.CorrelationID)
	c.RequestHash = strings.TrimSpace(c.RequestHash)

	if c.Key == "" {
		return c, ErrIdempotencyKeyRequired
	}
	if c.RequestHash == "" {
		return c, ErrIdempotencyRequestHashRequired
	}
	if c.ExpiresAt.IsZero() {
		c.ExpiresAt = now.Add(DefaultIdempotencyRetention)
	}
	return c, nil
}

// Record строит запись в статусе processing, которую claim создаёт в хранилище.
func (c IdempotencyClaim) Record(now time.Time) IdempotencyRecord {
	return IdempotencyRecord{
		Key:           c.Key,
		Pattern:       c.Pattern,
		CorrelationID: c.CorrelationID,
		RequestHash:   c.RequestHash,
		Status:        IdempotencyStatusProcessing,
		ExpiresAt:     c.ExpiresAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Conflict объясняет, почему claim не может занять уже существующую запись.
func (c IdempotencyClaim) Conflict(existing IdempotencyRecord) error {
	if existing.RequestHash != c.RequestHash {
		return ErrIdempotencyHashMismatch
	}
	return ErrIdempotencyKeyAlreadyExists
}

// IdempotencyReply: окончательный результат, сохраняемый под ключом.
type IdempotencyReply struct {
	Status      IdempotencyStatus
	Body        []byte
	ReplyStatus int
}

// Validate допускает только окончательные статусы.
func (r IdempotencyReply) Validate() error {
	if !r.Status.Final() {
		return ErrIdempotencyReplyNotFinal
	}
	return nil
}

// IdempotencyRecord хранит reply для x-idempotency-key вместе с паттерном и
// correlation id запроса, который первым занял ключ.
type IdempotencyRecord struct {
	Key           string
	Pattern       string
	CorrelationID string
	RequestHash   string
	ResponseBody  []byte
	ReplyStatus   int
	Status        IdempotencyStatus
	ExpiresAt     time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Expired сообщает, истёк ли срок хранения записи.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Apply переносит reply в запись.
func (r IdempotencyRecord) Apply(reply IdempotencyReply, now time.Time) IdempotencyRecord {
	r.Status = reply.Status
	r.ResponseBody = append([]byte(nil), reply.Body...)
	r.ReplyStatus = reply.ReplyStatus
	r.UpdatedAt = now
	return r
}
