package kafka

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
)

// Kafka топики по умолчанию
const (
	TopicOrderRequests   = "orders.requests"
	TopicOrderReplies    = "orders.replies"
	TopicProductRequests = "products.requests"
	TopicPaymentRequests = "payments.requests"
	TopicOrderEvents     = "orders.events"
	TopicDeadLetterQueue = "orders.dlq"
)

// Заголовки сообщений шины
const (
	HeaderPattern        = "x-pattern"
	HeaderCorrelationID  = "x-correlation-id"
	HeaderReplyTo        = "x-reply-to"
	HeaderIdempotencyKey = "x-idempotency-key"
	HeaderEventType      = "x-event-type"

	// DLQ-метаданные
	HeaderOriginalTopic  = "x-original-topic"
	HeaderOriginalOffset = "x-original-offset"
	HeaderErrorMessage   = "x-error-message"
	HeaderFailedAt       = "x-failed-at"
	HeaderReplayCount    = "x-replay-count"
)

// ReplyError: тело ошибки в reply-конверте.
type ReplyError struct {
	Status        int    `json:"status"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Envelope: reply-конверт: заполнено либо Data, либо Error.
type Envelope struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ReplyError     `json:"error,omitempty"`
}

// NewDataEnvelope кодирует успешный ответ.
func NewDataEnvelope(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reply data: %w", err)
	}
	return json.Marshal(Envelope{Data: data})
}

// NewErrorEnvelope кодирует ответ с ошибкой.
func NewErrorEnvelope(replyErr ReplyError) ([]byte, error) {
	return json.Marshal(Envelope{Error: &replyErr})
}

// ParseEnvelope декодирует reply-конверт.
func ParseEnvelope(msg *sarama.ConsumerMessage) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to unmarshal reply envelope: %w", err)
	}
	return env, nil
}

// Header возвращает значение заголовка сообщения или пустую строку.
func Header(msg *sarama.ConsumerMessage, key string) string {
	if msg == nil {
		return ""
	}
	for _, h := range msg.Headers {
		if h != nil && string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

// ReplayCount читает счётчик повторных публикаций из DLQ.
func ReplayCount(msg *sarama.ConsumerMessage) int {
	n, err := strconv.Atoi(Header(msg, HeaderReplayCount))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// ReplayHeaders готовит заголовки для повторной публикации сообщения из DLQ:
// DLQ-метаданные снимаются, счётчик повторов увеличивается на единицу.
func ReplayHeaders(msg *sarama.ConsumerMessage) []sarama.RecordHeader {
	headers := copyHeaders(msg.Headers,
		HeaderOriginalTopic, HeaderOriginalOffset, HeaderErrorMessage, HeaderFailedAt, HeaderReplayCount)
	return append(headers, sarama.RecordHeader{
		Key:   []byte(HeaderReplayCount),
		Value: []byte(strconv.Itoa(ReplayCount(msg) + 1)),
	})
}

// OutboxEnvelope: формат события, публикуемого из outbox в TopicOrderEvents.
type OutboxEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregateType"`
	AggregateID   string          `json:"aggregateId"`
	EventType     string          `json:"eventType"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"publishedAt"`
}

// ParseOutboxEnvelope разбирает событие из TopicOrderEvents.
func ParseOutboxEnvelope(msg *sarama.ConsumerMessage) (*OutboxEnvelope, error) {
	var event OutboxEnvelope
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal outbox event: %w", err)
	}
	return &event, nil
}

// copyHeaders переводит заголовки consumer-сообщения в формат producer.
func copyHeaders(headers []*sarama.RecordHeader, skip ...string) []sarama.RecordHeader {
	out := make([]sarama.RecordHeader, 0, len(headers))
next:
	for _, h := range headers {
		if h == nil {
			continue
		}
		for _, s := range skip {
			if string(h.Key) == s {
				continue next
			}
		}
		out = append(out, sarama.RecordHeader{Key: h.Key, Value: h.Value})
	}
	return out
}
