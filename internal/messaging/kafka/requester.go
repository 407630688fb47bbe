package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orders/internal/domain"
)

// DefaultRequestTimeout ограничивает ожидание ответа, если у ctx нет дедлайна.
const DefaultRequestTimeout = 5 * time.Second

// ErrRequestTimeout: ответ не пришёл за отведённое время.
var ErrRequestTimeout = fmt.Errorf("%w: reply timeout", domain.ErrUpstreamUnavailable)

// MessageSender отправляет сообщение в Kafka. Реализуется *Producer.
type MessageSender interface {
	Send(ctx context.Context, msg *sarama.ProducerMessage) error
}

// Requester реализует request/reply поверх Kafka: запрос уходит с
// x-correlation-id и x-reply-to, ответ ожидается в replyTopic.
type Requester struct {
	sender     MessageSender
	replyTopic string
	timeout    time.Duration
	logger     *log.Entry

	mu      sync.Mutex
	pending map[string]chan Envelope
}

// RequesterOption настраивает Requester.
type RequesterOption func(*Requester)

// WithRequestTimeout задаёт ожидание ответа по умолчанию.
func WithRequestTimeout(d time.Duration) RequesterOption {
	return func(r *Requester) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithRequesterLogger задаёт логгер.
func WithRequesterLogger(logger *log.Entry) RequesterOption {
	return func(r *Requester) { r.logger = logger }
}

// NewRequester создаёт клиента; ответы нужно подавать в HandleReply
// (обычно через Consumer на replyTopic).
func NewRequester(sender MessageSender, replyTopic string, opts ...RequesterOption) *Requester {
	if replyTopic == "" {
		replyTopic = TopicOrderReplies
	}
	r := &Requester{
		sender:     sender,
		replyTopic: replyTopic,
		timeout:    DefaultRequestTimeout,
		logger:     log.WithField("component", "kafka-requester"),
		pending:    make(map[string]chan Envelope),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type idempotencyKeyCtx struct{}

// WithIdempotencyKey помечает запросы, отправленные с ctx, заголовком
// x-idempotency-key.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyCtx{}, key)
}

func idempotencyKeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKeyCtx{}).(string)
	return key
}

// ReplyTopic возвращает топик, в который ожидаются ответы.
func (r *Requester) ReplyTopic() string { return r.replyTopic }

// Request отправляет payload с паттерном pattern в topic и ждёт ответ.
// При успехе data ответа декодируется в out (если out != nil).
// Error-конверт возвращается как *domain.RemoteError.
func (r *Requester) Request(ctx context.Context, topic, pattern string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	correlationID := uuid.NewString()
	replyCh := make(chan Envelope, 1)
	r.register(correlationID, replyCh)
	defer r.unregister(correlationID)

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(correlationID),
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderPattern), Value: []byte(pattern)},
			{Key: []byte(HeaderCorrelationID), Value: []byte(correlationID)},
			{Key: []byte(HeaderReplyTo), Value: []byte(r.replyTopic)},
		},
	}
	if key := idempotencyKeyFrom(ctx); key != "" {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(HeaderIdempotencyKey), Value: []byte(key)})
	}
	if err := r.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrUpstreamUnavailable, pattern, err)
	}

	logger := r.logger.WithFields(log.Fields{
		"pattern":        pattern,
		"topic":          topic,
		"correlation_id": correlationID,
	})

	select {
	case env := <-replyCh:
		if env.Error != nil {
			return &domain.RemoteError{Service: topic, Status: env.Error.Status, Message: env.Error.Message}
		}
		if out == nil || len(env.Data) == 0 {
			return nil
		}
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode %s reply: %w", pattern, err)
		}
		return nil
	case <-ctx.Done():
		logger.WithError(ctx.Err()).Warn("request expired without reply")
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrRequestTimeout, pattern)
		}
		return ctx.Err()
	}
}

// HandleReply реализует MessageHandler для топика ответов. Ответы без ожидающего
// запроса (чужие или опоздавшие) игнорируются.
func (r *Requester) HandleReply(_ context.Context, msg *sarama.ConsumerMessage) error {
	correlationID := Header(msg, HeaderCorrelationID)
	if correlationID == "" {
		correlationID = string(msg.Key)
	}

	r.mu.Lock()
	ch, ok := r.pending[correlationID]
	r.mu.Unlock()
	if !ok {
		r.logger.WithField("correlation_id", correlationID).Debug("reply without pending request")
		return nil
	}

	env, err := ParseEnvelope(msg)
	if err != nil {
		env = Envelope{Error: &ReplyError{Status: 502, Message: err.Error(), CorrelationID: correlationID}}
	}

	select {
	case ch <- env:
	default:
	}
	return nil
}

// Pending возвращает количество запросов, ожидающих ответ.
func (r *Requester) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Requester) register(id string, ch chan Envelope) {
	r.mu.Lock()
	r.pending[id] = ch
	r.mu.Unlock()
}

func (r *Requester) unregister(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}
