package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrUnknownPattern: для паттерна не зарегистрирован обработчик.
var ErrUnknownPattern = errors.New("unknown message pattern")

// Request: входящий запрос шины.
type Request struct {
	Pattern        string
	CorrelationID  string
	ReplyTo        string
	IdempotencyKey string
	Payload        json.RawMessage
}

// HandlerFunc обрабатывает запрос и возвращает данные ответа.
type HandlerFunc func(ctx context.Context, req Request) (any, error)

// ErrorMapper переводит ошибку обработчика в тело error-конверта.
type ErrorMapper func(err error, correlationID string) ReplyError

// RequestObserver получает результат обработки каждого запроса.
type RequestObserver interface {
	ObserveBusRequest(pattern string, status int, duration time.Duration)
}

// Router направляет сообщения по заголовку x-pattern к обработчикам
// и отправляет ответ в x-reply-to, если он указан.
type Router struct {
	sender   MessageSender
	mapError ErrorMapper
	timeout  time.Duration
	observer RequestObserver
	logger   *log.Entry
	tracer   trace.Tracer

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// RouterOption настраивает Router.
type RouterOption func(*Router)

// WithErrorMapper задаёт перевод ошибок в reply-конверт.
func WithErrorMapper(mapper ErrorMapper) RouterOption {
	return func(r *Router) {
		if mapper != nil {
			r.mapError = mapper
		}
	}
}

// WithHandlerTimeout ограничивает время обработки одного сообщения.
func WithHandlerTimeout(d time.Duration) RouterOption {
	return func(r *Router) { r.timeout = d }
}

// WithRequestObserver подключает метрики.
func WithRequestObserver(observer RequestObserver) RouterOption {
	return func(r *Router) { r.observer = observer }
}

// WithRouterLogger задаёт логгер.
func WithRouterLogger(logger *log.Entry) RouterOption {
	return func(r *Router) { r.logger = logger }
}

// NewRouter создаёт маршрутизатор; sender используется для ответов.
func NewRouter(sender MessageSender, opts ...RouterOption) *Router {
	r := &Router{
		sender:   sender,
		mapError: DefaultErrorMapper,
		logger:   log.WithField("component", "kafka-router"),
		tracer:   otel.Tracer("github.com/vladislavdragonenkov/orders/internal/messaging/kafka"),
		handlers: make(map[string]HandlerFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DefaultErrorMapper отвечает 500 без деталей.
func DefaultErrorMapper(_ error, correlationID string) ReplyError {
	return ReplyError{Status: http.StatusInternalServerError, Message: "Check logs", CorrelationID: correlationID}
}

// Handle регистрирует обработчик паттерна.
func (r *Router) Handle(pattern string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[pattern] = handler
}

// Patterns возвращает зарегистрированные паттерны.
func (r *Router) Patterns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for p := range r.handlers {
		out = append(out, p)
	}
	return out
}

// HandleMessage реализует MessageHandler для Consumer. Если ответ не ожидается
// (нет x-reply-to), ошибка обработчика возвращается и сообщение уходит в DLQ.
func (r *Router) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	started := time.Now()

	req := Request{
		Pattern:        Header(msg, HeaderPattern),
		CorrelationID:  Header(msg, HeaderCorrelationID),
		ReplyTo:        Header(msg, HeaderReplyTo),
		IdempotencyKey: Header(msg, HeaderIdempotencyKey),
		Payload:        json.RawMessage(msg.Value),
	}
	// События без x-pattern (например, payment.succeeded) маршрутизируются по топику
	if req.Pattern == "" {
		req.Pattern = msg.Topic
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}

	ctx = extractTrace(ctx, msg)
	ctx, span := r.tracer.Start(ctx, "bus "+req.Pattern,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination.name", msg.Topic),
			attribute.String("messaging.message.conversation_id", req.CorrelationID),
		))
	defer span.End()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	logger := r.logger.WithFields(log.Fields{
		"pattern":        req.Pattern,
		"correlation_id": req.CorrelationID,
	})

	result, err := r.dispatch(ctx, req)

	status := http.StatusOK
	var replyErr ReplyError
	if err != nil {
		replyErr = r.mapError(err, req.CorrelationID)
		status = replyErr.Status
		span.RecordError(err)
		span.SetStatus(codes.Error, replyErr.Message)
		logger.WithError(err).WithField("status", status).Warn("request failed")
	}
	span.SetAttributes(attribute.Int("orders.reply.status", status))
	if r.observer != nil {
		r.observer.ObserveBusRequest(req.Pattern, status, time.Since(started))
	}

	if req.ReplyTo == "" {
		return err
	}

	var body []byte
	if err != nil {
		body, err = NewErrorEnvelope(replyErr)
	} else {
		body, err = NewDataEnvelope(result)
	}
	if err != nil {
		return fmt.Errorf("failed to encode reply: %w", err)
	}

	reply := &sarama.ProducerMessage{
		Topic: req.ReplyTo,
		Key:   sarama.StringEncoder(req.CorrelationID),
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderCorrelationID), Value: []byte(req.CorrelationID)},
		},
	}
	if err := r.sender.Send(ctx, reply); err != nil {
		logger.WithError(err).Error("failed to send reply")
		return fmt.Errorf("failed to send reply: %w", err)
	}
	return nil
}

func (r *Router) dispatch(ctx context.Context, req Request) (result any, err error) {
	r.mu.RLock()
	handler, ok := r.handlers[req.Pattern]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPattern, req.Pattern)
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler %s panicked: %v", req.Pattern, rec)
		}
	}()
	return handler(ctx, req)
}
