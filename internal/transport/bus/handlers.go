// Package bus связывает паттерны шины с операциями оркестратора заказов.
package bus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orders/internal/domain"
	"github.com/vladislavdragonenkov/orders/internal/messaging/kafka"
)

// Паттерны, которые обслуживает сервис заказов.
const (
	PatternCreateOrder          = "create_order"
	PatternFindAllOrders        = "find_all_orders"
	PatternFindOneOrder         = "find_one_order"
	PatternChangeOrderStatus    = "change_order_status"
	PatternCreatePaymentSession = "create_payment_session"
	PatternPaidOrder            = "paid_order"
	PatternPaymentSucceeded     = "payment.succeeded"
	PatternFindOrderTimeline    = "find_order_timeline"
)

// DefaultIdempotencyTTL: срок хранения ответа по idempotency-key.
const DefaultIdempotencyTTL = 24 * time.Hour

// OrderService: операции оркестратора, доступные через шину.
type OrderService interface {
	Create(ctx context.Context, lines []domain.LineRequest) (domain.Order, error)
	FindAll(ctx context.Context, req domain.PageRequest) (domain.Page, error)
	FindOne(ctx context.Context, id string) (domain.Order, error)
	ChangeStatus(ctx context.Context, id string, status domain.OrderStatus) (domain.Order, error)
	CreatePaymentSession(ctx context.Context, orderID string) (domain.PaymentSession, error)
	PaidOrder(ctx context.Context, settlement domain.Settlement) (domain.Order, error)
	Timeline(ctx context.Context, orderID string) ([]domain.TimelineEvent, error)
}

// Handlers обслуживает запросы шины.
type Handlers struct {
	svc    OrderService
	idem   domain.IdempotencyRepository
	ttl    time.Duration
	now    func() time.Time
	logger *log.Entry
}

// Option настраивает Handlers.
type Option func(*Handlers)

// WithIdempotency включает повтор ответа create_order по x-idempotency-key.
func WithIdempotency(repo domain.IdempotencyRepository, ttl time.Duration) Option {
	return func(h *Handlers) {
		h.idem = repo
		if ttl > 0 {
			h.ttl = ttl
		}
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(h *Handlers) { h.logger = logger }
}

// NewHandlers создаёт обработчики поверх оркестратора.
func NewHandlers(svc OrderService, opts ...Option) *Handlers {
	h := &Handlers{
		svc:    svc,
		ttl:    DefaultIdempotencyTTL,
		now:    func() time.Time { return time.Now().UTC() },
		logger: log.WithField("component", "bus-handlers"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register регистрирует все паттерны в роутере.
func (h *Handlers) Register(r *kafka.Router) {
	r.Handle(PatternCreateOrder, h.createOrder)
	r.Handle(PatternFindAllOrders, h.findAll)
	r.Handle(PatternFindOneOrder, h.findOne)
	r.Handle(PatternChangeOrderStatus, h.changeStatus)
	r.Handle(PatternCreatePaymentSession, h.createPaymentSession)
	r.Handle(PatternPaidOrder, h.paidOrder)
	r.Handle(PatternPaymentSucceeded, h.paidOrder)
	r.Handle(PatternFindOrderTimeline, h.timeline)
}

func (h *Handlers) createOrder(ctx context.Context, req kafka.Request) (any, error) {
	var p createOrderPayload
	if err := decode(req.Payload, &p); err != nil {
		return nil, err
	}

	if h.idem == nil || req.IdempotencyKey == "" {
		return h.svc.Create(ctx, p.Items)
	}
	return h.withIdempotency(req, p, func() (any, error) {
		return h.svc.Create(ctx, p.Items)
	})
}

func (h *Handlers) findAll(ctx context.Context, req kafka.Request) (any, error) {
	var p findAllPayload
	// Пустое тело допустимо: берутся значения по умолчанию
	if len(req.Payload) > 0 && string(req.Payload) != "null" {
		if err := decode(req.Payload, &p); err != nil {
			return nil, err
		}
	}
	pageReq, err := p.pageRequest()
	if err != nil {
		return nil, err
	}
	return h.svc.FindAll(ctx, pageReq)
}

func (h *Handlers) findOne(ctx context.Context, req kafka.Request) (any, error) {
	var p idPayload
	if err := decode(req.Payload, &p); err != nil {
		return nil, err
	}
	if err := requireUUID("id", p.ID); err != nil {
		return nil, err
	}
	return h.svc.FindOne(ctx, p.ID)
}

func (h *Handlers) changeStatus(ctx context.Context, req kafka.Request) (any, error) {
	var p changeStatusPayload
	if err := decode(req.Payload, &p); err != nil {
		return nil, err
	}
	if err := requireUUID("id", p.ID); err != nil {
		return nil, err
	}
	status, err := domain.ParseOrderStatus(p.Status)
	if err != nil {
		return nil, err
	}
	return h.svc.ChangeStatus(ctx, p.ID, status)
}

func (h *Handlers) createPaymentSession(ctx context.Context, req kafka.Request) (any, error) {
	var p paymentSessionPayload
	if err := decode(req.Payload, &p); err != nil {
		return nil, err
	}
	if err := requireUUID("orderId", p.OrderID); err != nil {
		return nil, err
	}
	return h.svc.CreatePaymentSession(ctx, p.OrderID)
}

func (h *Handlers) paidOrder(ctx context.Context, req kafka.Request) (any, error) {
	var p paidOrderPayload
	if err := decode(req.Payload, &p); err != nil {
		return nil, err
	}
	if err := requireUUID("orderId", p.OrderID); err != nil {
		return nil, err
	}
	return h.svc.PaidOrder(ctx, p.settlement())
}

func (h *Handlers) timeline(ctx context.Context, req kafka.Request) (any, error) {
	var p idPayload
	if err := decode(req.Payload, &p); err != nil {
		return nil, err
	}
	if err := requireUUID("id", p.ID); err != nil {
		return nil, err
	}
	return h.svc.Timeline(ctx, p.ID)
}

// withIdempotency выполняет run один раз на ключ. Повтор с тем же телом
// возвращает сохранённый ответ, повтор с другим телом ErrIdempotencyHashMismatch.
func (h *Handlers) withIdempotency(req kafka.Request, payload any, run func() (any, error)) (any, error) {
	logger := h.logger.WithFields(log.Fields{
		"pattern":         req.Pattern,
		"idempotency_key": req.IdempotencyKey,
	})

	hash, err := requestHash(req.Pattern, payload)
	if err != nil {
		return nil, fmt.Errorf("build idempotency request hash: %w", err)
	}

	record, err := h.idem.Claim(domain.IdempotencyClaim{
		Key:           req.IdempotencyKey,
		Pattern:       req.Pattern,
		CorrelationID: req.CorrelationID,
		RequestHash:   hash,
		ExpiresAt:     h.now().Add(h.ttl),
	})
	if err != nil {
		return h.replay(err, record, logger)
	}

	result, runErr := run()
	if runErr != nil {
		reply := MapError(runErr, req.CorrelationID)
		body, err := json.Marshal(reply)
		if err != nil {
			logger.WithError(err).Warn("failed to encode idempotency failure")
			body = nil
		}
		h.complete(req.IdempotencyKey, domain.IdempotencyReply{
			Status:      domain.IdempotencyStatusFailed,
			Body:        body,
			ReplyStatus: reply.Status,
		}, logger)
		return nil, runErr
	}

	body, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode idempotent reply: %w", err)
	}
	h.complete(req.IdempotencyKey, domain.IdempotencyReply{
		Status:      domain.IdempotencyStatusDone,
		Body:        body,
		ReplyStatus: 200,
	}, logger)
	return json.RawMessage(body), nil
}

// complete сохраняет reply. Ошибка записи не влияет на ответ текущему
// клиенту, повтор просто выполнится заново после истечения ключа.
func (h *Handlers) complete(key string, reply domain.IdempotencyReply, logger *log.Entry) {
	if err := h.idem.Complete(key, reply); err != nil {
		logger.WithError(err).WithField("idempotency_status", reply.Status).Warn("failed to store idempotent reply")
	}
}

func (h *Handlers) replay(createErr error, record domain.IdempotencyRecord, logger *log.Entry) (any, error) {
	logger = logger.WithFields(log.Fields{
		"claimed_by":         record.CorrelationID,
		"claimed_by_pattern": record.Pattern,
	})
	switch {
	case errors.Is(createErr, domain.ErrIdempotencyHashMismatch):
		return nil, createErr
	case errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists):
		switch record.Status {
		case domain.IdempotencyStatusDone:
			if len(record.ResponseBody) == 0 {
				return nil, errors.New("idempotency cache is empty")
			}
			logger.Debug("replaying stored reply")
			return json.RawMessage(record.ResponseBody), nil
		case domain.IdempotencyStatusProcessing:
			return nil, domain.ErrIdempotencyInProgress
		case domain.IdempotencyStatusFailed:
			return nil, decodeFailure(record)
		default:
			return nil, fmt.Errorf("unknown idempotency record status %q", record.Status)
		}
	default:
		logger.WithError(createErr).Warn("failed to create idempotency record")
		return nil, fmt.Errorf("init idempotency record: %w", createErr)
	}
}

func decodeFailure(record domain.IdempotencyRecord) error {
	var reply kafka.ReplyError
	if len(record.ResponseBody) > 0 {
		if err := json.Unmarshal(record.ResponseBody, &reply); err == nil && reply.Status != 0 {
			return &replayedError{reply: reply}
		}
	}
	status := record.ReplyStatus
	if status == 0 {
		status = 500
	}
	return &replayedError{reply: kafka.ReplyError{
		Status:  status,
		Message: "previous request with the same idempotency key failed",
	}}
}

// requestHash считает sha256 от паттерна и канонического JSON тела.
func requestHash(pattern string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	buf := make([]byte, 0, len(pattern)+1+len(data))
	buf = append(buf, pattern...)
	buf = append(buf, ':')
	buf = append(buf, data...)
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:]), nil
}
