// Package orders реализует оркестратор заказов: создание, чтение, смену
// статуса, открытие платёжной сессии и применение оплаты.
package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orders/internal/domain"
	"github.com/vladislavdragonenkov/orders/internal/metrics"
)

// Имена операций для логов и метрик.
const (
	OpCreate               = "create_order"
	OpFindAll              = "find_all_orders"
	OpFindOne              = "find_one_order"
	OpChangeStatus         = "change_order_status"
	OpCreatePaymentSession = "create_payment_session"
	OpPaidOrder            = "paid_order"
	OpTimeline             = "find_order_timeline"
)

// Service координирует каталог, хранилище заказов и платёжный сервис.
type Service struct {
	store     domain.OrderStore
	validator domain.ProductValidator
	payments  domain.PaymentGateway
	locker    domain.SettlementLocker

	opts    Options
	logger  *log.Entry
	metrics *metrics.OrderMetrics
}

// NewService создаёт оркестратор. Валюта проверяется по ISO 4217.
func NewService(
	store domain.OrderStore,
	validator domain.ProductValidator,
	payments domain.PaymentGateway,
	locker domain.SettlementLocker,
	options ...Option,
) (*Service, error) {
	if store == nil || validator == nil || payments == nil || locker == nil {
		return nil, errors.New("orders: store, validator, payments and locker are required")
	}

	opts := defaultOptions()
	for _, option := range options {
		option(&opts)
	}

	code, err := NormalizeCurrency(opts.Currency)
	if err != nil {
		return nil, err
	}
	opts.Currency = code

	if opts.Transitions == nil {
		opts.Transitions = domain.PermissiveTransitions{}
	}
	if opts.NameSource == "" {
		opts.NameSource = NameSourceStored
	}
	if opts.MaxPageSize.Effect == "" {
		opts.MaxPageSize.Effect = domain.PageSizeReject
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "orders")
	}

	return &Service{
		store:     store,
		validator: validator,
		payments:  payments,
		locker:    locker,
		opts:      opts,
		logger:    logger,
		metrics:   opts.Metrics,
	}, nil
}

// Currency возвращает валюту платёжных сессий.
func (s *Service) Currency() string { return s.opts.Currency }

// Create проверяет товары в каталоге, считает итоги и атомарно сохраняет
// заказ с позициями. Ошибки каталога и хранилища оборачиваются в
// ErrOrderCreateFailed; в хранилище при этом ничего не попадает.
func (s *Service) Create(ctx context.Context, lines []domain.LineRequest) (order domain.Order, err error) {
	done := s.metrics.StartOperation(OpCreate)
	defer func() { done(err) }()

	if err := domain.ValidateLines(lines); err != nil {
		return domain.Order{}, err
	}

	ids := lo.Map(lines, func(l domain.LineRequest, _ int) string { return l.ProductID })
	products, err := s.validator.Validate(ctx, ids)
	if err != nil {
		s.logger.WithError(err).WithField("products", len(ids)).Warn("product validation failed")
		return domain.Order{}, fmt.Errorf("%w: %w", domain.ErrOrderCreateFailed, err)
	}

	draft, err := domain.NewOrder(s.opts.NewID(), lines, products, s.opts.Now())
	if err != nil {
		return domain.Order{}, fmt.Errorf("%w: %w", domain.ErrOrderCreateFailed, err)
	}

	saved, err := s.store.Create(ctx, draft)
	if err != nil {
		s.logger.WithError(err).WithField("order_id", draft.ID).Error("failed to persist order")
		return domain.Order{}, fmt.Errorf("%w: %w", domain.ErrOrderCreateFailed, err)
	}

	s.logger.WithFields(log.Fields{
		"order_id":     saved.ID,
		"total_amount": saved.TotalAmount.String(),
		"total_items":  saved.TotalItems,
	}).Info("order created")

	s.record(ctx, saved, domain.TimelineOrderCreated, domain.EventOrderCreated, "")
	return saved, nil
}

// FindAll возвращает страницу заказов с метаданными.
func (s *Service) FindAll(ctx context.Context, req domain.PageRequest) (page domain.Page, err error) {
	done := s.metrics.StartOperation(OpFindAll)
	defer func() { done(err) }()

	req, err = req.Normalize(s.opts.MaxPageSize)
	if err != nil {
		return domain.Page{}, err
	}

	data, total, err := s.store.FindMany(ctx, req)
	if err != nil {
		return domain.Page{}, fmt.Errorf("find orders: %w", err)
	}
	if data == nil {
		data = []domain.Order{}
	}

	return domain.Page{
		Data: data,
		Meta: domain.PageMeta{
			Total:    total,
			Page:     req.Page,
			LastPage: domain.LastPage(total, req.Limit),
		},
	}, nil
}

// FindOne возвращает заказ с позициями и названиями товаров.
func (s *Service) FindOne(ctx context.Context, id string) (order domain.Order, err error) {
	done := s.metrics.StartOperation(OpFindOne)
	defer func() { done(err) }()

	return s.findOne(ctx, id)
}

func (s *Service) findOne(ctx context.Context, id string) (domain.Order, error) {
	order, err := s.store.FindByID(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}

	switch s.opts.NameSource {
	case NameSourceCatalog:
		if err := s.fillNames(ctx, &order, false); err != nil {
			return domain.Order{}, err
		}
	default:
		// Старые записи без сохранённого названия дополняются из каталога
		if err := s.fillNames(ctx, &order, true); err != nil {
			s.logger.WithError(err).WithField("order_id", order.ID).Warn("failed to enrich item names")
		}
	}
	return order, nil
}

// fillNames проставляет названия товаров из каталога. При onlyMissing
// каталог вызывается только для позиций без названия.
func (s *Service) fillNames(ctx context.Context, order *domain.Order, onlyMissing bool) error {
	var ids []string
	for _, item := range order.Items {
		if !onlyMissing || item.Name == "" {
			ids = append(ids, item.ProductID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	products, err := s.validator.Validate(ctx, ids)
	if err != nil {
		return fmt.Errorf("resolve product names: %w", err)
	}
	for i := range order.Items {
		if p, ok := products[order.Items[i].ProductID]; ok && (!onlyMissing || order.Items[i].Name == "") {
			order.Items[i].Name = p.Name
		}
	}
	return nil
}

// ChangeStatus переводит заказ в новый статус. Тот же статус возвращает
// заказ без записи; допустимость перехода решает TransitionPolicy.
func (s *Service) ChangeStatus(ctx context.Context, id string, status domain.OrderStatus) (order domain.Order, err error) {
	done := s.metrics.StartOperation(OpChangeStatus)
	defer func() { done(err) }()

	if !status.Valid() {
		return domain.Order{}, domain.ErrInvalidStatus
	}

	current, err := s.findOne(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	if current.Status == status {
		return current, nil
	}

	if err := s.opts.Transitions.Allow(current.Status, status); err != nil {
		return domain.Order{}, err
	}

	updated, err := s.store.UpdateStatus(ctx, id, status)
	if err != nil {
		return domain.Order{}, fmt.Errorf("update order status: %w", err)
	}
	updated.Items = current.Items
	if updated.Receipt == nil {
		updated.Receipt = current.Receipt
	}

	s.logger.WithFields(log.Fields{
		"order_id": id,
		"from":     current.Status,
		"to":       status,
	}).Info("order status changed")

	s.record(ctx, updated, domain.TimelineStatusChanged, domain.EventOrderStatusChanged,
		fmt.Sprintf("%s -> %s", current.Status, status))
	return updated, nil
}

// CreatePaymentSession открывает платёжную сессию по позициям заказа.
// Ответ платёжного сервиса возвращается без изменений.
func (s *Service) CreatePaymentSession(ctx context.Context, orderID string) (session domain.PaymentSession, err error) {
	done := s.metrics.StartOperation(OpCreatePaymentSession)
	defer func() { done(err) }()

	order, err := s.findOne(ctx, orderID)
	if err != nil {
		return nil, err
	}

	session, err = s.payments.CreateSession(ctx, domain.NewPaymentSessionRequest(order, s.opts.Currency))
	if err != nil {
		s.logger.WithError(err).WithField("order_id", orderID).Warn("payment session failed")
		return nil, err
	}
	return session, nil
}

// PaidOrder применяет уведомление об оплате. Повтор с тем же платежом
// возвращает текущий заказ без записи; другой платёж для оплаченного
// заказа даёт ErrSettlementConflict.
func (s *Service) PaidOrder(ctx context.Context, settlement domain.Settlement) (order domain.Order, err error) {
	done := s.metrics.StartOperation(OpPaidOrder)
	defer func() { done(err) }()

	if err := settlement.Validate(); err != nil {
		return domain.Order{}, err
	}

	release, err := s.locker.Acquire(ctx, settlement.OrderID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("acquire settlement lock: %w", err)
	}
	defer release()

	logger := s.logger.WithFields(log.Fields{
		"order_id":  settlement.OrderID,
		"charge_id": settlement.ExternalChargeID,
	})

	order, outcome, err := s.store.MarkPaid(ctx, settlement, s.opts.Now(), s.opts.Transitions)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrSettlementConflict):
			s.metrics.RecordSettlement("conflict")
			logger.WithError(err).Error("settlement conflicts with existing payment")
		case errors.Is(err, domain.ErrTransitionNotAllowed):
			s.metrics.RecordSettlement("rejected")
			logger.WithError(err).Error("settlement rejected by transition policy")
		}
		return domain.Order{}, err
	}
	s.metrics.RecordSettlement(string(outcome))

	if outcome == domain.SettlementDuplicate {
		logger.Info("duplicate settlement ignored")
		s.appendTimeline(domain.TimelineEvent{
			OrderID: order.ID,
			Type:    domain.TimelineSettlementDupe,
			Status:  order.Status,
			Reason:  settlement.ExternalChargeID,
			TraceID: traceIDFrom(ctx),
		})
		return order, nil
	}

	logger.Info("order paid")
	s.record(ctx, order, domain.TimelineOrderPaid, domain.EventOrderPaid, settlement.ExternalChargeID)
	return order, nil
}

// Timeline возвращает события жизненного цикла заказа.
func (s *Service) Timeline(ctx context.Context, orderID string) (events []domain.TimelineEvent, err error) {
	done := s.metrics.StartOperation(OpTimeline)
	defer func() { done(err) }()

	if _, err := s.store.FindByID(ctx, orderID); err != nil {
		return nil, err
	}
	if s.opts.Timeline == nil {
		return []domain.TimelineEvent{}, nil
	}
	events, err = s.opts.Timeline.List(orderID)
	if err != nil {
		return nil, fmt.Errorf("list timeline: %w", err)
	}
	if events == nil {
		events = []domain.TimelineEvent{}
	}
	return events, nil
}
