package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation — корневая ошибка для некорректных входных данных.
	ErrValidation = errors.New("validation failed")
	// Ошибка отсутствия хотя бы одного товара в заказе.
	ErrItemsRequired = fmt.Errorf("%w: order must contain at least one item", ErrValidation)
	// Ошибка при некорректном количестве товара (<= 0).
	ErrItemQtyInvalid = fmt.Errorf("%w: item quantity must be greater than zero", ErrValidation)
	// Ошибка, если цена позиции отрицательная.
	ErrItemPriceInvalid = fmt.Errorf("%w: item price must be non-negative", ErrValidation)
	// Ошибка отсутствующего идентификатора заказа.
	ErrOrderIDRequired = fmt.Errorf("%w: order id is required", ErrValidation)
	// Ошибка отсутствующего идентификатора платежа провайдера.
	ErrChargeIDRequired = fmt.Errorf("%w: external charge id is required", ErrValidation)
	// Ошибка отсутствующей ссылки на чек.
	ErrReceiptURLRequired = fmt.Errorf("%w: receipt url is required", ErrValidation)
	// ErrInvalidStatus возвращается для значений вне OrderStatusList.
	ErrInvalidStatus = fmt.Errorf("%w: Valid order status are: %s", ErrValidation, strings.Join(statusNames(), ","))
	// ErrInvalidPage — page/limit должны быть положительными.
	ErrInvalidPage = fmt.Errorf("%w: page and limit must be positive integers", ErrValidation)
	// ErrPageSizeTooLarge — limit превышает настроенный максимум (режим reject).
	ErrPageSizeTooLarge = fmt.Errorf("%w: limit exceeds maximum page size", ErrValidation)
	// ErrTransitionNotAllowed — политика переходов запретила смену статуса.
	ErrTransitionNotAllowed = fmt.Errorf("%w: status transition not allowed", ErrValidation)

	// ErrOrderNotFound возвращается, если заказ не найден в хранилище.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderExists — заказ с таким ID уже сохранён.
	ErrOrderExists = errors.New("order already exists")
	// ErrProductValidation — каталог не смог подтвердить один или несколько товаров.
	ErrProductValidation = errors.New("product validation failed")
	// ErrUpstreamUnavailable — удалённый сервис не ответил вовремя или брокер недоступен.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrOrderCreateFailed оборачивает любую ошибку создания заказа.
	ErrOrderCreateFailed = errors.New("order create failed")
	// ErrSettlementConflict — заказ уже оплачен другим платежом.
	ErrSettlementConflict = errors.New("order already settled with another charge")
	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
	// ErrIdempotencyKeyRequired — пустой idempotency-key.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrIdempotencyRequestHashRequired — не передан хеш тела запроса.
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// ErrIdempotencyHashMismatch — ключ уже использован с другим телом запроса.
	ErrIdempotencyHashMismatch = errors.New("idempotency key reused with different payload")
	// ErrIdempotencyKeyAlreadyExists — ключ уже создан.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// ErrIdempotencyKeyNotFound — ключ не найден.
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")
	// ErrIdempotencyInProgress — запрос с этим ключом ещё обрабатывается.
	ErrIdempotencyInProgress = errors.New("idempotency key is being processed")
	// ErrIdempotencyReplyNotFinal — попытка сохранить reply в статусе processing.
	ErrIdempotencyReplyNotFinal = errors.New("idempotency reply status must be done or failed")
)

// NotFoundError несёт идентификатор отсутствующего заказа.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("Order with %s not found", e.ID)
}

// Unwrap позволяет сравнивать через errors.Is(err, ErrOrderNotFound).
func (e *NotFoundError) Unwrap() error { return ErrOrderNotFound }

// OrderNotFound строит ошибку отсутствия заказа для id.
func OrderNotFound(id string) error {
	return &NotFoundError{ID: id}
}

// RemoteError — ошибка, которую вернул удалённый сервис в reply-конверте.
type RemoteError struct {
	Service string
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s replied %d: %s", e.Service, e.Status, e.Message)
}

// IsValidation проверяет, относится ли ошибка к классу валидации.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound проверяет, является ли ошибка отсутствием заказа.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrOrderNotFound)
}
