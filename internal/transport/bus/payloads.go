package bus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/orders/internal/domain"
)

// Значения пагинации по умолчанию.
const (
	DefaultPage  = 1
	DefaultLimit = 10
)

type createOrderPayload struct {
	Items []domain.LineRequest `json:"items"`
}

type findAllPayload struct {
	Status *string `json:"status"`
	Page   *int    `json:"page"`
	Limit  *int    `json:"limit"`
}

type idPayload struct {
	ID string `json:"id"`
}

type changeStatusPayload struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type paymentSessionPayload struct {
	OrderID string `json:"orderId"`
}

// paidOrderPayload принимает оба имени идентификатора платежа.
type paidOrderPayload struct {
	OrderID          string `json:"orderId"`
	StripePaymentID  string `json:"stripePaymentId"`
	ExternalChargeID string `json:"externalChargeId"`
	ReceiptURL       string `json:"receiptUrl"`
}

func (p paidOrderPayload) settlement() domain.Settlement {
	charge := p.ExternalChargeID
	if charge == "" {
		charge = p.StripePaymentID
	}
	return domain.Settlement{
		OrderID:          p.OrderID,
		ExternalChargeID: strings.TrimSpace(charge),
		ReceiptURL:       strings.TrimSpace(p.ReceiptURL),
	}
}

func (p findAllPayload) pageRequest() (domain.PageRequest, error) {
	req := domain.PageRequest{Page: DefaultPage, Limit: DefaultLimit}
	if p.Page != nil {
		req.Page = *p.Page
	}
	if p.Limit != nil {
		req.Limit = *p.Limit
	}
	if p.Status != nil && *p.Status != "" {
		status, err := domain.ParseOrderStatus(*p.Status)
		if err != nil {
			return domain.PageRequest{}, err
		}
		req.Status = &status
	}
	return req, nil
}

// decode разбирает тело запроса; ошибка формата относится к валидации.
func decode(payload []byte, dst any) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		return fmt.Errorf("%w: payload is required", domain.ErrValidation)
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return fmt.Errorf("%w: malformed payload: %v", domain.ErrValidation, err)
	}
	return nil
}

// requireUUID проверяет, что поле содержит UUID.
func requireUUID(field, value string) error {
	if _, err := uuid.Parse(value); err != nil {
		return fmt.Errorf("%w: %s must be a UUID", domain.ErrValidation, field)
	}
	return nil
}
