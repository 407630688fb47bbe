package domain

import (
	"fmt"
	"strings"
)

// PageSizeEffect определяет поведение при превышении максимального limit.
type PageSizeEffect string

const (
	// PageSizeReject отклоняет запрос с ErrPageSizeTooLarge.
	PageSizeReject PageSizeEffect = "reject"
	// PageSizeClamp уменьшает limit до максимума.
	PageSizeClamp PageSizeEffect = "clamp"
)

// ParsePageSizeEffect разбирает значение из конфигурации.
func ParsePageSizeEffect(raw string) (PageSizeEffect, error) {
	switch e := PageSizeEffect(strings.ToLower(strings.TrimSpace(raw))); e {
	case PageSizeReject, PageSizeClamp:
		return e, nil
	case "":
		return PageSizeReject, nil
	default:
		return "", fmt.Errorf("unknown page size effect %q", raw)
	}
}

// MaxPageSize ограничивает limit. Limit == 0 означает отсутствие ограничения.
type MaxPageSize struct {
	Limit  int
	Effect PageSizeEffect
}

// PageRequest: параметры выборки списка заказов.
type PageRequest struct {
	Status *OrderStatus
	Page   int
	Limit  int
}

// Offset: количество пропускаемых записей.
func (r PageRequest) Offset() int {
	return (r.Page - 1) * r.Limit
}

// Normalize проверяет page/limit и применяет MaxPageSize.
func (r PageRequest) Normalize(max MaxPageSize) (PageRequest, error) {
	if r.Page < 1 || r.Limit < 1 {
		return r, ErrInvalidPage
	}
	if r.Status != nil && !r.Status.Valid() {
		return r, ErrInvalidStatus
	}
	if max.Limit > 0 && r.Limit > max.Limit {
		if max.Effect == PageSizeClamp {
			r.Limit = max.Limit
			return r, nil
		}
		return r, fmt.Errorf("%w: %d > %d", ErrPageSizeTooLarge, r.Limit, max.Limit)
	}
	return r, nil
}

// PageMeta: метаданные пагинации.
type PageMeta struct {
	Total    int `json:"total"`
	Page     int `json:"page"`
	LastPage int `json:"lastPage"`
}

// Page: страница заказов.
type Page struct {
	Data []Order  `json:"data"`
	Meta PageMeta `json:"meta"`
}

// LastPage считает ceil(total/limit).
func LastPage(total, limit int) int {
	if limit <= 0 {
		return 0
	}
	return (total + limit - 1) / limit
}
