package orders

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/text/currency"

	"github.com/vladislavdragonenkov/orders/internal/domain"
	"github.com/vladislavdragonenkov/orders/internal/metrics"
)

// NameSource определяет, откуда берутся названия товаров при чтении заказа.
type NameSource string

const (
	// NameSourceStored: названия, сохранённые в позициях при создании.
	NameSourceStored NameSource = "stored"
	// NameSourceCatalog: названия запрашиваются у каталога при каждом чтении.
	NameSourceCatalog NameSource = "catalog"
)

// ParseNameSource разбирает значение из конфигурации, пустое значение означает stored.
func ParseNameSource(raw string) (NameSource, error) {
	switch s := NameSource(strings.ToLower(strings.TrimSpace(raw))); s {
	case NameSourceStored, NameSourceCatalog:
		return s, nil
	case "":
		return NameSourceStored, nil
	default:
		return "", fmt.Errorf("unknown name source %q", raw)
	}
}

// DefaultCurrency: валюта платёжной сессии по умолчанию.
const DefaultCurrency = "usd"

// Options задаёт параметры Service.
type Options struct {
	MaxPageSize domain.MaxPageSize
	NameSource  NameSource
	Transitions domain.TransitionPolicy
	Currency    string

	Outbox   domain.OutboxRepository
	Timeline domain.TimelineRepository

	Logger  *log.Entry
	Metrics *metrics.OrderMetrics

	Now   func() time.Time
	NewID func() string
}

// Option настраивает Service.
type Option func(*Options)

// WithMaxPageSize ограничивает limit в FindAll.
func WithMaxPageSize(max domain.MaxPageSize) Option {
	return func(o *Options) { o.MaxPageSize = max }
}

// WithNameSource задаёт источник названий товаров.
func WithNameSource(source NameSource) Option {
	return func(o *Options) { o.NameSource = source }
}

// WithTransitions задаёт политику смены статусов.
func WithTransitions(policy domain.TransitionPolicy) Option {
	return func(o *Options) { o.Transitions = policy }
}

// WithCurrency задаёт ISO-код валюты платёжной сессии.
func WithCurrency(code string) Option {
	return func(o *Options) { o.Currency = code }
}

// WithOutbox включает публикацию событий жизненного цикла через outbox.
func WithOutbox(repo domain.OutboxRepository) Option {
	return func(o *Options) { o.Outbox = repo }
}

// WithTimeline включает запись timeline.
func WithTimeline(repo domain.TimelineRepository) Option {
	return func(o *Options) { o.Timeline = repo }
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(o *Options) { o.Logger = logger }
}

// WithMetrics подключает метрики.
func WithMetrics(m *metrics.OrderMetrics) Option {
	return func(o *Options) { o.Metrics = m }
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(o *Options) { o.Now = now }
}

// WithIDGenerator подменяет генератор идентификаторов заказов.
func WithIDGenerator(newID func() string) Option {
	return func(o *Options) { o.NewID = newID }
}

func defaultOptions() Options {
	return Options{
		NameSource:  NameSourceStored,
		Transitions: domain.PermissiveTransitions{},
		Currency:    DefaultCurrency,
		Now:         func() time.Time { return time.Now().UTC() },
		NewID:       uuid.NewString,
	}
}

// NormalizeCurrency проверяет ISO 4217 код и возвращает его в нижнем регистре.
func NormalizeCurrency(code string) (string, error) {
	unit, err := currency.ParseISO(strings.TrimSpace(code))
	if err != nil {
		return "", fmt.Errorf("invalid currency %q: %w", code, err)
	}
	return strings.ToLower(unit.String()), nil
}
