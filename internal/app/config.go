package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/vladislavdragonenkov/orders/internal/domain"
	"github.com/vladislavdragonenkov/orders/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/orders/internal/service/orders"
)

// Драйверы хранилища.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// Config описывает настройки запуска сервиса заказов. Значения берутся из
// DefaultConfig, затем из YAML-файла и переменных окружения ORDERS_*.
type Config struct {
	GRPCAddr    string `yaml:"grpc_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`

	StorageDriver       string `yaml:"storage_driver"`
	PostgresDSN         string `yaml:"postgres_dsn"`
	PostgresAutoMigrate bool   `yaml:"postgres_auto_migrate"`
	// RedisAddr пустой: блокировка оплаты живёт в памяти процесса.
	RedisAddr string `yaml:"redis_addr"`

	KafkaBrokers   string        `yaml:"kafka_brokers"`
	KafkaClientID  string        `yaml:"kafka_client_id"`
	KafkaGroupID   string        `yaml:"kafka_group_id"`
	RequestsTopic  string        `yaml:"requests_topic"`
	RepliesTopic   string        `yaml:"replies_topic"`
	ProductsTopic  string        `yaml:"products_topic"`
	PaymentsTopic  string        `yaml:"payments_topic"`
	EventsTopic    string        `yaml:"events_topic"`
	DLQTopic       string        `yaml:"dlq_topic"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"`

	BreakerFailures    uint32        `yaml:"breaker_failures"`
	BreakerOpenTimeout time.Duration `yaml:"breaker_open_timeout"`

	MaxPageSize       int    `yaml:"max_page_size"`
	MaxPageSizeEffect string `yaml:"max_page_size_effect"`
	NameSource        string `yaml:"name_source"`
	TransitionMode    string `yaml:"transition_mode"`
	TransitionRule    string `yaml:"transition_rule"`
	Currency          string `yaml:"currency"`

	// AllowMockIntegrations подменяет каталог и платежи in-memory заглушками.
	AllowMockIntegrations bool `yaml:"allow_mock_integrations"`

	OutboxPollInterval time.Duration `yaml:"outbox_poll_interval"`
	OutboxBatchSize    int           `yaml:"outbox_batch_size"`
	OutboxMaxAttempts  int           `yaml:"outbox_max_attempts"`
	OutboxRetryDelay   time.Duration `yaml:"outbox_retry_delay"`

	IdempotencyTTL              time.Duration `yaml:"idempotency_ttl"`
	IdempotencyCleanupInterval  time.Duration `yaml:"idempotency_cleanup_interval"`
	IdempotencyCleanupBatchSize int           `yaml:"idempotency_cleanup_batch_size"`

	JaegerEndpoint   string  `yaml:"jaeger_endpoint"`
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// DefaultConfig возвращает настройки для локального запуска.
func DefaultConfig() Config {
	return Config{
		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",
		LogLevel:    "info",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,

		KafkaClientID:  "orders-service",
		KafkaGroupID:   "orders-service",
		RequestsTopic:  kafka.TopicOrderRequests,
		RepliesTopic:   kafka.TopicOrderReplies,
		ProductsTopic:  kafka.TopicProductRequests,
		PaymentsTopic:  kafka.TopicPaymentRequests,
		EventsTopic:    kafka.TopicOrderEvents,
		DLQTopic:       kafka.TopicDeadLetterQueue,
		RequestTimeout: 5 * time.Second,
		HandlerTimeout: 30 * time.Second,

		BreakerFailures:    5,
		BreakerOpenTimeout: 30 * time.Second,

		MaxPageSizeEffect: string(domain.PageSizeReject),
		NameSource:        string(orders.NameSourceStored),
		TransitionMode:    string(orders.TransitionPermissive),
		Currency:          orders.DefaultCurrency,

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  3,
		OutboxRetryDelay:   50 * time.Millisecond,

		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  time.Minute,
		IdempotencyCleanupBatchSize: 500,

		TraceSampleRatio: 1,
	}
}

// LoadFile накладывает значения из YAML-файла поверх cfg. Поля,
// отсутствующие в файле, не меняются.
func LoadFile(cfg Config, path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Brokers возвращает список брокеров Kafka.
func (c Config) Brokers() []string {
	chunks := strings.Split(c.KafkaBrokers, ",")
	brokers := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		if broker := strings.TrimSpace(chunk); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

// Validate отклоняет несовместимые комбинации настроек.
func (c Config) Validate() error {
	var errs []error

	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("postgres dsn is required for postgres storage driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}

	if len(c.Brokers()) == 0 && !c.AllowMockIntegrations {
		errs = append(errs, errors.New("kafka brokers are required unless mock integrations are allowed"))
	}
	if len(c.Brokers()) > 0 {
		for name, topic := range map[string]string{
			"requests": c.RequestsTopic,
			"replies":  c.RepliesTopic,
			"products": c.ProductsTopic,
			"payments": c.PaymentsTopic,
			"events":   c.EventsTopic,
			"dlq":      c.DLQTopic,
		} {
			if strings.TrimSpace(topic) == "" {
				errs = append(errs, fmt.Errorf("%s topic is required", name))
			}
		}
		if c.KafkaGroupID == "" {
			errs = append(errs, errors.New("kafka group id is required"))
		}
	}

	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request timeout must be > 0"))
	}
	if c.MaxPageSize < 0 {
		errs = append(errs, errors.New("max page size must be >= 0"))
	}
	if _, err := domain.ParsePageSizeEffect(c.MaxPageSizeEffect); err != nil {
		errs = append(errs, err)
	}
	if _, err := orders.ParseNameSource(c.NameSource); err != nil {
		errs = append(errs, err)
	}
	if _, err := orders.NewTransitionPolicy(c.TransitionMode, c.TransitionRule); err != nil {
		errs = append(errs, err)
	}
	if _, err := orders.NormalizeCurrency(c.Currency); err != nil {
		errs = append(errs, err)
	}
	if _, err := log.ParseLevel(c.LogLevel); c.LogLevel != "" && err != nil {
		errs = append(errs, err)
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		errs = append(errs, errors.New("trace sample ratio must be within [0, 1]"))
	}
	if c.IdempotencyTTL <= 0 {
		errs = append(errs, errors.New("idempotency ttl must be > 0"))
	}

	return errors.Join(errs...)
}

func (c Config) maxPageSize() domain.MaxPageSize {
	effect, _ := domain.ParsePageSizeEffect(c.MaxPageSizeEffect)
	return domain.MaxPageSize{Limit: c.MaxPageSize, Effect: effect}
}

func (c Config) logFields() log.Fields {
	return log.Fields{
		"grpc_addr":       c.GRPCAddr,
		"metrics_addr":    c.MetricsAddr,
		"storage_driver":  c.StorageDriver,
		"kafka_brokers":   c.Brokers(),
		"requests_topic":  c.RequestsTopic,
		"name_source":     c.NameSource,
		"transition_mode": c.TransitionMode,
		"mock_clients":    c.AllowMockIntegrations,
	}
}
