package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/orders/internal/app"
)

// Переменные окружения сервиса.
const (
	envConfigFile = "ORDERS_CONFIG_FILE"

	envGRPCAddr    = "ORDERS_GRPC_ADDR"
	envMetricsAddr = "ORDERS_METRICS_ADDR"
	envLogLevel    = "ORDERS_LOG_LEVEL"

	envStorageDriver       = "ORDERS_STORAGE_DRIVER"
	envPostgresDSN         = "ORDERS_POSTGRES_DSN"
	envPostgresAutoMigrate = "ORDERS_POSTGRES_AUTO_MIGRATE"
	envRedisAddr           = "ORDERS_REDIS_ADDR"

	envKafkaBrokers       = "ORDERS_KAFKA_BROKERS"
	envKafkaBrokersLegacy = "KAFKA_BROKERS"
	envKafkaClientID      = "ORDERS_KAFKA_CLIENT_ID"
	envKafkaGroupID       = "ORDERS_KAFKA_GROUP_ID"
	envRequestsTopic      = "ORDERS_REQUESTS_TOPIC"
	envRepliesTopic       = "ORDERS_REPLIES_TOPIC"
	envProductsTopic      = "ORDERS_PRODUCTS_TOPIC"
	envPaymentsTopic      = "ORDERS_PAYMENTS_TOPIC"
	envEventsTopic        = "ORDERS_EVENTS_TOPIC"
	envDLQTopic           = "ORDERS_DLQ_TOPIC"
	envRequestTimeout     = "ORDERS_REQUEST_TIMEOUT"
	envHandlerTimeout     = "ORDERS_HANDLER_TIMEOUT"

	envBreakerFailures    = "ORDERS_BREAKER_FAILURES"
	envBreakerOpenTimeout = "ORDERS_BREAKER_OPEN_TIMEOUT"

	envMaxPageSize       = "ORDERS_MAX_PAGE_SIZE"
	envMaxPageSizeEffect = "ORDERS_MAX_PAGE_SIZE_EFFECT"
	envNameSource        = "ORDERS_NAME_SOURCE"
	envTransitionMode    = "ORDERS_TRANSITION_MODE"
	envTransitionRule    = "ORDERS_TRANSITION_RULE"
	envCurrency          = "ORDERS_CURRENCY"

	envAllowMockIntegrations = "ORDERS_ALLOW_MOCK_INTEGRATIONS"

	envOutboxPollInterval = "ORDERS_OUTBOX_POLL_INTERVAL"
	envOutboxBatchSize    = "ORDERS_OUTBOX_BATCH_SIZE"
	envOutboxMaxAttempts  = "ORDERS_OUTBOX_MAX_ATTEMPTS"
	envOutboxRetryDelay   = "ORDERS_OUTBOX_RETRY_DELAY"

	envIdempotencyTTL              = "ORDERS_IDEMPOTENCY_TTL"
	envIdempotencyCleanupInterval  = "ORDERS_IDEMPOTENCY_CLEANUP_INTERVAL"
	envIdempotencyCleanupBatchSize = "ORDERS_IDEMPOTENCY_CLEANUP_BATCH_SIZE"

	envJaegerEndpoint   = "ORDERS_JAEGER_ENDPOINT"
	envTraceSampleRatio = "ORDERS_TRACE_SAMPLE_RATIO"
)

// envLookup совпадает по сигнатуре с os.LookupEnv.
type envLookup func(key string) (string, bool)

// readConfig собирает конфигурацию: значения по умолчанию, затем YAML из
// ORDERS_CONFIG_FILE, затем переменные окружения. Некорректные значения
// переменных не прерывают запуск, а возвращаются предупреждениями.
func readConfig(lookup envLookup) (app.Config, []string, error) {
	cfg := app.DefaultConfig()
	if path, ok := lookup(envConfigFile); ok && strings.TrimSpace(path) != "" {
		loaded, err := app.LoadFile(cfg, strings.TrimSpace(path))
		if err != nil {
			return cfg, nil, err
		}
		cfg = loaded
	}
	cfg, warnings := readConfigFromEnv(cfg, lookup)
	return cfg, warnings, nil
}

// readConfigFromEnv накладывает переменные окружения поверх base.
func readConfigFromEnv(base app.Config, lookup envLookup) (app.Config, []string) {
	cfg := base
	r := envReader{lookup: lookup}

	r.str(envGRPCAddr, &cfg.GRPCAddr)
	r.str(envMetricsAddr, &cfg.MetricsAddr)
	r.str(envLogLevel, &cfg.LogLevel)

	if v, ok := r.value(envStorageDriver); ok {
		cfg.StorageDriver = strings.ToLower(v)
	}
	r.str(envPostgresDSN, &cfg.PostgresDSN)
	r.boolean(envPostgresAutoMigrate, &cfg.PostgresAutoMigrate)
	r.str(envRedisAddr, &cfg.RedisAddr)

	r.str(envKafkaBrokersLegacy, &cfg.KafkaBrokers)
	r.str(envKafkaBrokers, &cfg.KafkaBrokers)
	r.str(envKafkaClientID, &cfg.KafkaClientID)
	r.str(envKafkaGroupID, &cfg.KafkaGroupID)
	r.str(envRequestsTopic, &cfg.RequestsTopic)
	r.str(envRepliesTopic, &cfg.RepliesTopic)
	r.str(envProductsTopic, &cfg.ProductsTopic)
	r.str(envPaymentsTopic, &cfg.PaymentsTopic)
	r.str(envEventsTopic, &cfg.EventsTopic)
	r.str(envDLQTopic, &cfg.DLQTopic)
	r.duration(envRequestTimeout, &cfg.RequestTimeout, positiveDuration, "must be > 0")
	r.duration(envHandlerTimeout, &cfg.HandlerTimeout, nonNegativeDuration, "must be >= 0")

	var failures int
	if r.integer(envBreakerFailures, &failures, positiveInt, "must be > 0") {
		cfg.BreakerFailures = uint32(failures)
	}
	r.duration(envBreakerOpenTimeout, &cfg.BreakerOpenTimeout, positiveDuration, "must be > 0")

	r.integer(envMaxPageSize, &cfg.MaxPageSize, nonNegativeInt, "must be >= 0")
	r.str(envMaxPageSizeEffect, &cfg.MaxPageSizeEffect)
	r.str(envNameSource, &cfg.NameSource)
	r.str(envTransitionMode, &cfg.TransitionMode)
	r.str(envTransitionRule, &cfg.TransitionRule)
	r.str(envCurrency, &cfg.Currency)

	r.boolean(envAllowMockIntegrations, &cfg.AllowMockIntegrations)

	r.duration(envOutboxPollInterval, &cfg.OutboxPollInterval, positiveDuration, "must be > 0")
	r.integer(envOutboxBatchSize, &cfg.OutboxBatchSize, positiveInt, "must be > 0")
	r.integer(envOutboxMaxAttempts, &cfg.OutboxMaxAttempts, positiveInt, "must be > 0")
	r.duration(envOutboxRetryDelay, &cfg.OutboxRetryDelay, nonNegativeDuration, "must be >= 0")

	r.duration(envIdempotencyTTL, &cfg.IdempotencyTTL, positiveDuration, "must be > 0")
	r.duration(envIdempotencyCleanupInterval, &cfg.IdempotencyCleanupInterval, positiveDuration, "must be > 0")
	r.integer(envIdempotencyCleanupBatchSize, &cfg.IdempotencyCleanupBatchSize, positiveInt, "must be > 0")

	r.str(envJaegerEndpoint, &cfg.JaegerEndpoint)
	if v, ok := r.value(envTraceSampleRatio); ok {
		ratio, err := strconv.ParseFloat(v, 64)
		if err != nil || ratio < 0 || ratio > 1 {
			r.warn(envTraceSampleRatio, v, "must be a number within [0, 1]")
		} else {
			cfg.TraceSampleRatio = ratio
		}
	}

	return cfg, r.warnings
}

type envReader struct {
	lookup   envLookup
	warnings []string
}

func (r *envReader) value(key string) (string, bool) {
	raw, ok := r.lookup(key)
	if !ok {
		return "", false
	}
	v := strings.TrimSpace(raw)
	return v, v != ""
}

func (r *envReader) warn(key, value, reason string) {
	r.warnings = append(r.warnings, fmt.Sprintf("%s=%q ignored: %s", key, value, reason))
}

func (r *envReader) str(key string, dst *string) {
	if v, ok := r.value(key); ok {
		*dst = v
	}
}

func (r *envReader) boolean(key string, dst *bool) {
	v, ok := r.value(key)
	if !ok {
		return
	}
	parsed, err := parseBool(v)
	if err != nil {
		r.warn(key, v, err.Error())
		return
	}
	*dst = parsed
}

func (r *envReader) integer(key string, dst *int, valid func(int) bool, reason string) bool {
	v, ok := r.value(key)
	if !ok {
		return false
	}
	parsed, err := parseInt(v, valid, reason)
	if err != nil {
		r.warn(key, v, err.Error())
		return false
	}
	*dst = parsed
	return true
}

func (r *envReader) duration(key string, dst *time.Duration, valid func(time.Duration) bool, reason string) {
	v, ok := r.value(key)
	if !ok {
		return
	}
	parsed, err := parseDuration(v, valid, reason)
	if err != nil {
		r.warn(key, v, err.Error())
		return
	}
	*dst = parsed
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "0", "false", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value %q", raw)
	}
}

func parseInt(raw string, valid func(int) bool, reason string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid int value %q", raw)
	}
	if valid != nil && !valid(value) {
		return 0, fmt.Errorf("%d %s", value, reason)
	}
	return value, nil
}

func parseDuration(raw string, valid func(time.Duration) bool, reason string) (time.Duration, error) {
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid duration value %q", raw)
	}
	if valid != nil && !valid(value) {
		return 0, fmt.Errorf("%s %s", value, reason)
	}
	return value, nil
}

func positiveInt(v int) bool                   { return v > 0 }
func nonNegativeInt(v int) bool                { return v >= 0 }
func positiveDuration(v time.Duration) bool    { return v > 0 }
func nonNegativeDuration(v time.Duration) bool { return v >= 0 }
