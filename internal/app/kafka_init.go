package app

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orders/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/orders/internal/transport/bus"
)

// initKafkaProducer создаёт producer, если брокеры заданы.
// Возвращает nil, nil, если Kafka не настроена.
func initKafkaProducer(cfg Config, logger *log.Entry) (*kafka.Producer, error) {
	brokers := cfg.Brokers()
	if len(brokers) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokers, cfg.KafkaClientID)
	if err != nil {
		return nil, fmt.Errorf("init kafka producer: %w", err)
	}

	logger.WithField("brokers", brokers).Info("kafka producer initialized")
	return producer, nil
}

// closeKafka закрывает Kafka producer если он не nil.
func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}

// replyGroupID выдаёт каждому экземпляру свою группу, чтобы он видел все
// ответы в общем reply-топике и выбирал свои по correlation id.
func replyGroupID(base string) string {
	return fmt.Sprintf("%s-replies-%s", base, uuid.NewString())
}

// replyReadyTimeout ограничивает ожидание первого назначения партиций reply-топика.
const replyReadyTimeout = 30 * time.Second

// replyConsumer — то, что нужно startReplyConsumer от Consumer.
type replyConsumer interface {
	Start(ctx context.Context) error
	WaitReady(ctx context.Context) error
	Stop() error
}

// startReplyConsumer подписывает requester на reply-топик. Читаются только
// новые сообщения: ответы на запросы прошлых экземпляров никому не нужны.
// Функция возвращается после назначения партиций, иначе ответы, пришедшие
// во время вступления в группу, были бы пропущены. Группа удаляется при Stop.
func startReplyConsumer(ctx context.Context, cfg Config, requester *kafka.Requester, logger *log.Entry) (*kafka.Consumer, error) {
	consumer, err := kafka.NewConsumer(
		cfg.Brokers(),
		replyGroupID(cfg.KafkaGroupID),
		[]string{requester.ReplyTopic()},
		requester.HandleReply,
		kafka.WithInitialOffset(sarama.OffsetNewest),
		kafka.WithEphemeralGroup(),
		kafka.WithClientID(cfg.KafkaClientID),
		kafka.WithConsumerLogger(logger.WithField("component", "reply-consumer")),
	)
	if err != nil {
		return nil, fmt.Errorf("create reply consumer: %w", err)
	}
	if err := runReplyConsumer(ctx, consumer, replyReadyTimeout); err != nil {
		return nil, err
	}
	return consumer, nil
}

// runReplyConsumer запускает consumer и ждёт назначения партиций не дольше timeout.
func runReplyConsumer(ctx context.Context, consumer replyConsumer, timeout time.Duration) error {
	if err := consumer.Start(ctx); err != nil {
		_ = consumer.Stop()
		return fmt.Errorf("start reply consumer: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := consumer.WaitReady(waitCtx); err != nil {
		_ = consumer.Stop()
		return fmt.Errorf("reply consumer not ready: %w", err)
	}
	return nil
}

// requestTopics возвращает топики, которые обслуживает router (запросы и события оплаты).
func requestTopics(cfg Config) []string {
	return []string{cfg.RequestsTopic, bus.PatternPaymentSucceeded}
}

// startRequestConsumer подключает router к топикам запросов. Сообщения,
// которые не удалось обработать без reply, уходят в DLQ.
func startRequestConsumer(ctx context.Context, cfg Config, router *kafka.Router, dlq *kafka.Producer, logger *log.Entry) (*kafka.Consumer, error) {
	consumer, err := kafka.NewConsumerWithDLQ(
		cfg.Brokers(),
		cfg.KafkaGroupID,
		requestTopics(cfg),
		router.HandleMessage,
		dlq,
		kafka.WithDLQTopic(cfg.DLQTopic),
		kafka.WithInitialOffset(sarama.OffsetOldest),
		kafka.WithClientID(cfg.KafkaClientID),
		kafka.WithConsumerLogger(logger.WithField("component", "request-consumer")),
	)
	if err != nil {
		return nil, fmt.Errorf("create request consumer: %w", err)
	}
	if err := consumer.Start(ctx); err != nil {
		_ = consumer.Stop()
		return nil, fmt.Errorf("start request consumer: %w", err)
	}
	logger.WithField("patterns", router.Patterns()).Info("bus handlers registered")
	return consumer, nil
}

// stopConsumers останавливает consumers в обратном порядке.
func stopConsumers(logger *log.Entry, consumers ...*kafka.Consumer) {
	for i := len(consumers) - 1; i >= 0; i-- {
		if consumers[i] == nil {
			continue
		}
		if err := consumers[i].Stop(); err != nil {
			logger.WithError(err).Warn("failed to stop kafka consumer")
		}
	}
}

var _ replyConsumer = (*kafka.Consumer)(nil)
