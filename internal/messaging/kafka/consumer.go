package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

// MessageHandler обрабатывает сообщение из Kafka
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// ConsumerOption настраивает Consumer.
type ConsumerOption func(*consumerOptions)

type consumerOptions struct {
	initialOffset int64
	clientID      string
	dlqTopic      string
	logger        *log.Entry
	ephemeral     bool
}

// WithInitialOffset задаёт стартовый offset для новой группы.
func WithInitialOffset(offset int64) ConsumerOption {
	return func(o *consumerOptions) { o.initialOffset = offset }
}

// WithClientID задаёт client id подключения.
func WithClientID(clientID string) ConsumerOption {
	return func(o *consumerOptions) { o.clientID = clientID }
}

// WithDLQTopic меняет топик для сообщений, которые не удалось обработать.
func WithDLQTopic(topic string) ConsumerOption {
	return func(o *consumerOptions) { o.dlqTopic = topic }
}

// WithEphemeralGroup удаляет consumer group при Stop. Нужна для групп,
// которые создаются под один экземпляр процесса.
func WithEphemeralGroup() ConsumerOption {
	return func(o *consumerOptions) { o.ephemeral = true }
}

// WithConsumerLogger задаёт логгер.
func WithConsumerLogger(logger *log.Entry) ConsumerOption {
	return func(o *consumerOptions) { o.logger = logger }
}

// Consumer представляет Kafka consumer с поддержкой DLQ.
// Обработка не повторяется: сообщение с ошибкой уходит в DLQ (если он задан)
// и offset фиксируется.
type Consumer struct {
	consumer    sarama.ConsumerGroup
	topics      []string
	handler     MessageHandler
	logger      *log.Entry
	wg          sync.WaitGroup
	dlqProducer *Producer // Producer для отправки в DLQ
	dlqTopic    string

	// ready закрывается при первом Setup, то есть после назначения партиций.
	ready     chan struct{}
	readyOnce sync.Once
	// deleteGroup задан только для эфемерных групп.
	deleteGroup func() error
}

// NewConsumer создает новый Kafka consumer без DLQ
func NewConsumer(brokers []string, groupID string, topics []string, handler MessageHandler, opts ...ConsumerOption) (*Consumer, error) {
	return NewConsumerWithDLQ(brokers, groupID, topics, handler, nil, opts...)
}

// NewConsumerWithDLQ создает consumer с поддержкой Dead Letter Queue
func NewConsumerWithDLQ(brokers []string, groupID string, topics []string, handler MessageHandler, dlqProducer *Producer, opts ...ConsumerOption) (*Consumer, error) {
	options := consumerOptions{
		initialOffset: sarama.OffsetNewest,
		dlqTopic:      TopicDeadLetterQueue,
		logger:        log.WithField("component", "kafka-consumer"),
	}
	for _, opt := range opts {
		opt(&options)
	}

	config := sarama.NewConfig()
	if options.clientID != "" {
		config.ClientID = options.clientID
	}
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = options.initialOffset
	config.Consumer.Return.Errors = true

	consumer, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	c := &Consumer{
		consumer:    consumer,
		topics:      topics,
		handler:     handler,
		logger:      options.logger.WithField("group", groupID),
		dlqProducer: dlqProducer,
		dlqTopic:    options.dlqTopic,
		ready:       make(chan struct{}),
	}
	if options.ephemeral {
		c.deleteGroup = func() error { return deleteConsumerGroup(brokers, groupID, config) }
	}
	return c, nil
}

func deleteConsumerGroup(brokers []string, groupID string, config *sarama.Config) error {
	admin, err := sarama.NewClusterAdmin(brokers, config)
	if err != nil {
		return fmt.Errorf("create cluster admin: %w", err)
	}
	defer func() { _ = admin.Close() }()

	if err := admin.DeleteConsumerGroup(groupID); err != nil {
		return fmt.Errorf("delete consumer group %s: %w", groupID, err)
	}
	return nil
}

// Start запускает consumer
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			// Consume должен вызываться в цикле, так как при rebalance он завершается
			if err := c.consumer.Consume(ctx, c.topics, c); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.WithError(err).Error("error from consumer")
			}

			// Проверяем, не отменен ли контекст
			if ctx.Err() != nil {
				return
			}
		}
	}()

	// Обработка ошибок
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for err := range c.consumer.Errors() {
			c.logger.WithError(err).Error("consumer error")
		}
	}()

	c.logger.WithField("topics", c.topics).Info("kafka consumer started")
	return nil
}

// WaitReady блокируется до первого назначения партиций или отмены ctx.
// Consumer без канала готовности считается готовым сразу.
func (c *Consumer) WaitReady(ctx context.Context) error {
	if c.ready == nil {
		return nil
	}
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for partition assignment: %w", ctx.Err())
	}
}

// Stop останавливает consumer. Эфемерная группа после выхода участника
// удаляется; ошибка удаления только логируется.
func (c *Consumer) Stop() error {
	if err := c.consumer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer: %w", err)
	}
	c.wg.Wait()
	if c.deleteGroup != nil {
		if err := c.deleteGroup(); err != nil {
			c.logger.WithError(err).Warn("failed to delete consumer group")
		} else {
			c.logger.Info("consumer group deleted")
		}
	}
	c.logger.Info("kafka consumer stopped")
	return nil
}

// Setup вызывается при старте consumer session
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error {
	c.readyOnce.Do(func() {
		if c.ready != nil {
			close(c.ready)
		}
	})
	return nil
}

// Cleanup вызывается при завершении consumer session
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim обрабатывает сообщения из partition
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}

			c.logger.WithFields(log.Fields{
				"topic":     message.Topic,
				"partition": message.Partition,
				"offset":    message.Offset,
			}).Debug("received message")

			if err := c.handleMessage(session.Context(), message); err != nil {
				c.logger.WithError(err).WithFields(log.Fields{
					"topic":     message.Topic,
					"partition": message.Partition,
					"offset":    message.Offset,
				}).Error("message left unmarked")
				continue
			}

			// Маркируем сообщение как обработанное
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

// handleMessage вызывает handler один раз. Ошибка обработки отправляет
// сообщение в DLQ; ошибка возвращается только если сообщение нельзя маркировать.
func (c *Consumer) handleMessage(ctx context.Context, message *sarama.ConsumerMessage) error {
	err := c.handler(ctx, message)
	if err == nil {
		return nil
	}

	// Остановка сессии: сообщение будет перечитано после rebalance
	if ctx.Err() != nil {
		return fmt.Errorf("session closed during processing: %w", err)
	}

	fields := log.Fields{
		"topic":     message.Topic,
		"partition": message.Partition,
		"offset":    message.Offset,
		"pattern":   Header(message, HeaderPattern),
	}

	if c.dlqProducer == nil {
		c.logger.WithError(err).WithFields(fields).Warn("message processing failed, dropped without dlq")
		return nil
	}

	if dlqErr := c.sendToDLQ(ctx, message, err); dlqErr != nil {
		c.logger.WithError(dlqErr).WithFields(fields).Error("failed to send message to DLQ")
		return fmt.Errorf("failed to send to DLQ: %w", dlqErr)
	}
	c.logger.WithError(err).WithFields(fields).Warn("message sent to DLQ")
	return nil
}

// sendToDLQ публикует исходное сообщение в DLQ как есть, с заголовками-метаданными.
// Тело не меняется, чтобы cmd/dlq-reprocess мог вернуть его в исходный топик.
func (c *Consumer) sendToDLQ(ctx context.Context, message *sarama.ConsumerMessage, processingErr error) error {
	headers := copyHeaders(message.Headers, HeaderOriginalTopic, HeaderOriginalOffset, HeaderErrorMessage, HeaderFailedAt)
	headers = append(headers,
		sarama.RecordHeader{Key: []byte(HeaderOriginalTopic), Value: []byte(message.Topic)},
		sarama.RecordHeader{Key: []byte(HeaderErrorMessage), Value: []byte(processingErr.Error())},
		sarama.RecordHeader{Key: []byte(HeaderFailedAt), Value: []byte(time.Now().UTC().Format(time.RFC3339))},
		sarama.RecordHeader{Key: []byte(HeaderOriginalOffset), Value: []byte(strconv.FormatInt(message.Offset, 10))},
	)

	msg := &sarama.ProducerMessage{
		Topic:   c.dlqTopic,
		Value:   sarama.ByteEncoder(message.Value),
		Headers: headers,
	}
	if len(message.Key) > 0 {
		msg.Key = sarama.ByteEncoder(message.Key)
	}
	return c.dlqProducer.Send(ctx, msg)
}
