package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

// MessageHandler обрабатывает сообщение из Kafka
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

const defaultConsumerRetryDelay = 100 * time.Millisecond

// ConsumerOptions задает настройки consumer, которые отличаются между
// онлайн-обработкой событий и служебными инструментами вроде переигрывания DLQ.
type ConsumerOptions struct {
	InitialOffset int64
	RetryDelay    time.Duration
}

// ConsumerOption настраивает ConsumerOptions
type ConsumerOption func(*ConsumerOptions)

// WithInitialOffset задает стартовый offset для групп без commit'а.
// Онлайн-потребители читают с sarama.OffsetNewest, инструменты переигрывания -
// с sarama.OffsetOldest.
func WithInitialOffset(offset int64) ConsumerOption {
	return func(o *ConsumerOptions) {
		o.InitialOffset = offset
	}
}

// WithConsumerRetryDelay задает паузу между in-process попытками обработки
func WithConsumerRetryDelay(delay time.Duration) ConsumerOption {
	return func(o *ConsumerOptions) {
		o.RetryDelay = delay
	}
}

func resolveConsumerOptions(opts ...ConsumerOption) ConsumerOptions {
	options := ConsumerOptions{
		InitialOffset: sarama.OffsetNewest,
		RetryDelay:    defaultConsumerRetryDelay,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// Consumer представляет Kafka consumer с поддержкой DLQ
type Consumer struct {
	consumer    sarama.ConsumerGroup
	topics      []string
	handler     MessageHandler
	logger      *log.Entry
	wg          sync.WaitGroup
	dlqProducer *Producer     // Producer для отправки в DLQ
	maxRetries  int           // Максимальное количество retry попыток
	retryDelay  time.Duration // Пауза между in-process попытками
}

// NewConsumer создает новый Kafka consumer
func NewConsumer(brokers []string, groupID string, topics []string, handler MessageHandler, opts ...ConsumerOption) (*Consumer, error) {
	return NewConsumerWithDLQ(brokers, groupID, topics, handler, nil, 3, opts...)
}

// NewConsumerWithDLQ создает consumer с поддержкой Dead Letter Queue
func NewConsumerWithDLQ(brokers []string, groupID string, topics []string, handler MessageHandler, dlqProducer *Producer, maxRetries int, opts ...ConsumerOption) (*Consumer, error) {
	options := resolveConsumerOptions(opts...)

	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	config.Consumer.Offsets.Initial = options.InitialOffset
	config.Consumer.Return.Errors = true

	consumer, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	return &Consumer{
		consumer:    consumer,
		topics:      topics,
		handler:     handler,
		logger:      log.WithField("component", "kafka-consumer"),
		dlqProducer: dlqProducer,
		maxRetries:  maxRetries,
		retryDelay:  options.RetryDelay,
	}, nil
}

// Start запускает consumer
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			// Consume должен вызываться в цикле, так как при rebalance он завершается
			if err := c.consumer.Consume(ctx, c.topics, c); err != nil {
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

// Stop останавливает consumer
func (c *Consumer) Stop() error {
	if err := c.consumer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

// Setup вызывается при старте consumer session
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error {
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
		case message := <-claim.Messages():
			if message == nil {
				return nil
			}

			c.logger.WithFields(log.Fields{
				"topic":     message.Topic,
				"partition": message.Partition,
				"offset":    message.Offset,
			}).Debug("received message")

			// Обрабатываем сообщение с retry и DLQ логикой
			if err := c.handleMessageWithRetry(session.Context(), message); err != nil {
				c.logger.WithError(err).WithFields(log.Fields{
					"topic":     message.Topic,
					"partition": message.Partition,
					"offset":    message.Offset,
				}).Error("message processing failed after all retries")
				// Не маркируем сообщение - оно уже в DLQ или будет reprocessed
				continue
			}

			// Маркируем сообщение как обработанное
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

// handleMessageWithRetry обрабатывает сообщение с retry логикой и отправкой в DLQ
func (c *Consumer) handleMessageWithRetry(ctx context.Context, message *sarama.ConsumerMessage) error {
	retryCount := c.getRetryCount(message)

	// Остаток бюджета попыток для этой доставки; хотя бы одна выполняется всегда
	attempts := c.maxRetries - retryCount
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err := c.handler(ctx, message)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt < attempts-1 {
			c.logger.WithFields(log.Fields{
				"topic":       message.Topic,
				"retry_count": retryCount + attempt,
				"max_retries": c.maxRetries,
			}).Warn("message processing failed, will retry")

			if c.retryDelay > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(c.retryDelay):
				}
			}
		}
	}

	if retryCount < c.maxRetries {
		// Бюджет ещё не исчерпан: сообщение не маркируется и будет доставлено снова
		return lastErr
	}

	// Исчерпаны все попытки - отправляем в DLQ
	if c.dlqProducer != nil {
		if dlqErr := c.sendToDLQ(message, lastErr); dlqErr != nil {
			c.logger.WithError(dlqErr).Error("failed to send message to DLQ")
			return fmt.Errorf("failed to send to DLQ: %w", dlqErr)
		}
		c.logger.WithFields(log.Fields{
			"topic":       message.Topic,
			"retry_count": retryCount,
		}).Info("message sent to DLQ after max retries")
		return nil // Считаем обработанным, так как отправили в DLQ
	}

	return lastErr
}

// getRetryCount извлекает retry count из headers сообщения
func (c *Consumer) getRetryCount(message *sarama.ConsumerMessage) int {
	for _, header := range message.Headers {
		if string(header.Key) == HeaderRetryCount {
			count, err := strconv.Atoi(string(header.Value))
			if err == nil {
				return count
			}
		}
	}
	return 0
}

// sendToDLQ отправляет failed message в Dead Letter Queue
func (c *Consumer) sendToDLQ(message *sarama.ConsumerMessage, processingErr error) error {
	// Создаём DLQ message с дополнительными headers
	dlqMessage := map[string]interface{}{
		"original_topic":     message.Topic,
		"original_partition": message.Partition,
		"original_offset":    message.Offset,
		"original_key":       string(message.Key),
		"original_value":     string(message.Value),
		"error_message":      processingErr.Error(),
		"failed_at":          time.Now().UTC().Format(time.RFC3339),
		"retry_count":        c.getRetryCount(message),
	}

	// Отправляем в DLQ topic
	return c.dlqProducer.PublishEvent(
		TopicDeadLetterQueue,
		string(message.Key),
		dlqMessage,
	)
}

// ParseEnvelope парсит конверт события из сообщения
func ParseEnvelope(message *sarama.ConsumerMessage) (*EventEnvelope, error) {
	var envelope EventEnvelope
	if err := json.Unmarshal(message.Value, &envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event envelope: %w", err)
	}
	return &envelope, nil
}

// ParseOrderPlaced парсит тело события order.placed из конверта
func ParseOrderPlaced(envelope *EventEnvelope) (*OrderPlacedEvent, error) {
	if envelope.EventType != EventTypeOrderPlaced {
		return nil, fmt.Errorf("unexpected event type %q", envelope.EventType)
	}
	var event OrderPlacedEvent
	if err := json.Unmarshal(envelope.Payload, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order.placed event: %w", err)
	}
	return &event, nil
}

// ParseProductRegistered парсит тело события product.registered из конверта
func ParseProductRegistered(envelope *EventEnvelope) (*ProductRegisteredEvent, error) {
	if envelope.EventType != EventTypeProductRegistered {
		return nil, fmt.Errorf("unexpected event type %q", envelope.EventType)
	}
	var event ProductRegisteredEvent
	if err := json.Unmarshal(envelope.Payload, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal product.registered event: %w", err)
	}
	return &event, nil
}
