package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/backoffice/internal/domain"
)

// OutboxTopicPublisher публикует outbox-сообщения в Kafka, выбирая topic по
// типу агрегата: заказы и товары уходят в разные топики.
type OutboxTopicPublisher struct {
	producer *Producer
	topics   map[string]string
	fallback string
}

// NewOutboxPublisher создаёт Kafka-паблишер для transactional outbox.
func NewOutboxPublisher(producer *Producer) domain.OutboxPublisher {
	return &OutboxTopicPublisher{
		producer: producer,
		topics: map[string]string{
			"order":   TopicOrderEvents,
			"product": TopicProductEvents,
		},
		fallback: TopicOrderEvents,
	}
}

// NewDLQPublisher создаёт паблишер, направляющий все сообщения в DLQ topic.
func NewDLQPublisher(producer *Producer) domain.OutboxPublisher {
	return &OutboxTopicPublisher{
		producer: producer,
		topics:   map[string]string{},
		fallback: TopicDeadLetterQueue,
	}
}

func (p *OutboxTopicPublisher) Publish(event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka outbox publisher is not initialized")
	}

	key := event.AggregateID
	if key == "" {
		key = event.ID
	}

	envelope := EventEnvelope{
		ID:            event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     EventType(event.EventType),
		Payload:       json.RawMessage(event.Payload),
		PublishedAt:   time.Now().UTC(),
	}

	return p.producer.PublishEvent(p.topicFor(event.AggregateType), key, envelope)
}

func (p *OutboxTopicPublisher) topicFor(aggregateType string) string {
	if topic, ok := p.topics[aggregateType]; ok {
		return topic
	}
	return p.fallback
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
