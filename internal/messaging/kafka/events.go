package kafka

import (
	"encoding/json"
	"time"
)

// EventType определяет тип события
type EventType string

const (
	// События заказов
	EventTypeOrderPlaced EventType = "order.placed"

	// События каталога
	EventTypeProductRegistered EventType = "product.registered"
)

// Topics для Kafka
const (
	TopicOrderEvents     = "backoffice.order.events"
	TopicProductEvents   = "backoffice.product.events"
	TopicDeadLetterQueue = "backoffice.dlq" // Dead Letter Queue для failed messages
)

// Kafka headers для retry логики
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// EventEnvelope — конверт, в котором события outbox уходят в топик.
type EventEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     EventType       `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// OrderPlacedEvent представляет тело события order.placed
type OrderPlacedEvent struct {
	OrderID     string           `json:"order_id"`
	CustomerID  string           `json:"customer_id"`
	AmountMinor int64            `json:"amount_minor"`
	Lines       []OrderEventLine `json:"lines"`
	PlacedAt    time.Time        `json:"placed_at"`
	Stock       map[string]int32 `json:"stock,omitempty"`
}

// OrderEventLine — позиция заказа внутри события
type OrderEventLine struct {
	ProductID  string `json:"product_id"`
	PriceMinor int64  `json:"price_minor"`
	Quantity   int32  `json:"quantity"`
}

// ProductRegisteredEvent представляет тело события product.registered
type ProductRegisteredEvent struct {
	ProductID  string `json:"product_id"`
	Name       string `json:"name"`
	PriceMinor int64  `json:"price_minor"`
	Quantity   int32  `json:"quantity"`
}
