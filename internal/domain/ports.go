package domain

import (
	"context"
	"time"
)

// CustomerLookup описывает доступ к справочнику клиентов.
type CustomerLookup interface {
	// FindByID возвращает клиента или ErrCustomerNotFound.
	FindByID(ctx context.Context, id string) (Customer, error)
}

// ProductCatalog описывает доступ к каталогу товаров и их остаткам.
type ProductCatalog interface {
	// FindAllByID возвращает товары по набору идентификаторов. Отсутствующие
	// id просто не попадают в результат; сверка количества — забота вызывающего.
	FindAllByID(ctx context.Context, ids []string) ([]Product, error)
	// FindByName возвращает товар по точному имени или ErrProductNotFound.
	FindByName(ctx context.Context, name string) (Product, error)
	// Create сохраняет новый товар. Возвращает ErrDuplicateProduct при занятом имени.
	Create(ctx context.Context, product Product) (Product, error)
	// UpdateQuantities применяет батч обновлений остатков. Каждое обновление
	// выполняется как compare-and-swap относительно StockUpdate.Expected;
	// при проигрыше любого CAS весь батч завершается ErrStockConflict,
	// не оставляя частичных изменений.
	UpdateQuantities(ctx context.Context, updates []StockUpdate) ([]Product, error)
}

// OrderStore описывает хранилище заказов.
type OrderStore interface {
	// Create сохраняет агрегат заказа вместе с позициями одной операцией и
	// возвращает его с присвоенными идентификатором и временными метками.
	Create(ctx context.Context, order Order) (Order, error)
	// Get возвращает заказ по идентификатору или ErrOrderNotFound.
	Get(ctx context.Context, id string) (Order, error)
	// ListByCustomer возвращает заказы клиента с опциональным ограничением на количество.
	ListByCustomer(ctx context.Context, customerID string, limit int) ([]Order, error)
}

// PlacementStore фиксирует списание остатков и новый заказ в одной границе
// персистентности: либо применяются все обновления и заказ, либо ничего.
type PlacementStore interface {
	// CreateWithStock выполняет батч CAS-обновлений остатков и сохраняет
	// заказ с позициями в одной транзакции. Проигранный CAS возвращает
	// ErrStockConflict, транзакция откатывается целиком.
	CreateWithStock(ctx context.Context, order Order, updates []StockUpdate) (Order, []Product, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(msg OutboxMessage) (OutboxMessage, error)
	PullPending(limit int) ([]OutboxMessage, error)
	Stats() (OutboxStats, error)
	MarkSent(id string) error
	MarkFailed(id string) error
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(key string) (IdempotencyRecord, error)
	MarkDone(key string, responseBody []byte, httpStatus int) error
	MarkFailed(key string, responseBody []byte, httpStatus int) error
	DeleteExpired(before time.Time, limit int) (int, error)
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
