package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/backoffice/internal/domain"
	"github.com/vladislavdragonenkov/backoffice/internal/metrics"
)

const (
	eventTypeProductRegistered = "product.registered"
	aggregateTypeProduct       = "product"
)

// Registry отвечает за регистрацию товаров в каталоге: валидация атрибутов,
// проверка уникальности имени и сохранение начального остатка.
type Registry struct {
	catalog domain.ProductCatalog
	outbox  domain.OutboxRepository
	logger  *log.Entry
	metrics *metrics.CheckoutMetrics
}

// Options задаёт параметры Registry.
type Options struct {
	Logger  *log.Entry
	Outbox  domain.OutboxRepository
	Metrics *metrics.CheckoutMetrics
}

// Option настраивает Registry.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithOutbox подключает transactional outbox для событий product.registered.
func WithOutbox(outbox domain.OutboxRepository) Option {
	return func(opts *Options) {
		opts.Outbox = outbox
	}
}

// WithMetrics подключает метрики.
func WithMetrics(m *metrics.CheckoutMetrics) Option {
	return func(opts *Options) {
		opts.Metrics = m
	}
}

// NewRegistry конструирует Registry с зависимостями.
func NewRegistry(catalog domain.ProductCatalog, options ...Option) *Registry {
	var opts Options
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "catalog")
	}

	return &Registry{
		catalog: catalog,
		outbox:  opts.Outbox,
		logger:  logger,
		metrics: opts.Metrics,
	}
}

// RegisterProduct добавляет новый товар. Имя обязано быть уникальным:
// занятое имя возвращает ErrDuplicateProduct без каких-либо записей.
func (r *Registry) RegisterProduct(ctx context.Context, name string, priceMinor int64, quantity int32) (domain.Product, error) {
	product := domain.Product{
		Name:       name,
		PriceMinor: priceMinor,
		Quantity:   quantity,
	}
	if errs := product.Validate(); len(errs) > 0 {
		return domain.Product{}, errs[0]
	}

	// Предварительная проверка имени даёт понятную ошибку до попытки записи;
	// гонку двух одновременных регистраций закрывает само хранилище.
	if _, err := r.catalog.FindByName(ctx, name); err == nil {
		return domain.Product{}, domain.ErrDuplicateProduct
	} else if !errors.Is(err, domain.ErrProductNotFound) {
		return domain.Product{}, fmt.Errorf("check product name %q: %w", name, err)
	}

	created, err := r.catalog.Create(ctx, product)
	if err != nil {
		return domain.Product{}, fmt.Errorf("create product %q: %w", name, err)
	}

	r.logger.WithFields(log.Fields{
		"product_id":  created.ID,
		"name":        created.Name,
		"price_minor": created.PriceMinor,
		"quantity":    created.Quantity,
	}).Info("product registered")

	if r.metrics != nil {
		r.metrics.RecordProductRegistered()
	}
	r.enqueueRegisteredEvent(created)

	return created, nil
}

// enqueueRegisteredEvent ставит событие в outbox. Ошибка постановки не
// отменяет регистрацию, только логируется.
func (r *Registry) enqueueRegisteredEvent(product domain.Product) {
	if r.outbox == nil {
		return
	}

	payload, err := json.Marshal(registeredEventPayload{
		ProductID:  product.ID,
		Name:       product.Name,
		PriceMinor: product.PriceMinor,
		Quantity:   product.Quantity,
	})
	if err != nil {
		r.logger.WithError(err).WithField("product_id", product.ID).Warn("failed to marshal product.registered payload")
		return
	}

	if _, err := r.outbox.Enqueue(domain.OutboxMessage{
		AggregateType: aggregateTypeProduct,
		AggregateID:   product.ID,
		EventType:     eventTypeProductRegistered,
		Payload:       payload,
	}); err != nil {
		r.logger.WithError(err).WithField("product_id", product.ID).Warn("failed to enqueue product.registered event")
		return
	}

	if r.metrics != nil {
		r.metrics.RecordOutboxEnqueued()
	}
}

// registeredEventPayload — тело события product.registered для outbox.
type registeredEventPayload struct {
	ProductID  string `json:"product_id"`
	Name       string `json:"name"`
	PriceMinor int64  `json:"price_minor"`
	Quantity   int32  `json:"quantity"`
}
