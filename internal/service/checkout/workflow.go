package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/backoffice/internal/domain"
	"github.com/vladislavdragonenkov/backoffice/internal/metrics"
)

// DuplicateLinePolicy определяет поведение при повторе товара в позициях запроса.
type DuplicateLinePolicy string

const (
	// DuplicatePolicyMerge объединяет повторы в одну позицию с суммарным
	// количеством, сохраняя порядок первого вхождения.
	DuplicatePolicyMerge DuplicateLinePolicy = "merge"
	// DuplicatePolicyReject отклоняет запрос с повторяющимися товарами как некорректный.
	DuplicatePolicyReject DuplicateLinePolicy = "reject"
)

// Valid проверяет, что политика относится к поддерживаемым значениям.
func (p DuplicateLinePolicy) Valid() bool {
	switch p {
	case DuplicatePolicyMerge, DuplicatePolicyReject:
		return true
	default:
		return false
	}
}

const (
	defaultStockAttempts  = 3
	defaultRetryBaseDelay = 25 * time.Millisecond

	eventTypeOrderPlaced = "order.placed"
	aggregateTypeOrder   = "order"
)

// Workflow реализует транзакцию размещения заказа: валидация клиента и
// товаров, проверка остатков по единому снимку каталога, фиксация цены на
// момент заказа, списание остатков и сохранение агрегата.
type Workflow struct {
	customers domain.CustomerLookup
	catalog   domain.ProductCatalog
	orders    domain.OrderStore
	placement domain.PlacementStore
	outbox    domain.OutboxRepository
	logger    *log.Entry
	metrics   *metrics.CheckoutMetrics

	policy         DuplicateLinePolicy
	stockAttempts  int
	retryBaseDelay time.Duration
}

// Options задаёт параметры Workflow.
type Options struct {
	Logger         *log.Entry
	Outbox         domain.OutboxRepository
	Metrics        *metrics.CheckoutMetrics
	Placement      domain.PlacementStore
	Policy         DuplicateLinePolicy
	StockAttempts  int
	RetryBaseDelay time.Duration
}

// Option настраивает Workflow.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithOutbox подключает transactional outbox для событий order.placed.
func WithOutbox(outbox domain.OutboxRepository) Option {
	return func(opts *Options) {
		opts.Outbox = outbox
	}
}

// WithMetrics подключает метрики checkout.
func WithMetrics(m *metrics.CheckoutMetrics) Option {
	return func(opts *Options) {
		opts.Metrics = m
	}
}

// WithAtomicPlacement подключает хранилище, фиксирующее списание остатков и
// заказ в одной транзакции. Без него списание и сохранение идут двумя вызовами.
func WithAtomicPlacement(placement domain.PlacementStore) Option {
	return func(opts *Options) {
		opts.Placement = placement
	}
}

// WithDuplicatePolicy задаёт политику обработки повторов товара в запросе.
func WithDuplicatePolicy(policy DuplicateLinePolicy) Option {
	return func(opts *Options) {
		opts.Policy = policy
	}
}

// WithStockRetry задаёт число попыток списания при конфликте остатков и
// базовую задержку exponential backoff между ними.
func WithStockRetry(attempts int, baseDelay time.Duration) Option {
	return func(opts *Options) {
		opts.StockAttempts = attempts
		opts.RetryBaseDelay = baseDelay
	}
}

// NewWorkflow конструирует workflow с зависимостями.
func NewWorkflow(
	customers domain.CustomerLookup,
	catalog domain.ProductCatalog,
	orders domain.OrderStore,
	options ...Option,
) *Workflow {
	opts := Options{
		Policy:         DuplicatePolicyMerge,
		StockAttempts:  defaultStockAttempts,
		RetryBaseDelay: defaultRetryBaseDelay,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "checkout")
	}
	if !opts.Policy.Valid() {
		opts.Policy = DuplicatePolicyMerge
	}
	if opts.StockAttempts <= 0 {
		opts.StockAttempts = defaultStockAttempts
	}
	if opts.RetryBaseDelay < 0 {
		opts.RetryBaseDelay = 0
	}

	return &Workflow{
		customers:      customers,
		catalog:        catalog,
		orders:         orders,
		placement:      opts.Placement,
		outbox:         opts.Outbox,
		logger:         logger,
		metrics:        opts.Metrics,
		policy:         opts.Policy,
		stockAttempts:  opts.StockAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
	}
}

// PlaceOrder выполняет полный цикл размещения заказа. Любая не пройденная
// проверка прерывает работу до каких-либо записей: ни остатки, ни хранилище
// заказов не затрагиваются.
func (w *Workflow) PlaceOrder(ctx context.Context, customerID string, lines []domain.OrderLineRequest) (domain.Order, error) {
	start := time.Now()
	order, err := w.placeOrder(ctx, customerID, lines)
	if w.metrics != nil {
		w.metrics.RecordPlaceDuration(time.Since(start))
		if err != nil {
			w.metrics.RecordOrderRejected(rejectReason(err))
		} else {
			w.metrics.RecordOrderPlaced()
		}
	}
	return order, err
}

func (w *Workflow) placeOrder(ctx context.Context, customerID string, lines []domain.OrderLineRequest) (domain.Order, error) {
	if customerID == "" {
		return domain.Order{}, domain.ErrCustomerRequired
	}

	customer, err := w.customers.FindByID(ctx, customerID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("find customer %s: %w", customerID, err)
	}

	normalized, err := w.normalizeLines(lines)
	if err != nil {
		return domain.Order{}, err
	}

	var stored domain.Order
	var committed []domain.Product

	// Проверка остатков и списание повторяются при проигранном CAS: другой
	// заказ успел изменить остаток между снимком и обновлением. Каждая
	// повторная попытка перечитывает каталог и валидирует заново, поэтому
	// остаток никогда не уходит в минус.
	for attempt := 1; ; attempt++ {
		products, err := w.fetchProducts(ctx, normalized)
		if err != nil {
			return domain.Order{}, err
		}

		updates := make([]domain.StockUpdate, 0, len(normalized))
		orderLines := make([]domain.OrderLine, 0, len(normalized))
		for _, line := range normalized {
			product := products[line.ProductID]
			if product.Quantity < line.Quantity {
				return domain.Order{}, &domain.InsufficientStockError{
					ProductName: product.Name,
					Available:   product.Quantity,
					Requested:   line.Quantity,
				}
			}
			updates = append(updates, domain.StockUpdate{
				ProductID: product.ID,
				Quantity:  product.Quantity - line.Quantity,
				Expected:  product.Quantity,
			})
			// Фиксируем цену из снимка каталога: последующие изменения
			// цены на сохранённый заказ не влияют.
			orderLines = append(orderLines, domain.OrderLine{
				ProductID:  product.ID,
				PriceMinor: product.PriceMinor,
				Quantity:   line.Quantity,
			})
		}

		var amount int64
		for _, line := range orderLines {
			amount += int64(line.Quantity) * line.PriceMinor
		}
		order := domain.Order{
			ID:          uuid.NewString(),
			CustomerID:  customer.ID,
			AmountMinor: amount,
			Lines:       orderLines,
		}
		if errs := order.ValidateInvariants(); len(errs) > 0 {
			return domain.Order{}, fmt.Errorf("order invariants violated: %v", errs)
		}

		stored, committed, err = w.commit(ctx, order, updates)
		if err == nil {
			break
		}
		if !domain.IsStockConflict(err) {
			return domain.Order{}, err
		}

		if w.metrics != nil {
			w.metrics.RecordStockConflict()
		}
		if attempt >= w.stockAttempts {
			w.logger.WithFields(log.Fields{
				"customer_id": customerID,
				"attempts":    attempt,
			}).Warn("stock update conflicted on every attempt")
			return domain.Order{}, fmt.Errorf("commit stock after %d attempts: %w", attempt, domain.ErrStockConflict)
		}
		if w.metrics != nil {
			w.metrics.RecordStockRetry()
		}
		if err := w.backoff(ctx, attempt); err != nil {
			return domain.Order{}, err
		}
	}

	w.logger.WithFields(log.Fields{
		"order_id":     stored.ID,
		"customer_id":  stored.CustomerID,
		"lines":        len(stored.Lines),
		"amount_minor": stored.AmountMinor,
	}).Info("order placed")

	w.enqueuePlacedEvent(stored, committed)

	return stored, nil
}

// commit применяет списание остатков и сохраняет заказ. С PlacementStore оба
// шага выполняются в одной транзакции хранилища. Без него списание и
// сохранение идут двумя независимыми вызовами: провал сохранения после
// успешного списания оставляет остатки списанными без заказа (см. DESIGN.md).
func (w *Workflow) commit(ctx context.Context, order domain.Order, updates []domain.StockUpdate) (domain.Order, []domain.Product, error) {
	if w.placement != nil {
		stored, products, err := w.placement.CreateWithStock(ctx, order, updates)
		if err != nil {
			if domain.IsStockConflict(err) {
				return domain.Order{}, nil, err
			}
			return domain.Order{}, nil, fmt.Errorf("commit placement: %w", err)
		}
		return stored, products, nil
	}

	committed, err := w.catalog.UpdateQuantities(ctx, updates)
	if err != nil {
		if domain.IsStockConflict(err) {
			return domain.Order{}, nil, err
		}
		return domain.Order{}, nil, fmt.Errorf("commit stock: %w", err)
	}

	stored, err := w.orders.Create(ctx, order)
	if err != nil {
		w.logger.WithError(err).WithField("order_id", order.ID).Error("failed to persist order after stock commit")
		return domain.Order{}, nil, fmt.Errorf("create order: %w", err)
	}
	return stored, committed, nil
}

// normalizeLines валидирует позиции запроса и применяет политику повторов.
func (w *Workflow) normalizeLines(lines []domain.OrderLineRequest) ([]domain.OrderLineRequest, error) {
	if len(lines) == 0 {
		return nil, domain.ErrLinesRequired
	}

	result := make([]domain.OrderLineRequest, 0, len(lines))
	index := make(map[string]int, len(lines))
	for _, line := range lines {
		if line.ProductID == "" {
			return nil, domain.ErrLineProductRequired
		}
		if line.Quantity <= 0 {
			return nil, domain.ErrLineQtyInvalid
		}

		if pos, seen := index[line.ProductID]; seen {
			if w.policy == DuplicatePolicyReject {
				return nil, domain.ErrDuplicateOrderLine
			}
			result[pos].Quantity += line.Quantity
			continue
		}

		index[line.ProductID] = len(result)
		result = append(result, line)
	}

	return result, nil
}

// fetchProducts забирает единый снимок всех товаров запроса и сверяет полноту.
func (w *Workflow) fetchProducts(ctx context.Context, lines []domain.OrderLineRequest) (map[string]domain.Product, error) {
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductID)
	}

	products, err := w.catalog.FindAllByID(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch products: %w", err)
	}
	if len(products) < len(ids) {
		return nil, domain.ErrProductsNotFound
	}

	byID := make(map[string]domain.Product, len(products))
	for _, product := range products {
		byID[product.ID] = product
	}
	return byID, nil
}

func (w *Workflow) backoff(ctx context.Context, attempt int) error {
	if w.retryBaseDelay <= 0 {
		return nil
	}

	delay := w.retryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// placedEventPayload — тело события order.placed для outbox.
type placedEventPayload struct {
	OrderID     string            `json:"order_id"`
	CustomerID  string            `json:"customer_id"`
	AmountMinor int64             `json:"amount_minor"`
	Lines       []placedEventLine `json:"lines"`
	PlacedAt    time.Time         `json:"placed_at"`
	Stock       map[string]int32  `json:"stock,omitempty"`
}

type placedEventLine struct {
	ProductID  string `json:"product_id"`
	PriceMinor int64  `json:"price_minor"`
	Quantity   int32  `json:"quantity"`
}

// enqueuePlacedEvent ставит событие в outbox. Ошибка постановки не отменяет
// уже сохранённый заказ, только логируется.
func (w *Workflow) enqueuePlacedEvent(order domain.Order, products []domain.Product) {
	if w.outbox == nil {
		return
	}

	payload := placedEventPayload{
		OrderID:     order.ID,
		CustomerID:  order.CustomerID,
		AmountMinor: order.AmountMinor,
		PlacedAt:    order.CreatedAt,
		Stock:       make(map[string]int32, len(products)),
	}
	for _, line := range order.Lines {
		payload.Lines = append(payload.Lines, placedEventLine{
			ProductID:  line.ProductID,
			PriceMinor: line.PriceMinor,
			Quantity:   line.Quantity,
		})
	}
	for _, product := range products {
		payload.Stock[product.ID] = product.Quantity
	}

	data, err := json.Marshal(payload)
	if err != nil {
		w.logger.WithError(err).WithField("order_id", order.ID).Warn("failed to marshal order.placed payload")
		return
	}

	if _, err := w.outbox.Enqueue(domain.OutboxMessage{
		AggregateType: aggregateTypeOrder,
		AggregateID:   order.ID,
		EventType:     eventTypeOrderPlaced,
		Payload:       data,
	}); err != nil {
		w.logger.WithError(err).WithField("order_id", order.ID).Warn("failed to enqueue order.placed event")
		return
	}

	if w.metrics != nil {
		w.metrics.RecordOutboxEnqueued()
	}
}

// rejectReason сводит ошибку размещения к label метрики.
func rejectReason(err error) string {
	switch {
	case domain.IsInsufficientStock(err):
		return metrics.RejectReasonInsufficientStock
	case errors.Is(err, domain.ErrCustomerNotFound):
		return metrics.RejectReasonCustomerNotFound
	case errors.Is(err, domain.ErrProductsNotFound):
		return metrics.RejectReasonProductsNotFound
	case domain.IsStockConflict(err):
		return metrics.RejectReasonStockConflict
	case errors.Is(err, domain.ErrCustomerRequired),
		errors.Is(err, domain.ErrLinesRequired),
		errors.Is(err, domain.ErrLineQtyInvalid),
		errors.Is(err, domain.ErrLineProductRequired),
		errors.Is(err, domain.ErrDuplicateOrderLine):
		return metrics.RejectReasonInvalidRequest
	default:
		return metrics.RejectReasonInternal
	}
}
