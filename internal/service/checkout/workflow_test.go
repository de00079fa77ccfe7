package checkout

import (
	"context"
	"errors"
	"testing"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/backoffice/internal/domain"
	"github.com/vladislavdragonenkov/backoffice/internal/storage/memory"
)

// conflictCatalog оборачивает каталог и проваливает первые failures
// обновлений остатков как проигранный compare-and-swap.
type conflictCatalog struct {
	domain.ProductCatalog
	failures int
	updates  int
}

func (c *conflictCatalog) UpdateQuantities(ctx context.Context, updates []domain.StockUpdate) ([]domain.Product, error) {
	c.updates++
	if c.updates <= c.failures {
		return nil, domain.ErrStockConflict
	}
	return c.ProductCatalog.UpdateQuantities(ctx, updates)
}

type fixture struct {
	customers interface {
		domain.CustomerLookup
		Seed(domain.Customer)
	}
	catalog domain.ProductCatalog
	orders  domain.OrderStore
	outbox  domain.OutboxRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		customers: memory.NewCustomerRepository(),
		catalog:   memory.NewProductRepository(),
		orders:    memory.NewOrderRepository(),
		outbox:    memory.NewOutboxRepository(),
	}
	f.customers.Seed(domain.Customer{ID: "customer-1", Name: "Ivan"})
	return f
}

func (f *fixture) seedProduct(t *testing.T, name string, priceMinor int64, quantity int32) domain.Product {
	t.Helper()

	product, err := f.catalog.Create(context.Background(), domain.Product{
		Name:       name,
		PriceMinor: priceMinor,
		Quantity:   quantity,
	})
	if err != nil {
		t.Fatalf("seed product %s: %v", name, err)
	}
	return product
}

func (f *fixture) quantityOf(t *testing.T, id string) int32 {
	t.Helper()

	products, err := f.catalog.FindAllByID(context.Background(), []string{id})
	if err != nil {
		t.Fatalf("fetch product %s: %v", id, err)
	}
	if len(products) != 1 {
		t.Fatalf("expected product %s to exist, got %d results", id, len(products))
	}
	return products[0].Quantity
}

func (f *fixture) workflow(options ...Option) *Workflow {
	options = append([]Option{
		WithLogger(log.New().WithField("test", "checkout")),
		WithOutbox(f.outbox),
	}, options...)
	return NewWorkflow(f.customers, f.catalog, f.orders, options...)
}

func collectOutbox(t *testing.T, outbox domain.OutboxRepository) []domain.OutboxMessage {
	t.Helper()

	type allPending interface {
		AllPending() []domain.OutboxMessage
	}

	repo, ok := outbox.(allPending)
	if !ok {
		t.Fatalf("outbox repository does not support AllPending")
	}
	return repo.AllPending()
}

func TestPlaceOrder_Success(t *testing.T) {
	f := newFixture(t)
	apple := f.seedProduct(t, "apple", 150, 5)
	banana := f.seedProduct(t, "banana", 90, 2)

	order, err := f.workflow().PlaceOrder(context.Background(), "customer-1", []domain.OrderLineRequest{
		{ProductID: apple.ID, Quantity: 3},
		{ProductID: banana.ID, Quantity: 2},
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}

	if order.ID == "" {
		t.Fatal("expected order id to be assigned")
	}
	if order.CustomerID != "customer-1" {
		t.Fatalf("expected customer-1, got %s", order.CustomerID)
	}
	if len(order.Lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(order.Lines))
	}
	if order.AmountMinor != 3*150+2*90 {
		t.Fatalf("expected amount %d, got %d", 3*150+2*90, order.AmountMinor)
	}

	// Остатки уменьшены ровно на запрошенное.
	if qty := f.quantityOf(t, apple.ID); qty != 2 {
		t.Fatalf("expected apple stock 2, got %d", qty)
	}
	if qty := f.quantityOf(t, banana.ID); qty != 0 {
		t.Fatalf("expected banana stock 0, got %d", qty)
	}

	// Заказ доступен из хранилища и совпадает по сумме.
	stored, err := f.orders.Get(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if stored.AmountMinor != order.AmountMinor {
		t.Fatalf("expected stored amount %d, got %d", order.AmountMinor, stored.AmountMinor)
	}

	events := collectOutbox(t, f.outbox)
	if len(events) != 1 {
		t.Fatalf("expected 1 outbox event, got %d", len(events))
	}
	if events[0].EventType != "order.placed" {
		t.Fatalf("expected order.placed event, got %s", events[0].EventType)
	}
}

func TestPlaceOrder_PriceCapturedAtOrderTime(t *testing.T) {
	f := newFixture(t)
	apple := f.seedProduct(t, "apple", 150, 5)

	order, err := f.workflow().PlaceOrder(context.Background(), "customer-1", []domain.OrderLineRequest{
		{ProductID: apple.ID, Quantity: 1},
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}

	if order.Lines[0].PriceMinor != 150 {
		t.Fatalf("expected captured price 150, got %d", order.Lines[0].PriceMinor)
	}
}

func TestPlaceOrder_CustomerNotFound(t *testing.T) {
	f := newFixture(t)
	apple := f.seedProduct(t, "apple", 150, 5)

	_, err := f.workflow().PlaceOrder(context.Background(), "missing", []domain.OrderLineRequest{
		{ProductID: apple.ID, Quantity: 1},
	})
	if !errors.Is(err, domain.ErrCustomerNotFound) {
		t.Fatalf("expected ErrCustomerNotFound, got %v", err)
	}

	if qty := f.quantityOf(t, apple.ID); qty != 5 {
		t.Fatalf("expected stock untouched, got %d", qty)
	}
	if events := collectOutbox(t, f.outbox); len(events) != 0 {
		t.Fatalf("expected no outbox events, got %d", len(events))
	}
}

func TestPlaceOrder_ProductsNotFound(t *testing.T) {
	f := newFixture(t)
	apple := f.seedProduct(t, "apple", 150, 5)

	_, err := f.workflow().PlaceOrder(context.Background(), "customer-1", []domain.OrderLineRequest{
		{ProductID: apple.ID, Quantity: 1},
		{ProductID: "no-such-product", Quantity: 1},
	})
	if !errors.Is(err, domain.ErrProductsNotFound) {
		t.Fatalf("expected ErrProductsNotFound, got %v", err)
	}

	if qty := f.quantityOf(t, apple.ID); qty != 5 {
		t.Fatalf("expected stock untouched, got %d", qty)
	}
}

func TestPlaceOrder_InsufficientStock(t *testing.T) {
	f := newFixture(t)
	apple := f.seedProduct(t, "apple", 150, 5)

	_, err := f.workflow().PlaceOrder(context.Background(), "customer-1", []domain.OrderLineRequest{
		{ProductID: apple.ID, Quantity: 6},
	})

	var stockErr *domain.InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if stockErr.ProductName != "apple" || stockErr.Available != 5 || stockErr.Requested != 6 {
		t.Fatalf("unexpected error details: %+v", stockErr)
	}

	if qty := f.quantityOf(t, apple.ID); qty != 5 {
		t.Fatalf("expected stock untouched, got %d", qty)
	}
}

func TestPlaceOrder_InsufficientStockOneOfMany(t *testing.T) {
	f := newFixture(t)
	apple := f.seedProduct(t, "apple", 150, 5)
	banana := f.seedProduct(t, "banana", 90, 2)

	_, err := f.workflow().PlaceOrder(context.Background(), "customer-1", []domain.OrderLineRequest{
		{ProductID: apple.ID, Quantity: 3},
		{ProductID: banana.ID, Quantity: 3},
	})
	if !domain.IsInsufficientStock(err) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	// Даже валидная позиция не списывается при отказе батча.
	if qty := f.quantityOf(t, apple.ID); qty != 5 {
		t.Fatalf("expected apple stock untouched, got %d", qty)
	}
	if qty := f.quantityOf(t, banana.ID); qty != 2 {
		t.Fatalf("expected banana stock untouched, got %d", qty)
	}
}

func TestPlaceOrder_EmptyRequest(t *testing.T) {
	f := newFixture(t)

	if _, err := f.workflow().PlaceOrder(context.Background(), "customer-1", nil); !errors.Is(err, domain.ErrLinesRequired) {
		t.Fatalf("expected ErrLinesRequired, got %v", err)
	}
	if _, err := f.workflow().PlaceOrder(context.Background(), "", []domain.OrderLineRequest{{ProductID: "p", Quantity: 1}}); !errors.Is(err, domain.ErrCustomerRequired) {
		t.Fatalf("expected ErrCustomerRequired, got %v", err)
	}
}

func TestPlaceOrder_InvalidLines(t *testing.T) {
	f := newFixture(t)
	apple := f.seedProduct(t, "apple", 150, 5)

	_, err := f.workflow().PlaceOrder(context.Background(), "customer-1", []domain.OrderLineRequest{
		{ProductID: apple.ID, Quantity: 0},
	})
	if !errors.Is(err, domain.ErrLineQtyInvalid) {
		t.Fatalf("expected ErrLineQtyInvalid, got %v", err)
	}

	_, err = f.workflow().PlaceOrder(context.Background(), "customer-1", []domain.OrderLineRequest{
		{ProductID: "", Quantity: 1},
	})
	if !errors.Is(err, domain.ErrLineProductRequired) {
		t.Fatalf("expected ErrLineProductRequired, got %v", err)
	}
}

func TestPlaceOrder_DuplicateLinesMerged(t *testing.T) {
	f := newFixture(t)
	apple := f.seedProduct(t, "apple", 150, 5)

	order, err := f.workflow().PlaceOrder(context.Background(), "customer-1", []domain.OrderLineRequest{
		{ProductID: apple.ID, Quantity: 2},
		{ProductID: apple.ID, Quantity: 3},
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}

	if len(order.Lines) != 1 {
		t.Fatalf("expected merged single line, got %d", len(order.Lines))
	}
	if order.Lines[0].Quantity != 5 {
		t.Fatalf("expected merged quantity 5, got %d", order.Lines[0].Quantity)
	}
	if qty := f.quantityOf(t, apple.ID); qty != 0 {
		t.Fatalf("expected apple stock 0, got %d", qty)
	}
}

func TestPlaceOrder_DuplicateLinesRejected(t *testing.T) {
	f := newFixture(t)
	apple := f.seedProduct(t, "apple", 150, 5)

	_, err := f.workflow(WithDuplicatePolicy(DuplicatePolicyReject)).PlaceOrder(context.Background(), "customer-1", []domain.OrderLineRequest{
		{ProductID: apple.ID, Quantity: 2},
		{ProductID: apple.ID, Quantity: 3},
	})
	if !errors.Is(err, domain.ErrDuplicateOrderLine) {
		t.Fatalf("expected ErrDuplicateOrderLine, got %v", err)
	}
	if qty := f.quantityOf(t, apple.ID); qty != 5 {
		t.Fatalf("expected stock untouched, got %d", qty)
	}
}

func TestPlaceOrder_StockConflictRetried(t *testing.T) {
	f := newFixture(t)
	apple := f.seedProduct(t, "apple", 150, 5)

	catalog := &conflictCatalog{ProductCatalog: f.catalog, failures: 2}
	wf := NewWorkflow(f.customers, catalog, f.orders,
		WithLogger(log.New().WithField("test", "retry")),
		WithStockRetry(3, 0),
	)

	order, err := wf.PlaceOrder(context.Background(), "customer-1", []domain.OrderLineRequest{
		{ProductID: apple.ID, Quantity: 2},
	})
	if err != nil {
		t.Fatalf("place order after retries: %v", err)
	}
	if catalog.updates != 3 {
		t.Fatalf("expected 3 update attempts, got %d", catalog.updates)
	}
	if order.AmountMinor != 300 {
		t.Fatalf("expected amount 300, got %d", order.AmountMinor)
	}
	if qty := f.quantityOf(t, apple.ID); qty != 3 {
		t.Fatalf("expected apple stock 3, got %d", qty)
	}
}

func TestPlaceOrder_StockConflictExhausted(t *testing.T) {
	f := newFixture(t)
	apple := f.seedProduct(t, "apple", 150, 5)

	catalog := &conflictCatalog{ProductCatalog: f.catalog, failures: 10}
	wf := NewWorkflow(f.customers, catalog, f.orders,
		WithLogger(log.New().WithField("test", "exhausted")),
		WithStockRetry(3, 0),
	)

	_, err := wf.PlaceOrder(context.Background(), "customer-1", []domain.OrderLineRequest{
		{ProductID: apple.ID, Quantity: 2},
	})
	if !domain.IsStockConflict(err) {
		t.Fatalf("expected stock conflict, got %v", err)
	}
	if catalog.updates != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", catalog.updates)
	}
	if qty := f.quantityOf(t, apple.ID); qty != 5 {
		t.Fatalf("expected stock untouched, got %d", qty)
	}
}

// recordingPlacement фиксирует атомарные вызовы CreateWithStock и может
// имитировать проигранный CAS заданное число раз.
type recordingPlacement struct {
	catalog   domain.ProductCatalog
	orders    domain.OrderStore
	conflicts int
	calls     int
}

func (p *recordingPlacement) CreateWithStock(ctx context.Context, order domain.Order, updates []domain.StockUpdate) (domain.Order, []domain.Product, error) {
	p.calls++
	if p.calls <= p.conflicts {
		return domain.Order{}, nil, domain.ErrStockConflict
	}

	products, err := p.catalog.UpdateQuantities(ctx, updates)
	if err != nil {
		return domain.Order{}, nil, err
	}
	stored, err := p.orders.Create(ctx, order)
	if err != nil {
		return domain.Order{}, nil, err
	}
	return stored, products, nil
}

// trackingOrderStore падает в тесте, если workflow идёт мимо PlacementStore.
type trackingOrderStore struct {
	domain.OrderStore
	creates int
}

func (s *trackingOrderStore) Create(ctx context.Context, order domain.Order) (domain.Order, error) {
	s.creates++
	return s.OrderStore.Create(ctx, order)
}

func TestPlaceOrder_AtomicPlacementUsed(t *testing.T) {
	f := newFixture(t)
	apple := f.seedProduct(t, "apple", 150, 5)

	placement := &recordingPlacement{catalog: f.catalog, orders: f.orders}
	orders := &trackingOrderStore{OrderStore: f.orders}
	wf := NewWorkflow(f.customers, f.catalog, orders,
		WithLogger(log.New().WithField("test", "placement")),
		WithAtomicPlacement(placement),
	)

	order, err := wf.PlaceOrder(context.Background(), "customer-1", []domain.OrderLineRequest{
		{ProductID: apple.ID, Quantity: 2},
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if placement.calls != 1 {
		t.Fatalf("expected a single atomic commit, got %d", placement.calls)
	}
	if orders.creates != 0 {
		t.Fatalf("order store must not be called directly with a placement store, got %d creates", orders.creates)
	}
	if order.AmountMinor != 300 {
		t.Fatalf("expected amount 300, got %d", order.AmountMinor)
	}
	if qty := f.quantityOf(t, apple.ID); qty != 3 {
		t.Fatalf("expected apple stock 3, got %d", qty)
	}
}

func TestPlaceOrder_AtomicPlacementConflictRetried(t *testing.T) {
	f := newFixture(t)
	apple := f.seedProduct(t, "apple", 150, 5)

	placement := &recordingPlacement{catalog: f.catalog, orders: f.orders, conflicts: 2}
	wf := NewWorkflow(f.customers, f.catalog, f.orders,
		WithLogger(log.New().WithField("test", "placement-retry")),
		WithAtomicPlacement(placement),
		WithStockRetry(3, 0),
	)

	order, err := wf.PlaceOrder(context.Background(), "customer-1", []domain.OrderLineRequest{
		{ProductID: apple.ID, Quantity: 1},
	})
	if err != nil {
		t.Fatalf("place order after placement retries: %v", err)
	}
	if placement.calls != 3 {
		t.Fatalf("expected 3 placement attempts, got %d", placement.calls)
	}
	if order.AmountMinor != 150 {
		t.Fatalf("expected amount 150, got %d", order.AmountMinor)
	}
}

func TestPlaceOrder_CustomerCheckedBeforeLines(t *testing.T) {
	f := newFixture(t)

	wf := f.workflow()
	_, err := wf.PlaceOrder(context.Background(), "ghost", []domain.OrderLineRequest{
		{ProductID: "whatever", Quantity: 0},
	})
	if !errors.Is(err, domain.ErrCustomerNotFound) {
		t.Fatalf("expected customer lookup to fail first, got %v", err)
	}
}
