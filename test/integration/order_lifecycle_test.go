package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/vladislavdragonenkov/backoffice/internal/domain"
	"github.com/vladislavdragonenkov/backoffice/internal/service/catalog"
	"github.com/vladislavdragonenkov/backoffice/internal/service/checkout"
	"github.com/vladislavdragonenkov/backoffice/internal/storage/memory"
	httpapi "github.com/vladislavdragonenkov/backoffice/internal/transport/http"
)

const lifecycleCustomerID = "customer-123"

type orderLineDTO struct {
	ID         string `json:"id"`
	ProductID  string `json:"product_id"`
	PriceMinor int64  `json:"price_minor"`
	Quantity   int32  `json:"quantity"`
}

type orderDTO struct {
	ID          string         `json:"id"`
	CustomerID  string         `json:"customer_id"`
	AmountMinor int64          `json:"amount_minor"`
	Lines       []orderLineDTO `json:"lines"`
	CreatedAt   time.Time      `json:"created_at"`
}

type productDTO struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	PriceMinor int64  `json:"price_minor"`
	Quantity   int32  `json:"quantity"`
}

// OrderLifecycleTestSuite прогоняет полный цикл размещения заказа через
// HTTP API поверх in-memory хранилища.
type OrderLifecycleTestSuite struct {
	suite.Suite
	api      *httptest.Server
	products domain.ProductCatalog
	outbox   interface {
		domain.OutboxRepository
		AllPending() []domain.OutboxMessage
	}
}

func (suite *OrderLifecycleTestSuite) SetupTest() {
	baseLogger := log.New()
	baseLogger.SetLevel(log.WarnLevel) // Уменьшаем шум в тестах
	logger := baseLogger.WithField("component", "integration-test")

	customers := memory.NewCustomerRepository()
	customers.Seed(domain.Customer{
		ID:        lifecycleCustomerID,
		Name:      "Integration Customer",
		CreatedAt: time.Now().UTC(),
	})

	products := memory.NewProductRepository()
	orders := memory.NewOrderRepository()
	outbox := memory.NewOutboxRepository()
	idempotency := memory.NewIdempotencyRepository()

	workflow := checkout.NewWorkflow(
		customers,
		products,
		orders,
		checkout.WithLogger(logger),
		checkout.WithOutbox(outbox),
		checkout.WithStockRetry(3, 0),
	)
	registry := catalog.NewRegistry(
		products,
		catalog.WithLogger(logger),
		catalog.WithOutbox(outbox),
	)

	server := httpapi.NewServer(
		workflow,
		registry,
		orders,
		httpapi.WithLogger(logger),
		httpapi.WithIdempotency(idempotency, time.Hour),
	)

	suite.api = httptest.NewServer(server.Engine())
	suite.products = products
	suite.outbox = outbox
}

func (suite *OrderLifecycleTestSuite) TearDownTest() {
	suite.api.Close()
}

func (suite *OrderLifecycleTestSuite) TestSuccessfulOrderLifecycle() {
	// 1. Регистрируем товары каталога
	laptop := suite.registerProduct("laptop-pro", 199900, 3)
	mouse := suite.registerProduct("mouse-wireless", 4999, 10)

	// 2. Размещаем заказ
	status, body := suite.placeOrder(lifecycleCustomerID, []map[string]any{
		{"product_id": laptop.ID, "quantity": 1},
		{"product_id": mouse.ID, "quantity": 2},
	}, "")
	require.Equal(suite.T(), http.StatusCreated, status)

	var order orderDTO
	require.NoError(suite.T(), json.Unmarshal(body, &order))
	require.NotEmpty(suite.T(), order.ID)
	require.Equal(suite.T(), lifecycleCustomerID, order.CustomerID)
	require.Equal(suite.T(), int64(209898), order.AmountMinor) // $1999 + 2*$49.99
	require.Len(suite.T(), order.Lines, 2)
	for _, line := range order.Lines {
		if line.ProductID == laptop.ID {
			require.Equal(suite.T(), int64(199900), line.PriceMinor)
			require.Equal(suite.T(), int32(1), line.Quantity)
		}
	}

	// 3. Проверяем списание остатков
	suite.requireStock(laptop.ID, 2)
	suite.requireStock(mouse.ID, 8)

	// 4. Читаем заказ обратно
	fetched := suite.getOrder(order.ID)
	require.Equal(suite.T(), order.ID, fetched.ID)
	require.Equal(suite.T(), order.AmountMinor, fetched.AmountMinor)

	// 5. Заказ виден в истории покупателя
	orders := suite.listCustomerOrders(lifecycleCustomerID)
	require.Len(suite.T(), orders, 1)
	require.Equal(suite.T(), order.ID, orders[0].ID)

	// 6. Проверяем события outbox: два product.registered и один order.placed
	pending := suite.outbox.AllPending()
	counts := map[string]int{}
	for _, msg := range pending {
		counts[msg.EventType]++
		require.NotEmpty(suite.T(), msg.Payload)
	}
	require.Equal(suite.T(), 2, counts["product.registered"])
	require.Equal(suite.T(), 1, counts["order.placed"])
}

func (suite *OrderLifecycleTestSuite) TestInsufficientStockLeavesStateUntouched() {
	product := suite.registerProduct("limited-item", 10000, 1)

	status, body := suite.placeOrder(lifecycleCustomerID, []map[string]any{
		{"product_id": product.ID, "quantity": 2},
	}, "")
	require.Equal(suite.T(), http.StatusConflict, status)
	require.Contains(suite.T(), string(body), "in stock, but 2 was requested")

	// Остаток не изменился, заказ не появился
	suite.requireStock(product.ID, 1)
	require.Empty(suite.T(), suite.listCustomerOrders(lifecycleCustomerID))

	for _, msg := range suite.outbox.AllPending() {
		require.NotEqual(suite.T(), "order.placed", msg.EventType)
	}
}

func (suite *OrderLifecycleTestSuite) TestDuplicateLinesMerged() {
	product := suite.registerProduct("bulk-item", 500, 10)

	status, body := suite.placeOrder(lifecycleCustomerID, []map[string]any{
		{"product_id": product.ID, "quantity": 2},
		{"product_id": product.ID, "quantity": 3},
	}, "")
	require.Equal(suite.T(), http.StatusCreated, status)

	var order orderDTO
	require.NoError(suite.T(), json.Unmarshal(body, &order))
	require.Len(suite.T(), order.Lines, 1)
	require.Equal(suite.T(), int32(5), order.Lines[0].Quantity)
	require.Equal(suite.T(), int64(2500), order.AmountMinor)

	suite.requireStock(product.ID, 5)
}

func (suite *OrderLifecycleTestSuite) TestIdempotentReplay() {
	product := suite.registerProduct("replay-item", 1500, 10)

	lines := []map[string]any{{"product_id": product.ID, "quantity": 2}}
	status, body := suite.placeOrder(lifecycleCustomerID, lines, "lifecycle-key-1")
	require.Equal(suite.T(), http.StatusCreated, status)

	var first orderDTO
	require.NoError(suite.T(), json.Unmarshal(body, &first))

	// Повтор с тем же ключом и телом возвращает сохранённый ответ
	replayStatus, replayBody := suite.placeOrder(lifecycleCustomerID, lines, "lifecycle-key-1")
	require.Equal(suite.T(), http.StatusCreated, replayStatus)

	var second orderDTO
	require.NoError(suite.T(), json.Unmarshal(replayBody, &second))
	require.Equal(suite.T(), first.ID, second.ID)

	// Списание произошло ровно один раз
	suite.requireStock(product.ID, 8)
	require.Len(suite.T(), suite.listCustomerOrders(lifecycleCustomerID), 1)
}

func (suite *OrderLifecycleTestSuite) TestUnknownCustomerRejected() {
	product := suite.registerProduct("orphan-item", 700, 5)

	status, body := suite.placeOrder("ghost-customer", []map[string]any{
		{"product_id": product.ID, "quantity": 1},
	}, "")
	require.Equal(suite.T(), http.StatusNotFound, status)
	require.Contains(suite.T(), string(body), "no such customer")

	suite.requireStock(product.ID, 5)
}

func (suite *OrderLifecycleTestSuite) TestDuplicateProductNameRejected() {
	suite.registerProduct("unique-item", 900, 5)

	status, body := suite.postJSON("/api/v1/products", map[string]any{
		"name":        "unique-item",
		"price_minor": 900,
		"quantity":    5,
	}, "")
	require.Equal(suite.T(), http.StatusConflict, status)
	require.Contains(suite.T(), string(body), "already registered")
}

// Вспомогательные методы

func (suite *OrderLifecycleTestSuite) registerProduct(name string, priceMinor int64, quantity int32) productDTO {
	suite.T().Helper()

	status, body := suite.postJSON("/api/v1/products", map[string]any{
		"name":        name,
		"price_minor": priceMinor,
		"quantity":    quantity,
	}, "")
	require.Equal(suite.T(), http.StatusCreated, status, "register product %s: %s", name, body)

	var product productDTO
	require.NoError(suite.T(), json.Unmarshal(body, &product))
	require.NotEmpty(suite.T(), product.ID)
	return product
}

func (suite *OrderLifecycleTestSuite) placeOrder(customerID string, lines []map[string]any, idempotencyKey string) (int, []byte) {
	suite.T().Helper()

	return suite.postJSON("/api/v1/orders", map[string]any{
		"customer_id": customerID,
		"lines":       lines,
	}, idempotencyKey)
}

func (suite *OrderLifecycleTestSuite) postJSON(path string, payload map[string]any, idempotencyKey string) (int, []byte) {
	suite.T().Helper()

	encoded, err := json.Marshal(payload)
	require.NoError(suite.T(), err)

	req, err := http.NewRequest(http.MethodPost, suite.api.URL+path, bytes.NewReader(encoded))
	require.NoError(suite.T(), err)
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := suite.api.Client().Do(req)
	require.NoError(suite.T(), err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(suite.T(), err)
	return resp.StatusCode, buf.Bytes()
}

func (suite *OrderLifecycleTestSuite) getOrder(orderID string) orderDTO {
	suite.T().Helper()

	resp, err := suite.api.Client().Get(suite.api.URL + "/api/v1/orders/" + orderID)
	require.NoError(suite.T(), err)
	defer resp.Body.Close()
	require.Equal(suite.T(), http.StatusOK, resp.StatusCode)

	var order orderDTO
	require.NoError(suite.T(), json.NewDecoder(resp.Body).Decode(&order))
	return order
}

func (suite *OrderLifecycleTestSuite) listCustomerOrders(customerID string) []orderDTO {
	suite.T().Helper()

	url := fmt.Sprintf("%s/api/v1/customers/%s/orders", suite.api.URL, customerID)
	resp, err := suite.api.Client().Get(url)
	require.NoError(suite.T(), err)
	defer resp.Body.Close()
	require.Equal(suite.T(), http.StatusOK, resp.StatusCode)

	var orders []orderDTO
	require.NoError(suite.T(), json.NewDecoder(resp.Body).Decode(&orders))
	return orders
}

func (suite *OrderLifecycleTestSuite) requireStock(productID string, want int32) {
	suite.T().Helper()

	products, err := suite.products.FindAllByID(context.Background(), []string{productID})
	require.NoError(suite.T(), err)
	require.Len(suite.T(), products, 1)
	require.Equal(suite.T(), want, products[0].Quantity)
}

func TestOrderLifecycle(t *testing.T) {
	suite.Run(t, new(OrderLifecycleTestSuite))
}
