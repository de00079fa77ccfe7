package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vladislavdragonenkov/backoffice/internal/domain"
)

type orderLineRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int32  `json:"quantity"`
}

type placeOrderRequest struct {
	CustomerID string             `json:"customer_id"`
	Lines      []orderLineRequest `json:"lines"`
}

type registerProductRequest struct {
	Name       string `json:"name"`
	PriceMinor int64  `json:"price_minor"`
	Quantity   int32  `json:"quantity"`
}

type orderLineResponse struct {
	ID         string `json:"id"`
	ProductID  string `json:"product_id"`
	PriceMinor int64  `json:"price_minor"`
	Quantity   int32  `json:"quantity"`
}

type orderResponse struct {
	ID          string              `json:"id"`
	CustomerID  string              `json:"customer_id"`
	AmountMinor int64               `json:"amount_minor"`
	Lines       []orderLineResponse `json:"lines"`
	CreatedAt   time.Time           `json:"created_at"`
}

type productResponse struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	PriceMinor int64     `json:"price_minor"`
	Quantity   int32     `json:"quantity"`
	CreatedAt  time.Time `json:"created_at"`
}

func toOrderResponse(order domain.Order) orderResponse {
	resp := orderResponse{
		ID:          order.ID,
		CustomerID:  order.CustomerID,
		AmountMinor: order.AmountMinor,
		Lines:       make([]orderLineResponse, 0, len(order.Lines)),
		CreatedAt:   order.CreatedAt,
	}
	for _, line := range order.Lines {
		resp.Lines = append(resp.Lines, orderLineResponse{
			ID:         line.ID,
			ProductID:  line.ProductID,
			PriceMinor: line.PriceMinor,
			Quantity:   line.Quantity,
		})
	}
	return resp
}

func toProductResponse(product domain.Product) productResponse {
	return productResponse{
		ID:         product.ID,
		Name:       product.Name,
		PriceMinor: product.PriceMinor,
		Quantity:   product.Quantity,
		CreatedAt:  product.CreatedAt,
	}
}

func (s *Server) placeOrder(c *gin.Context) {
	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	lines := make([]domain.OrderLineRequest, 0, len(req.Lines))
	for _, line := range req.Lines {
		lines = append(lines, domain.OrderLineRequest{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
		})
	}

	order, err := s.checkout.PlaceOrder(c.Request.Context(), req.CustomerID, lines)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toOrderResponse(order))
}

func (s *Server) getOrder(c *gin.Context) {
	order, err := s.orders.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, toOrderResponse(order))
}

func (s *Server) listCustomerOrders(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	orders, err := s.orders.ListByCustomer(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		s.renderError(c, err)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for _, order := range orders {
		resp = append(resp, toOrderResponse(order))
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) registerProduct(c *gin.Context) {
	var req registerProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	product, err := s.registry.RegisterProduct(c.Request.Context(), req.Name, req.PriceMinor, req.Quantity)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toProductResponse(product))
}

// renderError переводит доменную ошибку в HTTP-статус. Текст ошибки уходит
// клиенту как есть: доменные сообщения уже рассчитаны на пользователя.
func (s *Server) renderError(c *gin.Context, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		s.logger.WithError(err).Error("request failed")
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrCustomerNotFound),
		errors.Is(err, domain.ErrProductsNotFound),
		errors.Is(err, domain.ErrOrderNotFound):
		return http.StatusNotFound
	case domain.IsInsufficientStock(err),
		domain.IsStockConflict(err),
		errors.Is(err, domain.ErrDuplicateProduct),
		errors.Is(err, domain.ErrDuplicateOrderLine):
		return http.StatusConflict
	case errors.Is(err, domain.ErrCustomerRequired),
		errors.Is(err, domain.ErrLinesRequired),
		errors.Is(err, domain.ErrLineQtyInvalid),
		errors.Is(err, domain.ErrLineProductRequired),
		errors.Is(err, domain.ErrProductNameRequired),
		errors.Is(err, domain.ErrPriceNegative),
		errors.Is(err, domain.ErrQuantityNegative):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
