package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/backoffice/internal/domain"
	"github.com/vladislavdragonenkov/backoffice/internal/service/catalog"
	"github.com/vladislavdragonenkov/backoffice/internal/service/checkout"
)

const defaultIdempotencyTTL = 24 * time.Hour

// Server — HTTP-фасад бек-офиса поверх gin. Сам по себе ничего не решает:
// валидация и бизнес-правила живут в checkout и catalog, здесь только
// разбор запросов и маппинг ошибок на статусы.
type Server struct {
	engine   *gin.Engine
	checkout *checkout.Workflow
	registry *catalog.Registry
	orders   domain.OrderStore
	logger   *log.Entry

	idempotency    domain.IdempotencyRepository
	idempotencyTTL time.Duration
}

// Options задаёт параметры Server.
type Options struct {
	Logger         *log.Entry
	Idempotency    domain.IdempotencyRepository
	IdempotencyTTL time.Duration
}

// Option настраивает Server.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithIdempotency включает поддержку заголовка Idempotency-Key для
// мутирующих запросов. TTL <= 0 заменяется значением по умолчанию (сутки).
func WithIdempotency(repo domain.IdempotencyRepository, ttl time.Duration) Option {
	return func(opts *Options) {
		opts.Idempotency = repo
		opts.IdempotencyTTL = ttl
	}
}

// NewServer собирает gin-движок с маршрутами бек-офиса.
func NewServer(
	checkoutWorkflow *checkout.Workflow,
	registry *catalog.Registry,
	orders domain.OrderStore,
	options ...Option,
) *Server {
	opts := Options{IdempotencyTTL: defaultIdempotencyTTL}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "http")
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = defaultIdempotencyTTL
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:         engine,
		checkout:       checkoutWorkflow,
		registry:       registry,
		orders:         orders,
		logger:         logger,
		idempotency:    opts.Idempotency,
		idempotencyTTL: opts.IdempotencyTTL,
	}
	s.registerRoutes()
	return s
}

// Engine отдаёт движок для запуска или встраивания в httptest.
func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) registerRoutes() {
	v1 := s.engine.Group("/api/v1")

	orders := v1.Group("/orders")
	orders.POST("", s.idempotent(), s.placeOrder)
	orders.GET(":id", s.getOrder)

	products := v1.Group("/products")
	products.POST("", s.idempotent(), s.registerProduct)

	customers := v1.Group("/customers")
	customers.GET(":id/orders", s.listCustomerOrders)
}
