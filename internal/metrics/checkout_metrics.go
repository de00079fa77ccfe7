package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CheckoutMetrics содержит метрики для workflow размещения заказов.
type CheckoutMetrics struct {
	// Счётчики исходов
	ordersPlaced   prometheus.Counter
	ordersRejected *prometheus.CounterVec

	// Гистограмма времени размещения заказа
	placeDuration prometheus.Histogram

	// Конфликты CAS по остаткам и повторные попытки
	stockConflicts prometheus.Counter
	stockRetries   prometheus.Counter

	// Регистрация товаров
	productsRegistered prometheus.Counter
	outboxEnqueued     prometheus.Counter
}

// Причины отказов для label reason.
const (
	RejectReasonCustomerNotFound  = "customer_not_found"
	RejectReasonProductsNotFound  = "products_not_found"
	RejectReasonInsufficientStock = "insufficient_stock"
	RejectReasonStockConflict     = "stock_conflict"
	RejectReasonInvalidRequest    = "invalid_request"
	RejectReasonInternal          = "internal"
)

// NewCheckoutMetrics создаёт новый экземпляр метрик checkout.
func NewCheckoutMetrics() *CheckoutMetrics {
	return newCheckoutMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

func newCheckoutMetricsWithRegisterer(registerer prometheus.Registerer) *CheckoutMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &CheckoutMetrics{
		ordersPlaced: registerCounter(registerer, prometheus.CounterOpts{
			Name: "backoffice_orders_placed_total",
			Help: "Total number of orders placed successfully",
		}),
		ordersRejected: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "backoffice_orders_rejected_total",
			Help: "Total number of rejected order placements grouped by reason",
		}, []string{"reason"}),
		placeDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "backoffice_place_order_duration_seconds",
			Help:    "Duration of order placement in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		stockConflicts: registerCounter(registerer, prometheus.CounterOpts{
			Name: "backoffice_stock_conflicts_total",
			Help: "Total number of lost compare-and-swap stock updates",
		}),
		stockRetries: registerCounter(registerer, prometheus.CounterOpts{
			Name: "backoffice_stock_retries_total",
			Help: "Total number of placement retries after a stock conflict",
		}),
		productsRegistered: registerCounter(registerer, prometheus.CounterOpts{
			Name: "backoffice_products_registered_total",
			Help: "Total number of products registered",
		}),
		outboxEnqueued: registerCounter(registerer, prometheus.CounterOpts{
			Name: "backoffice_outbox_enqueued_total",
			Help: "Total number of events enqueued into transactional outbox",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

// RecordOrderPlaced увеличивает счётчик успешных размещений.
func (m *CheckoutMetrics) RecordOrderPlaced() {
	m.ordersPlaced.Inc()
}

// RecordOrderRejected увеличивает счётчик отказов по причине.
func (m *CheckoutMetrics) RecordOrderRejected(reason string) {
	m.ordersRejected.WithLabelValues(reason).Inc()
}

// RecordPlaceDuration записывает длительность размещения заказа.
func (m *CheckoutMetrics) RecordPlaceDuration(duration time.Duration) {
	m.placeDuration.Observe(duration.Seconds())
}

// RecordStockConflict увеличивает счётчик проигранных CAS.
func (m *CheckoutMetrics) RecordStockConflict() {
	m.stockConflicts.Inc()
}

// RecordStockRetry увеличивает счётчик повторных попыток размещения.
func (m *CheckoutMetrics) RecordStockRetry() {
	m.stockRetries.Inc()
}

// RecordProductRegistered увеличивает счётчик зарегистрированных товаров.
func (m *CheckoutMetrics) RecordProductRegistered() {
	m.productsRegistered.Inc()
}

// RecordOutboxEnqueued увеличивает счётчик событий, поставленных в outbox.
func (m *CheckoutMetrics) RecordOutboxEnqueued() {
	m.outboxEnqueued.Inc()
}
