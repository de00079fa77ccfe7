package metrics

import "github.com/prometheus/client_golang/prometheus"

// IdempotencyMetrics содержит метрики очистки idempotency ключей.
type IdempotencyMetrics struct {
	cleanupRuns    *prometheus.CounterVec
	cleanupDeleted prometheus.Counter
	lastDeleted    prometheus.Gauge
}

// Результаты cleanup-цикла для label result.
const (
	CleanupResultOK    = "ok"
	CleanupResultError = "error"
)

// NewIdempotencyMetrics создаёт новый экземпляр метрик idempotency.
func NewIdempotencyMetrics() *IdempotencyMetrics {
	return newIdempotencyMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

func newIdempotencyMetricsWithRegisterer(registerer prometheus.Registerer) *IdempotencyMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &IdempotencyMetrics{
		cleanupRuns: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "backoffice_idempotency_cleanup_runs_total",
			Help: "Total number of idempotency cleanup runs grouped by result",
		}, []string{"result"}),
		cleanupDeleted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "backoffice_idempotency_cleanup_deleted_total",
			Help: "Total number of deleted expired idempotency records",
		}),
		lastDeleted: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "backoffice_idempotency_cleanup_last_deleted",
			Help: "Number of deleted records during the last cleanup run",
		}),
	}
}

// RecordCleanupRun увеличивает счётчик cleanup-циклов для результата.
func (m *IdempotencyMetrics) RecordCleanupRun(result string) {
	m.cleanupRuns.WithLabelValues(result).Inc()
}

// RecordDeleted учитывает число удалённых записей.
func (m *IdempotencyMetrics) RecordDeleted(deleted int) {
	if deleted > 0 {
		m.cleanupDeleted.Add(float64(deleted))
	}
}

// SetLastDeleted обновляет gauge последнего cleanup-цикла.
func (m *IdempotencyMetrics) SetLastDeleted(deleted int) {
	m.lastDeleted.Set(float64(deleted))
}
