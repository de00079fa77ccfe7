package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OutboxMetrics содержит метрики публикации из transactional outbox.
type OutboxMetrics struct {
	publishAttempts  *prometheus.CounterVec
	pendingRecords   prometheus.Gauge
	oldestPendingAge prometheus.Gauge
}

// Результаты публикации для label result.
const (
	PublishResultSent       = "sent"
	PublishResultRetryError = "retry_error"
	PublishResultFailed     = "failed"
	PublishResultDLQFailed  = "dlq_failed"
)

// NewOutboxMetrics создаёт новый экземпляр метрик outbox.
func NewOutboxMetrics() *OutboxMetrics {
	return newOutboxMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

func newOutboxMetricsWithRegisterer(registerer prometheus.Registerer) *OutboxMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &OutboxMetrics{
		publishAttempts: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "backoffice_outbox_publish_attempts_total",
			Help: "Total number of outbox publish attempts grouped by result",
		}, []string{"result"}),
		pendingRecords: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "backoffice_outbox_pending_records",
			Help: "Current number of pending records in transactional outbox",
		}),
		oldestPendingAge: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "backoffice_outbox_oldest_pending_age_seconds",
			Help: "Age in seconds of the oldest pending outbox record",
		}),
	}
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

// RecordPublishResult увеличивает счётчик попыток публикации для результата.
func (m *OutboxMetrics) RecordPublishResult(result string) {
	m.publishAttempts.WithLabelValues(result).Inc()
}

// SetBacklog обновляет gauge-метрики backlog.
func (m *OutboxMetrics) SetBacklog(pending int, oldestPendingAt time.Time) {
	m.pendingRecords.Set(float64(pending))
	if pending == 0 || oldestPendingAt.IsZero() {
		m.oldestPendingAge.Set(0)
		return
	}

	age := time.Since(oldestPendingAt).Seconds()
	if age < 0 {
		age = 0
	}
	m.oldestPendingAge.Set(age)
}
