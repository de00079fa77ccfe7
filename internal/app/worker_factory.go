package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/backoffice/internal/domain"
	"github.com/vladislavdragonenkov/backoffice/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/backoffice/internal/metrics"
	"github.com/vladislavdragonenkov/backoffice/internal/service/outbox"
)

// newOutboxWorker собирает воркер публикации outbox поверх Kafka producer.
// Без producer воркер не создаётся: события остаются в outbox до следующего
// запуска с настроенным Kafka.
func newOutboxWorker(
	cfg Config,
	repo domain.OutboxRepository,
	producer *kafka.Producer,
	m *metrics.OutboxMetrics,
	logger *log.Entry,
) *outbox.Worker {
	if producer == nil {
		return nil
	}

	return outbox.NewWorker(repo, kafka.NewOutboxPublisher(producer),
		outbox.WithLogger(logger.WithField("component", "outbox-worker")),
		outbox.WithMetrics(m),
		outbox.WithDLQPublisher(kafka.NewDLQPublisher(producer)),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	)
}
