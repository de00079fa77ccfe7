package app

import (
	"context"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/backoffice/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/backoffice/internal/health"
)

// newOutboxChecker сообщает degraded, когда backlog outbox перестаёт
// разгребаться: старейшая pending-запись висит дольше pendingAgeAlert
func newOutboxChecker(repo domain.OutboxRepository, pendingAgeAlert time.Duration) healthcheck.Checker {
	if pendingAgeAlert <= 0 {
		pendingAgeAlert = time.Minute
	}

	return healthcheck.NewStatusChecker("outbox", func(context.Context) (healthcheck.Status, string) {
		stats, err := repo.Stats()
		if err != nil {
			return healthcheck.StatusUnhealthy, err.Error()
		}
		if stats.PendingCount > 0 && !stats.OldestPendingAt.IsZero() {
			if age := time.Since(stats.OldestPendingAt); age > pendingAgeAlert {
				return healthcheck.StatusDegraded, fmt.Sprintf(
					"%d pending messages, oldest for %s", stats.PendingCount, age.Round(time.Second))
			}
		}
		return healthcheck.StatusHealthy, ""
	})
}
