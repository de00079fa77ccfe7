package memory

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/backoffice/internal/domain"
)

type outboxState string

const (
	outboxStatePending outboxState = "pending"
	outboxStateSent    outboxState = "sent"
	outboxStateFailed  outboxState = "failed"
)

// outboxRecord хранит сообщение и служебные поля in-memory реализации.
type outboxRecord struct {
	msg       domain.OutboxMessage
	state     outboxState
	attempts  int
	createdAt time.Time
	updatedAt time.Time
}

// outboxRepositoryInMemory — in-memory transactional outbox. Порядок
// постановки сохраняется, PullPending отдаёт сообщения от старых к новым,
// как и SQL-реализация с ORDER BY created_at.
type outboxRepositoryInMemory struct {
	mu      sync.RWMutex
	records map[string]*outboxRecord
	order   []string
}

// NewOutboxRepository создаёт in-memory реализацию outbox.
func NewOutboxRepository() *outboxRepositoryInMemory {
	return &outboxRepositoryInMemory{records: make(map[string]*outboxRecord)}
}

// Enqueue сохраняет событие со статусом `pending` и возвращает его идентификатор.
func (r *outboxRepositoryInMemory) Enqueue(msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	r.records[msg.ID] = &outboxRecord{
		msg:       msg,
		state:     outboxStatePending,
		createdAt: now,
		updatedAt: now,
	}
	r.order = append(r.order, msg.ID)
	return msg, nil
}

// PullPending возвращает до limit сообщений со статусом `pending`, старые первыми.
func (r *outboxRepositoryInMemory) PullPending(limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	batch := make([]domain.OutboxMessage, 0, limit)
	for _, id := range r.order {
		rec, ok := r.records[id]
		if !ok || rec.state != outboxStatePending {
			continue
		}
		batch = append(batch, rec.msg)
		if len(batch) == limit {
			break
		}
	}
	return batch, nil
}

// Stats возвращает размер и возраст backlog сообщений со статусом `pending`.
func (r *outboxRepositoryInMemory) Stats() (domain.OutboxStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stats domain.OutboxStats
	for _, id := range r.order {
		rec, ok := r.records[id]
		if !ok || rec.state != outboxStatePending {
			continue
		}
		if stats.PendingCount == 0 {
			stats.OldestPendingAt = rec.createdAt
		}
		stats.PendingCount++
	}
	return stats, nil
}

// MarkSent обновляет статус события после успешной публикации.
func (r *outboxRepositoryInMemory) MarkSent(id string) error {
	return r.transition(id, outboxStateSent)
}

// MarkFailed фиксирует ошибку публикации.
func (r *outboxRepositoryInMemory) MarkFailed(id string) error {
	return r.transition(id, outboxStateFailed)
}

func (r *outboxRepositoryInMemory) transition(id string, state outboxState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return domain.ErrOutboxPublish
	}
	rec.state = state
	rec.attempts++
	rec.updatedAt = time.Now().UTC()
	return nil
}

// AllPending возвращает копию всех сообщений со статусом `pending` (используется в тестах).
func (r *outboxRepositoryInMemory) AllPending() []domain.OutboxMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var batch []domain.OutboxMessage
	for _, id := range r.order {
		if rec, ok := r.records[id]; ok && rec.state == outboxStatePending {
			batch = append(batch, rec.msg)
		}
	}
	return batch
}

var _ domain.OutboxRepository = (*outboxRepositoryInMemory)(nil)
