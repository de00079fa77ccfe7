package memory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/backoffice/internal/domain"
)

// customerRepositoryInMemory — простая in-memory реализация CustomerLookup.
type customerRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.Customer
}

// NewCustomerRepository возвращает in-memory справочник клиентов для локальной
// разработки и тестов.
func NewCustomerRepository() *customerRepositoryInMemory {
	return &customerRepositoryInMemory{
		items: make(map[string]domain.Customer),
	}
}

// Seed добавляет клиента напрямую, минуя бизнес-логику (для тестов и dev-окружения).
func (r *customerRepositoryInMemory) Seed(customer domain.Customer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[customer.ID] = customer
}

// FindByID возвращает клиента или ErrCustomerNotFound.
func (r *customerRepositoryInMemory) FindByID(_ context.Context, id string) (domain.Customer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	customer, ok := r.items[id]
	if !ok {
		return domain.Customer{}, domain.ErrCustomerNotFound
	}
	return customer, nil
}

var _ domain.CustomerLookup = (*customerRepositoryInMemory)(nil)
