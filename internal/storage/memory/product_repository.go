package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/backoffice/internal/domain"
)

// productRepositoryInMemory — in-memory реализация ProductCatalog.
type productRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.Product
}

// NewProductRepository возвращает in-memory каталог товаров для локальной
// разработки и тестов.
func NewProductRepository() *productRepositoryInMemory {
	return &productRepositoryInMemory{
		items: make(map[string]domain.Product),
	}
}

// FindAllByID возвращает товары по набору идентификаторов. Отсутствующие id
// просто не попадают в результат.
func (r *productRepositoryInMemory) FindAllByID(_ context.Context, ids []string) ([]domain.Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Product, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if product, ok := r.items[id]; ok {
			result = append(result, product)
		}
	}
	return result, nil
}

// FindByName возвращает товар по точному имени или ErrProductNotFound.
func (r *productRepositoryInMemory) FindByName(_ context.Context, name string) (domain.Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, product := range r.items {
		if product.Name == name {
			return product, nil
		}
	}
	return domain.Product{}, domain.ErrProductNotFound
}

// Create сохраняет новый товар, проверяя уникальность имени.
func (r *productRepositoryInMemory) Create(_ context.Context, product domain.Product) (domain.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.items {
		if existing.Name == product.Name {
			return domain.Product{}, domain.ErrDuplicateProduct
		}
	}

	if product.ID == "" {
		product.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now
	product.Version = 0

	r.items[product.ID] = product
	return product, nil
}

// UpdateQuantities применяет батч обновлений остатков как единое целое.
// Любой проигранный compare-and-swap откатывает весь батч и возвращает
// ErrStockConflict, несуществующий товар — ErrProductsNotFound.
func (r *productRepositoryInMemory) UpdateQuantities(_ context.Context, updates []domain.StockUpdate) ([]domain.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Сначала проверяем весь батч, чтобы не оставить частичных изменений.
	for _, update := range updates {
		product, ok := r.items[update.ProductID]
		if !ok {
			return nil, domain.ErrProductsNotFound
		}
		if product.Quantity != update.Expected {
			return nil, domain.ErrStockConflict
		}
		if update.Quantity < 0 {
			return nil, domain.ErrQuantityNegative
		}
	}

	now := time.Now().UTC()
	result := make([]domain.Product, 0, len(updates))
	for _, update := range updates {
		product := r.items[update.ProductID]
		product.Quantity = update.Quantity
		product.Version++
		product.UpdatedAt = now
		r.items[update.ProductID] = product
		result = append(result, product)
	}
	return result, nil
}

var _ domain.ProductCatalog = (*productRepositoryInMemory)(nil)
