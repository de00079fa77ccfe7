package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/backoffice/internal/domain"
)

type placementRepository struct {
	db *sql.DB
}

// NewPlacementRepository создаёт PostgreSQL-реализацию PlacementStore:
// списание остатков и заказ с позициями фиксируются одной транзакцией.
func NewPlacementRepository(store *Store) domain.PlacementStore {
	return &placementRepository{db: store.DB()}
}

// CreateWithStock выполняет CAS-обновления остатков и вставку заказа в одной
// транзакции. Проигранный CAS откатывает всё и возвращает ErrStockConflict,
// поэтому частичное списание без заказа невозможно.
func (r *placementRepository) CreateWithStock(ctx context.Context, order domain.Order, updates []domain.StockUpdate) (domain.Order, []domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	for _, update := range updates {
		if update.Quantity < 0 {
			return domain.Order{}, nil, domain.ErrQuantityNegative
		}
	}

	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Order{}, nil, fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	products := make([]domain.Product, 0, len(updates))
	for _, update := range updates {
		row := tx.QueryRowContext(ctx, fmt.Sprintf(`
			UPDATE products
			SET quantity = $1,
			    version = version + 1,
			    updated_at = $2
			WHERE id = $3
			  AND quantity = $4
			RETURNING %s
		`, productColumns), update.Quantity, now, update.ProductID, update.Expected)

		var product domain.Product
		product, err = scanProduct(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				err = classifyStockMiss(ctx, tx, update.ProductID)
			}
			return domain.Order{}, nil, err
		}
		products = append(products, product)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, customer_id, amount_minor, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5)
	`,
		order.ID, order.CustomerID, order.AmountMinor, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			err = fmt.Errorf("order %s already exists", order.ID)
			return domain.Order{}, nil, err
		}
		err = fmt.Errorf("insert order: %w", err)
		return domain.Order{}, nil, err
	}

	lines := make([]domain.OrderLine, 0, len(order.Lines))
	for _, line := range order.Lines {
		if line.ID == "" {
			line.ID = uuid.NewString()
		}
		if line.CreatedAt.IsZero() {
			line.CreatedAt = now
		}

		if _, err = tx.ExecContext(ctx, `
			INSERT INTO order_lines (id, order_id, product_id, price_minor, quantity, created_at)
			VALUES ($1,$2,$3,$4,$5,$6)
		`,
			line.ID, order.ID, line.ProductID, line.PriceMinor, line.Quantity, line.CreatedAt,
		); err != nil {
			err = fmt.Errorf("insert order line: %w", err)
			return domain.Order{}, nil, err
		}
		lines = append(lines, line)
	}
	order.Lines = lines

	if err = tx.Commit(); err != nil {
		return domain.Order{}, nil, fmt.Errorf("commit placement: %w", err)
	}

	return order, products, nil
}

var _ domain.PlacementStore = (*placementRepository)(nil)
