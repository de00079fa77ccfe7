package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/backoffice/internal/domain"
)

type productRepository struct {
	db *sql.DB
}

// NewProductRepository создаёт PostgreSQL-реализацию ProductCatalog.
func NewProductRepository(store *Store) domain.ProductCatalog {
	return &productRepository{db: store.DB()}
}

const productColumns = "id, name, price_minor, quantity, version, created_at, updated_at"

func (r *productRepository) FindAllByID(ctx context.Context, ids []string) ([]domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	unique := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	if len(unique) == 0 {
		return []domain.Product{}, nil
	}

	placeholders := make([]string, len(unique))
	args := make([]any, len(unique))
	for i, id := range unique {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}

	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s
		FROM products
		WHERE id IN (%s)
	`, productColumns, strings.Join(placeholders, ",")), args...)
	if err != nil {
		return nil, fmt.Errorf("select products: %w", err)
	}
	defer rows.Close()

	products := make([]domain.Product, 0, len(unique))
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, product)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate product rows: %w", err)
	}

	return products, nil
}

func (r *productRepository) FindByName(ctx context.Context, name string) (domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s
		FROM products
		WHERE name = $1
	`, productColumns), name)

	product, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Product{}, domain.ErrProductNotFound
		}
		return domain.Product{}, err
	}

	return product, nil
}

func (r *productRepository) Create(ctx context.Context, product domain.Product) (domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if product.ID == "" {
		product.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now
	product.Version = 0

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO products (id, name, price_minor, quantity, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`,
		product.ID, product.Name, product.PriceMinor, product.Quantity,
		product.Version, product.CreatedAt, product.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Product{}, domain.ErrDuplicateProduct
		}
		return domain.Product{}, fmt.Errorf("insert product: %w", err)
	}

	return product, nil
}

// UpdateQuantities применяет батч обновлений остатков в одной транзакции.
// Каждое обновление — compare-and-swap по текущему количеству: UPDATE с
// условием quantity = expected. Нулевой rows affected у любого обновления
// откатывает всю транзакцию.
func (r *productRepository) UpdateQuantities(ctx context.Context, updates []domain.StockUpdate) ([]domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	for _, update := range updates {
		if update.Quantity < 0 {
			return nil, domain.ErrQuantityNegative
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	result := make([]domain.Product, 0, len(updates))
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
			return nil, err
		}
		result = append(result, product)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit stock updates: %w", err)
	}

	return result, nil
}

// classifyStockMiss различает исчезнувший товар и проигранный CAS.
func classifyStockMiss(ctx context.Context, tx *sql.Tx, productID string) error {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM products WHERE id = $1`, productID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrProductsNotFound
	}
	if err != nil {
		return fmt.Errorf("check product exists: %w", err)
	}
	return domain.ErrStockConflict
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var product domain.Product
	if err := row.Scan(
		&product.ID, &product.Name, &product.PriceMinor, &product.Quantity,
		&product.Version, &product.CreatedAt, &product.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Product{}, err
		}
		return domain.Product{}, fmt.Errorf("scan product row: %w", err)
	}
	return product, nil
}

var _ domain.ProductCatalog = (*productRepository)(nil)
