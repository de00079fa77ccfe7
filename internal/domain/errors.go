package domain

import (
	"errors"
	"fmt"
)

var (
	// Ошибка отсутствующего идентификатора клиента.
	ErrCustomerRequired = errors.New("customer_id is required")
	// Ошибка отсутствия хотя бы одной позиции в заказе.
	ErrLinesRequired = errors.New("order must contain at least one line")
	// Ошибка отрицательной суммы заказа.
	ErrAmountNegative = errors.New("amount_minor must be non-negative")
	// Ошибка при некорректном количестве в позиции (<= 0).
	ErrLineQtyInvalid = errors.New("line quantity must be greater than zero")
	// Ошибка отсутствующего идентификатора товара в позиции запроса.
	ErrLineProductRequired = errors.New("line product_id is required")
	// Ошибка, если цена позиции отрицательная.
	ErrLinePriceInvalid = errors.New("line price must be non-negative")
	// Ошибка несоответствия суммы заказа и сумм позиций.
	ErrAmountMismatch = errors.New("order amount does not match lines sum")
	// Ошибка отсутствующего имени товара.
	ErrProductNameRequired = errors.New("product name is required")
	// Ошибка отрицательной цены товара.
	ErrPriceNegative = errors.New("product price must be non-negative")
	// Ошибка отрицательного остатка при регистрации товара.
	ErrQuantityNegative = errors.New("product quantity must be non-negative")

	// ErrCustomerNotFound возвращается, если клиент из запроса не найден.
	ErrCustomerNotFound = errors.New("there is no such customer")
	// ErrProductsNotFound возвращается, если хотя бы один товар из запроса
	// отсутствует в каталоге. Намеренно не уточняет, какой именно.
	ErrProductsNotFound = errors.New("some products could not be found")
	// ErrProductNotFound возвращается при поиске одного товара.
	ErrProductNotFound = errors.New("product not found")
	// ErrDuplicateProduct возвращается при регистрации товара с занятым именем.
	ErrDuplicateProduct = errors.New("this product is already registered")
	// ErrOrderNotFound возвращается, если заказ не найден в хранилище.
	ErrOrderNotFound = errors.New("order not found")
	// ErrDuplicateOrderLine возвращается политикой reject, когда один товар
	// встречается в запросе более одного раза.
	ErrDuplicateOrderLine = errors.New("duplicate product in order lines")
	// ErrStockConflict сигнализирует, что остаток изменился между валидацией
	// и списанием (проигран compare-and-swap).
	ErrStockConflict = errors.New("product stock changed concurrently")

	// ErrIdempotencyKeyRequired — пустой idempotency-key.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrIdempotencyRequestHashRequired — пустой хэш запроса.
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// ErrIdempotencyKeyAlreadyExists возвращается при повторном запросе с тем же ключом.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// ErrIdempotencyHashMismatch — тот же ключ, но другое тело запроса.
	ErrIdempotencyHashMismatch = errors.New("idempotency key is used with different request")
	// ErrIdempotencyKeyNotFound — запись по ключу отсутствует.
	ErrIdempotencyKeyNotFound = errors.New("idempotency record not found")
	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// InsufficientStockError возвращается, когда запрошенное количество больше
// остатка. Несёт достаточно контекста для сообщения пользователю.
type InsufficientStockError struct {
	ProductName string
	Available   int32
	Requested   int32
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("we have %d %s(s) in stock, but %d was requested",
		e.Available, e.ProductName, e.Requested)
}

// IsInsufficientStock проверяет, является ли ошибка отказом по остатку.
func IsInsufficientStock(err error) bool {
	var target *InsufficientStockError
	return errors.As(err, &target)
}

// IsStockConflict проверяет, является ли ошибка проигранным CAS по остатку.
func IsStockConflict(err error) bool {
	return errors.Is(err, ErrStockConflict)
}
