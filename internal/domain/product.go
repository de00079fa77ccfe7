package domain

import "time"

// Product описывает товар каталога.
type Product struct {
	ID string
	// Name уникально в пределах каталога; по нему работает защита от
	// повторной регистрации.
	Name string
	// PriceMinor — цена за единицу в минимальных денежных единицах (например, копейки).
	PriceMinor int64
	// Quantity — текущий остаток на складе. Инвариант: заказ никогда не
	// уводит остаток в минус.
	Quantity  int32
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate проверяет базовые инварианты товара.
func (p *Product) Validate() []error {
	var errs []error

	if p.Name == "" {
		errs = append(errs, ErrProductNameRequired)
	}
	if p.PriceMinor < 0 {
		errs = append(errs, ErrPriceNegative)
	}
	if p.Quantity < 0 {
		errs = append(errs, ErrQuantityNegative)
	}

	return errs
}

// StockUpdate задаёт новое значение остатка для товара.
// Expected — остаток, который наблюдался при валидации; каталог обязан
// применять обновление только если текущий остаток всё ещё равен Expected
// (compare-and-swap), иначе вернуть ErrStockConflict.
type StockUpdate struct {
	ProductID string
	Quantity  int32
	Expected  int32
}
