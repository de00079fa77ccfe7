package domain

import "time"

// OrderLineRequest — входная позиция запроса на размещение заказа.
// Не сохраняется напрямую; превращается в OrderLine после валидации.
type OrderLineRequest struct {
	ProductID string
	Quantity  int32
}

// OrderLine представляет одну позицию заказа. PriceMinor — снимок цены на
// момент размещения; последующие изменения каталога на него не влияют.
type OrderLine struct {
	ID         string
	ProductID  string
	PriceMinor int64
	Quantity   int32
	CreatedAt  time.Time
}

// Order агрегирует заказ и его позиции. Агрегат создаётся целиком одним
// вызовом OrderStore.Create и после этого не изменяется.
type Order struct {
	ID          string
	CustomerID  string
	AmountMinor int64
	Lines       []OrderLine
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.CustomerID == "" {
		errs = append(errs, ErrCustomerRequired)
	}
	if len(o.Lines) == 0 {
		errs = append(errs, ErrLinesRequired)
	}
	if o.AmountMinor < 0 {
		errs = append(errs, ErrAmountNegative)
	}

	// Сверяем сумму заказа с суммой позиций: qty * price.
	var calc int64
	for _, line := range o.Lines {
		if line.Quantity <= 0 {
			errs = append(errs, ErrLineQtyInvalid)
		}
		if line.PriceMinor < 0 {
			errs = append(errs, ErrLinePriceInvalid)
		}
		calc += int64(line.Quantity) * line.PriceMinor
	}
	if calc != o.AmountMinor {
		errs = append(errs, ErrAmountMismatch)
	}

	return errs
}
