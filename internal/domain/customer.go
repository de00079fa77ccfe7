package domain

import "time"

// Customer представляет покупателя. Workflow размещения заказа только читает
// запись, никогда не изменяет её.
type Customer struct {
	ID        string
	Name      string
	CreatedAt time.Time
}
