package model

import "time"

type OrderStatus string

const (
	StatusPlaced    OrderStatus = "placed"
	StatusPaid      OrderStatus = "paid"
	StatusCancelled OrderStatus = "cancelled"
)

func (s OrderStatus) String() string {
	return string(s)
}

func (s OrderStatus) Valid() bool {
	return s == StatusPlaced || s == StatusPaid || s == StatusCancelled
}

// AggregateOrder is the aggregate type recorded for order events.
const AggregateOrder = "order"

// Order is the DB entity persisted in the orders table.
type Order struct {
	ID         string      `db:"id" json:"id"`
	TenantID   string      `db:"tenant_id" json:"tenant_id"`
	CustomerID string      `db:"customer_id" json:"customer_id"`
	Status     OrderStatus `db:"status" json:"status"`
	TotalCents int64       `db:"total_cents" json:"total_cents"`
	Currency   string      `db:"currency" json:"currency"`
	CreatedAt  time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time   `db:"updated_at" json:"updated_at"`
}
