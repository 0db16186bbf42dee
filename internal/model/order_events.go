package model

const (
	EventOrderCreated      = "OrderCreated"
	EventOrderCommentAdded = "OrderCommentAdded"
	EventPaymentProcessed  = "PaymentProcessed"
	EventOrderCancelled    = "OrderCancelled"
)

type OrderCreated struct {
	OrderID    string `json:"order_id"`
	CustomerID string `json:"customer_id"`
	TotalCents int64  `json:"total_cents"`
	Currency   string `json:"currency"`
}

func (OrderCreated) EventType() string { return EventOrderCreated }

// OrderCommentAdded is kept for the audit trail only.
type OrderCommentAdded struct {
	OrderID string `json:"order_id"`
	Author  string `json:"author"`
	Text    string `json:"text"`
}

func (OrderCommentAdded) EventType() string { return EventOrderCommentAdded }

type PaymentProcessed struct {
	OrderID     string `json:"order_id"`
	PaymentRef  string `json:"payment_ref"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
}

func (PaymentProcessed) EventType() string { return EventPaymentProcessed }

type OrderCancelled struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason,omitempty"`
}

func (OrderCancelled) EventType() string { return EventOrderCancelled }
