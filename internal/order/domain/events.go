package domain

const (
	EventOrderCreated         = "OrderCreated"
	EventPaymentStatusChanged = "PaymentStatusChanged"
	EventOrderStatusChanged   = "OrderStatusChanged"
)

type OrderCreated struct {
	OrderID       string        `json:"order_id"`
	UserID        string        `json:"user_id"`
	TotalCents    int64         `json:"total_cents"`
	Method        PaymentMethod `json:"method"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	Items         []OrderItem   `json:"items"`
}

type PaymentStatusChanged struct {
	OrderID string        `json:"order_id"`
	UserID  string        `json:"user_id"`
	From    PaymentStatus `json:"from"`
	To      PaymentStatus `json:"to"`
}

type OrderStatusChanged struct {
	OrderID string      `json:"order_id"`
	UserID  string      `json:"user_id"`
	From    OrderStatus `json:"from"`
	To      OrderStatus `json:"to"`
}
