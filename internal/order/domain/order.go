package domain

import (
	"fmt"
	"time"
)

type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusConfirmed OrderStatus = "CONFIRMED"
	StatusShipped   OrderStatus = "SHIPPED"
	StatusDelivered OrderStatus = "DELIVERED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusReturned  OrderStatus = "RETURNED"
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "PENDING"
	PaymentPaid     PaymentStatus = "PAID"
	PaymentFailed   PaymentStatus = "FAILED"
	PaymentRefunded PaymentStatus = "REFUNDED"
)

type PaymentMethod string

const (
	MethodCOD    PaymentMethod = "cod"
	MethodOnline PaymentMethod = "online"
)

type Order struct {
	ID            string
	PaymentID     string // gateway correlation key, empty until a session is created
	UserID        string
	AddressID     string
	Items         []OrderItem
	TotalCents    int64
	ShippingCents int64
	Method        PaymentMethod
	Status        OrderStatus
	PaymentStatus PaymentStatus
	TrackingNo    string
	Notes         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// OrderItem carries the unit price snapshotted at order time; later product
// price changes never alter it.
type OrderItem struct {
	ProductID  string
	Quantity   int
	PriceCents int64
}

// NewOrder builds a PENDING order draft. Duplicate product lines are merged
// before any stock validation sees them, so combined demand for one product
// is checked as a single quantity.
func NewOrder(id, userID, addressID string, items []OrderItem, shippingCents int64, method PaymentMethod) (Order, error) {
	if len(items) == 0 {
		return Order{}, fmt.Errorf("order must have at least one item")
	}
	merged, err := MergeItems(items)
	if err != nil {
		return Order{}, err
	}

	var total int64
	for _, item := range merged {
		total += int64(item.Quantity) * item.PriceCents
	}
	total += shippingCents

	now := time.Now().UTC()
	return Order{
		ID:            id,
		UserID:        userID,
		AddressID:     addressID,
		Items:         merged,
		TotalCents:    total,
		ShippingCents: shippingCents,
		Method:        method,
		Status:        StatusPending,
		PaymentStatus: PaymentPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// MergeItems sums quantities of lines sharing a product ID, keeping first-seen
// order. Quantities must be positive; the snapshot price of the first line wins.
func MergeItems(items []OrderItem) ([]OrderItem, error) {
	index := make(map[string]int, len(items))
	merged := make([]OrderItem, 0, len(items))
	for _, item := range items {
		if item.Quantity < 1 {
			return nil, fmt.Errorf("product %s: quantity must be positive, got %d", item.ProductID, item.Quantity)
		}
		if item.PriceCents < 0 {
			return nil, fmt.Errorf("product %s: negative price", item.ProductID)
		}
		if i, ok := index[item.ProductID]; ok {
			merged[i].Quantity += item.Quantity
			continue
		}
		index[item.ProductID] = len(merged)
		merged = append(merged, item)
	}
	return merged, nil
}
