package application

import (
	"context"

	"github.com/shoplane/storefront-core/internal/gateway"
	"github.com/shoplane/storefront-core/internal/order/domain"
)

// Event is a serialized domain event the repository writes to the outbox
// inside the same transaction as the state change it describes. The relay
// ships it after commit, which is what makes notifications fire-and-forget
// without ever firing before the data is durable.
type Event struct {
	Type    string
	Payload []byte
}

type OrderRepository interface {
	// CreateWithItems inserts the order, its line items and the given events
	// in one transaction, decrementing each product's stock conditionally
	// (stock >= quantity, product active). An insufficient or inactive
	// product aborts the whole transaction with *StockValidationError.
	CreateWithItems(ctx context.Context, o domain.Order, events []Event) error

	FindByID(ctx context.Context, id string) (domain.Order, error)
	FindByPaymentID(ctx context.Context, paymentID string) (domain.Order, error)

	// UpdateStatus applies (paymentStatus, status) atomically, conditioned on
	// the payment status the caller observed. Returns false when the row no
	// longer matches, meaning a concurrent reconciler won the race. Events
	// are written in the same transaction only when the update applies.
	UpdateStatus(ctx context.Context, orderID string, observed domain.PaymentStatus, payment domain.PaymentStatus, status domain.OrderStatus, events []Event) (bool, error)

	// DeleteWithRestock is the compensating transaction for a failed payment
	// session: delete the order and its items, restoring every decremented
	// stock count.
	DeleteWithRestock(ctx context.Context, orderID string) error

	// RecentPendingIDs lists recently created orders still awaiting payment,
	// for operator diagnosis of unmatched webhooks.
	RecentPendingIDs(ctx context.Context, limit int) ([]string, error)
}

type Product struct {
	ID       string
	Name     string
	IsActive bool
	Stock    int
}

type StockReader interface {
	// Product returns the stock-relevant view, or ErrOrderNotFound-style
	// absence via the bool.
	Product(ctx context.Context, id string) (Product, bool, error)
}

type Address struct {
	ID     string
	UserID string
}

type AddressStore interface {
	// FindOwnedAddress returns the address only when it belongs to userID.
	FindOwnedAddress(ctx context.Context, userID, addressID string) (Address, bool, error)
}

type CartStore interface {
	Clear(ctx context.Context, userID string) error
}

type GatewayClient interface {
	CreateSession(ctx context.Context, req gateway.SessionRequest) (gateway.Session, error)
	FetchLatestPayments(ctx context.Context, externalOrderID string) ([]gateway.PaymentAttempt, error)
	VerifySignature(timestamp string, rawBody []byte, signature string) bool
}
