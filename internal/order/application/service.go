package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/shoplane/storefront-core/internal/gateway"
	"github.com/shoplane/storefront-core/internal/order/domain"
)

// Service is the order lifecycle core: creation with stock reservation,
// payment session initiation, and payment-status reconciliation from the
// webhook, redirect-callback and poll entry points. All three converge on
// applySignal, so the status mapping lives in exactly one place.
type Service struct {
	log      *slog.Logger
	repo     OrderRepository
	stock    StockReader
	addrs    AddressStore
	cart     CartStore
	gw       GatewayClient
	currency string
}

func NewService(log *slog.Logger, repo OrderRepository, stock StockReader, addrs AddressStore, cart CartStore, gw GatewayClient, currency string) *Service {
	if currency == "" {
		currency = "INR"
	}
	return &Service{log: log, repo: repo, stock: stock, addrs: addrs, cart: cart, gw: gw, currency: currency}
}

type PlaceOrderInput struct {
	UserID        string
	AddressID     string
	Items         []domain.OrderItem
	ShippingCents int64
	CustomerEmail string
	CustomerPhone string
	Notes         string
}

type PaymentInit struct {
	Order      domain.Order
	SessionID  string
	PaymentURL string
}

type ReconcileResult struct {
	Order   domain.Order
	Updated bool
}

type RedirectTarget string

const (
	TargetSuccess RedirectTarget = "success"
	TargetFailure RedirectTarget = "failure"
	TargetPending RedirectTarget = "pending"
)

// PlaceOrder creates a cash-on-delivery order: address ownership check,
// merged stock validation, then one transaction inserting the order and
// decrementing stock. The cart is cleared best-effort afterwards; the
// confirmation email rides the OrderCreated outbox event.
func (s *Service) PlaceOrder(ctx context.Context, in PlaceOrderInput) (domain.Order, error) {
	o, err := s.buildOrder(ctx, in, domain.MethodCOD)
	if err != nil {
		return domain.Order{}, err
	}
	if err := s.create(ctx, o); err != nil {
		return domain.Order{}, err
	}
	s.clearCart(ctx, in.UserID)
	return o, nil
}

// InitiateOnlinePayment creates the order (same atomicity as PlaceOrder,
// stock included), then opens a hosted payment session correlated by the
// generated external ID. A session failure runs the compensating transaction:
// the order is deleted and every stock decrement restored.
func (s *Service) InitiateOnlinePayment(ctx context.Context, in PlaceOrderInput) (PaymentInit, error) {
	o, err := s.buildOrder(ctx, in, domain.MethodOnline)
	if err != nil {
		return PaymentInit{}, err
	}
	o.PaymentID = newExternalID()

	if err := s.create(ctx, o); err != nil {
		return PaymentInit{}, err
	}

	sess, err := s.gw.CreateSession(ctx, gateway.SessionRequest{
		ExternalOrderID: o.PaymentID,
		AmountCents:     o.TotalCents,
		Currency:        s.currency,
		CustomerID:      o.UserID,
		CustomerEmail:   in.CustomerEmail,
		CustomerPhone:   in.CustomerPhone,
	})
	if err != nil {
		if derr := s.repo.DeleteWithRestock(ctx, o.ID); derr != nil {
			s.log.Error("compensating transaction failed, stock may be leaked",
				"order_id", o.ID, "err", derr)
		}
		return PaymentInit{}, fmt.Errorf("create payment session: %w", err)
	}

	s.clearCart(ctx, in.UserID)
	return PaymentInit{Order: o, SessionID: sess.SessionID, PaymentURL: sess.PaymentURL}, nil
}

// HandleWebhook is the authoritative server-to-server entry point. The
// signature gate comes first; an unverifiable payload never reaches the
// transition function.
func (s *Service) HandleWebhook(ctx context.Context, rawBody []byte, signature, timestamp string) (ReconcileResult, error) {
	if !s.gw.VerifySignature(timestamp, rawBody, signature) {
		s.log.Warn("webhook signature rejected")
		return ReconcileResult{}, ErrInvalidSignature
	}
	evt, err := gateway.ParseWebhook(rawBody)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("parse webhook: %w", err)
	}
	return s.reconcileByKey(ctx, evt.OrderID, evt.RawStatus)
}

// HandleRedirectCallback is the browser-return path. It cannot verify
// authenticity, so it never writes state from the provider's redirect
// parameters: it reconciles through the authoritative gateway poll and only
// falls back to the unsigned signal for choosing the redirect page.
func (s *Service) HandleRedirectCallback(ctx context.Context, correlationKey, providerStatus string) RedirectTarget {
	o, err := s.PollPaymentStatus(ctx, correlationKey)
	switch {
	case errors.Is(err, ErrOrderNotFound):
		return TargetFailure
	case err != nil:
		s.log.Warn("callback poll failed, redirecting on last-known state",
			"key", correlationKey, "err", err)
		if domain.NormalizeSignal(providerStatus) == domain.PaymentFailed {
			return TargetFailure
		}
		return TargetPending
	}
	switch o.PaymentStatus {
	case domain.PaymentPaid:
		return TargetSuccess
	case domain.PaymentFailed:
		return TargetFailure
	default:
		return TargetPending
	}
}

// PollPaymentStatus covers missed or delayed webhooks. Safe to call
// repeatedly: the transition guards make it idempotent. A gateway failure
// returns the last persisted snapshot alongside the error, never a negative
// payment signal.
func (s *Service) PollPaymentStatus(ctx context.Context, identifier string) (domain.Order, error) {
	o, err := s.findByIdentifier(ctx, identifier)
	if err != nil {
		return domain.Order{}, err
	}
	if o.PaymentStatus != domain.PaymentPending || o.PaymentID == "" {
		return o, nil
	}

	attempts, err := s.gw.FetchLatestPayments(ctx, o.PaymentID)
	if err != nil {
		return o, fmt.Errorf("fetch payment attempts: %w", err)
	}
	if len(attempts) == 0 {
		return o, nil
	}

	res, err := s.applySignal(ctx, o, pickSignal(attempts))
	if err != nil {
		return o, err
	}
	return res.Order, nil
}

// Refund is the only exit from PAID. Conditional on the row still being PAID,
// so a double refund request applies once.
func (s *Service) Refund(ctx context.Context, orderID string) (domain.Order, error) {
	o, err := s.repo.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if o.PaymentStatus != domain.PaymentPaid {
		return domain.Order{}, ErrNotRefundable
	}

	evt := mustEvent(domain.EventPaymentStatusChanged, domain.PaymentStatusChanged{
		OrderID: o.ID, UserID: o.UserID, From: domain.PaymentPaid, To: domain.PaymentRefunded,
	})
	ok, err := s.repo.UpdateStatus(ctx, o.ID, domain.PaymentPaid, domain.PaymentRefunded, o.Status, []Event{evt})
	if err != nil {
		return domain.Order{}, err
	}
	if !ok {
		return domain.Order{}, ErrNotRefundable
	}
	o.PaymentStatus = domain.PaymentRefunded
	return o, nil
}

func (s *Service) buildOrder(ctx context.Context, in PlaceOrderInput, method domain.PaymentMethod) (domain.Order, error) {
	_, owned, err := s.addrs.FindOwnedAddress(ctx, in.UserID, in.AddressID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("lookup address: %w", err)
	}
	if !owned {
		return domain.Order{}, ErrInvalidAddress
	}

	o, err := domain.NewOrder(uuid.NewString(), in.UserID, in.AddressID, in.Items, in.ShippingCents, method)
	if err != nil {
		return domain.Order{}, err
	}
	o.Notes = in.Notes

	if err := s.validateStock(ctx, o.Items); err != nil {
		return domain.Order{}, err
	}
	return o, nil
}

// validateStock is the all-or-nothing pre-check with per-item reasons. The
// repository repeats the check as a conditional decrement inside the creation
// transaction, which is what actually holds under concurrency; this pass
// exists to report every problem at once instead of failing on the first.
func (s *Service) validateStock(ctx context.Context, items []domain.OrderItem) error {
	var reasons []string
	for _, item := range items {
		p, found, err := s.stock.Product(ctx, item.ProductID)
		if err != nil {
			return fmt.Errorf("lookup product %s: %w", item.ProductID, err)
		}
		switch {
		case !found:
			reasons = append(reasons, fmt.Sprintf("product %s not found", item.ProductID))
		case !p.IsActive:
			reasons = append(reasons, fmt.Sprintf("%s is no longer available", p.Name))
		case p.Stock < item.Quantity:
			reasons = append(reasons, fmt.Sprintf("%s: only %d left, %d requested", p.Name, p.Stock, item.Quantity))
		}
	}
	if len(reasons) > 0 {
		return &StockValidationError{Reasons: reasons}
	}
	return nil
}

func (s *Service) create(ctx context.Context, o domain.Order) error {
	evt := mustEvent(domain.EventOrderCreated, domain.OrderCreated{
		OrderID:       o.ID,
		UserID:        o.UserID,
		TotalCents:    o.TotalCents,
		Method:        o.Method,
		PaymentStatus: o.PaymentStatus,
		Items:         o.Items,
	})
	return s.repo.CreateWithItems(ctx, o, []Event{evt})
}

func (s *Service) clearCart(ctx context.Context, userID string) {
	if err := s.cart.Clear(ctx, userID); err != nil {
		s.log.Warn("cart clear failed", "user_id", userID, "err", err)
	}
}

func (s *Service) reconcileByKey(ctx context.Context, correlationKey, rawSignal string) (ReconcileResult, error) {
	o, err := s.repo.FindByPaymentID(ctx, correlationKey)
	if errors.Is(err, ErrOrderNotFound) {
		// Lookup is strictly by correlation key; an unmatched event must not
		// touch anything. Recent pending orders go to the log so an operator
		// can match the event by hand.
		ids, lerr := s.repo.RecentPendingIDs(ctx, 5)
		if lerr != nil {
			ids = nil
		}
		s.log.Warn("webhook matched no order", "key", correlationKey, "recent_pending", ids)
		return ReconcileResult{}, err
	}
	if err != nil {
		return ReconcileResult{}, err
	}
	return s.applySignal(ctx, o, rawSignal)
}

// applySignal persists a domain.Reconcile outcome with an atomic conditional
// update keyed on the payment status this request observed. Losing that race
// to a concurrent reconciler is a no-op, same as arriving second.
func (s *Service) applySignal(ctx context.Context, o domain.Order, rawSignal string) (ReconcileResult, error) {
	out := domain.Reconcile(o, rawSignal)
	if !out.Updated {
		return ReconcileResult{Order: o}, nil
	}

	var events []Event
	if out.PaymentChanged {
		events = append(events, mustEvent(domain.EventPaymentStatusChanged, domain.PaymentStatusChanged{
			OrderID: o.ID, UserID: o.UserID, From: o.PaymentStatus, To: out.PaymentStatus,
		}))
	}
	if out.StatusChanged && domain.NotifiableStatus(out.OrderStatus) {
		events = append(events, mustEvent(domain.EventOrderStatusChanged, domain.OrderStatusChanged{
			OrderID: o.ID, UserID: o.UserID, From: o.Status, To: out.OrderStatus,
		}))
	}

	applied, err := s.repo.UpdateStatus(ctx, o.ID, o.PaymentStatus, out.PaymentStatus, out.OrderStatus, events)
	if err != nil {
		return ReconcileResult{}, err
	}
	if !applied {
		cur, err := s.repo.FindByID(ctx, o.ID)
		if err != nil {
			return ReconcileResult{}, err
		}
		return ReconcileResult{Order: cur}, nil
	}

	o.PaymentStatus = out.PaymentStatus
	o.Status = out.OrderStatus
	return ReconcileResult{Order: o, Updated: true}, nil
}

func (s *Service) findByIdentifier(ctx context.Context, identifier string) (domain.Order, error) {
	o, err := s.repo.FindByPaymentID(ctx, identifier)
	if errors.Is(err, ErrOrderNotFound) {
		return s.repo.FindByID(ctx, identifier)
	}
	return o, err
}

// pickSignal chooses among the provider's payment attempts: any successful
// attempt wins over abandoned ones, otherwise the newest attempt speaks.
func pickSignal(attempts []gateway.PaymentAttempt) string {
	for _, a := range attempts {
		if domain.NormalizeSignal(a.Status) == domain.PaymentPaid {
			return a.Status
		}
	}
	return attempts[0].Status
}

func newExternalID() string {
	return "SF_" + uuid.NewString()
}

func mustEvent(eventType string, v any) Event {
	payload, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return Event{Type: eventType, Payload: payload}
}
