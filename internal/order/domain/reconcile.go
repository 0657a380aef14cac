package domain

import "strings"

// Outcome is the result of applying one gateway signal to an order.
// Updated reports whether anything changed; the Changed flags say which of the
// two status fields moved, so callers emit only the notifications that apply.
type Outcome struct {
	PaymentStatus  PaymentStatus
	OrderStatus    OrderStatus
	Updated        bool
	PaymentChanged bool
	StatusChanged  bool
}

// NormalizeSignal maps a raw provider status token onto the local payment
// status. Unrecognized and in-flight tokens map to PENDING, which Reconcile
// treats as "no information".
func NormalizeSignal(raw string) PaymentStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "SUCCESS", "PAID":
		return PaymentPaid
	case "FAILED", "USER_DROPPED", "VOID", "CANCELLED":
		return PaymentFailed
	default:
		return PaymentPending
	}
}

// Reconcile is the single transition function shared by the webhook, redirect
// callback and status poll paths. It is pure: callers persist the outcome with
// an atomic conditional update keyed on the order's observed payment status.
//
// Guards:
//   - a PAID order never moves on any gateway signal (late or duplicate
//     FAILED/PENDING deliveries are no-ops, duplicate SUCCESS is idempotent);
//   - order status only advances off PENDING, so a confirmed-then-shipped
//     order is never yanked back by a replayed webhook.
func Reconcile(o Order, rawSignal string) Outcome {
	out := Outcome{PaymentStatus: o.PaymentStatus, OrderStatus: o.Status}

	if o.PaymentStatus == PaymentPaid || o.PaymentStatus == PaymentRefunded {
		return out
	}

	next := NormalizeSignal(rawSignal)
	if next == PaymentPending {
		return out
	}

	if next != o.PaymentStatus {
		out.PaymentStatus = next
		out.PaymentChanged = true
	}
	if o.Status == StatusPending {
		var want OrderStatus
		switch next {
		case PaymentPaid:
			want = StatusConfirmed
		case PaymentFailed:
			want = StatusCancelled
		}
		if want != "" && want != o.Status {
			out.OrderStatus = want
			out.StatusChanged = true
		}
	}
	out.Updated = out.PaymentChanged || out.StatusChanged
	return out
}

// NotifiableStatus reports whether an order-status transition is worth a
// customer email. Internal shuffles are not.
func NotifiableStatus(s OrderStatus) bool {
	switch s {
	case StatusConfirmed, StatusShipped, StatusDelivered, StatusCancelled:
		return true
	}
	return false
}
