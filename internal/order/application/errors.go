package application

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidAddress: the shipping address does not exist or belongs to a
	// different user.
	ErrInvalidAddress = errors.New("invalid shipping address")

	// ErrOrderNotFound: no order matches the given correlation key or ID.
	ErrOrderNotFound = errors.New("order not found")

	// ErrInvalidSignature: webhook authenticity check failed; nothing was
	// touched.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrNotRefundable: refund requested for an order whose payment is not
	// PAID.
	ErrNotRefundable = errors.New("order payment is not refundable")
)

// StockValidationError carries one human-readable reason per unavailable
// item. The caller should re-fetch the catalog before retrying.
type StockValidationError struct {
	Reasons []string
}

func (e *StockValidationError) Error() string {
	return fmt.Sprintf("stock validation failed: %s", strings.Join(e.Reasons, "; "))
}
