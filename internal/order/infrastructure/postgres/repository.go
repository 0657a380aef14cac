package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shoplane/storefront-core/internal/order/application"
	"github.com/shoplane/storefront-core/internal/order/domain"
	"github.com/shoplane/storefront-core/pkg/tracing"
)

type Repository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool) *Repository {
	return &Repository{log: log, pool: pool}
}

// CreateWithItems inserts the order, its items and outbox events in one
// transaction. Stock is taken with a conditional decrement per product, so
// two orders racing for the last unit cannot both commit: the loser's
// decrement matches zero rows and the whole transaction rolls back.
func (r *Repository) CreateWithItems(ctx context.Context, o domain.Order, events []application.Event) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	for _, item := range o.Items {
		ct, err := tx.Exec(ctx,
			`UPDATE products SET stock = stock - $2 WHERE id = $1 AND is_active AND stock >= $2`,
			item.ProductID, item.Quantity)
		if err != nil {
			return fmt.Errorf("decrement stock for %s: %w", item.ProductID, err)
		}
		if ct.RowsAffected() == 0 {
			return &application.StockValidationError{
				Reasons: []string{fmt.Sprintf("product %s unavailable or insufficient stock", item.ProductID)},
			}
		}
	}

	// ship_to snapshots the address row at order time; later edits to the
	// address never alter what this order was shipped against.
	_, err = tx.Exec(ctx, `INSERT INTO orders
			(id, payment_id, user_id, address_id, ship_to, total_cents, shipping_cents,
			 method, status, payment_status, tracking_no, notes, created_at, updated_at)
		VALUES ($1, NULLIF($2,''), $3, $4,
			(SELECT to_jsonb(a) FROM addresses a WHERE a.id = $4),
			$5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		o.ID, o.PaymentID, o.UserID, o.AddressID, o.TotalCents, o.ShippingCents,
		o.Method, o.Status, o.PaymentStatus, o.TrackingNo, o.Notes, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	batch := &pgx.Batch{}
	for _, item := range o.Items {
		batch.Queue(`INSERT INTO order_items (order_id, product_id, quantity, price_cents)
			VALUES ($1,$2,$3,$4)`,
			o.ID, item.ProductID, item.Quantity, item.PriceCents)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert order items: %w", err)
	}

	if err := insertEvents(ctx, tx, o.ID, events); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repository) FindByID(ctx context.Context, id string) (domain.Order, error) {
	return r.findOne(ctx, `WHERE id = $1`, id)
}

func (r *Repository) FindByPaymentID(ctx context.Context, paymentID string) (domain.Order, error) {
	return r.findOne(ctx, `WHERE payment_id = $1`, paymentID)
}

func (r *Repository) findOne(ctx context.Context, where string, arg any) (domain.Order, error) {
	var o domain.Order
	var paymentID *string
	err := r.pool.QueryRow(ctx, `SELECT id, payment_id, user_id, address_id, total_cents,
			shipping_cents, method, status, payment_status, tracking_no, notes, created_at, updated_at
		FROM orders `+where, arg).
		Scan(&o.ID, &paymentID, &o.UserID, &o.AddressID, &o.TotalCents, &o.ShippingCents,
			&o.Method, &o.Status, &o.PaymentStatus, &o.TrackingNo, &o.Notes, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, application.ErrOrderNotFound
	}
	if err != nil {
		return domain.Order{}, err
	}
	if paymentID != nil {
		o.PaymentID = *paymentID
	}

	rows, err := r.pool.Query(ctx,
		`SELECT product_id, quantity, price_cents FROM order_items WHERE order_id = $1`, o.ID)
	if err != nil {
		return domain.Order{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ProductID, &item.Quantity, &item.PriceCents); err != nil {
			return domain.Order{}, err
		}
		o.Items = append(o.Items, item)
	}
	return o, rows.Err()
}

// UpdateStatus is the single atomic write behind the reconciliation paths:
// the row only moves if its payment status is still the one the caller read.
// A concurrent reconciler that committed first leaves zero rows matching.
func (r *Repository) UpdateStatus(ctx context.Context, orderID string, observed, payment domain.PaymentStatus, status domain.OrderStatus, events []application.Event) (bool, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	ct, err := tx.Exec(ctx, `UPDATE orders
		SET payment_status = $3, status = $4, updated_at = now()
		WHERE id = $1 AND payment_status = $2`,
		orderID, observed, payment, status)
	if err != nil {
		return false, fmt.Errorf("update order status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return false, tx.Commit(ctx)
	}

	if err := insertEvents(ctx, tx, orderID, events); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// DeleteWithRestock compensates a failed payment-session initiation: every
// stock decrement the creation transaction made is put back before the order
// and its items go away, in one transaction. Outbox events of the order that
// have not been relayed yet are withdrawn too, so no confirmation mail goes
// out for an order that no longer exists; an event the relay already shipped
// cannot be recalled.
func (r *Repository) DeleteWithRestock(ctx context.Context, orderID string) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	_, err = tx.Exec(ctx, `UPDATE products p SET stock = p.stock + i.quantity
		FROM order_items i WHERE i.order_id = $1 AND i.product_id = p.id`, orderID)
	if err != nil {
		return fmt.Errorf("restore stock: %w", err)
	}
	_, err = tx.Exec(ctx, `DELETE FROM outbox
		WHERE aggregate_type = 'order' AND aggregate_id = $1 AND status = 'pending'`, orderID)
	if err != nil {
		return fmt.Errorf("withdraw pending events: %w", err)
	}
	if _, err = tx.Exec(ctx, `DELETE FROM order_items WHERE order_id = $1`, orderID); err != nil {
		return err
	}
	ct, err := tx.Exec(ctx, `DELETE FROM orders WHERE id = $1`, orderID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return application.ErrOrderNotFound
	}
	return tx.Commit(ctx)
}

func (r *Repository) RecentPendingIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM orders
		WHERE payment_status = $1 ORDER BY created_at DESC LIMIT $2`,
		domain.PaymentPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func insertEvents(ctx context.Context, tx pgx.Tx, orderID string, events []application.Event) error {
	for _, e := range events {
		_, err := tx.Exec(ctx, `INSERT INTO outbox
				(aggregate_type, aggregate_id, type, payload, headers, traceparent, status)
			VALUES ($1,$2,$3,$4,$5,$6,'pending')`,
			"order", orderID, e.Type, e.Payload,
			map[string]string{"source": "storefront-core"}, tracing.Traceparent(ctx))
		if err != nil {
			return fmt.Errorf("insert outbox event %s: %w", e.Type, err)
		}
	}
	return nil
}
