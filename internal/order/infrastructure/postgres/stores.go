package postgres

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shoplane/storefront-core/internal/order/application"
)

// ProductStore is the read side of the product catalog the core validates
// against. Writes happen only inside the order repository's transactions.
type ProductStore struct {
	pool *pgxpool.Pool
}

func NewProductStore(pool *pgxpool.Pool) *ProductStore {
	return &ProductStore{pool: pool}
}

func (s *ProductStore) Product(ctx context.Context, id string) (application.Product, bool, error) {
	var p application.Product
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, is_active, stock FROM products WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.IsActive, &p.Stock)
	if errors.Is(err, pgx.ErrNoRows) {
		return application.Product{}, false, nil
	}
	if err != nil {
		return application.Product{}, false, err
	}
	return p, true, nil
}

type AddressStore struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewAddressStore(log *slog.Logger, pool *pgxpool.Pool) *AddressStore {
	return &AddressStore{log: log, pool: pool}
}

// FindOwnedAddress filters by owner in the query itself, so an address ID
// belonging to another user behaves exactly like a missing one.
func (s *AddressStore) FindOwnedAddress(ctx context.Context, userID, addressID string) (application.Address, bool, error) {
	var a application.Address
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id FROM addresses WHERE id = $1 AND user_id = $2`,
		addressID, userID).
		Scan(&a.ID, &a.UserID)
	if errors.Is(err, pgx.ErrNoRows) {
		return application.Address{}, false, nil
	}
	if err != nil {
		return application.Address{}, false, err
	}
	return a, true, nil
}
