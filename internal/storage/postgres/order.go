package postgres

import (
	"context"
	"encoding/json"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/settle/internal/domain/order"
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL. Order
// items are stored as JSONB so capacity recounts can unnest them.
type OrderRepository struct {
	db *DB
}

// NewOrderRepository returns an OrderRepository using the given DB.
func NewOrderRepository(db *DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) Get(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	var (
		o         order.Order
		itemsJSON []byte
	)
	err := r.db.q(ctx).QueryRow(ctx,
		`SELECT id, organization_id, member_id, items, total_cents, status, created_at
		FROM orders WHERE id = $1`, id,
	).Scan(&o.ID, &o.OrganizationID, &o.MemberID, &itemsJSON, &o.Total, &o.Status, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, order.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get order %s", id)
	}
	if err := json.Unmarshal(itemsJSON, &o.Items); err != nil {
		return nil, errors.Wrap(err, "unmarshal order items")
	}
	return &o, nil
}

func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	itemsJSON, err := json.Marshal(o.Items)
	if err != nil {
		return errors.Wrap(err, "marshal order items")
	}
	if _, err := r.db.q(ctx).Exec(ctx,
		`INSERT INTO orders (id, organization_id, member_id, items, total_cents, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		o.ID, o.OrganizationID, o.MemberID, itemsJSON, o.Total, o.Status, o.CreatedAt,
	); err != nil {
		return errors.Wrapf(err, "create order %s", o.ID)
	}
	return nil
}

func (r *OrderRepository) Update(ctx context.Context, o *order.Order) error {
	tag, err := r.db.q(ctx).Exec(ctx,
		`UPDATE orders SET status = $2, total_cents = $3 WHERE id = $1`,
		o.ID, o.Status, o.Total,
	)
	if err != nil {
		return errors.Wrapf(err, "update order %s", o.ID)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}
