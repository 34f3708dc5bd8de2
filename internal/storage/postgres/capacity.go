package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/settle/internal/domain/capacity"
)

var _ capacity.Repository = (*CapacityRepository)(nil)

// CapacityRepository implements capacity.Repository backed by PostgreSQL.
// Counter updates rely on the keyed execution scope for exclusion; drift
// from out-of-band writers is healed by the recount at checkout boundaries.
// A NULL max_capacity maps to a nil MaxCapacity, meaning unlimited.
type CapacityRepository struct {
	db *DB
}

// NewCapacityRepository returns a CapacityRepository using the given DB.
func NewCapacityRepository(db *DB) *CapacityRepository {
	return &CapacityRepository{db: db}
}

func (r *CapacityRepository) Get(ctx context.Context, id uuid.UUID) (*capacity.Resource, error) {
	var res capacity.Resource
	err := r.db.q(ctx).QueryRow(ctx,
		`SELECT id, kind, max_capacity, reserved, committed FROM capacity_resources WHERE id = $1`,
		id,
	).Scan(&res.ID, &res.Kind, &res.MaxCapacity, &res.Reserved, &res.Committed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, capacity.ErrResourceNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get resource %s", id)
	}
	return &res, nil
}

func (r *CapacityRepository) Update(ctx context.Context, res *capacity.Resource) error {
	tag, err := r.db.q(ctx).Exec(ctx,
		`UPDATE capacity_resources SET reserved = $2, committed = $3 WHERE id = $1`,
		res.ID, res.Reserved, res.Committed,
	)
	if err != nil {
		return errors.Wrapf(err, "update resource %s", res.ID)
	}
	if tag.RowsAffected() == 0 {
		return capacity.ErrResourceNotFound
	}
	return nil
}

// CountClaims recounts reserved and committed claims from their source rows:
// registrations for group resources, order items for products and options.
func (r *CapacityRepository) CountClaims(ctx context.Context, id uuid.UUID) (int64, int64, error) {
	var kind capacity.Kind
	err := r.db.q(ctx).QueryRow(ctx,
		`SELECT kind FROM capacity_resources WHERE id = $1`, id,
	).Scan(&kind)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, capacity.ErrResourceNotFound
	}
	if err != nil {
		return 0, 0, errors.Wrapf(err, "get resource kind %s", id)
	}

	var reserved, committed int64
	switch kind {
	case capacity.KindGroup:
		err = r.db.q(ctx).QueryRow(ctx,
			`SELECT
				COUNT(*) FILTER (WHERE status = 'reserved'),
				COUNT(*) FILTER (WHERE status = 'active')
			FROM registrations WHERE group_id = $1`, id,
		).Scan(&reserved, &committed)
	case capacity.KindProduct, capacity.KindOption:
		err = r.db.q(ctx).QueryRow(ctx,
			`SELECT
				COALESCE(SUM((item->>'quantity')::bigint) FILTER (WHERE o.status = 'reserved'), 0),
				COALESCE(SUM((item->>'quantity')::bigint) FILTER (WHERE o.status = 'active'), 0)
			FROM orders o, jsonb_array_elements(o.items) item
			WHERE item->>'productId' = $1::text
			   OR item->'optionIds' ? $1::text`, id,
		).Scan(&reserved, &committed)
	default:
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, errors.Wrapf(err, "count claims %s", id)
	}
	return reserved, committed, nil
}
