package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/settle/internal/domain/checkout"
	"github.com/xenking/settle/internal/domain/pricing"
)

var _ checkout.Catalog = (*CatalogRepository)(nil)

// CatalogRepository builds the pricing snapshot a checkout validates and
// prices against: groups with their bundle rules, products with options,
// vouchers, and the per-member active registration counts.
type CatalogRepository struct {
	db *DB
}

// NewCatalogRepository returns a CatalogRepository using the given DB.
func NewCatalogRepository(db *DB) *CatalogRepository {
	return &CatalogRepository{db: db}
}

func (r *CatalogRepository) Snapshot(ctx context.Context, organizationID uuid.UUID) (*pricing.Snapshot, error) {
	snap := &pricing.Snapshot{
		Groups:              make(map[uuid.UUID]pricing.Group),
		Products:            make(map[uuid.UUID]pricing.Product),
		Vouchers:            make(map[string]pricing.Voucher),
		ActiveRegistrations: make(map[uuid.UUID]int),
	}

	if err := r.loadGroups(ctx, organizationID, snap); err != nil {
		return nil, err
	}
	if err := r.loadProducts(ctx, organizationID, snap); err != nil {
		return nil, err
	}
	if err := r.loadVouchers(ctx, snap); err != nil {
		return nil, err
	}
	if err := r.loadRegistrationCounts(ctx, organizationID, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (r *CatalogRepository) loadGroups(ctx context.Context, organizationID uuid.UUID, snap *pricing.Snapshot) error {
	rows, err := r.db.q(ctx).Query(ctx,
		`SELECT g.id, g.price_cents, g.cycle, b.id, b.description, b.percentages
		FROM groups g
		LEFT JOIN bundle_rules b ON b.group_id = g.id
		WHERE g.organization_id = $1`, organizationID)
	if err != nil {
		return errors.Wrap(err, "query groups")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			g           pricing.Group
			ruleID      *uuid.UUID
			ruleDesc    *string
			percentages []decimal.Decimal
		)
		if err := rows.Scan(&g.ID, &g.Price, &g.Cycle, &ruleID, &ruleDesc, &percentages); err != nil {
			return errors.Wrap(err, "scan group")
		}
		if ruleID != nil {
			g.Bundle = &pricing.BundleRule{ID: *ruleID, Percentages: percentages}
			if ruleDesc != nil {
				g.Bundle.Description = *ruleDesc
			}
		}
		snap.Groups[g.ID] = g
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "iterate groups")
	}
	return nil
}

func (r *CatalogRepository) loadProducts(ctx context.Context, organizationID uuid.UUID, snap *pricing.Snapshot) error {
	rows, err := r.db.q(ctx).Query(ctx,
		`SELECT id, price_cents FROM products WHERE organization_id = $1`, organizationID)
	if err != nil {
		return errors.Wrap(err, "query products")
	}
	defer rows.Close()
	for rows.Next() {
		var p pricing.Product
		if err := rows.Scan(&p.ID, &p.Price); err != nil {
			return errors.Wrap(err, "scan product")
		}
		p.Options = make(map[uuid.UUID]pricing.Option)
		snap.Products[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "iterate products")
	}

	optRows, err := r.db.q(ctx).Query(ctx,
		`SELECT o.id, o.product_id, o.price_cents, o.max_per_order
		FROM product_options o
		JOIN products p ON p.id = o.product_id
		WHERE p.organization_id = $1`, organizationID)
	if err != nil {
		return errors.Wrap(err, "query options")
	}
	defer optRows.Close()
	for optRows.Next() {
		var (
			opt       pricing.Option
			productID uuid.UUID
		)
		if err := optRows.Scan(&opt.ID, &productID, &opt.Price, &opt.MaxPerOrder); err != nil {
			return errors.Wrap(err, "scan option")
		}
		if p, ok := snap.Products[productID]; ok {
			p.Options[opt.ID] = opt
		}
	}
	if err := optRows.Err(); err != nil {
		return errors.Wrap(err, "iterate options")
	}
	return nil
}

func (r *CatalogRepository) loadVouchers(ctx context.Context, snap *pricing.Snapshot) error {
	rows, err := r.db.q(ctx).Query(ctx, `SELECT code, percentage FROM vouchers`)
	if err != nil {
		return errors.Wrap(err, "query vouchers")
	}
	defer rows.Close()
	for rows.Next() {
		var v pricing.Voucher
		if err := rows.Scan(&v.Code, &v.Percentage); err != nil {
			return errors.Wrap(err, "scan voucher")
		}
		snap.Vouchers[v.Code] = v
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "iterate vouchers")
	}
	return nil
}

func (r *CatalogRepository) loadRegistrationCounts(ctx context.Context, organizationID uuid.UUID, snap *pricing.Snapshot) error {
	rows, err := r.db.q(ctx).Query(ctx,
		`SELECT r.member_id, COUNT(*)
		FROM registrations r
		JOIN groups g ON g.id = r.group_id
		WHERE g.organization_id = $1 AND r.status = 'active'
		GROUP BY r.member_id`, organizationID)
	if err != nil {
		return errors.Wrap(err, "query registration counts")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			memberID uuid.UUID
			count    int
		)
		if err := rows.Scan(&memberID, &count); err != nil {
			return errors.Wrap(err, "scan registration count")
		}
		snap.ActiveRegistrations[memberID] = count
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "iterate registration counts")
	}
	return nil
}
