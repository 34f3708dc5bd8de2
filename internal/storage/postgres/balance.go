package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/settle/internal/domain/balance"
)

var _ balance.Repository = (*BalanceRepository)(nil)

// BalanceRepository implements balance.Repository backed by PostgreSQL.
type BalanceRepository struct {
	db *DB
}

// NewBalanceRepository returns a BalanceRepository using the given DB.
func NewBalanceRepository(db *DB) *BalanceRepository {
	return &BalanceRepository{db: db}
}

const balanceItemColumns = `id, type, description, amount, unit_price_cents, price_cents, status,
	payer_member_id, payer_organization_id, payee_organization_id,
	registration_id, order_id, discount_rule_id, mirror_of_id,
	price_paid_cents, price_pending_cents, created_at`

const createBalanceItemSQL = `INSERT INTO balance_items (` + balanceItemColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

func (r *BalanceRepository) CreateItem(ctx context.Context, item *balance.Item) error {
	if _, err := r.db.q(ctx).Exec(ctx, createBalanceItemSQL,
		item.ID, item.Type, item.Description, item.Amount, item.UnitPrice, item.Price, item.Status,
		item.PayerMemberID, item.PayerOrganizationID, item.PayeeOrganizationID,
		item.RegistrationID, item.OrderID, item.DiscountRuleID, item.MirrorOfID,
		item.PricePaid, item.PricePending, item.CreatedAt,
	); err != nil {
		return errors.Wrapf(err, "create balance item %s", item.ID)
	}
	return nil
}

const updateBalanceItemSQL = `UPDATE balance_items SET
	description = $2, amount = $3, unit_price_cents = $4, price_cents = $5, status = $6,
	price_paid_cents = $7, price_pending_cents = $8
	WHERE id = $1`

func (r *BalanceRepository) UpdateItem(ctx context.Context, item *balance.Item) error {
	tag, err := r.db.q(ctx).Exec(ctx, updateBalanceItemSQL,
		item.ID, item.Description, item.Amount, item.UnitPrice, item.Price, item.Status,
		item.PricePaid, item.PricePending,
	)
	if err != nil {
		return errors.Wrapf(err, "update balance item %s", item.ID)
	}
	if tag.RowsAffected() == 0 {
		return balance.ErrItemNotFound
	}
	return nil
}

func (r *BalanceRepository) GetItems(ctx context.Context, ids []uuid.UUID) ([]*balance.Item, error) {
	rows, err := r.db.q(ctx).Query(ctx,
		`SELECT `+balanceItemColumns+` FROM balance_items WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, errors.Wrap(err, "query balance items")
	}
	return scanItems(rows)
}

func (r *BalanceRepository) ItemsForRegistration(ctx context.Context, registrationID uuid.UUID) ([]*balance.Item, error) {
	rows, err := r.db.q(ctx).Query(ctx,
		`SELECT `+balanceItemColumns+` FROM balance_items WHERE registration_id = $1`, registrationID)
	if err != nil {
		return nil, errors.Wrap(err, "query registration items")
	}
	return scanItems(rows)
}

func (r *BalanceRepository) MirrorsOf(ctx context.Context, ids []uuid.UUID) ([]*balance.Item, error) {
	rows, err := r.db.q(ctx).Query(ctx,
		`SELECT `+balanceItemColumns+` FROM balance_items WHERE mirror_of_id = ANY($1)`, ids)
	if err != nil {
		return nil, errors.Wrap(err, "query mirror items")
	}
	return scanItems(rows)
}

func (r *BalanceRepository) FindDiscountItem(ctx context.Context, ruleID, registrationID uuid.UUID) (*balance.Item, error) {
	rows, err := r.db.q(ctx).Query(ctx,
		`SELECT `+balanceItemColumns+` FROM balance_items
		WHERE discount_rule_id = $1 AND registration_id = $2 AND status != 'canceled'
		LIMIT 1`, ruleID, registrationID)
	if err != nil {
		return nil, errors.Wrap(err, "query discount item")
	}
	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, balance.ErrItemNotFound
	}
	return items[0], nil
}

func scanItems(rows pgx.Rows) ([]*balance.Item, error) {
	defer rows.Close()
	var out []*balance.Item
	for rows.Next() {
		var item balance.Item
		if err := rows.Scan(
			&item.ID, &item.Type, &item.Description, &item.Amount, &item.UnitPrice, &item.Price, &item.Status,
			&item.PayerMemberID, &item.PayerOrganizationID, &item.PayeeOrganizationID,
			&item.RegistrationID, &item.OrderID, &item.DiscountRuleID, &item.MirrorOfID,
			&item.PricePaid, &item.PricePending, &item.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan balance item")
		}
		out = append(out, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate balance items")
	}
	return out, nil
}

const allocationColumns = `id, balance_item_id, payment_id, price_cents, state, created_at`

func (r *BalanceRepository) CreateAllocation(ctx context.Context, a *balance.Allocation) error {
	if _, err := r.db.q(ctx).Exec(ctx,
		`INSERT INTO balance_item_payments (`+allocationColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.BalanceItemID, a.PaymentID, a.Price, a.State, a.CreatedAt,
	); err != nil {
		return errors.Wrapf(err, "create allocation %s", a.ID)
	}
	return nil
}

func (r *BalanceRepository) UpdateAllocation(ctx context.Context, a *balance.Allocation) error {
	tag, err := r.db.q(ctx).Exec(ctx,
		`UPDATE balance_item_payments SET price_cents = $2, state = $3 WHERE id = $1`,
		a.ID, a.Price, a.State,
	)
	if err != nil {
		return errors.Wrapf(err, "update allocation %s", a.ID)
	}
	if tag.RowsAffected() == 0 {
		return balance.ErrItemNotFound
	}
	return nil
}

func (r *BalanceRepository) AllocationsForItem(ctx context.Context, itemID uuid.UUID) ([]*balance.Allocation, error) {
	return r.queryAllocations(ctx,
		`SELECT `+allocationColumns+` FROM balance_item_payments WHERE balance_item_id = $1`, itemID)
}

func (r *BalanceRepository) AllocationsForPayment(ctx context.Context, paymentID uuid.UUID) ([]*balance.Allocation, error) {
	return r.queryAllocations(ctx,
		`SELECT `+allocationColumns+` FROM balance_item_payments WHERE payment_id = $1`, paymentID)
}

func (r *BalanceRepository) queryAllocations(ctx context.Context, sql string, arg any) ([]*balance.Allocation, error) {
	rows, err := r.db.q(ctx).Query(ctx, sql, arg)
	if err != nil {
		return nil, errors.Wrap(err, "query allocations")
	}
	defer rows.Close()
	var out []*balance.Allocation
	for rows.Next() {
		var a balance.Allocation
		if err := rows.Scan(&a.ID, &a.BalanceItemID, &a.PaymentID, &a.Price, &a.State, &a.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan allocation")
		}
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate allocations")
	}
	return out, nil
}
