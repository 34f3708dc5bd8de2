package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// VoucherRepository writes voucher codes. Reads go through the catalog
// snapshot; this repository exists for the ingest command.
type VoucherRepository struct {
	db *DB
}

// NewVoucherRepository returns a VoucherRepository using the given DB.
func NewVoucherRepository(db *DB) *VoucherRepository {
	return &VoucherRepository{db: db}
}

// Upsert inserts a voucher code or updates its percentage when the code
// already exists.
func (r *VoucherRepository) Upsert(ctx context.Context, code string, percentage decimal.Decimal) error {
	if _, err := r.db.q(ctx).Exec(ctx,
		`INSERT INTO vouchers (code, percentage) VALUES ($1, $2)
		ON CONFLICT (code) DO UPDATE SET percentage = EXCLUDED.percentage`,
		code, percentage,
	); err != nil {
		return errors.Wrapf(err, "upsert voucher %s", code)
	}
	return nil
}

// UpsertBatch inserts many codes at the same percentage in a single
// transaction.
func (r *VoucherRepository) UpsertBatch(ctx context.Context, codes []string, percentage decimal.Decimal) error {
	return r.db.RunInTx(ctx, func(ctx context.Context) error {
		for _, code := range codes {
			if err := r.Upsert(ctx, code, percentage); err != nil {
				return err
			}
		}
		return nil
	})
}
