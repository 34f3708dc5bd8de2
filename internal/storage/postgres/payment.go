package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/settle/internal/domain/payment"
)

var _ payment.Repository = (*PaymentRepository)(nil)

// PaymentRepository implements payment.Repository backed by PostgreSQL.
type PaymentRepository struct {
	db *DB
}

// NewPaymentRepository returns a PaymentRepository using the given DB.
func NewPaymentRepository(db *DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

const paymentColumns = `id, method, provider, status, price_cents,
	payer_member_id, payer_organization_id, organization_id,
	provider_ref, description, created_at, paid_at, failed_at`

func (r *PaymentRepository) Get(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	rows, err := r.db.q(ctx).Query(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	if err != nil {
		return nil, errors.Wrap(err, "query payment")
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, errors.Wrap(err, "query payment")
		}
		return nil, payment.ErrNotFound
	}
	return scanPayment(rows)
}

func (r *PaymentRepository) Create(ctx context.Context, p *payment.Payment) error {
	if _, err := r.db.q(ctx).Exec(ctx,
		`INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		p.ID, p.Method, p.Provider, p.Status, p.Price,
		p.PayerMemberID, p.PayerOrganizationID, p.OrganizationID,
		p.ProviderRef, p.Description, p.CreatedAt, p.PaidAt, p.FailedAt,
	); err != nil {
		return errors.Wrapf(err, "create payment %s", p.ID)
	}
	return nil
}

func (r *PaymentRepository) Update(ctx context.Context, p *payment.Payment) error {
	tag, err := r.db.q(ctx).Exec(ctx,
		`UPDATE payments SET provider = $2, status = $3, provider_ref = $4, paid_at = $5, failed_at = $6
		WHERE id = $1`,
		p.ID, p.Provider, p.Status, p.ProviderRef, p.PaidAt, p.FailedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "update payment %s", p.ID)
	}
	if tag.RowsAffected() == 0 {
		return payment.ErrNotFound
	}
	return nil
}

func (r *PaymentRepository) ListUnsettled(ctx context.Context, createdBefore time.Time) ([]*payment.Payment, error) {
	rows, err := r.db.q(ctx).Query(ctx,
		`SELECT `+paymentColumns+` FROM payments
		WHERE status IN ('created', 'pending') AND created_at < $1`, createdBefore)
	if err != nil {
		return nil, errors.Wrap(err, "query unsettled payments")
	}
	defer rows.Close()
	var out []*payment.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate payments")
	}
	return out, nil
}

func scanPayment(rows pgx.Rows) (*payment.Payment, error) {
	var p payment.Payment
	if err := rows.Scan(
		&p.ID, &p.Method, &p.Provider, &p.Status, &p.Price,
		&p.PayerMemberID, &p.PayerOrganizationID, &p.OrganizationID,
		&p.ProviderRef, &p.Description, &p.CreatedAt, &p.PaidAt, &p.FailedAt,
	); err != nil {
		return nil, errors.Wrap(err, "scan payment")
	}
	return &p, nil
}
