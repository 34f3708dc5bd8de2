package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/settle/internal/domain/registration"
)

var _ registration.Repository = (*RegistrationRepository)(nil)

// RegistrationRepository implements registration.Repository backed by
// PostgreSQL.
type RegistrationRepository struct {
	db *DB
}

// NewRegistrationRepository returns a RegistrationRepository using the given
// DB.
func NewRegistrationRepository(db *DB) *RegistrationRepository {
	return &RegistrationRepository{db: db}
}

const registrationColumns = `id, member_id, group_id, cycle, status, reserved_until,
	price_cents, pays_organization_id, registered_at, deactivated_at`

func (r *RegistrationRepository) Get(ctx context.Context, id uuid.UUID) (*registration.Registration, error) {
	return r.one(ctx, `SELECT `+registrationColumns+` FROM registrations WHERE id = $1`, id)
}

func (r *RegistrationRepository) GetActive(ctx context.Context, memberID, groupID uuid.UUID, cycle int64) (*registration.Registration, error) {
	return r.one(ctx,
		`SELECT `+registrationColumns+` FROM registrations
		WHERE member_id = $1 AND group_id = $2 AND cycle = $3 AND status IN ('active', 'reserved')
		LIMIT 1`, memberID, groupID, cycle)
}

func (r *RegistrationRepository) FindDeactivated(ctx context.Context, memberID, groupID uuid.UUID, cycle int64) (*registration.Registration, error) {
	return r.one(ctx,
		`SELECT `+registrationColumns+` FROM registrations
		WHERE member_id = $1 AND group_id = $2 AND cycle = $3 AND status = 'deactivated'
		ORDER BY deactivated_at DESC NULLS LAST
		LIMIT 1`, memberID, groupID, cycle)
}

func (r *RegistrationRepository) ActiveForMember(ctx context.Context, memberID uuid.UUID) ([]*registration.Registration, error) {
	rows, err := r.db.q(ctx).Query(ctx,
		`SELECT `+registrationColumns+` FROM registrations WHERE member_id = $1 AND status = 'active'`,
		memberID)
	if err != nil {
		return nil, errors.Wrap(err, "query registrations")
	}
	defer rows.Close()
	var out []*registration.Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, reg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate registrations")
	}
	return out, nil
}

const createRegistrationSQL = `INSERT INTO registrations (` + registrationColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

func (r *RegistrationRepository) Create(ctx context.Context, reg *registration.Registration) error {
	if _, err := r.db.q(ctx).Exec(ctx, createRegistrationSQL,
		reg.ID, reg.MemberID, reg.GroupID, reg.Cycle, reg.Status, reg.ReservedUntil,
		reg.Price, reg.PaysOrganizationID, reg.RegisteredAt, reg.DeactivatedAt,
	); err != nil {
		return errors.Wrapf(err, "create registration %s", reg.ID)
	}
	return nil
}

const updateRegistrationSQL = `UPDATE registrations SET
	status = $2, reserved_until = $3, price_cents = $4, pays_organization_id = $5,
	registered_at = $6, deactivated_at = $7
	WHERE id = $1`

func (r *RegistrationRepository) Update(ctx context.Context, reg *registration.Registration) error {
	tag, err := r.db.q(ctx).Exec(ctx, updateRegistrationSQL,
		reg.ID, reg.Status, reg.ReservedUntil, reg.Price, reg.PaysOrganizationID,
		reg.RegisteredAt, reg.DeactivatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "update registration %s", reg.ID)
	}
	if tag.RowsAffected() == 0 {
		return registration.ErrNotFound
	}
	return nil
}

func (r *RegistrationRepository) one(ctx context.Context, sql string, args ...any) (*registration.Registration, error) {
	rows, err := r.db.q(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query registration")
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, errors.Wrap(err, "query registration")
		}
		return nil, registration.ErrNotFound
	}
	return scanRegistration(rows)
}

func scanRegistration(rows pgx.Rows) (*registration.Registration, error) {
	var reg registration.Registration
	if err := rows.Scan(
		&reg.ID, &reg.MemberID, &reg.GroupID, &reg.Cycle, &reg.Status, &reg.ReservedUntil,
		&reg.Price, &reg.PaysOrganizationID, &reg.RegisteredAt, &reg.DeactivatedAt,
	); err != nil {
		return nil, errors.Wrap(err, "scan registration")
	}
	return &reg, nil
}
