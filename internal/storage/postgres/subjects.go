package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/xenking/settle/internal/domain/checkout"
	"github.com/xenking/settle/internal/domain/registration"
)

var _ checkout.Subjects = (*SubjectRepository)(nil)

// SubjectRepository answers member existence and permission questions from
// the organization tables. Permissions are organization-scoped: an actor may
// touch members of its own organization, delete its own registrations or
// those of its organization's members, and pay as an organization it belongs
// to.
type SubjectRepository struct {
	db *DB
}

// NewSubjectRepository returns a SubjectRepository using the given DB.
func NewSubjectRepository(db *DB) *SubjectRepository {
	return &SubjectRepository{db: db}
}

func (r *SubjectRepository) MemberExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	if err := r.db.q(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM members WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return false, errors.Wrap(err, "check member exists")
	}
	return exists, nil
}

func (r *SubjectRepository) CanWriteMember(ctx context.Context, actor checkout.Actor, memberID uuid.UUID) (bool, error) {
	var ok bool
	if err := r.db.q(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM members WHERE id = $1 AND organization_id = $2)`,
		memberID, actor.OrganizationID,
	).Scan(&ok); err != nil {
		return false, errors.Wrap(err, "check write permission")
	}
	return ok, nil
}

func (r *SubjectRepository) CanDeleteRegistration(ctx context.Context, actor checkout.Actor, reg *registration.Registration) (bool, error) {
	if reg.MemberID == actor.MemberID {
		return true, nil
	}
	return r.CanWriteMember(ctx, actor, reg.MemberID)
}

func (r *SubjectRepository) CanPayAsOrganization(ctx context.Context, actor checkout.Actor, organizationID uuid.UUID) (bool, error) {
	var ok bool
	if err := r.db.q(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM members WHERE id = $1 AND organization_id = $2)`,
		actor.MemberID, organizationID,
	).Scan(&ok); err != nil {
		return false, errors.Wrap(err, "check pay-as-organization permission")
	}
	return ok, nil
}

func (r *SubjectRepository) IsDemoOrganization(ctx context.Context, organizationID uuid.UUID) (bool, error) {
	var demo bool
	if err := r.db.q(ctx).QueryRow(ctx,
		`SELECT COALESCE((SELECT demo FROM organizations WHERE id = $1), false)`, organizationID,
	).Scan(&demo); err != nil {
		return false, errors.Wrap(err, "check demo organization")
	}
	return demo, nil
}
