// Package registration models a member's claim on a group slot.
package registration

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

// Status is the lifecycle state of a registration.
type Status string

const (
	// StatusReserved is a time-bounded hold pending payment completion.
	StatusReserved Status = "reserved"
	StatusActive   Status = "active"
	// StatusDeactivated covers both cancellations and replacements.
	StatusDeactivated Status = "deactivated"
)

// ReuseWindow bounds how long a deactivated registration may be revived
// under its original id when the same member re-registers.
const ReuseWindow = 7 * 24 * time.Hour

// Registration is one member's claim on a group. Exactly one Active
// registration may exist per (member, group, cycle).
type Registration struct {
	ID       uuid.UUID
	MemberID uuid.UUID
	GroupID  uuid.UUID

	// Cycle stamps the group's registration period at claim time; a cart
	// built against an older cycle is stale.
	Cycle int64

	Status        Status
	ReservedUntil *time.Time
	Price         int64

	// PaysOrganizationID is set when a third-party organization pays for
	// this member; it is carried forward when the registration is replaced.
	PaysOrganizationID *uuid.UUID

	RegisteredAt  time.Time
	DeactivatedAt *time.Time
}

// Reusable reports whether a deactivated registration may be revived at now,
// given the open balance on its ledger items. Registrations deactivated
// longer ago than ReuseWindow, or carrying unsettled money, get a fresh row
// instead.
func (r *Registration) Reusable(now time.Time, openBalance int64) bool {
	if r.Status != StatusDeactivated || r.DeactivatedAt == nil {
		return false
	}
	if now.Sub(*r.DeactivatedAt) > ReuseWindow {
		return false
	}
	return openBalance == 0
}

// Sentinel errors.
var (
	ErrNotFound = errors.New("registration not found")
)

// Repository defines persistence for registrations.
type Repository interface {
	Get(ctx context.Context, id uuid.UUID) (*Registration, error)
	// GetActive returns the active registration for (member, group, cycle),
	// or ErrNotFound.
	GetActive(ctx context.Context, memberID, groupID uuid.UUID, cycle int64) (*Registration, error)
	// FindDeactivated returns the most recently deactivated registration for
	// (member, group, cycle), or ErrNotFound.
	FindDeactivated(ctx context.Context, memberID, groupID uuid.UUID, cycle int64) (*Registration, error)
	// ActiveForMember lists the member's active registrations.
	ActiveForMember(ctx context.Context, memberID uuid.UUID) ([]*Registration, error)
	Create(ctx context.Context, r *Registration) error
	Update(ctx context.Context, r *Registration) error
}
