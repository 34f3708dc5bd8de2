// Package payment covers the payment lifecycle: creating provider intents
// and reconciling provider status into ledger side-effects.
package payment

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

// Method is how the payer pays.
type Method string

const (
	MethodIDEAL       Method = "ideal"
	MethodBancontact  Method = "bancontact"
	MethodCard        Method = "card"
	MethodPayconiq    Method = "payconiq"
	MethodTransfer    Method = "transfer"
	MethodCash        Method = "cash"
	MethodPointOfSale Method = "point_of_sale"
)

// Offline reports whether the method settles without an external provider.
func (m Method) Offline() bool {
	switch m {
	case MethodTransfer, MethodCash, MethodPointOfSale:
		return true
	}
	return false
}

// Valid reports whether m is a known method.
func (m Method) Valid() bool {
	switch m {
	case MethodIDEAL, MethodBancontact, MethodCard, MethodPayconiq,
		MethodTransfer, MethodCash, MethodPointOfSale:
		return true
	}
	return false
}

// Status is the internal payment state.
type Status string

const (
	StatusCreated   Status = "created"
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// CanTransition reports whether the edge s -> to exists in the state machine.
// Besides the forward edges, providers may correct themselves: Succeeded can
// fall back to Failed, and Failed can reopen to Pending.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusCreated:
		return to == StatusPending || to == StatusSucceeded || to == StatusFailed
	case StatusPending:
		return to == StatusSucceeded || to == StatusFailed
	case StatusSucceeded:
		return to == StatusFailed
	case StatusFailed:
		return to == StatusPending
	}
	return false
}

// Payment is one attempt to collect money. A failed or expired payment is
// never reused; a new checkout attempt creates a new Payment.
type Payment struct {
	ID       uuid.UUID
	Method   Method
	Provider *ProviderKind
	Status   Status
	Price    int64

	// Exactly one of PayerMemberID / PayerOrganizationID is set.
	PayerMemberID       *uuid.UUID
	PayerOrganizationID *uuid.UUID
	OrganizationID      uuid.UUID

	// ProviderRef is the provider's correlation id, stored before the
	// checkout response goes out so reconciliation can find the payment even
	// if that response is lost.
	ProviderRef string

	Description string

	CreatedAt time.Time
	PaidAt    *time.Time
	FailedAt  *time.Time
}

// Sentinel errors.
var (
	ErrNotFound            = errors.New("payment not found")
	ErrNoProviderForMethod = errors.New("no provider configured for method")
)

// Repository defines persistence for payments.
type Repository interface {
	Get(ctx context.Context, id uuid.UUID) (*Payment, error)
	Create(ctx context.Context, p *Payment) error
	Update(ctx context.Context, p *Payment) error
	// ListUnsettled returns payments still in Created or Pending that were
	// created before the cutoff.
	ListUnsettled(ctx context.Context, createdBefore time.Time) ([]*Payment, error)
}
