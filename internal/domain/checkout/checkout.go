// Package checkout implements the per-request settlement use case: validate
// a submitted cart, reserve capacity, materialize registrations and orders,
// write the balance ledger and create the payment intent, all-or-nothing.
package checkout

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/settle/internal/domain/order"
	"github.com/xenking/settle/internal/domain/payment"
	"github.com/xenking/settle/internal/domain/pricing"
	"github.com/xenking/settle/internal/domain/registration"
)

// CartItem is one client-submitted cart line. Everything priced is
// re-resolved server-side by id; client-sent prices are never trusted.
type CartItem struct {
	MemberID  uuid.UUID
	GroupID   *uuid.UUID
	ProductID *uuid.UUID
	OptionIDs []uuid.UUID
	Quantity  int64

	// ReplacesRegistrationID deactivates an existing active registration and
	// moves the member to the new group within the same reservation scope.
	ReplacesRegistrationID *uuid.UUID
}

// BalanceItemToPay references an existing due item the payer settles in this
// checkout, with the price the client saw. A mismatch with the server-side
// open amount rejects the checkout.
type BalanceItemToPay struct {
	ID    uuid.UUID
	Price int64
}

// Cart is the mutable part of a checkout request.
type Cart struct {
	Items                 []CartItem
	BalanceItemsToPay     []BalanceItemToPay
	DeleteRegistrationIDs []uuid.UUID
}

// Request is one checkout attempt.
type Request struct {
	Cart   Cart
	Method payment.Method

	// TotalPrice is the client-declared total, verified against the engine.
	TotalPrice int64

	RedirectURL string
	CancelURL   string

	AdministrationFee int64
	FreeContribution  int64
	VoucherCode       string

	// AsOrganizationID makes a third-party organization the payer; the
	// subjects owe the organization back through mirrored balance items.
	AsOrganizationID *uuid.UUID

	// CancellationFeePercent applies to the original price of replaced or
	// deleted registrations. Must lie in [0, 100].
	CancellationFeePercent *decimal.Decimal
}

// Actor is the authenticated caller.
type Actor struct {
	MemberID       uuid.UUID
	OrganizationID uuid.UUID
}

// Result is the outcome of an accepted checkout.
type Result struct {
	Registrations []*registration.Registration
	Orders        []*order.Order
	Payment       *payment.Payment
	// PaymentURL is where the payer completes an online payment, empty for
	// offline methods and zero totals.
	PaymentURL string
}

// Catalog supplies the authoritative snapshot a checkout prices and
// validates against, re-fetched at the start of every attempt.
type Catalog interface {
	Snapshot(ctx context.Context, organizationID uuid.UUID) (*pricing.Snapshot, error)
}

// Subjects answers existence and permission questions about members and
// organizations.
type Subjects interface {
	MemberExists(ctx context.Context, id uuid.UUID) (bool, error)
	CanWriteMember(ctx context.Context, actor Actor, memberID uuid.UUID) (bool, error)
	CanDeleteRegistration(ctx context.Context, actor Actor, reg *registration.Registration) (bool, error)
	CanPayAsOrganization(ctx context.Context, actor Actor, organizationID uuid.UUID) (bool, error)
	IsDemoOrganization(ctx context.Context, organizationID uuid.UUID) (bool, error)
}

// Store runs the checkout's persistence writes in one transaction.
type Store interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}
