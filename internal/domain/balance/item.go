// Package balance implements the settlement ledger: owed/paid line items and
// their allocations to payments.
package balance

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

// ItemType classifies what a balance item charges (or credits, for negative
// prices).
type ItemType string

const (
	TypeRegistrationFee   ItemType = "registration_fee"
	TypeOptionFee         ItemType = "option_fee"
	TypeOrderTotal        ItemType = "order_total"
	TypeAdministrationFee ItemType = "administration_fee"
	TypeFreeContribution  ItemType = "free_contribution"
	TypeBundleDiscount    ItemType = "bundle_discount"
	TypeCancellationFee   ItemType = "cancellation_fee"
)

// ItemStatus is the visibility/settlement state of a balance item.
//
// Hidden items exist before the debt is legally owed: they give stock
// tracking and payment correlation a home while an online payment is still
// in flight. Canceled is terminal.
type ItemStatus string

const (
	StatusHidden   ItemStatus = "hidden"
	StatusDue      ItemStatus = "due"
	StatusPaid     ItemStatus = "paid"
	StatusCanceled ItemStatus = "canceled"
)

// Item is one owed/paid line in the ledger. Price fields are integer minor
// currency units. PricePaid and PricePending are caches recomputed from the
// full allocation set on every transition, never patched incrementally.
type Item struct {
	ID          uuid.UUID
	Type        ItemType
	Description string

	// Amount is the unit count; Price = Amount * UnitPrice for countable
	// items. Credits (discounts, cancellation adjustments) carry a negative
	// Price with Amount 1.
	Amount    int64
	UnitPrice int64
	Price     int64

	Status ItemStatus

	// Exactly one of PayerMemberID / PayerOrganizationID is set.
	PayerMemberID       *uuid.UUID
	PayerOrganizationID *uuid.UUID
	PayeeOrganizationID uuid.UUID

	RegistrationID *uuid.UUID
	OrderID        *uuid.UUID

	// DiscountRuleID together with RegistrationID forms the stable key under
	// which bundle discount items are updated in place.
	DiscountRuleID *uuid.UUID

	// MirrorOfID links a mirrored item (subject owes the paying organization
	// back) to its primary.
	MirrorOfID *uuid.UUID

	PricePaid    int64
	PricePending int64

	CreatedAt time.Time
}

// PriceOpen is the amount still uncovered: Price - PricePaid - PricePending.
func (i *Item) PriceOpen() int64 {
	return i.Price - i.PricePaid - i.PricePending
}

// AllocationState tracks one allocation's settlement progress.
type AllocationState string

const (
	AllocationPending AllocationState = "pending"
	AllocationPaid    AllocationState = "paid"
	AllocationFailed  AllocationState = "failed"
)

// Allocation links a balance item to a payment with the portion of the item's
// price that the payment covers. One payment may cover several items and one
// item may be split across retried payments.
type Allocation struct {
	ID            uuid.UUID
	BalanceItemID uuid.UUID
	PaymentID     uuid.UUID
	Price         int64
	State         AllocationState
	CreatedAt     time.Time
}

// Sentinel errors.
var (
	ErrItemNotFound   = errors.New("balance item not found")
	ErrOverAllocated  = errors.New("allocations exceed item price")
	ErrItemCanceled   = errors.New("balance item is canceled")
	ErrInvalidPayer   = errors.New("exactly one payer must be set")
	ErrPriceIncorrect = errors.New("price does not equal amount times unit price")
)

// Repository defines persistence for balance items and their allocations.
type Repository interface {
	CreateItem(ctx context.Context, item *Item) error
	UpdateItem(ctx context.Context, item *Item) error
	GetItems(ctx context.Context, ids []uuid.UUID) ([]*Item, error)
	ItemsForRegistration(ctx context.Context, registrationID uuid.UUID) ([]*Item, error)
	// MirrorsOf returns items whose MirrorOfID is one of the given ids.
	MirrorsOf(ctx context.Context, ids []uuid.UUID) ([]*Item, error)
	// FindDiscountItem locates a discount item by its stable key.
	FindDiscountItem(ctx context.Context, ruleID, registrationID uuid.UUID) (*Item, error)

	CreateAllocation(ctx context.Context, a *Allocation) error
	UpdateAllocation(ctx context.Context, a *Allocation) error
	AllocationsForItem(ctx context.Context, itemID uuid.UUID) ([]*Allocation, error)
	AllocationsForPayment(ctx context.Context, paymentID uuid.UUID) ([]*Allocation, error)
}
