package balance

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

// Ledger is the append-mostly store of owed/paid amounts. All mutating
// operations recompute the affected item's cached aggregates from the full
// allocation set plus the item's own status, which keeps them correct under
// replayed transitions.
type Ledger struct {
	repo Repository
	now  func() time.Time
}

// NewLedger creates a Ledger over the given repository.
func NewLedger(repo Repository) *Ledger {
	return &Ledger{repo: repo, now: time.Now}
}

// CreateItem validates and persists a new balance item. Countable items must
// satisfy Price == Amount * UnitPrice; credits pass Amount 1 with the signed
// price in both fields.
func (l *Ledger) CreateItem(ctx context.Context, item *Item) (*Item, error) {
	if (item.PayerMemberID == nil) == (item.PayerOrganizationID == nil) {
		return nil, ErrInvalidPayer
	}
	if item.Amount > 0 && item.Price != item.Amount*item.UnitPrice {
		return nil, ErrPriceIncorrect
	}
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.Status == "" {
		item.Status = StatusHidden
	}
	item.PricePaid = 0
	item.PricePending = 0
	item.CreatedAt = l.now()

	if err := l.repo.CreateItem(ctx, item); err != nil {
		return nil, errors.Wrap(err, "create item")
	}
	return item, nil
}

// Allocate links price minor units of an item to a payment. The sum of all
// allocations never exceeds the item's price (mirrored for credits).
func (l *Ledger) Allocate(ctx context.Context, itemID, paymentID uuid.UUID, price int64) (*Allocation, error) {
	item, err := l.getItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.Status == StatusCanceled {
		return nil, ErrItemCanceled
	}

	allocs, err := l.repo.AllocationsForItem(ctx, itemID)
	if err != nil {
		return nil, errors.Wrap(err, "load allocations")
	}
	var allocated int64
	for _, a := range allocs {
		if a.State != AllocationFailed {
			allocated += a.Price
		}
	}
	if overAllocated(item.Price, allocated+price) {
		return nil, errors.Wrapf(ErrOverAllocated, "item %s", itemID)
	}

	a := &Allocation{
		ID:            uuid.New(),
		BalanceItemID: itemID,
		PaymentID:     paymentID,
		Price:         price,
		State:         AllocationPending,
		CreatedAt:     l.now(),
	}
	if err := l.repo.CreateAllocation(ctx, a); err != nil {
		return nil, errors.Wrap(err, "create allocation")
	}
	if err := l.recomputeItem(ctx, item); err != nil {
		return nil, err
	}
	return a, nil
}

// overAllocated checks the allocation bound, handling credits whose price is
// negative.
func overAllocated(price, allocated int64) bool {
	if price >= 0 {
		return allocated > price
	}
	return allocated < price
}

// MarkPaid transitions all of a payment's allocations to paid and applies the
// paid side-effects: items become Paid when fully covered, and mirrored items
// of the paid ones become Due. Replaying it for the same payment is a no-op.
func (l *Ledger) MarkPaid(ctx context.Context, paymentID uuid.UUID) error {
	items, err := l.setAllocationStates(ctx, paymentID, AllocationPaid)
	if err != nil {
		return err
	}
	ids := make([]uuid.UUID, 0, len(items))
	for _, item := range items {
		if item.Status == StatusCanceled {
			continue
		}
		if item.PriceOpen() == 0 && item.PricePending == 0 {
			item.Status = StatusPaid
		} else {
			item.Status = StatusDue
		}
		if err := l.repo.UpdateItem(ctx, item); err != nil {
			return errors.Wrap(err, "update item")
		}
		ids = append(ids, item.ID)
	}

	// The subject's debt towards a paying organization becomes real once the
	// organization's own payment succeeded.
	mirrors, err := l.repo.MirrorsOf(ctx, ids)
	if err != nil {
		return errors.Wrap(err, "load mirrors")
	}
	for _, m := range mirrors {
		if m.Status == StatusHidden {
			m.Status = StatusDue
			if err := l.repo.UpdateItem(ctx, m); err != nil {
				return errors.Wrap(err, "update mirror")
			}
		}
	}
	return nil
}

// UndoPaid reverts the paid side-effects of a payment, returning its
// allocations to pending. Items drop back to Due and mirrors that never
// collected money drop back to Hidden.
func (l *Ledger) UndoPaid(ctx context.Context, paymentID uuid.UUID) error {
	items, err := l.setAllocationStates(ctx, paymentID, AllocationPending)
	if err != nil {
		return err
	}
	ids := make([]uuid.UUID, 0, len(items))
	for _, item := range items {
		if item.Status == StatusPaid {
			item.Status = StatusDue
			if err := l.repo.UpdateItem(ctx, item); err != nil {
				return errors.Wrap(err, "update item")
			}
		}
		ids = append(ids, item.ID)
	}

	mirrors, err := l.repo.MirrorsOf(ctx, ids)
	if err != nil {
		return errors.Wrap(err, "load mirrors")
	}
	for _, m := range mirrors {
		if m.Status == StatusDue && m.PricePaid == 0 && m.PricePending == 0 {
			m.Status = StatusHidden
			if err := l.repo.UpdateItem(ctx, m); err != nil {
				return errors.Wrap(err, "update mirror")
			}
		}
	}
	return nil
}

// MarkFailed transitions a payment's allocations to failed. The items keep
// their status: a failed checkout leaves its hidden items behind in their
// terminal state, a retried payment for due items leaves the debt due.
func (l *Ledger) MarkFailed(ctx context.Context, paymentID uuid.UUID) error {
	_, err := l.setAllocationStates(ctx, paymentID, AllocationFailed)
	return err
}

// UndoFailed returns a payment's failed allocations to pending, used when a
// provider corrects an earlier failure report.
func (l *Ledger) UndoFailed(ctx context.Context, paymentID uuid.UUID) error {
	_, err := l.setAllocationStates(ctx, paymentID, AllocationPending)
	return err
}

// MarkDue flips hidden items to due. Used when the owing party picks an
// offline payment method and the debt becomes immediately real.
func (l *Ledger) MarkDue(ctx context.Context, ids []uuid.UUID) error {
	items, err := l.repo.GetItems(ctx, ids)
	if err != nil {
		return errors.Wrap(err, "load items")
	}
	for _, item := range items {
		if item.Status == StatusHidden {
			item.Status = StatusDue
			if err := l.repo.UpdateItem(ctx, item); err != nil {
				return errors.Wrap(err, "update item")
			}
		}
	}
	return nil
}

// MarkPaidOutright settles items without a payment, used for zero-total
// checkouts where nothing is owed now.
func (l *Ledger) MarkPaidOutright(ctx context.Context, ids []uuid.UUID) error {
	items, err := l.repo.GetItems(ctx, ids)
	if err != nil {
		return errors.Wrap(err, "load items")
	}
	for _, item := range items {
		if item.Status == StatusCanceled {
			continue
		}
		item.Status = StatusPaid
		if err := l.repo.UpdateItem(ctx, item); err != nil {
			return errors.Wrap(err, "update item")
		}
	}
	return nil
}

// CancelItems marks items canceled. Canceled is terminal: the items are
// excluded from discount recomputation and further allocation.
func (l *Ledger) CancelItems(ctx context.Context, ids []uuid.UUID) error {
	items, err := l.repo.GetItems(ctx, ids)
	if err != nil {
		return errors.Wrap(err, "load items")
	}
	for _, item := range items {
		item.Status = StatusCanceled
		if err := l.repo.UpdateItem(ctx, item); err != nil {
			return errors.Wrap(err, "update item")
		}
	}
	return nil
}

// UpsertDiscount creates or updates in place the discount item identified by
// (ruleID, registrationID). Recomputing an unchanged registration set yields
// the same item id and price, never a duplicate.
func (l *Ledger) UpsertDiscount(ctx context.Context, template *Item) (*Item, error) {
	if template.DiscountRuleID == nil || template.RegistrationID == nil {
		return nil, errors.New("discount requires rule and registration ids")
	}
	existing, err := l.repo.FindDiscountItem(ctx, *template.DiscountRuleID, *template.RegistrationID)
	if err != nil && !errors.Is(err, ErrItemNotFound) {
		return nil, errors.Wrap(err, "find discount item")
	}
	if existing == nil {
		// A recompute that lands on zero with nothing recorded records
		// nothing.
		if template.Price == 0 {
			return nil, nil
		}
		template.Type = TypeBundleDiscount
		return l.CreateItem(ctx, template)
	}
	if existing.Status == StatusCanceled {
		return existing, nil
	}
	existing.Price = template.Price
	existing.UnitPrice = template.Price
	existing.Description = template.Description
	if err := l.repo.UpdateItem(ctx, existing); err != nil {
		return nil, errors.Wrap(err, "update discount item")
	}
	return existing, nil
}

// RecomputeOutstanding refreshes the cached aggregates of the given items
// from their full allocation sets.
func (l *Ledger) RecomputeOutstanding(ctx context.Context, ids []uuid.UUID) error {
	items, err := l.repo.GetItems(ctx, ids)
	if err != nil {
		return errors.Wrap(err, "load items")
	}
	for _, item := range items {
		if err := l.recomputeItem(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

// ItemsForRegistration exposes the repository lookup for callers computing
// open balances.
func (l *Ledger) ItemsForRegistration(ctx context.Context, registrationID uuid.UUID) ([]*Item, error) {
	return l.repo.ItemsForRegistration(ctx, registrationID)
}

// Items loads the given items. Missing ids fail with ErrItemNotFound.
func (l *Ledger) Items(ctx context.Context, ids []uuid.UUID) ([]*Item, error) {
	items, err := l.repo.GetItems(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "load items")
	}
	if len(items) != len(ids) {
		return nil, ErrItemNotFound
	}
	return items, nil
}

// OpenAmountForRegistration sums the open price over a registration's
// non-canceled items.
func (l *Ledger) OpenAmountForRegistration(ctx context.Context, registrationID uuid.UUID) (int64, error) {
	items, err := l.repo.ItemsForRegistration(ctx, registrationID)
	if err != nil {
		return 0, errors.Wrap(err, "load items")
	}
	var open int64
	for _, item := range items {
		if item.Status != StatusCanceled {
			open += item.PriceOpen()
		}
	}
	return open, nil
}

// setAllocationStates moves all of a payment's allocations to state and
// recomputes every touched item, returning the recomputed items.
func (l *Ledger) setAllocationStates(ctx context.Context, paymentID uuid.UUID, state AllocationState) ([]*Item, error) {
	allocs, err := l.repo.AllocationsForPayment(ctx, paymentID)
	if err != nil {
		return nil, errors.Wrap(err, "load allocations")
	}

	touched := make([]uuid.UUID, 0, len(allocs))
	for _, a := range allocs {
		if a.State != state {
			a.State = state
			if err := l.repo.UpdateAllocation(ctx, a); err != nil {
				return nil, errors.Wrap(err, "update allocation")
			}
		}
		touched = append(touched, a.BalanceItemID)
	}

	items := make([]*Item, 0, len(touched))
	for _, id := range touched {
		item, err := l.getItem(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := l.recomputeItem(ctx, item); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// recomputeItem rebuilds PricePaid and PricePending from the item's full
// allocation set.
func (l *Ledger) recomputeItem(ctx context.Context, item *Item) error {
	allocs, err := l.repo.AllocationsForItem(ctx, item.ID)
	if err != nil {
		return errors.Wrap(err, "load allocations")
	}
	var paid, pending int64
	for _, a := range allocs {
		switch a.State {
		case AllocationPaid:
			paid += a.Price
		case AllocationPending:
			pending += a.Price
		}
	}
	item.PricePaid = paid
	item.PricePending = pending
	if err := l.repo.UpdateItem(ctx, item); err != nil {
		return errors.Wrap(err, "update item")
	}
	return nil
}

func (l *Ledger) getItem(ctx context.Context, id uuid.UUID) (*Item, error) {
	items, err := l.repo.GetItems(ctx, []uuid.UUID{id})
	if err != nil {
		return nil, errors.Wrap(err, "load item")
	}
	if len(items) == 0 {
		return nil, errors.Wrapf(ErrItemNotFound, "%s", id)
	}
	return items[0], nil
}
