package balance

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(id uuid.UUID) *uuid.UUID { return &id }

func newTestLedger() (*Ledger, *MemoryRepository) {
	repo := NewMemoryRepository()
	return NewLedger(repo), repo
}

func newFeeItem(t *testing.T, l *Ledger, price int64) *Item {
	t.Helper()
	member := uuid.New()
	item, err := l.CreateItem(context.Background(), &Item{
		Type:                TypeRegistrationFee,
		Amount:              1,
		UnitPrice:           price,
		Price:               price,
		PayerMemberID:       ptr(member),
		PayeeOrganizationID: uuid.New(),
	})
	require.NoError(t, err)
	return item
}

func reload(t *testing.T, l *Ledger, id uuid.UUID) *Item {
	t.Helper()
	item, err := l.getItem(context.Background(), id)
	require.NoError(t, err)
	return item
}

func TestCreateItem_Validation(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	_, err := l.CreateItem(ctx, &Item{Type: TypeRegistrationFee, Amount: 1, UnitPrice: 100, Price: 100})
	assert.ErrorIs(t, err, ErrInvalidPayer)

	member := uuid.New()
	_, err = l.CreateItem(ctx, &Item{
		Type: TypeRegistrationFee, Amount: 2, UnitPrice: 100, Price: 150,
		PayerMemberID: ptr(member), PayeeOrganizationID: uuid.New(),
	})
	assert.ErrorIs(t, err, ErrPriceIncorrect)

	item, err := l.CreateItem(ctx, &Item{
		Type: TypeRegistrationFee, Amount: 2, UnitPrice: 100, Price: 200,
		PayerMemberID: ptr(member), PayeeOrganizationID: uuid.New(),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusHidden, item.Status)
	assert.Equal(t, int64(200), item.PriceOpen())
}

func TestAllocate_BoundsAndAggregates(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	item := newFeeItem(t, l, 2500)
	paymentA := uuid.New()

	_, err := l.Allocate(ctx, item.ID, paymentA, 2000)
	require.NoError(t, err)

	got := reload(t, l, item.ID)
	assert.Equal(t, int64(0), got.PricePaid)
	assert.Equal(t, int64(2000), got.PricePending)
	assert.Equal(t, int64(500), got.PriceOpen())

	// Exceeding the item price is rejected.
	_, err = l.Allocate(ctx, item.ID, uuid.New(), 600)
	assert.ErrorIs(t, err, ErrOverAllocated)

	// Filling up to the exact price is fine.
	_, err = l.Allocate(ctx, item.ID, uuid.New(), 500)
	require.NoError(t, err)
	assert.Equal(t, int64(0), reload(t, l, item.ID).PriceOpen())
}

func TestAllocate_FailedAllocationsFreeTheBudget(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	item := newFeeItem(t, l, 1000)

	failed := uuid.New()
	_, err := l.Allocate(ctx, item.ID, failed, 1000)
	require.NoError(t, err)
	require.NoError(t, l.MarkFailed(ctx, failed))

	// A retried payment may allocate the full price again.
	_, err = l.Allocate(ctx, item.ID, uuid.New(), 1000)
	require.NoError(t, err)
}

func TestAggregateIdentity_HoldsAfterAnyTransitionSequence(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	item := newFeeItem(t, l, 3000)
	payment := uuid.New()

	_, err := l.Allocate(ctx, item.ID, payment, 3000)
	require.NoError(t, err)

	steps := []func(context.Context, uuid.UUID) error{
		l.MarkPaid, l.UndoPaid, l.MarkFailed, l.UndoFailed, l.MarkPaid, l.MarkPaid,
	}
	for i, step := range steps {
		require.NoError(t, step(ctx, payment), "step %d", i)
		got := reload(t, l, item.ID)
		assert.Equal(t, got.Price, got.PriceOpen()+got.PricePaid+got.PricePending,
			"identity violated after step %d", i)
	}

	got := reload(t, l, item.ID)
	assert.Equal(t, int64(3000), got.PricePaid)
	assert.Equal(t, StatusPaid, got.Status)
}

func TestMarkPaid_Replay_IsNoOp(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	item := newFeeItem(t, l, 2500)
	payment := uuid.New()

	_, err := l.Allocate(ctx, item.ID, payment, 2500)
	require.NoError(t, err)

	require.NoError(t, l.MarkPaid(ctx, payment))
	first := reload(t, l, item.ID)

	require.NoError(t, l.MarkPaid(ctx, payment))
	second := reload(t, l, item.ID)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(2500), second.PricePaid)
	assert.Equal(t, StatusPaid, second.Status)
}

func TestProviderCorrection_SucceededThenFailed_Reverts(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	item := newFeeItem(t, l, 2500)
	payment := uuid.New()

	_, err := l.Allocate(ctx, item.ID, payment, 2500)
	require.NoError(t, err)

	require.NoError(t, l.MarkPaid(ctx, payment))
	require.Equal(t, int64(2500), reload(t, l, item.ID).PricePaid)

	// Provider corrects itself: undo paid effects, then apply the failure.
	require.NoError(t, l.UndoPaid(ctx, payment))
	require.NoError(t, l.MarkFailed(ctx, payment))

	got := reload(t, l, item.ID)
	assert.Equal(t, int64(0), got.PricePaid)
	assert.Equal(t, int64(0), got.PricePending)
	assert.Equal(t, int64(2500), got.PriceOpen())
	assert.NotEqual(t, StatusPaid, got.Status)
}

func TestMarkPaid_FlipsMirrorsToDue(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	payerOrg := uuid.New()
	primary, err := l.CreateItem(ctx, &Item{
		Type: TypeRegistrationFee, Amount: 1, UnitPrice: 2500, Price: 2500,
		PayerOrganizationID: ptr(payerOrg),
		PayeeOrganizationID: uuid.New(),
	})
	require.NoError(t, err)

	member := uuid.New()
	mirror, err := l.CreateItem(ctx, &Item{
		Type: TypeRegistrationFee, Amount: 1, UnitPrice: 2500, Price: 2500,
		PayerMemberID:       ptr(member),
		PayeeOrganizationID: payerOrg,
		MirrorOfID:          ptr(primary.ID),
	})
	require.NoError(t, err)
	require.Equal(t, StatusHidden, mirror.Status)

	payment := uuid.New()
	_, err = l.Allocate(ctx, primary.ID, payment, 2500)
	require.NoError(t, err)
	require.NoError(t, l.MarkPaid(ctx, payment))

	assert.Equal(t, StatusDue, reload(t, l, mirror.ID).Status)

	// Reverting the organization's payment hides the member's debt again.
	require.NoError(t, l.UndoPaid(ctx, payment))
	assert.Equal(t, StatusHidden, reload(t, l, mirror.ID).Status)
}

func TestUpsertDiscount_Idempotent(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	rule := uuid.New()
	reg := uuid.New()
	member := uuid.New()
	template := func(price int64) *Item {
		return &Item{
			Description:         "bundle discount",
			Amount:              1,
			UnitPrice:           price,
			Price:               price,
			PayerMemberID:       ptr(member),
			PayeeOrganizationID: uuid.New(),
			RegistrationID:      ptr(reg),
			DiscountRuleID:      ptr(rule),
		}
	}

	first, err := l.UpsertDiscount(ctx, template(-250))
	require.NoError(t, err)
	assert.Equal(t, TypeBundleDiscount, first.Type)

	// Same registration set: same item, same price, no duplicate.
	again, err := l.UpsertDiscount(ctx, template(-250))
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, int64(-250), again.Price)

	// Changed set updates the price in place.
	updated, err := l.UpsertDiscount(ctx, template(-500))
	require.NoError(t, err)
	assert.Equal(t, first.ID, updated.ID)
	assert.Equal(t, int64(-500), updated.Price)
}

func TestCancelItems_TerminalAndExcluded(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	item := newFeeItem(t, l, 1000)

	require.NoError(t, l.CancelItems(ctx, []uuid.UUID{item.ID}))
	assert.Equal(t, StatusCanceled, reload(t, l, item.ID).Status)

	_, err := l.Allocate(ctx, item.ID, uuid.New(), 100)
	assert.ErrorIs(t, err, ErrItemCanceled)

	open, err := l.OpenAmountForRegistration(ctx, uuid.New())
	require.NoError(t, err)
	assert.Zero(t, open)
}

func TestMarkDue_OnlyHiddenItems(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	hidden := newFeeItem(t, l, 1000)
	paid := newFeeItem(t, l, 500)
	require.NoError(t, l.MarkPaidOutright(ctx, []uuid.UUID{paid.ID}))

	require.NoError(t, l.MarkDue(ctx, []uuid.UUID{hidden.ID, paid.ID}))
	assert.Equal(t, StatusDue, reload(t, l, hidden.ID).Status)
	assert.Equal(t, StatusPaid, reload(t, l, paid.ID).Status)
}
