package pricing

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pct(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ptr[T any](v T) *T { return &v }

func TestPercentOf_RoundsHalfUp(t *testing.T) {
	// 15% of 1.23 = 0.1845 -> 0.18.
	assert.Equal(t, int64(18), PercentOf(123, pct("15")))
	// 10% of 25 cents = 2.5 -> 3 (half-up)
	assert.Equal(t, int64(3), PercentOf(25, pct("10")))
	assert.Equal(t, int64(0), PercentOf(0, pct("50")))
	assert.Equal(t, int64(123), PercentOf(123, pct("100")))
}

func TestBundleDiscount_Ordinals(t *testing.T) {
	rule := &BundleRule{
		ID:          uuid.New(),
		Percentages: []decimal.Decimal{pct("10"), pct("20")},
	}

	assert.Equal(t, int64(0), BundleDiscount(rule, 1, 10_00))
	assert.Equal(t, int64(-1_00), BundleDiscount(rule, 2, 10_00))
	assert.Equal(t, int64(-2_00), BundleDiscount(rule, 3, 10_00))
	// The last percentage repeats for deeper ordinals.
	assert.Equal(t, int64(-2_00), BundleDiscount(rule, 5, 10_00))
	assert.Equal(t, int64(0), BundleDiscount(nil, 3, 10_00))
}

func snapWithGroup(price int64, bundle *BundleRule) (*Snapshot, uuid.UUID) {
	id := uuid.New()
	return &Snapshot{
		Groups:              map[uuid.UUID]Group{id: {ID: id, Price: price, Bundle: bundle}},
		ActiveRegistrations: map[uuid.UUID]int{},
	}, id
}

func TestPrice_SingleRegistration(t *testing.T) {
	snap, groupID := snapWithGroup(25_00, nil)
	member := uuid.New()

	q, err := Engine{}.Price(snap, Input{
		Lines: []Line{{MemberID: member, GroupID: &groupID, Quantity: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(25_00), q.Total)
	assert.Equal(t, int64(25_00), q.Lines[0].Base)
	assert.Nil(t, q.Lines[0].Discount)
}

func TestPrice_Deterministic(t *testing.T) {
	rule := &BundleRule{ID: uuid.New(), Percentages: []decimal.Decimal{pct("33.33")}}
	snap, groupID := snapWithGroup(9_99, rule)
	member := uuid.New()
	snap.ActiveRegistrations[member] = 1

	in := Input{
		Lines:             []Line{{MemberID: member, GroupID: &groupID, Quantity: 1}},
		AdministrationFee: 1_50,
	}

	first, err := Engine{}.Price(snap, in)
	require.NoError(t, err)
	second, err := Engine{}.Price(snap, in)
	require.NoError(t, err)
	assert.Equal(t, first, second, "two evaluations must be bit-identical")
}

func TestPrice_BundleCountsExistingAndCartRegistrations(t *testing.T) {
	rule := &BundleRule{ID: uuid.New(), Percentages: []decimal.Decimal{pct("10"), pct("20")}}
	snap, groupID := snapWithGroup(10_00, rule)
	member := uuid.New()
	// One existing registration: the first cart line is the member's 2nd.
	snap.ActiveRegistrations[member] = 1

	q, err := Engine{}.Price(snap, Input{
		Lines: []Line{
			{MemberID: member, GroupID: &groupID, Quantity: 1},
			{MemberID: member, GroupID: &groupID, Quantity: 1},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, q.Lines[0].Discount)
	assert.Equal(t, int64(-1_00), q.Lines[0].Discount.Price)
	require.NotNil(t, q.Lines[1].Discount)
	assert.Equal(t, int64(-2_00), q.Lines[1].Discount.Price)
	assert.Equal(t, int64(20_00-1_00-2_00), q.Total)
}

func TestPrice_ReplaceCreditsOldPriceMinusFee(t *testing.T) {
	snap, groupID := snapWithGroup(30_00, nil)
	member := uuid.New()

	// 0% fee: total owed is exactly the difference.
	q, err := Engine{}.Price(snap, Input{
		Lines: []Line{{
			MemberID: member, GroupID: &groupID, Quantity: 1,
			ReplacesPrice: ptr(int64(25_00)),
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5_00), q.Total)

	// 10% fee on the replaced price.
	q, err = Engine{}.Price(snap, Input{
		Lines: []Line{{
			MemberID: member, GroupID: &groupID, Quantity: 1,
			ReplacesPrice: ptr(int64(25_00)),
		}},
		CancellationFeePercent: pct("10"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(30_00-25_00+2_50), q.Total)
}

func TestPrice_ProductWithOptionsAndVoucher(t *testing.T) {
	productID := uuid.New()
	optionID := uuid.New()
	snap := &Snapshot{
		Products: map[uuid.UUID]Product{
			productID: {
				ID:    productID,
				Price: 12_00,
				Options: map[uuid.UUID]Option{
					optionID: {ID: optionID, Price: 2_00, MaxPerOrder: 4},
				},
			},
		},
		Vouchers: map[string]Voucher{
			"TENOFF": {Code: "TENOFF", Percentage: pct("10")},
		},
		ActiveRegistrations: map[uuid.UUID]int{},
	}

	q, err := Engine{}.Price(snap, Input{
		Lines: []Line{{
			MemberID:  uuid.New(),
			ProductID: &productID,
			OptionIDs: []uuid.UUID{optionID},
			Quantity:  2,
		}},
		VoucherCode: "TENOFF",
	})
	require.NoError(t, err)
	// 2 * (12.00 + 2.00) = 28.00, minus 10% = 25.20.
	assert.Equal(t, int64(-2_80), q.VoucherDiscount)
	assert.Equal(t, int64(25_20), q.Total)
}

func TestPrice_OptionMaximum(t *testing.T) {
	productID := uuid.New()
	optionID := uuid.New()
	snap := &Snapshot{
		Products: map[uuid.UUID]Product{
			productID: {
				ID:    productID,
				Price: 10_00,
				Options: map[uuid.UUID]Option{
					optionID: {ID: optionID, Price: 1_00, MaxPerOrder: 2},
				},
			},
		},
		ActiveRegistrations: map[uuid.UUID]int{},
	}

	_, err := Engine{}.Price(snap, Input{
		Lines: []Line{{
			MemberID:  uuid.New(),
			ProductID: &productID,
			OptionIDs: []uuid.UUID{optionID},
			Quantity:  3,
		}},
	})
	assert.ErrorIs(t, err, ErrOptionMaximum)
}

func TestPrice_Rejections(t *testing.T) {
	snap, groupID := snapWithGroup(10_00, nil)
	member := uuid.New()

	_, err := Engine{}.Price(snap, Input{
		Lines: []Line{{MemberID: member, GroupID: ptr(uuid.New()), Quantity: 1}},
	})
	assert.ErrorIs(t, err, ErrUnknownGroup)

	_, err = Engine{}.Price(snap, Input{
		Lines: []Line{{MemberID: member, GroupID: &groupID, Quantity: 0}},
	})
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = Engine{}.Price(snap, Input{
		Lines:             []Line{{MemberID: member, GroupID: &groupID, Quantity: 1}},
		AdministrationFee: -1,
	})
	assert.ErrorIs(t, err, ErrInvalidContribution)

	// A replace credit larger than everything owed would go negative.
	_, err = Engine{}.Price(snap, Input{
		Lines: []Line{{
			MemberID: member, GroupID: &groupID, Quantity: 1,
			ReplacesPrice: ptr(int64(99_00)),
		}},
	})
	assert.ErrorIs(t, err, ErrNegativeTotal)

	_, err = Engine{}.Price(snap, Input{
		Lines:       []Line{{MemberID: member, GroupID: &groupID, Quantity: 1}},
		VoucherCode: "NOPE",
	})
	assert.ErrorIs(t, err, ErrUnknownVoucher)
}
