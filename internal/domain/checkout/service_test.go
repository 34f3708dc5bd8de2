package checkout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/settle/internal/domain/balance"
	"github.com/xenking/settle/internal/domain/capacity"
	"github.com/xenking/settle/internal/domain/order"
	"github.com/xenking/settle/internal/domain/payment"
	"github.com/xenking/settle/internal/domain/pricing"
	"github.com/xenking/settle/internal/domain/registration"
	"github.com/xenking/settle/pkg/keyedmutex"
	"github.com/xenking/settle/pkg/ratelimit"
)

func ptr[T any](v T) *T { return &v }

type memStore struct{}

func (memStore) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

type stubCatalog struct{ snap *pricing.Snapshot }

func (c stubCatalog) Snapshot(context.Context, uuid.UUID) (*pricing.Snapshot, error) {
	return c.snap, nil
}

type stubSubjects struct {
	missing    map[uuid.UUID]bool
	demo       bool
	denyWrite  bool
	denyDelete bool
	denyPayAs  bool
}

func (s *stubSubjects) MemberExists(_ context.Context, id uuid.UUID) (bool, error) {
	return !s.missing[id], nil
}

func (s *stubSubjects) CanWriteMember(context.Context, Actor, uuid.UUID) (bool, error) {
	return !s.denyWrite, nil
}

func (s *stubSubjects) CanDeleteRegistration(context.Context, Actor, *registration.Registration) (bool, error) {
	return !s.denyDelete, nil
}

func (s *stubSubjects) CanPayAsOrganization(context.Context, Actor, uuid.UUID) (bool, error) {
	return !s.denyPayAs, nil
}

func (s *stubSubjects) IsDemoOrganization(context.Context, uuid.UUID) (bool, error) {
	return s.demo, nil
}

// steadyCapacityRepo recounts from the live counters so a boundary recount
// keeps what the checkout wrote.
type steadyCapacityRepo struct{ *capacity.MemoryRepository }

func (r *steadyCapacityRepo) CountClaims(ctx context.Context, id uuid.UUID) (int64, int64, error) {
	res, err := r.Get(ctx, id)
	if err != nil {
		return 0, 0, err
	}
	return res.Reserved, res.Committed, nil
}

type fakeProvider struct {
	intent    *payment.Intent
	intentErr error
	status    payment.ProviderStatus
}

func (f *fakeProvider) CreateIntent(context.Context, *payment.Payment, payment.IntentRequest) (*payment.Intent, error) {
	if f.intentErr != nil {
		return nil, f.intentErr
	}
	return f.intent, nil
}

func (f *fakeProvider) GetStatus(context.Context, string) (payment.ProviderStatus, error) {
	return f.status, nil
}

func (f *fakeProvider) Cancel(context.Context, string) (bool, error) { return true, nil }

type fixture struct {
	actor    Actor
	snap     *pricing.Snapshot
	subjects *stubSubjects

	regs    *registration.MemoryRepository
	orders  *order.MemoryRepository
	pays    *payment.MemoryRepository
	capRepo *steadyCapacityRepo
	caps    *capacity.Ledger
	balRepo *balance.MemoryRepository
	bals    *balance.Ledger

	provider *fakeProvider
	notified []uuid.UUID

	svc *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		actor: Actor{MemberID: uuid.New(), OrganizationID: uuid.New()},
		snap: &pricing.Snapshot{
			Groups:              map[uuid.UUID]pricing.Group{},
			Products:            map[uuid.UUID]pricing.Product{},
			Vouchers:            map[string]pricing.Voucher{},
			ActiveRegistrations: map[uuid.UUID]int{},
		},
		subjects: &stubSubjects{missing: map[uuid.UUID]bool{}},
		regs:     registration.NewMemoryRepository(),
		orders:   order.NewMemoryRepository(),
		pays:     payment.NewMemoryRepository(),
		capRepo:  &steadyCapacityRepo{capacity.NewMemoryRepository()},
		balRepo:  balance.NewMemoryRepository(),
		provider: &fakeProvider{
			intent: &payment.Intent{ProviderRef: "tr_1", CheckoutURL: "https://pay.example/tr_1"},
			status: payment.ProviderStatusOpen,
		},
	}
	f.caps = capacity.NewLedger(f.capRepo)
	f.bals = balance.NewLedger(f.balRepo)

	registry := payment.NewRegistry()
	registry.Register(payment.ProviderMollie, f.provider, payment.MethodIDEAL, payment.MethodCard)

	f.svc = NewService(Options{
		Store:         memStore{},
		Catalog:       stubCatalog{snap: f.snap},
		Subjects:      f.subjects,
		Registrations: f.regs,
		Orders:        f.orders,
		Payments:      f.pays,
		Capacities:    f.caps,
		Balances:      f.bals,
		Gateway:       payment.NewGateway(f.pays, f.bals, registry),
		Mutex:         keyedmutex.New(),
		NotifyRateLimited: func(_ context.Context, orgID uuid.UUID) {
			f.notified = append(f.notified, orgID)
		},
	})
	return f
}

func (f *fixture) addGroup(price int64, maxMembers *int64) uuid.UUID {
	id := uuid.New()
	f.snap.Groups[id] = pricing.Group{ID: id, Price: price, Cycle: 1}
	f.capRepo.Add(&capacity.Resource{ID: id, Kind: capacity.KindGroup, MaxCapacity: maxMembers})
	return id
}

func (f *fixture) occupancy(t *testing.T, id uuid.UUID) capacity.Occupancy {
	t.Helper()
	occ, err := f.caps.Occupancy(context.Background(), id)
	require.NoError(t, err)
	return occ
}

func regRequest(member, group uuid.UUID, total int64, method payment.Method) Request {
	g := group
	return Request{
		Cart:       Cart{Items: []CartItem{{MemberID: member, GroupID: &g, Quantity: 1}}},
		Method:     method,
		TotalPrice: total,
	}
}

func TestDo_SingleRegistrationCash(t *testing.T) {
	f := newFixture(t)
	group := f.addGroup(25_00, ptr(int64(10)))
	member := uuid.New()

	res, err := f.svc.Do(context.Background(), f.actor, regRequest(member, group, 25_00, payment.MethodCash))
	require.NoError(t, err)

	require.Len(t, res.Registrations, 1)
	reg := res.Registrations[0]
	assert.Equal(t, registration.StatusActive, reg.Status)
	assert.Equal(t, int64(25_00), reg.Price)

	require.NotNil(t, res.Payment)
	assert.Equal(t, payment.StatusSucceeded, res.Payment.Status)
	assert.Empty(t, res.PaymentURL)

	items, err := f.bals.ItemsForRegistration(context.Background(), reg.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, balance.StatusPaid, items[0].Status)
	assert.Equal(t, int64(25_00), items[0].PricePaid)

	occ := f.occupancy(t, group)
	assert.Equal(t, int64(0), occ.Reserved)
	assert.Equal(t, int64(1), occ.Committed)
}

func TestDo_OnlineReturnsPaymentURL(t *testing.T) {
	f := newFixture(t)
	group := f.addGroup(25_00, nil)
	member := uuid.New()

	req := regRequest(member, group, 25_00, payment.MethodIDEAL)
	req.RedirectURL = "https://shop.example/done"
	req.CancelURL = "https://shop.example/cancel"

	res, err := f.svc.Do(context.Background(), f.actor, req)
	require.NoError(t, err)
	assert.Equal(t, "https://pay.example/tr_1", res.PaymentURL)
	assert.Equal(t, payment.StatusPending, res.Payment.Status)
	assert.Equal(t, "tr_1", res.Payment.ProviderRef)

	items, err := f.bals.ItemsForRegistration(context.Background(), res.Registrations[0].ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	// The intent exists but no money has moved. The item surfaces only once
	// reconciliation sees the provider succeed.
	assert.Equal(t, balance.StatusHidden, items[0].Status)
	assert.Equal(t, int64(25_00), items[0].PricePending)
}

func TestDo_ChangedPriceRejectsBeforeMutation(t *testing.T) {
	f := newFixture(t)
	group := f.addGroup(30_00, ptr(int64(10)))
	member := uuid.New()

	_, err := f.svc.Do(context.Background(), f.actor, regRequest(member, group, 25_00, payment.MethodCash))
	assert.ErrorIs(t, err, ErrChangedPrice)

	_, err = f.regs.GetActive(context.Background(), member, group, 1)
	assert.ErrorIs(t, err, registration.ErrNotFound)

	occ := f.occupancy(t, group)
	assert.Equal(t, int64(0), occ.Reserved+occ.Committed)
}

func TestDo_ConcurrentCheckoutsRespectCapacity(t *testing.T) {
	f := newFixture(t)
	group := f.addGroup(25_00, ptr(int64(1)))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Do(context.Background(), f.actor,
				regRequest(uuid.New(), group, 25_00, payment.MethodCash))
		}(i)
	}
	wg.Wait()

	var ok, exceeded int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, capacity.ErrCapacityExceeded):
			exceeded++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, exceeded)

	occ := f.occupancy(t, group)
	assert.LessOrEqual(t, occ.Reserved+occ.Committed, int64(1))
}

func TestDo_ReplaceOwesDifference(t *testing.T) {
	f := newFixture(t)
	oldGroup := f.addGroup(25_00, ptr(int64(10)))
	newGroup := f.addGroup(30_00, ptr(int64(10)))
	member := uuid.New()

	old := &registration.Registration{
		ID:           uuid.New(),
		MemberID:     member,
		GroupID:      oldGroup,
		Cycle:        1,
		Status:       registration.StatusActive,
		Price:        25_00,
		RegisteredAt: time.Now().Add(-30 * 24 * time.Hour),
	}
	require.NoError(t, f.regs.Create(context.Background(), old))
	require.NoError(t, f.caps.Commit(context.Background(), oldGroup, 1))

	req := Request{
		Cart: Cart{Items: []CartItem{{
			MemberID:               member,
			GroupID:                &newGroup,
			Quantity:               1,
			ReplacesRegistrationID: &old.ID,
		}}},
		Method:                 payment.MethodCash,
		TotalPrice:             5_00,
		CancellationFeePercent: ptr(decimal.Zero),
	}

	res, err := f.svc.Do(context.Background(), f.actor, req)
	require.NoError(t, err)

	replaced, err := f.regs.Get(context.Background(), old.ID)
	require.NoError(t, err)
	assert.Equal(t, registration.StatusDeactivated, replaced.Status)

	require.Len(t, res.Registrations, 1)
	assert.Equal(t, registration.StatusActive, res.Registrations[0].Status)
	assert.Equal(t, int64(5_00), res.Payment.Price)

	oldOcc := f.occupancy(t, oldGroup)
	assert.Equal(t, int64(0), oldOcc.Committed)
	newOcc := f.occupancy(t, newGroup)
	assert.Equal(t, int64(1), newOcc.Committed)
}

func TestDo_ReplaceWithFeeChargesPercentage(t *testing.T) {
	f := newFixture(t)
	oldGroup := f.addGroup(25_00, nil)
	newGroup := f.addGroup(30_00, nil)
	member := uuid.New()

	old := &registration.Registration{
		ID:       uuid.New(),
		MemberID: member,
		GroupID:  oldGroup,
		Cycle:    1,
		Status:   registration.StatusActive,
		Price:    25_00,
	}
	require.NoError(t, f.regs.Create(context.Background(), old))
	require.NoError(t, f.caps.Commit(context.Background(), oldGroup, 1))

	req := Request{
		Cart: Cart{Items: []CartItem{{
			MemberID:               member,
			GroupID:                &newGroup,
			Quantity:               1,
			ReplacesRegistrationID: &old.ID,
		}}},
		Method: payment.MethodCash,
		// 30.00 - (25.00 - 10% of 25.00) = 7.50.
		TotalPrice:             7_50,
		CancellationFeePercent: ptr(decimal.NewFromInt(10)),
	}

	res, err := f.svc.Do(context.Background(), f.actor, req)
	require.NoError(t, err)
	assert.Equal(t, int64(7_50), res.Payment.Price)
}

func TestDo_InvalidCancellationFeeRejectsBeforeMutation(t *testing.T) {
	f := newFixture(t)
	group := f.addGroup(25_00, nil)
	member := uuid.New()

	for _, fee := range []decimal.Decimal{decimal.NewFromInt(-1), decimal.NewFromInt(150)} {
		req := regRequest(member, group, 25_00, payment.MethodCash)
		req.CancellationFeePercent = ptr(fee)
		_, err := f.svc.Do(context.Background(), f.actor, req)
		assert.ErrorIs(t, err, ErrInvalidCancellationFee)
	}

	_, err := f.regs.GetActive(context.Background(), member, group, 1)
	assert.ErrorIs(t, err, registration.ErrNotFound)
}

func TestDo_ReusesRecentlyDeactivatedRegistration(t *testing.T) {
	f := newFixture(t)
	group := f.addGroup(25_00, nil)
	member := uuid.New()

	old := &registration.Registration{
		ID:            uuid.New(),
		MemberID:      member,
		GroupID:       group,
		Cycle:         1,
		Status:        registration.StatusDeactivated,
		Price:         25_00,
		DeactivatedAt: ptr(time.Now().Add(-24 * time.Hour)),
	}
	require.NoError(t, f.regs.Create(context.Background(), old))

	res, err := f.svc.Do(context.Background(), f.actor, regRequest(member, group, 25_00, payment.MethodCash))
	require.NoError(t, err)
	require.Len(t, res.Registrations, 1)
	assert.Equal(t, old.ID, res.Registrations[0].ID, "recently deactivated registration revives under its id")
	assert.Equal(t, registration.StatusActive, res.Registrations[0].Status)
}

func TestDo_StaleDeactivationGetsFreshRegistration(t *testing.T) {
	f := newFixture(t)
	group := f.addGroup(25_00, nil)
	member := uuid.New()

	old := &registration.Registration{
		ID:            uuid.New(),
		MemberID:      member,
		GroupID:       group,
		Cycle:         1,
		Status:        registration.StatusDeactivated,
		Price:         25_00,
		DeactivatedAt: ptr(time.Now().Add(-8 * 24 * time.Hour)),
	}
	require.NoError(t, f.regs.Create(context.Background(), old))

	res, err := f.svc.Do(context.Background(), f.actor, regRequest(member, group, 25_00, payment.MethodCash))
	require.NoError(t, err)
	require.Len(t, res.Registrations, 1)
	assert.NotEqual(t, old.ID, res.Registrations[0].ID)
}

func TestDo_OutstandingBalanceBlocksReuse(t *testing.T) {
	f := newFixture(t)
	group := f.addGroup(25_00, nil)
	member := uuid.New()

	old := &registration.Registration{
		ID:            uuid.New(),
		MemberID:      member,
		GroupID:       group,
		Cycle:         1,
		Status:        registration.StatusDeactivated,
		Price:         25_00,
		DeactivatedAt: ptr(time.Now().Add(-24 * time.Hour)),
	}
	require.NoError(t, f.regs.Create(context.Background(), old))

	// Unpaid due item on the old registration.
	item, err := f.bals.CreateItem(context.Background(), &balance.Item{
		Type:                balance.TypeRegistrationFee,
		Amount:              1,
		UnitPrice:           25_00,
		Price:               25_00,
		PayerMemberID:       &member,
		PayeeOrganizationID: f.actor.OrganizationID,
		RegistrationID:      &old.ID,
	})
	require.NoError(t, err)
	require.NoError(t, f.bals.MarkDue(context.Background(), []uuid.UUID{item.ID}))

	res, err := f.svc.Do(context.Background(), f.actor, regRequest(member, group, 25_00, payment.MethodCash))
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, res.Registrations[0].ID)
}

func TestDo_ValidationRejections(t *testing.T) {
	f := newFixture(t)
	group := f.addGroup(25_00, nil)
	member := uuid.New()

	_, err := f.svc.Do(context.Background(), f.actor, Request{Method: payment.MethodCash})
	assert.ErrorIs(t, err, ErrEmptyCart)

	req := regRequest(member, group, 25_00, payment.Method("wire"))
	_, err = f.svc.Do(context.Background(), f.actor, req)
	assert.ErrorIs(t, err, ErrInvalidPaymentMethod)

	req = regRequest(member, group, 25_00, payment.MethodIDEAL)
	_, err = f.svc.Do(context.Background(), f.actor, req)
	assert.ErrorIs(t, err, ErrMissingRedirectURLs)

	g := group
	req = Request{
		Cart: Cart{Items: []CartItem{
			{MemberID: member, GroupID: &g, Quantity: 1},
			{MemberID: member, GroupID: &g, Quantity: 1},
		}},
		Method:     payment.MethodCash,
		TotalPrice: 50_00,
	}
	_, err = f.svc.Do(context.Background(), f.actor, req)
	assert.ErrorIs(t, err, ErrDuplicateCartItem)

	ghost := uuid.New()
	f.subjects.missing[ghost] = true
	_, err = f.svc.Do(context.Background(), f.actor, regRequest(ghost, group, 25_00, payment.MethodCash))
	assert.ErrorIs(t, err, ErrInvalidMember)

	_, err = f.svc.Do(context.Background(), f.actor, regRequest(member, uuid.New(), 25_00, payment.MethodCash))
	assert.ErrorIs(t, err, ErrInvalidResource)
}

func TestDo_AlreadyRegistered(t *testing.T) {
	f := newFixture(t)
	group := f.addGroup(25_00, nil)
	member := uuid.New()

	_, err := f.svc.Do(context.Background(), f.actor, regRequest(member, group, 25_00, payment.MethodCash))
	require.NoError(t, err)

	_, err = f.svc.Do(context.Background(), f.actor, regRequest(member, group, 25_00, payment.MethodCash))
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestDo_PermissionDenied(t *testing.T) {
	f := newFixture(t)
	group := f.addGroup(25_00, nil)
	member := uuid.New()

	f.subjects.denyWrite = true
	_, err := f.svc.Do(context.Background(), f.actor, regRequest(member, group, 25_00, payment.MethodCash))
	var denied *PermissionDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, PermissionEditMember, denied.Reason)

	f.subjects.denyWrite = false
	f.subjects.denyPayAs = true
	req := regRequest(member, group, 25_00, payment.MethodCash)
	req.AsOrganizationID = ptr(uuid.New())
	_, err = f.svc.Do(context.Background(), f.actor, req)
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, PermissionPayAsOrganization, denied.Reason)
}

func TestDo_ProviderFailureCompensates(t *testing.T) {
	f := newFixture(t)
	group := f.addGroup(25_00, ptr(int64(10)))
	member := uuid.New()
	f.provider.intentErr = errors.New("provider down")

	req := regRequest(member, group, 25_00, payment.MethodIDEAL)
	req.RedirectURL = "https://shop.example/done"
	req.CancelURL = "https://shop.example/cancel"

	_, err := f.svc.Do(context.Background(), f.actor, req)
	require.Error(t, err)

	occ := f.occupancy(t, group)
	assert.Equal(t, int64(0), occ.Reserved+occ.Committed, "reservation released")

	_, err = f.regs.GetActive(context.Background(), member, group, 1)
	assert.ErrorIs(t, err, registration.ErrNotFound, "claim withdrawn")
}

func TestDo_ProviderFailureRestoresReplaced(t *testing.T) {
	f := newFixture(t)
	oldGroup := f.addGroup(25_00, ptr(int64(10)))
	newGroup := f.addGroup(30_00, ptr(int64(10)))
	member := uuid.New()
	f.provider.intentErr = errors.New("provider down")

	old := &registration.Registration{
		ID:           uuid.New(),
		MemberID:     member,
		GroupID:      oldGroup,
		Cycle:        1,
		Status:       registration.StatusActive,
		Price:        25_00,
		RegisteredAt: time.Now().Add(-30 * 24 * time.Hour),
	}
	require.NoError(t, f.regs.Create(context.Background(), old))
	require.NoError(t, f.caps.Commit(context.Background(), oldGroup, 1))

	req := Request{
		Cart: Cart{Items: []CartItem{{
			MemberID:               member,
			GroupID:                &newGroup,
			Quantity:               1,
			ReplacesRegistrationID: &old.ID,
		}}},
		Method:                 payment.MethodIDEAL,
		RedirectURL:            "https://shop.example/done",
		CancelURL:              "https://shop.example/cancel",
		TotalPrice:             5_00,
		CancellationFeePercent: ptr(decimal.Zero),
	}

	_, err := f.svc.Do(context.Background(), f.actor, req)
	require.Error(t, err)

	// The replacement never settled, so the old registration survives.
	restored, err := f.regs.Get(context.Background(), old.ID)
	require.NoError(t, err)
	assert.Equal(t, registration.StatusActive, restored.Status)
	assert.Nil(t, restored.DeactivatedAt)

	_, err = f.regs.GetActive(context.Background(), member, newGroup, 1)
	assert.ErrorIs(t, err, registration.ErrNotFound)

	oldOcc := f.occupancy(t, oldGroup)
	assert.Equal(t, int64(1), oldOcc.Committed, "old claim keeps its seat")
	newOcc := f.occupancy(t, newGroup)
	assert.Equal(t, int64(0), newOcc.Reserved+newOcc.Committed)
}

func TestDo_ProviderFailureCancelsMirrors(t *testing.T) {
	f := newFixture(t)
	group := f.addGroup(25_00, nil)
	member := uuid.New()
	payingOrg := uuid.New()
	f.provider.intentErr = errors.New("provider down")

	req := regRequest(member, group, 25_00, payment.MethodIDEAL)
	req.RedirectURL = "https://shop.example/done"
	req.CancelURL = "https://shop.example/cancel"
	req.AsOrganizationID = &payingOrg

	_, err := f.svc.Do(context.Background(), f.actor, req)
	require.Error(t, err)

	reg, err := f.regs.FindDeactivated(context.Background(), member, group, 1)
	require.NoError(t, err)

	// Both sides of the organization-pays pair die with the checkout.
	items, err := f.bals.ItemsForRegistration(context.Background(), reg.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, item := range items {
		assert.Equal(t, balance.StatusCanceled, item.Status)
	}
}

func TestDo_DeleteOpensRefundAndRepricesDiscounts(t *testing.T) {
	f := newFixture(t)
	rule := &pricing.BundleRule{
		ID:          uuid.New(),
		Description: "Second registration discount",
		Percentages: []decimal.Decimal{decimal.NewFromInt(10)},
	}
	group := f.addGroup(10_00, nil)
	withBundle := f.snap.Groups[group]
	withBundle.Bundle = rule
	f.snap.Groups[group] = withBundle
	member := uuid.New()

	first := &registration.Registration{
		ID:           uuid.New(),
		MemberID:     member,
		GroupID:      group,
		Cycle:        1,
		Status:       registration.StatusActive,
		Price:        10_00,
		RegisteredAt: time.Now().Add(-48 * time.Hour),
	}
	second := &registration.Registration{
		ID:           uuid.New(),
		MemberID:     member,
		GroupID:      group,
		Cycle:        1,
		Status:       registration.StatusActive,
		Price:        10_00,
		RegisteredAt: time.Now().Add(-24 * time.Hour),
	}
	require.NoError(t, f.regs.Create(context.Background(), first))
	require.NoError(t, f.regs.Create(context.Background(), second))
	require.NoError(t, f.caps.Commit(context.Background(), group, 2))

	// The second registration carries the bundle discount today.
	disc, err := f.bals.CreateItem(context.Background(), &balance.Item{
		Type:                balance.TypeBundleDiscount,
		Description:         rule.Description,
		Amount:              1,
		UnitPrice:           -1_00,
		Price:               -1_00,
		PayerMemberID:       &member,
		PayeeOrganizationID: f.actor.OrganizationID,
		RegistrationID:      &second.ID,
		DiscountRuleID:      &rule.ID,
	})
	require.NoError(t, err)

	req := Request{
		Cart:                   Cart{DeleteRegistrationIDs: []uuid.UUID{first.ID}},
		Method:                 payment.MethodCash,
		TotalPrice:             0,
		CancellationFeePercent: ptr(decimal.NewFromInt(10)),
	}
	res, err := f.svc.Do(context.Background(), f.actor, req)
	require.NoError(t, err)
	assert.Nil(t, res.Payment)

	deleted, err := f.regs.Get(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, registration.StatusDeactivated, deleted.Status)

	// Price minus the 10% fee comes back as an open credit.
	items, err := f.bals.ItemsForRegistration(context.Background(), first.ID)
	require.NoError(t, err)
	var credit *balance.Item
	for _, item := range items {
		if item.Type == balance.TypeCancellationFee {
			credit = item
		}
	}
	require.NotNil(t, credit)
	assert.Equal(t, int64(-9_00), credit.Price)
	assert.Equal(t, balance.StatusDue, credit.Status)

	// The surviving registration is the member's first again, so its
	// discount reprices to zero under its existing id.
	repriced, err := f.bals.Items(context.Background(), []uuid.UUID{disc.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(0), repriced[0].Price)

	occ := f.occupancy(t, group)
	assert.Equal(t, int64(1), occ.Committed)
}

func TestDo_RateLimitsDemoOrganizations(t *testing.T) {
	f := newFixture(t)
	group := f.addGroup(25_00, nil)
	f.subjects.demo = true
	f.svc.Limiter = ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.Limit{Max: 1, Window: time.Hour})

	_, err := f.svc.Do(context.Background(), f.actor, regRequest(uuid.New(), group, 25_00, payment.MethodCash))
	require.NoError(t, err)

	_, err = f.svc.Do(context.Background(), f.actor, regRequest(uuid.New(), group, 25_00, payment.MethodCash))
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, []uuid.UUID{f.actor.OrganizationID}, f.notified)
}

func TestDo_OrganizationPaysCreatesMirrors(t *testing.T) {
	f := newFixture(t)
	group := f.addGroup(25_00, nil)
	member := uuid.New()
	payingOrg := uuid.New()

	req := regRequest(member, group, 25_00, payment.MethodCash)
	req.AsOrganizationID = &payingOrg

	res, err := f.svc.Do(context.Background(), f.actor, req)
	require.NoError(t, err)

	items, err := f.bals.ItemsForRegistration(context.Background(), res.Registrations[0].ID)
	require.NoError(t, err)
	require.Len(t, items, 2)

	var primary, mirror *balance.Item
	for _, item := range items {
		if item.MirrorOfID != nil {
			mirror = item
		} else {
			primary = item
		}
	}
	require.NotNil(t, primary)
	require.NotNil(t, mirror)

	assert.Equal(t, balance.StatusPaid, primary.Status)
	require.NotNil(t, primary.PayerOrganizationID)
	assert.Equal(t, payingOrg, *primary.PayerOrganizationID)

	// The organization's payment succeeded, so the member now visibly owes
	// the organization back.
	assert.Equal(t, balance.StatusDue, mirror.Status)
	require.NotNil(t, mirror.PayerMemberID)
	assert.Equal(t, member, *mirror.PayerMemberID)
	assert.Equal(t, payingOrg, mirror.PayeeOrganizationID)
}

func TestDo_ZeroTotalSkipsPayment(t *testing.T) {
	f := newFixture(t)
	group := f.addGroup(0, nil)
	member := uuid.New()

	res, err := f.svc.Do(context.Background(), f.actor, regRequest(member, group, 0, payment.MethodCash))
	require.NoError(t, err)
	assert.Nil(t, res.Payment)
	assert.Empty(t, res.PaymentURL)
	assert.Equal(t, registration.StatusActive, res.Registrations[0].Status)

	items, err := f.bals.ItemsForRegistration(context.Background(), res.Registrations[0].ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, balance.StatusPaid, items[0].Status)
}

func TestDo_PaysExistingBalanceItem(t *testing.T) {
	f := newFixture(t)
	member := uuid.New()

	due, err := f.bals.CreateItem(context.Background(), &balance.Item{
		Type:                balance.TypeRegistrationFee,
		Amount:              1,
		UnitPrice:           10_00,
		Price:               10_00,
		PayerMemberID:       &member,
		PayeeOrganizationID: f.actor.OrganizationID,
	})
	require.NoError(t, err)
	require.NoError(t, f.bals.MarkDue(context.Background(), []uuid.UUID{due.ID}))

	req := Request{
		Cart:       Cart{BalanceItemsToPay: []BalanceItemToPay{{ID: due.ID, Price: 10_00}}},
		Method:     payment.MethodCash,
		TotalPrice: 10_00,
	}
	res, err := f.svc.Do(context.Background(), f.actor, req)
	require.NoError(t, err)
	require.NotNil(t, res.Payment)
	assert.Equal(t, payment.StatusSucceeded, res.Payment.Status)

	items, err := f.bals.Items(context.Background(), []uuid.UUID{due.ID})
	require.NoError(t, err)
	assert.Equal(t, balance.StatusPaid, items[0].Status)
	assert.Equal(t, int64(10_00), items[0].PricePaid)

	// A stale declared price is rejected.
	req.Cart.BalanceItemsToPay[0].Price = 5_00
	req.TotalPrice = 5_00
	_, err = f.svc.Do(context.Background(), f.actor, req)
	assert.ErrorIs(t, err, ErrChangedPrice)
}

func TestDo_WebshopOrderWithVoucher(t *testing.T) {
	f := newFixture(t)
	productID := uuid.New()
	optionID := uuid.New()
	f.snap.Products[productID] = pricing.Product{
		ID:    productID,
		Price: 12_00,
		Options: map[uuid.UUID]pricing.Option{
			optionID: {ID: optionID, Price: 2_00, MaxPerOrder: 4},
		},
	}
	f.snap.Vouchers["TENOFF"] = pricing.Voucher{Code: "TENOFF", Percentage: decimal.NewFromInt(10)}
	f.capRepo.Add(&capacity.Resource{ID: productID, Kind: capacity.KindProduct, MaxCapacity: ptr(int64(100))})
	f.capRepo.Add(&capacity.Resource{ID: optionID, Kind: capacity.KindOption, MaxCapacity: ptr(int64(100))})

	req := Request{
		Cart: Cart{Items: []CartItem{{
			MemberID:  f.actor.MemberID,
			ProductID: &productID,
			OptionIDs: []uuid.UUID{optionID},
			Quantity:  2,
		}}},
		Method:      payment.MethodCash,
		VoucherCode: "TENOFF",
		// 2 * (12.00 + 2.00) = 28.00, minus 10% voucher.
		TotalPrice: 25_20,
	}

	res, err := f.svc.Do(context.Background(), f.actor, req)
	require.NoError(t, err)
	require.Len(t, res.Orders, 1)
	assert.Equal(t, order.StatusActive, res.Orders[0].Status)
	assert.Equal(t, int64(25_20), res.Orders[0].Total)
	assert.Equal(t, int64(25_20), res.Payment.Price)

	occ := f.occupancy(t, productID)
	assert.Equal(t, int64(2), occ.Committed)
}
