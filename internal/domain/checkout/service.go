package checkout

import (
	"context"
	"sort"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/settle/internal/domain/balance"
	"github.com/xenking/settle/internal/domain/capacity"
	"github.com/xenking/settle/internal/domain/order"
	"github.com/xenking/settle/internal/domain/payment"
	"github.com/xenking/settle/internal/domain/pricing"
	"github.com/xenking/settle/internal/domain/registration"
	"github.com/xenking/settle/pkg/keyedmutex"
	"github.com/xenking/settle/pkg/ratelimit"
)

// reservationTTL bounds how long an unpaid hold keeps its capacity.
const reservationTTL = 24 * time.Hour

var hundred = decimal.NewFromInt(100)

// Options wires a Service.
type Options struct {
	Store    Store
	Catalog  Catalog
	Subjects Subjects

	Registrations registration.Repository
	Orders        order.Repository
	Payments      payment.Repository

	Capacities *capacity.Ledger
	Balances   *balance.Ledger
	Gateway    *payment.Gateway
	Mutex      *keyedmutex.Mutex

	// Limiter, when set, throttles demo organizations. NotifyRateLimited is
	// the out-of-band operator hook fired when a limit trips.
	Limiter           *ratelimit.Limiter
	NotifyRateLimited func(ctx context.Context, organizationID uuid.UUID)

	Metrics *Metrics
}

// Service is the checkout orchestrator.
type Service struct {
	Options
	engine pricing.Engine
	now    func() time.Time
}

// NewService returns a Service.
func NewService(opts Options) *Service {
	return &Service{Options: opts, now: time.Now}
}

type plannedLine struct {
	item     CartItem
	replaces *registration.Registration
}

// plan is everything resolved and validated before any mutation.
type plan struct {
	lines    []plannedLine
	deletes  []*registration.Registration
	payItems []*balance.Item

	payExistingTotal int64
	input            pricing.Input
	scopes           []string
	resources        []uuid.UUID
}

// txState tracks what the checkout has written, for activation on success
// and compensation on provider failure.
type txState struct {
	undo []func(context.Context)

	regs     []*registration.Registration
	orders   []*order.Order
	newItems []uuid.UUID
	allocate []*balance.Item
	pay      *payment.Payment

	// deactivated holds the previously active registrations this checkout
	// replaced or deleted, so compensation can bring them back.
	deactivated []*registration.Registration
	// cancelOnSettle holds hidden items of deactivated registrations. They
	// are canceled only once the checkout settles; until then the old
	// registration must be restorable as it was.
	cancelOnSettle []uuid.UUID
	// dueOnSettle holds refund adjustments for deleted registrations. They
	// become real, open credits once the checkout settles and are never
	// collected by this checkout's payment.
	dueOnSettle []uuid.UUID

	totalOwed int64
}

// Do runs one checkout attempt. Validation rejects before any mutation;
// after capacity is touched the attempt is all-or-nothing.
func (s *Service) Do(ctx context.Context, actor Actor, req Request) (*Result, error) {
	res, err := s.do(ctx, actor, req)
	if s.Metrics != nil {
		s.Metrics.record(ctx, err)
	}
	return res, err
}

func (s *Service) do(ctx context.Context, actor Actor, req Request) (*Result, error) {
	if err := s.validateShape(req); err != nil {
		return nil, err
	}
	if err := s.checkRateLimit(ctx, actor); err != nil {
		return nil, err
	}
	if req.AsOrganizationID != nil {
		ok, err := s.Subjects.CanPayAsOrganization(ctx, actor, *req.AsOrganizationID)
		if err != nil {
			return nil, errors.Wrap(err, "check pay-as-organization")
		}
		if !ok {
			return nil, &PermissionDeniedError{Reason: PermissionPayAsOrganization}
		}
	}

	snap, err := s.Catalog.Snapshot(ctx, actor.OrganizationID)
	if err != nil {
		return nil, errors.Wrap(err, "catalog snapshot")
	}

	pl, err := s.plan(ctx, actor, req, snap)
	if err != nil {
		return nil, err
	}

	// First engine evaluation: the price gate. Runs before the lock and
	// before any mutation so a tampered or stale total rejects cheaply.
	quote, err := s.engine.Price(snap, pl.input)
	if err != nil {
		return nil, err
	}
	if declared, server := req.TotalPrice, quote.Total+pl.payExistingTotal; declared != server {
		return nil, errors.Wrapf(ErrChangedPrice, "declared %d, computed %d", declared, server)
	}

	var res *Result
	err = s.withScopes(ctx, pl.scopes, func(ctx context.Context) error {
		var err error
		res, err = s.execute(ctx, actor, req, snap, pl)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.refreshOccupancy(ctx, pl.resources)
	return res, nil
}

func (s *Service) validateShape(req Request) error {
	c := req.Cart
	if len(c.Items) == 0 && len(c.BalanceItemsToPay) == 0 && len(c.DeleteRegistrationIDs) == 0 {
		return ErrEmptyCart
	}
	if !req.Method.Valid() {
		return errors.Wrapf(ErrInvalidPaymentMethod, "%q", req.Method)
	}
	if !req.Method.Offline() && (req.RedirectURL == "" || req.CancelURL == "") {
		return ErrMissingRedirectURLs
	}
	if p := req.CancellationFeePercent; p != nil && (p.IsNegative() || p.GreaterThan(hundred)) {
		return errors.Wrapf(ErrInvalidCancellationFee, "%s%%", p)
	}

	seen := make(map[string]struct{}, len(c.Items))
	for _, item := range c.Items {
		if (item.GroupID == nil) == (item.ProductID == nil) {
			return errors.Wrap(ErrInvalidResource, "cart item must name exactly one of group, product")
		}
		var key string
		if item.GroupID != nil {
			key = item.MemberID.String() + "/" + item.GroupID.String()
		} else {
			key = item.MemberID.String() + "/" + item.ProductID.String()
		}
		if _, dup := seen[key]; dup {
			return errors.Wrapf(ErrDuplicateCartItem, "%s", key)
		}
		seen[key] = struct{}{}
	}
	return nil
}

func (s *Service) checkRateLimit(ctx context.Context, actor Actor) error {
	if s.Limiter == nil {
		return nil
	}
	demo, err := s.Subjects.IsDemoOrganization(ctx, actor.OrganizationID)
	if err != nil {
		return errors.Wrap(err, "check demo organization")
	}
	if !demo {
		return nil
	}
	ok, err := s.Limiter.Allow(ctx, "org/"+actor.OrganizationID.String())
	if err != nil {
		return errors.Wrap(err, "rate limit")
	}
	if !ok {
		if s.NotifyRateLimited != nil {
			s.NotifyRateLimited(ctx, actor.OrganizationID)
		}
		return ErrRateLimited
	}
	return nil
}

// plan resolves and validates the whole cart against the snapshot without
// mutating anything.
func (s *Service) plan(ctx context.Context, actor Actor, req Request, snap *pricing.Snapshot) (*plan, error) {
	pl := &plan{
		input: pricing.Input{
			AdministrationFee: req.AdministrationFee,
			FreeContribution:  req.FreeContribution,
			VoucherCode:       req.VoucherCode,
		},
	}
	if req.CancellationFeePercent != nil {
		pl.input.CancellationFeePercent = *req.CancellationFeePercent
	}

	scopes := make(map[string]struct{})
	resources := make(map[uuid.UUID]struct{})
	// Registrations this cart itself replaces or deletes do not count as
	// conflicting active claims.
	superseded := make(map[uuid.UUID]struct{})

	for _, id := range req.Cart.DeleteRegistrationIDs {
		reg, err := s.Registrations.Get(ctx, id)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidResource, "registration %s", id)
		}
		if reg.Status != registration.StatusActive {
			return nil, errors.Wrapf(ErrInvalidResource, "registration %s is not active", id)
		}
		ok, err := s.Subjects.CanDeleteRegistration(ctx, actor, reg)
		if err != nil {
			return nil, errors.Wrap(err, "check delete permission")
		}
		if !ok {
			return nil, &PermissionDeniedError{Reason: PermissionDeleteRegistration}
		}
		pl.deletes = append(pl.deletes, reg)
		superseded[reg.ID] = struct{}{}
		scopes["group/"+reg.GroupID.String()] = struct{}{}
		resources[reg.GroupID] = struct{}{}
	}

	for _, item := range req.Cart.Items {
		exists, err := s.Subjects.MemberExists(ctx, item.MemberID)
		if err != nil {
			return nil, errors.Wrap(err, "check member")
		}
		if !exists {
			return nil, errors.Wrapf(ErrInvalidMember, "%s", item.MemberID)
		}
		ok, err := s.Subjects.CanWriteMember(ctx, actor, item.MemberID)
		if err != nil {
			return nil, errors.Wrap(err, "check member permission")
		}
		if !ok {
			return nil, &PermissionDeniedError{Reason: PermissionEditMember}
		}

		ln := plannedLine{item: item}
		line := pricing.Line{
			MemberID:  item.MemberID,
			GroupID:   item.GroupID,
			ProductID: item.ProductID,
			OptionIDs: item.OptionIDs,
			Quantity:  item.Quantity,
		}

		switch {
		case item.GroupID != nil:
			group, ok := snap.Groups[*item.GroupID]
			if !ok {
				return nil, errors.Wrapf(ErrInvalidResource, "group %s", *item.GroupID)
			}
			if item.ReplacesRegistrationID != nil {
				old, err := s.Registrations.Get(ctx, *item.ReplacesRegistrationID)
				if err != nil {
					return nil, errors.Wrapf(ErrInvalidResource, "registration %s", *item.ReplacesRegistrationID)
				}
				if old.Status != registration.StatusActive || old.MemberID != item.MemberID {
					return nil, errors.Wrapf(ErrInvalidResource, "registration %s cannot be replaced", old.ID)
				}
				ln.replaces = old
				superseded[old.ID] = struct{}{}
				scopes["group/"+old.GroupID.String()] = struct{}{}
				resources[old.GroupID] = struct{}{}
				price := old.Price
				line.ReplacesPrice = &price
			}
			if existing, err := s.Registrations.GetActive(ctx, item.MemberID, group.ID, group.Cycle); err == nil {
				if _, replaced := superseded[existing.ID]; !replaced {
					return nil, errors.Wrapf(ErrAlreadyRegistered, "member %s, group %s", item.MemberID, group.ID)
				}
			} else if !errors.Is(err, registration.ErrNotFound) {
				return nil, errors.Wrap(err, "check active registration")
			}
			scopes["group/"+group.ID.String()] = struct{}{}
			resources[group.ID] = struct{}{}

		case item.ProductID != nil:
			product, ok := snap.Products[*item.ProductID]
			if !ok {
				return nil, errors.Wrapf(ErrInvalidResource, "product %s", *item.ProductID)
			}
			for _, optID := range item.OptionIDs {
				if _, ok := product.Options[optID]; !ok {
					return nil, errors.Wrapf(ErrInvalidResource, "option %s", optID)
				}
				resources[optID] = struct{}{}
			}
			scopes["shop/"+actor.OrganizationID.String()] = struct{}{}
			resources[product.ID] = struct{}{}
		}

		pl.lines = append(pl.lines, ln)
		pl.input.Lines = append(pl.input.Lines, line)
	}

	if len(req.Cart.BalanceItemsToPay) > 0 {
		ids := make([]uuid.UUID, len(req.Cart.BalanceItemsToPay))
		declared := make(map[uuid.UUID]int64, len(ids))
		for i, ref := range req.Cart.BalanceItemsToPay {
			ids[i] = ref.ID
			declared[ref.ID] = ref.Price
		}
		items, err := s.Balances.Items(ctx, ids)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidResource, "balance items: %s", err)
		}
		for _, item := range items {
			if item.Status != balance.StatusDue {
				return nil, errors.Wrapf(ErrChangedPrice, "balance item %s is %s", item.ID, item.Status)
			}
			if open := item.PriceOpen(); open != declared[item.ID] {
				return nil, errors.Wrapf(ErrChangedPrice, "balance item %s: declared %d, open %d",
					item.ID, declared[item.ID], open)
			}
			pl.payItems = append(pl.payItems, item)
			pl.payExistingTotal += item.PriceOpen()
		}
	}

	pl.scopes = sortedKeys(scopes)
	for id := range resources {
		pl.resources = append(pl.resources, id)
	}
	sort.Slice(pl.resources, func(i, j int) bool {
		return pl.resources[i].String() < pl.resources[j].String()
	})
	return pl, nil
}

// withScopes acquires the scope keys in sorted order, nesting so the held
// set accumulates on the context.
func (s *Service) withScopes(ctx context.Context, keys []string, fn func(context.Context) error) error {
	if len(keys) == 0 {
		return fn(ctx)
	}
	return s.Mutex.Run(ctx, keys[0], func(ctx context.Context) error {
		return s.withScopes(ctx, keys[1:], fn)
	})
}

// execute runs the mutating half of the checkout inside the scope locks.
func (s *Service) execute(ctx context.Context, actor Actor, req Request, snap *pricing.Snapshot, pl *plan) (*Result, error) {
	// Second engine evaluation, the one that is persisted. Same snapshot and
	// input, so it is identical to the gate evaluation.
	quote, err := s.engine.Price(snap, pl.input)
	if err != nil {
		return nil, err
	}

	st := &txState{}
	err = s.Store.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.applyCart(ctx, actor, req, snap, pl, quote, st); err != nil {
			for i := len(st.undo) - 1; i >= 0; i-- {
				st.undo[i](ctx)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	res := &Result{Registrations: st.regs, Orders: st.orders, Payment: st.pay}
	if st.totalOwed == 0 {
		return res, nil
	}

	url, err := s.Gateway.CreateIntent(ctx, st.pay, itemIDs(st.allocate), payment.IntentRequest{
		Description: "Checkout",
		RedirectURL: req.RedirectURL,
		CancelURL:   req.CancelURL,
	})
	if err != nil {
		// The provider call failed after our own writes went through: take
		// back the reservation and ledger writes so the client can retry a
		// clean checkout.
		s.compensate(ctx, st)
		return nil, errors.Wrap(err, "create payment intent")
	}
	res.PaymentURL = url

	if err := s.finalize(ctx, st); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Service) applyCart(ctx context.Context, actor Actor, req Request, snap *pricing.Snapshot, pl *plan, quote *pricing.Quote, st *txState) error {
	now := s.now()

	for _, reg := range pl.deletes {
		if err := s.deactivate(ctx, reg, now, st); err != nil {
			return err
		}
		st.undo = append(st.undo, s.undoRelease(reg.GroupID, 1))

		if credit := deletionCredit(reg.Price, req.CancellationFeePercent); credit != 0 {
			// The refund goes to whoever paid the registration.
			regID := reg.ID
			payerMember, payerOrg := payerRefs(reg.MemberID, reg.PaysOrganizationID)
			item, err := s.Balances.CreateItem(ctx, &balance.Item{
				Type:                balance.TypeCancellationFee,
				Description:         "Canceled registration adjustment",
				Amount:              1,
				UnitPrice:           credit,
				Price:               credit,
				PayerMemberID:       payerMember,
				PayerOrganizationID: payerOrg,
				PayeeOrganizationID: actor.OrganizationID,
				RegistrationID:      &regID,
			})
			if err != nil {
				return errors.Wrap(err, "create deletion adjustment")
			}
			st.newItems = append(st.newItems, item.ID)
			st.dueOnSettle = append(st.dueOnSettle, item.ID)
		}
	}

	// Deleting a registration shifts the member's bundle ordinals; the
	// remaining registrations' discounts are repriced under their old keys.
	seenMembers := make(map[uuid.UUID]struct{}, len(pl.deletes))
	for _, reg := range pl.deletes {
		if _, done := seenMembers[reg.MemberID]; done {
			continue
		}
		seenMembers[reg.MemberID] = struct{}{}
		if err := s.recomputeDiscounts(ctx, actor, snap, reg.MemberID); err != nil {
			return err
		}
	}

	var productTotal int64
	var orderItems []order.Item

	for i, ln := range pl.lines {
		lq := quote.Lines[i]

		switch {
		case ln.item.GroupID != nil:
			group := snap.Groups[*ln.item.GroupID]

			if old := ln.replaces; old != nil {
				if err := s.deactivate(ctx, old, now, st); err != nil {
					return err
				}
				st.undo = append(st.undo, s.undoRelease(old.GroupID, 1))
			}

			if err := s.Capacities.Reserve(ctx, group.ID, 1); err != nil {
				return err
			}
			st.undo = append(st.undo, s.undoReserve(group.ID, 1))

			reg, err := s.materializeRegistration(ctx, req, ln, group, lq.Base, now)
			if err != nil {
				return err
			}
			st.regs = append(st.regs, reg)

			if err := s.writeRegistrationItems(ctx, actor, req, reg, ln, lq, st); err != nil {
				return err
			}

		case ln.item.ProductID != nil:
			product := snap.Products[*ln.item.ProductID]
			if err := s.Capacities.Reserve(ctx, product.ID, ln.item.Quantity); err != nil {
				return err
			}
			st.undo = append(st.undo, s.undoReserve(product.ID, ln.item.Quantity))
			for _, optID := range ln.item.OptionIDs {
				if err := s.Capacities.Reserve(ctx, optID, ln.item.Quantity); err != nil {
					return err
				}
				st.undo = append(st.undo, s.undoReserve(optID, ln.item.Quantity))
			}

			orderItems = append(orderItems, order.Item{
				ProductID: product.ID,
				OptionIDs: ln.item.OptionIDs,
				Quantity:  ln.item.Quantity,
				UnitPrice: product.Price,
			})
			productTotal += lq.Base
			for _, o := range lq.Options {
				productTotal += o.Price
			}
		}
	}

	if len(orderItems) > 0 {
		if err := s.writeOrder(ctx, actor, req, quote, orderItems, productTotal, now, st); err != nil {
			return err
		}
	}
	if err := s.writeContributionItems(ctx, actor, req, st); err != nil {
		return err
	}

	st.totalOwed = quote.Total + pl.payExistingTotal
	if st.totalOwed == 0 {
		if err := s.Balances.MarkPaidOutright(ctx, itemIDs(st.allocate)); err != nil {
			return err
		}
		return s.activate(ctx, st, now)
	}

	pay := &payment.Payment{
		ID:             uuid.New(),
		Method:         req.Method,
		Status:         payment.StatusCreated,
		Price:          st.totalOwed,
		OrganizationID: actor.OrganizationID,
		Description:    "Checkout",
		CreatedAt:      now,
	}
	pay.PayerMemberID, pay.PayerOrganizationID = payerRefs(actor.MemberID, req.AsOrganizationID)
	if err := s.Payments.Create(ctx, pay); err != nil {
		return errors.Wrap(err, "create payment")
	}
	st.pay = pay

	for _, item := range st.allocate {
		if item.Price == 0 {
			continue
		}
		if _, err := s.Balances.Allocate(ctx, item.ID, pay.ID, item.Price); err != nil {
			return errors.Wrap(err, "allocate")
		}
	}
	for _, item := range pl.payItems {
		if _, err := s.Balances.Allocate(ctx, item.ID, pay.ID, item.PriceOpen()); err != nil {
			return errors.Wrap(err, "allocate existing")
		}
	}
	return nil
}

func (s *Service) materializeRegistration(ctx context.Context, req Request, ln plannedLine, group pricing.Group, price int64, now time.Time) (*registration.Registration, error) {
	paysOrg := req.AsOrganizationID
	if paysOrg == nil && ln.replaces != nil {
		paysOrg = ln.replaces.PaysOrganizationID
	}

	// A recently deactivated registration with nothing outstanding revives
	// under its original id instead of growing a new row.
	prev, err := s.Registrations.FindDeactivated(ctx, ln.item.MemberID, group.ID, group.Cycle)
	if err == nil {
		open, err := s.Balances.OpenAmountForRegistration(ctx, prev.ID)
		if err != nil {
			return nil, errors.Wrap(err, "open amount")
		}
		if prev.Reusable(now, open) {
			until := now.Add(reservationTTL)
			prev.Status = registration.StatusReserved
			prev.ReservedUntil = &until
			prev.Price = price
			prev.PaysOrganizationID = paysOrg
			prev.DeactivatedAt = nil
			if err := s.Registrations.Update(ctx, prev); err != nil {
				return nil, errors.Wrap(err, "revive registration")
			}
			return prev, nil
		}
	} else if !errors.Is(err, registration.ErrNotFound) {
		return nil, errors.Wrap(err, "find deactivated")
	}

	until := now.Add(reservationTTL)
	reg := &registration.Registration{
		ID:                 uuid.New(),
		MemberID:           ln.item.MemberID,
		GroupID:            group.ID,
		Cycle:              group.Cycle,
		Status:             registration.StatusReserved,
		ReservedUntil:      &until,
		Price:              price,
		PaysOrganizationID: paysOrg,
		RegisteredAt:       now,
	}
	if err := s.Registrations.Create(ctx, reg); err != nil {
		return nil, errors.Wrap(err, "create registration")
	}
	return reg, nil
}

func (s *Service) writeRegistrationItems(ctx context.Context, actor Actor, req Request, reg *registration.Registration, ln plannedLine, lq pricing.LineQuote, st *txState) error {
	payerMember, payerOrg := payerRefs(ln.item.MemberID, req.AsOrganizationID)

	fee, err := s.Balances.CreateItem(ctx, &balance.Item{
		Type:                balance.TypeRegistrationFee,
		Description:         "Registration fee",
		Amount:              1,
		UnitPrice:           lq.Base,
		Price:               lq.Base,
		PayerMemberID:       payerMember,
		PayerOrganizationID: payerOrg,
		PayeeOrganizationID: actor.OrganizationID,
		RegistrationID:      &reg.ID,
	})
	if err != nil {
		return errors.Wrap(err, "create registration fee")
	}
	if err := s.track(ctx, req, ln.item.MemberID, fee, st); err != nil {
		return err
	}

	if d := lq.Discount; d != nil {
		ruleID := d.RuleID
		item, err := s.Balances.UpsertDiscount(ctx, &balance.Item{
			Type:                balance.TypeBundleDiscount,
			Description:         d.Description,
			Amount:              1,
			UnitPrice:           d.Price,
			Price:               d.Price,
			PayerMemberID:       payerMember,
			PayerOrganizationID: payerOrg,
			PayeeOrganizationID: actor.OrganizationID,
			RegistrationID:      &reg.ID,
			DiscountRuleID:      &ruleID,
		})
		if err != nil {
			return errors.Wrap(err, "upsert discount")
		}
		if err := s.track(ctx, req, ln.item.MemberID, item, st); err != nil {
			return err
		}
	}

	if lq.CancellationCredit != 0 {
		oldID := ln.replaces.ID
		item, err := s.Balances.CreateItem(ctx, &balance.Item{
			Type:                balance.TypeCancellationFee,
			Description:         "Replaced registration adjustment",
			Amount:              1,
			UnitPrice:           lq.CancellationCredit,
			Price:               lq.CancellationCredit,
			PayerMemberID:       payerMember,
			PayerOrganizationID: payerOrg,
			PayeeOrganizationID: actor.OrganizationID,
			RegistrationID:      &oldID,
		})
		if err != nil {
			return errors.Wrap(err, "create cancellation adjustment")
		}
		if err := s.track(ctx, req, ln.item.MemberID, item, st); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) writeOrder(ctx context.Context, actor Actor, req Request, quote *pricing.Quote, items []order.Item, productTotal int64, now time.Time, st *txState) error {
	total := productTotal + quote.VoucherDiscount
	o := &order.Order{
		ID:             uuid.New(),
		OrganizationID: actor.OrganizationID,
		MemberID:       actor.MemberID,
		Items:          items,
		Total:          total,
		Status:         order.StatusReserved,
		CreatedAt:      now,
	}
	if err := s.Orders.Create(ctx, o); err != nil {
		return errors.Wrap(err, "create order")
	}
	st.orders = append(st.orders, o)

	payerMember, payerOrg := payerRefs(actor.MemberID, req.AsOrganizationID)
	item, err := s.Balances.CreateItem(ctx, &balance.Item{
		Type:                balance.TypeOrderTotal,
		Description:         "Webshop order",
		Amount:              1,
		UnitPrice:           total,
		Price:               total,
		PayerMemberID:       payerMember,
		PayerOrganizationID: payerOrg,
		PayeeOrganizationID: actor.OrganizationID,
		OrderID:             &o.ID,
	})
	if err != nil {
		return errors.Wrap(err, "create order item")
	}
	return s.track(ctx, req, actor.MemberID, item, st)
}

func (s *Service) writeContributionItems(ctx context.Context, actor Actor, req Request, st *txState) error {
	payerMember, payerOrg := payerRefs(actor.MemberID, req.AsOrganizationID)
	for _, c := range []struct {
		typ   balance.ItemType
		desc  string
		price int64
	}{
		{balance.TypeAdministrationFee, "Administration fee", req.AdministrationFee},
		{balance.TypeFreeContribution, "Free contribution", req.FreeContribution},
	} {
		if c.price == 0 {
			continue
		}
		item, err := s.Balances.CreateItem(ctx, &balance.Item{
			Type:                c.typ,
			Description:         c.desc,
			Amount:              1,
			UnitPrice:           c.price,
			Price:               c.price,
			PayerMemberID:       payerMember,
			PayerOrganizationID: payerOrg,
			PayeeOrganizationID: actor.OrganizationID,
		})
		if err != nil {
			return errors.Wrapf(err, "create %s", c.typ)
		}
		st.newItems = append(st.newItems, item.ID)
		st.allocate = append(st.allocate, item)
	}
	return nil
}

// track records a created primary item and, when a third party pays, writes
// the mirrored item the subject owes the paying organization.
func (s *Service) track(ctx context.Context, req Request, subjectMember uuid.UUID, item *balance.Item, st *txState) error {
	st.newItems = append(st.newItems, item.ID)
	st.allocate = append(st.allocate, item)

	if req.AsOrganizationID == nil {
		return nil
	}
	member := subjectMember
	mirror, err := s.Balances.CreateItem(ctx, &balance.Item{
		Type:                item.Type,
		Description:         item.Description,
		Amount:              item.Amount,
		UnitPrice:           item.UnitPrice,
		Price:               item.Price,
		PayerMemberID:       &member,
		PayeeOrganizationID: *req.AsOrganizationID,
		RegistrationID:      item.RegistrationID,
		OrderID:             item.OrderID,
		MirrorOfID:          &item.ID,
	})
	if err != nil {
		return errors.Wrap(err, "create mirror item")
	}
	// Mirrors are never allocated to this payment, but they must die with the
	// checkout when compensation cancels its items.
	st.newItems = append(st.newItems, mirror.ID)
	return nil
}

func (s *Service) deactivate(ctx context.Context, reg *registration.Registration, now time.Time, st *txState) error {
	reg.Status = registration.StatusDeactivated
	reg.DeactivatedAt = &now
	if err := s.Registrations.Update(ctx, reg); err != nil {
		return errors.Wrap(err, "deactivate registration")
	}
	if err := s.Capacities.ReleaseCommitted(ctx, reg.GroupID, 1); err != nil {
		return err
	}
	st.deactivated = append(st.deactivated, reg)

	// Hidden items never became real debt; they die with the registration,
	// but only once the checkout settles.
	items, err := s.Balances.ItemsForRegistration(ctx, reg.ID)
	if err != nil {
		return errors.Wrap(err, "load registration items")
	}
	for _, item := range items {
		if item.Status == balance.StatusHidden {
			st.cancelOnSettle = append(st.cancelOnSettle, item.ID)
		}
	}
	return nil
}

// deletionCredit is the refund for a plainly deleted registration: its price
// minus the cancellation fee, zero or negative. A nil percentage charges no
// fee.
func deletionCredit(price int64, pct *decimal.Decimal) int64 {
	var fee int64
	if pct != nil {
		fee = pricing.PercentOf(price, *pct)
	}
	return -(price - fee)
}

// recomputeDiscounts reprices the bundle discounts of a member's remaining
// active registrations, in registration order, under their existing
// (rule, registration) keys.
func (s *Service) recomputeDiscounts(ctx context.Context, actor Actor, snap *pricing.Snapshot, memberID uuid.UUID) error {
	regs, err := s.Registrations.ActiveForMember(ctx, memberID)
	if err != nil {
		return errors.Wrap(err, "load member registrations")
	}
	sort.Slice(regs, func(i, j int) bool {
		return regs[i].RegisteredAt.Before(regs[j].RegisteredAt)
	})

	ordinal := 0
	for _, reg := range regs {
		group, ok := snap.Groups[reg.GroupID]
		if !ok {
			continue
		}
		ordinal++
		if group.Bundle == nil {
			continue
		}
		d := pricing.BundleDiscount(group.Bundle, ordinal, reg.Price)
		ruleID := group.Bundle.ID
		regID := reg.ID
		payerMember, payerOrg := payerRefs(reg.MemberID, reg.PaysOrganizationID)
		if _, err := s.Balances.UpsertDiscount(ctx, &balance.Item{
			Type:                balance.TypeBundleDiscount,
			Description:         group.Bundle.Description,
			Amount:              1,
			UnitPrice:           d,
			Price:               d,
			PayerMemberID:       payerMember,
			PayerOrganizationID: payerOrg,
			PayeeOrganizationID: actor.OrganizationID,
			RegistrationID:      &regID,
			DiscountRuleID:      &ruleID,
		}); err != nil {
			return errors.Wrap(err, "recompute discount")
		}
	}
	return nil
}

// activate flips the reserved claims to active and commits their capacity.
func (s *Service) activate(ctx context.Context, st *txState, now time.Time) error {
	for _, reg := range st.regs {
		reg.Status = registration.StatusActive
		reg.ReservedUntil = nil
		reg.RegisteredAt = now
		if err := s.Registrations.Update(ctx, reg); err != nil {
			return errors.Wrap(err, "activate registration")
		}
		if err := s.Capacities.Commit(ctx, reg.GroupID, 1); err != nil {
			return err
		}
	}
	for _, o := range st.orders {
		o.Status = order.StatusActive
		if err := s.Orders.Update(ctx, o); err != nil {
			return errors.Wrap(err, "activate order")
		}
		for _, item := range o.Items {
			if err := s.Capacities.Commit(ctx, item.ProductID, item.Quantity); err != nil {
				return err
			}
			for _, optID := range item.OptionIDs {
				if err := s.Capacities.Commit(ctx, optID, item.Quantity); err != nil {
					return err
				}
			}
		}
	}
	if len(st.cancelOnSettle) > 0 {
		if err := s.Balances.CancelItems(ctx, st.cancelOnSettle); err != nil {
			return errors.Wrap(err, "cancel superseded items")
		}
	}
	if len(st.dueOnSettle) > 0 {
		if err := s.Balances.MarkDue(ctx, st.dueOnSettle); err != nil {
			return errors.Wrap(err, "open deletion credits")
		}
	}
	return nil
}

func (s *Service) finalize(ctx context.Context, st *txState) error {
	return s.Store.RunInTx(ctx, func(ctx context.Context) error {
		return s.activate(ctx, st, s.now())
	})
}

// compensate takes back a checkout whose provider call failed: capacity
// returns, fresh ledger items are canceled and the claims are withdrawn.
// Best-effort; occupancy recounts heal anything it misses.
func (s *Service) compensate(ctx context.Context, st *txState) {
	err := s.Store.RunInTx(ctx, func(ctx context.Context) error {
		for i := len(st.undo) - 1; i >= 0; i-- {
			st.undo[i](ctx)
		}
		if err := s.Balances.CancelItems(ctx, st.newItems); err != nil {
			return err
		}
		now := s.now()
		for _, reg := range st.regs {
			reg.Status = registration.StatusDeactivated
			reg.DeactivatedAt = &now
			if err := s.Registrations.Update(ctx, reg); err != nil {
				return err
			}
		}
		// Replaced and deleted registrations come back: their capacity was
		// already committed back by the undo chain, and their hidden items
		// were never canceled.
		for _, reg := range st.deactivated {
			reg.Status = registration.StatusActive
			reg.DeactivatedAt = nil
			if err := s.Registrations.Update(ctx, reg); err != nil {
				return err
			}
		}
		for _, o := range st.orders {
			o.Status = order.StatusCanceled
			if err := s.Orders.Update(ctx, o); err != nil {
				return err
			}
		}
		if st.pay != nil {
			st.pay.Status = payment.StatusFailed
			if err := s.Payments.Update(ctx, st.pay); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		zctx.From(ctx).Error("Checkout compensation failed", zap.Error(err))
	}
}

func (s *Service) refreshOccupancy(ctx context.Context, resources []uuid.UUID) {
	for _, id := range resources {
		if err := s.Capacities.Recount(ctx, id); err != nil {
			zctx.From(ctx).Warn("Occupancy recount failed",
				zap.Stringer("resource_id", id), zap.Error(err))
		}
	}
}

func (s *Service) undoReserve(id uuid.UUID, delta int64) func(context.Context) {
	return func(ctx context.Context) {
		if err := s.Capacities.Release(ctx, id, delta); err != nil {
			zctx.From(ctx).Warn("Release failed", zap.Stringer("resource_id", id), zap.Error(err))
		}
	}
}

func (s *Service) undoRelease(id uuid.UUID, delta int64) func(context.Context) {
	return func(ctx context.Context) {
		if err := s.Capacities.Commit(ctx, id, delta); err != nil {
			zctx.From(ctx).Warn("Commit-back failed", zap.Stringer("resource_id", id), zap.Error(err))
		}
	}
}

func itemIDs(items []*balance.Item) []uuid.UUID {
	ids := make([]uuid.UUID, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return ids
}

func payerRefs(memberID uuid.UUID, asOrg *uuid.UUID) (*uuid.UUID, *uuid.UUID) {
	if asOrg != nil {
		org := *asOrg
		return nil, &org
	}
	member := memberID
	return &member, nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
