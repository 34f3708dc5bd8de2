package payment

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/xenking/settle/internal/domain/balance"
)

// Gateway turns a created Payment into a collectable intent and applies the
// immediate ledger effects of the chosen method.
//
// The payment row and its allocations must already be persisted before
// CreateIntent is called: for offline methods the ledger is updated against
// those allocations, and for online methods the provider reference is stored
// on the existing row before the checkout URL is handed out.
type Gateway struct {
	payments Repository
	balances *balance.Ledger
	registry *Registry

	now func() time.Time
}

// NewGateway returns a Gateway.
func NewGateway(payments Repository, balances *balance.Ledger, registry *Registry) *Gateway {
	return &Gateway{
		payments: payments,
		balances: balances,
		registry: registry,
		now:      time.Now,
	}
}

// CreateIntent executes the intent for p and returns the URL the payer must
// visit, empty for offline methods.
//
// Offline policy: cash and point of sale settle immediately (the money
// changed hands at the desk), bank transfer stays pending with the debt due.
// Online methods create a provider intent and leave the items hidden; the
// provider reference is persisted before the URL is returned, so a lost
// response can still be reconciled later.
func (g *Gateway) CreateIntent(ctx context.Context, p *Payment, itemIDs []uuid.UUID, req IntentRequest) (string, error) {
	if p.Method.Offline() {
		switch p.Method {
		case MethodCash, MethodPointOfSale:
			now := g.now()
			p.Status = StatusSucceeded
			p.PaidAt = &now
			if err := g.balances.MarkPaid(ctx, p.ID); err != nil {
				return "", errors.Wrap(err, "mark paid")
			}
		case MethodTransfer:
			p.Status = StatusPending
			if err := g.balances.MarkDue(ctx, itemIDs); err != nil {
				return "", errors.Wrap(err, "mark due")
			}
		}
		if err := g.payments.Update(ctx, p); err != nil {
			return "", errors.Wrap(err, "update payment")
		}
		return "", nil
	}

	kind, err := g.registry.ForMethod(p.Method)
	if err != nil {
		return "", err
	}
	prov, err := g.registry.Get(kind)
	if err != nil {
		return "", err
	}
	p.Provider = &kind

	intent, err := prov.CreateIntent(ctx, p, req)
	if err != nil {
		return "", errors.Wrapf(err, "provider %s: create intent", kind)
	}

	p.ProviderRef = intent.ProviderRef
	p.Status = StatusPending
	if err := g.payments.Update(ctx, p); err != nil {
		return "", errors.Wrap(err, "update payment")
	}
	// Items stay hidden: an online intent is not yet money. Reconciliation
	// flips them when the provider reports success.
	return intent.CheckoutURL, nil
}
