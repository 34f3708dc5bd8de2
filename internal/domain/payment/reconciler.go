package payment

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xenking/settle/internal/domain/balance"
	"github.com/xenking/settle/pkg/keyedmutex"
)

// Expiry is how long a payment may stay unsettled before reconciliation
// force-fails it.
const Expiry = 24 * time.Hour

// Reconciler converges internal payment state with provider state and
// applies the matching ledger effects. Exchange is safe to call repeatedly
// and concurrently for the same payment: calls are serialized per payment
// id, a newer call supersedes an older one still in flight, and applying the
// same provider status twice is a no-op.
type Reconciler struct {
	payments Repository
	balances *balance.Ledger
	registry *Registry
	mux      *keyedmutex.Mutex

	expiry time.Duration
	now    func() time.Time
}

// NewReconciler returns a Reconciler using the default Expiry.
func NewReconciler(payments Repository, balances *balance.Ledger, registry *Registry, mux *keyedmutex.Mutex) *Reconciler {
	return &Reconciler{
		payments: payments,
		balances: balances,
		registry: registry,
		mux:      mux,
		expiry:   Expiry,
		now:      time.Now,
	}
}

// Exchange fetches the provider's view of the payment and converges our
// state to it. With cancel set, it first asks the provider to abort an open
// payment. When the provider cannot be reached the payment is left
// unchanged; reconciliation will be retried by a later exchange or sweep.
func (r *Reconciler) Exchange(ctx context.Context, id uuid.UUID, cancel bool) error {
	return r.mux.RunLatest(ctx, "payment/"+id.String(), func(ctx context.Context) error {
		p, err := r.payments.Get(ctx, id)
		if err != nil {
			return errors.Wrap(err, "get payment")
		}
		return r.reconcile(ctx, p, cancel)
	})
}

func (r *Reconciler) reconcile(ctx context.Context, p *Payment, cancel bool) error {
	lg := zctx.From(ctx).With(
		zap.Stringer("payment_id", p.ID),
		zap.String("status", string(p.Status)),
	)

	if p.Provider == nil {
		// Offline payments have no provider to consult. Cancellation and
		// expiry still apply while the payment is open.
		if open(p.Status) && (cancel || r.expired(p)) {
			return r.apply(ctx, p, StatusFailed)
		}
		return nil
	}

	prov, err := r.registry.Get(*p.Provider)
	if err != nil {
		return err
	}

	if cancel && open(p.Status) {
		ok, err := prov.Cancel(ctx, p.ProviderRef)
		if err != nil {
			lg.Warn("Provider cancel failed", zap.Error(err))
		} else if ok {
			return r.apply(ctx, p, StatusFailed)
		}
	}

	status, err := prov.GetStatus(ctx, p.ProviderRef)
	if err != nil || status == ProviderStatusUnknown {
		// Leave the payment as is; an unreadable provider is not a failure.
		if err != nil {
			lg.Warn("Provider status unavailable", zap.Error(err))
		}
		if open(p.Status) && r.expired(p) {
			return r.apply(ctx, p, StatusFailed)
		}
		return nil
	}

	to := mapProviderStatus(status)
	if to == StatusPending && r.expired(p) {
		to = StatusFailed
	}
	return r.apply(ctx, p, to)
}

// apply moves p to status and applies the ledger effects of the edge. The
// same target status is a no-op, and illegal edges are ignored rather than
// failed: the provider is authoritative and will report the same state
// again on the next exchange.
func (r *Reconciler) apply(ctx context.Context, p *Payment, to Status) error {
	if p.Status == to {
		return nil
	}
	if !p.Status.CanTransition(to) {
		return nil
	}

	// Leaving Succeeded first takes back everything the success granted, so
	// a corrective failure ends in the same ledger state as a direct one.
	if p.Status == StatusSucceeded {
		if err := r.balances.UndoPaid(ctx, p.ID); err != nil {
			return errors.Wrap(err, "undo paid")
		}
	}

	now := r.now()
	switch to {
	case StatusSucceeded:
		if err := r.balances.MarkPaid(ctx, p.ID); err != nil {
			return errors.Wrap(err, "mark paid")
		}
		p.PaidAt = &now
	case StatusFailed:
		if err := r.balances.MarkFailed(ctx, p.ID); err != nil {
			return errors.Wrap(err, "mark failed")
		}
		p.FailedAt = &now
	case StatusPending:
		if p.Status == StatusFailed {
			if err := r.balances.UndoFailed(ctx, p.ID); err != nil {
				return errors.Wrap(err, "undo failed")
			}
			p.FailedAt = nil
		}
	}

	from := p.Status
	p.Status = to
	if err := r.payments.Update(ctx, p); err != nil {
		return errors.Wrap(err, "update payment")
	}

	zctx.From(ctx).Info("Payment reconciled",
		zap.Stringer("payment_id", p.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return nil
}

// SweepExpired reconciles every unsettled payment older than the expiry
// cutoff. Payments whose provider confirms a real outcome converge to it;
// the rest are force-failed.
func (r *Reconciler) SweepExpired(ctx context.Context) error {
	stale, err := r.payments.ListUnsettled(ctx, r.now().Add(-r.expiry))
	if err != nil {
		return errors.Wrap(err, "list unsettled")
	}
	for _, p := range stale {
		if err := r.Exchange(ctx, p.ID, false); err != nil {
			zctx.From(ctx).Warn("Sweep exchange failed",
				zap.Stringer("payment_id", p.ID), zap.Error(err))
		}
	}
	return nil
}

// RunSweeper calls SweepExpired every interval until ctx is cancelled.
func (r *Reconciler) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.SweepExpired(ctx); err != nil {
				zctx.From(ctx).Error("Sweep failed", zap.Error(err))
			}
		}
	}
}

func (r *Reconciler) expired(p *Payment) bool {
	return open(p.Status) && r.now().Sub(p.CreatedAt) > r.expiry
}

func open(s Status) bool {
	return s == StatusCreated || s == StatusPending
}

func mapProviderStatus(s ProviderStatus) Status {
	switch s {
	case ProviderStatusPaid:
		return StatusSucceeded
	case ProviderStatusFailed, ProviderStatusCanceled, ProviderStatusExpired:
		return StatusFailed
	default:
		return StatusPending
	}
}
