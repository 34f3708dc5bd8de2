// Package capacity tracks reserved and committed counts for finite resources:
// group slots, product stock, option stock, seats.
//
// All mutations must run inside the owning aggregate's keyed execution scope;
// the ledger itself performs no locking.
package capacity

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

// Kind classifies the resource being counted.
type Kind string

const (
	KindGroup   Kind = "group"
	KindProduct Kind = "product"
	KindOption  Kind = "option"
	KindSeat    Kind = "seat"
)

// Resource is one finite thing that can be oversold. A nil MaxCapacity means
// unlimited. Invariant: Committed + Reserved <= *MaxCapacity whenever
// MaxCapacity is set.
type Resource struct {
	ID          uuid.UUID
	Kind        Kind
	MaxCapacity *int64
	Reserved    int64
	Committed   int64
}

// Occupancy is a point-in-time view of a resource's counts.
type Occupancy struct {
	Reserved  int64
	Committed int64
}

// Sentinel errors.
var (
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrResourceNotFound = errors.New("capacity resource not found")
)

// Repository persists resources and recounts claims from their source of
// truth (registrations, orders).
type Repository interface {
	Get(ctx context.Context, id uuid.UUID) (*Resource, error)
	Update(ctx context.Context, r *Resource) error
	// CountClaims recounts reserved and committed claims from source rows.
	CountClaims(ctx context.Context, id uuid.UUID) (reserved, committed int64, err error)
}

// Ledger exposes the capacity operations.
type Ledger struct {
	repo Repository
}

// NewLedger creates a Ledger over the given repository.
func NewLedger(repo Repository) *Ledger {
	return &Ledger{repo: repo}
}

// Reserve claims delta units. It fails with ErrCapacityExceeded when the
// claim would push committed+reserved over the maximum.
func (l *Ledger) Reserve(ctx context.Context, id uuid.UUID, delta int64) error {
	r, err := l.repo.Get(ctx, id)
	if err != nil {
		return errors.Wrap(err, "get resource")
	}
	if r.MaxCapacity != nil && r.Committed+r.Reserved+delta > *r.MaxCapacity {
		return errors.Wrapf(ErrCapacityExceeded, "%s %s: %d+%d+%d > %d",
			r.Kind, r.ID, r.Committed, r.Reserved, delta, *r.MaxCapacity)
	}
	r.Reserved += delta
	if err := l.repo.Update(ctx, r); err != nil {
		return errors.Wrap(err, "update resource")
	}
	return nil
}

// Commit converts delta reserved units into committed ones.
func (l *Ledger) Commit(ctx context.Context, id uuid.UUID, delta int64) error {
	r, err := l.repo.Get(ctx, id)
	if err != nil {
		return errors.Wrap(err, "get resource")
	}
	r.Reserved -= delta
	if r.Reserved < 0 {
		r.Reserved = 0
	}
	r.Committed += delta
	if err := l.repo.Update(ctx, r); err != nil {
		return errors.Wrap(err, "update resource")
	}
	return nil
}

// Release frees delta units, reserved first then committed. Counts never go
// negative; drift is corrected by Recount.
func (l *Ledger) Release(ctx context.Context, id uuid.UUID, delta int64) error {
	r, err := l.repo.Get(ctx, id)
	if err != nil {
		return errors.Wrap(err, "get resource")
	}
	fromReserved := min(delta, r.Reserved)
	r.Reserved -= fromReserved
	r.Committed -= delta - fromReserved
	if r.Committed < 0 {
		r.Committed = 0
	}
	if err := l.repo.Update(ctx, r); err != nil {
		return errors.Wrap(err, "update resource")
	}
	return nil
}

// ReleaseCommitted frees delta committed units directly, used when an active
// claim is deactivated.
func (l *Ledger) ReleaseCommitted(ctx context.Context, id uuid.UUID, delta int64) error {
	r, err := l.repo.Get(ctx, id)
	if err != nil {
		return errors.Wrap(err, "get resource")
	}
	r.Committed -= delta
	if r.Committed < 0 {
		r.Committed = 0
	}
	if err := l.repo.Update(ctx, r); err != nil {
		return errors.Wrap(err, "update resource")
	}
	return nil
}

// Occupancy returns the current counts.
func (l *Ledger) Occupancy(ctx context.Context, id uuid.UUID) (Occupancy, error) {
	r, err := l.repo.Get(ctx, id)
	if err != nil {
		return Occupancy{}, errors.Wrap(err, "get resource")
	}
	return Occupancy{Reserved: r.Reserved, Committed: r.Committed}, nil
}

// Recount rebuilds the counters from source registrations/orders. Counters
// are incrementally maintained during a checkout and recounted at its
// boundary, so drift self-heals without trusting the increments forever.
func (l *Ledger) Recount(ctx context.Context, id uuid.UUID) error {
	r, err := l.repo.Get(ctx, id)
	if err != nil {
		return errors.Wrap(err, "get resource")
	}
	reserved, committed, err := l.repo.CountClaims(ctx, id)
	if err != nil {
		return errors.Wrap(err, "count claims")
	}
	r.Reserved = reserved
	r.Committed = committed
	if err := l.repo.Update(ctx, r); err != nil {
		return errors.Wrap(err, "update resource")
	}
	return nil
}
