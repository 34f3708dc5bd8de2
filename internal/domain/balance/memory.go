package balance

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryRepository is an in-memory Repository used by tests and local
// development. It is safe for concurrent use.
type MemoryRepository struct {
	mu     sync.Mutex
	items  map[uuid.UUID]*Item
	allocs map[uuid.UUID]*Allocation
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		items:  make(map[uuid.UUID]*Item),
		allocs: make(map[uuid.UUID]*Allocation),
	}
}

func (r *MemoryRepository) CreateItem(_ context.Context, item *Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *item
	r.items[item.ID] = &cp
	return nil
}

func (r *MemoryRepository) UpdateItem(_ context.Context, item *Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[item.ID]; !ok {
		return ErrItemNotFound
	}
	cp := *item
	r.items[item.ID] = &cp
	return nil
}

func (r *MemoryRepository) GetItems(_ context.Context, ids []uuid.UUID) ([]*Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Item, 0, len(ids))
	for _, id := range ids {
		if item, ok := r.items[id]; ok {
			cp := *item
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *MemoryRepository) ItemsForRegistration(_ context.Context, registrationID uuid.UUID) ([]*Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Item
	for _, item := range r.items {
		if item.RegistrationID != nil && *item.RegistrationID == registrationID {
			cp := *item
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *MemoryRepository) MirrorsOf(_ context.Context, ids []uuid.UUID) ([]*Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var out []*Item
	for _, item := range r.items {
		if item.MirrorOfID == nil {
			continue
		}
		if _, ok := want[*item.MirrorOfID]; ok {
			cp := *item
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *MemoryRepository) FindDiscountItem(_ context.Context, ruleID, registrationID uuid.UUID) (*Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, item := range r.items {
		if item.DiscountRuleID != nil && *item.DiscountRuleID == ruleID &&
			item.RegistrationID != nil && *item.RegistrationID == registrationID {
			cp := *item
			return &cp, nil
		}
	}
	return nil, ErrItemNotFound
}

func (r *MemoryRepository) CreateAllocation(_ context.Context, a *Allocation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *a
	r.allocs[a.ID] = &cp
	return nil
}

func (r *MemoryRepository) UpdateAllocation(_ context.Context, a *Allocation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *a
	r.allocs[a.ID] = &cp
	return nil
}

func (r *MemoryRepository) AllocationsForItem(_ context.Context, itemID uuid.UUID) ([]*Allocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Allocation
	for _, a := range r.allocs {
		if a.BalanceItemID == itemID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *MemoryRepository) AllocationsForPayment(_ context.Context, paymentID uuid.UUID) ([]*Allocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Allocation
	for _, a := range r.allocs {
		if a.PaymentID == paymentID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}
