package capacity

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryRepository is an in-memory Repository for tests. Claim counts are fed
// through SetClaims.
type MemoryRepository struct {
	mu        sync.Mutex
	resources map[uuid.UUID]*Resource
	claims    map[uuid.UUID][2]int64
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		resources: make(map[uuid.UUID]*Resource),
		claims:    make(map[uuid.UUID][2]int64),
	}
}

// Add registers a resource.
func (r *MemoryRepository) Add(res *Resource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *res
	r.resources[res.ID] = &cp
}

// SetClaims sets the source-of-truth counts returned by CountClaims.
func (r *MemoryRepository) SetClaims(id uuid.UUID, reserved, committed int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claims[id] = [2]int64{reserved, committed}
}

func (r *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*Resource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.resources[id]
	if !ok {
		return nil, ErrResourceNotFound
	}
	cp := *res
	return &cp, nil
}

func (r *MemoryRepository) Update(_ context.Context, res *Resource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.resources[res.ID]; !ok {
		return ErrResourceNotFound
	}
	cp := *res
	r.resources[res.ID] = &cp
	return nil
}

func (r *MemoryRepository) CountClaims(_ context.Context, id uuid.UUID) (int64, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.claims[id]
	return c[0], c[1], nil
}
