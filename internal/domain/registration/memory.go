package registration

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryRepository is an in-memory Repository for tests.
type MemoryRepository struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*Registration
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rows: make(map[uuid.UUID]*Registration)}
}

func (m *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryRepository) GetActive(_ context.Context, memberID, groupID uuid.UUID, cycle int64) (*Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.MemberID == memberID && r.GroupID == groupID && r.Cycle == cycle &&
			(r.Status == StatusActive || r.Status == StatusReserved) {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryRepository) FindDeactivated(_ context.Context, memberID, groupID uuid.UUID, cycle int64) (*Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *Registration
	for _, r := range m.rows {
		if r.MemberID != memberID || r.GroupID != groupID || r.Cycle != cycle || r.Status != StatusDeactivated {
			continue
		}
		if latest == nil || (r.DeactivatedAt != nil && latest.DeactivatedAt != nil && r.DeactivatedAt.After(*latest.DeactivatedAt)) {
			latest = r
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryRepository) ActiveForMember(_ context.Context, memberID uuid.UUID) ([]*Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Registration
	for _, r := range m.rows {
		if r.MemberID == memberID && r.Status == StatusActive {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryRepository) Create(_ context.Context, r *Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rows[r.ID] = &cp
	return nil
}

func (m *MemoryRepository) Update(_ context.Context, r *Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[r.ID]; !ok {
		return ErrNotFound
	}
	cp := *r
	m.rows[r.ID] = &cp
	return nil
}
