package visit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/visitflow/internal/platform/apperror"
	"github.com/ehr/visitflow/internal/platform/db"
)

// MemoryRepo is an in-process Repository. Records are copied on the way in
// and out so callers never share state with the store.
type MemoryRepo struct {
	mu      sync.RWMutex
	visits  map[uuid.UUID]*Visit
	history map[uuid.UUID][]*StatusHistory
	vitals  map[uuid.UUID][]*Vitals
	now     func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		visits:  make(map[uuid.UUID]*Visit),
		history: make(map[uuid.UUID][]*StatusHistory),
		vitals:  make(map[uuid.UUID][]*Vitals),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// onRollback registers fn, run under the store lock, to revert a write if
// the unit of work on ctx fails.
func (m *MemoryRepo) onRollback(ctx context.Context, fn func()) {
	db.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		fn()
	})
}

func (m *MemoryRepo) Create(ctx context.Context, v *Visit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	v.CreatedAt = m.now()
	v.UpdatedAt = v.CreatedAt
	cp := *v
	m.visits[v.ID] = &cp
	id := v.ID
	m.onRollback(ctx, func() { delete(m.visits, id) })
	return nil
}

func (m *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Visit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.visits[id]
	if !ok {
		return nil, apperror.NotFound("visit", id)
	}
	cp := *v
	return &cp, nil
}

func (m *MemoryRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*Visit, error) {
	return m.GetByID(ctx, id)
}

func (m *MemoryRepo) UpdateStatus(ctx context.Context, v *Visit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.visits[v.ID]
	if !ok {
		return apperror.NotFound("visit", v.ID)
	}
	prevStatus, prevAt := stored.Status, stored.UpdatedAt
	m.onRollback(ctx, func() { stored.Status, stored.UpdatedAt = prevStatus, prevAt })
	v.UpdatedAt = m.now()
	stored.Status = v.Status
	stored.UpdatedAt = v.UpdatedAt
	return nil
}

func (m *MemoryRepo) List(_ context.Context, status Status, limit, offset int) ([]*Visit, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []*Visit
	for _, v := range m.visits {
		if status == "" || v.Status == status {
			cp := *v
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID.String() < all[j].ID.String()
	})
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *MemoryRepo) AddStatusHistory(ctx context.Context, h *StatusHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	h.ChangedAt = m.now()
	cp := *h
	visitID, n := h.VisitID, len(m.history[h.VisitID])
	m.history[visitID] = append(m.history[visitID], &cp)
	m.onRollback(ctx, func() { m.history[visitID] = m.history[visitID][:n] })
	return nil
}

func (m *MemoryRepo) GetStatusHistory(_ context.Context, visitID uuid.UUID) ([]*StatusHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*StatusHistory, 0, len(m.history[visitID]))
	for _, h := range m.history[visitID] {
		cp := *h
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryRepo) AddVitals(ctx context.Context, v *Vitals) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	v.RecordedAt = m.now()
	cp := *v
	visitID, n := v.VisitID, len(m.vitals[v.VisitID])
	m.vitals[visitID] = append(m.vitals[visitID], &cp)
	m.onRollback(ctx, func() { m.vitals[visitID] = m.vitals[visitID][:n] })
	return nil
}

func (m *MemoryRepo) ListVitals(_ context.Context, visitID uuid.UUID) ([]*Vitals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Vitals, 0, len(m.vitals[visitID]))
	for _, v := range m.vitals[visitID] {
		cp := *v
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryRepo) HasVitals(_ context.Context, visitID uuid.UUID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.vitals[visitID]) > 0, nil
}
