package consultation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/visitflow/internal/platform/apperror"
	"github.com/ehr/visitflow/internal/platform/db"
)

// MemoryRepo is an in-process Repository used by tests and single-node
// tooling.
type MemoryRepo struct {
	mu            sync.RWMutex
	consultations map[uuid.UUID]*Consultation
	now           func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		consultations: make(map[uuid.UUID]*Consultation),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func copyConsultation(c *Consultation) *Consultation {
	cp := *c
	cp.Diagnoses = append([]Diagnosis{}, c.Diagnoses...)
	return &cp
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

func (m *MemoryRepo) Create(ctx context.Context, c *Consultation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.OpenedAt = m.now()
	m.consultations[c.ID] = copyConsultation(c)
	id := c.ID
	m.onRollback(ctx, func() { delete(m.consultations, id) })
	return nil
}

func (m *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Consultation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.consultations[id]
	if !ok {
		return nil, apperror.NotFound("consultation", id)
	}
	return copyConsultation(c), nil
}

func (m *MemoryRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	return m.GetByID(ctx, id)
}

func (m *MemoryRepo) Update(ctx context.Context, c *Consultation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.consultations[c.ID]
	if !ok {
		return apperror.NotFound("consultation", c.ID)
	}
	cp := copyConsultation(c)
	cp.VisitID = old.VisitID
	cp.PhysicianID = old.PhysicianID
	cp.OpenedAt = old.OpenedAt
	m.consultations[c.ID] = cp
	id := c.ID
	m.onRollback(ctx, func() { m.consultations[id] = old })
	return nil
}

func (m *MemoryRepo) ListByVisit(_ context.Context, visitID uuid.UUID) ([]*Consultation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Consultation
	for _, c := range m.consultations {
		if c.VisitID == visitID {
			out = append(out, copyConsultation(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}
