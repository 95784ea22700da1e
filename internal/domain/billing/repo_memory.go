package billing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/visitflow/internal/platform/apperror"
	"github.com/ehr/visitflow/internal/platform/db"
)

// MemoryRepo is an in-process Repository.
type MemoryRepo struct {
	mu      sync.RWMutex
	bills   map[uuid.UUID]*Bill // by visit
	charges map[uuid.UUID][]*Charge
	now     func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		bills:   make(map[uuid.UUID]*Bill),
		charges: make(map[uuid.UUID][]*Charge),
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

func (m *MemoryRepo) GetByVisit(_ context.Context, visitID uuid.UUID) (*Bill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bills[visitID]
	if !ok {
		return nil, apperror.NotFound("bill", visitID)
	}
	cp := *b
	cp.Charges = make([]*Charge, 0, len(m.charges[b.ID]))
	for _, c := range m.charges[b.ID] {
		cc := *c
		cp.Charges = append(cp.Charges, &cc)
	}
	return &cp, nil
}

func (m *MemoryRepo) GetByVisitForUpdate(ctx context.Context, visitID uuid.UUID) (*Bill, error) {
	return m.GetByVisit(ctx, visitID)
}

func (m *MemoryRepo) Create(ctx context.Context, b *Bill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.bills[b.VisitID]; exists {
		return apperror.Conflict(apperror.ReasonIllegalEdge, "visit %s already has a bill", b.VisitID)
	}
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	b.CreatedAt = m.now()
	cp := *b
	cp.Charges = nil
	m.bills[b.VisitID] = &cp
	visitID, billID := b.VisitID, b.ID
	m.onRollback(ctx, func() {
		delete(m.bills, visitID)
		delete(m.charges, billID)
	})
	return nil
}

func (m *MemoryRepo) Update(ctx context.Context, b *Bill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.bills[b.VisitID]
	if !ok || old.ID != b.ID {
		return apperror.NotFound("bill", b.ID)
	}
	prev := *old
	m.onRollback(ctx, func() { *old = prev })
	old.Status = b.Status
	old.Total = b.Total
	old.PaidAt = b.PaidAt
	old.PaidBy = b.PaidBy
	return nil
}

func (m *MemoryRepo) AddCharge(ctx context.Context, c *Charge) (*Charge, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.charges[c.BillID] {
		if existing.SourceEventID == c.SourceEventID {
			cp := *existing
			return &cp, false, nil
		}
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt = m.now()
	cp := *c
	billID, n := c.BillID, len(m.charges[c.BillID])
	m.charges[billID] = append(m.charges[billID], &cp)
	m.onRollback(ctx, func() { m.charges[billID] = m.charges[billID][:n] })
	return c, true, nil
}
