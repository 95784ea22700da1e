package pharmacy

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/visitflow/internal/platform/apperror"
	"github.com/ehr/visitflow/internal/platform/db"
	"github.com/ehr/visitflow/pkg/pagination"
)

// MemoryRepo is an in-process Repository. It enforces the non-negative
// stock rule the way the drug table's CHECK constraint does.
type MemoryRepo struct {
	mu            sync.RWMutex
	prescriptions map[uuid.UUID]*Prescription
	drugs         map[uuid.UUID]*Drug
	movements     []*StockMovement
	now           func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		prescriptions: make(map[uuid.UUID]*Prescription),
		drugs:         make(map[uuid.UUID]*Drug),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// AddDrug puts a drug into the master list.
func (m *MemoryRepo) AddDrug(d *Drug) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	d.UpdatedAt = m.now()
	cp := *d
	m.drugs[d.ID] = &cp
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

func copyPrescription(p *Prescription) *Prescription {
	cp := *p
	cp.Items = make([]*PrescriptionItem, len(p.Items))
	for i, it := range p.Items {
		item := *it
		cp.Items[i] = &item
	}
	return &cp
}

func (m *MemoryRepo) CreatePrescription(ctx context.Context, p *Prescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = m.now()
	for _, it := range p.Items {
		if it.ID == uuid.Nil {
			it.ID = uuid.New()
		}
		it.PrescriptionID = p.ID
	}
	m.prescriptions[p.ID] = copyPrescription(p)
	id := p.ID
	m.onRollback(ctx, func() { delete(m.prescriptions, id) })
	return nil
}

func (m *MemoryRepo) GetPrescription(_ context.Context, id uuid.UUID) (*Prescription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.prescriptions[id]
	if !ok {
		return nil, apperror.NotFound("prescription", id)
	}
	return copyPrescription(p), nil
}

func (m *MemoryRepo) GetPrescriptionForUpdate(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	return m.GetPrescription(ctx, id)
}

func (m *MemoryRepo) UpdatePrescription(ctx context.Context, p *Prescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.prescriptions[p.ID]
	if !ok {
		return apperror.NotFound("prescription", p.ID)
	}
	prev := copyPrescription(old)
	m.onRollback(ctx, func() { *old = *prev })
	old.Status = p.Status
	old.DispensedBy = p.DispensedBy
	old.DispensedAt = p.DispensedAt
	old.CancelledBy = p.CancelledBy
	old.CancelledAt = p.CancelledAt
	old.CancelReason = p.CancelReason
	return nil
}

func (m *MemoryRepo) ListByVisit(_ context.Context, visitID uuid.UUID) ([]*Prescription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Prescription
	for _, p := range m.prescriptions {
		if p.VisitID == visitID {
			out = append(out, copyPrescription(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRepo) CountPending(_ context.Context, visitID uuid.UUID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, p := range m.prescriptions {
		if p.VisitID == visitID && p.Status == PrescriptionPending {
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepo) GetDrug(_ context.Context, id uuid.UUID) (*Drug, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drugs[id]
	if !ok {
		return nil, apperror.NotFound("drug", id)
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryRepo) GetDrugs(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]*Drug, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[uuid.UUID]*Drug, len(ids))
	for _, id := range ids {
		if d, ok := m.drugs[id]; ok {
			cp := *d
			out[id] = &cp
		}
	}
	return out, nil
}

func (m *MemoryRepo) GetDrugsForUpdate(ctx context.Context, ids []uuid.UUID) ([]*Drug, error) {
	found, err := m.GetDrugs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]*Drug, 0, len(found))
	for _, d := range found {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (m *MemoryRepo) AdjustStock(ctx context.Context, drugID uuid.UUID, delta int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drugs[drugID]
	if !ok {
		return 0, apperror.NotFound("drug", drugID)
	}
	if d.StockQuantity+delta < 0 {
		return 0, apperror.Conflict(apperror.ReasonPreconditionFailed, "stock of drug %s cannot go below zero", drugID)
	}
	prevQty, prevAt := d.StockQuantity, d.UpdatedAt
	m.onRollback(ctx, func() { d.StockQuantity, d.UpdatedAt = prevQty, prevAt })
	d.StockQuantity += delta
	d.UpdatedAt = m.now()
	return d.StockQuantity, nil
}

func (m *MemoryRepo) AddMovement(ctx context.Context, mv *StockMovement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mv.ID == uuid.Nil {
		mv.ID = uuid.New()
	}
	mv.CreatedAt = m.now()
	cp := *mv
	m.movements = append(m.movements, &cp)
	id := mv.ID
	m.onRollback(ctx, func() {
		for i, x := range m.movements {
			if x.ID == id {
				m.movements = append(m.movements[:i], m.movements[i+1:]...)
				return
			}
		}
	})
	return nil
}

func (m *MemoryRepo) ListMovements(_ context.Context, drugID uuid.UUID, limit, offset int) ([]*StockMovement, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []*StockMovement
	for i := len(m.movements) - 1; i >= 0; i-- {
		if mv := m.movements[i]; mv.DrugID == drugID {
			cp := *mv
			all = append(all, &cp)
		}
	}
	start, end := pagination.Params{Limit: limit, Offset: offset}.Window(len(all))
	return all[start:end], len(all), nil
}
