package laboratory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/visitflow/internal/platform/apperror"
	"github.com/ehr/visitflow/internal/platform/db"
)

// MemoryRepo is an in-process Repository with its own test catalog.
type MemoryRepo struct {
	mu      sync.RWMutex
	tests   map[uuid.UUID]*LabTest
	orders  map[uuid.UUID]*LabOrder
	results map[uuid.UUID][]*Result
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		tests:   make(map[uuid.UUID]*LabTest),
		orders:  make(map[uuid.UUID]*LabOrder),
		results: make(map[uuid.UUID][]*Result),
	}
}

// AddTest puts a test into the catalog.
func (m *MemoryRepo) AddTest(t *LabTest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	cp := *t
	m.tests[t.ID] = &cp
}

func (m *MemoryRepo) GetTests(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]*LabTest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[uuid.UUID]*LabTest, len(ids))
	for _, id := range ids {
		if t, ok := m.tests[id]; ok {
			cp := *t
			out[id] = &cp
		}
	}
	return out, nil
}

func (m *MemoryRepo) CreateOrder(ctx context.Context, o *LabOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	o.OrderedAt = time.Now().UTC()
	for _, it := range o.Items {
		if it.ID == uuid.Nil {
			it.ID = uuid.New()
		}
		it.LabOrderID = o.ID
		if t, ok := m.tests[it.TestID]; ok {
			it.TestCode, it.TestName = t.Code, t.Name
		}
	}
	m.orders[o.ID] = copyOrder(o)
	id := o.ID
	m.onRollback(ctx, func() { delete(m.orders, id) })
	return nil
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

func (m *MemoryRepo) GetOrder(_ context.Context, id uuid.UUID) (*LabOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, apperror.NotFound("lab_order", id)
	}
	return m.withResults(o), nil
}

func (m *MemoryRepo) GetOrderForUpdate(ctx context.Context, id uuid.UUID) (*LabOrder, error) {
	return m.GetOrder(ctx, id)
}

func (m *MemoryRepo) UpdateOrder(ctx context.Context, o *LabOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.orders[o.ID]
	if !ok {
		return apperror.NotFound("lab_order", o.ID)
	}
	items := stored.Items
	updated := copyOrder(o)
	updated.Items = items
	updated.Results = nil
	m.orders[o.ID] = updated
	id := o.ID
	m.onRollback(ctx, func() { m.orders[id] = stored })
	return nil
}

func (m *MemoryRepo) AddResults(ctx context.Context, results []*Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, r := range results {
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		r.RecordedAt = now
		cp := *r
		orderID, n := r.LabOrderID, len(m.results[r.LabOrderID])
		m.results[orderID] = append(m.results[orderID], &cp)
		m.onRollback(ctx, func() { m.results[orderID] = m.results[orderID][:n] })
	}
	return nil
}

func (m *MemoryRepo) ListByVisit(_ context.Context, visitID uuid.UUID) ([]*LabOrder, error) {
	return m.list(func(o *LabOrder) bool { return o.VisitID == visitID }), nil
}

func (m *MemoryRepo) ListByConsultation(_ context.Context, consultationID uuid.UUID) ([]*LabOrder, error) {
	return m.list(func(o *LabOrder) bool { return o.ConsultationID == consultationID }), nil
}

func (m *MemoryRepo) CountByStatus(_ context.Context, visitID uuid.UUID, statuses ...OrderStatus) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, o := range m.orders {
		if o.VisitID != visitID {
			continue
		}
		for _, s := range statuses {
			if o.Status == s {
				n++
				break
			}
		}
	}
	return n, nil
}

func (m *MemoryRepo) list(match func(*LabOrder) bool) []*LabOrder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*LabOrder
	for _, o := range m.orders {
		if match(o) {
			out = append(out, m.withResults(o))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OrderedAt.Equal(out[j].OrderedAt) {
			return out[i].OrderedAt.Before(out[j].OrderedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func (m *MemoryRepo) withResults(o *LabOrder) *LabOrder {
	cp := copyOrder(o)
	for _, r := range m.results[o.ID] {
		rc := *r
		cp.Results = append(cp.Results, &rc)
	}
	return cp
}

func copyOrder(o *LabOrder) *LabOrder {
	cp := *o
	cp.Items = make([]*OrderItem, 0, len(o.Items))
	for _, it := range o.Items {
		ic := *it
		cp.Items = append(cp.Items, &ic)
	}
	cp.Results = nil
	return &cp
}
