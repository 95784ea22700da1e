package pharmacy

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/visitflow/internal/platform/apperror"
	"github.com/ehr/visitflow/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

// pgCheckViolation is the SQLSTATE of a failed CHECK constraint.
const pgCheckViolation = "23514"

const prescriptionCols = `id, visit_id, consultation_id, status, prescribed_by, created_at,
	dispensed_by, dispensed_at, cancelled_by, cancelled_at, cancel_reason`

const drugCols = `id, code, name, unit, stock_quantity, reorder_threshold, unit_price, updated_at`

func scanPrescription(row pgx.Row) (*Prescription, error) {
	var p Prescription
	err := row.Scan(&p.ID, &p.VisitID, &p.ConsultationID, &p.Status, &p.PrescribedBy, &p.CreatedAt,
		&p.DispensedBy, &p.DispensedAt, &p.CancelledBy, &p.CancelledAt, &p.CancelReason)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanDrug(row pgx.Row) (*Drug, error) {
	var d Drug
	err := row.Scan(&d.ID, &d.Code, &d.Name, &d.Unit, &d.StockQuantity, &d.ReorderThreshold, &d.UnitPrice, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *repoPG) CreatePrescription(ctx context.Context, p *Prescription) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	q := r.conn(ctx)
	err := q.QueryRow(ctx, `
		INSERT INTO prescription (id, visit_id, consultation_id, status, prescribed_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		p.ID, p.VisitID, p.ConsultationID, p.Status, p.PrescribedBy,
	).Scan(&p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert prescription: %w", err)
	}
	for i, it := range p.Items {
		if it.ID == uuid.Nil {
			it.ID = uuid.New()
		}
		it.PrescriptionID = p.ID
		_, err := q.Exec(ctx, `
			INSERT INTO prescription_item (id, prescription_id, line_no, drug_id, quantity, dose, frequency,
				duration_days, route, instructions)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			it.ID, p.ID, i, it.DrugID, it.Quantity, it.Dose, it.Frequency, it.DurationDays, it.Route, it.Instructions)
		if err != nil {
			return fmt.Errorf("insert prescription item: %w", err)
		}
	}
	return nil
}

func (r *repoPG) getPrescription(ctx context.Context, id uuid.UUID, forUpdate bool) (*Prescription, error) {
	q := `SELECT ` + prescriptionCols + ` FROM prescription WHERE id = $1`
	if forUpdate && db.TxFromContext(ctx) != nil {
		q += ` FOR UPDATE`
	}
	p, err := scanPrescription(r.conn(ctx).QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("prescription", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get prescription: %w", err)
	}
	if err := r.loadItems(ctx, []*Prescription{p}); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *repoPG) GetPrescription(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	return r.getPrescription(ctx, id, false)
}

func (r *repoPG) GetPrescriptionForUpdate(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	return r.getPrescription(ctx, id, true)
}

func (r *repoPG) loadItems(ctx context.Context, ps []*Prescription) error {
	if len(ps) == 0 {
		return nil
	}
	byID := make(map[uuid.UUID]*Prescription, len(ps))
	ids := make([]uuid.UUID, 0, len(ps))
	for _, p := range ps {
		p.Items = nil
		byID[p.ID] = p
		ids = append(ids, p.ID)
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, prescription_id, drug_id, quantity, dose, frequency, duration_days, route, instructions
		FROM prescription_item
		WHERE prescription_id = ANY($1)
		ORDER BY prescription_id, line_no`, ids)
	if err != nil {
		return fmt.Errorf("list prescription items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var it PrescriptionItem
		if err := rows.Scan(&it.ID, &it.PrescriptionID, &it.DrugID, &it.Quantity, &it.Dose, &it.Frequency,
			&it.DurationDays, &it.Route, &it.Instructions); err != nil {
			return fmt.Errorf("scan prescription item: %w", err)
		}
		if p, ok := byID[it.PrescriptionID]; ok {
			p.Items = append(p.Items, &it)
		}
	}
	return rows.Err()
}

func (r *repoPG) UpdatePrescription(ctx context.Context, p *Prescription) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE prescription SET status = $2, dispensed_by = $3, dispensed_at = $4,
			cancelled_by = $5, cancelled_at = $6, cancel_reason = $7
		WHERE id = $1`,
		p.ID, p.Status, p.DispensedBy, p.DispensedAt, p.CancelledBy, p.CancelledAt, p.CancelReason)
	if err != nil {
		return fmt.Errorf("update prescription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("prescription", p.ID)
	}
	return nil
}

func (r *repoPG) ListByVisit(ctx context.Context, visitID uuid.UUID) ([]*Prescription, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+prescriptionCols+` FROM prescription
		WHERE visit_id = $1
		ORDER BY created_at, id`, visitID)
	if err != nil {
		return nil, fmt.Errorf("list prescriptions: %w", err)
	}
	var out []*Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan prescription: %w", err)
		}
		out = append(out, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.loadItems(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repoPG) CountPending(ctx context.Context, visitID uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM prescription WHERE visit_id = $1 AND status = $2`,
		visitID, PrescriptionPending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending prescriptions: %w", err)
	}
	return n, nil
}

func (r *repoPG) GetDrug(ctx context.Context, id uuid.UUID) (*Drug, error) {
	d, err := scanDrug(r.conn(ctx).QueryRow(ctx, `SELECT `+drugCols+` FROM drug WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("drug", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get drug: %w", err)
	}
	return d, nil
}

func (r *repoPG) queryDrugs(ctx context.Context, q string, ids []uuid.UUID) ([]*Drug, error) {
	rows, err := r.conn(ctx).Query(ctx, q, ids)
	if err != nil {
		return nil, fmt.Errorf("list drugs: %w", err)
	}
	defer rows.Close()
	var out []*Drug
	for rows.Next() {
		d, err := scanDrug(rows)
		if err != nil {
			return nil, fmt.Errorf("scan drug: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *repoPG) GetDrugs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*Drug, error) {
	drugs, err := r.queryDrugs(ctx, `SELECT `+drugCols+` FROM drug WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]*Drug, len(drugs))
	for _, d := range drugs {
		out[d.ID] = d
	}
	return out, nil
}

func (r *repoPG) GetDrugsForUpdate(ctx context.Context, ids []uuid.UUID) ([]*Drug, error) {
	q := `SELECT ` + drugCols + ` FROM drug WHERE id = ANY($1) ORDER BY id`
	if db.TxFromContext(ctx) != nil {
		q += ` FOR UPDATE`
	}
	return r.queryDrugs(ctx, q, ids)
}

func (r *repoPG) AdjustStock(ctx context.Context, drugID uuid.UUID, delta int) (int, error) {
	var balance int
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE drug SET stock_quantity = stock_quantity + $2, updated_at = NOW()
		WHERE id = $1
		RETURNING stock_quantity`,
		drugID, delta).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, apperror.NotFound("drug", drugID)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgCheckViolation {
		return 0, apperror.Conflict(apperror.ReasonPreconditionFailed, "stock of drug %s cannot go below zero", drugID)
	}
	if err != nil {
		return 0, fmt.Errorf("adjust stock: %w", err)
	}
	return balance, nil
}

func (r *repoPG) AddMovement(ctx context.Context, m *StockMovement) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO stock_movement (id, drug_id, prescription_id, kind, quantity_delta, balance_after, actor_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		m.ID, m.DrugID, m.PrescriptionID, m.Kind, m.QuantityDelta, m.BalanceAfter, m.ActorID,
	).Scan(&m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert stock movement: %w", err)
	}
	return nil
}

func (r *repoPG) ListMovements(ctx context.Context, drugID uuid.UUID, limit, offset int) ([]*StockMovement, int, error) {
	q := r.conn(ctx)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM stock_movement WHERE drug_id = $1`, drugID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count stock movements: %w", err)
	}
	rows, err := q.Query(ctx, `
		SELECT id, drug_id, prescription_id, kind, quantity_delta, balance_after, actor_id, created_at
		FROM stock_movement
		WHERE drug_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3`, drugID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list stock movements: %w", err)
	}
	defer rows.Close()
	var out []*StockMovement
	for rows.Next() {
		var m StockMovement
		if err := rows.Scan(&m.ID, &m.DrugID, &m.PrescriptionID, &m.Kind, &m.QuantityDelta, &m.BalanceAfter,
			&m.ActorID, &m.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan stock movement: %w", err)
		}
		out = append(out, &m)
	}
	return out, total, rows.Err()
}
