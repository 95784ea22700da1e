package laboratory

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

func (r *repoPG) GetTests(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*LabTest, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, code, name, unit, reference_low, reference_high, reference_text, price
		FROM lab_test WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("query lab tests: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]*LabTest, len(ids))
	for rows.Next() {
		var t LabTest
		if err := rows.Scan(&t.ID, &t.Code, &t.Name, &t.Unit, &t.ReferenceLow, &t.ReferenceHigh,
			&t.ReferenceText, &t.Price); err != nil {
			return nil, fmt.Errorf("scan lab test: %w", err)
		}
		out[t.ID] = &t
	}
	return out, rows.Err()
}

const orderCols = `id, visit_id, consultation_id, priority, status, ordered_by, ordered_at,
	collected_by, collected_at, completed_at, verified_by, verified_at, report_key`

func (r *repoPG) CreateOrder(ctx context.Context, o *LabOrder) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	q := r.conn(ctx)
	err := q.QueryRow(ctx, `
		INSERT INTO lab_order (id, visit_id, consultation_id, priority, status, ordered_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ordered_at`,
		o.ID, o.VisitID, o.ConsultationID, o.Priority, o.Status, o.OrderedBy,
	).Scan(&o.OrderedAt)
	if err != nil {
		return fmt.Errorf("insert lab order: %w", err)
	}
	for _, it := range o.Items {
		if it.ID == uuid.Nil {
			it.ID = uuid.New()
		}
		it.LabOrderID = o.ID
		if _, err := q.Exec(ctx, `
			INSERT INTO lab_order_item (id, lab_order_id, test_id) VALUES ($1, $2, $3)`,
			it.ID, it.LabOrderID, it.TestID); err != nil {
			return fmt.Errorf("insert lab order item: %w", err)
		}
	}
	return nil
}

func (r *repoPG) GetOrder(ctx context.Context, id uuid.UUID) (*LabOrder, error) {
	return r.getOrder(ctx, id, false)
}

func (r *repoPG) GetOrderForUpdate(ctx context.Context, id uuid.UUID) (*LabOrder, error) {
	return r.getOrder(ctx, id, db.TxFromContext(ctx) != nil)
}

func (r *repoPG) getOrder(ctx context.Context, id uuid.UUID, forUpdate bool) (*LabOrder, error) {
	q := `SELECT ` + orderCols + ` FROM lab_order WHERE id = $1`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	o, err := scanOrder(r.conn(ctx).QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("lab_order", id)
	}
	if err != nil {
		return nil, err
	}
	if err := r.loadChildren(ctx, []*LabOrder{o}); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *repoPG) UpdateOrder(ctx context.Context, o *LabOrder) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE lab_order SET
			status = $2, collected_by = $3, collected_at = $4, completed_at = $5,
			verified_by = $6, verified_at = $7, report_key = $8
		WHERE id = $1`,
		o.ID, o.Status, o.CollectedBy, o.CollectedAt, o.CompletedAt,
		o.VerifiedBy, o.VerifiedAt, o.ReportKey,
	)
	if err != nil {
		return fmt.Errorf("update lab order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("lab_order", o.ID)
	}
	return nil
}

func (r *repoPG) AddResults(ctx context.Context, results []*Result) error {
	q := r.conn(ctx)
	for _, res := range results {
		if res.ID == uuid.Nil {
			res.ID = uuid.New()
		}
		err := q.QueryRow(ctx, `
			INSERT INTO lab_result (id, lab_order_id, test_id, value, unit, reference_range, abnormal, recorded_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING recorded_at`,
			res.ID, res.LabOrderID, res.TestID, res.Value, res.Unit, res.ReferenceRange, res.Abnormal, res.RecordedBy,
		).Scan(&res.RecordedAt)
		if err != nil {
			return fmt.Errorf("insert lab result: %w", err)
		}
	}
	return nil
}

func (r *repoPG) ListByVisit(ctx context.Context, visitID uuid.UUID) ([]*LabOrder, error) {
	return r.listOrders(ctx, `visit_id = $1`, visitID)
}

func (r *repoPG) ListByConsultation(ctx context.Context, consultationID uuid.UUID) ([]*LabOrder, error) {
	return r.listOrders(ctx, `consultation_id = $1`, consultationID)
}

func (r *repoPG) listOrders(ctx context.Context, where string, arg interface{}) ([]*LabOrder, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+orderCols+` FROM lab_order WHERE `+where+` ORDER BY ordered_at, id`, arg)
	if err != nil {
		return nil, fmt.Errorf("query lab orders: %w", err)
	}
	var out []*LabOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.loadChildren(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repoPG) CountByStatus(ctx context.Context, visitID uuid.UUID, statuses ...OrderStatus) (int, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	var n int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM lab_order WHERE visit_id = $1 AND status = ANY($2)`,
		visitID, names).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count lab orders: %w", err)
	}
	return n, nil
}

// loadChildren fills items and results of orders. Rows must be closed
// before calling, since a transaction runs one query at a time.
func (r *repoPG) loadChildren(ctx context.Context, orders []*LabOrder) error {
	if len(orders) == 0 {
		return nil
	}
	byID := make(map[uuid.UUID]*LabOrder, len(orders))
	ids := make([]uuid.UUID, 0, len(orders))
	for _, o := range orders {
		byID[o.ID] = o
		ids = append(ids, o.ID)
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT i.id, i.lab_order_id, i.test_id, t.code, t.name
		FROM lab_order_item i JOIN lab_test t ON t.id = i.test_id
		WHERE i.lab_order_id = ANY($1)
		ORDER BY t.code, i.id`, ids)
	if err != nil {
		return fmt.Errorf("query lab order items: %w", err)
	}
	for rows.Next() {
		var it OrderItem
		if err := rows.Scan(&it.ID, &it.LabOrderID, &it.TestID, &it.TestCode, &it.TestName); err != nil {
			rows.Close()
			return fmt.Errorf("scan lab order item: %w", err)
		}
		byID[it.LabOrderID].Items = append(byID[it.LabOrderID].Items, &it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = r.conn(ctx).Query(ctx, `
		SELECT id, lab_order_id, test_id, value, unit, reference_range, abnormal, recorded_by, recorded_at
		FROM lab_result WHERE lab_order_id = ANY($1)
		ORDER BY recorded_at, id`, ids)
	if err != nil {
		return fmt.Errorf("query lab results: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var res Result
		if err := rows.Scan(&res.ID, &res.LabOrderID, &res.TestID, &res.Value, &res.Unit,
			&res.ReferenceRange, &res.Abnormal, &res.RecordedBy, &res.RecordedAt); err != nil {
			return fmt.Errorf("scan lab result: %w", err)
		}
		byID[res.LabOrderID].Results = append(byID[res.LabOrderID].Results, &res)
	}
	return rows.Err()
}

func scanOrder(row pgx.Row) (*LabOrder, error) {
	var o LabOrder
	err := row.Scan(&o.ID, &o.VisitID, &o.ConsultationID, &o.Priority, &o.Status, &o.OrderedBy, &o.OrderedAt,
		&o.CollectedBy, &o.CollectedAt, &o.CompletedAt, &o.VerifiedBy, &o.VerifiedAt, &o.ReportKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan lab order: %w", err)
	}
	return &o, nil
}
