package billing

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

const billCols = `id, visit_id, status, total, created_at, paid_at, paid_by`

const chargeCols = `id, bill_id, source_event, source_event_id, description, amount, created_at`

func (r *repoPG) getByVisit(ctx context.Context, visitID uuid.UUID, forUpdate bool) (*Bill, error) {
	q := `SELECT ` + billCols + ` FROM bill WHERE visit_id = $1`
	if forUpdate && db.TxFromContext(ctx) != nil {
		q += ` FOR UPDATE`
	}
	var b Bill
	err := r.conn(ctx).QueryRow(ctx, q, visitID).
		Scan(&b.ID, &b.VisitID, &b.Status, &b.Total, &b.CreatedAt, &b.PaidAt, &b.PaidBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("bill", visitID)
	}
	if err != nil {
		return nil, fmt.Errorf("get bill: %w", err)
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+chargeCols+` FROM charge
		WHERE bill_id = $1
		ORDER BY created_at, id`, b.ID)
	if err != nil {
		return nil, fmt.Errorf("list charges: %w", err)
	}
	defer rows.Close()
	b.Charges = []*Charge{}
	for rows.Next() {
		c, err := scanCharge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan charge: %w", err)
		}
		b.Charges = append(b.Charges, c)
	}
	return &b, rows.Err()
}

func scanCharge(row pgx.Row) (*Charge, error) {
	var c Charge
	if err := row.Scan(&c.ID, &c.BillID, &c.SourceEvent, &c.SourceEventID, &c.Description, &c.Amount, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *repoPG) GetByVisit(ctx context.Context, visitID uuid.UUID) (*Bill, error) {
	return r.getByVisit(ctx, visitID, false)
}

func (r *repoPG) GetByVisitForUpdate(ctx context.Context, visitID uuid.UUID) (*Bill, error) {
	return r.getByVisit(ctx, visitID, true)
}

func (r *repoPG) Create(ctx context.Context, b *Bill) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO bill (id, visit_id, status, total)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		b.ID, b.VisitID, b.Status, b.Total,
	).Scan(&b.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert bill: %w", err)
	}
	return nil
}

func (r *repoPG) Update(ctx context.Context, b *Bill) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE bill SET status = $2, total = $3, paid_at = $4, paid_by = $5
		WHERE id = $1`,
		b.ID, b.Status, b.Total, b.PaidAt, b.PaidBy)
	if err != nil {
		return fmt.Errorf("update bill: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("bill", b.ID)
	}
	return nil
}

func (r *repoPG) AddCharge(ctx context.Context, c *Charge) (*Charge, bool, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	q := r.conn(ctx)
	err := q.QueryRow(ctx, `
		INSERT INTO charge (id, bill_id, source_event, source_event_id, description, amount)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (bill_id, source_event_id) DO NOTHING
		RETURNING created_at`,
		c.ID, c.BillID, c.SourceEvent, c.SourceEventID, c.Description, c.Amount,
	).Scan(&c.CreatedAt)
	if err == nil {
		return c, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("insert charge: %w", err)
	}

	existing, err := scanCharge(q.QueryRow(ctx,
		`SELECT `+chargeCols+` FROM charge WHERE bill_id = $1 AND source_event_id = $2`,
		c.BillID, c.SourceEventID))
	if err != nil {
		return nil, false, fmt.Errorf("get charge: %w", err)
	}
	return existing, false, nil
}
