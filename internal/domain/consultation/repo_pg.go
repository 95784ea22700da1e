package consultation

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

const consultationCols = `id, visit_id, chief_complaint, history_of_present_illness, past_medical_history,
	examination, notes, status, mode, physician_id, opened_at, resumed_at, completed_at`

func (r *repoPG) scanConsultation(row pgx.Row) (*Consultation, error) {
	var c Consultation
	err := row.Scan(&c.ID, &c.VisitID, &c.ChiefComplaint, &c.HistoryOfPresentIllness, &c.PastMedicalHistory,
		&c.Examination, &c.Notes, &c.Status, &c.Mode, &c.PhysicianID, &c.OpenedAt, &c.ResumedAt, &c.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *repoPG) Create(ctx context.Context, c *Consultation) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO consultation (id, visit_id, chief_complaint, history_of_present_illness, past_medical_history,
			examination, notes, status, mode, physician_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING opened_at`,
		c.ID, c.VisitID, c.ChiefComplaint, c.HistoryOfPresentIllness, c.PastMedicalHistory,
		c.Examination, c.Notes, c.Status, c.Mode, c.PhysicianID,
	).Scan(&c.OpenedAt)
	if err != nil {
		return fmt.Errorf("insert consultation: %w", err)
	}
	return r.replaceDiagnoses(ctx, c)
}

func (r *repoPG) get(ctx context.Context, id uuid.UUID, forUpdate bool) (*Consultation, error) {
	q := `SELECT ` + consultationCols + ` FROM consultation WHERE id = $1`
	if forUpdate && db.TxFromContext(ctx) != nil {
		q += ` FOR UPDATE`
	}
	c, err := r.scanConsultation(r.conn(ctx).QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("consultation", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get consultation: %w", err)
	}
	if err := r.loadDiagnoses(ctx, []*Consultation{c}); err != nil {
		return nil, err
	}
	return c, nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	return r.get(ctx, id, false)
}

func (r *repoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	return r.get(ctx, id, true)
}

func (r *repoPG) Update(ctx context.Context, c *Consultation) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE consultation SET chief_complaint = $2, history_of_present_illness = $3, past_medical_history = $4,
			examination = $5, notes = $6, status = $7, mode = $8, resumed_at = $9, completed_at = $10
		WHERE id = $1`,
		c.ID, c.ChiefComplaint, c.HistoryOfPresentIllness, c.PastMedicalHistory,
		c.Examination, c.Notes, c.Status, c.Mode, c.ResumedAt, c.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update consultation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("consultation", c.ID)
	}
	return r.replaceDiagnoses(ctx, c)
}

func (r *repoPG) replaceDiagnoses(ctx context.Context, c *Consultation) error {
	q := r.conn(ctx)
	if _, err := q.Exec(ctx, `DELETE FROM consultation_diagnosis WHERE consultation_id = $1`, c.ID); err != nil {
		return fmt.Errorf("clear diagnoses: %w", err)
	}
	for i, d := range c.Diagnoses {
		_, err := q.Exec(ctx, `
			INSERT INTO consultation_diagnosis (consultation_id, rank, code, description, kind)
			VALUES ($1, $2, $3, $4, $5)`,
			c.ID, i, d.Code, d.Description, d.Kind)
		if err != nil {
			return fmt.Errorf("insert diagnosis: %w", err)
		}
	}
	return nil
}

func (r *repoPG) loadDiagnoses(ctx context.Context, cs []*Consultation) error {
	if len(cs) == 0 {
		return nil
	}
	byID := make(map[uuid.UUID]*Consultation, len(cs))
	ids := make([]uuid.UUID, 0, len(cs))
	for _, c := range cs {
		c.Diagnoses = []Diagnosis{}
		byID[c.ID] = c
		ids = append(ids, c.ID)
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT consultation_id, code, description, kind
		FROM consultation_diagnosis
		WHERE consultation_id = ANY($1)
		ORDER BY consultation_id, rank`, ids)
	if err != nil {
		return fmt.Errorf("list diagnoses: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid uuid.UUID
			d   Diagnosis
		)
		if err := rows.Scan(&cid, &d.Code, &d.Description, &d.Kind); err != nil {
			return fmt.Errorf("scan diagnosis: %w", err)
		}
		if c, ok := byID[cid]; ok {
			c.Diagnoses = append(c.Diagnoses, d)
		}
	}
	return rows.Err()
}

func (r *repoPG) ListByVisit(ctx context.Context, visitID uuid.UUID) ([]*Consultation, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+consultationCols+` FROM consultation
		WHERE visit_id = $1
		ORDER BY opened_at, id`, visitID)
	if err != nil {
		return nil, fmt.Errorf("list consultations: %w", err)
	}
	var out []*Consultation
	for rows.Next() {
		c, err := r.scanConsultation(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan consultation: %w", err)
		}
		out = append(out, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.loadDiagnoses(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}
