package visit

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

const visitCols = `id, patient_id, visit_type, chief_complaint, status, created_by, created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, v *Visit) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO visit (id, patient_id, visit_type, chief_complaint, status, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		v.ID, v.PatientID, v.VisitType, v.ChiefComplaint, v.Status, v.CreatedBy,
	).Scan(&v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert visit: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Visit, error) {
	return scanVisit(r.conn(ctx).QueryRow(ctx, `SELECT `+visitCols+` FROM visit WHERE id = $1`, id), id)
}

func (r *repoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Visit, error) {
	q := `SELECT ` + visitCols + ` FROM visit WHERE id = $1`
	if db.TxFromContext(ctx) != nil {
		q += ` FOR UPDATE`
	}
	return scanVisit(r.conn(ctx).QueryRow(ctx, q, id), id)
}

func (r *repoPG) UpdateStatus(ctx context.Context, v *Visit) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE visit SET status = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		v.ID, v.Status,
	).Scan(&v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperror.NotFound("visit", v.ID)
	}
	if err != nil {
		return fmt.Errorf("update visit status: %w", err)
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, status Status, limit, offset int) ([]*Visit, int, error) {
	where, args := "", []interface{}{}
	if status != "" {
		where = ` WHERE status = $1`
		args = append(args, status)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM visit`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count visits: %w", err)
	}

	args = append(args, limit, offset)
	q := fmt.Sprintf(`SELECT %s FROM visit%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		visitCols, where, len(args)-1, len(args))
	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list visits: %w", err)
	}
	defer rows.Close()

	var out []*Visit
	for rows.Next() {
		v, err := scanVisit(rows, uuid.Nil)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, v)
	}
	return out, total, rows.Err()
}

func (r *repoPG) AddStatusHistory(ctx context.Context, h *StatusHistory) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO visit_status_history (id, visit_id, from_status, to_status, actor_id, actor_role, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING changed_at`,
		h.ID, h.VisitID, h.FromStatus, h.ToStatus, h.ActorID, h.ActorRole, h.Reason,
	).Scan(&h.ChangedAt)
	if err != nil {
		return fmt.Errorf("insert visit status history: %w", err)
	}
	return nil
}

func (r *repoPG) GetStatusHistory(ctx context.Context, visitID uuid.UUID) ([]*StatusHistory, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, visit_id, from_status, to_status, actor_id, actor_role, reason, changed_at
		FROM visit_status_history WHERE visit_id = $1
		ORDER BY changed_at, id`, visitID)
	if err != nil {
		return nil, fmt.Errorf("query visit status history: %w", err)
	}
	defer rows.Close()

	var out []*StatusHistory
	for rows.Next() {
		var h StatusHistory
		if err := rows.Scan(&h.ID, &h.VisitID, &h.FromStatus, &h.ToStatus,
			&h.ActorID, &h.ActorRole, &h.Reason, &h.ChangedAt); err != nil {
			return nil, fmt.Errorf("scan visit status history: %w", err)
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

const vitalsCols = `id, visit_id, temperature_c, pulse_bpm, respiratory_rate, systolic_mmhg,
	diastolic_mmhg, spo2_percent, weight_kg, height_cm, recorded_by, recorded_at`

func (r *repoPG) AddVitals(ctx context.Context, v *Vitals) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO visit_vitals (
			id, visit_id, temperature_c, pulse_bpm, respiratory_rate, systolic_mmhg,
			diastolic_mmhg, spo2_percent, weight_kg, height_cm, recorded_by
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING recorded_at`,
		v.ID, v.VisitID, v.TemperatureC, v.PulseBPM, v.RespiratoryRate, v.SystolicMMHg,
		v.DiastolicMMHg, v.SpO2Percent, v.WeightKg, v.HeightCm, v.RecordedBy,
	).Scan(&v.RecordedAt)
	if err != nil {
		return fmt.Errorf("insert vitals: %w", err)
	}
	return nil
}

func (r *repoPG) ListVitals(ctx context.Context, visitID uuid.UUID) ([]*Vitals, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+vitalsCols+` FROM visit_vitals WHERE visit_id = $1 ORDER BY recorded_at`, visitID)
	if err != nil {
		return nil, fmt.Errorf("query vitals: %w", err)
	}
	defer rows.Close()

	var out []*Vitals
	for rows.Next() {
		var v Vitals
		if err := rows.Scan(&v.ID, &v.VisitID, &v.TemperatureC, &v.PulseBPM, &v.RespiratoryRate,
			&v.SystolicMMHg, &v.DiastolicMMHg, &v.SpO2Percent, &v.WeightKg, &v.HeightCm,
			&v.RecordedBy, &v.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan vitals: %w", err)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

func (r *repoPG) HasVitals(ctx context.Context, visitID uuid.UUID) (bool, error) {
	var ok bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM visit_vitals WHERE visit_id = $1)`, visitID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check vitals: %w", err)
	}
	return ok, nil
}

func scanVisit(row pgx.Row, id uuid.UUID) (*Visit, error) {
	var v Visit
	err := row.Scan(&v.ID, &v.PatientID, &v.VisitType, &v.ChiefComplaint, &v.Status,
		&v.CreatedBy, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("visit", id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan visit: %w", err)
	}
	return &v, nil
}
