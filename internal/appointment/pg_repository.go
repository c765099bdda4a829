package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/domain"
)

const appointmentColumns = `id, patient_id, doctor_id, start_time, end_time, status, priority, reason, notes,
		       created_at, updated_at, deleted_at`

var appointmentColumnList = []any{
	"id", "patient_id", "doctor_id", "start_time", "end_time", "status", "priority", "reason", "notes",
	"created_at", "updated_at", "deleted_at",
}

const (
	pgExclusionViolation = "23P01"
	noOverlapConstraint  = "appointments_no_overlap"
)

type PgRepository struct {
	pool    *pgxpool.Pool
	dialect goqu.DialectWrapper
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool, dialect: goqu.Dialect("postgres")}
}

// Helpers

func scanAppointment(row pgx.Row) (*domain.Appointment, error) {
	var a domain.Appointment
	var status, priority string

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.DoctorID,
		&a.Window.Start,
		&a.Window.End,
		&status,
		&priority,
		&a.Reason,
		&a.Notes,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.Status = domain.Status(status)
	a.Priority = domain.Priority(priority)
	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]domain.Appointment, error) {
	defer rows.Close()

	var result []domain.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgExclusionViolation && pgErr.ConstraintName == noOverlapConstraint {
		return ErrOverlapRejected
	}
	return err
}

// Interface methods

func (r *PgRepository) GetAppointment(ctx context.Context, id uuid.UUID) (*domain.Appointment, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1 AND deleted_at IS NULL
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) LockAppointment(ctx context.Context, id uuid.UUID) (*domain.Appointment, error) {
	if !db.InTransaction(ctx) {
		return nil, errors.New("lock appointment: no transaction in context")
	}
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1 AND deleted_at IS NULL
		FOR UPDATE
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) LockDoctor(ctx context.Context, doctorID uuid.UUID) error {
	if !db.InTransaction(ctx) {
		return errors.New("lock doctor: no transaction in context")
	}
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "doctor:"+doctorID.String())
	if err != nil {
		return fmt.Errorf("advisory lock doctor %s: %w", doctorID, err)
	}
	return nil
}

func (r *PgRepository) ListDoctorAppointments(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]domain.Appointment, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE doctor_id = $1
		  AND status <> 'CANCELLED'
		  AND deleted_at IS NULL
		  AND start_time < $3
		  AND end_time > $2
		ORDER BY start_time
	`, doctorID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list doctor appointments: %w", err)
	}
	return collectAppointments(rows)
}

func (r *PgRepository) InsertAppointment(ctx context.Context, a *domain.Appointment) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO appointments (`+appointmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		a.ID, a.PatientID, a.DoctorID, a.Window.Start, a.Window.End,
		string(a.Status), string(a.Priority), a.Reason, a.Notes,
		a.CreatedAt, a.UpdatedAt, a.DeletedAt,
	)
	if err != nil {
		return mapWriteError(err)
	}
	return nil
}

func (r *PgRepository) UpdateAppointment(ctx context.Context, a *domain.Appointment, expected domain.Status) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE appointments
		SET start_time = $2,
		    end_time = $3,
		    status = $4,
		    priority = $5,
		    reason = $6,
		    notes = $7,
		    updated_at = $8,
		    deleted_at = $9
		WHERE id = $1
		  AND status = $10
		  AND deleted_at IS NULL
	`,
		a.ID, a.Window.Start, a.Window.End, string(a.Status), string(a.Priority),
		a.Reason, a.Notes, a.UpdatedAt, a.DeletedAt, string(expected),
	)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleAppointment
	}
	return nil
}

func (r *PgRepository) ListAppointments(ctx context.Context, f ListFilter, from, to time.Time) ([]domain.Appointment, int, error) {
	where := []exp.Expression{goqu.C("deleted_at").IsNull()}
	if f.Status != "" {
		where = append(where, goqu.C("status").Eq(string(f.Status)))
	}
	if f.DoctorID != uuid.Nil {
		where = append(where, goqu.C("doctor_id").Eq(f.DoctorID.String()))
	}
	if f.PatientID != uuid.Nil {
		where = append(where, goqu.C("patient_id").Eq(f.PatientID.String()))
	}
	if !from.IsZero() {
		where = append(where, goqu.C("start_time").Gte(from))
	}
	if !to.IsZero() {
		where = append(where, goqu.C("start_time").Lt(to))
	}

	ds := r.dialect.From("appointments").Prepared(true).Where(where...)

	countSQL, countArgs, err := ds.Select(goqu.COUNT(goqu.Star())).ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build appointment count: %w", err)
	}
	pageSQL, pageArgs, err := ds.Select(appointmentColumnList...).
		Order(goqu.C("start_time").Desc(), goqu.C("id").Asc()).
		Limit(uint(f.Limit)).
		Offset(uint((f.Page - 1) * f.Limit)).
		ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build appointment page: %w", err)
	}

	conn := db.Conn(ctx, r.pool)

	var total int
	if err := conn.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count appointments: %w", err)
	}
	rows, err := conn.Query(ctx, pageSQL, pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list appointments: %w", err)
	}
	list, err := collectAppointments(rows)
	if err != nil {
		return nil, 0, err
	}
	return list, total, nil
}
