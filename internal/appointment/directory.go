package appointment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-scheduling/internal/db"
)

// PgDirectory reads doctors, patients and working hours from Postgres.
type PgDirectory struct {
	pool *pgxpool.Pool
}

func NewPgDirectory(pool *pgxpool.Pool) *PgDirectory {
	return &PgDirectory{pool: pool}
}

func (d *PgDirectory) PatientExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var ok bool
	err := db.Conn(ctx, d.pool).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM patients WHERE id = $1)`, id).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check patient: %w", err)
	}
	return ok, nil
}

func (d *PgDirectory) DoctorExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var ok bool
	err := db.Conn(ctx, d.pool).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM doctors WHERE id = $1)`, id).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check doctor: %w", err)
	}
	return ok, nil
}

func (d *PgDirectory) WorkingHours(ctx context.Context, doctorID uuid.UUID, weekday time.Weekday) ([]Shift, error) {
	rows, err := db.Conn(ctx, d.pool).Query(ctx, `
		SELECT start_minute, end_minute
		FROM doctor_schedules
		WHERE doctor_id = $1 AND weekday = $2
		ORDER BY start_minute
	`, doctorID, int(weekday))
	if err != nil {
		return nil, fmt.Errorf("query working hours: %w", err)
	}
	defer rows.Close()

	var shifts []Shift
	for rows.Next() {
		var s Shift
		if err := rows.Scan(&s.StartMinute, &s.EndMinute); err != nil {
			return nil, err
		}
		shifts = append(shifts, s)
	}
	return shifts, rows.Err()
}

func (d *PgDirectory) AddDoctor(ctx context.Context, doc Doctor) error {
	_, err := db.Conn(ctx, d.pool).Exec(ctx, `
		INSERT INTO doctors (id, name, specialty, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
	`, doc.ID, doc.Name, doc.Specialty)
	if err != nil {
		return fmt.Errorf("insert doctor: %w", err)
	}
	return nil
}

func (d *PgDirectory) AddPatient(ctx context.Context, p Patient) error {
	_, err := db.Conn(ctx, d.pool).Exec(ctx, `
		INSERT INTO patients (id, name, email, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
	`, p.ID, p.Name, p.Email)
	if err != nil {
		return fmt.Errorf("insert patient: %w", err)
	}
	return nil
}

// SetWorkingHours replaces the doctor's shifts for one weekday.
func (d *PgDirectory) SetWorkingHours(ctx context.Context, doctorID uuid.UUID, weekday time.Weekday, shifts []Shift) error {
	conn := db.Conn(ctx, d.pool)
	if _, err := conn.Exec(ctx, `DELETE FROM doctor_schedules WHERE doctor_id = $1 AND weekday = $2`, doctorID, int(weekday)); err != nil {
		return fmt.Errorf("clear working hours: %w", err)
	}
	for _, s := range shifts {
		_, err := conn.Exec(ctx, `
			INSERT INTO doctor_schedules (doctor_id, weekday, start_minute, end_minute)
			VALUES ($1, $2, $3, $4)
		`, doctorID, int(weekday), s.StartMinute, s.EndMinute)
		if err != nil {
			return fmt.Errorf("insert working hours: %w", err)
		}
	}
	return nil
}

// StaticDirectory is an in-memory Directory and ScheduleProvider.
type StaticDirectory struct {
	mu       sync.RWMutex
	patients map[uuid.UUID]Patient
	doctors  map[uuid.UUID]Doctor
	hours    map[uuid.UUID]map[time.Weekday][]Shift
}

func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{
		patients: make(map[uuid.UUID]Patient),
		doctors:  make(map[uuid.UUID]Doctor),
		hours:    make(map[uuid.UUID]map[time.Weekday][]Shift),
	}
}

func (d *StaticDirectory) AddPatient(_ context.Context, p Patient) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.patients[p.ID] = p
	return nil
}

func (d *StaticDirectory) AddDoctor(_ context.Context, doc Doctor) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.doctors[doc.ID] = doc
	return nil
}

func (d *StaticDirectory) SetWorkingHours(_ context.Context, doctorID uuid.UUID, weekday time.Weekday, shifts []Shift) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.hours[doctorID] == nil {
		d.hours[doctorID] = make(map[time.Weekday][]Shift)
	}
	d.hours[doctorID][weekday] = append([]Shift(nil), shifts...)
	return nil
}

func (d *StaticDirectory) PatientExists(_ context.Context, id uuid.UUID) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.patients[id]
	return ok, nil
}

func (d *StaticDirectory) DoctorExists(_ context.Context, id uuid.UUID) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.doctors[id]
	return ok, nil
}

func (d *StaticDirectory) WorkingHours(_ context.Context, doctorID uuid.UUID, weekday time.Weekday) ([]Shift, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Shift(nil), d.hours[doctorID][weekday]...), nil
}

// Patients and Doctors list the registered ids, for demo data and simulations.
func (d *StaticDirectory) Patients() []uuid.UUID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(d.patients))
	for id := range d.patients {
		ids = append(ids, id)
	}
	return ids
}

func (d *StaticDirectory) Doctors() []uuid.UUID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(d.doctors))
	for id := range d.doctors {
		ids = append(ids, id)
	}
	return ids
}
