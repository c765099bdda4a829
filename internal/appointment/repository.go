package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling/internal/domain"
)

var (
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrOverlapRejected     = errors.New("window overlaps another appointment of the doctor")
	ErrStaleAppointment    = errors.New("appointment changed concurrently")
)

// Repository contains all appointment storage needed by the service. Every
// method joins the unit of work carried by ctx. Soft-deleted rows are invisible.
type Repository interface {
	GetAppointment(ctx context.Context, id uuid.UUID) (*domain.Appointment, error)
	// LockAppointment reads the row and holds it until the unit of work ends.
	LockAppointment(ctx context.Context, id uuid.UUID) (*domain.Appointment, error)
	// LockDoctor serializes bookings for one doctor until the unit of work ends.
	LockDoctor(ctx context.Context, doctorID uuid.UUID) error

	// For conflict checks: non-cancelled appointments of the doctor overlapping [from, to).
	ListDoctorAppointments(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]domain.Appointment, error)

	// Writes return ErrOverlapRejected when storage refuses an overlapping window.
	InsertAppointment(ctx context.Context, a *domain.Appointment) error
	// UpdateAppointment writes a only if the stored status still equals expected.
	UpdateAppointment(ctx context.Context, a *domain.Appointment, expected domain.Status) error

	ListAppointments(ctx context.Context, f ListFilter, from, to time.Time) ([]domain.Appointment, int, error)
}

// Directory answers existence checks for the people an appointment refers to.
type Directory interface {
	PatientExists(ctx context.Context, id uuid.UUID) (bool, error)
	DoctorExists(ctx context.Context, id uuid.UUID) (bool, error)
}

// ScheduleProvider returns a doctor's working hours for a weekday.
type ScheduleProvider interface {
	WorkingHours(ctx context.Context, doctorID uuid.UUID, weekday time.Weekday) ([]Shift, error)
}
