package appointment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/domain"
)

// MemoryRepository keeps appointments in process. It enforces the same
// no-overlap rule as the Postgres exclusion constraint. Writes are staged
// until the surrounding db.MemTxRunner transaction commits.
type MemoryRepository struct {
	mu    sync.RWMutex
	byID  map[uuid.UUID]domain.Appointment
	order []uuid.UUID
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[uuid.UUID]domain.Appointment)}
}

func occupiesSlot(a domain.Appointment) bool {
	return a.Status != domain.StatusCancelled && a.DeletedAt == nil
}

func (r *MemoryRepository) GetAppointment(ctx context.Context, id uuid.UUID) (*domain.Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.byID[id]
	if !ok || a.DeletedAt != nil {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

// LockAppointment relies on the runner's transaction serialization.
func (r *MemoryRepository) LockAppointment(ctx context.Context, id uuid.UUID) (*domain.Appointment, error) {
	return r.GetAppointment(ctx, id)
}

func (r *MemoryRepository) LockDoctor(ctx context.Context, doctorID uuid.UUID) error {
	return nil
}

func (r *MemoryRepository) ListDoctorAppointments(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]domain.Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	scope := domain.Window{Start: from, End: to}
	var out []domain.Appointment
	for _, id := range r.order {
		a := r.byID[id]
		if a.DoctorID == doctorID && occupiesSlot(a) && a.Window.Overlaps(scope) {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Window.Start.Before(out[j].Window.Start) })
	return out, nil
}

// overlapsLocked reports whether a would collide with a stored appointment.
// Caller holds r.mu.
func (r *MemoryRepository) overlapsLocked(a domain.Appointment) bool {
	if !occupiesSlot(a) {
		return false
	}
	for id, other := range r.byID {
		if id == a.ID || other.DoctorID != a.DoctorID || !occupiesSlot(other) {
			continue
		}
		if other.Window.Overlaps(a.Window) {
			return true
		}
	}
	return false
}

func (r *MemoryRepository) InsertAppointment(ctx context.Context, a *domain.Appointment) error {
	r.mu.RLock()
	_, exists := r.byID[a.ID]
	overlap := r.overlapsLocked(*a)
	r.mu.RUnlock()

	if exists {
		return ErrStaleAppointment
	}
	if overlap {
		return ErrOverlapRejected
	}

	stored := *a
	db.OnCommit(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.byID[stored.ID] = stored
		r.order = append(r.order, stored.ID)
	})
	return nil
}

func (r *MemoryRepository) UpdateAppointment(ctx context.Context, a *domain.Appointment, expected domain.Status) error {
	r.mu.RLock()
	current, ok := r.byID[a.ID]
	overlap := r.overlapsLocked(*a)
	r.mu.RUnlock()

	if !ok || current.DeletedAt != nil || current.Status != expected {
		return ErrStaleAppointment
	}
	if overlap {
		return ErrOverlapRejected
	}

	stored := *a
	db.OnCommit(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.byID[stored.ID] = stored
	})
	return nil
}

func (r *MemoryRepository) ListAppointments(ctx context.Context, f ListFilter, from, to time.Time) ([]domain.Appointment, int, error) {
	r.mu.RLock()
	var matched []domain.Appointment
	for _, id := range r.order {
		a := r.byID[id]
		switch {
		case a.DeletedAt != nil:
		case f.Status != "" && a.Status != f.Status:
		case f.DoctorID != uuid.Nil && a.DoctorID != f.DoctorID:
		case f.PatientID != uuid.Nil && a.PatientID != f.PatientID:
		case !from.IsZero() && a.Window.Start.Before(from):
		case !to.IsZero() && !a.Window.Start.Before(to):
		default:
			matched = append(matched, a)
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Window.Start.After(matched[j].Window.Start) })

	total := len(matched)
	offset := (f.Page - 1) * f.Limit
	if offset >= total {
		return []domain.Appointment{}, total, nil
	}
	matched = matched[offset:]
	if len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, total, nil
}

// Count reports how many appointments are stored, including deleted ones.
func (r *MemoryRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
