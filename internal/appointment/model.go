package appointment

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling/internal/domain"
)

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Doctor struct {
	ID        uuid.UUID
	Name      string
	Specialty *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Shift is one working-hours block in minutes since local midnight. An end at
// or before the start runs past midnight into the next day.
type Shift struct {
	StartMinute int `json:"start_minute"`
	EndMinute   int `json:"end_minute"`
}

func (s Shift) Overnight() bool {
	return s.EndMinute <= s.StartMinute
}

// On places the shift on the calendar day of day, in day's location.
func (s Shift) On(day time.Time) domain.Window {
	y, m, d := day.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, day.Location())
	start := midnight.Add(time.Duration(s.StartMinute) * time.Minute)
	end := midnight.Add(time.Duration(s.EndMinute) * time.Minute)
	if s.Overnight() {
		end = end.AddDate(0, 0, 1)
	}
	return domain.Window{Start: start, End: end}
}

type ProposeInput struct {
	PatientID uuid.UUID
	DoctorID  uuid.UUID
	Window    domain.Window
	Priority  domain.Priority
	Reason    string
	Notes     *string
}

// UpdateInput carries the editable details. Nil fields are left unchanged;
// an empty Notes clears the notes.
type UpdateInput struct {
	Reason   *string
	Notes    *string
	Priority *domain.Priority
}

type ListFilter struct {
	Status    domain.Status
	DoctorID  uuid.UUID
	PatientID uuid.UUID
	Date      time.Time // any instant on the day, resolved in the clinic zone
	Page      int
	Limit     int
}

type ListResult struct {
	Appointments []domain.Appointment
	Total        int
	Page         int
	Limit        int
	TotalPages   int
}
