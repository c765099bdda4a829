package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusScheduled Status = "SCHEDULED"
	StatusConfirmed Status = "CONFIRMED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
	StatusNoShow    Status = "NO_SHOW"
)

// Statuses lists every appointment status in lifecycle order.
var Statuses = []Status{StatusScheduled, StatusConfirmed, StatusCompleted, StatusCancelled, StatusNoShow}

func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	for _, known := range Statuses {
		if s == known {
			return s, nil
		}
	}
	return "", &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", raw)}
}

// IsTerminal reports whether no further transitions leave s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoShow
}

type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityNormal Priority = "NORMAL"
	PriorityLow    Priority = "LOW"
)

// ParsePriority defaults an empty value to NORMAL.
func ParsePriority(raw string) (Priority, error) {
	p := Priority(strings.ToUpper(strings.TrimSpace(raw)))
	switch p {
	case "":
		return PriorityNormal, nil
	case PriorityHigh, PriorityNormal, PriorityLow:
		return p, nil
	}
	return "", &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", raw)}
}

// Window is the half-open interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func NewWindow(start, end time.Time) (Window, error) {
	if start.IsZero() || end.IsZero() {
		return Window{}, &ValidationError{Field: "window", Reason: "start and end are required"}
	}
	if !end.After(start) {
		return Window{}, &ValidationError{
			Field:  "window",
			Reason: "end must be after start",
			Details: map[string]any{
				"start": start,
				"end":   end,
			},
		}
	}
	return Window{Start: start, End: end}, nil
}

func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

func (w Window) Overlaps(other Window) bool {
	return w.Start.Before(other.End) && other.Start.Before(w.End)
}

// Contains reports whether other lies fully inside w.
func (w Window) Contains(other Window) bool {
	return !other.Start.Before(w.Start) && !other.End.After(w.End)
}

func (w Window) Equal(other Window) bool {
	return w.Start.Equal(other.Start) && w.End.Equal(other.End)
}

type Appointment struct {
	ID        uuid.UUID
	PatientID uuid.UUID
	DoctorID  uuid.UUID
	Window    Window
	Status    Status
	Priority  Priority
	Reason    string
	Notes     *string
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// ResourceAppointment is the audit resource type for appointments.
const ResourceAppointment = "appointment"

// Snapshot is the audited view of the appointment. UpdatedAt is bookkeeping and
// left out so that it never shows up as a changed field.
func (a Appointment) Snapshot() Snapshot {
	s := Snapshot{
		"patient_id": a.PatientID.String(),
		"doctor_id":  a.DoctorID.String(),
		"start_time": a.Window.Start,
		"end_time":   a.Window.End,
		"status":     string(a.Status),
		"priority":   string(a.Priority),
		"reason":     a.Reason,
		"created_at": a.CreatedAt,
	}
	if a.Notes != nil {
		s["notes"] = *a.Notes
	}
	if a.DeletedAt != nil {
		s["deleted_at"] = *a.DeletedAt
	}
	return s
}
