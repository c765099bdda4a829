package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling/internal/domain"
)

type Type string

const (
	AppointmentCreated     Type = "appointment.created"
	AppointmentConfirmed   Type = "appointment.confirmed"
	AppointmentRescheduled Type = "appointment.rescheduled"
	AppointmentUpdated     Type = "appointment.updated"
	AppointmentCancelled   Type = "appointment.cancelled"
	AppointmentCompleted   Type = "appointment.completed"
	AppointmentNoShow      Type = "appointment.no_show"
	AppointmentDeleted     Type = "appointment.deleted"
)

// Event is what a notifier needs to schedule or revoke reminders.
type Event struct {
	ID            uuid.UUID      `json:"id"`
	Type          Type           `json:"type"`
	AppointmentID uuid.UUID      `json:"appointment_id"`
	PatientID     uuid.UUID      `json:"patient_id"`
	DoctorID      uuid.UUID      `json:"doctor_id"`
	Window        domain.Window  `json:"window"`
	Status        domain.Status  `json:"status"`
	Previous      *domain.Window `json:"previous_window,omitempty"`
	Actor         domain.Actor   `json:"actor"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

// ForAppointment builds an event from the committed state of a.
func ForAppointment(t Type, a domain.Appointment, actor domain.Actor, at time.Time) Event {
	return Event{
		ID:            uuid.New(),
		Type:          t,
		AppointmentID: a.ID,
		PatientID:     a.PatientID,
		DoctorID:      a.DoctorID,
		Window:        a.Window,
		Status:        a.Status,
		Actor:         actor,
		OccurredAt:    at,
	}
}

// TransitionType maps a new status to the event announcing it.
func TransitionType(s domain.Status) Type {
	switch s {
	case domain.StatusConfirmed:
		return AppointmentConfirmed
	case domain.StatusCompleted:
		return AppointmentCompleted
	case domain.StatusCancelled:
		return AppointmentCancelled
	case domain.StatusNoShow:
		return AppointmentNoShow
	}
	return AppointmentUpdated
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type Handler func(ctx context.Context, event Event) error

// Dispatcher delivers events synchronously to in-process subscribers.
type Dispatcher struct {
	mu        sync.RWMutex
	listeners map[Type][]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{listeners: make(map[Type][]Handler)}
}

func (d *Dispatcher) Subscribe(t Type, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners[t] = append(d.listeners[t], h)
}

// Publish runs every handler for the event type and joins their errors.
func (d *Dispatcher) Publish(ctx context.Context, event Event) error {
	d.mu.RLock()
	handlers := append([]Handler(nil), d.listeners[event.Type]...)
	d.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Fanout publishes to several publishers, continuing past failures.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
