package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-scheduling/internal/domain"
)

func TestDispatcherDeliversToSubscribersOfType(t *testing.T) {
	d := NewDispatcher()
	var got []Type
	d.Subscribe(AppointmentCreated, func(ctx context.Context, e Event) error {
		got = append(got, e.Type)
		return nil
	})

	require.NoError(t, d.Publish(context.Background(), Event{Type: AppointmentCreated}))
	require.NoError(t, d.Publish(context.Background(), Event{Type: AppointmentCancelled}))

	assert.Equal(t, []Type{AppointmentCreated}, got)
}

func TestDispatcherRunsAllHandlersAndJoinsErrors(t *testing.T) {
	d := NewDispatcher()
	calls := 0
	boom := errors.New("reminder queue down")
	d.Subscribe(AppointmentCompleted, func(context.Context, Event) error { calls++; return boom })
	d.Subscribe(AppointmentCompleted, func(context.Context, Event) error { calls++; return nil })

	err := d.Publish(context.Background(), Event{Type: AppointmentCompleted})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
}

func TestForAppointmentCopiesCommittedState(t *testing.T) {
	start := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	a := domain.Appointment{
		ID:        uuid.New(),
		PatientID: uuid.New(),
		DoctorID:  uuid.New(),
		Window:    domain.Window{Start: start, End: start.Add(30 * time.Minute)},
		Status:    domain.StatusCancelled,
	}

	e := ForAppointment(TransitionType(a.Status), a, domain.SystemActor, start)

	assert.Equal(t, AppointmentCancelled, e.Type)
	assert.Equal(t, a.ID, e.AppointmentID)
	assert.Equal(t, a.Window, e.Window)
	assert.NotEqual(t, uuid.Nil, e.ID)
}

func TestFanoutContinuesPastFailures(t *testing.T) {
	first := NewDispatcher()
	second := NewDispatcher()
	delivered := false
	first.Subscribe(AppointmentCreated, func(context.Context, Event) error { return errors.New("down") })
	second.Subscribe(AppointmentCreated, func(context.Context, Event) error { delivered = true; return nil })

	err := Fanout{first, second}.Publish(context.Background(), Event{Type: AppointmentCreated})

	assert.Error(t, err)
	assert.True(t, delivered)
}
