package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/audit"
	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/domain"
	"github.com/hackgods/clinic-scheduling/internal/events"
	redisclient "github.com/hackgods/clinic-scheduling/internal/redis"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Policy holds the clinic rules the engine validates against.
type Policy struct {
	AllowedDurations []time.Duration // empty allows any positive duration
	Location         *time.Location  // clinic zone for days and working hours
}

type Dependencies struct {
	Repo      Repository
	Tx        db.TxRunner
	Locker    redisclient.Locker
	Directory Directory
	Schedules ScheduleProvider
	Recorder  *audit.Recorder
	Publisher events.Publisher
	Log       zerolog.Logger
}

// Service is the scheduling engine. Every accepted mutation commits together
// with exactly one audit entry, or queues that entry in best effort mode.
type Service struct {
	repo      Repository
	tx        db.TxRunner
	locker    redisclient.Locker
	directory Directory
	schedules ScheduleProvider
	recorder  *audit.Recorder
	publisher events.Publisher
	policy    Policy
	now       func() time.Time
	log       zerolog.Logger
}

func NewService(deps Dependencies, policy Policy) *Service {
	if policy.Location == nil {
		policy.Location = time.UTC
	}
	return &Service{
		repo:      deps.Repo,
		tx:        deps.Tx,
		locker:    deps.Locker,
		directory: deps.Directory,
		schedules: deps.Schedules,
		recorder:  deps.Recorder,
		publisher: deps.Publisher,
		policy:    policy,
		now:       time.Now,
		log:       deps.Log,
	}
}

// WithClock replaces the wall clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// timestamp is the current time at the precision TIMESTAMPTZ keeps, so
// snapshots match what a read returns.
func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// ProposeAppointment books a new SCHEDULED appointment after checking the
// duration, the doctor's working hours and the doctor's existing bookings.
func (s *Service) ProposeAppointment(ctx context.Context, actor domain.Actor, in ProposeInput) (*domain.Appointment, error) {
	if in.PatientID == uuid.Nil {
		return nil, &domain.ValidationError{Field: "patient_id", Reason: "patient id is required"}
	}
	if in.DoctorID == uuid.Nil {
		return nil, &domain.ValidationError{Field: "doctor_id", Reason: "doctor id is required"}
	}
	window, err := s.validateWindow(in.Window)
	if err != nil {
		return nil, err
	}
	priority, err := domain.ParsePriority(string(in.Priority))
	if err != nil {
		return nil, err
	}

	if err := s.checkExists(ctx, in.PatientID, in.DoctorID); err != nil {
		return nil, err
	}
	if err := s.checkWorkingHours(ctx, in.DoctorID, window); err != nil {
		return nil, err
	}

	now := s.timestamp()
	appt := domain.Appointment{
		ID:        uuid.New(),
		PatientID: in.PatientID,
		DoctorID:  in.DoctorID,
		Window:    window,
		Status:    domain.StatusScheduled,
		Priority:  priority,
		Reason:    strings.TrimSpace(in.Reason),
		Notes:     in.Notes,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = s.locker.WithLock(ctx, redisclient.DoctorKey(in.DoctorID), func(ctx context.Context) error {
		return s.tx.InTx(ctx, func(ctx context.Context) error {
			if err := s.repo.LockDoctor(ctx, appt.DoctorID); err != nil {
				return err
			}
			if err := s.rejectConflict(ctx, appt.DoctorID, appt.Window, uuid.Nil); err != nil {
				return err
			}
			if err := s.write(ctx, appt, func(ctx context.Context) error {
				return s.repo.InsertAppointment(ctx, &appt)
			}); err != nil {
				return err
			}
			_, err := s.recorder.Record(ctx, audit.Record{
				Actor:        actor,
				Action:       domain.ActionCreate,
				ResourceType: domain.ResourceAppointment,
				ResourceID:   appt.ID.String(),
				After:        appt.Snapshot(),
				Operation:    "createAppointment",
				Params: map[string]string{
					"patient_id": appt.PatientID.String(),
					"doctor_id":  appt.DoctorID.String(),
				},
			})
			return err
		})
	})
	if err != nil {
		return nil, s.fail("propose appointment", appt.ID, err)
	}

	s.log.Info().
		Str("appointment_id", appt.ID.String()).
		Str("doctor_id", appt.DoctorID.String()).
		Time("start", appt.Window.Start).
		Msg("appointment scheduled")
	s.publish(ctx, events.ForAppointment(events.AppointmentCreated, appt, actor, now))
	return &appt, nil
}

// TransitionStatus moves an appointment along the status machine. Completing
// an appointment ahead of its start applies closeOutWindow.
func (s *Service) TransitionStatus(ctx context.Context, actor domain.Actor, id uuid.UUID, to domain.Status, note string) (*domain.Appointment, error) {
	if _, err := domain.ParseStatus(string(to)); err != nil {
		return nil, err
	}

	var before, after domain.Appointment
	err := s.withAppointment(ctx, id, func(ctx context.Context, current *domain.Appointment) error {
		if !CanTransition(current.Status, to) {
			return &domain.IllegalTransitionError{Current: current.Status, Requested: to}
		}

		now := s.timestamp()
		before, after = *current, *current
		after.Status = to
		after.UpdatedAt = now

		if to == domain.StatusCompleted {
			after.Window = closeOutWindow(current.Window, now)
			if !after.Window.Equal(current.Window) {
				if err := s.rejectConflict(ctx, after.DoctorID, after.Window, after.ID); err != nil {
					return err
				}
			}
		}

		params := map[string]string{"status": string(to)}
		if note = strings.TrimSpace(note); note != "" {
			params["note"] = note
		}
		return s.apply(ctx, actor, before, after, domain.ActionTransition, "transitionAppointmentStatus", params)
	})
	if err != nil {
		return nil, s.fail("transition appointment", id, err)
	}

	s.log.Info().
		Str("appointment_id", id.String()).
		Str("from", string(before.Status)).
		Str("to", string(after.Status)).
		Msg("appointment status changed")
	s.publish(ctx, events.ForAppointment(events.TransitionType(to), after, actor, after.UpdatedAt))
	return &after, nil
}

// RescheduleAppointment moves a non-terminal appointment to a new window. The
// conflict check ignores the appointment's own current slot.
func (s *Service) RescheduleAppointment(ctx context.Context, actor domain.Actor, id uuid.UUID, w domain.Window) (*domain.Appointment, error) {
	window, err := s.validateWindow(w)
	if err != nil {
		return nil, err
	}

	var before, after domain.Appointment
	changed := false
	err = s.withAppointment(ctx, id, func(ctx context.Context, current *domain.Appointment) error {
		before, after = *current, *current
		if current.Status.IsTerminal() {
			return &domain.ValidationError{
				Field:   "status",
				Reason:  fmt.Sprintf("a %s appointment cannot be rescheduled", current.Status),
				Details: map[string]any{"current_status": string(current.Status)},
			}
		}
		if current.Window.Equal(window) {
			return nil
		}
		if err := s.checkWorkingHours(ctx, current.DoctorID, window); err != nil {
			return err
		}
		if err := s.rejectConflict(ctx, current.DoctorID, window, current.ID); err != nil {
			return err
		}

		after.Window = window
		after.UpdatedAt = s.timestamp()
		changed = true
		return s.apply(ctx, actor, before, after, domain.ActionReschedule, "rescheduleAppointment", nil)
	})
	if err != nil {
		return nil, s.fail("reschedule appointment", id, err)
	}
	if !changed {
		return &after, nil
	}

	ev := events.ForAppointment(events.AppointmentRescheduled, after, actor, after.UpdatedAt)
	previous := before.Window
	ev.Previous = &previous
	s.publish(ctx, ev)
	return &after, nil
}

// UpdateDetails edits reason, notes and priority. An edit that changes
// nothing commits nothing and records nothing.
func (s *Service) UpdateDetails(ctx context.Context, actor domain.Actor, id uuid.UUID, in UpdateInput) (*domain.Appointment, error) {
	var priority *domain.Priority
	if in.Priority != nil {
		if *in.Priority == "" {
			return nil, &domain.ValidationError{Field: "priority", Reason: "priority cannot be empty"}
		}
		p, err := domain.ParsePriority(string(*in.Priority))
		if err != nil {
			return nil, err
		}
		priority = &p
	}

	var after domain.Appointment
	changed := false
	err := s.withAppointment(ctx, id, func(ctx context.Context, current *domain.Appointment) error {
		before := *current
		after = *current
		if in.Reason != nil {
			after.Reason = strings.TrimSpace(*in.Reason)
		}
		if in.Notes != nil {
			notes := *in.Notes
			after.Notes = &notes
		}
		if priority != nil {
			after.Priority = *priority
		}
		if len(audit.ComputeDiff(before.Snapshot(), after.Snapshot())) == 0 {
			after = before
			return nil
		}

		after.UpdatedAt = s.timestamp()
		changed = true
		return s.apply(ctx, actor, before, after, domain.ActionUpdate, "updateAppointment", nil)
	})
	if err != nil {
		return nil, s.fail("update appointment", id, err)
	}

	if changed {
		s.publish(ctx, events.ForAppointment(events.AppointmentUpdated, after, actor, after.UpdatedAt))
	}
	return &after, nil
}

// DeleteAppointment soft deletes: the row stays for the audit trail but frees
// its slot and disappears from reads.
func (s *Service) DeleteAppointment(ctx context.Context, actor domain.Actor, id uuid.UUID) error {
	var after domain.Appointment
	err := s.withAppointment(ctx, id, func(ctx context.Context, current *domain.Appointment) error {
		now := s.timestamp()
		after = *current
		after.DeletedAt = &now
		after.UpdatedAt = now
		return s.apply(ctx, actor, *current, after, domain.ActionDelete, "deleteAppointment", nil)
	})
	if err != nil {
		return s.fail("delete appointment", id, err)
	}

	s.log.Info().Str("appointment_id", id.String()).Msg("appointment deleted")
	s.publish(ctx, events.ForAppointment(events.AppointmentDeleted, after, actor, *after.DeletedAt))
	return nil
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*domain.Appointment, error) {
	a, err := s.repo.GetAppointment(ctx, id)
	if err != nil {
		return nil, s.fail("get appointment", id, err)
	}
	return a, nil
}

// ListAppointments pages through appointments, latest start first.
func (s *Service) ListAppointments(ctx context.Context, f ListFilter) (*ListResult, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultListLimit
	case f.Limit > MaxListLimit:
		f.Limit = MaxListLimit
	}

	var from, to time.Time
	if !f.Date.IsZero() {
		from = startOfDay(f.Date.In(s.policy.Location))
		to = from.AddDate(0, 0, 1)
	}

	list, total, err := s.repo.ListAppointments(ctx, f, from, to)
	if err != nil {
		return nil, domain.AsStorageError("list appointments", err)
	}
	if list == nil {
		list = []domain.Appointment{}
	}
	return &ListResult{
		Appointments: list,
		Total:        total,
		Page:         f.Page,
		Limit:        f.Limit,
		TotalPages:   (total + f.Limit - 1) / f.Limit,
	}, nil
}

// FindConflict returns the earliest-starting appointment of the doctor that
// overlaps w, ignoring exclude. It scans the calendar days w touches.
func (s *Service) FindConflict(ctx context.Context, doctorID uuid.UUID, w domain.Window, exclude uuid.UUID) (*domain.Appointment, error) {
	from := startOfDay(w.Start.In(s.policy.Location))
	to := startOfDay(w.End.In(s.policy.Location)).AddDate(0, 0, 1)

	existing, err := s.repo.ListDoctorAppointments(ctx, doctorID, from, to)
	if err != nil {
		return nil, err
	}

	var first *domain.Appointment
	for i := range existing {
		a := existing[i]
		if a.ID == exclude || a.Status == domain.StatusCancelled || !a.Window.Overlaps(w) {
			continue
		}
		if first == nil || a.Window.Start.Before(first.Window.Start) {
			first = &a
		}
	}
	return first, nil
}

func (s *Service) rejectConflict(ctx context.Context, doctorID uuid.UUID, w domain.Window, exclude uuid.UUID) error {
	conflict, err := s.FindConflict(ctx, doctorID, w, exclude)
	if err != nil {
		return err
	}
	if conflict != nil {
		return &domain.ConflictError{
			ConflictingID: conflict.ID,
			DoctorID:      doctorID,
			Requested:     w,
			Existing:      conflict.Window,
		}
	}
	return nil
}

// withAppointment runs fn on the locked current state of id. Locks are taken
// doctor first, then appointment, then the rows inside one transaction.
func (s *Service) withAppointment(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, current *domain.Appointment) error) error {
	peek, err := s.repo.GetAppointment(ctx, id)
	if err != nil {
		return err
	}

	return s.locker.WithLock(ctx, redisclient.DoctorKey(peek.DoctorID), func(ctx context.Context) error {
		return s.locker.WithLock(ctx, redisclient.AppointmentKey(id), func(ctx context.Context) error {
			return s.tx.InTx(ctx, func(ctx context.Context) error {
				if err := s.repo.LockDoctor(ctx, peek.DoctorID); err != nil {
					return err
				}
				current, err := s.repo.LockAppointment(ctx, id)
				if err != nil {
					return err
				}
				return fn(ctx, current)
			})
		})
	})
}

// apply writes after over before and records the audit entry in the same
// unit of work.
func (s *Service) apply(ctx context.Context, actor domain.Actor, before, after domain.Appointment, action domain.Action, op string, params map[string]string) error {
	if err := s.write(ctx, after, func(ctx context.Context) error {
		return s.repo.UpdateAppointment(ctx, &after, before.Status)
	}); err != nil {
		return err
	}

	if params == nil {
		params = map[string]string{}
	}
	params["appointment_id"] = after.ID.String()

	_, err := s.recorder.Record(ctx, audit.Record{
		Actor:        actor,
		Action:       action,
		ResourceType: domain.ResourceAppointment,
		ResourceID:   after.ID.String(),
		Before:       before.Snapshot(),
		After:        after.Snapshot(),
		Operation:    op,
		Params:       params,
	})
	return err
}

// write runs one repository write in a nested unit of work, so the outer
// transaction stays usable after a storage-level overlap rejection, which is
// turned into the ConflictError the pre-check would have produced.
func (s *Service) write(ctx context.Context, a domain.Appointment, fn func(ctx context.Context) error) error {
	err := s.tx.InTx(ctx, fn)
	if !errors.Is(err, ErrOverlapRejected) {
		return err
	}
	conflict, ferr := s.FindConflict(ctx, a.DoctorID, a.Window, a.ID)
	if ferr != nil || conflict == nil {
		return &domain.ConflictError{DoctorID: a.DoctorID, Requested: a.Window}
	}
	return &domain.ConflictError{
		ConflictingID: conflict.ID,
		DoctorID:      a.DoctorID,
		Requested:     a.Window,
		Existing:      conflict.Window,
	}
}

func (s *Service) fail(op string, id uuid.UUID, err error) error {
	switch {
	case errors.Is(err, ErrAppointmentNotFound):
		return &domain.NotFoundError{Resource: domain.ResourceAppointment, ID: id.String()}
	case errors.Is(err, redisclient.ErrLockNotAcquired):
		return &domain.StorageError{Op: op + ": scheduling scope busy", Err: err}
	}
	return domain.AsStorageError(op, err)
}

func (s *Service) validateWindow(w domain.Window) (domain.Window, error) {
	window, err := domain.NewWindow(w.Start, w.End)
	if err != nil {
		return domain.Window{}, err
	}
	window = domain.Window{
		Start: window.Start.UTC().Truncate(time.Microsecond),
		End:   window.End.UTC().Truncate(time.Microsecond),
	}

	if len(s.policy.AllowedDurations) == 0 {
		return window, nil
	}
	d := window.Duration()
	for _, allowed := range s.policy.AllowedDurations {
		if d == allowed {
			return window, nil
		}
	}

	allowed := make([]string, 0, len(s.policy.AllowedDurations))
	for _, a := range s.policy.AllowedDurations {
		allowed = append(allowed, a.String())
	}
	return domain.Window{}, &domain.ValidationError{
		Field:  "window",
		Reason: fmt.Sprintf("duration %s is not allowed", d),
		Details: map[string]any{
			"allowed_durations": allowed,
		},
	}
}

func (s *Service) checkExists(ctx context.Context, patientID, doctorID uuid.UUID) error {
	ok, err := s.directory.PatientExists(ctx, patientID)
	if err != nil {
		return domain.AsStorageError("check patient", err)
	}
	if !ok {
		return &domain.NotFoundError{Resource: "patient", ID: patientID.String()}
	}

	ok, err = s.directory.DoctorExists(ctx, doctorID)
	if err != nil {
		return domain.AsStorageError("check doctor", err)
	}
	if !ok {
		return &domain.NotFoundError{Resource: "doctor", ID: doctorID.String()}
	}
	return nil
}

// checkWorkingHours accepts w when one shift of the doctor covers it. Shifts
// of the previous day are included for overnight hours.
func (s *Service) checkWorkingHours(ctx context.Context, doctorID uuid.UUID, w domain.Window) error {
	day := startOfDay(w.Start.In(s.policy.Location))

	for _, d := range []time.Time{day.AddDate(0, 0, -1), day} {
		shifts, err := s.schedules.WorkingHours(ctx, doctorID, d.Weekday())
		if err != nil {
			return domain.AsStorageError("load working hours", err)
		}
		for _, shift := range shifts {
			if shift.On(d).Contains(w) {
				return nil
			}
		}
	}

	return &domain.ValidationError{
		Field:  "window",
		Reason: "outside the doctor's working hours",
		Details: map[string]any{
			"doctor_id": doctorID.String(),
			"weekday":   day.Weekday().String(),
		},
	}
}

func (s *Service) publish(ctx context.Context, ev events.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.log.Warn().
			Err(err).
			Str("event", string(ev.Type)).
			Str("appointment_id", ev.AppointmentID.String()).
			Msg("publish appointment event failed")
	}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
