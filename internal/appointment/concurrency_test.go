package appointment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-scheduling/internal/audit"
	"github.com/hackgods/clinic-scheduling/internal/domain"
)

func opKind(roll int) int {
	switch {
	case roll < 6:
		return 0
	case roll < 9:
		return 1
	}
	return 2
}

type plannedOp struct {
	kind   int // 0 propose, 1 reschedule, 2 cancel
	doctor uuid.UUID
	window domain.Window
	pick   int
}

func TestConcurrentBookingsNeverOverlap(t *testing.T) {
	gofakeit.Seed(2026)
	h := newHarness(t, audit.ModeStrict)
	doctors := []uuid.UUID{h.doctor, h.addDoctor(t, Shift{}), h.addDoctor(t, Shift{})}
	durations := []time.Duration{15 * time.Minute, 30 * time.Minute, time.Hour}
	tuesday := monday.AddDate(0, 0, 1)

	const workers, opsPerWorker = 12, 40
	plans := make([][]plannedOp, workers)
	for w := range plans {
		for i := 0; i < opsPerWorker; i++ {
			start := at(tuesday, gofakeit.Number(8, 16), 15*gofakeit.Number(0, 3))
			plans[w] = append(plans[w], plannedOp{
				kind:   opKind(gofakeit.Number(0, 9)),
				doctor: doctors[gofakeit.Number(0, len(doctors)-1)],
				window: window(start, durations[gofakeit.Number(0, len(durations)-1)]),
				pick:   gofakeit.Number(0, 1<<20),
			})
		}
	}

	var (
		mu     sync.Mutex
		booked []uuid.UUID
		wg     sync.WaitGroup
	)
	pickBooked := func(n int) (uuid.UUID, bool) {
		mu.Lock()
		defer mu.Unlock()
		if len(booked) == 0 {
			return uuid.Nil, false
		}
		return booked[n%len(booked)], true
	}

	ctx := context.Background()
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(ops []plannedOp) {
			defer wg.Done()
			for _, op := range ops {
				switch op.kind {
				case 0:
					a, err := h.svc.ProposeAppointment(ctx, receptionist, ProposeInput{
						PatientID: h.patient, DoctorID: op.doctor, Window: op.window,
					})
					if err == nil {
						mu.Lock()
						booked = append(booked, a.ID)
						mu.Unlock()
					}
				case 1:
					if id, ok := pickBooked(op.pick); ok {
						_, _ = h.svc.RescheduleAppointment(ctx, receptionist, id, op.window)
					}
				case 2:
					if id, ok := pickBooked(op.pick); ok {
						_, _ = h.svc.TransitionStatus(ctx, receptionist, id, domain.StatusCancelled, "")
					}
				}
			}
		}(plans[w])
	}
	wg.Wait()

	require.NotEmpty(t, booked)

	for _, doctor := range doctors {
		live, err := h.repo.ListDoctorAppointments(ctx, doctor, monday, monday.AddDate(0, 0, 7))
		require.NoError(t, err)
		for i := range live {
			for j := i + 1; j < len(live); j++ {
				assert.False(t, live[i].Window.Overlaps(live[j].Window),
					"doctor %s: %s overlaps %s", doctor, live[i].ID, live[j].ID)
			}
		}
	}

	// Replaying each appointment's audit diffs must reproduce its stored state.
	for _, id := range booked {
		current, err := h.svc.GetAppointment(ctx, id)
		require.NoError(t, err)

		entries := h.history(t, id)
		require.NotEmpty(t, entries)
		assert.Equal(t, domain.ActionCreate, entries[0].Action)

		state := map[string]any{}
		for i, e := range entries {
			assert.Equal(t, int64(i+1), e.Sequence)
			for field, change := range e.Diff {
				assert.Equal(t, state[field], change.Old, "appointment %s field %s", id, field)
				state[field] = change.New
			}
		}
		assert.Equal(t, string(current.Status), state["status"])
		assert.Equal(t, current.Window.Start.UTC().Format(time.RFC3339Nano), state["start_time"])
		assert.Equal(t, current.Window.End.UTC().Format(time.RFC3339Nano), state["end_time"])
	}
}

func TestConcurrentTerminalTransitionsCommitOnce(t *testing.T) {
	h := newHarness(t, audit.ModeStrict)
	a := h.book(t, h.doctor, window(at(monday, 10, 0), time.Hour))
	targets := []domain.Status{domain.StatusCancelled, domain.StatusNoShow}

	const racers = 16
	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		results = make([]error, racers)
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, results[i] = h.svc.TransitionStatus(context.Background(), receptionist, a.ID, targets[i%len(targets)], "")
		}(i)
	}
	close(start)
	wg.Wait()

	var winners int
	for _, err := range results {
		if err == nil {
			winners++
			continue
		}
		var illegal *domain.IllegalTransitionError
		require.ErrorAs(t, err, &illegal)
		assert.True(t, illegal.Current.IsTerminal())
	}
	assert.Equal(t, 1, winners)

	current, err := h.svc.GetAppointment(context.Background(), a.ID)
	require.NoError(t, err)
	entries := h.history(t, a.ID)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.ActionCreate, entries[0].Action)
	assert.Equal(t, domain.ActionTransition, entries[1].Action)
	assert.Equal(t, domain.Change{Old: "SCHEDULED", New: string(current.Status)}, entries[1].Diff["status"])
}

func TestConcurrentConfirmAndCancelNeverLoseAnUpdate(t *testing.T) {
	h := newHarness(t, audit.ModeStrict)
	ctx := context.Background()

	for round := 0; round < 20; round++ {
		a := h.book(t, h.doctor, window(at(monday, 8, 0).Add(time.Duration(round)*15*time.Minute), 15*time.Minute))

		var wg sync.WaitGroup
		start := make(chan struct{})
		errs := make([]error, 2)
		for i, to := range []domain.Status{domain.StatusConfirmed, domain.StatusCancelled} {
			wg.Add(1)
			go func(i int, to domain.Status) {
				defer wg.Done()
				<-start
				_, errs[i] = h.svc.TransitionStatus(ctx, receptionist, a.ID, to, "")
			}(i, to)
		}
		close(start)
		wg.Wait()

		// cancel may win outright or land after the confirm; it always commits
		require.NoError(t, errs[1])
		current, err := h.svc.GetAppointment(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCancelled, current.Status)

		entries := h.history(t, a.ID)
		prev := "SCHEDULED"
		for _, e := range entries[1:] {
			assert.Equal(t, prev, e.Diff["status"].Old, "each transition starts from the committed state")
			prev = e.Diff["status"].New.(string)
		}
		if errs[0] == nil {
			require.Len(t, entries, 3)
		} else {
			var illegal *domain.IllegalTransitionError
			require.ErrorAs(t, errs[0], &illegal)
			assert.Equal(t, domain.StatusCancelled, illegal.Current)
			require.Len(t, entries, 2)
		}
	}
}
