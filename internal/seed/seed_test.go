package seed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/db"
)

func TestPopulateRegistersEveryone(t *testing.T) {
	gofakeit.Seed(7)
	dir := appointment.NewStaticDirectory()
	ctx := context.Background()

	res, err := Populate(ctx, db.NewMemTxRunner(), dir, Options{Doctors: 5, Patients: 12, BatchSize: 5}, zerolog.Nop())
	require.NoError(t, err)
	assert.Len(t, res.Doctors, 5)
	assert.Len(t, res.Patients, 12)
	assert.ElementsMatch(t, res.Doctors, dir.Doctors())
	assert.ElementsMatch(t, res.Patients, dir.Patients())

	for _, id := range res.Doctors {
		shifts, err := dir.WorkingHours(ctx, id, time.Wednesday)
		require.NoError(t, err)
		assert.NotEmpty(t, shifts, "weekday rota")

		sunday, err := dir.WorkingHours(ctx, id, time.Sunday)
		require.NoError(t, err)
		assert.Empty(t, sunday)
	}
}

type failingRegistry struct {
	*appointment.StaticDirectory
}

func (failingRegistry) AddPatient(context.Context, appointment.Patient) error {
	return errors.New("disk full")
}

func TestPopulateStopsOnFirstError(t *testing.T) {
	reg := failingRegistry{appointment.NewStaticDirectory()}

	_, err := Populate(context.Background(), db.NewMemTxRunner(), reg, Options{Doctors: 1, Patients: 3}, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seed patients")
	assert.Len(t, reg.Doctors(), 1, "doctors were committed before patients")
}
