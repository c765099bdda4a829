// Package seed fills a clinic directory with fake doctors, patients and
// working hours for local runs and load simulations.
package seed

import (
	"context"
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/db"
)

// Registry is implemented by appointment.PgDirectory and appointment.StaticDirectory.
type Registry interface {
	AddDoctor(ctx context.Context, d appointment.Doctor) error
	AddPatient(ctx context.Context, p appointment.Patient) error
	SetWorkingHours(ctx context.Context, doctorID uuid.UUID, weekday time.Weekday, shifts []appointment.Shift) error
}

type Options struct {
	Doctors   int
	Patients  int
	BatchSize int // rows per transaction, default 500
}

type Result struct {
	Doctors  []uuid.UUID
	Patients []uuid.UUID
}

var specialties = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
	"Ophthalmology",
	"ENT",
}

// Rotas a doctor can be given. The night rota runs past midnight.
var rotas = [][]appointment.Shift{
	{{StartMinute: 8 * 60, EndMinute: 16 * 60}},
	{{StartMinute: 9 * 60, EndMinute: 17 * 60}},
	{{StartMinute: 8 * 60, EndMinute: 12 * 60}, {StartMinute: 13 * 60, EndMinute: 18 * 60}},
	{{StartMinute: 12 * 60, EndMinute: 20 * 60}},
	{{StartMinute: 22 * 60, EndMinute: 6 * 60}},
}

// Populate writes the fake directory. Callers seed gofakeit for repeatable data.
func Populate(ctx context.Context, tx db.TxRunner, reg Registry, opts Options, log zerolog.Logger) (Result, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	var res Result

	log.Info().Int("count", opts.Doctors).Msg("seeding doctors")
	err := tx.InTx(ctx, func(ctx context.Context) error {
		for i := 0; i < opts.Doctors; i++ {
			id, err := addDoctor(ctx, reg)
			if err != nil {
				return err
			}
			res.Doctors = append(res.Doctors, id)
		}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("seed doctors: %w", err)
	}

	log.Info().Int("count", opts.Patients).Msg("seeding patients")
	for offset := 0; offset < opts.Patients; offset += opts.BatchSize {
		end := min(offset+opts.BatchSize, opts.Patients)

		err := tx.InTx(ctx, func(ctx context.Context) error {
			for i := offset; i < end; i++ {
				email := gofakeit.Email()
				p := appointment.Patient{ID: uuid.New(), Name: gofakeit.Name(), Email: &email}
				if err := reg.AddPatient(ctx, p); err != nil {
					return err
				}
				res.Patients = append(res.Patients, p.ID)
			}
			return nil
		})
		if err != nil {
			return Result{}, fmt.Errorf("seed patients: %w", err)
		}
		log.Debug().Int("done", end).Int("total", opts.Patients).Msg("patients seeded")
	}

	return res, nil
}

func addDoctor(ctx context.Context, reg Registry) (uuid.UUID, error) {
	specialty := specialties[gofakeit.Number(0, len(specialties)-1)]
	doc := appointment.Doctor{
		ID:        uuid.New(),
		Name:      "Dr. " + gofakeit.LastName(),
		Specialty: &specialty,
	}
	if err := reg.AddDoctor(ctx, doc); err != nil {
		return uuid.Nil, err
	}

	rota := rotas[gofakeit.Number(0, len(rotas)-1)]
	for wd := time.Monday; wd <= time.Friday; wd++ {
		if err := reg.SetWorkingHours(ctx, doc.ID, wd, rota); err != nil {
			return uuid.Nil, err
		}
	}
	if gofakeit.Bool() {
		saturday := []appointment.Shift{{StartMinute: 9 * 60, EndMinute: 13 * 60}}
		if err := reg.SetWorkingHours(ctx, doc.ID, time.Saturday, saturday); err != nil {
			return uuid.Nil, err
		}
	}
	return doc.ID, nil
}
