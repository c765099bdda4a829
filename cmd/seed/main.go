package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/spf13/cobra"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/observability"
	"github.com/hackgods/clinic-scheduling/internal/seed"
)

func main() {
	var opts seed.Options
	var migrate bool

	cmd := &cobra.Command{
		Use:          "seed",
		Short:        "Fill the directory with fake doctors, rotas and patients",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, migrate)
		},
	}
	cmd.Flags().IntVar(&opts.Doctors, "doctors", 100, "number of doctors to create")
	cmd.Flags().IntVar(&opts.Patients, "patients", 9000, "number of patients to create")
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", 500, "patients per transaction")
	cmd.Flags().BoolVar(&migrate, "migrate", true, "apply pending migrations first")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, opts seed.Options, migrate bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Storage != config.StoragePostgres {
		return errors.New("seed needs STORAGE_DRIVER=postgres")
	}
	log := observability.NewLogger("seed", cfg.Env, cfg.LogLevel)
	log.Info().Int("doctors", opts.Doctors).Int("patients", opts.Patients).Msg("seed starting")

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	pool, err := db.ConnectPostgres(connCtx, cfg.PostgresDSN, cfg.PostgresMaxConn)
	cancel()
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if migrate {
		if _, err := db.NewMigrator(pool, log).Up(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	gofakeit.Seed(time.Now().UnixNano())

	start := time.Now()
	res, err := seed.Populate(ctx, db.NewPgTxRunner(pool), appointment.NewPgDirectory(pool), opts, log)
	if err != nil {
		return err
	}

	log.Info().
		Int("doctors", len(res.Doctors)).
		Int("patients", len(res.Patients)).
		Dur("took", time.Since(start)).
		Msg("seed complete")
	return nil
}
