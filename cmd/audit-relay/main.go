package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hackgods/clinic-scheduling/internal/audit"
	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/observability"
)

// audit-relay delivers audit entries queued in best_effort mode when the API
// servers run with AUDIT_RELAY_IN_PROCESS=false.
func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := observability.NewLogger("audit-relay", "", "")
		bootLog.Fatal().Err(err).Msg("config load error")
	}
	log := observability.NewLogger("audit-relay", cfg.Env, cfg.LogLevel)

	if cfg.Storage != config.StoragePostgres {
		log.Fatal().Msg("audit-relay needs STORAGE_DRIVER=postgres")
	}
	if cfg.ComplianceMode != config.ComplianceBestEffort {
		log.Warn().Msg("compliance mode is strict, the outbox only holds entries from earlier best_effort runs")
	}
	log.Info().Str("env", cfg.Env).Dur("interval", cfg.RelayInterval).Msg("audit-relay starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, cfg.PostgresMaxConn)
	cancelPg()
	if err != nil {
		log.Error().Err(err).Msg("postgres connection error")
		os.Exit(1)
	}
	defer pool.Close()
	log.Info().Msg("connected to Postgres")

	store := audit.NewPgStore(pool)
	relay := audit.NewRelay(db.NewPgTxRunner(pool), store, store, audit.RelayConfig{
		BatchSize: cfg.RelayBatchSize,
	}, log)

	relay.Run(rootCtx, cfg.RelayInterval)
	log.Info().Msg("shutdown signal received, audit-relay stopped")
}
