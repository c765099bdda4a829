package main

import (
	"context"
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/api"
	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/audit"
	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/domain"
	"github.com/hackgods/clinic-scheduling/internal/events"
	redisclient "github.com/hackgods/clinic-scheduling/internal/redis"
	"github.com/hackgods/clinic-scheduling/internal/seed"
)

type demoOptions struct {
	doctors  int
	patients int
}

// stack is everything the HTTP server needs, built for one storage driver.
type stack struct {
	pool         *pgxpool.Pool
	redis        *redis.Client
	appointments *appointment.Service
	auditQueries *audit.QueryService
	relay        *audit.Relay
	outbox       audit.Outbox
	tokens       *api.TokenManager
	log          zerolog.Logger
}

func (s *stack) Close() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.log.Warn().Err(err).Msg("error closing redis")
		}
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

func buildStack(ctx context.Context, cfg config.Config, log zerolog.Logger, demo demoOptions) (st *stack, err error) {
	st = &stack{
		tokens: api.NewTokenManager(cfg.JWTSecret, time.Hour),
		log:    log,
	}
	defer func() {
		if err != nil {
			st.Close()
		}
	}()

	var (
		tx        db.TxRunner
		repo      appointment.Repository
		directory interface {
			appointment.Directory
			appointment.ScheduleProvider
		}
		store  audit.Store
		outbox audit.Outbox
	)

	switch cfg.Storage {
	case config.StoragePostgres:
		pgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		st.pool, err = db.ConnectPostgres(pgCtx, cfg.PostgresDSN, cfg.PostgresMaxConn)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("postgres connection: %w", err)
		}
		log.Info().Msg("connected to Postgres")

		pgStore := audit.NewPgStore(st.pool)
		tx, repo, directory = db.NewPgTxRunner(st.pool), appointment.NewPgRepository(st.pool), appointment.NewPgDirectory(st.pool)
		store, outbox = pgStore, pgStore

	case config.StorageMemory:
		memStore := audit.NewMemoryStore()
		staticDir := appointment.NewStaticDirectory()
		tx, repo, directory = db.NewMemTxRunner(), appointment.NewMemoryRepository(), staticDir
		store, outbox = memStore, memStore

		gofakeit.Seed(time.Now().UnixNano())
		res, err := seed.Populate(ctx, tx, staticDir, seed.Options{Doctors: demo.doctors, Patients: demo.patients}, log)
		if err != nil {
			return nil, fmt.Errorf("demo directory: %w", err)
		}
		log.Warn().
			Int("doctors", len(res.Doctors)).
			Int("patients", len(res.Patients)).
			Msg("memory storage: data is lost on exit")
	}

	var locker redisclient.Locker = redisclient.NewLocalLocker()
	var statsCache audit.Cache
	publisher := events.Fanout{notificationLog(log)}

	if cfg.RedisEnabled {
		st.redis, err = redisclient.NewRedisClient(ctx, redisclient.Options{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			PoolSize: cfg.RedisPoolSize,
		})
		if err != nil {
			return nil, fmt.Errorf("redis connection: %w", err)
		}
		log.Info().Msg("connected to Redis")

		locker = redisclient.NewRedisLocker(st.redis, cfg.LockTTL, cfg.LockWait)
		statsCache = redisclient.NewCache(st.redis, "audit:")
		publisher = append(publisher, redisclient.NewEventPublisher(st.redis, redisclient.DefaultEventChannel))
	}

	st.outbox = outbox
	recorder := audit.NewRecorder(tx, store, outbox, audit.Mode(cfg.ComplianceMode), log.With().Str("component", "audit").Logger())

	st.appointments = appointment.NewService(appointment.Dependencies{
		Repo:      repo,
		Tx:        tx,
		Locker:    locker,
		Directory: directory,
		Schedules: directory,
		Recorder:  recorder,
		Publisher: publisher,
		Log:       log.With().Str("component", "scheduling").Logger(),
	}, appointment.Policy{
		AllowedDurations: cfg.AllowedDurations,
		Location:         cfg.ClinicTimezone,
	})

	st.auditQueries = audit.NewQueryService(store, statsCache, audit.QueryConfig{
		Location:       cfg.ClinicTimezone,
		StatsDays:      cfg.AuditStatsDays,
		StatsCacheTTL:  cfg.AuditStatsCacheTTL,
		ExportMaxRange: cfg.AuditExportMaxRange,
	}, log)

	if cfg.ComplianceMode == config.ComplianceBestEffort {
		st.relay = audit.NewRelay(tx, store, outbox, audit.RelayConfig{BatchSize: cfg.RelayBatchSize},
			log.With().Str("component", "audit-relay").Logger())
	}

	if cfg.Env == "dev" {
		logDevTokens(st.tokens, log)
	}
	return st, nil
}

// probes lists what /health/ready checks. The outbox only matters when
// best_effort mode can queue entries.
func (s *stack) probes(cfg config.Config) []api.Probe {
	probes := []api.Probe{api.PostgresProbe(s.pool), api.RedisProbe(s.redis)}
	if cfg.ComplianceMode == config.ComplianceBestEffort {
		probes = append(probes, api.OutboxProbe(s.outbox, cfg.OutboxMaxAge))
	}
	return probes
}

// notificationLog stands in for the reminder service: it subscribes to every
// scheduling event and logs it.
func notificationLog(log zerolog.Logger) *events.Dispatcher {
	d := events.NewDispatcher()
	handler := func(_ context.Context, ev events.Event) error {
		log.Debug().
			Str("event", string(ev.Type)).
			Str("appointment_id", ev.AppointmentID.String()).
			Time("start", ev.Window.Start).
			Msg("scheduling event")
		return nil
	}
	for _, t := range []events.Type{
		events.AppointmentCreated,
		events.AppointmentConfirmed,
		events.AppointmentRescheduled,
		events.AppointmentUpdated,
		events.AppointmentCancelled,
		events.AppointmentCompleted,
		events.AppointmentNoShow,
		events.AppointmentDeleted,
	} {
		d.Subscribe(t, handler)
	}
	return d
}

func logDevTokens(tokens *api.TokenManager, log zerolog.Logger) {
	for _, actor := range []domain.Actor{
		{ID: "dev-admin", Name: "Dev Admin", Email: "admin@clinic.local", Role: domain.RoleAdmin},
		{ID: "dev-desk", Name: "Dev Front Desk", Email: "desk@clinic.local", Role: domain.RoleReceptionist},
	} {
		token, err := tokens.Issue(actor)
		if err != nil {
			log.Warn().Err(err).Msg("could not issue dev token")
			continue
		}
		log.Info().Str("role", string(actor.Role)).Str("token", token).Msg("dev bearer token")
	}
}
