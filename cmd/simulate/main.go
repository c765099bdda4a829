package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/api"
	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/domain"
	"github.com/hackgods/clinic-scheduling/internal/observability"
)

type SimConfig struct {
	APIBaseURL      string
	Duration        time.Duration
	Workers         int
	BookingRatio    float64
	TransitionRatio float64
	RescheduleRatio float64
	ReadRatio       float64
	Days            int // how many days ahead bookings are spread over
	DoctorLimit     int
	PatientLimit    int
	DoctorIDs       []uuid.UUID // set from SIM_DOCTOR_IDS, else loaded from Postgres
	PatientIDs      []uuid.UUID
}

type DataPool struct {
	Doctors  []uuid.UUID
	Patients []uuid.UUID

	mu           sync.RWMutex
	appointments []uuid.UUID
}

func (dp *DataPool) AddAppointment(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, id)
}

func (dp *DataPool) RandomAppointment(f *gofakeit.Faker) (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return uuid.Nil, false
	}
	return dp.appointments[f.Number(0, len(dp.appointments)-1)], true
}

func (dp *DataPool) Appointments() []uuid.UUID {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	return append([]uuid.UUID(nil), dp.appointments...)
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, status int) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case status >= 200 && status < 300:
		atomic.AddInt64(&om.Success, 1)
	case status == http.StatusConflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, lo, hi, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := append([]time.Duration(nil), om.Latencies...)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	pick := func(pct int) time.Duration {
		idx := len(latencies) * pct / 100
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		return latencies[idx]
	}
	return sum / time.Duration(len(latencies)), latencies[0], latencies[len(latencies)-1], pick(50), pick(95)
}

type Metrics struct {
	Booking    OperationMetrics
	Transition OperationMetrics
	Reschedule OperationMetrics
	ReadByID   OperationMetrics
	ListByDoc  OperationMetrics
}

type Simulator struct {
	config    SimConfig
	pool      *DataPool
	client    *http.Client
	durations []time.Duration
	location  *time.Location
	desk      string // receptionist bearer token
	admin     string // admin bearer token, for the audit checks
	metrics   Metrics
	log       zerolog.Logger
}

func main() {
	baseCfg, err := config.Load()
	if err != nil {
		bootLog := observability.NewLogger("simulate", "", "")
		bootLog.Fatal().Err(err).Msg("failed to load base config")
	}
	log := observability.NewLogger("simulate", baseCfg.Env, baseCfg.LogLevel)

	cfg := loadConfig(log)
	if err := validateConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	log.Info().
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Float64("booking", cfg.BookingRatio).
		Float64("transition", cfg.TransitionRatio).
		Float64("reschedule", cfg.RescheduleRatio).
		Float64("read", cfg.ReadRatio).
		Msg("simulator starting")

	dataPool := &DataPool{Doctors: cfg.DoctorIDs, Patients: cfg.PatientIDs}
	if len(dataPool.Doctors) == 0 || len(dataPool.Patients) == 0 {
		if baseCfg.Storage != config.StoragePostgres {
			log.Fatal().Msg("set SIM_DOCTOR_IDS and SIM_PATIENT_IDS when the API runs on memory storage")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		pgPool, err := db.ConnectPostgres(ctx, baseCfg.PostgresDSN, 2)
		if err != nil {
			cancel()
			log.Fatal().Err(err).Msg("connect postgres")
		}
		err = loadDataPool(ctx, pgPool, cfg, dataPool)
		pgPool.Close()
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("load data pool")
		}
	}
	log.Info().Int("doctors", len(dataPool.Doctors)).Int("patients", len(dataPool.Patients)).Msg("data pool loaded")

	tokens := api.NewTokenManager(baseCfg.JWTSecret, cfg.Duration+time.Hour)
	desk, err := tokens.Issue(domain.Actor{ID: "sim-desk", Name: "Simulated Front Desk", Role: domain.RoleReceptionist})
	if err != nil {
		log.Fatal().Err(err).Msg("issue token")
	}
	admin, err := tokens.Issue(domain.Actor{ID: "sim-admin", Name: "Simulated Auditor", Role: domain.RoleAdmin})
	if err != nil {
		log.Fatal().Err(err).Msg("issue token")
	}

	sim := &Simulator{
		config:    cfg,
		pool:      dataPool,
		client:    &http.Client{Timeout: 10 * time.Second},
		durations: baseCfg.AllowedDurations,
		location:  baseCfg.ClinicTimezone,
		desk:      desk,
		admin:     admin,
		log:       log,
	}

	sim.Run()
	sim.PrintReport()

	if !sim.Verify(context.Background()) {
		os.Exit(1)
	}
}

func loadConfig(log zerolog.Logger) SimConfig {
	cfg := SimConfig{
		APIBaseURL:      strings.TrimRight(getEnv("SIM_API_BASE_URL", "http://localhost:8080"), "/"),
		Duration:        getDuration("SIM_DURATION", 30*time.Second),
		Workers:         getInt("SIM_WORKERS", 10),
		BookingRatio:    getFloat("SIM_BOOKING_RATIO", 0.5),
		TransitionRatio: getFloat("SIM_TRANSITION_RATIO", 0.15),
		RescheduleRatio: getFloat("SIM_RESCHEDULE_RATIO", 0.15),
		ReadRatio:       getFloat("SIM_READ_RATIO", 0.2),
		Days:            getInt("SIM_DAYS", 5),
		DoctorLimit:     getInt("SIM_DOCTOR_LIMIT", 20),
		PatientLimit:    getInt("SIM_PATIENT_LIMIT", 4000),
	}
	var err error
	if cfg.DoctorIDs, err = parseIDs(os.Getenv("SIM_DOCTOR_IDS")); err != nil {
		log.Fatal().Err(err).Msg("invalid SIM_DOCTOR_IDS")
	}
	if cfg.PatientIDs, err = parseIDs(os.Getenv("SIM_PATIENT_IDS")); err != nil {
		log.Fatal().Err(err).Msg("invalid SIM_PATIENT_IDS")
	}

	total := cfg.BookingRatio + cfg.TransitionRatio + cfg.RescheduleRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.TransitionRatio /= total
		cfg.RescheduleRatio /= total
		cfg.ReadRatio /= total
	}
	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.Days <= 0 {
		return fmt.Errorf("SIM_DAYS must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig, dp *DataPool) error {
	load := func(query string, limit int) ([]uuid.UUID, error) {
		rows, err := pool.Query(ctx, query, limit)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var ids []uuid.UUID
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		return ids, rows.Err()
	}

	var err error
	if len(dp.Doctors) == 0 {
		// only doctors with a rota can take bookings
		dp.Doctors, err = load(`SELECT DISTINCT doctor_id FROM doctor_schedules LIMIT $1`, cfg.DoctorLimit)
		if err != nil {
			return fmt.Errorf("load doctors: %w", err)
		}
	}
	if len(dp.Patients) == 0 {
		dp.Patients, err = load(`SELECT id FROM patients LIMIT $1`, cfg.PatientLimit)
		if err != nil {
			return fmt.Errorf("load patients: %w", err)
		}
	}
	if len(dp.Doctors) == 0 {
		return fmt.Errorf("no doctors with working hours, run cmd/seed first")
	}
	if len(dp.Patients) == 0 {
		return fmt.Errorf("no patients loaded")
	}
	return nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.log.Info().Dur("duration", s.config.Duration).Int("workers", s.config.Workers).Msg("starting simulation")

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx, gofakeit.New(0))
		}()
	}

	wg.Wait()
	s.log.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, f *gofakeit.Faker) {
	for ctx.Err() == nil {
		r := f.Float64Range(0, 1)
		switch {
		case r < s.config.BookingRatio:
			s.doBooking(ctx, f)
		case r < s.config.BookingRatio+s.config.TransitionRatio:
			s.doTransition(ctx, f)
		case r < s.config.BookingRatio+s.config.TransitionRatio+s.config.RescheduleRatio:
			s.doReschedule(ctx, f)
		case f.Bool():
			s.doReadByID(ctx, f)
		default:
			s.doListByDoctor(ctx, f)
		}
	}
}

// randomWindow picks a quarter-hour aligned start during business hours on
// one of the next few days, in the clinic zone.
func (s *Simulator) randomWindow(f *gofakeit.Faker) (time.Time, time.Time) {
	day := time.Now().In(s.location).AddDate(0, 0, f.Number(1, s.config.Days))
	start := time.Date(day.Year(), day.Month(), day.Day(), f.Number(8, 16), 15*f.Number(0, 3), 0, 0, s.location)
	d := 30 * time.Minute
	if len(s.durations) > 0 {
		d = s.durations[f.Number(0, len(s.durations)-1)]
	}
	return start, start.Add(d)
}

func (s *Simulator) doBooking(ctx context.Context, f *gofakeit.Faker) {
	start, end := s.randomWindow(f)
	body := api.CreateAppointmentRequest{
		PatientID: s.pool.Patients[f.Number(0, len(s.pool.Patients)-1)].String(),
		DoctorID:  s.pool.Doctors[f.Number(0, len(s.pool.Doctors)-1)].String(),
		StartTime: start,
		EndTime:   end,
		Reason:    f.RandomString([]string{"Checkup", "Follow-up", "Consultation", "Vaccination", "Lab review"}),
	}

	var created api.AppointmentResponse
	status, latency := s.call(ctx, http.MethodPost, "/appointments", s.desk, body, &created)
	if status == http.StatusCreated && created.ID != uuid.Nil {
		s.pool.AddAppointment(created.ID)
	}
	s.metrics.Booking.Record(latency, status)
}

func (s *Simulator) doTransition(ctx context.Context, f *gofakeit.Faker) {
	id, ok := s.pool.RandomAppointment(f)
	if !ok {
		return
	}
	to := f.RandomString([]string{"CONFIRMED", "CONFIRMED", "CANCELLED", "NO_SHOW"})
	status, latency := s.call(ctx, http.MethodPost, "/appointments/"+id.String()+"/status", s.desk,
		api.TransitionRequest{Status: to}, nil)
	s.metrics.Transition.Record(latency, status)
}

func (s *Simulator) doReschedule(ctx context.Context, f *gofakeit.Faker) {
	id, ok := s.pool.RandomAppointment(f)
	if !ok {
		return
	}
	start, end := s.randomWindow(f)
	status, latency := s.call(ctx, http.MethodPost, "/appointments/"+id.String()+"/reschedule", s.desk,
		api.RescheduleRequest{StartTime: start, EndTime: end}, nil)
	s.metrics.Reschedule.Record(latency, status)
}

func (s *Simulator) doReadByID(ctx context.Context, f *gofakeit.Faker) {
	id, ok := s.pool.RandomAppointment(f)
	if !ok {
		return
	}
	status, latency := s.call(ctx, http.MethodGet, "/appointments/"+id.String(), s.desk, nil, nil)
	s.metrics.ReadByID.Record(latency, status)
}

func (s *Simulator) doListByDoctor(ctx context.Context, f *gofakeit.Faker) {
	doctor := s.pool.Doctors[f.Number(0, len(s.pool.Doctors)-1)]
	status, latency := s.call(ctx, http.MethodGet, "/appointments?limit=20&doctor_id="+doctor.String(), s.desk, nil, nil)
	s.metrics.ListByDoc.Record(latency, status)
}

// call sends one request and decodes a 2xx body into out. Transport failures
// report status 0.
func (s *Simulator) call(ctx context.Context, method, path, token string, body, out any) (int, time.Duration) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, 0
		}
		reader = bytes.NewReader(raw)
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, reader)
	if err != nil {
		return 0, 0
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return 0, latency
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			s.log.Debug().Err(err).Str("path", path).Msg("undecodable response")
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode, latency
}

// Verify checks that no doctor holds overlapping live appointments and that
// every appointment's audit history replays to its current state.
func (s *Simulator) Verify(ctx context.Context) bool {
	ok := true

	for _, doctor := range s.pool.Doctors {
		live, err := s.doctorAppointments(ctx, doctor)
		if err != nil {
			s.log.Error().Err(err).Str("doctor_id", doctor.String()).Msg("could not list appointments")
			ok = false
			continue
		}
		for i := range live {
			for j := i + 1; j < len(live); j++ {
				a, b := live[i], live[j]
				if a.StartTime.Before(b.EndTime) && b.StartTime.Before(a.EndTime) {
					s.log.Error().
						Str("doctor_id", doctor.String()).
						Str("first", a.ID.String()).
						Str("second", b.ID.String()).
						Msg("overlapping appointments")
					ok = false
				}
			}
		}
	}

	checked := 0
	for _, id := range s.pool.Appointments() {
		if err := s.verifyHistory(ctx, id); err != nil {
			s.log.Error().Err(err).Str("appointment_id", id.String()).Msg("audit trail mismatch")
			ok = false
		}
		checked++
	}

	if ok {
		s.log.Info().Int("appointments", checked).Msg("verification passed: no overlaps, audit trails consistent")
	}
	return ok
}

func (s *Simulator) doctorAppointments(ctx context.Context, doctor uuid.UUID) ([]api.AppointmentResponse, error) {
	var live []api.AppointmentResponse
	for page := 1; ; page++ {
		var list api.AppointmentListResponse
		path := fmt.Sprintf("/appointments?limit=100&page=%d&doctor_id=%s", page, doctor)
		status, _ := s.call(ctx, http.MethodGet, path, s.desk, nil, &list)
		if status != http.StatusOK {
			return nil, fmt.Errorf("list appointments: status %d", status)
		}
		for _, a := range list.Data {
			if a.Status != string(domain.StatusCancelled) {
				live = append(live, a)
			}
		}
		if page >= list.TotalPages {
			return live, nil
		}
	}
}

func (s *Simulator) verifyHistory(ctx context.Context, id uuid.UUID) error {
	var current api.AppointmentResponse
	if status, _ := s.call(ctx, http.MethodGet, "/appointments/"+id.String(), s.desk, nil, &current); status != http.StatusOK {
		return fmt.Errorf("get appointment: status %d", status)
	}
	var history api.HistoryResponse
	path := "/audit/history/" + domain.ResourceAppointment + "/" + id.String()
	if status, _ := s.call(ctx, http.MethodGet, path, s.admin, nil, &history); status != http.StatusOK {
		return fmt.Errorf("get history: status %d", status)
	}
	if len(history.Entries) == 0 || history.Entries[0].Action != domain.ActionCreate {
		return fmt.Errorf("history does not start with a create entry")
	}

	state := map[string]any{}
	for i, e := range history.Entries {
		if e.Sequence != int64(i+1) {
			return fmt.Errorf("sequence gap: entry %d has sequence %d", i, e.Sequence)
		}
		for field, change := range e.Diff {
			state[field] = change.New
		}
	}

	want := map[string]string{
		"status":     current.Status,
		"start_time": current.StartTime.UTC().Format(time.RFC3339Nano),
		"end_time":   current.EndTime.UTC().Format(time.RFC3339Nano),
	}
	for field, v := range want {
		if state[field] != v {
			return fmt.Errorf("%s replays to %v, stored %s", field, state[field], v)
		}
	}
	return nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Status transition", &s.metrics.Transition)
	printOperationReport("Reschedule", &s.metrics.Reschedule)
	printOperationReport("Read by ID", &s.metrics.ReadByID)
	printOperationReport("List by doctor", &s.metrics.ListByDoc)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, lo, hi, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), lo.Round(time.Millisecond), hi.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

func parseIDs(raw string) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := uuid.Parse(part)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
