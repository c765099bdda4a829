package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/audit"
	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/domain"
	"github.com/hackgods/clinic-scheduling/internal/events"
	redisclient "github.com/hackgods/clinic-scheduling/internal/redis"
)

const testSecret = "test-secret"

var (
	frontDesk = domain.Actor{ID: "u-1", Name: "Front Desk", Email: "desk@clinic.test", Role: domain.RoleReceptionist}
	admin     = domain.Actor{ID: "u-9", Name: "Admin", Email: "admin@clinic.test", Role: domain.RoleAdmin}
)

type switchableStore struct {
	*audit.MemoryStore
	down atomic.Bool
}

func (s *switchableStore) Append(ctx context.Context, e *domain.AuditEntry) error {
	if s.down.Load() {
		return errors.New("audit storage down")
	}
	return s.MemoryStore.Append(ctx, e)
}

type testServer struct {
	handler http.Handler
	tokens  *TokenManager
	store   *switchableStore
	patient uuid.UUID
	doctor  uuid.UUID
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	dir := appointment.NewStaticDirectory()
	patient, doctor := uuid.New(), uuid.New()
	require.NoError(t, dir.AddPatient(ctx, appointment.Patient{ID: patient, Name: "Pat"}))
	require.NoError(t, dir.AddDoctor(ctx, appointment.Doctor{ID: doctor, Name: "Dr. Who"}))
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		require.NoError(t, dir.SetWorkingHours(ctx, doctor, wd, []appointment.Shift{{}}))
	}

	store := &switchableStore{MemoryStore: audit.NewMemoryStore()}
	tx := db.NewMemTxRunner()
	svc := appointment.NewService(appointment.Dependencies{
		Repo:      appointment.NewMemoryRepository(),
		Tx:        tx,
		Locker:    redisclient.NewLocalLocker(),
		Directory: dir,
		Schedules: dir,
		Recorder:  audit.NewRecorder(tx, store, store, audit.ModeStrict, zerolog.Nop()),
		Publisher: events.NewDispatcher(),
		Log:       zerolog.Nop(),
	}, appointment.Policy{
		AllowedDurations: []time.Duration{30 * time.Minute, time.Hour},
		Location:         time.UTC,
	})

	tokens := NewTokenManager(testSecret, time.Hour)
	handler := NewRouter(RouterConfig{
		Appointments: svc,
		Audit:        audit.NewQueryService(store, nil, audit.QueryConfig{Location: time.UTC}, zerolog.Nop()),
		Tokens:       tokens,
		Location:     time.UTC,
		Probes:       []Probe{PostgresProbe(nil), RedisProbe(nil)},
		Env:          "test",
		Version:      "v-test",
		Log:          zerolog.Nop(),
	})
	return &testServer{handler: handler, tokens: tokens, store: store, patient: patient, doctor: doctor}
}

func (s *testServer) do(t *testing.T, actor *domain.Actor, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		token, err := s.tokens.Issue(*actor)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

var slotBase = time.Now().UTC().Truncate(time.Hour).Add(48 * time.Hour)

// slot returns an hour-aligned start two days out, offset by hours.
func slot(hours int) time.Time {
	return slotBase.Add(time.Duration(hours) * time.Hour)
}

func (s *testServer) create(t *testing.T, start time.Time, d time.Duration) AppointmentResponse {
	t.Helper()
	rec := s.do(t, &frontDesk, http.MethodPost, "/appointments", CreateAppointmentRequest{
		PatientID: s.patient.String(),
		DoctorID:  s.doctor.String(),
		StartTime: start,
		EndTime:   start.Add(d),
		Reason:    "Checkup",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp AppointmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHealthProbesNeedNoToken(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, nil, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, nil, http.MethodGet, "/health/ready", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ready ReadinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ready))
	assert.Equal(t, "ok", ready.Status)
	assert.Equal(t, map[string]string{"postgres": "disabled", "redis": "disabled"}, ready.Dependencies)
}

func TestRequestsWithoutValidTokenAreRejected(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, nil, http.MethodGet, "/appointments", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/appointments", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	bad := httptest.NewRecorder()
	s.handler.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusUnauthorized, bad.Code)

	other := NewTokenManager("another-secret", time.Hour)
	token, err := other.Issue(frontDesk)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/appointments", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	forged := httptest.NewRecorder()
	s.handler.ServeHTTP(forged, req)
	assert.Equal(t, http.StatusUnauthorized, forged.Code)
}

func TestTokenRoleIsCanonicalized(t *testing.T) {
	tokens := NewTokenManager(testSecret, time.Hour)

	token, err := tokens.Issue(domain.Actor{ID: "u-2", Role: "front-desk"})
	require.NoError(t, err)
	actor, err := tokens.Actor(token)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleReceptionist, actor.Role)

	token, err = tokens.Issue(domain.Actor{ID: "u-3", Role: "janitor"})
	require.NoError(t, err)
	_, err = tokens.Actor(token)
	assert.Error(t, err)

	token, err = tokens.Issue(domain.Actor{Role: domain.RoleAdmin})
	require.NoError(t, err)
	_, err = tokens.Actor(token)
	assert.Error(t, err, "subject is required")
}

func TestExpiredTokenIsRejected(t *testing.T) {
	tokens := NewTokenManager(testSecret, time.Minute)
	tokens.now = func() time.Time { return time.Now().Add(-time.Hour) }
	token, err := tokens.Issue(frontDesk)
	require.NoError(t, err)

	_, err = NewTokenManager(testSecret, time.Minute).Actor(token)
	assert.Error(t, err)
}

func TestCreateAndGetAppointment(t *testing.T) {
	s := newTestServer(t)
	created := s.create(t, slot(1), time.Hour)

	assert.Equal(t, "SCHEDULED", created.Status)
	assert.Equal(t, "NORMAL", created.Priority)

	rec := s.do(t, &frontDesk, http.MethodGet, "/appointments/"+created.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got AppointmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, created.ID, got.ID)
	assert.True(t, created.StartTime.Equal(got.StartTime))
}

func TestOverlapMapsToConflict(t *testing.T) {
	s := newTestServer(t)
	first := s.create(t, slot(1), time.Hour)

	rec := s.do(t, &frontDesk, http.MethodPost, "/appointments", CreateAppointmentRequest{
		PatientID: s.patient.String(),
		DoctorID:  s.doctor.String(),
		StartTime: slot(1).Add(30 * time.Minute),
		EndTime:   slot(1).Add(90 * time.Minute),
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "scheduling_conflict", resp.Error)
	assert.Equal(t, first.ID.String(), resp.Fields["conflicting_appointment_id"])
}

func TestIllegalTransitionMapsToConflict(t *testing.T) {
	s := newTestServer(t)
	a := s.create(t, slot(2), 30*time.Minute)
	path := "/appointments/" + a.ID.String() + "/status"

	rec := s.do(t, &frontDesk, http.MethodPost, path, TransitionRequest{Status: "cancelled", Note: "patient called"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, &frontDesk, http.MethodPost, path, TransitionRequest{Status: "CONFIRMED"})
	require.Equal(t, http.StatusConflict, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "illegal_transition", resp.Error)
	assert.Equal(t, "CANCELLED", resp.Fields["current_status"])
	assert.Equal(t, "CONFIRMED", resp.Fields["requested_status"])
}

func TestValidationFailuresMapToBadRequest(t *testing.T) {
	s := newTestServer(t)
	a := s.create(t, slot(3), time.Hour)

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		field  string
	}{
		{"unknown status", http.MethodPost, "/appointments/" + a.ID.String() + "/status", TransitionRequest{Status: "ARCHIVED"}, "status"},
		{"disallowed duration", http.MethodPost, "/appointments", CreateAppointmentRequest{
			PatientID: s.patient.String(), DoctorID: s.doctor.String(),
			StartTime: slot(8), EndTime: slot(8).Add(20 * time.Minute),
		}, "window"},
		{"unknown priority", http.MethodPatch, "/appointments/" + a.ID.String(), map[string]string{"priority": "urgent"}, "priority"},
		{"bad list date", http.MethodGet, "/appointments?date=tomorrow", nil, "date"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.do(t, &frontDesk, tc.method, tc.path, tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			resp := decodeError(t, rec)
			assert.Equal(t, "validation_failed", resp.Error)
			assert.Equal(t, tc.field, resp.Fields["field"])
		})
	}

	rec := s.do(t, &frontDesk, http.MethodGet, "/appointments/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, &frontDesk, http.MethodPost, "/appointments", map[string]any{"surprise": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownAppointmentIsNotFound(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, &frontDesk, http.MethodGet, "/appointments/"+uuid.NewString(), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Error)
}

func TestRescheduleUpdateAndDelete(t *testing.T) {
	s := newTestServer(t)
	a := s.create(t, slot(4), time.Hour)
	path := "/appointments/" + a.ID.String()

	rec := s.do(t, &frontDesk, http.MethodPost, path+"/reschedule", RescheduleRequest{
		StartTime: slot(6),
		EndTime:   slot(6).Add(30 * time.Minute),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var moved AppointmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &moved))
	assert.True(t, slot(6).Equal(moved.StartTime))

	reason := "Follow-up"
	rec = s.do(t, &frontDesk, http.MethodPatch, path, UpdateAppointmentRequest{Reason: &reason})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated AppointmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, "Follow-up", updated.Reason)

	rec = s.do(t, &frontDesk, http.MethodDelete, path, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, &frontDesk, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListAppointmentsFiltersByStatus(t *testing.T) {
	s := newTestServer(t)
	s.create(t, slot(1), time.Hour)
	kept := s.create(t, slot(3), time.Hour)
	cancelled := s.create(t, slot(5), time.Hour)
	rec := s.do(t, &frontDesk, http.MethodPost, "/appointments/"+cancelled.ID.String()+"/status", TransitionRequest{Status: "CANCELLED"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, &frontDesk, http.MethodGet, "/appointments?status=scheduled&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list AppointmentListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 2, list.Total)
	assert.Equal(t, 2, list.TotalPages)
	require.Len(t, list.Data, 1)
	assert.Equal(t, kept.ID, list.Data[0].ID, "latest start first")
}

func TestStrictAuditFailureMapsToServiceUnavailable(t *testing.T) {
	s := newTestServer(t)
	s.store.down.Store(true)

	rec := s.do(t, &frontDesk, http.MethodPost, "/appointments", CreateAppointmentRequest{
		PatientID: s.patient.String(),
		DoctorID:  s.doctor.String(),
		StartTime: slot(1),
		EndTime:   slot(1).Add(time.Hour),
	})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "storage_unavailable", decodeError(t, rec).Error)

	s.store.down.Store(false)
	rec = s.do(t, &frontDesk, http.MethodGet, "/appointments", nil)
	var list AppointmentListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Zero(t, list.Total, "rolled back with the audit write")
}

func TestAuditEndpointsRequireAdmin(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{"/audit", "/audit/stats", "/audit/export", "/audit/history/appointment/x"} {
		rec := s.do(t, &frontDesk, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code, path)
	}
}

func TestAuditQueryCarriesActorAndOrigin(t *testing.T) {
	s := newTestServer(t)

	var buf bytes.Buffer
	start := slot(2)
	require.NoError(t, json.NewEncoder(&buf).Encode(CreateAppointmentRequest{
		PatientID: s.patient.String(),
		DoctorID:  s.doctor.String(),
		StartTime: start,
		EndTime:   start.Add(time.Hour),
	}))
	token, err := s.tokens.Issue(frontDesk)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/appointments", &buf)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, &admin, http.MethodGet, "/audit?action=create&actor=DESK", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var page audit.Page
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Entries, 1)

	e := page.Entries[0]
	assert.Equal(t, frontDesk, e.Actor)
	assert.Equal(t, domain.ActionCreate, e.Action)
	assert.Equal(t, "203.0.113.9", e.Origin.IP)
	assert.Equal(t, "req-42", e.Origin.Params["request_id"])
	assert.Equal(t, "createAppointment", e.Origin.Operation)
	assert.Equal(t, int64(1), page.Snapshot)

	rec = s.do(t, &admin, http.MethodGet, "/audit/history/appointment/"+e.ResourceID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history HistoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history.Entries, 1)
	assert.Equal(t, int64(1), history.Entries[0].Sequence)
}

func TestAuditExportNeedsBoundedRange(t *testing.T) {
	s := newTestServer(t)
	s.create(t, slot(1), time.Hour)

	rec := s.do(t, &admin, http.MethodGet, "/audit/export?from=2026-01-01", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "date_range", decodeError(t, rec).Fields["field"])

	rec = s.do(t, &admin, http.MethodGet, "/audit/export?from=2026-01-01&to=2026-06-30", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, &admin, http.MethodGet, "/audit/export?from=yesterday&to=2026-06-30", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "from", decodeError(t, rec).Fields["field"])

	today := time.Now().UTC().Format(dayLayout)
	rec = s.do(t, &admin, http.MethodGet, "/audit/export?from="+today+"&to="+today, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var export ExportResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &export))
	assert.Equal(t, 1, export.Count)
}

func TestAuditStatsReturnsTrailingDays(t *testing.T) {
	s := newTestServer(t)
	s.create(t, slot(1), time.Hour)

	rec := s.do(t, &admin, http.MethodGet, "/audit/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats audit.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Len(t, stats.Days, 7)
	assert.Equal(t, 1, stats.EntriesToday)
	assert.Equal(t, 1, stats.ByAction["CREATE"])
}
