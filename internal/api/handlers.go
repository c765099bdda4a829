package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/domain"
)

func createAppointmentHandler(svc *appointment.Service, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateAppointmentRequest
		if !decodeBody(w, r, &req) {
			return
		}

		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID", nil)
			return
		}
		doctorID, err := uuid.Parse(req.DoctorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID", nil)
			return
		}

		appt, err := svc.ProposeAppointment(r.Context(), mustActor(r), appointment.ProposeInput{
			PatientID: patientID,
			DoctorID:  doctorID,
			Window:    domain.Window{Start: req.StartTime, End: req.EndTime},
			Priority:  domain.Priority(req.Priority),
			Reason:    req.Reason,
			Notes:     req.Notes,
		})
		if err != nil {
			writeServiceError(w, log, err)
			return
		}
		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func listAppointmentsHandler(svc *appointment.Service, loc *time.Location, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var f appointment.ListFilter

		if raw := q.Get("status"); raw != "" {
			status, err := domain.ParseStatus(raw)
			if err != nil {
				writeServiceError(w, log, err)
				return
			}
			f.Status = status
		}
		for param, dst := range map[string]*uuid.UUID{"doctor_id": &f.DoctorID, "patient_id": &f.PatientID} {
			if raw := q.Get(param); raw != "" {
				id, err := uuid.Parse(raw)
				if err != nil {
					writeError(w, http.StatusBadRequest, "invalid_"+param, param+" must be a valid UUID", nil)
					return
				}
				*dst = id
			}
		}
		if raw := q.Get("date"); raw != "" {
			day, err := parseDay(raw, loc)
			if err != nil {
				writeServiceError(w, log, &domain.ValidationError{Field: "date", Reason: "date must be YYYY-MM-DD"})
				return
			}
			f.Date = day
		}
		var err error
		if f.Page, err = intParam(q, "page"); err != nil {
			writeServiceError(w, log, err)
			return
		}
		if f.Limit, err = intParam(q, "limit"); err != nil {
			writeServiceError(w, log, err)
			return
		}

		res, err := svc.ListAppointments(r.Context(), f)
		if err != nil {
			writeServiceError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, toListResponse(res))
	}
}

func getAppointmentHandler(svc *appointment.Service, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}
		appt, err := svc.GetAppointment(r.Context(), id)
		if err != nil {
			writeServiceError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func updateAppointmentHandler(svc *appointment.Service, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}
		var req UpdateAppointmentRequest
		if !decodeBody(w, r, &req) {
			return
		}

		in := appointment.UpdateInput{Reason: req.Reason, Notes: req.Notes}
		if req.Priority != nil {
			p := domain.Priority(*req.Priority)
			in.Priority = &p
		}
		appt, err := svc.UpdateDetails(r.Context(), mustActor(r), id, in)
		if err != nil {
			writeServiceError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func transitionAppointmentHandler(svc *appointment.Service, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}
		var req TransitionRequest
		if !decodeBody(w, r, &req) {
			return
		}
		to, err := domain.ParseStatus(req.Status)
		if err != nil {
			writeServiceError(w, log, err)
			return
		}

		appt, err := svc.TransitionStatus(r.Context(), mustActor(r), id, to, strings.TrimSpace(req.Note))
		if err != nil {
			writeServiceError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func rescheduleAppointmentHandler(svc *appointment.Service, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}
		var req RescheduleRequest
		if !decodeBody(w, r, &req) {
			return
		}

		appt, err := svc.RescheduleAppointment(r.Context(), mustActor(r), id, domain.Window{Start: req.StartTime, End: req.EndTime})
		if err != nil {
			writeServiceError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func deleteAppointmentHandler(svc *appointment.Service, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}
		if err := svc.DeleteAppointment(r.Context(), mustActor(r), id); err != nil {
			writeServiceError(w, log, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func appointmentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON: "+err.Error(), nil)
		return false
	}
	return true
}

// mustActor is only called behind ActorMiddleware.
func mustActor(r *http.Request) domain.Actor {
	actor, _ := ActorFrom(r.Context())
	return actor
}
