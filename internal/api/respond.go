package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/domain"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, details string, fields map[string]any) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details, Fields: fields})
}

// writeServiceError maps the domain error taxonomy onto HTTP. Anything that is
// not a domain error is an internal failure and its text stays in the log.
func writeServiceError(w http.ResponseWriter, log zerolog.Logger, err error) {
	var (
		ve *domain.ValidationError
		ne *domain.NotFoundError
		ce *domain.ConflictError
		te *domain.IllegalTransitionError
		se *domain.StorageError
	)
	switch {
	case errors.As(err, &ve):
		fields := map[string]any{}
		if ve.Field != "" {
			fields["field"] = ve.Field
		}
		for k, v := range ve.Details {
			fields[k] = v
		}
		writeError(w, http.StatusBadRequest, "validation_failed", ve.Error(), fields)
	case errors.As(err, &ne):
		writeError(w, http.StatusNotFound, "not_found", ne.Error(), map[string]any{"resource": ne.Resource})
	case errors.As(err, &ce):
		writeError(w, http.StatusConflict, "scheduling_conflict", ce.Error(), map[string]any{
			"conflicting_appointment_id": ce.ConflictingID,
			"existing_start":             ce.Existing.Start,
			"existing_end":               ce.Existing.End,
		})
	case errors.As(err, &te):
		writeError(w, http.StatusConflict, "illegal_transition", te.Error(), map[string]any{
			"current_status":   te.Current,
			"requested_status": te.Requested,
		})
	case errors.As(err, &se):
		log.Error().Err(err).Str("op", se.Op).Msg("storage failure")
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "storage failure during "+se.Op, nil)
	default:
		log.Error().Err(err).Msg("unhandled error")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", nil)
	}
}
