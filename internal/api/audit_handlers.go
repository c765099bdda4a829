package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/audit"
	"github.com/hackgods/clinic-scheduling/internal/domain"
)

func queryAuditHandler(svc *audit.QueryService, loc *time.Location, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f, err := auditFilter(q, loc)
		if err != nil {
			writeServiceError(w, log, err)
			return
		}

		var req audit.PageRequest
		if req.Page, err = intParam(q, "page"); err != nil {
			writeServiceError(w, log, err)
			return
		}
		if req.PageSize, err = intParam(q, "page_size"); err != nil {
			writeServiceError(w, log, err)
			return
		}
		if raw := q.Get("snapshot"); raw != "" {
			snapshot, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || snapshot < 0 {
				writeServiceError(w, log, &domain.ValidationError{Field: "snapshot", Reason: "must be a non-negative integer"})
				return
			}
			req.Snapshot = snapshot
		}

		page, err := svc.Query(r.Context(), f, req)
		if err != nil {
			writeServiceError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
	}
}

func auditStatsHandler(svc *audit.QueryService, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := svc.Stats(r.Context())
		if err != nil {
			writeServiceError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func exportAuditHandler(svc *audit.QueryService, loc *time.Location, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := auditFilter(r.URL.Query(), loc)
		if err != nil {
			writeServiceError(w, log, err)
			return
		}
		entries, err := svc.Export(r.Context(), f)
		if err != nil {
			writeServiceError(w, log, err)
			return
		}
		if entries == nil {
			entries = []domain.AuditEntry{}
		}
		writeJSON(w, http.StatusOK, ExportResponse{Entries: entries, Count: len(entries)})
	}
}

func auditHistoryHandler(svc *audit.QueryService, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resourceType := chi.URLParam(r, "resourceType")
		resourceID := chi.URLParam(r, "resourceID")
		entries, err := svc.History(r.Context(), resourceType, resourceID)
		if err != nil {
			writeServiceError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, HistoryResponse{
			ResourceType: resourceType,
			ResourceID:   resourceID,
			Entries:      entries,
		})
	}
}
