package api

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hackgods/clinic-scheduling/internal/audit"
	"github.com/hackgods/clinic-scheduling/internal/domain"
)

const dayLayout = "2006-01-02"

func parseDay(raw string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(dayLayout, strings.TrimSpace(raw), loc)
}

// parseInstant accepts RFC 3339 or a bare date. A bare date bound is the start
// of that day in the clinic zone; with inclusiveDay it becomes the start of the
// next day, so "to=2026-05-14" covers all of May 14.
func parseInstant(field, raw string, loc *time.Location, inclusiveDay bool) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, nil
	}
	day, err := parseDay(raw, loc)
	if err != nil {
		return time.Time{}, &domain.ValidationError{
			Field:  field,
			Reason: fmt.Sprintf("%q is neither RFC 3339 nor YYYY-MM-DD", raw),
		}
	}
	if inclusiveDay {
		day = day.AddDate(0, 0, 1)
	}
	return day, nil
}

// intParam returns 0 when the parameter is absent.
func intParam(q url.Values, name string) (int, error) {
	raw := q.Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &domain.ValidationError{Field: name, Reason: "must be a non-negative integer"}
	}
	return n, nil
}

// auditFilter reads the audit log filters shared by query and export.
func auditFilter(q url.Values, loc *time.Location) (audit.Filter, error) {
	f := audit.Filter{
		ResourceType: strings.TrimSpace(q.Get("resource_type")),
		ResourceID:   strings.TrimSpace(q.Get("resource_id")),
		ActorText:    strings.TrimSpace(q.Get("actor")),
		FreeText:     strings.TrimSpace(q.Get("q")),
	}
	if raw := q.Get("action"); raw != "" {
		action, err := domain.ParseAction(raw)
		if err != nil {
			return audit.Filter{}, err
		}
		f.Action = action
	}
	if raw := q.Get("from"); raw != "" {
		from, err := parseInstant("from", raw, loc, false)
		if err != nil {
			return audit.Filter{}, err
		}
		f.From = from
	}
	if raw := q.Get("to"); raw != "" {
		to, err := parseInstant("to", raw, loc, true)
		if err != nil {
			return audit.Filter{}, err
		}
		f.To = to
	}
	return f, nil
}
