package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/domain"
)

const (
	dayLayout       = "2006-01-02"
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Cache is the short-lived store for stats. redisclient.Cache satisfies it.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type QueryConfig struct {
	Location       *time.Location
	StatsDays      int
	StatsCacheTTL  time.Duration
	ExportMaxRange time.Duration
}

type PageRequest struct {
	Page     int   // 1-based
	PageSize int   // 0 means DefaultPageSize
	Snapshot int64 // position watermark returned by the first page, 0 to start a new one
}

type Page struct {
	Entries  []domain.AuditEntry `json:"entries"`
	Total    int                 `json:"total"`
	Page     int                 `json:"page"`
	PageSize int                 `json:"page_size"`
	LastPage int                 `json:"last_page"`
	Snapshot int64               `json:"snapshot"`
}

type DayCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

type Stats struct {
	Days                []DayCount     `json:"days"`
	ByResourceType      map[string]int `json:"by_resource_type"`
	ByAction            map[string]int `json:"by_action"`
	DistinctActorsToday int            `json:"distinct_actors_today"`
	EntriesToday        int            `json:"entries_today"`
	GeneratedAt         time.Time      `json:"generated_at"`
}

// QueryService reads the audit log. It never takes locks shared with writers.
type QueryService struct {
	store Store
	cache Cache
	cfg   QueryConfig
	now   func() time.Time
	log   zerolog.Logger
}

func NewQueryService(store Store, cache Cache, cfg QueryConfig, log zerolog.Logger) *QueryService {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.StatsDays <= 0 {
		cfg.StatsDays = 7
	}
	if cfg.ExportMaxRange <= 0 {
		cfg.ExportMaxRange = 31 * 24 * time.Hour
	}
	return &QueryService{
		store: store,
		cache: cache,
		cfg:   cfg,
		now:   time.Now,
		log:   log,
	}
}

// WithClock replaces the wall clock used to resolve "today".
func (s *QueryService) WithClock(now func() time.Time) *QueryService {
	s.now = now
	return s
}

// Query returns one page, newest first. Later pages pass back the Snapshot of
// the first so entries written in between do not shift the pages.
func (s *QueryService) Query(ctx context.Context, f Filter, req PageRequest) (*Page, error) {
	if err := validateRange(f); err != nil {
		return nil, err
	}

	page := req.Page
	if page < 1 {
		page = 1
	}
	size := req.PageSize
	switch {
	case size <= 0:
		size = DefaultPageSize
	case size > MaxPageSize:
		size = MaxPageSize
	}

	snapshot := req.Snapshot
	if snapshot <= 0 {
		latest, err := s.store.LatestPosition(ctx)
		if err != nil {
			return nil, domain.AsStorageError("read audit position", err)
		}
		snapshot = latest
	}

	entries, total, err := s.store.Find(ctx, Query{
		Filter:      f,
		MaxPosition: snapshot,
		Offset:      (page - 1) * size,
		Limit:       size,
	})
	if err != nil {
		return nil, domain.AsStorageError("query audit log", err)
	}
	if snapshot == 0 {
		// empty log: nothing is visible yet, and 0 would mean unbounded
		entries, total = []domain.AuditEntry{}, 0
	}

	lastPage := (total + size - 1) / size
	if lastPage == 0 {
		lastPage = 1
	}
	return &Page{
		Entries:  entries,
		Total:    total,
		Page:     page,
		PageSize: size,
		LastPage: lastPage,
		Snapshot: snapshot,
	}, nil
}

// Stats aggregates the trailing window of days ending today in the clinic zone.
func (s *QueryService) Stats(ctx context.Context) (*Stats, error) {
	now := s.now().In(s.cfg.Location)
	todayStart := startOfDay(now)
	since := todayStart.AddDate(0, 0, -(s.cfg.StatsDays - 1))
	key := fmt.Sprintf("stats:%d:%s", s.cfg.StatsDays, todayStart.Format(dayLayout))

	if cached, ok := s.cachedStats(ctx, key); ok {
		return cached, nil
	}

	agg, err := s.store.Aggregate(ctx, since, todayStart, s.cfg.Location)
	if err != nil {
		return nil, domain.AsStorageError("aggregate audit log", err)
	}

	stats := &Stats{
		Days:                make([]DayCount, 0, s.cfg.StatsDays),
		ByResourceType:      agg.ByResourceType,
		ByAction:            agg.ByAction,
		DistinctActorsToday: agg.ActorsToday,
		EntriesToday:        agg.EntriesToday,
		GeneratedAt:         now.UTC(),
	}
	for d := since; !d.After(todayStart); d = d.AddDate(0, 0, 1) {
		day := d.Format(dayLayout)
		stats.Days = append(stats.Days, DayCount{Date: day, Count: agg.PerDay[day]})
	}

	s.storeStats(ctx, key, stats)
	return stats, nil
}

func (s *QueryService) cachedStats(ctx context.Context, key string) (*Stats, bool) {
	if s.cache == nil || s.cfg.StatsCacheTTL <= 0 {
		return nil, false
	}
	raw, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("audit stats cache read failed")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var stats Stats
	if err := json.Unmarshal(raw, &stats); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("audit stats cache entry unreadable")
		return nil, false
	}
	return &stats, true
}

func (s *QueryService) storeStats(ctx context.Context, key string, stats *Stats) {
	if s.cache == nil || s.cfg.StatsCacheTTL <= 0 {
		return
	}
	raw, err := json.Marshal(stats)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, raw, s.cfg.StatsCacheTTL); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("audit stats cache write failed")
	}
}

// Export returns every matching entry oldest first. Both ends of the date
// range are required and the span is bounded.
func (s *QueryService) Export(ctx context.Context, f Filter) ([]domain.AuditEntry, error) {
	if f.From.IsZero() || f.To.IsZero() {
		return nil, &domain.ValidationError{Field: "date_range", Reason: "export requires both from and to"}
	}
	if err := validateRange(f); err != nil {
		return nil, err
	}
	if span := f.To.Sub(f.From); span > s.cfg.ExportMaxRange {
		return nil, &domain.ValidationError{
			Field:  "date_range",
			Reason: fmt.Sprintf("export range %s exceeds the maximum of %s", span, s.cfg.ExportMaxRange),
			Details: map[string]any{
				"max_range": s.cfg.ExportMaxRange.String(),
			},
		}
	}

	entries, _, err := s.store.Find(ctx, Query{Filter: f, Ascending: true})
	if err != nil {
		return nil, domain.AsStorageError("export audit log", err)
	}
	return entries, nil
}

// History lists the entries of one resource in sequence order.
func (s *QueryService) History(ctx context.Context, resourceType, resourceID string) ([]domain.AuditEntry, error) {
	if resourceType == "" || resourceID == "" {
		return nil, &domain.ValidationError{Field: "resource", Reason: "resource type and id are required"}
	}
	entries, err := s.store.History(ctx, resourceType, resourceID)
	if err != nil {
		return nil, domain.AsStorageError("read audit history", err)
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Sequence < entries[j].Sequence })
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	return entries, nil
}

func validateRange(f Filter) error {
	if !f.From.IsZero() && !f.To.IsZero() && !f.From.Before(f.To) {
		return &domain.ValidationError{Field: "date_range", Reason: "from must be before to"}
	}
	return nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
