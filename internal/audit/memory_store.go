package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/domain"
)

// MemoryStore is an in-process Store and Outbox for local runs and tests.
// Writes must go through a db.MemTxRunner so they commit with the mutation.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  []domain.AuditEntry
	ids      map[uuid.UUID]struct{}
	seqs     map[string]int64
	position int64
	outbox   map[uuid.UUID]*memOutboxItem
}

type memOutboxItem struct {
	entry       domain.AuditEntry
	attempts    int
	lastError   string
	nextAttempt time.Time
	createdAt   time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ids:    make(map[uuid.UUID]struct{}),
		seqs:   make(map[string]int64),
		outbox: make(map[uuid.UUID]*memOutboxItem),
	}
}

func seqKey(resourceType, resourceID string) string {
	return resourceType + "/" + resourceID
}

func (s *MemoryStore) NextSequence(ctx context.Context, resourceType, resourceID string) (int64, error) {
	key := seqKey(resourceType, resourceID)

	s.mu.Lock()
	s.seqs[key]++
	next := s.seqs[key]
	s.mu.Unlock()

	db.OnRollback(ctx, func() {
		s.mu.Lock()
		s.seqs[key]--
		s.mu.Unlock()
	})
	return next, nil
}

func (s *MemoryStore) Append(ctx context.Context, e *domain.AuditEntry) error {
	s.mu.RLock()
	_, exists := s.ids[e.ID]
	s.mu.RUnlock()
	if exists {
		return ErrDuplicateEntry
	}

	db.OnCommit(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.position++
		e.Position = s.position
		s.entries = append(s.entries, cloneEntry(*e))
		s.ids[e.ID] = struct{}{}
	})
	return nil
}

func (s *MemoryStore) LatestPosition(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.position, nil
}

func (s *MemoryStore) Find(ctx context.Context, q Query) ([]domain.AuditEntry, int, error) {
	s.mu.RLock()
	var matched []domain.AuditEntry
	for _, e := range s.entries {
		if q.MaxPosition > 0 && e.Position > q.MaxPosition {
			continue
		}
		if q.Matches(e) {
			matched = append(matched, cloneEntry(e))
		}
	}
	s.mu.RUnlock()

	sortEntries(matched, q.Ascending)
	total := len(matched)

	if q.Offset >= total {
		return []domain.AuditEntry{}, total, nil
	}
	matched = matched[q.Offset:]
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, total, nil
}

func (s *MemoryStore) History(ctx context.Context, resourceType, resourceID string) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.AuditEntry
	for _, e := range s.entries {
		if e.ResourceType == resourceType && e.ResourceID == resourceID {
			out = append(out, cloneEntry(e))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *MemoryStore) Aggregate(ctx context.Context, since, todayStart time.Time, loc *time.Location) (Aggregates, error) {
	agg := Aggregates{
		PerDay:         make(map[string]int),
		ByResourceType: make(map[string]int),
		ByAction:       make(map[string]int),
	}
	actors := make(map[string]struct{})

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.RecordedAt.Before(since) {
			continue
		}
		agg.PerDay[e.RecordedAt.In(loc).Format(dayLayout)]++
		agg.ByResourceType[e.ResourceType]++
		agg.ByAction[string(e.Action)]++
		if !e.RecordedAt.Before(todayStart) {
			agg.EntriesToday++
			actors[e.Actor.ID] = struct{}{}
		}
	}
	agg.ActorsToday = len(actors)
	return agg, nil
}

func (s *MemoryStore) Enqueue(ctx context.Context, e domain.AuditEntry) error {
	item := &memOutboxItem{entry: cloneEntry(e), createdAt: time.Now()}
	db.OnCommit(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.outbox[e.ID]; !ok {
			s.outbox[e.ID] = item
		}
	})
	return nil
}

func (s *MemoryStore) Pending(ctx context.Context, now time.Time, limit int) ([]PendingEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]*memOutboxItem, 0, len(s.outbox))
	for _, item := range s.outbox {
		if !item.nextAttempt.After(now) {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].createdAt.Before(items[j].createdAt) })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}

	out := make([]PendingEntry, 0, len(items))
	for _, item := range items {
		out = append(out, PendingEntry{Entry: cloneEntry(item.entry), Attempts: item.attempts})
	}
	return out, nil
}

func (s *MemoryStore) Delivered(ctx context.Context, id uuid.UUID) error {
	db.OnCommit(ctx, func() {
		s.mu.Lock()
		delete(s.outbox, id)
		s.mu.Unlock()
	})
	return nil
}

func (s *MemoryStore) Failed(ctx context.Context, id uuid.UUID, cause error, retryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item, ok := s.outbox[id]; ok {
		item.attempts++
		item.nextAttempt = retryAt
		if cause != nil {
			item.lastError = cause.Error()
		}
	}
	return nil
}

// OutboxLen reports how many entries are waiting for the relay.
func (s *MemoryStore) OutboxLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.outbox)
}

func cloneEntry(e domain.AuditEntry) domain.AuditEntry {
	if e.Diff != nil {
		d := make(domain.Diff, len(e.Diff))
		for k, v := range e.Diff {
			d[k] = v
		}
		e.Diff = d
	}
	if e.Origin.Params != nil {
		p := make(map[string]string, len(e.Origin.Params))
		for k, v := range e.Origin.Params {
			p[k] = v
		}
		e.Origin.Params = p
	}
	return e
}
